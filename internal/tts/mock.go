package tts

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

const defaultMockChunkSize = 16

// MockSynth is a deterministic synthesizer for tests and local runs. The
// audio for a text is MockAudio(text), streamed in ChunkSize pieces.
type MockSynth struct {
	// ChunkSize bounds the bytes returned per Read on a stream.
	ChunkSize int
	// Fail, when set, is consulted before every call; a non-nil error
	// fails that call.
	Fail func(text string) error
	// AudioFormat is reported by Format. NewMockSynth sets FormatMP3, the
	// default of the hosted backend it stands in for.
	AudioFormat Format

	mu       sync.Mutex
	requests []SynthRequest
	open     int
}

func NewMockSynth(chunkSize int) *MockSynth {
	if chunkSize <= 0 {
		chunkSize = defaultMockChunkSize
	}
	return &MockSynth{ChunkSize: chunkSize, AudioFormat: FormatMP3}
}

// MockAudio is the payload MockSynth produces for text.
func MockAudio(text string) []byte {
	return []byte(fmt.Sprintf("<audio %d:%s>", len(text), text))
}

func (m *MockSynth) Name() string { return "mock" }

func (m *MockSynth) Format() Format { return m.AudioFormat }

func (m *MockSynth) Synthesize(ctx context.Context, req SynthRequest) ([]byte, error) {
	return collect(ctx, m, req)
}

func (m *MockSynth) SynthesizeStream(ctx context.Context, req SynthRequest) (io.ReadCloser, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrEmptyText
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.requests = append(m.requests, req)
	fail := m.Fail
	m.mu.Unlock()

	if fail != nil {
		if err := fail(req.Text); err != nil {
			return nil, NewSynthesisError("mock", "", "synthesis rejected", err, false)
		}
	}

	m.mu.Lock()
	m.open++
	m.mu.Unlock()
	return &mockStream{ctx: ctx, data: MockAudio(req.Text), size: m.ChunkSize, owner: m}, nil
}

// Requests returns the texts the synthesizer was asked for, in call order.
func (m *MockSynth) Requests() []SynthRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SynthRequest(nil), m.requests...)
}

// OpenStreams returns the number of streams not yet closed.
func (m *MockSynth) OpenStreams() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

type mockStream struct {
	ctx    context.Context
	data   []byte
	size   int
	owner  *MockSynth
	closed bool
}

func (s *mockStream) Read(p []byte) (int, error) {
	if err := s.ctx.Err(); err != nil {
		return 0, err
	}
	if len(s.data) == 0 {
		return 0, io.EOF
	}
	n := copy(p[:min(len(p), s.size)], s.data)
	s.data = s.data[n:]
	return n, nil
}

func (s *mockStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.owner.mu.Lock()
	s.owner.open--
	s.owner.mu.Unlock()
	return nil
}
