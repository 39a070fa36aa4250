package narration

import (
	"bytes"
	"context"
	"errors"
	"iter"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/guidio/internal/tts"
)

type fakeSource struct {
	fragments []string
	err       error

	streams  atomic.Int32
	pulled   atomic.Int32
	released atomic.Int32
}

func (f *fakeSource) Stream(ctx context.Context, _ RequestContext) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		f.streams.Add(1)
		defer f.released.Add(1)
		for _, fragment := range f.fragments {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			f.pulled.Add(1)
			if !yield(fragment, nil) {
				return
			}
		}
		if f.err != nil {
			yield("", f.err)
		}
	}
}

func (f *fakeSource) Generate(ctx context.Context, rc RequestContext) (string, error) {
	var b strings.Builder
	for fragment, err := range f.Stream(ctx, rc) {
		if err != nil {
			return "", err
		}
		b.WriteString(fragment)
	}
	return b.String(), nil
}

var museumFragments = []string{"Welcome to the ", "museum. This pain", "ting is old! Do you ", "like it? Enjoy"}

var museumSentences = []string{"Welcome to the museum.", "This painting is old!", "Do you like it?", "Enjoy"}

func expectedAudio(sentences ...string) []byte {
	var b bytes.Buffer
	for _, s := range sentences {
		b.Write(tts.MockAudio(s))
	}
	return b.Bytes()
}

func newTestNarrator(src TextSource, synth tts.Synthesizer, opts Options) *Narrator {
	if opts.ChunkSize == 0 {
		opts.ChunkSize = 5
	}
	return New(src, synth, opts)
}

func collectEvents(t *testing.T, seq iter.Seq2[Event, error]) ([]Event, error) {
	t.Helper()
	var out []Event
	for ev, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, ev)
	}
	return out, nil
}

func TestDescribeIsIdempotent(t *testing.T) {
	src := &fakeSource{fragments: museumFragments}
	synth := tts.NewMockSynth(0)
	n := newTestNarrator(src, synth, Options{})

	first, err := n.Describe(context.Background(), RequestContext{Subject: "painting"})
	require.NoError(t, err)
	second, err := n.Describe(context.Background(), RequestContext{Subject: "painting"})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, strings.Join(museumFragments, ""), first.Text)
	assert.Equal(t, tts.MockAudio(first.Text), first.Audio)
	assert.Len(t, synth.Requests(), 2)
	assert.Equal(t, int32(2), src.streams.Load())
}

func TestDescribeSourceFailure(t *testing.T) {
	boom := errors.New("model offline")
	synth := tts.NewMockSynth(0)
	n := newTestNarrator(&fakeSource{fragments: []string{"Partial. "}, err: boom}, synth, Options{})

	_, err := n.Describe(context.Background(), RequestContext{})
	assert.ErrorIs(t, err, ErrSource)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, synth.Requests())
}

func TestDescribeEmptyNarration(t *testing.T) {
	synth := tts.NewMockSynth(0)
	n := newTestNarrator(&fakeSource{fragments: []string{" ", "\n"}}, synth, Options{})

	_, err := n.Describe(context.Background(), RequestContext{})
	assert.ErrorIs(t, err, ErrSource)
	assert.ErrorIs(t, err, ErrEmptyNarration)
	assert.Empty(t, synth.Requests())

	_, err = collectEvents(t, n.DescribeFullStream(context.Background(), RequestContext{}))
	assert.ErrorIs(t, err, ErrEmptyNarration)
}

func TestDescribeSynthesisFailure(t *testing.T) {
	synth := tts.NewMockSynth(0)
	synth.Fail = func(string) error { return tts.ErrRateLimited }
	n := newTestNarrator(&fakeSource{fragments: museumFragments}, synth, Options{})

	_, err := n.Describe(context.Background(), RequestContext{})
	assert.ErrorIs(t, err, ErrSynthesis)
	assert.ErrorIs(t, err, tts.ErrRateLimited)
}

func TestAudioStreamOrdering(t *testing.T) {
	for _, overlap := range []bool{false, true} {
		synth := tts.NewMockSynth(4)
		n := newTestNarrator(&fakeSource{fragments: museumFragments}, synth, Options{Overlap: overlap, QueueDepth: 1})

		var got []byte
		chunks := 0
		for chunk, err := range n.DescribeAudioStream(context.Background(), RequestContext{}) {
			require.NoError(t, err)
			got = append(got, chunk...)
			chunks++
		}
		assert.Equal(t, expectedAudio(museumSentences...), got, "overlap=%v", overlap)
		assert.Greater(t, chunks, len(museumSentences))

		var texts []string
		for _, req := range synth.Requests() {
			texts = append(texts, req.Text)
		}
		assert.Equal(t, museumSentences, texts)
		assert.Zero(t, synth.OpenStreams())
	}
}

func TestFullStreamInterleaving(t *testing.T) {
	for _, overlap := range []bool{false, true} {
		synth := tts.NewMockSynth(0)
		n := newTestNarrator(&fakeSource{fragments: museumFragments}, synth, Options{Overlap: overlap})

		events, err := collectEvents(t, n.DescribeFullStream(context.Background(), RequestContext{}))
		require.NoError(t, err)

		var texts []string
		audio := map[int][]byte{}
		current := -1
		for _, ev := range events {
			switch ev.Kind {
			case EventText:
				require.Equal(t, current+1, ev.Index, "text events must advance by one")
				current = ev.Index
				texts = append(texts, ev.Text)
			case EventAudio:
				require.Equal(t, current, ev.Index, "audio must follow its own text and precede the next")
				audio[ev.Index] = append(audio[ev.Index], ev.Audio...)
			}
		}
		assert.Equal(t, museumSentences, texts, "overlap=%v", overlap)
		for i, s := range museumSentences {
			assert.Equal(t, tts.MockAudio(s), audio[i])
		}
	}
}

func TestFullStreamFailFast(t *testing.T) {
	synth := tts.NewMockSynth(0)
	synth.Fail = func(text string) error {
		if text == museumSentences[1] {
			return errors.New("voice unavailable")
		}
		return nil
	}
	n := newTestNarrator(&fakeSource{fragments: museumFragments}, synth, Options{})

	events, err := collectEvents(t, n.DescribeFullStream(context.Background(), RequestContext{}))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSynthesis)
	assert.Contains(t, err.Error(), "sentence 1")

	// sentence 0 was fully delivered, sentence 1 text was announced
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, EventText, last.Kind)
	assert.Equal(t, 1, last.Index)

	requests := synth.Requests()
	require.Len(t, requests, 2)
	for _, req := range requests {
		assert.NotEqual(t, museumSentences[2], req.Text)
	}
	assert.Zero(t, synth.OpenStreams())
}

func TestStreamSourceFailureAfterOutput(t *testing.T) {
	boom := errors.New("connection reset")
	synth := tts.NewMockSynth(0)
	n := newTestNarrator(&fakeSource{fragments: []string{"First one. Second"}, err: boom}, synth, Options{})

	var got []byte
	var streamErr error
	for chunk, err := range n.DescribeAudioStream(context.Background(), RequestContext{}) {
		if err != nil {
			streamErr = err
			break
		}
		got = append(got, chunk...)
	}
	assert.Equal(t, expectedAudio("First one."), got)
	assert.ErrorIs(t, streamErr, ErrSource)
	assert.ErrorIs(t, streamErr, boom)
}

func TestEarlyBreakReleasesStreams(t *testing.T) {
	for _, overlap := range []bool{false, true} {
		src := &fakeSource{fragments: museumFragments}
		synth := tts.NewMockSynth(2)
		n := newTestNarrator(src, synth, Options{Overlap: overlap, QueueDepth: 1, ChunkSize: 2})

		for chunk, err := range n.DescribeAudioStream(context.Background(), RequestContext{}) {
			require.NoError(t, err)
			require.NotEmpty(t, chunk)
			break
		}

		assert.Zero(t, synth.OpenStreams(), "overlap=%v", overlap)
		assert.Len(t, synth.Requests(), 1)
		assert.Equal(t, int32(1), src.streams.Load())
		assert.Equal(t, int32(1), src.released.Load())
		assert.Less(t, int(src.pulled.Load()), len(museumFragments)+1)
	}
}

func TestContextCancelSurfacesContextError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	synth := tts.NewMockSynth(0)
	n := newTestNarrator(&fakeSource{fragments: museumFragments}, synth, Options{})

	var streamErr error
	for ev, err := range n.DescribeFullStream(ctx, RequestContext{}) {
		if err != nil {
			streamErr = err
			break
		}
		if ev.Kind == EventAudio {
			cancel()
		}
	}
	assert.ErrorIs(t, streamErr, context.Canceled)
	assert.NotErrorIs(t, streamErr, ErrSynthesis)
}

func TestObserverTransitions(t *testing.T) {
	var mu sync.Mutex
	var states []State
	observer := func(tr Transition) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, tr.To)
		if tr.To == StateDone {
			assert.Equal(t, len(museumSentences), tr.Sentences)
			assert.Equal(t, len(expectedAudio(museumSentences...)), tr.AudioSize)
			assert.Equal(t, ShapeFullStream, tr.Shape)
			assert.Equal(t, "s-42", tr.SessionID)
		}
	}
	n := newTestNarrator(&fakeSource{fragments: museumFragments}, tts.NewMockSynth(0), Options{Observer: observer})

	_, err := collectEvents(t, n.DescribeFullStream(context.Background(), RequestContext{SessionID: "s-42"}))
	require.NoError(t, err)
	assert.Equal(t, []State{StateGenerating, StateSynthesizing, StateDone}, states)

	states = nil
	for range n.DescribeFullStream(context.Background(), RequestContext{}) {
		break
	}
	assert.Equal(t, []State{StateGenerating, StateSynthesizing, StateCancelled}, states)
}

func TestAudioStreamObserverCountsSentences(t *testing.T) {
	for _, overlap := range []bool{false, true} {
		var final Transition
		var states []State
		var mu sync.Mutex
		observer := func(tr Transition) {
			mu.Lock()
			defer mu.Unlock()
			states = append(states, tr.To)
			final = tr
		}
		synth := tts.NewMockSynth(3)
		n := newTestNarrator(&fakeSource{fragments: museumFragments}, synth, Options{Observer: observer, Overlap: overlap})

		var got []byte
		for chunk, err := range n.DescribeAudioStream(context.Background(), RequestContext{SessionID: "audio-1"}) {
			require.NoError(t, err)
			got = append(got, chunk...)
		}

		mu.Lock()
		assert.Equal(t, []State{StateGenerating, StateSynthesizing, StateDone}, states, "overlap=%v", overlap)
		assert.Equal(t, ShapeAudioStream, final.Shape)
		assert.Equal(t, len(museumSentences), final.Sentences)
		assert.Equal(t, len(got), final.AudioSize)
		mu.Unlock()
		assert.Zero(t, synth.OpenStreams())
	}
}

func TestAudioStreamEmptyNarration(t *testing.T) {
	synth := tts.NewMockSynth(0)
	n := newTestNarrator(&fakeSource{fragments: []string{"  ", "\n"}}, synth, Options{})

	elements := 0
	for chunk, err := range n.DescribeAudioStream(context.Background(), RequestContext{}) {
		elements++
		assert.Nil(t, chunk)
		assert.ErrorIs(t, err, ErrSource)
		assert.ErrorIs(t, err, ErrEmptyNarration)
	}
	assert.Equal(t, 1, elements)
	assert.Empty(t, synth.Requests())
}

func TestRelayStreamSkipsEmptySentences(t *testing.T) {
	synth := tts.NewMockSynth(0)
	relay := NewRelay(synth, "narrator", 0, nil)

	var got []byte
	for chunk, err := range relay.Stream(context.Background(), "s", fragmentsOf("One.", "  ", "Two.")) {
		require.NoError(t, err)
		got = append(got, chunk...)
	}
	assert.Equal(t, expectedAudio("One.", "Two."), got)
	require.Len(t, synth.Requests(), 2)
	assert.Equal(t, "narrator", synth.Requests()[0].Voice)
}

func TestRelayChunksAreIndependentCopies(t *testing.T) {
	synth := tts.NewMockSynth(3)
	relay := NewRelay(synth, "", 3, nil)

	var chunks [][]byte
	for chunk, err := range relay.Sentence(context.Background(), "s", 0, "Copy me.") {
		require.NoError(t, err)
		chunks = append(chunks, chunk)
	}
	assert.Equal(t, tts.MockAudio("Copy me."), bytes.Join(chunks, nil))
}
