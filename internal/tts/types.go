// Package tts converts sentences to speech. Every synthesizer offers a
// whole-payload call and a streaming call whose chunks concatenate to the
// same payload.
package tts

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/loqalabs/guidio/internal/config"
)

var (
	// ErrEmptyText is returned when attempting to synthesize empty text.
	ErrEmptyText = errors.New("text cannot be empty")
	// ErrSynthesisFailed is returned when TTS synthesis fails.
	ErrSynthesisFailed = errors.New("speech synthesis failed")
	// ErrRateLimited is returned when API rate limits are exceeded.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrInvalidVoice is returned when the requested voice is not available.
	ErrInvalidVoice = errors.New("invalid or unsupported voice")
)

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	SessionID string
	Text      string
	Voice     string
}

// Synthesizer is the contract for producing audio.
type Synthesizer interface {
	// Name returns the provider identifier.
	Name() string
	// Format reports the encoding of the produced audio.
	Format() Format
	// Synthesize returns the complete audio payload for req.Text.
	Synthesize(ctx context.Context, req SynthRequest) ([]byte, error)
	// SynthesizeStream returns the audio as it is produced. The caller must
	// close the returned stream.
	SynthesizeStream(ctx context.Context, req SynthRequest) (io.ReadCloser, error)
}

// SynthesisError provides detailed error information from TTS providers.
type SynthesisError struct {
	Provider  string
	Code      string
	Message   string
	Cause     error
	Retryable bool
}

func (e *SynthesisError) Error() string {
	if e.Cause != nil {
		return e.Provider + ": " + e.Message + ": " + e.Cause.Error()
	}
	return e.Provider + ": " + e.Message
}

func (e *SynthesisError) Unwrap() error {
	return e.Cause
}

// Is lets errors.Is(err, ErrSynthesisFailed) match any provider error.
func (e *SynthesisError) Is(target error) bool {
	return target == ErrSynthesisFailed
}

func NewSynthesisError(provider, code, message string, cause error, retryable bool) *SynthesisError {
	return &SynthesisError{
		Provider:  provider,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: retryable,
	}
}

// IsRetryable reports whether err is a provider error marked transient.
func IsRetryable(err error) bool {
	var synthErr *SynthesisError
	return errors.As(err, &synthErr) && synthErr.Retryable
}

// FromConfig selects the synthesizer backend named by cfg.Mode.
func FromConfig(cfg config.TTSConfig) (Synthesizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockSynth(0), nil
	case "elevenlabs":
		opts := []ElevenLabsOption{
			WithElevenLabsModel(cfg.Model),
			WithElevenLabsFormat(cfg.OutputFormat),
			WithElevenLabsRateLimit(cfg.RateLimit),
		}
		if cfg.Endpoint != "" {
			opts = append(opts, WithElevenLabsBaseURL(cfg.Endpoint))
		}
		return NewElevenLabs(cfg.APIKey, cfg.Voice, opts...), nil
	case "exec":
		synth, err := NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels)
		if err != nil {
			return nil, err
		}
		return synth, nil
	default:
		return nil, fmt.Errorf("unknown tts mode %q", cfg.Mode)
	}
}

// collect drains a stream into a single payload.
func collect(ctx context.Context, s Synthesizer, req SynthRequest) ([]byte, error) {
	stream, err := s.SynthesizeStream(ctx, req)
	if err != nil {
		return nil, err
	}
	defer stream.Close()
	return io.ReadAll(stream)
}
