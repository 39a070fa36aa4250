package narration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"

	"github.com/loqalabs/guidio/internal/tts"
)

const defaultChunkSize = 4096

// Relay forwards sentences to a synthesizer and passes the audio back in
// order. Calls are strictly sequential and fail fast.
type Relay struct {
	synth     tts.Synthesizer
	voice     string
	chunkSize int
	logger    *slog.Logger
}

func NewRelay(synth tts.Synthesizer, voice string, chunkSize int, logger *slog.Logger) *Relay {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Relay{synth: synth, voice: voice, chunkSize: chunkSize, logger: logger}
}

// Whole synthesizes text with a single call.
func (r *Relay) Whole(ctx context.Context, sessionID, text string) ([]byte, error) {
	audio, err := r.synth.Synthesize(ctx, tts.SynthRequest{SessionID: sessionID, Text: text, Voice: r.voice})
	if err != nil {
		return nil, wrapSynthesis(ctx, err, "whole text")
	}
	return audio, nil
}

// Sentence opens one synthesis stream for sentence and yields its chunks as
// they arrive. The stream is closed on every exit path.
func (r *Relay) Sentence(ctx context.Context, sessionID string, index int, sentence string) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		if strings.TrimSpace(sentence) == "" {
			return
		}
		stream, err := r.synth.SynthesizeStream(ctx, tts.SynthRequest{SessionID: sessionID, Text: sentence, Voice: r.voice})
		if err != nil {
			yield(nil, wrapSynthesis(ctx, err, fmt.Sprintf("sentence %d", index)))
			return
		}
		defer stream.Close()

		buf := make([]byte, r.chunkSize)
		total := 0
		for {
			n, err := stream.Read(buf)
			if n > 0 {
				total += n
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				if !yield(chunk, nil) {
					return
				}
			}
			if errors.Is(err, io.EOF) {
				r.logger.Debug("sentence synthesized",
					slog.String("session_id", sessionID),
					slog.Int("index", index),
					slog.Int("bytes", total),
				)
				return
			}
			if err != nil {
				yield(nil, wrapSynthesis(ctx, err, fmt.Sprintf("sentence %d", index)))
				return
			}
		}
	}
}

// Stream synthesizes sentences one after another. Audio of sentence i is
// fully forwarded before sentence i+1 is requested; the first failure ends
// the sequence.
func (r *Relay) Stream(ctx context.Context, sessionID string, sentences iter.Seq2[string, error]) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		index := 0
		for sentence, err := range sentences {
			if err != nil {
				yield(nil, err)
				return
			}
			for chunk, err := range r.Sentence(ctx, sessionID, index, sentence) {
				if !yield(chunk, err) || err != nil {
					return
				}
			}
			index++
		}
	}
}

// wrapSynthesis tags err with ErrSynthesis unless the request itself was
// cancelled, in which case the context error is returned.
func wrapSynthesis(ctx context.Context, err error, what string) error {
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return ctxErr
	}
	return fmt.Errorf("%w: %s: %w", ErrSynthesis, what, err)
}
