package llm

import (
	"context"
	"errors"
	"fmt"
	"iter"
)

var errConsumerStopped = errors.New("fragment consumer stopped")

// Fragments runs g and exposes its output as a pull sequence of non-empty
// text fragments. Breaking out of the loop stops the generator; a generator
// failure is yielded once as the final element.
func Fragments(ctx context.Context, g Generator, req Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		stopped := false
		err := g.Generate(ctx, req, func(chunk Chunk) error {
			if stopped {
				return errConsumerStopped
			}
			if chunk.Content == "" {
				return nil
			}
			if !yield(chunk.Content, nil) {
				stopped = true
				return errConsumerStopped
			}
			return nil
		})
		if stopped || err == nil || errors.Is(err, errConsumerStopped) {
			return
		}
		yield("", fmt.Errorf("%w: %w", ErrGenerationFailed, err))
	}
}
