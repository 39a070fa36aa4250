package narration

import (
	"context"
	"iter"

	"golang.org/x/sync/errgroup"
)

type item[T any] struct {
	value T
	err   error
}

// prefetch runs produce on its own goroutine, buffering up to depth
// elements ahead of the consumer. Order is preserved. When the consumer
// stops early the producer's context is cancelled and prefetch waits for
// it to return before yielding control back.
func prefetch[T any](ctx context.Context, depth int, produce func(context.Context) iter.Seq2[T, error]) iter.Seq2[T, error] {
	if depth < 1 {
		depth = 1
	}
	return func(yield func(T, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		g, gctx := errgroup.WithContext(ctx)
		queue := make(chan item[T], depth)
		defer func() {
			cancel()
			g.Wait()
		}()

		g.Go(func() error {
			defer close(queue)
			for value, err := range produce(gctx) {
				select {
				case queue <- item[T]{value: value, err: err}:
				case <-gctx.Done():
					return gctx.Err()
				}
				if err != nil {
					return nil
				}
			}
			return nil
		})

		for it := range queue {
			if !yield(it.value, it.err) || it.err != nil {
				return
			}
		}
	}
}
