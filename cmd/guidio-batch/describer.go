package main

import (
	"context"
	"time"

	"github.com/loqalabs/guidio/internal/narration"
)

// timeoutDescriber bounds every attempt separately so a retry gets a fresh
// deadline.
type timeoutDescriber struct {
	narrator *narration.Narrator
	timeout  time.Duration
}

func (d timeoutDescriber) Describe(ctx context.Context, rc narration.RequestContext) (narration.Result, error) {
	if d.timeout <= 0 {
		return d.narrator.Describe(ctx, rc)
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return d.narrator.Describe(ctx, rc)
}
