package llm

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const defaultMockFragmentSize = 7

type mockGenerator struct {
	fragmentSize int
	delay        time.Duration
}

// NewMockGenerator returns a deterministic generator that streams a canned
// narration in fragments of fragmentSize runes, splitting mid-word.
func NewMockGenerator(fragmentSize int) Generator {
	if fragmentSize <= 0 {
		fragmentSize = defaultMockFragmentSize
	}
	return &mockGenerator{fragmentSize: fragmentSize, delay: 5 * time.Millisecond}
}

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	content := []rune(mockNarration(req.Prompt))
	start := time.Now()
	for offset := 0; offset < len(content); offset += m.fragmentSize {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.delay):
		}
		end := min(offset+m.fragmentSize, len(content))
		if err := consumer(Chunk{
			SessionID: req.SessionID,
			Content:   string(content[offset:end]),
			Partial:   end < len(content),
			Latency:   time.Since(start),
			TraceID:   req.TraceID,
		}); err != nil {
			return err
		}
	}
	return nil
}

func mockNarration(prompt string) string {
	subject := "this place"
	for _, line := range strings.Split(prompt, "\n") {
		if value, ok := strings.CutPrefix(strings.TrimSpace(line), "Object:"); ok && strings.TrimSpace(value) != "" {
			subject = strings.TrimSpace(value)
			break
		}
	}
	return fmt.Sprintf("You are standing near %s. Take a moment to look around! "+
		"Did you notice the details most visitors miss? Let me tell you how it came to be.", subject)
}
