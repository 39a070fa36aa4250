// Package llm produces narration text as a stream of fragments. Backends
// push chunks through a consumer callback; Fragments turns that into a pull
// sequence the narration pipeline can range over.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loqalabs/guidio/internal/config"
)

var (
	ErrGenerationFailed = errors.New("text generation failed")
	ErrInvalidConfig    = errors.New("invalid LLM configuration")
)

// Request describes a language model prompt.
type Request struct {
	SessionID   string
	Prompt      string
	System      string
	Model       string
	MaxTokens   int
	Temperature float64
	TraceID     string
}

// Chunk represents streamed model output.
type Chunk struct {
	SessionID        string
	Content          string
	Partial          bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
	TraceID          string
}

// Generator defines a pluggable LLM backend. Implementations must stop and
// return the consumer's error as soon as the consumer returns one.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// OptionsFromConfig builds request defaults from config.
func OptionsFromConfig(cfg config.LLMConfig) Request {
	return Request{Model: cfg.Model, MaxTokens: cfg.MaxTokens, Temperature: cfg.Temperature}
}

// FromConfig selects the generator backend named by cfg.Mode.
func FromConfig(cfg config.LLMConfig) (Generator, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockGenerator(0), nil
	case "openai":
		g, err := NewOpenAIGenerator(cfg.APIKey, cfg.Model)
		if err != nil {
			return nil, err
		}
		return g, nil
	case "ollama":
		return NewOllamaGenerator(cfg.Endpoint, cfg.Model), nil
	case "exec":
		return NewExecGenerator(cfg.Command)
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidConfig, cfg.Mode)
	}
}
