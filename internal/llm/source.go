package llm

import (
	"context"
	"iter"
	"strings"

	"github.com/loqalabs/guidio/internal/config"
	"github.com/loqalabs/guidio/internal/narration"
)

// Source turns a narration request into prompts for a Generator.
type Source struct {
	generator Generator
	prompts   Prompts
	defaults  Request
}

var _ narration.TextSource = (*Source)(nil)

func NewSource(g Generator, prompts Prompts, cfg config.LLMConfig) *Source {
	return &Source{generator: g, prompts: prompts, defaults: OptionsFromConfig(cfg)}
}

// Request renders the prompts for rc.
func (s *Source) Request(rc narration.RequestContext) Request {
	req := s.defaults
	req.SessionID = rc.SessionID
	req.TraceID = rc.SessionID
	req.System = s.prompts.System
	req.Prompt = s.prompts.Render(PromptVars{
		Object:    rc.Subject,
		Location:  rc.Location,
		Time:      rc.Time,
		Interest:  rc.Interest,
		Summary:   rc.Summary,
		Direction: rc.Direction,
	})
	return req
}

func (s *Source) Stream(ctx context.Context, rc narration.RequestContext) iter.Seq2[string, error] {
	return Fragments(ctx, s.generator, s.Request(rc))
}

// Generate collects the whole narration text.
func (s *Source) Generate(ctx context.Context, rc narration.RequestContext) (string, error) {
	var b strings.Builder
	for fragment, err := range s.Stream(ctx, rc) {
		if err != nil {
			return "", err
		}
		b.WriteString(fragment)
	}
	return b.String(), nil
}
