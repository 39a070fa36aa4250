package llm

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

//go:embed prompts/*.md
var defaultPrompts embed.FS

const (
	systemPromptFile = "system.md"
	userPromptFile   = "user.md"
)

// Prompts holds the system prompt and the user prompt template.
type Prompts struct {
	System string
	User   string
}

// PromptVars are the values substituted into the user template.
type PromptVars struct {
	Object    string
	Location  string
	Time      string
	Interest  string
	Summary   string
	Direction string
}

// DefaultPrompts returns the prompts compiled into the binary.
func DefaultPrompts() Prompts {
	system, _ := defaultPrompts.ReadFile("prompts/" + systemPromptFile)
	user, _ := defaultPrompts.ReadFile("prompts/" + userPromptFile)
	return Prompts{System: string(system), User: string(user)}
}

// LoadPrompts reads system.md and user.md from dir. Missing files fall back
// to the embedded defaults; an empty dir returns the defaults.
func LoadPrompts(dir string) (Prompts, error) {
	prompts := DefaultPrompts()
	if dir == "" {
		return prompts, nil
	}
	for name, target := range map[string]*string{
		systemPromptFile: &prompts.System,
		userPromptFile:   &prompts.User,
	} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return prompts, fmt.Errorf("read prompt %s: %w", name, err)
		}
		*target = string(data)
	}
	return prompts, nil
}

// Render substitutes the <|...|> placeholders of the user template.
func (p Prompts) Render(v PromptVars) string {
	replacer := strings.NewReplacer(
		"<|OBJECT|>", v.Object,
		"<|LOCATION|>", v.Location,
		"<|TIME|>", v.Time,
		"<|INTEREST|>", v.Interest,
		"<|SUMMARY|>", v.Summary,
		"<|DIRECTION|>", v.Direction,
	)
	return replacer.Replace(p.User)
}
