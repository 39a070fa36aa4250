// Package batch pre-generates narrations for a directory of parsed entity
// files. Each entity produces <id>.<ext> and <id>.txt in the output
// directory, ext being the synthesizer's audio extension; an entity whose
// audio file exists is considered done.
package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/loqalabs/guidio/internal/narration"
	"github.com/loqalabs/guidio/internal/tts"
)

const (
	DefaultBatchSize = 10
	// DefaultExtension is used when no audio extension is given.
	DefaultExtension = "mp3"
)

// Entity is a parsed point of interest.
type Entity struct {
	ID        string  `json:"-"`
	Title     string  `json:"title"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Summary   string  `json:"summary"`
	Text      string  `json:"text"`
}

// LoadEntity reads one parsed entity; its ID is the file name without
// extension.
func LoadEntity(path string) (Entity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Entity{}, err
	}
	var e Entity
	if err := json.Unmarshal(data, &e); err != nil {
		return Entity{}, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	if strings.TrimSpace(e.Title) == "" {
		return Entity{}, fmt.Errorf("%s: title is empty", filepath.Base(path))
	}
	e.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return e, nil
}

// Selection is the outcome of planning a run.
type Selection struct {
	Total     int
	Done      int
	Remaining int
	Files     []string
	// Missing lists explicitly requested ids without a parsed file.
	Missing []string
}

// Select picks the files to process. Explicit ids are processed even when
// already done; otherwise the first n unfinished files are taken, or all of
// them when all is set.
func Select(parsedDir, outputDir, ext string, ids []string, n int, all bool) (Selection, error) {
	files, err := filepath.Glob(filepath.Join(parsedDir, "*.json"))
	if err != nil {
		return Selection{}, err
	}
	sort.Strings(files)

	var sel Selection
	var remaining []string
	sel.Total = len(files)
	for _, f := range files {
		if IsDone(outputDir, idOf(f), ext) {
			sel.Done++
		} else {
			remaining = append(remaining, f)
		}
	}
	sel.Remaining = len(remaining)

	switch {
	case len(ids) > 0:
		for _, id := range ids {
			path := filepath.Join(parsedDir, id+".json")
			if _, err := os.Stat(path); err != nil {
				sel.Missing = append(sel.Missing, id)
				continue
			}
			sel.Files = append(sel.Files, path)
		}
	case all:
		sel.Files = remaining
	default:
		if n <= 0 {
			n = DefaultBatchSize
		}
		sel.Files = remaining[:min(n, len(remaining))]
	}
	return sel, nil
}

// IsDone reports whether the audio for id has been written.
func IsDone(outputDir, id, ext string) bool {
	_, err := os.Stat(AudioPath(outputDir, id, ext))
	return err == nil
}

// AudioPath is where the audio for id is written.
func AudioPath(outputDir, id, ext string) string {
	if ext == "" {
		ext = DefaultExtension
	}
	return filepath.Join(outputDir, id+"."+ext)
}

func idOf(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

// Describer is the blocking narration shape.
type Describer interface {
	Describe(ctx context.Context, rc narration.RequestContext) (narration.Result, error)
}

// Progress is reported after every entity.
type Progress struct {
	Position int
	Count    int
	Entity   Entity
	Result   narration.Result
	Attempts int
	Err      error
}

// Runner narrates entities one at a time.
type Runner struct {
	Narrator  Describer
	OutputDir string
	// Extension names the audio files, without the dot. Empty uses
	// DefaultExtension.
	Extension string
	Location  string
	Interest  string
	// MaxTries bounds attempts per entity, including the first.
	MaxTries uint
	// NewBackOff returns the retry schedule for one entity. Nil uses an
	// exponential backoff starting at one second.
	NewBackOff func() backoff.BackOff
	Logger     *slog.Logger
}

// Run processes files in order. A failing entity is reported and skipped;
// Run returns the number of failures and stops early only when ctx ends.
func (r *Runner) Run(ctx context.Context, files []string, progress func(Progress)) (int, error) {
	if err := os.MkdirAll(r.OutputDir, 0o755); err != nil {
		return 0, fmt.Errorf("create output dir: %w", err)
	}
	logger := r.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	failures := 0
	for i, path := range files {
		if err := ctx.Err(); err != nil {
			return failures, err
		}
		p := Progress{Position: i + 1, Count: len(files)}
		entity, err := LoadEntity(path)
		if err != nil {
			p.Err = err
		} else {
			p.Entity = entity
			p.Result, p.Attempts, p.Err = r.describe(ctx, entity)
			if p.Err == nil {
				p.Err = r.write(entity.ID, p.Result)
			}
		}
		if p.Err != nil {
			failures++
			logger.Warn("entity failed", slog.String("file", filepath.Base(path)), slog.String("error", p.Err.Error()))
		}
		if progress != nil {
			progress(p)
		}
	}
	return failures, nil
}

func (r *Runner) describe(ctx context.Context, e Entity) (narration.Result, int, error) {
	rc := narration.RequestContext{
		SessionID: "batch-" + e.ID,
		Subject:   e.Title,
		Location:  r.Location,
		Interest:  r.Interest,
		Summary:   e.Summary,
	}
	b := r.backOff()
	attempts := 0
	result, err := backoff.Retry(ctx, func() (narration.Result, error) {
		attempts++
		res, err := r.Narrator.Describe(ctx, rc)
		if err != nil && (ctx.Err() != nil || !retryable(err)) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(max(1, r.MaxTries)), backoff.WithMaxElapsedTime(0))
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}
	return result, attempts, err
}

func (r *Runner) backOff() backoff.BackOff {
	if r.NewBackOff != nil {
		return r.NewBackOff()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	return b
}

// write stores the text first and the audio last, through a rename, so a
// present audio file always has its .txt.
func (r *Runner) write(id string, res narration.Result) error {
	if err := os.WriteFile(filepath.Join(r.OutputDir, id+".txt"), []byte(res.Text), 0o644); err != nil {
		return err
	}
	final := AudioPath(r.OutputDir, id, r.Extension)
	tmp := filepath.Join(r.OutputDir, "."+filepath.Base(final)+".tmp")
	if err := os.WriteFile(tmp, res.Audio, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, final)
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, narration.ErrEmptyNarration):
		return false
	case errors.Is(err, context.DeadlineExceeded):
		// a per-attempt deadline; the caller's own context is checked separately
		return true
	case errors.Is(err, narration.ErrSynthesis):
		var synthErr *tts.SynthesisError
		if errors.As(err, &synthErr) {
			return tts.IsRetryable(err)
		}
		return true
	default:
		return errors.Is(err, narration.ErrSource)
	}
}
