package batch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/guidio/internal/narration"
)

func writeEntity(t *testing.T, dir, id, title string) string {
	t.Helper()
	path := filepath.Join(dir, id+".json")
	body := fmt.Sprintf(`{"title":%q,"latitude":59.3,"longitude":18.1,"summary":"About %s."}`, title, title)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadEntity(t *testing.T) {
	dir := t.TempDir()
	path := writeEntity(t, dir, "Q1754", "Stockholm City Hall")

	e, err := LoadEntity(path)
	require.NoError(t, err)
	assert.Equal(t, "Q1754", e.ID)
	assert.Equal(t, "Stockholm City Hall", e.Title)
	assert.Equal(t, "About Stockholm City Hall.", e.Summary)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"summary":"no title"}`), 0o600))
	_, err = LoadEntity(bad)
	assert.Error(t, err)
}

func TestSelect(t *testing.T) {
	parsed, out := t.TempDir(), t.TempDir()
	for _, id := range []string{"Q1", "Q2", "Q3", "Q4"} {
		writeEntity(t, parsed, id, "Place "+id)
	}
	require.NoError(t, os.WriteFile(filepath.Join(out, "Q2.mp3"), []byte("x"), 0o600))

	sel, err := Select(parsed, out, "", nil, 2, false)
	require.NoError(t, err)
	assert.Equal(t, 4, sel.Total)
	assert.Equal(t, 1, sel.Done)
	assert.Equal(t, 3, sel.Remaining)
	assert.Equal(t, []string{filepath.Join(parsed, "Q1.json"), filepath.Join(parsed, "Q3.json")}, sel.Files)

	sel, err = Select(parsed, out, "", nil, 0, true)
	require.NoError(t, err)
	assert.Len(t, sel.Files, 3)

	sel, err = Select(parsed, out, "", []string{"Q2", "Q9"}, 0, false)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(parsed, "Q2.json")}, sel.Files)
	assert.Equal(t, []string{"Q9"}, sel.Missing)
}

type flakyDescriber struct {
	failures map[string]int
	err      error
	calls    map[string]int
}

func (f *flakyDescriber) Describe(ctx context.Context, rc narration.RequestContext) (narration.Result, error) {
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[rc.Subject]++
	if f.calls[rc.Subject] <= f.failures[rc.Subject] {
		return narration.Result{}, f.err
	}
	return narration.Result{Text: "About " + rc.Subject + ".", Audio: []byte("mp3:" + rc.Subject)}, nil
}

func zeroBackOff() backoff.BackOff { return &backoff.ZeroBackOff{} }

func TestRunnerWritesOutputsAndRetries(t *testing.T) {
	parsed, out := t.TempDir(), t.TempDir()
	files := []string{
		writeEntity(t, parsed, "Q1", "Old Town"),
		writeEntity(t, parsed, "Q2", "Royal Palace"),
	}
	d := &flakyDescriber{
		failures: map[string]int{"Royal Palace": 2},
		err:      fmt.Errorf("%w: upstream 503", narration.ErrSynthesis),
	}
	r := &Runner{Narrator: d, OutputDir: out, Location: "Stockholm, Sweden", MaxTries: 3, NewBackOff: zeroBackOff}

	var reports []Progress
	failures, err := r.Run(context.Background(), files, func(p Progress) { reports = append(reports, p) })
	require.NoError(t, err)
	assert.Zero(t, failures)
	require.Len(t, reports, 2)
	assert.Equal(t, 1, reports[0].Attempts)
	assert.Equal(t, 3, reports[1].Attempts)

	audio, err := os.ReadFile(filepath.Join(out, "Q2.mp3"))
	require.NoError(t, err)
	assert.Equal(t, "mp3:Royal Palace", string(audio))
	text, err := os.ReadFile(filepath.Join(out, "Q2.txt"))
	require.NoError(t, err)
	assert.Equal(t, "About Royal Palace.", string(text))
	assert.True(t, IsDone(out, "Q1", ""))
}

func TestRunnerUsesAudioExtension(t *testing.T) {
	parsed, out := t.TempDir(), t.TempDir()
	files := []string{writeEntity(t, parsed, "Q1", "Old Town")}
	r := &Runner{Narrator: &flakyDescriber{}, OutputDir: out, Extension: "pcm", NewBackOff: zeroBackOff}

	failures, err := r.Run(context.Background(), files, nil)
	require.NoError(t, err)
	assert.Zero(t, failures)

	audio, err := os.ReadFile(filepath.Join(out, "Q1.pcm"))
	require.NoError(t, err)
	assert.Equal(t, "mp3:Old Town", string(audio))
	assert.True(t, IsDone(out, "Q1", "pcm"))
	assert.False(t, IsDone(out, "Q1", "mp3"))

	sel, err := Select(parsed, out, "pcm", nil, 0, true)
	require.NoError(t, err)
	assert.Equal(t, 1, sel.Done)
	assert.Empty(t, sel.Files)
}

func TestRunnerGivesUpAfterMaxTries(t *testing.T) {
	parsed, out := t.TempDir(), t.TempDir()
	files := []string{writeEntity(t, parsed, "Q1", "Old Town")}
	d := &flakyDescriber{
		failures: map[string]int{"Old Town": 10},
		err:      fmt.Errorf("%w: timeout", narration.ErrSource),
	}
	r := &Runner{Narrator: d, OutputDir: out, MaxTries: 2, NewBackOff: zeroBackOff}

	var last Progress
	failures, err := r.Run(context.Background(), files, func(p Progress) { last = p })
	require.NoError(t, err)
	assert.Equal(t, 1, failures)
	assert.ErrorIs(t, last.Err, narration.ErrSource)
	assert.Equal(t, 2, d.calls["Old Town"])
	assert.False(t, IsDone(out, "Q1", ""))
}

func TestRunnerDoesNotRetryPermanentFailures(t *testing.T) {
	parsed, out := t.TempDir(), t.TempDir()
	files := []string{writeEntity(t, parsed, "Q1", "Old Town")}
	d := &flakyDescriber{
		failures: map[string]int{"Old Town": 10},
		err:      fmt.Errorf("%w: %w", narration.ErrSource, narration.ErrEmptyNarration),
	}
	r := &Runner{Narrator: d, OutputDir: out, MaxTries: 5, NewBackOff: zeroBackOff}

	var last Progress
	failures, err := r.Run(context.Background(), files, func(p Progress) { last = p })
	require.NoError(t, err)
	assert.Equal(t, 1, failures)
	assert.True(t, errors.Is(last.Err, narration.ErrEmptyNarration))
	assert.Equal(t, 1, d.calls["Old Town"])
}

func TestRunnerStopsOnCancel(t *testing.T) {
	parsed, out := t.TempDir(), t.TempDir()
	files := []string{writeEntity(t, parsed, "Q1", "Old Town")}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := &Runner{Narrator: &flakyDescriber{}, OutputDir: out}
	_, err := r.Run(ctx, files, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
