package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/loqalabs/guidio/internal/batch"
	"github.com/loqalabs/guidio/internal/config"
	"github.com/loqalabs/guidio/internal/runtime"
)

var version = "0.1.0-dev"

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#808080"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B"))
)

type options struct {
	configPath string
	envFile    string
	parsedDir  string
	outputDir  string
	count      int
	all        bool
	location   string
	interest   string
	maxTries   uint
	verbose    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "guidio-batch [entity-id...]",
		Short: "Pre-generate narration audio for parsed entities",
		Long: `guidio-batch narrates parsed entity files (<id>.json with title and summary)
and writes <id>.<ext> and <id>.txt to the output directory, ext following
the configured audio format (mp3 by default).

Without arguments it processes the next -n unfinished entities; --all processes
every unfinished entity; explicit ids are processed even when already done.`,
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts, args)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.configPath, "config", "", "Path to configuration file")
	flags.StringVar(&opts.envFile, "env-file", ".env", "Dotenv file with credentials (ignored when missing)")
	flags.StringVar(&opts.parsedDir, "parsed", "data/parsed", "Directory of parsed entity JSON files")
	flags.StringVar(&opts.outputDir, "output", "data/output", "Directory for generated audio and text")
	flags.IntVarP(&opts.count, "count", "n", batch.DefaultBatchSize, "Number of unfinished entities to process")
	flags.BoolVar(&opts.all, "all", false, "Process every unfinished entity")
	flags.StringVar(&opts.location, "location", "Stockholm, Sweden", "Location passed to the prompt")
	flags.StringVar(&opts.interest, "interest", "history and culture", "Visitor interest passed to the prompt")
	flags.UintVar(&opts.maxTries, "max-tries", 3, "Attempts per entity before giving up")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Log pipeline details to stderr")
	return cmd
}

func run(ctx context.Context, opts *options, ids []string) error {
	if opts.envFile != "" {
		if err := godotenv.Load(opts.envFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load %s: %w", opts.envFile, err)
		}
	}

	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	narrator, err := runtime.BuildNarrator(cfg, logger, nil)
	if err != nil {
		return err
	}

	ext := narrator.Format().Extension
	sel, err := batch.Select(opts.parsedDir, opts.outputDir, ext, ids, opts.count, opts.all)
	if err != nil {
		return err
	}
	fmt.Println(titleStyle.Render("guidio batch"))
	fmt.Println(dimStyle.Render(fmt.Sprintf("Total: %d | Done: %d | Remaining: %d", sel.Total, sel.Done, sel.Remaining)))
	for _, id := range sel.Missing {
		fmt.Println(warnStyle.Render(fmt.Sprintf("Warning: %s.json not found, skipping", id)))
	}
	if len(sel.Files) == 0 {
		fmt.Println("Nothing to process!")
		return nil
	}
	fmt.Printf("Processing %d file(s)\n\n", len(sel.Files))

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	timeout := time.Duration(cfg.Narration.RequestTimeoutMS) * time.Millisecond
	runner := &batch.Runner{
		Narrator:  timeoutDescriber{narrator: narrator, timeout: timeout},
		OutputDir: opts.outputDir,
		Extension: ext,
		Location:  opts.location,
		Interest:  opts.interest,
		MaxTries:  opts.maxTries,
		Logger:    logger,
	}
	failures, err := runner.Run(ctx, sel.Files, func(p batch.Progress) { printProgress(p, ext) })
	if err != nil {
		return err
	}

	after, err := batch.Select(opts.parsedDir, opts.outputDir, ext, nil, 0, false)
	if err == nil {
		fmt.Println(successStyle.Render(fmt.Sprintf("Done! (%d/%d total completed)", after.Done, after.Total)))
	}
	if failures > 0 {
		return fmt.Errorf("%d of %d entities failed", failures, len(sel.Files))
	}
	return nil
}

func printProgress(p batch.Progress, ext string) {
	header := fmt.Sprintf("[%d/%d] %s (%s)", p.Position, p.Count, p.Entity.Title, p.Entity.ID)
	fmt.Println(titleStyle.Render(header))
	if p.Err != nil {
		fmt.Println(errorStyle.Render("  Failed: " + p.Err.Error()))
		fmt.Println()
		return
	}
	fmt.Println(dimStyle.Render("  Text: " + preview(p.Result.Text, 100)))
	fmt.Println(dimStyle.Render(fmt.Sprintf("  Audio: %d bytes", len(p.Result.Audio))))
	if p.Attempts > 1 {
		fmt.Println(warnStyle.Render(fmt.Sprintf("  Succeeded after %d attempts", p.Attempts)))
	}
	fmt.Println(successStyle.Render(fmt.Sprintf("  Saved %s.%s + %s.txt", p.Entity.ID, ext, p.Entity.ID)))
	fmt.Println()
}

func preview(text string, n int) string {
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[:n]) + "..."
}
