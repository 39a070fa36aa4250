// Package runtime wires configuration, telemetry and the narration
// pipeline into the guidio daemon.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/loqalabs/guidio/internal/bus"
	"github.com/loqalabs/guidio/internal/config"
	"github.com/loqalabs/guidio/internal/eventstore"
	"github.com/loqalabs/guidio/internal/llm"
	"github.com/loqalabs/guidio/internal/narration"
	"github.com/loqalabs/guidio/internal/natsserver"
	"github.com/loqalabs/guidio/internal/protocol"
	"github.com/loqalabs/guidio/internal/tts"
)

const doneStream = "NARRATION_DONE"

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	store         *eventstore.Store
	journal       *eventstore.Journal
	natsServer    *natsserver.EmbeddedServer
	bus           *bus.Client
	service       *narration.Service
	ready         atomic.Bool
	wg            sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// BuildNarrator assembles the narration pipeline described by cfg.
func BuildNarrator(cfg config.Config, logger *slog.Logger, observer narration.Observer) (*narration.Narrator, error) {
	generator, err := llm.FromConfig(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("llm backend: %w", err)
	}
	prompts, err := llm.LoadPrompts(cfg.LLM.PromptDir)
	if err != nil {
		return nil, fmt.Errorf("load prompts: %w", err)
	}
	synth, err := tts.FromConfig(cfg.TTS)
	if err != nil {
		return nil, fmt.Errorf("tts backend: %w", err)
	}
	logger.Info("narration pipeline configured",
		slog.String("llm", cfg.LLM.Mode),
		slog.String("tts", synth.Name()),
		slog.Bool("overlap", cfg.Narration.Overlap))

	return narration.New(llm.NewSource(generator, prompts, cfg.LLM), synth, narration.Options{
		Voice:      cfg.TTS.Voice,
		ChunkSize:  cfg.Narration.ChunkSize,
		Overlap:    cfg.Narration.Overlap,
		QueueDepth: cfg.Narration.QueueDepth,
		Logger:     logger,
		Observer:   observer,
	}), nil
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		r.shutdown()
		return fmt.Errorf("failed to open event store: %w", err)
	}
	r.store = store
	r.journal = eventstore.NewJournal(store, r.logger, 0)

	narrator, err := BuildNarrator(r.cfg, r.logger, r.journal.Observe)
	if err != nil {
		r.shutdown()
		return err
	}

	if err := r.startBus(ctx, narrator); err != nil {
		r.shutdown()
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	NewAPI(narrator, r.store, r.requestTimeout(), r.logger).Register(mux)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           otelhttp.NewHandler(mux, "guidio"),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if metricsHandler != nil && r.cfg.Telemetry.PrometheusBind != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	r.shutdown()
	return nil
}

func (r *Runtime) startBus(ctx context.Context, narrator *narration.Narrator) error {
	if !r.cfg.Bus.Enabled {
		return nil
	}
	busCfg := r.cfg.Bus
	ns, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded NATS: %w", err)
	}
	r.natsServer = ns
	if ns != nil {
		busCfg.Servers = []string{ns.ClientURL()}
	}

	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.bus = client
	if err := client.EnsureStream(doneStream, 24*time.Hour, protocol.SubjectNarrationDone); err != nil {
		r.logger.Warn("narration done stream unavailable", slogError(err))
	}

	r.service = narration.NewService(ctx, narrator, client, r.requestTimeout(), r.logger)
	if err := r.service.Start(); err != nil {
		return fmt.Errorf("failed to start narration service: %w", err)
	}
	return nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("server failed", slog.String("server", name), slogError(err))
		}
	}()
}

// shutdown releases everything Start created, in reverse order.
func (r *Runtime) shutdown() {
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slogError(err))
		}
	}
	r.wg.Wait()

	if r.service != nil {
		r.service.Close()
	}
	r.bus.Close()
	r.natsServer.Shutdown()
	if r.journal != nil {
		r.journal.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slogError(err))
		}
	}
	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slogError(err))
		}
	}
}

func (r *Runtime) requestTimeout() time.Duration {
	return time.Duration(r.cfg.Narration.RequestTimeoutMS) * time.Millisecond
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.service == nil || r.service.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
