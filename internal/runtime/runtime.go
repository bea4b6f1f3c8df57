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

	"go.opentelemetry.io/otel"

	"github.com/loqalabs/loqa-voice/internal/api"
	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/latency"
	"github.com/loqalabs/loqa-voice/internal/ledger"
	"github.com/loqalabs/loqa-voice/internal/llm"
	"github.com/loqalabs/loqa-voice/internal/natsserver"
	"github.com/loqalabs/loqa-voice/internal/router"
	"github.com/loqalabs/loqa-voice/internal/sentiment"
	"github.com/loqalabs/loqa-voice/internal/store"
	"github.com/loqalabs/loqa-voice/internal/tokens"
	"github.com/loqalabs/loqa-voice/internal/tts"
	"github.com/loqalabs/loqa-voice/internal/turn"
)

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup

	store  *store.Store
	tokens tokens.Store
	nats   *natsserver.EmbeddedServer
	bus    *bus.Client
	ledger *ledger.Service
	router *router.Service
	turns  *turn.Orchestrator
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	handler, err := r.build(ctx)
	if err != nil {
		r.close()
		_ = shutdownTelemetry(context.Background())
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handler,
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
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if r.metricsServer != nil {
		if err := r.metricsServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()
	r.close()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error(name+" server failed", slog.String("error", err.Error()))
		}
	}()
}

// build opens every component and returns the root HTTP handler. On error the
// components opened so far stay recorded on r so close can release them.
func (r *Runtime) build(ctx context.Context) (http.Handler, error) {
	st, err := store.Open(ctx, r.cfg.Store, r.logger.With(slog.String("component", "store")))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	r.store = st

	tokenStore, err := tokens.New(r.cfg.Tokens)
	if err != nil {
		return nil, fmt.Errorf("delivery tokens: %w", err)
	}
	r.tokens = tokenStore

	generator, err := llm.New(r.cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}
	synth, err := tts.New(r.cfg.TTS)
	if err != nil {
		return nil, fmt.Errorf("tts: %w", err)
	}
	classifier, err := sentiment.New(r.cfg.Sentiment)
	if err != nil {
		return nil, fmt.Errorf("sentiment: %w", err)
	}

	metrics, err := latency.NewMetrics(otel.Meter("github.com/loqalabs/loqa-voice"))
	if err != nil {
		return nil, fmt.Errorf("latency metrics: %w", err)
	}
	registry := latency.NewRegistry(15*time.Minute, nil)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		registry.Run(ctx, time.Minute)
	}()

	if r.cfg.Bus.Enabled {
		busCfg := r.cfg.Bus
		if busCfg.Embedded {
			srv, err := natsserver.Start(busCfg, r.logger)
			if err != nil {
				return nil, err
			}
			r.nats = srv
			busCfg.Servers = []string{srv.ClientURL()}
		}
		client, err := bus.Connect(ctx, busCfg, r.logger.With(slog.String("component", "bus")))
		if err != nil {
			return nil, err
		}
		r.bus = client
	}

	ledgerOpts := ledger.OptionsFromConfig(r.cfg.Ledger)
	ledgerOpts.Logger = r.logger
	r.ledger = ledger.NewService(ctx, ledger.New(st, ledgerOpts), r.bus, r.logger)
	if err := r.ledger.Start(); err != nil {
		return nil, fmt.Errorf("start ledger: %w", err)
	}

	r.turns = turn.New(turn.SettingsFromConfig(r.cfg), turn.Deps{
		Store:     st,
		Generator: generator,
		Synth:     synth,
		Sentiment: classifier,
		Registry:  registry,
		Metrics:   metrics,
		OnCallEnd: r.ledger.NotifyCallEnded,
		Logger:    r.logger,
	})

	if r.bus != nil {
		r.router = router.NewService(ctx, r.cfg.Router, r.bus, r.turns, r.logger)
		if err := r.router.Start(); err != nil {
			return nil, fmt.Errorf("start router: %w", err)
		}
	} else if r.cfg.Router.Enabled {
		r.logger.Info("transcript router disabled: bus not enabled")
	}

	apiServer := api.New(r.cfg, api.Deps{
		Turns:   r.turns,
		Store:   st,
		Tokens:  tokenStore,
		Synth:   synth,
		Latency: registry,
		Calls:   r.ledger,
		Logger:  r.logger,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.Handle("/v1/", apiServer.Handler(ctx))
	return mux, nil
}

// close releases components in reverse dependency order.
func (r *Runtime) close() {
	if r.router != nil {
		r.router.Close()
	}
	if r.ledger != nil {
		r.ledger.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.nats != nil {
		r.nats.Shutdown()
	}
	if r.tokens != nil {
		if err := r.tokens.Close(); err != nil {
			r.logger.Warn("close delivery tokens", slog.String("error", err.Error()))
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("close store", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, req *http.Request) {
	if reason := r.notReady(req.Context()); reason != "" {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready: " + reason))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (r *Runtime) notReady(ctx context.Context) string {
	switch {
	case !r.ready.Load():
		return "starting"
	case r.store == nil || r.store.Ping(ctx) != nil:
		return "store"
	case r.tokensDown(ctx):
		return "tokens"
	case r.bus != nil && !r.bus.Healthy():
		return "bus"
	case r.ledger != nil && !r.ledger.Healthy():
		return "ledger"
	case r.router != nil && !r.router.Healthy():
		return "router"
	}
	return ""
}

// tokensDown reports a shared token backend that cannot be reached. The
// in-memory store has nothing to check.
func (r *Runtime) tokensDown(ctx context.Context) bool {
	p, ok := r.tokens.(interface{ Ping(context.Context) error })
	return ok && p.Ping(ctx) != nil
}
