// Package app wires all cadenza subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the HTTP surface and drives the engine, and
// Shutdown tears everything down in order.
//
// For testing, inject alternatives via functional options (WithMetrics,
// WithOutput, WithEngineOptions). When an option is not provided, New builds
// real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/cadenza/internal/config"
	"github.com/MrWong99/cadenza/internal/control"
	"github.com/MrWong99/cadenza/internal/corpusfile"
	"github.com/MrWong99/cadenza/internal/decisionlog"
	"github.com/MrWong99/cadenza/internal/engine"
	"github.com/MrWong99/cadenza/internal/health"
	"github.com/MrWong99/cadenza/internal/observe"
	"github.com/MrWong99/cadenza/internal/output"
	"github.com/MrWong99/cadenza/pkg/scheduler"
)

// shutdownTimeout bounds the graceful HTTP shutdown in Run.
const shutdownTimeout = 5 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg        *config.Config
	registry   *config.Registry
	metrics    *observe.Metrics
	level      *slog.LevelVar
	configPath string
	poll       bool

	extraOutputs  []scheduler.Output
	engineOpts    []engine.Option
	metricsHandle http.Handler

	// Subsystems, initialised in New and torn down in Shutdown.
	engine      *engine.Engine
	broadcaster *output.Broadcaster
	decisions   *decisionlog.Recorder
	control     *control.Server
	watcher     *config.Watcher
	handler     http.Handler
	looping     atomic.Bool

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics sets the metric instruments shared by every subsystem.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithRegistry sets the merge policy and decay registry.
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithLevel gives the app control of the log level so hot reloads can
// change it.
func WithLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithConfigPath enables hot reload of the config file at path. When poll
// is true, [App.Serve] watches the file for edits; otherwise reloads happen
// only through [App.Reload].
func WithConfigPath(path string, poll bool) Option {
	return func(a *App) { a.configPath, a.poll = path, poll }
}

// WithOutput adds an output sink next to the log and broadcast sinks.
func WithOutput(out scheduler.Output) Option {
	return func(a *App) { a.extraOutputs = append(a.extraOutputs, out) }
}

// WithEngineOptions appends engine options after those derived from config.
func WithEngineOptions(opts ...engine.Option) Option {
	return func(a *App) { a.engineOpts = append(a.engineOpts, opts...) }
}

// WithMetricsHandler replaces the /metrics handler. Defaults to
// promhttp.Handler().
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandle = h }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together: output sinks, the
// decision log, the engine, corpora and players from cfg, the control server
// and the HTTP routes.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	c := *cfg
	config.ApplyDefaults(&c)
	a := &App{cfg: &c}
	for _, o := range opts {
		o(a)
	}
	if a.registry == nil {
		a.registry = config.DefaultRegistry()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
		a.level.Set(a.cfg.Server.LogLevel.SlogLevel())
	}
	if a.metricsHandle == nil {
		a.metricsHandle = promhttp.Handler()
	}

	// ── 1. Decision log ──────────────────────────────────────────────────
	if err := a.initDecisionLog(ctx); err != nil {
		a.close()
		return nil, fmt.Errorf("app: init decision log: %w", err)
	}

	// ── 2. Outputs + engine ──────────────────────────────────────────────
	if err := a.initEngine(); err != nil {
		a.close()
		return nil, fmt.Errorf("app: init engine: %w", err)
	}

	// ── 3. Corpora ───────────────────────────────────────────────────────
	for _, c := range cfg.Corpora {
		corp, err := corpusfile.LoadAs(c.Name, c.Path)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("app: load corpus %q: %w", c.Name, err)
		}
		a.engine.AddCorpus(corp)
	}

	// ── 4. Players ───────────────────────────────────────────────────────
	for _, pc := range cfg.Players {
		if err := BuildPlayer(a.engine, a.registry, pc); err != nil {
			a.close()
			return nil, fmt.Errorf("app: %w", err)
		}
	}

	// ── 5. Control + HTTP ────────────────────────────────────────────────
	ctlOpts := []control.Option{
		control.WithRegistry(a.registry),
		control.WithMetrics(a.metrics),
		control.WithCorpusDir(a.cfg.Server.CorpusDir),
		control.WithOriginPatterns(a.cfg.Server.AllowedOrigins...),
	}
	if a.decisions != nil {
		ctlOpts = append(ctlOpts, control.WithDecisionSource(a.decisions))
	}
	a.control = control.New(a.engine, ctlOpts...)
	a.handler = a.routes()

	// ── 6. Config watcher ────────────────────────────────────────────────
	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.onConfigChange)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("app: %w", err)
		}
		a.watcher = w
	}

	slog.Info("app initialised",
		"players", len(cfg.Players),
		"corpora", len(cfg.Corpora),
		"decision_log", a.decisions != nil,
	)
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initDecisionLog(ctx context.Context) error {
	if a.cfg.DecisionLog.Path == "" {
		return nil
	}
	rec, err := decisionlog.Open(ctx, a.cfg.DecisionLog.Path, decisionlog.WithBuffer(a.cfg.DecisionLog.Buffer))
	if err != nil {
		return err
	}
	a.decisions = rec
	a.closers = append(a.closers, rec.Close)
	return nil
}

func (a *App) initEngine() error {
	ec := a.cfg.Engine
	decay, err := a.registry.CreateDecay(ec.Decay)
	if err != nil {
		return err
	}

	a.broadcaster = output.NewBroadcaster(
		output.WithBroadcastMetrics(a.metrics),
		output.WithOriginPatterns(a.cfg.Server.AllowedOrigins...),
	)
	a.closers = append(a.closers, func() error {
		a.broadcaster.Close()
		return nil
	})
	outs := output.Fanout{output.NewLog(slog.Default()), a.broadcaster}
	outs = append(outs, a.extraOutputs...)

	opts := []engine.Option{
		engine.WithMetrics(a.metrics),
		engine.WithTempo(ec.Tempo),
		engine.WithTickInterval(ec.TickInterval),
		engine.WithTriggerPretime(ec.TriggerPretime),
		engine.WithHistoryCap(ec.HistorySize),
		engine.WithContinuity(ec.Continuity),
		engine.WithDecay(decay),
	}
	if ec.Seed != 0 {
		opts = append(opts, engine.WithSeed(ec.Seed))
	}
	if a.decisions != nil {
		opts = append(opts, engine.WithDecisionHook(a.decisions.Record))
	}
	a.engine = engine.New(outs, append(opts, a.engineOpts...)...)
	return nil
}

func (a *App) routes() http.Handler {
	checks := []health.Checker{health.Running("engine", a.looping.Load)}
	if a.decisions != nil {
		checks = append(checks, health.Ping("decision_log", a.decisions))
	}

	mux := http.NewServeMux()
	mux.Handle("/control", a.control)
	mux.Handle("/output", a.broadcaster)
	mux.Handle("GET /metrics", a.metricsHandle)
	health.New(checks...).Register(mux)
	return observe.Middleware(a.metrics, "/control", "/output", "/metrics", "/healthz", "/readyz")(mux)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Engine returns the engine.
func (a *App) Engine() *engine.Engine { return a.engine }

// Handler returns the HTTP handler serving /control, /output, /metrics,
// /healthz and /readyz.
func (a *App) Handler() http.Handler { return a.handler }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on the configured listen address and drives the engine
// until ctx is cancelled. It returns nil after a clean stop.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %q: %w", a.cfg.Server.ListenAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is [App.Run] on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	g.Go(func() error {
		slog.Info("http server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		a.looping.Store(true)
		defer a.looping.Store(false)
		return a.engine.Run(ctx)
	})
	if a.decisions != nil {
		g.Go(func() error { return a.decisions.Run(ctx) })
	}
	if a.watcher != nil && a.poll {
		g.Go(func() error { return a.watcher.Run(ctx) })
	}

	slog.Info("app running", "players", len(a.engine.Players()))
	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the engine, which releases every held note, and then closes
// the subsystems in order. If ctx expires before all closers finish, the
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		a.engine.Stop()

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// close releases whatever New managed to open before failing.
func (a *App) close() {
	for _, closer := range a.closers {
		_ = closer()
	}
}
