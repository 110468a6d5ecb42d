// Package app wires all echonote subsystems into a running application.
//
// The App struct owns the full lifecycle: New opens the stores and builds
// the pipeline and HTTP API, Run serves requests until its context is
// cancelled, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithStore,
// WithArtifacts, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/echonote/internal/account"
	"github.com/MrWong99/echonote/internal/artifact"
	"github.com/MrWong99/echonote/internal/assistant"
	"github.com/MrWong99/echonote/internal/config"
	"github.com/MrWong99/echonote/internal/health"
	"github.com/MrWong99/echonote/internal/httpapi"
	"github.com/MrWong99/echonote/internal/keywords"
	"github.com/MrWong99/echonote/internal/observe"
	"github.com/MrWong99/echonote/internal/pipeline"
	"github.com/MrWong99/echonote/internal/session"
	"github.com/MrWong99/echonote/internal/store"
	"github.com/MrWong99/echonote/internal/store/postgres"
	"github.com/MrWong99/echonote/internal/store/sqlite"
)

const (
	// sweepInterval is how often expired sessions are dropped.
	sweepInterval = 5 * time.Minute

	readHeaderTimeout = 10 * time.Second
)

// App owns all subsystem lifetimes and serves the echonote API.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems, initialised in New and torn down in Shutdown.
	store          store.Store
	artifacts      artifact.Store
	metrics        *observe.Metrics
	metricsHandler http.Handler
	accounts       *account.Service
	orchestrator   *pipeline.Orchestrator
	sessions       *session.Manager
	handler        http.Handler
	listener       net.Listener

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a store instead of opening the configured database.
// The caller keeps ownership and closes it.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithArtifacts injects an artifact store instead of creating one from
// config.
func WithArtifacts(s artifact.Store) Option {
	return func(a *App) { a.artifacts = s }
}

// WithMetrics replaces [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithListener makes Run serve on ln instead of listening on
// server.listen_addr.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers come
// from [BuildProviders] (or test doubles). cfg must already be validated.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.STT == nil || providers.LLM == nil || providers.TTS == nil {
		return nil, errors.New("app: stt, llm and tts providers are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Database ──────────────────────────────────────────────────────
	if a.store == nil {
		s, err := OpenStore(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("app: open store: %w", err)
		}
		a.store = s
		a.closers = append(a.closers, s.Close)
	}

	// ── 2. Artifact storage ──────────────────────────────────────────────
	if a.artifacts == nil {
		s, err := OpenArtifacts(ctx, cfg.Artifacts)
		if err != nil {
			a.closeAll()
			return nil, fmt.Errorf("app: open artifacts: %w", err)
		}
		a.artifacts = s
	}

	// ── 3. Accounts ──────────────────────────────────────────────────────
	accounts, err := account.New(a.store, account.WithCost(cfg.Auth.BcryptCost))
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init accounts: %w", err)
	}
	a.accounts = accounts

	// ── 4. Pipeline ──────────────────────────────────────────────────────
	if err := a.initPipeline(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init pipeline: %w", err)
	}

	// ── 5. Sessions ──────────────────────────────────────────────────────
	a.sessions = session.NewManager(session.WithTTL(cfg.Auth.SessionTTL))

	// ── 6. HTTP API ──────────────────────────────────────────────────────
	a.handler = a.buildHandler()

	slog.Info("app initialised",
		"database", cfg.Database,
		"artifacts", cfg.Artifacts.Backend,
		"stt", providers.STTName,
		"llm", providers.LLMName,
		"tts", providers.TTSName,
	)
	return a, nil
}

// OpenStore opens the configured database and applies pending migrations.
func OpenStore(ctx context.Context, cfg config.DatabaseConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		s, err := sqlite.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.DriverPostgres:
		s, err := postgres.NewStore(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// OpenArtifacts creates the configured artifact store.
func OpenArtifacts(ctx context.Context, cfg config.ArtifactsConfig) (artifact.Store, error) {
	switch cfg.Backend {
	case config.BackendFS:
		s, err := artifact.NewFS(cfg.Root)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.BackendS3:
		s, err := artifact.NewS3(ctx, artifact.S3Config{
			Bucket:    cfg.S3.Bucket,
			Prefix:    cfg.S3.Prefix,
			Region:    cfg.S3.Region,
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown artifact backend %q", cfg.Backend)
	}
}

func (a *App) initPipeline() error {
	var aopts []assistant.Option
	if p := a.cfg.Pipeline.SummaryPrompt; p != "" {
		aopts = append(aopts, assistant.WithSummaryPrompt(p))
	}
	if p := a.cfg.Pipeline.ResponsePrompt; p != "" {
		aopts = append(aopts, assistant.WithResponsePrompt(p))
	}
	if t := a.cfg.Pipeline.Temperature; t != nil {
		aopts = append(aopts, assistant.WithTemperature(*t))
	}
	if n := a.cfg.Pipeline.MaxTokens; n > 0 {
		aopts = append(aopts, assistant.WithMaxTokens(n))
	}
	gen, err := assistant.New(a.providers.LLM, aopts...)
	if err != nil {
		return err
	}

	vis := a.cfg.Visualization
	kopts := []keywords.Option{
		keywords.WithSize(vis.Width, vis.Height),
		keywords.WithMaxWords(vis.MaxWords),
	}
	if vis.FontPath != "" {
		kopts = append(kopts, keywords.WithFontPath(vis.FontPath))
	}
	cloud, err := keywords.NewGenerator(kopts...)
	if err != nil {
		return err
	}
	if lang := a.cfg.Pipeline.Language; !cloud.SupportsLanguage(lang) {
		slog.Warn("app: word cloud font has no glyphs for the pipeline language, set visualization.font_path",
			"language", lang, "font_path", vis.FontPath)
	}

	orch, err := pipeline.New(pipeline.Deps{
		STT:        a.providers.STT,
		Generator:  gen,
		Visualizer: cloud,
		TTS:        a.providers.TTS,
		Logs:       a.store,
		Artifacts:  a.artifacts,
	},
		pipeline.WithStepTimeout(a.cfg.Pipeline.StepTimeout),
		pipeline.WithLanguage(a.cfg.Pipeline.Language),
		pipeline.WithMetrics(a.metrics),
		pipeline.WithProviderNames(a.providers.STTName, a.providers.LLMName, a.providers.TTSName),
		pipeline.WithObserver(func(userID string, s pipeline.State) {
			slog.Debug("pipeline progress", "user", userID, "state", s)
		}),
	)
	if err != nil {
		return err
	}
	a.orchestrator = orch
	return nil
}

func (a *App) buildHandler() http.Handler {
	checks := health.New(
		health.Check("database", a.store.Ping),
		health.Check("artifacts", a.artifacts.Check),
	)
	api := httpapi.New(httpapi.Deps{
		Accounts:  a.accounts,
		Logs:      a.store,
		Artifacts: a.artifacts,
		Pipeline:  a.orchestrator,
		Sessions:  a.sessions,
	},
		httpapi.WithMaxUploadBytes(a.cfg.Server.MaxUploadBytes),
		httpapi.WithMiddleware(observe.Middleware(a.metrics)),
		httpapi.WithRoutes(func(mux *http.ServeMux) {
			checks.Register(mux)
			if a.metricsHandler != nil {
				mux.Handle("GET /metrics", a.metricsHandler)
			}
		}),
	)
	return api.Handler()
}

// Handler returns the fully wired HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Promote grants the admin role to an existing user. It is how the first
// administrator is bootstrapped.
func (a *App) Promote(ctx context.Context, userID string) error {
	if err := a.accounts.SetRole(ctx, userID, store.RoleAdmin); err != nil {
		return fmt.Errorf("app: promote %q: %w", userID, err)
	}
	slog.Info("user promoted", "user", userID)
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the HTTP API and blocks until ctx is cancelled or the server
// fails. On cancellation the server drains in-flight requests for at most
// server.shutdown_timeout and Run returns ctx.Err().
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
		}
	}

	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	serveErr := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		serveErr <- err
	}()

	var wg sync.WaitGroup
	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	wg.Go(func() { a.sweepSessions(sweepCtx) })

	slog.Info("app running", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)

	select {
	case err := <-serveErr:
		stopSweep()
		wg.Wait()
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}
	<-serveErr
	wg.Wait()
	return ctx.Err()
}

func (a *App) sweepSessions(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.sessions.Sweep(); n > 0 {
				slog.Debug("expired sessions removed", "count", n)
			}
		}
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in init order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
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

// closeAll releases what New opened so far when a later init step fails.
func (a *App) closeAll() {
	for _, closer := range a.closers {
		_ = closer()
	}
	a.closers = nil
}
