// Package app wires all salescoach subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the WebSocket gateway until the context is
// cancelled, and Shutdown tears everything down in order.
//
// For testing, inject in-memory implementations via functional options
// (WithRepository, WithFabric, etc.). When an option is not provided, New
// creates real implementations from the config.
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

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/salescoach/internal/auth"
	"github.com/MrWong99/salescoach/internal/coach"
	"github.com/MrWong99/salescoach/internal/config"
	"github.com/MrWong99/salescoach/internal/fabric"
	"github.com/MrWong99/salescoach/internal/filter"
	"github.com/MrWong99/salescoach/internal/gateway"
	"github.com/MrWong99/salescoach/internal/health"
	"github.com/MrWong99/salescoach/internal/objection"
	"github.com/MrWong99/salescoach/internal/observe"
	"github.com/MrWong99/salescoach/internal/resilience"
	"github.com/MrWong99/salescoach/internal/session"
	"github.com/MrWong99/salescoach/internal/trigger"
	"github.com/MrWong99/salescoach/pkg/calls"
	"github.com/MrWong99/salescoach/pkg/calls/postgres"
	"github.com/MrWong99/salescoach/pkg/provider/llm"
	"github.com/MrWong99/salescoach/pkg/provider/stt"
)

// Providers holds one interface value per provider slot. The fallbacks are
// optional. Populated by main.go via the config registry.
type Providers struct {
	LLM         llm.Provider
	LLMFallback llm.Provider
	STT         stt.Transcriber
	STTFallback stt.Transcriber
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems, initialised in New and torn down in Shutdown.
	metrics      *observe.Metrics
	repo         calls.Repository
	fab          fabric.Fabric
	llm          *resilience.LLM
	stt          *resilience.Transcriber
	store        *session.Store
	orch         *coach.Orchestrator
	checkpointer *session.Checkpointer
	gateway      *gateway.Server
	server       *http.Server
	checkers     []health.Checker
	health       *health.Handler

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithRepository injects a call repository instead of creating one from
// config.
func WithRepository(r calls.Repository) Option {
	return func(a *App) { a.repo = r }
}

// WithFabric injects the cache and pub/sub backend instead of creating one
// from config.
func WithFabric(f fabric.Fabric) Option {
	return func(a *App) { a.fab = f }
}

// WithMetrics injects the metric instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option functions
// to inject test doubles for any subsystem.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.LLM == nil || providers.STT == nil {
		return nil, errors.New("app: llm and stt providers are required")
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

	// ── 1. Call repository ───────────────────────────────────────────────
	if err := a.initRepository(ctx); err != nil {
		return nil, fmt.Errorf("app: init repository: %w", err)
	}

	// ── 2. Fabric ────────────────────────────────────────────────────────
	if err := a.initFabric(ctx); err != nil {
		return nil, fmt.Errorf("app: init fabric: %w", err)
	}

	// ── 3. Provider fallbacks ────────────────────────────────────────────
	a.initProviders()

	// ── 4. Sessions + coaching ───────────────────────────────────────────
	a.initCoaching()

	// ── 5. Gateway ───────────────────────────────────────────────────────
	if err := a.initGateway(); err != nil {
		return nil, fmt.Errorf("app: init gateway: %w", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initRepository connects to PostgreSQL or falls back to the in-memory store.
func (a *App) initRepository(ctx context.Context) error {
	if a.repo != nil {
		return nil
	}

	dsn := a.cfg.Database.PostgresDSN
	if dsn == "" {
		a.repo = calls.NewMemStore()
		return nil
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	store := postgres.New(pool)
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("migrate: %w", err)
	}
	a.repo = store
	a.checkers = append(a.checkers, health.Checker{Name: "postgres", Check: pool.Ping})
	a.closers = append(a.closers, func() error {
		pool.Close()
		return nil
	})
	return nil
}

// initFabric connects to Redis behind a degrading wrapper. Without a Redis
// URL the wrapper starts degraded and serves from process memory.
func (a *App) initFabric(ctx context.Context) error {
	if a.fab != nil {
		return nil
	}

	var remote fabric.Remote
	if url := a.cfg.Redis.URL; url != "" {
		r, err := fabric.NewRedis(url)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		remote = r
	}
	d := fabric.NewDegrading(ctx, remote)
	a.fab = d
	a.checkers = append(a.checkers, health.Checker{
		Name:     "fabric",
		Optional: true,
		Check: func(context.Context) error {
			if d.IsDegraded() {
				return errors.New("running on in-memory fallback")
			}
			return nil
		},
	})
	a.closers = append(a.closers, d.Close)
	return nil
}

// initProviders puts the configured providers behind circuit-breaking pools
// that count every attempt.
func (a *App) initProviders() {
	policy := func(kind string) resilience.Policy {
		return resilience.Policy{
			Kind: kind,
			OnAttempt: func(at resilience.Attempt) {
				ctx := context.Background()
				switch {
				case at.Skipped:
					a.metrics.RecordProviderRequest(ctx, at.Provider, kind, "skipped")
				case at.Err != nil:
					slog.Warn("provider call failed", "kind", kind, "provider", at.Provider,
						"duration", at.Duration, "err", at.Err)
					a.metrics.RecordProviderRequest(ctx, at.Provider, kind, "error")
					a.metrics.RecordProviderError(ctx, at.Provider, kind)
				default:
					a.metrics.RecordProviderRequest(ctx, at.Provider, kind, "ok")
				}
			},
			OnStateChange: func(provider string, _, to resilience.State) {
				a.metrics.RecordCircuit(context.Background(), provider, kind, to.String())
			},
		}
	}

	pc := a.cfg.Providers
	a.llm = resilience.NewLLM(policy("llm"), pc.LLM.Name, a.providers.LLM)
	if a.providers.LLMFallback != nil {
		a.llm.AddFallback(pc.LLMFallback.Name, a.providers.LLMFallback)
	}
	a.stt = resilience.NewTranscriber(policy("stt"), pc.STT.Name, a.providers.STT)
	if a.providers.STTFallback != nil {
		a.stt.AddFallback(pc.STTFallback.Name, a.providers.STTFallback)
	}
	a.checkers = append(a.checkers,
		health.Checker{Name: "llm", Check: a.llm.Healthy},
		health.Checker{Name: "stt", Check: a.stt.Healthy},
	)
}

// initCoaching builds the session store, the coaching orchestrator and the
// transcript checkpointer.
func (a *App) initCoaching() {
	cc := a.cfg.Coaching

	storeOpts := []session.Option{
		session.WithAnalyser(session.NewLLMAnalyser(a.llm, cc.Language)),
	}
	if cc.SessionTTL > 0 {
		storeOpts = append(storeOpts, session.WithSessionTTL(cc.SessionTTL))
	}
	a.store = session.NewStore(a.repo, a.fab, storeOpts...)

	var filterOpts []filter.Option
	if cc.DedupWindow > 0 {
		filterOpts = append(filterOpts, filter.WithWindow(cc.DedupWindow))
	}

	matcherOpts := []objection.Option{objection.WithPhonetic(cc.PhoneticMatching)}
	if cc.ObjectionThreshold > 0 {
		matcherOpts = append(matcherOpts, objection.WithThreshold(cc.ObjectionThreshold))
	}

	var triggerOpts []trigger.Option
	if cc.Cooldown > 0 {
		triggerOpts = append(triggerOpts, trigger.WithCooldown(cc.Cooldown))
	}
	if cc.CheckInInterval > 0 {
		triggerOpts = append(triggerOpts, trigger.WithCheckInInterval(cc.CheckInInterval))
	}
	if len(cc.BuyingSignals) > 0 {
		triggerOpts = append(triggerOpts, trigger.WithBuyingSignals(cc.BuyingSignals...))
	}
	if len(cc.Resistance) > 0 {
		triggerOpts = append(triggerOpts, trigger.WithResistance(cc.Resistance...))
	}

	coachOpts := []coach.Option{
		coach.WithFilter(filter.New(filterOpts...)),
		coach.WithMatcher(objection.New(matcherOpts...)),
		coach.WithTrigger(trigger.New(triggerOpts...)),
		coach.WithMetricSource(a.repo),
		coach.WithMetrics(a.metrics),
		coach.WithLanguage(cc.Language),
	}
	if cc.PromptTurns > 0 {
		coachOpts = append(coachOpts, coach.WithMaxTurns(cc.PromptTurns))
	}
	a.orch = coach.New(a.llm, coachOpts...)

	a.checkpointer = session.NewCheckpointer(a.store, cc.CheckpointInterval)
}

// initGateway builds the WebSocket gateway and the HTTP server around it.
func (a *App) initGateway() error {
	cc := a.cfg.Coaching

	verifier, err := auth.NewVerifier(a.cfg.Auth.JWTSecret,
		auth.WithIssuer(a.cfg.Auth.Issuer),
		auth.WithAudience(a.cfg.Auth.Audience),
		auth.WithLeeway(a.cfg.Auth.Leeway),
	)
	if err != nil {
		return err
	}

	summaryOpts := []session.LiveSummaryOption{session.WithSummaryLanguage(cc.Language)}
	if cc.SummaryInterval > 0 {
		summaryOpts = append(summaryOpts, session.WithSummaryInterval(cc.SummaryInterval))
	}
	if cc.SummaryTurns > 0 {
		summaryOpts = append(summaryOpts, session.WithSummaryTurns(cc.SummaryTurns))
	}

	gwOpts := []gateway.Option{gateway.WithLanguage(cc.TranscriptionLanguage)}
	if cc.MediaHeaderTTL > 0 {
		gwOpts = append(gwOpts, gateway.WithMediaHeaderTTL(cc.MediaHeaderTTL))
	}
	if len(a.cfg.Server.AllowedOrigins) > 0 {
		gwOpts = append(gwOpts, gateway.WithOriginPatterns(a.cfg.Server.AllowedOrigins...))
	}

	a.health = health.New(a.checkers...)
	gw, err := gateway.New(gateway.Deps{
		Auth:        verifier,
		Store:       a.store,
		Coach:       a.orch,
		Transcriber: a.stt,
		Fabric:      a.fab,
		Summariser:  session.NewLiveSummariser(a.llm, a.fab, summaryOpts...),
		Health:      a.health,
		Metrics:     a.metrics,
	}, gwOpts...)
	if err != nil {
		return err
	}
	a.gateway = gw

	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	a.server = &http.Server{
		Addr:              addr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// Handler returns the HTTP handler serving the gateway, health and metrics
// endpoints.
func (a *App) Handler() http.Handler {
	return a.server.Handler
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the checkpointer and serves HTTP on the configured address until
// ctx is cancelled. It returns ctx.Err() on a clean stop.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.server.Addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is like [App.Run] but accepts connections on ln.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	a.checkpointer.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("app running", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err, ok := <-errCh:
		if ok && err != nil {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops accepting connections, closes every live WebSocket, waits
// for in-flight coaching work, writes a final transcript checkpoint and then
// runs the closers. It respects the context deadline: if ctx expires before
// all closers finish, remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		a.health.Drain()

		// Hijacked WebSocket connections are not tracked by http.Server, so
		// the gateway closes them itself.
		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown error", "err", err)
		}
		a.gateway.Close()
		a.orch.Wait()

		a.checkpointer.Stop()
		if err := a.checkpointer.CheckpointNow(ctx); err != nil {
			slog.Warn("final checkpoint failed", "err", err)
		}

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
