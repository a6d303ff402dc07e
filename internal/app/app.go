// Package app wires the MedVoice subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects the
// stores, the booking service and the telephony gateway, Run serves HTTP
// until its context ends, and Shutdown hangs up live calls and tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithStore,
// WithNotifier, etc.). When an option is not provided, New creates the real
// implementation from the config.
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
	"github.com/redis/go-redis/v9"

	"github.com/MrWong99/medvoice/internal/booking"
	"github.com/MrWong99/medvoice/internal/config"
	"github.com/MrWong99/medvoice/internal/gateway"
	"github.com/MrWong99/medvoice/internal/health"
	"github.com/MrWong99/medvoice/internal/notify"
	"github.com/MrWong99/medvoice/internal/observe"
	"github.com/MrWong99/medvoice/internal/resilience"
	"github.com/MrWong99/medvoice/internal/store"
	"github.com/MrWong99/medvoice/internal/store/postgres"
	"github.com/MrWong99/medvoice/pkg/provider/duplex"
	"github.com/MrWong99/medvoice/pkg/provider/llm"
	"github.com/MrWong99/medvoice/pkg/provider/stt"
	"github.com/MrWong99/medvoice/pkg/provider/tts"
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	LLM     llm.Provider
	LLMName string

	// LLMFallback is tried once when LLM fails before producing content.
	LLMFallback     llm.Provider
	LLMFallbackName string

	STT    stt.Provider
	TTS    tts.Provider
	Duplex duplex.Provider
}

// CallTransferer hands a live call to clinic staff.
type CallTransferer interface {
	Transfer(ctx context.Context, callSID string) error
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       atomic.Pointer[config.Config]
	providers *Providers

	store      store.Store
	locker     booking.Locker
	booking    *booking.Service
	notifier   notify.Notifier
	transferer CallTransferer
	llm        *resilience.LLMFallback
	metrics    *observe.Metrics
	calls      *CallRegistry
	checkers   []health.Checker

	gateway atomic.Pointer[gateway.Handler]
	handler http.Handler
	server  *http.Server

	logLevel *slog.LevelVar
	version  string
	now      func() time.Time

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects the call and appointment store instead of connecting to
// Postgres or creating a MemStore.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithLocker injects the slot locker instead of connecting to Redis.
func WithLocker(l booking.Locker) Option {
	return func(a *App) { a.locker = l }
}

// WithNotifier injects the booking confirmation notifier.
func WithNotifier(n notify.Notifier) Option {
	return func(a *App) { a.notifier = n }
}

// WithTransferer injects the call transferer.
func WithTransferer(t CallTransferer) Option {
	return func(a *App) { a.transferer = t }
}

// WithMetrics injects the metric instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel lets [App.Reload] change the level of the installed logger.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// WithVersion sets the version reported by the root endpoint.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// WithClock replaces the wall clock used for slots and call timing.
func WithClock(now func() time.Time) Option {
	return func(a *App) { a.now = now }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. cfg must already be
// validated (see [config.Load]). The providers come from main.go via the
// config registry.
//
// New performs all initialisation synchronously: store connection and
// migration, Redis connection, booking service, notifier, transferer and
// the HTTP routes. On failure, everything opened so far is closed again.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config must not be nil")
	}
	if providers == nil || providers.LLM == nil || providers.STT == nil || providers.TTS == nil {
		return nil, errors.New("app: the turn pipeline needs llm, stt and tts providers")
	}

	a := &App{
		providers: providers,
		calls:     NewCallRegistry(),
		version:   "dev",
		now:       time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.calls.now = a.now
	a.cfg.Store(cfg)

	fail := func(step string, err error) (*App, error) {
		a.closeAll()
		return nil, fmt.Errorf("app: init %s: %w", step, err)
	}

	// ── 1. Store ─────────────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return fail("store", err)
	}

	// ── 2. Booking ───────────────────────────────────────────────────────
	if err := a.initBooking(ctx); err != nil {
		return fail("booking", err)
	}

	// ── 3. Notifications and transfer ───────────────────────────────────
	if err := a.initTelephony(); err != nil {
		return fail("telephony", err)
	}

	// ── 4. Language model with fallback ──────────────────────────────────
	a.llm = resilience.NewLLMFallback(providers.LLM, nameOr(providers.LLMName, "primary"), resilience.FallbackConfig{
		Observe: a.observeAttempt,
	})
	if providers.LLMFallback != nil {
		a.llm.AddFallback(nameOr(providers.LLMFallbackName, "fallback"), providers.LLMFallback)
	}

	// ── 5. Gateway and HTTP routes ───────────────────────────────────────
	gw, err := a.newGateway(cfg)
	if err != nil {
		return fail("gateway", err)
	}
	a.gateway.Store(gw)
	a.handler = observe.Middleware(a.metrics)(a.routes(cfg))
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("app: initialised",
		"llm", a.llm.Names(),
		"duplex", providers.Duplex != nil && cfg.Duplex.Enabled,
		"default_mode", cfg.Gateway.DefaultMode,
	)
	return a, nil
}

func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	dsn := a.cfg.Load().Storage.PostgresDSN
	if dsn == "" {
		slog.Warn("app: no database configured, calls and appointments are kept in memory")
		a.store = store.NewMemStore()
		return nil
	}
	pg, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		return err
	}
	a.store = pg
	a.checkers = append(a.checkers, health.PostgresChecker(pg))
	a.closers = append(a.closers, func() error { pg.Close(); return nil })
	return nil
}

func (a *App) initBooking(ctx context.Context) error {
	cfg := a.cfg.Load()
	if a.locker == nil {
		if cfg.Storage.RedisURL == "" {
			a.locker = &booking.MemLocker{}
		} else {
			client, err := booking.NewRedisClient(ctx, cfg.Storage.RedisURL)
			if err != nil {
				return err
			}
			a.locker = booking.NewRedisLocker(client, "")
			a.checkers = append(a.checkers, health.RedisChecker(client))
			a.closers = append(a.closers, closeRedis(client))
		}
	}

	loc, err := time.LoadLocation(cfg.Booking.Timezone)
	if err != nil {
		return fmt.Errorf("timezone %q: %w", cfg.Booking.Timezone, err)
	}
	opts := []booking.Option{
		booking.WithLocker(a.locker),
		booking.WithLocation(loc),
		booking.WithClock(a.now),
		booking.WithLockTTL(cfg.Booking.LockTTL),
	}
	if cfg.Booking.Practitioner != "" {
		opts = append(opts, booking.WithProvider(cfg.Booking.Practitioner))
	}
	a.booking = booking.New(a.store, opts...)
	return nil
}

func closeRedis(c *redis.Client) func() error {
	return func() error { return c.Close() }
}

func (a *App) initTelephony() error {
	cfg := a.cfg.Load()
	tw := cfg.Twilio
	if a.notifier == nil {
		if tw.AccountSID != "" && tw.AuthToken != "" && tw.PhoneNumber != "" {
			sms, err := notify.NewSMS(tw.AccountSID, tw.AuthToken, tw.PhoneNumber, cfg.Clinic)
			if err != nil {
				return err
			}
			a.notifier = sms
		} else {
			a.notifier = notify.Nop{}
		}
	}
	if a.transferer == nil && tw.TransferNumber != "" {
		t, err := gateway.NewTransferer(tw.AccountSID, tw.AuthToken, tw.TransferNumber)
		if err != nil {
			return err
		}
		a.transferer = t
	}
	return nil
}

// newGateway builds the telephony handler for cfg.
func (a *App) newGateway(cfg *config.Config) (*gateway.Handler, error) {
	return gateway.NewHandler(gateway.Config{
		NewTransport: a.newTransport,
		Store:        a.store,
		Clinic:       cfg.Clinic,
		Voices: gateway.Voices{
			French:  cfg.Twilio.SayVoices.French,
			English: cfg.Twilio.SayVoices.English,
		},
		Language:           cfg.Dialogue.DefaultLanguage,
		DefaultMode:        cfg.Gateway.DefaultMode,
		FallbackToTurn:     cfg.Duplex.FallbackToTurn,
		PublicHost:         cfg.Server.PublicHost,
		InsecureStream:     cfg.Server.Environment == config.EnvDevelopment && cfg.Server.TLS == nil,
		AuthToken:          cfg.Twilio.AuthToken,
		ValidateSignatures: cfg.Twilio.ValidateSignatures,
		PendingCapacity:    cfg.Gateway.PendingCapacity,
		ReadyTimeout:       cfg.Gateway.ReadyTimeout,
		DrainTimeout:       cfg.Gateway.DrainTimeout,
		Metrics:            a.metrics,
		Tracker:            a.calls,
		Now:                a.now,
	})
}

// routes registers every endpoint. The telephony routes always dispatch to
// the current gateway so a reload takes effect for the next call.
func (a *App) routes(cfg *config.Config) *http.ServeMux {
	mux := http.NewServeMux()

	health.New(a.checkers...).WithInfo(health.Info{
		Service:     "medvoice",
		Version:     a.version,
		Clinic:      cfg.Clinic.Name,
		Environment: string(cfg.Server.Environment),
		Services: map[string]bool{
			"twilio":   cfg.Twilio.AccountSID != "",
			"stt":      cfg.Providers.STT.APIKey != "",
			"llm":      cfg.Providers.LLM.APIKey != "",
			"tts":      cfg.Providers.TTS.APIKey != "",
			"duplex":   cfg.Duplex.Enabled && a.providers.Duplex != nil,
			"postgres": cfg.Storage.PostgresDSN != "",
			"redis":    cfg.Storage.RedisURL != "",
		},
	}).Register(mux)

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST "+gateway.VoicePath, func(w http.ResponseWriter, r *http.Request) {
		a.gateway.Load().Voice(w, r)
	})
	mux.HandleFunc("GET "+gateway.MediaStreamPath, func(w http.ResponseWriter, r *http.Request) {
		a.gateway.Load().MediaStream(w, r)
	})
	mux.HandleFunc("POST "+gateway.StatusPath, func(w http.ResponseWriter, r *http.Request) {
		a.gateway.Load().Status(w, r)
	})
	return mux
}

// observeAttempt feeds language model attempts into the provider metrics.
func (a *App) observeAttempt(at resilience.Attempt) {
	status := "ok"
	switch {
	case at.Skipped:
		status = "skipped"
	case at.Err != nil:
		status = "error"
	}
	a.metrics.RecordProviderRequest(context.Background(), at.Provider, status, at.Elapsed)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the HTTP handler serving every route.
func (a *App) Handler() http.Handler { return a.handler }

// Calls returns the registry of live calls.
func (a *App) Calls() *CallRegistry { return a.calls }

// Config returns the configuration in effect for new calls.
func (a *App) Config() *config.Config { return a.cfg.Load() }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP until ctx is cancelled or the server fails. It does not
// shut the server down; call [App.Shutdown] afterwards.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("app: listen on %s: %w", a.server.Addr, err)
	}
	tls := a.cfg.Load().Server.TLS
	slog.Info("app: listening", "addr", ln.Addr().String(), "tls", tls != nil)

	errCh := make(chan error, 1)
	go func() {
		if tls != nil {
			errCh <- a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
			return
		}
		errCh <- a.server.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies a changed configuration. Log level, clinic details,
// dialogue tuning, voices and gateway settings take effect for the next
// call; sections that need a restart keep their previous values.
func (a *App) Reload(next *config.Config) error {
	prev := a.cfg.Load()
	diff := config.Diff(prev, next)
	if len(diff.RestartRequired) > 0 {
		slog.Warn("app: config changes need a restart and were not applied", "fields", diff.RestartRequired)
	}
	if !diff.HotReload() {
		return nil
	}

	merged := *prev
	merged.Server.LogLevel = next.Server.LogLevel
	merged.Clinic = next.Clinic
	merged.Dialogue = next.Dialogue
	merged.Voices = next.Voices
	merged.Twilio.SayVoices = next.Twilio.SayVoices
	merged.Gateway = next.Gateway

	if diff.ClinicChanged || diff.VoicesChanged || diff.GatewayChanged || diff.DialogueChanged {
		gw, err := a.newGateway(&merged)
		if err != nil {
			return fmt.Errorf("app: reload gateway: %w", err)
		}
		a.gateway.Store(gw)
	}
	a.cfg.Store(&merged)

	if diff.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(diff.NewLogLevel.Level())
	}
	slog.Info("app: config reloaded",
		"log_level", diff.LogLevelChanged,
		"clinic", diff.ClinicChanged,
		"dialogue", diff.DialogueChanged,
		"voices", diff.VoicesChanged,
		"gateway", diff.GatewayChanged,
	)
	return nil
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown hangs up every live call, waits for their summaries to be
// written, stops the HTTP server and closes the stores. It respects the
// context deadline: if ctx expires first, remaining closers are skipped and
// the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		hung := a.calls.HangupAll()
		slog.Info("app: shutting down", "active_calls", hung, "closers", len(a.closers))

		if err := a.calls.Wait(ctx); err != nil {
			slog.Warn("app: calls still active at shutdown deadline", "remaining", a.calls.Len())
			shutdownErr = err
			return
		}
		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("app: http shutdown", "err", err)
		}
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("app: shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("app: closer error", "index", i, "err", err)
			}
		}
		slog.Info("app: shutdown complete")
	})
	return shutdownErr
}

// closeAll runs the closers after a failed New.
func (a *App) closeAll() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			slog.Warn("app: closer error", "err", err)
		}
	}
	a.closers = nil
}

func nameOr(name, def string) string {
	if name == "" {
		return def
	}
	return name
}
