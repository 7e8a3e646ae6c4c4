// Package app wires the tutorlink subsystems into a running voice session.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run drives one conversation until its context ends, and
// Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithDialer,
// WithJournal, WithAudio, etc.). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/MrWong99/tutorlink/internal/bootstrap"
	"github.com/MrWong99/tutorlink/internal/config"
	"github.com/MrWong99/tutorlink/internal/health"
	"github.com/MrWong99/tutorlink/internal/journal"
	"github.com/MrWong99/tutorlink/internal/observe"
	"github.com/MrWong99/tutorlink/internal/resilience"
	"github.com/MrWong99/tutorlink/internal/session"
	"github.com/MrWong99/tutorlink/internal/transport"
	"github.com/MrWong99/tutorlink/pkg/audio"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	// Subsystems, initialised in New and torn down in Shutdown.
	registry  *config.Registry
	devices   *config.AudioDevices
	dialer    transport.Dialer
	store     journal.Store
	journal   *journal.Guard
	bootstrap *bootstrap.Client
	metrics   *observe.Metrics
	clock     session.Clock
	hooks     session.Hooks
	logLevel  *slog.LevelVar
	manager   *session.Manager

	runMu sync.Mutex
	info  SessionInfo

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithRegistry supplies the audio backend registry. Without it only the
// "none" backend is available.
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithAudio injects devices instead of creating them from the registry.
func WithAudio(d config.AudioDevices) Option {
	return func(a *App) { a.devices = &d }
}

// WithDialer injects a channel dialer instead of the WebSocket dialer.
func WithDialer(d transport.Dialer) Option {
	return func(a *App) { a.dialer = d }
}

// WithJournal injects a journal store instead of creating one from config.
func WithJournal(s journal.Store) Option {
	return func(a *App) { a.store = s }
}

// WithBootstrap injects a bootstrap client instead of creating one from
// config.
func WithBootstrap(c *bootstrap.Client) Option {
	return func(a *App) { a.bootstrap = c }
}

// WithMetrics records instrumentation on m instead of the global provider.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithClock replaces the session clock.
func WithClock(c session.Clock) Option {
	return func(a *App) { a.clock = c }
}

// WithHooks receives session output in addition to the app's own handling.
func WithHooks(h session.Hooks) Option {
	return func(a *App) { a.hooks = h }
}

// WithLogLevel lets config reloads change the level of the running logger.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. It connects the
// journal database when one is configured; nothing touches the upstream
// service or the microphone until Run.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Journal ───────────────────────────────────────────────────────
	if err := a.initJournal(ctx); err != nil {
		return nil, fmt.Errorf("app: init journal: %w", err)
	}

	// ── 2. Audio devices ─────────────────────────────────────────────────
	if err := a.initAudio(); err != nil {
		a.close()
		return nil, fmt.Errorf("app: init audio: %w", err)
	}

	// ── 3. Bootstrap client ──────────────────────────────────────────────
	if err := a.initBootstrap(); err != nil {
		a.close()
		return nil, fmt.Errorf("app: init bootstrap: %w", err)
	}

	// ── 4. Session manager ───────────────────────────────────────────────
	if err := a.initSession(); err != nil {
		a.close()
		return nil, fmt.Errorf("app: init session: %w", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initJournal opens the PostgreSQL journal or falls back to memory.
func (a *App) initJournal(ctx context.Context) error {
	if a.store == nil {
		if dsn := a.cfg.Journal.DSN; dsn != "" {
			pg, closeFn, err := journal.Open(ctx, dsn)
			if err != nil {
				return err
			}
			a.store = pg
			a.closers = append(a.closers, func() error { closeFn(); return nil })
			slog.Info("journal: using postgres")
		} else {
			a.store = journal.NewMemory()
			slog.Info("journal: using memory")
		}
	}
	a.journal = journal.NewGuard(a.store)
	return nil
}

// initAudio creates capture and playback devices from the registry.
func (a *App) initAudio() error {
	if a.devices != nil {
		return nil
	}
	if a.cfg.Audio.Backend == config.AudioNone {
		a.devices = &config.AudioDevices{}
		return nil
	}
	if a.registry == nil {
		return fmt.Errorf("%w: %q", config.ErrBackendNotRegistered, a.cfg.Audio.Backend)
	}
	d, err := a.registry.CreateAudio(a.cfg.Audio)
	if err != nil {
		return err
	}
	a.devices = &d
	slog.Info("audio backend created", "backend", a.cfg.Audio.Backend)
	return nil
}

// initBootstrap builds the bootstrap client when a base URL is configured.
func (a *App) initBootstrap() error {
	if a.bootstrap != nil || a.cfg.Bootstrap.BaseURL == "" {
		return nil
	}
	b := a.cfg.Bootstrap
	c, err := bootstrap.New(b.BaseURL,
		resilience.CircuitBreakerConfig{
			Name:         "bootstrap",
			MaxFailures:  b.MaxFailures,
			ResetTimeout: b.ResetTimeout,
		},
		bootstrap.WithAPIKey(b.APIKey),
		bootstrap.WithFallbacks(b.FallbackURLs...),
		bootstrap.WithHTTPClient(&http.Client{Timeout: b.Timeout}),
		bootstrap.WithMetrics(a.metrics),
	)
	if err != nil {
		return err
	}
	a.bootstrap = c
	return nil
}

// initSession builds the session manager.
func (a *App) initSession() error {
	if a.dialer == nil {
		a.dialer = &transport.WebSocketDialer{Header: upstreamHeader(a.cfg.Upstream.Headers)}
	}
	m, err := session.NewManager(session.Config{
		URL:              a.cfg.Upstream.URL,
		Dialer:           a.dialer,
		Device:           a.devices.Capture,
		Speaker:          a.devices.Speaker,
		Policy:           PolicyFromConfig(a.cfg.Session),
		ProbeInterval:    a.cfg.Session.HeartbeatInterval,
		HeartbeatTimeout: a.cfg.Session.HeartbeatTimeout,
		OpenTimeout:      a.cfg.Upstream.OpenTimeout,
		Format:           audio.Format{SampleRate: a.cfg.Audio.SampleRate, Channels: 1},
		FrameSize:        a.cfg.Audio.FrameSize,
		Metrics:          a.metrics,
		Hooks:            a.sessionHooks(),
		Clock:            a.clock,
	})
	if err != nil {
		return err
	}
	a.manager = m
	a.closers = append(a.closers, func() error { m.End(); return nil })
	return nil
}

// sessionHooks records finished attempts in the journal and forwards every
// event to the caller's hooks.
func (a *App) sessionHooks() session.Hooks {
	h := a.hooks
	user := h.OnAttempt
	h.OnAttempt = func(conversationID string, at session.ConnectionAttempt) {
		_ = a.journal.Append(context.Background(), journal.Entry{
			ConversationID: conversationID,
			AttemptID:      at.ID,
			OpenedAt:       at.OpenedAt,
			ClosedAt:       at.ClosedAt,
			CloseCode:      at.CloseCode,
			CloseReason:    at.CloseReason,
			WasClean:       at.WasClean,
			Class:          at.Class.String(),
		})
		if user != nil {
			user(conversationID, at)
		}
	}
	return h
}

func upstreamHeader(headers map[string]string) http.Header {
	if len(headers) == 0 {
		return nil
	}
	h := make(http.Header, len(headers))
	for k, v := range headers {
		h.Set(k, v)
	}
	return h
}

// PolicyFromConfig converts the session section into a reconnect policy.
func PolicyFromConfig(sc config.SessionConfig) session.Policy {
	return session.Policy{
		MaxRetries: sc.MaxRetries,
		Abnormal:   session.Backoff(sc.AbnormalBackoff),
		Transport:  session.Backoff(sc.TransportBackoff),
		Jitter:     sc.Jitter,
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Manager returns the session manager.
func (a *App) Manager() *session.Manager { return a.manager }

// Journal returns the guarded connection-attempt journal.
func (a *App) Journal() *journal.Guard { return a.journal }

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfig applies a runtime config change announced by a
// [config.Watcher].
func (a *App) ApplyConfig(r config.Reload) {
	if r.Diff.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(SlogLevel(r.Diff.NewLogLevel))
		slog.Info("config: log level changed", "level", r.Diff.NewLogLevel)
	}
	if r.Diff.SessionChanged {
		a.manager.SetPolicy(PolicyFromConfig(r.New.Session))
		slog.Info("config: reconnect policy updated",
			"max_retries", r.New.Session.MaxRetries,
			"jitter", r.New.Session.Jitter,
		)
	}
}

// SlogLevel maps a config level to its slog equivalent.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Health ──────────────────────────────────────────────────────────────────

// ErrSessionFailed is reported by the readiness check while the session is
// in the Error state.
var ErrSessionFailed = errors.New("app: session in error state")

// Checkers returns the readiness checks for the status server.
func (a *App) Checkers() []health.Checker {
	return []health.Checker{
		{
			Name: "session",
			Check: func(context.Context) error {
				if snap := a.manager.Snapshot(); snap.State == session.Error {
					return fmt.Errorf("%w: %s", ErrSessionFailed, snap.LastError)
				}
				return nil
			},
		},
		{
			Name:  "journal",
			Check: a.journal.Ping,
		},
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// close runs the closers registered so far after a failed New.
func (a *App) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}
