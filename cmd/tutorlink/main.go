// Command tutorlink runs one realtime voice tutoring session against the
// configured upstream, with an optional status server for probes and metrics.
//
// Usage:
//
//	tutorlink -config config.yaml [-conversation <uuid>] [-say "text"]
//
// Without -conversation a conversation is created through the bootstrap API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/tutorlink/internal/app"
	"github.com/MrWong99/tutorlink/internal/config"
	"github.com/MrWong99/tutorlink/internal/health"
	"github.com/MrWong99/tutorlink/internal/observe"
	"github.com/MrWong99/tutorlink/internal/session"
	"github.com/MrWong99/tutorlink/pkg/audio/ffmpeg"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	conversation := flag.String("conversation", "", "conversation id (UUID v4); empty creates one via the bootstrap API")
	say := flag.String("say", "", "text turn to send once the session is ready")
	watch := flag.Bool("watch", true, "reload log level and reconnect settings when the config file changes")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "tutorlink: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "tutorlink: %v\n", err)
		}
		return 1
	}

	var level slog.LevelVar
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(&level))

	slog.Info("tutorlink starting",
		"version", version,
		"config", *configPath,
		"upstream", cfg.Upstream.URL,
		"audio", cfg.Audio.Backend,
		"listen_addr", cfg.Server.ListenAddr,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	providers, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	reg := config.NewRegistry()
	registerAudioBackends(reg)

	application, err := app.New(ctx, cfg,
		app.WithRegistry(reg),
		app.WithLogLevel(&level),
		app.WithHooks(consoleHooks()),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if *watch {
		w, err := config.NewWatcher(*configPath, application.ApplyConfig)
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Server.ListenAddr != "" {
		srv := &http.Server{
			Addr:              cfg.Server.ListenAddr,
			Handler:           statusRouter(cfg, application, providers),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			slog.Info("status server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("status server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		return application.Run(gctx, *conversation)
	})

	if *say != "" {
		g.Go(func() error {
			return sayWhenReady(gctx, application, *say)
		})
	}

	slog.Info("session starting; press Ctrl+C to end")

	runErr := g.Wait()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Audio backends ──────────────────────────────────────────────────────────

func registerAudioBackends(reg *config.Registry) {
	reg.RegisterAudio(config.AudioFFmpeg, func(ac config.AudioConfig) (config.AudioDevices, error) {
		return config.AudioDevices{
			Capture: &ffmpeg.Microphone{
				Path:        ac.FFmpegPath,
				InputFormat: ac.InputFormat,
				Device:      ac.InputDevice,
			},
			Speaker: &ffmpeg.Speaker{
				Path:   ac.FFplayPath,
				Volume: ac.Volume,
			},
		}, nil
	})
	reg.RegisterAudio(config.AudioNone, func(config.AudioConfig) (config.AudioDevices, error) {
		return config.AudioDevices{}, nil
	})
	slog.Debug("registered audio backends", "backends", []config.AudioBackend{config.AudioFFmpeg, config.AudioNone})
}

// ── Status server ───────────────────────────────────────────────────────────

func statusRouter(cfg *config.Config, a *app.App, providers *observe.Providers) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(observe.Middleware(observe.DefaultMetrics()))

	health.New(a.Status, a.Checkers()...).Register(r)
	if cfg.Observe.Metrics {
		r.Handle("/metrics", providers.MetricsHandler())
	}
	return r
}

// ── Console output ──────────────────────────────────────────────────────────

// consoleHooks prints the assistant transcript and session state changes.
func consoleHooks() session.Hooks {
	return session.Hooks{
		OnUtterance: func(u session.Utterance) {
			if u.Final {
				fmt.Println()
				return
			}
			fmt.Print(u.Text)
		},
		OnState: func(s session.Snapshot) {
			switch s.State {
			case session.Reconnecting:
				fmt.Fprintf(os.Stderr, "[reconnecting %d/%d] %s\n", s.RetryCount, s.MaxRetries, s.LastError)
			case session.Error:
				fmt.Fprintf(os.Stderr, "[error] %s\n", s.LastError)
			default:
				fmt.Fprintf(os.Stderr, "[%s]\n", s.State)
			}
		},
		OnPendingQueue: func(n int) {
			if n > 0 {
				fmt.Fprintf(os.Stderr, "[queued, position %d]\n", n)
			}
		},
	}
}

// sayWhenReady sends text once the session first becomes Ready.
func sayWhenReady(ctx context.Context, a *app.App, text string) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if a.Snapshot().State != session.Ready {
				continue
			}
			if err := a.Say(ctx, text); err != nil {
				slog.Warn("failed to send text turn", "err", err)
			}
			return nil
		}
	}
}

// ── Logger ──────────────────────────────────────────────────────────────────

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
