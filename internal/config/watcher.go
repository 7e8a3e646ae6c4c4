package config

import (
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Reload is an accepted config change. New is the config now in effect: the
// previous one with the file's log level and session section applied.
type Reload struct {
	Old, New *Config
	Diff     ConfigDiff
}

// Watcher polls a config file and applies the settings that can change at
// runtime: server.log_level and the session section. Edits to any other
// section are logged as needing a restart and never reach the running
// config. Files that fail to parse or validate are ignored.
type Watcher struct {
	path     string
	interval time.Duration
	onReload func(Reload)

	mu      sync.Mutex
	applied *Config
	seen    fileState

	done     chan struct{}
	stopOnce sync.Once
}

type fileState struct {
	mtime time.Time
	sum   [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path and starts polling it. onReload runs on the polling
// goroutine for every change that touches a runtime setting.
func NewWatcher(path string, onReload func(Reload), opts ...WatcherOption) (*Watcher, error) {
	w, err := newWatcher(path, onReload, opts...)
	if err != nil {
		return nil, err
	}
	go w.poll()
	return w, nil
}

func newWatcher(path string, onReload func(Reload), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onReload: onReload,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	cfg, st, err := readConfig(path)
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.applied, w.seen = cfg, st
	return w, nil
}

// Current returns the config in effect.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.applied
}

// Stop ends polling. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

func (w *Watcher) poll() {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-t.C:
			if r, ok := w.check(); ok && w.onReload != nil {
				w.onReload(r)
			}
		}
	}
}

// check rereads the file when its mtime moved and returns the reload to
// announce, if any.
func (w *Watcher) check() (Reload, bool) {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config: cannot stat watched file", "path", w.path, "err", err)
		return Reload{}, false
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if info.ModTime().Equal(w.seen.mtime) {
		return Reload{}, false
	}

	cfg, st, err := readConfig(w.path)
	if err != nil {
		slog.Warn("config: reload rejected, keeping running config", "path", w.path, "err", err)
		w.seen.mtime = info.ModTime()
		return Reload{}, false
	}
	unchanged := st.sum == w.seen.sum
	w.seen = st
	if unchanged {
		return Reload{}, false
	}

	d := Diff(w.applied, cfg)
	if len(d.RestartRequired) > 0 {
		slog.Warn("config: changes need a restart", "path", w.path, "sections", d.RestartRequired)
	}
	if !d.LogLevelChanged && !d.SessionChanged {
		return Reload{}, false
	}

	next := *w.applied
	next.Server.LogLevel = cfg.Server.LogLevel
	next.Session = cfg.Session
	r := Reload{Old: w.applied, New: &next, Diff: d}
	w.applied = &next
	slog.Info("config: runtime settings reloaded", "path", w.path,
		"log_level", d.LogLevelChanged,
		"session", d.SessionChanged,
	)
	return r, true
}

func readConfig(path string) (*Config, fileState, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fileState{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fileState{}, err
	}
	cfg, err := loadBytes(data)
	if err != nil {
		return nil, fileState{}, err
	}
	return cfg, fileState{mtime: info.ModTime(), sum: sha256.Sum256(data)}, nil
}
