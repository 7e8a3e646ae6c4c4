package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadBytes(b []byte) (*Config, error) {
	return LoadFromReader(bytes.NewReader(b))
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Upstream
	if cfg.Upstream.URL == "" {
		errs = append(errs, errors.New("upstream.url is required"))
	} else if u, err := url.Parse(cfg.Upstream.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		errs = append(errs, fmt.Errorf("upstream.url %q must be a ws:// or wss:// URL", cfg.Upstream.URL))
	} else if u.Scheme == "ws" && !isLoopback(u.Hostname()) {
		slog.Warn("upstream.url is not encrypted; audio will travel in clear text", "url", cfg.Upstream.URL)
	}
	if cfg.Upstream.OpenTimeout < 0 {
		errs = append(errs, fmt.Errorf("upstream.open_timeout %s must not be negative", cfg.Upstream.OpenTimeout))
	}

	// Session
	s := cfg.Session
	if s.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("session.max_retries %d must not be negative", s.MaxRetries))
	}
	if s.HeartbeatInterval < 0 {
		errs = append(errs, fmt.Errorf("session.heartbeat_interval %s must not be negative", s.HeartbeatInterval))
	}
	if s.HeartbeatTimeout <= s.HeartbeatInterval {
		errs = append(errs, fmt.Errorf("session.heartbeat_timeout %s must be greater than heartbeat_interval %s", s.HeartbeatTimeout, s.HeartbeatInterval))
	}
	errs = append(errs, validateBackoff("session.abnormal_backoff", s.AbnormalBackoff)...)
	errs = append(errs, validateBackoff("session.transport_backoff", s.TransportBackoff)...)
	if s.Jitter < 0 {
		errs = append(errs, fmt.Errorf("session.jitter %s must not be negative", s.Jitter))
	}

	// Audio
	a := cfg.Audio
	if a.Backend != "" && !a.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("audio.backend %q is invalid; valid values: ffmpeg, none", a.Backend))
	}
	if a.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must not be negative", a.SampleRate))
	} else if a.SampleRate != 0 && a.SampleRate != DefaultSampleRate {
		slog.Warn("audio.sample_rate differs from the upstream rate; audio may play at the wrong speed",
			"sample_rate", a.SampleRate,
			"upstream_rate", DefaultSampleRate,
		)
	}
	if a.FrameSize < 0 {
		errs = append(errs, fmt.Errorf("audio.frame_size %d must not be negative", a.FrameSize))
	}
	if a.Volume < 0 || a.Volume > 100 {
		errs = append(errs, fmt.Errorf("audio.volume %d is out of range [0, 100]", a.Volume))
	}

	// Bootstrap
	b := cfg.Bootstrap
	if b.BaseURL != "" && !isHTTPURL(b.BaseURL) {
		errs = append(errs, fmt.Errorf("bootstrap.base_url %q must be an http:// or https:// URL", b.BaseURL))
	}
	if b.BaseURL == "" && len(b.FallbackURLs) > 0 {
		errs = append(errs, errors.New("bootstrap.fallback_urls requires bootstrap.base_url"))
	}
	for i, fu := range b.FallbackURLs {
		if !isHTTPURL(fu) {
			errs = append(errs, fmt.Errorf("bootstrap.fallback_urls[%d] %q must be an http:// or https:// URL", i, fu))
		}
	}
	if b.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("bootstrap.max_failures %d must not be negative", b.MaxFailures))
	}

	// Journal
	if cfg.Journal.DSN == "" {
		slog.Debug("journal.dsn is empty; connection attempts are kept in memory only")
	}

	return errors.Join(errs...)
}

func validateBackoff(prefix string, b BackoffConfig) []error {
	var errs []error
	if b.Base <= 0 {
		errs = append(errs, fmt.Errorf("%s.base %s must be positive", prefix, b.Base))
	}
	if b.Growth < 1 {
		errs = append(errs, fmt.Errorf("%s.growth %.2f must be at least 1", prefix, b.Growth))
	}
	if b.Cap < b.Base {
		errs = append(errs, fmt.Errorf("%s.cap %s must not be below base %s", prefix, b.Cap, b.Base))
	}
	return errs
}

func isHTTPURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func isLoopback(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
