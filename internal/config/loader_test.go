package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/tutorlink/internal/config"
)

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
		want []string // substrings expected in the error; nil means valid
	}{
		{
			name: "minimal",
			yaml: "upstream:\n  url: wss://voice.example.com\n",
		},
		{
			name: "missing upstream url",
			yaml: "server:\n  log_level: info\n",
			want: []string{"upstream.url is required"},
		},
		{
			name: "http upstream",
			yaml: "upstream:\n  url: https://voice.example.com\n",
			want: []string{"ws:// or wss://"},
		},
		{
			name: "bad log level",
			yaml: "server:\n  log_level: loud\nupstream:\n  url: wss://x.example\n",
			want: []string{"server.log_level"},
		},
		{
			name: "timeout not above interval",
			yaml: `
upstream:
  url: wss://x.example
session:
  heartbeat_interval: 30s
  heartbeat_timeout: 30s
`,
			want: []string{"heartbeat_timeout"},
		},
		{
			name: "bad backoff",
			yaml: `
upstream:
  url: wss://x.example
session:
  transport_backoff:
    base: 4s
    growth: 0.5
    cap: 1s
`,
			want: []string{"transport_backoff.growth", "transport_backoff.cap"},
		},
		{
			name: "negative retries",
			yaml: "upstream:\n  url: wss://x.example\nsession:\n  max_retries: -1\n",
			want: []string{"session.max_retries"},
		},
		{
			name: "unknown backend",
			yaml: "upstream:\n  url: wss://x.example\naudio:\n  backend: portaudio\n",
			want: []string{"audio.backend"},
		},
		{
			name: "volume out of range",
			yaml: "upstream:\n  url: wss://x.example\naudio:\n  volume: 140\n",
			want: []string{"audio.volume"},
		},
		{
			name: "bootstrap not http",
			yaml: "upstream:\n  url: wss://x.example\nbootstrap:\n  base_url: ftp://api.example\n",
			want: []string{"bootstrap.base_url"},
		},
		{
			name: "all problems reported together",
			yaml: `
server:
  log_level: loud
audio:
  backend: portaudio
`,
			want: []string{"server.log_level", "upstream.url", "audio.backend"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if tt.want == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			for _, w := range tt.want {
				if !strings.Contains(err.Error(), w) {
					t.Errorf("error should mention %q, got: %v", w, err)
				}
			}
		})
	}
}

func TestValidate_DirectStruct(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Upstream: config.UpstreamConfig{URL: "wss://voice.example.com"}}
	cfg.ApplyDefaults()
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}

	cfg.Session.HeartbeatTimeout = 10 * time.Second
	if err := config.Validate(cfg); err == nil {
		t.Error("expected error for heartbeat timeout below interval")
	}
}

func TestLoadFromReader_Empty(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(""))
	if err == nil || !strings.Contains(err.Error(), "upstream.url is required") {
		t.Errorf("empty config err = %v, want upstream.url is required", err)
	}
}
