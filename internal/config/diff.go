package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// is reported through RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged is true when any reconnect or heartbeat value changed.
	SessionChanged bool

	// RestartRequired lists the sections whose changes only take effect
	// after a restart.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.SessionChanged = old.Session != new.Session

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !sameUpstream(old.Upstream, new.Upstream) {
		d.RestartRequired = append(d.RestartRequired, "upstream")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if !sameBootstrap(old.Bootstrap, new.Bootstrap) {
		d.RestartRequired = append(d.RestartRequired, "bootstrap")
	}
	if old.Journal != new.Journal {
		d.RestartRequired = append(d.RestartRequired, "journal")
	}
	if old.Observe != new.Observe {
		d.RestartRequired = append(d.RestartRequired, "observe")
	}
	return d
}

func sameUpstream(a, b UpstreamConfig) bool {
	if a.URL != b.URL || a.OpenTimeout != b.OpenTimeout || len(a.Headers) != len(b.Headers) {
		return false
	}
	for k, v := range a.Headers {
		if bv, ok := b.Headers[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

func sameBootstrap(a, b BootstrapConfig) bool {
	return slices.Equal(a.FallbackURLs, b.FallbackURLs) &&
		a.BaseURL == b.BaseURL &&
		a.APIKey == b.APIKey &&
		a.Timeout == b.Timeout &&
		a.SpecialtyFocus == b.SpecialtyFocus &&
		a.SessionType == b.SessionType &&
		a.MaxFailures == b.MaxFailures &&
		a.ResetTimeout == b.ResetTimeout
}
