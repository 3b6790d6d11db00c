package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked: the log level
// applies immediately, session settings apply to the next consultation.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged is true if any session setting changed.
	SessionChanged bool

	// StatusChanged is true if only the user-facing strings changed.
	StatusChanged bool

	// RestartRequired lists sections that changed but only take effect after
	// a restart (transport, audio, server).
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Session
	if old.Session.Status != new.Session.Status {
		d.StatusChanged = true
	}
	oldSess, newSess := old.Session, new.Session
	oldSess.Status, newSess.Status = StatusConfig{}, StatusConfig{}
	if oldSess != newSess || d.StatusChanged {
		d.SessionChanged = true
	}

	// Restart-only sections
	if !sameEntry(old.Transport, new.Transport) || !slices.EqualFunc(old.Fallbacks, new.Fallbacks, sameEntry) || old.Breaker != new.Breaker {
		d.RestartRequired = append(d.RestartRequired, "transport")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Server.ListenAddr != new.Server.ListenAddr || !sameTLS(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}

	return d
}

// sameEntry compares two provider entries, ignoring Options.
func sameEntry(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL && a.Model == b.Model
}

func sameTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
