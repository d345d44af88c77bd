package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only the log level is applied live; every other changed section is
// reported in RestartRequired so the operator can be told.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired lists the dotted names of changed settings that only
	// take effect after a restart, in a stable order.
	RestartRequired []string
}

// Empty reports whether the two configs were equivalent.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""

	sections := []struct {
		name     string
		old, new any
	}{
		{"server", oldServer, newServer},
		{"providers.llm", old.Providers.LLM, new.Providers.LLM},
		{"providers.llm_fallback", old.Providers.LLMFallback, new.Providers.LLMFallback},
		{"providers.stt", old.Providers.STT, new.Providers.STT},
		{"providers.stt_fallback", old.Providers.STTFallback, new.Providers.STTFallback},
		{"auth", old.Auth, new.Auth},
		{"redis", old.Redis, new.Redis},
		{"database", old.Database, new.Database},
		{"coaching", old.Coaching, new.Coaching},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	slices.Sort(d.RestartRequired)
	return d
}
