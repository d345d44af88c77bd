package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/salescoach/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{ListenAddr: ":8080", LogLevel: config.LogInfo},
		Providers: config.ProvidersConfig{
			LLM: config.ProviderEntry{Name: "openai", Model: "gpt-4o-mini"},
			STT: config.ProviderEntry{Name: "whisper"},
		},
		Auth: config.AuthConfig{JWTSecret: "s3cret"},
		Coaching: config.CoachingConfig{
			Cooldown:      5 * time.Second,
			BuyingSignals: []string{"contrato"},
		},
	}
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	d := config.Diff(baseConfig(), baseConfig())
	if !d.Empty() {
		t.Errorf("expected empty diff, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	next := baseConfig()
	next.Server.LogLevel = config.LogDebug

	d := config.Diff(baseConfig(), next)
	if !d.LogLevelChanged {
		t.Fatal("expected LogLevelChanged")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("NewLogLevel: got %q, want %q", d.NewLogLevel, config.LogDebug)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("log level alone should not require a restart, got %v", d.RestartRequired)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	next := baseConfig()
	next.Server.ListenAddr = ":9090"
	next.Providers.LLM.Model = "gpt-4o"
	next.Coaching.BuyingSignals = append(next.Coaching.BuyingSignals, "boleto")
	next.Redis.URL = "redis://cache:6379"

	d := config.Diff(baseConfig(), next)
	want := []string{"coaching", "providers.llm", "redis", "server"}
	if !slices.Equal(d.RestartRequired, want) {
		t.Errorf("RestartRequired: got %v, want %v", d.RestartRequired, want)
	}
	if d.LogLevelChanged {
		t.Error("LogLevelChanged should be false")
	}
}
