package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// KnownProviders lists the built-in provider names per kind. [Validate]
// only warns about other names since third-party factories may register
// them at startup.
var KnownProviders = map[string][]string{
	"llm": {"anthropic", "deepseek", "gemini", "groq", "llamacpp", "llamafile", "mistral", "ollama", "openai"},
	"stt": {"openai", "whisper"},
}

// Load reads and validates the YAML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader is [Load] for an already opened source.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	return parse(data)
}

func parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// problems accumulates validation failures.
type problems []error

func (p *problems) addf(format string, args ...any) {
	*p = append(*p, fmt.Errorf(format, args...))
}

// Validate reports every invalid setting in cfg as one joined error.
// Missing optional backends are logged, not rejected.
func Validate(cfg *Config) error {
	var p problems

	srv := cfg.Server
	if srv.LogLevel != "" && !srv.LogLevel.IsValid() {
		p.addf("server.log_level %q is invalid; valid values: debug, info, warn, error", srv.LogLevel)
	}
	if srv.TLS != nil && (srv.TLS.CertFile == "" || srv.TLS.KeyFile == "") {
		p.addf("server.tls requires both cert_file and key_file")
	}

	for _, slot := range []struct {
		path, kind string
		entry      ProviderEntry
		required   bool
	}{
		{"providers.llm", "llm", cfg.Providers.LLM, true},
		{"providers.llm_fallback", "llm", cfg.Providers.LLMFallback, false},
		{"providers.stt", "stt", cfg.Providers.STT, true},
		{"providers.stt_fallback", "stt", cfg.Providers.STTFallback, false},
	} {
		switch {
		case !slot.entry.IsSet():
			if slot.required {
				p.addf("%s is required", slot.path)
			}
		case !slices.Contains(KnownProviders[slot.kind], slot.entry.Name):
			slog.Warn("unknown provider name; it must be registered before startup",
				"setting", slot.path, "name", slot.entry.Name, "known", KnownProviders[slot.kind])
		}
	}

	if cfg.Auth.JWTSecret == "" {
		p.addf("auth.jwt_secret is required")
	}
	if cfg.Auth.Leeway < 0 {
		p.addf("auth.leeway %s must not be negative", cfg.Auth.Leeway)
	}

	if cfg.Redis.URL == "" {
		slog.Warn("redis.url is empty; cache and pub/sub are local to this instance")
	}
	if cfg.Database.PostgresDSN == "" {
		slog.Warn("database.postgres_dsn is empty; calls are kept in memory and lost on restart")
	}

	validateCoaching(&p, cfg.Coaching)
	return errors.Join(p...)
}

func validateCoaching(p *problems, c CoachingConfig) {
	durations := []struct {
		name string
		d    time.Duration
	}{
		{"cooldown", c.Cooldown},
		{"check_in_interval", c.CheckInInterval},
		{"summary_interval", c.SummaryInterval},
		{"dedup_window", c.DedupWindow},
		{"session_ttl", c.SessionTTL},
		{"media_header_ttl", c.MediaHeaderTTL},
		{"checkpoint_interval", c.CheckpointInterval},
	}
	for _, d := range durations {
		if d.d < 0 {
			p.addf("coaching.%s %s must not be negative", d.name, d.d)
		}
	}
	if c.CheckInInterval > 0 && c.Cooldown > 0 && c.CheckInInterval <= c.Cooldown {
		p.addf("coaching.check_in_interval %s must be longer than coaching.cooldown %s", c.CheckInInterval, c.Cooldown)
	}
	if c.PromptTurns < 0 {
		p.addf("coaching.prompt_turns must not be negative")
	}
	if c.SummaryTurns < 0 {
		p.addf("coaching.summary_turns must not be negative")
	}
	if c.ObjectionThreshold < 0 || c.ObjectionThreshold >= 1 {
		p.addf("coaching.objection_threshold %.2f is out of range [0, 1)", c.ObjectionThreshold)
	}
}
