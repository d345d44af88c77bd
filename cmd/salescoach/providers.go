package main

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/salescoach/internal/app"
	"github.com/MrWong99/salescoach/internal/config"
	"github.com/MrWong99/salescoach/pkg/provider/llm"
	"github.com/MrWong99/salescoach/pkg/provider/llm/anyllm"
	oallm "github.com/MrWong99/salescoach/pkg/provider/llm/openai"
	"github.com/MrWong99/salescoach/pkg/provider/stt"
	oastt "github.com/MrWong99/salescoach/pkg/provider/stt/openai"
	"github.com/MrWong99/salescoach/pkg/provider/stt/whisper"
)

// registerBuiltinProviders adds every compiled-in provider to reg. The
// native OpenAI client serves "openai"; any-llm-go serves the other LLM
// backends.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterLLM("openai", newOpenAILLM)
	for _, name := range anyllm.SupportedProviders() {
		if name == "openai" {
			continue
		}
		reg.RegisterLLM(name, func(e config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if e.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(e.APIKey))
			}
			if e.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(e.BaseURL))
			}
			return anyllm.New(name, e.Model, opts...)
		})
	}

	reg.RegisterSTT("openai", newOpenAISTT)
	reg.RegisterSTT("whisper", newWhisperSTT)

	slog.Debug("providers registered", "llm", reg.Names("llm"), "stt", reg.Names("stt"))
}

func newOpenAILLM(e config.ProviderEntry) (llm.Provider, error) {
	var opts []oallm.Option
	if e.BaseURL != "" {
		opts = append(opts, oallm.WithBaseURL(e.BaseURL))
	}
	if org := optString(e.Options, "organization"); org != "" {
		opts = append(opts, oallm.WithOrganization(org))
	}
	if d := optDuration(e.Options, "timeout"); d > 0 {
		opts = append(opts, oallm.WithTimeout(d))
	}
	if n, ok := optInt(e.Options, "max_retries"); ok {
		opts = append(opts, oallm.WithMaxRetries(n))
	}
	return oallm.New(e.APIKey, e.Model, opts...)
}

func newOpenAISTT(e config.ProviderEntry) (stt.Transcriber, error) {
	var opts []oastt.Option
	if e.BaseURL != "" {
		opts = append(opts, oastt.WithBaseURL(e.BaseURL))
	}
	if lang := optString(e.Options, "language"); lang != "" {
		opts = append(opts, oastt.WithLanguage(lang))
	}
	if d := optDuration(e.Options, "timeout"); d > 0 {
		opts = append(opts, oastt.WithTimeout(d))
	}
	return oastt.New(e.APIKey, e.Model, opts...)
}

func newWhisperSTT(e config.ProviderEntry) (stt.Transcriber, error) {
	var opts []whisper.Option
	if e.Model != "" {
		opts = append(opts, whisper.WithModel(e.Model))
	}
	if lang := optString(e.Options, "language"); lang != "" {
		opts = append(opts, whisper.WithLanguage(lang))
	}
	return whisper.New(e.BaseURL, opts...)
}

// buildProviders creates the providers cfg names. Fallbacks are optional.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	pc := cfg.Providers
	ps := &app.Providers{}

	llms := []struct {
		slot     string
		entry    config.ProviderEntry
		dst      *llm.Provider
		optional bool
	}{
		{"llm", pc.LLM, &ps.LLM, false},
		{"llm_fallback", pc.LLMFallback, &ps.LLMFallback, true},
	}
	for _, s := range llms {
		if s.optional && !s.entry.IsSet() {
			continue
		}
		p, err := reg.CreateLLM(s.entry)
		if err != nil {
			return nil, explain(reg, "llm", s.slot, err)
		}
		*s.dst = p
		slog.Info("provider created", "slot", s.slot, "name", s.entry.Name, "model", s.entry.Model)
	}

	stts := []struct {
		slot     string
		entry    config.ProviderEntry
		dst      *stt.Transcriber
		optional bool
	}{
		{"stt", pc.STT, &ps.STT, false},
		{"stt_fallback", pc.STTFallback, &ps.STTFallback, true},
	}
	for _, s := range stts {
		if s.optional && !s.entry.IsSet() {
			continue
		}
		t, err := reg.CreateSTT(s.entry)
		if err != nil {
			return nil, explain(reg, "stt", s.slot, err)
		}
		*s.dst = t
		slog.Info("provider created", "slot", s.slot, "name", s.entry.Name, "model", s.entry.Model)
	}
	return ps, nil
}

// explain adds the registered names to a lookup failure.
func explain(reg *config.Registry, kind, slot string, err error) error {
	if errors.Is(err, config.ErrProviderNotRegistered) {
		return fmt.Errorf("providers.%s: %w (available: %v)", slot, err, reg.Names(kind))
	}
	return fmt.Errorf("providers.%s: %w", slot, err)
}

func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optDuration reads a duration such as "30s". Missing or malformed values
// yield 0.
func optDuration(opts map[string]any, key string) time.Duration {
	d, _ := time.ParseDuration(optString(opts, key))
	return d
}

// optInt accepts the int YAML decodes into as well as a float64 from JSON.
func optInt(opts map[string]any, key string) (int, bool) {
	switch v := opts[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}
