// Package anyllm implements llm.Provider on top of
// github.com/mozilla-ai/any-llm-go, which speaks to Anthropic, Gemini,
// Ollama, DeepSeek, Mistral, Groq, llama.cpp, llamafile and OpenAI through
// one interface.
//
//	p, err := anyllm.New("anthropic", "claude-3-5-haiku-latest", anyllmlib.WithAPIKey(key))
package anyllm

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/salescoach/pkg/provider/llm"
	"github.com/MrWong99/salescoach/pkg/types"
)

// ErrTruncated is returned when the answer hit the token limit.
var ErrTruncated = errors.New("anyllm: completion truncated")

type constructor func(...anyllmlib.Option) (anyllmlib.Provider, error)

// wrap adapts a backend constructor returning a concrete type.
func wrap[P anyllmlib.Provider](fn func(...anyllmlib.Option) (P, error)) constructor {
	return func(opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
		return fn(opts...)
	}
}

var backends = map[string]constructor{
	"anthropic": wrap(anthropic.New),
	"deepseek":  wrap(deepseek.New),
	"gemini":    wrap(gemini.New),
	"groq":      wrap(groq.New),
	"llamacpp":  wrap(llamacpp.New),
	"llamafile": wrap(llamafile.New),
	"mistral":   wrap(mistral.New),
	"ollama":    wrap(ollama.New),
	"openai":    wrap(anyllmoai.New),
}

// SupportedProviders returns the backend names accepted by [New], sorted.
func SupportedProviders() []string {
	return slices.Sorted(maps.Keys(backends))
}

// Provider implements llm.Provider.
type Provider struct {
	backend anyllmlib.Provider
	name    string
	model   string
}

var _ llm.Provider = (*Provider)(nil)

// New returns a provider for model on the named backend. Without an API key
// option the backend reads its usual environment variable.
func New(backendName, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if model == "" {
		return nil, errors.New("anyllm: model must not be empty")
	}
	name := strings.ToLower(backendName)
	ctor, ok := backends[name]
	if !ok {
		return nil, fmt.Errorf("anyllm: unsupported backend %q; supported: %s",
			backendName, strings.Join(SupportedProviders(), ", "))
	}
	backend, err := ctor(opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %s backend: %w", name, err)
	}
	return &Provider{backend: backend, name: name, model: model}, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, err := p.backend.Completion(ctx, p.params(req))
	if err != nil {
		return nil, fmt.Errorf("anyllm: %s completion: %w", p.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("anyllm: %s response has no choices", p.name)
	}
	choice := resp.Choices[0]
	if choice.FinishReason == "length" {
		return nil, ErrTruncated
	}

	out := &llm.CompletionResponse{Content: choice.Message.ContentString()}
	if u := resp.Usage; u != nil {
		out.Usage = llm.Usage{
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			TotalTokens:      u.TotalTokens,
		}
	}
	return out, nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() types.ModelCapabilities {
	return lookupCapabilities(p.model)
}

// params builds the request. JSON output is asked for in the system prompt
// only, because response formats are not portable across backends.
func (p *Provider) params(req llm.CompletionRequest) anyllmlib.CompletionParams {
	msgs := make([]anyllmlib.Message, 0, len(req.Messages)+1)
	if sys := llm.SystemPromptWithSchema(req); sys != "" {
		msgs = append(msgs, anyllmlib.Message{Role: anyllmlib.RoleSystem, Content: sys})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, anyllmlib.Message{Role: m.Role, Content: m.Content})
	}

	params := anyllmlib.CompletionParams{Model: p.model, Messages: msgs}
	if req.Temperature != 0 {
		params.Temperature = &req.Temperature
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = &req.MaxTokens
	}
	return params
}

// capabilityRules is matched in order against the lowercased model name.
var capabilityRules = []struct {
	match func(string) bool
	caps  types.ModelCapabilities
}{
	{prefix("gpt-4o"), types.ModelCapabilities{SupportsJSONMode: true, ContextWindow: 128_000, MaxOutputTokens: 16_384}},
	{prefix("gpt-3.5-turbo"), types.ModelCapabilities{SupportsJSONMode: true, ContextWindow: 16_385, MaxOutputTokens: 4_096}},
	{prefix("claude"), types.ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 8_192}},
	{contains("gemini-1.5-pro"), types.ModelCapabilities{ContextWindow: 2_097_152, MaxOutputTokens: 8_192}},
	{prefix("gemini"), types.ModelCapabilities{ContextWindow: 1_048_576, MaxOutputTokens: 8_192}},
	{prefix("deepseek"), types.ModelCapabilities{ContextWindow: 64_000, MaxOutputTokens: 8_192}},
	{prefix("mistral-large"), types.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 8_192}},
}

var defaultCapabilities = types.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 4_096}

func prefix(p string) func(string) bool {
	return func(s string) bool { return strings.HasPrefix(s, p) }
}

func contains(sub string) func(string) bool {
	return func(s string) bool { return strings.Contains(s, sub) }
}

func lookupCapabilities(model string) types.ModelCapabilities {
	lower := strings.ToLower(model)
	for _, r := range capabilityRules {
		if r.match(lower) {
			return r.caps
		}
	}
	return defaultCapabilities
}
