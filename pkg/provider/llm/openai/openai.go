// Package openai implements llm.Provider on the OpenAI chat completions API
// and on servers that speak the same protocol (set a base URL).
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/salescoach/pkg/provider/llm"
	"github.com/MrWong99/salescoach/pkg/types"
)

var (
	// ErrRefused is returned when the model declined to answer.
	ErrRefused = errors.New("openai: model refused")

	// ErrTruncated is returned when the answer hit the token limit. A cut
	// JSON document is useless to the caller, so it is not returned.
	ErrTruncated = errors.New("openai: completion truncated")
)

// defaultMaxRetries keeps SDK retries short; provider failover happens
// above this package.
const defaultMaxRetries = 1

// Provider implements llm.Provider.
type Provider struct {
	client oai.Client
	model  string
	caps   types.ModelCapabilities
}

var _ llm.Provider = (*Provider)(nil)

type settings struct {
	baseURL      string
	organization string
	timeout      time.Duration
	maxRetries   int
	httpClient   *http.Client
}

// Option configures a [Provider].
type Option func(*settings)

// WithBaseURL points the client at an OpenAI compatible server.
func WithBaseURL(url string) Option {
	return func(s *settings) { s.baseURL = url }
}

// WithOrganization sets the OpenAI-Organization header.
func WithOrganization(org string) Option {
	return func(s *settings) { s.organization = org }
}

// WithTimeout bounds each HTTP request.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) { s.timeout = d }
}

// WithMaxRetries sets how often the SDK retries a failed request.
func WithMaxRetries(n int) Option {
	return func(s *settings) { s.maxRetries = n }
}

// WithHTTPClient replaces the HTTP client. A timeout from [WithTimeout] is
// applied to a copy of it.
func WithHTTPClient(c *http.Client) Option {
	return func(s *settings) { s.httpClient = c }
}

// New returns a provider for model authenticated with apiKey.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}
	if model == "" {
		return nil, errors.New("openai: model must not be empty")
	}

	s := settings{maxRetries: defaultMaxRetries}
	for _, o := range opts {
		o(&s)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(s.maxRetries),
	}
	if s.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(s.baseURL))
	}
	if s.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(s.organization))
	}
	if s.httpClient != nil || s.timeout > 0 {
		hc := &http.Client{}
		if s.httpClient != nil {
			copied := *s.httpClient
			hc = &copied
		}
		if s.timeout > 0 {
			hc.Timeout = s.timeout
		}
		reqOpts = append(reqOpts, option.WithHTTPClient(hc))
	}

	return &Provider{
		client: oai.NewClient(reqOpts...),
		model:  model,
		caps:   lookupCapabilities(model),
	}, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	params, err := p.params(req)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: response has no choices")
	}

	choice := resp.Choices[0]
	if choice.Message.Refusal != "" {
		return nil, fmt.Errorf("%w: %s", ErrRefused, choice.Message.Refusal)
	}
	if choice.FinishReason == "length" {
		return nil, fmt.Errorf("%w after %d tokens", ErrTruncated, resp.Usage.CompletionTokens)
	}

	return &llm.CompletionResponse{
		Content: choice.Message.Content,
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() types.ModelCapabilities {
	return p.caps
}

// capabilityRules is matched by prefix in order, so longer prefixes of a
// family come first.
var capabilityRules = []struct {
	prefix string
	caps   types.ModelCapabilities
}{
	{"gpt-4.1", types.ModelCapabilities{SupportsJSONMode: true, ContextWindow: 1_047_576, MaxOutputTokens: 32_768}},
	{"gpt-4o", types.ModelCapabilities{SupportsJSONMode: true, ContextWindow: 128_000, MaxOutputTokens: 16_384}},
	{"gpt-4-turbo", types.ModelCapabilities{SupportsJSONMode: true, ContextWindow: 128_000, MaxOutputTokens: 4_096}},
	{"gpt-4", types.ModelCapabilities{ContextWindow: 8_192, MaxOutputTokens: 4_096}},
	{"gpt-3.5-turbo", types.ModelCapabilities{SupportsJSONMode: true, ContextWindow: 16_385, MaxOutputTokens: 4_096}},
	{"o1-mini", types.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 65_536}},
	{"o1", types.ModelCapabilities{SupportsJSONMode: true, ContextWindow: 200_000, MaxOutputTokens: 100_000}},
	{"o3", types.ModelCapabilities{SupportsJSONMode: true, ContextWindow: 200_000, MaxOutputTokens: 100_000}},
	{"o4", types.ModelCapabilities{SupportsJSONMode: true, ContextWindow: 200_000, MaxOutputTokens: 100_000}},
}

// unknownModel is assumed for models not in capabilityRules, typically a
// compatible server's local model.
var unknownModel = types.ModelCapabilities{SupportsJSONMode: true, ContextWindow: 128_000, MaxOutputTokens: 4_096}

func lookupCapabilities(model string) types.ModelCapabilities {
	lower := strings.ToLower(model)
	for _, r := range capabilityRules {
		if strings.HasPrefix(lower, r.prefix) {
			return r.caps
		}
	}
	return unknownModel
}

func (p *Provider) params(req llm.CompletionRequest) (oai.ChatCompletionNewParams, error) {
	msgs := make([]oai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if sys := llm.SystemPromptWithSchema(req); sys != "" {
		msgs = append(msgs, oai.SystemMessage(sys))
	}
	for _, m := range req.Messages {
		msg, err := toParam(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		msgs = append(msgs, msg)
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: msgs,
	}
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	if req.ResponseSchema != "" && p.caps.SupportsJSONMode {
		params.ResponseFormat = oai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}
	return params, nil
}

func toParam(m types.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case "system":
		return oai.SystemMessage(m.Content), nil
	case "user":
		return oai.UserMessage(m.Content), nil
	case "assistant":
		return oai.AssistantMessage(m.Content), nil
	}
	return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai: unknown message role %q", m.Role)
}
