// Package llm defines the Provider interface for Large Language Model backends.
//
// An LLM provider wraps a remote or local model API (e.g., OpenAI, Anthropic or
// a local Ollama instance) and exposes a uniform completion call so the coaching
// pipeline can request structured JSON answers without coupling to any SDK.
//
// Implementors must be safe for concurrent use.
package llm

import (
	"context"
	"strings"

	"github.com/MrWong99/salescoach/pkg/types"
)

// Usage holds token accounting information returned by the LLM backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the LLM needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// SystemPrompt is the high-priority instruction injected before Messages.
	SystemPrompt string

	// Messages is the ordered conversation. The last message drives the
	// response.
	Messages []types.Message

	// ResponseSchema is a human-readable description of the JSON document the
	// model must return. When set, providers append it to the system prompt
	// and, where the backend supports it, force JSON output.
	ResponseSchema string

	// Temperature controls output randomness in the range [0.0, 2.0].
	Temperature float64

	// MaxTokens caps the number of completion tokens. Zero means provider
	// default.
	MaxTokens int
}

// CompletionResponse is returned by Complete.
type CompletionResponse struct {
	// Content is the full text of the assistant's reply.
	Content string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	// Returns an error if the request fails or ctx is cancelled.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Capabilities returns static metadata describing the underlying model.
	Capabilities() types.ModelCapabilities
}

// SystemPromptWithSchema returns req.SystemPrompt with the response schema
// instructions appended. Providers without a native JSON mode rely on this
// alone.
func SystemPromptWithSchema(req CompletionRequest) string {
	if req.ResponseSchema == "" {
		return req.SystemPrompt
	}
	return req.SystemPrompt + "\n\nRespond with a single JSON object and nothing else. Schema:\n" + req.ResponseSchema
}

// ExtractJSON returns the outermost JSON object in content, dropping Markdown
// code fences and any prose around it. It returns content unchanged when no
// object delimiters are found, so the caller's decoder reports the error.
func ExtractJSON(content string) string {
	start := strings.IndexByte(content, '{')
	end := strings.LastIndexByte(content, '}')
	if start < 0 || end < start {
		return content
	}
	return content[start : end+1]
}
