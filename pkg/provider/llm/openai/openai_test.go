package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/salescoach/pkg/provider/llm"
	"github.com/MrWong99/salescoach/pkg/types"
)

// completionServer answers every chat completion with the given choice and
// records the last request body.
func completionServer(t *testing.T, finish, content, refusal string) (*httptest.Server, *map[string]any) {
	t.Helper()
	var last map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &last)

		msg := map[string]any{"role": "assistant", "content": content}
		if refusal != "" {
			msg["refusal"] = refusal
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   "gpt-4o-mini",
			"choices": []any{map[string]any{"index": 0, "finish_reason": finish, "message": msg}},
			"usage":   map[string]any{"prompt_tokens": 40, "completion_tokens": 7, "total_tokens": 47},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &last
}

func coachingRequest() llm.CompletionRequest {
	return llm.CompletionRequest{
		SystemPrompt:   "You coach sellers.",
		ResponseSchema: `{"skip": bool}`,
		Messages:       []types.Message{{Role: "user", Content: "Cliente: está caro"}},
		Temperature:    0.4,
		MaxTokens:      400,
	}
}

func TestComplete(t *testing.T) {
	srv, last := completionServer(t, "stop", `{"skip":true}`, "")
	p, err := New("sk-test", "gpt-4o-mini", WithBaseURL(srv.URL+"/v1/"), WithMaxRetries(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	resp, err := p.Complete(context.Background(), coachingRequest())
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != `{"skip":true}` {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Usage.TotalTokens != 47 || resp.Usage.PromptTokens != 40 {
		t.Errorf("usage = %+v", resp.Usage)
	}

	body := *last
	if body["model"] != "gpt-4o-mini" {
		t.Errorf("model sent = %v", body["model"])
	}
	if rf, _ := body["response_format"].(map[string]any); rf["type"] != "json_object" {
		t.Errorf("response_format = %v, want json_object", body["response_format"])
	}
	msgs, _ := body["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("messages sent = %d, want system + user", len(msgs))
	}
	sys, _ := msgs[0].(map[string]any)
	if s, _ := sys["content"].(string); !strings.Contains(s, `{"skip": bool}`) {
		t.Errorf("system prompt %q lacks the schema", s)
	}
}

func TestComplete_RejectedAnswers(t *testing.T) {
	tests := []struct {
		name    string
		finish  string
		refusal string
		want    error
	}{
		{name: "truncated", finish: "length", want: ErrTruncated},
		{name: "refused", finish: "stop", refusal: "I can't help with that", want: ErrRefused},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := completionServer(t, tt.finish, `{"skip":`, tt.refusal)
			p, err := New("sk-test", "gpt-4o", WithBaseURL(srv.URL+"/v1/"), WithMaxRetries(0))
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			_, err = p.Complete(context.Background(), coachingRequest())
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestComplete_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	p, _ := New("sk-bad", "gpt-4o", WithBaseURL(srv.URL+"/v1/"), WithMaxRetries(0))
	if _, err := p.Complete(context.Background(), coachingRequest()); err == nil {
		t.Fatal("expected error for 401")
	}
}

func TestToParam(t *testing.T) {
	for _, role := range []string{"system", "user", "assistant"} {
		p, err := toParam(types.Message{Role: role, Content: "oi"})
		if err != nil {
			t.Fatalf("%s: %v", role, err)
		}
		ok := map[string]bool{
			"system":    p.OfSystem != nil,
			"user":      p.OfUser != nil,
			"assistant": p.OfAssistant != nil,
		}[role]
		if !ok {
			t.Errorf("%s converted to the wrong union member", role)
		}
	}
	if _, err := toParam(types.Message{Role: "tool"}); err == nil {
		t.Error("expected error for unknown role")
	}
}

func TestLookupCapabilities(t *testing.T) {
	tests := []struct {
		model     string
		json      bool
		ctxWindow int
		maxOutput int
	}{
		{"gpt-4o-mini", true, 128_000, 16_384},
		{"GPT-4.1-nano", true, 1_047_576, 32_768},
		{"gpt-4-turbo", true, 128_000, 4_096},
		{"gpt-4", false, 8_192, 4_096},
		{"o1-mini", false, 128_000, 65_536},
		{"o3-mini", true, 200_000, 100_000},
		{"qwen2.5:7b", true, 128_000, 4_096},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			c := lookupCapabilities(tt.model)
			if c.SupportsJSONMode != tt.json || c.ContextWindow != tt.ctxWindow || c.MaxOutputTokens != tt.maxOutput {
				t.Errorf("caps = %+v", c)
			}
		})
	}
}

func TestParams_NoJSONModeForOldModels(t *testing.T) {
	p, _ := New("sk-test", "gpt-4")
	params, err := p.params(coachingRequest())
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	if params.ResponseFormat.OfJSONObject != nil {
		t.Error("gpt-4 got a JSON response format")
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("expected error for empty API key")
	}
	if _, err := New("sk-test", ""); err == nil {
		t.Error("expected error for empty model")
	}
}
