package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/salescoach/pkg/provider/llm"
	llmmock "github.com/MrWong99/salescoach/pkg/provider/llm/mock"
	"github.com/MrWong99/salescoach/pkg/provider/stt"
	sttmock "github.com/MrWong99/salescoach/pkg/provider/stt/mock"
	"github.com/MrWong99/salescoach/pkg/types"
)

func TestLLM_Complete(t *testing.T) {
	primary := &llmmock.Provider{
		Err:  errors.New("rate limited"),
		Caps: types.ModelCapabilities{ContextWindow: 128000},
	}
	secondary := &llmmock.Provider{
		Reply: &llm.CompletionResponse{Content: `{"skip":true}`},
	}

	var failed []string
	l := NewLLM(Policy{
		Kind: "llm",
		OnAttempt: func(a Attempt) {
			if a.Err != nil {
				failed = append(failed, a.Provider)
			}
		},
	}, "openai", primary)
	l.AddFallback("anthropic", secondary)

	resp, err := l.Complete(context.Background(), llm.CompletionRequest{SystemPrompt: "coach"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != `{"skip":true}` {
		t.Errorf("content = %q", resp.Content)
	}
	if primary.CallCount() != 1 || secondary.CallCount() != 1 {
		t.Errorf("calls primary=%d secondary=%d, want 1/1", primary.CallCount(), secondary.CallCount())
	}
	if got := secondary.Requests()[0].SystemPrompt; got != "coach" {
		t.Errorf("fallback saw system prompt %q", got)
	}
	if len(failed) != 1 || failed[0] != "openai" {
		t.Errorf("failed attempts = %v, want [openai]", failed)
	}
	if got := l.Capabilities().ContextWindow; got != 128000 {
		t.Errorf("Capabilities().ContextWindow = %d, want the primary's", got)
	}
	if err := l.Healthy(context.Background()); err != nil {
		t.Errorf("Healthy: %v", err)
	}
}

func TestTranscriber_Transcribe(t *testing.T) {
	primary := &sttmock.Transcriber{Err: errors.New("503")}
	secondary := &sttmock.Transcriber{Text: "está caro"}

	tr := NewTranscriber(Policy{Kind: "stt", Breaker: BreakerConfig{Threshold: 1}}, "openai", primary)
	tr.AddFallback("whisper", secondary)

	req := stt.Request{Audio: []byte{1, 2, 3}, Language: "pt"}
	for range 2 {
		text, err := tr.Transcribe(context.Background(), req)
		if err != nil || text != "está caro" {
			t.Fatalf("Transcribe = (%q, %v)", text, err)
		}
	}
	// The primary's breaker opened after the first failure.
	if primary.CallCount() != 1 {
		t.Errorf("primary calls = %d, want 1", primary.CallCount())
	}
	if got := secondary.Requests()[0].Language; got != "pt" {
		t.Errorf("fallback language = %q", got)
	}
	st := tr.Status()
	if st[0].State != Open || st[1].State != Closed {
		t.Errorf("Status = %+v", st)
	}
}
