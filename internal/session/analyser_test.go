package session

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/MrWong99/salescoach/pkg/calls"
	"github.com/MrWong99/salescoach/pkg/provider/llm"
	llmmock "github.com/MrWong99/salescoach/pkg/provider/llm/mock"
	"github.com/MrWong99/salescoach/pkg/types"
)

func TestLLMAnalyser_Analyse(t *testing.T) {
	p := &llmmock.Provider{Reply: &llm.CompletionResponse{
		Content: `{"outcome":"Follow_Up","summary":" Lead pediu proposta. ","strengths":["rapport"],"improvements":["fechar"],"score":140}`,
	}}
	a := NewLLMAnalyser(p, "")
	sess := CallSession{Transcript: []types.TranscriptEntry{{Text: "me manda a proposta", Speaker: "Ana"}}}
	script := &calls.Script{Name: "Discovery", Steps: []calls.Step{{Name: "Abertura"}, {Name: "Fechamento"}}}

	sum, err := a.Analyse(context.Background(), sess, script)
	if err != nil {
		t.Fatalf("Analyse: %v", err)
	}
	if sum.Outcome != calls.OutcomeFollowUp || sum.Summary != "Lead pediu proposta." || sum.Score != 100 {
		t.Errorf("summary = %+v", sum)
	}

	req := p.Requests()[0]
	if !strings.Contains(req.SystemPrompt, "Abertura → Fechamento") || !strings.Contains(req.SystemPrompt, "Brazilian Portuguese") {
		t.Errorf("system prompt = %q", req.SystemPrompt)
	}
	if !strings.Contains(req.Messages[0].Content, "[Ana]: me manda a proposta") {
		t.Errorf("transcript = %q", req.Messages[0].Content)
	}
}

func TestLLMAnalyser_UnknownOutcome(t *testing.T) {
	p := &llmmock.Provider{Reply: &llm.CompletionResponse{Content: `{"outcome":"maybe","score":-3}`}}
	sum, err := NewLLMAnalyser(p, "English").Analyse(context.Background(), CallSession{}, nil)
	if err != nil {
		t.Fatalf("Analyse: %v", err)
	}
	if sum.Outcome != calls.OutcomeUnknown || sum.Score != 0 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestLLMAnalyser_Errors(t *testing.T) {
	p := &llmmock.Provider{Err: errors.New("down")}
	if _, err := NewLLMAnalyser(p, "").Analyse(context.Background(), CallSession{}, nil); err == nil {
		t.Error("expected completion error")
	}
	p = &llmmock.Provider{Reply: &llm.CompletionResponse{Content: "no json"}}
	if _, err := NewLLMAnalyser(p, "").Analyse(context.Background(), CallSession{}, nil); err == nil {
		t.Error("expected decode error")
	}
}
