package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MrWong99/salescoach/pkg/calls"
	"github.com/MrWong99/salescoach/pkg/provider/llm"
	"github.com/MrWong99/salescoach/pkg/types"
)

// maxAnalysisTurns caps the transcript sent for the final analysis.
const maxAnalysisTurns = 200

const analysisPrompt = `You are a sales coach reviewing a finished sales call.
The seller followed the script %q with the stages: %s.
Judge how the call ended, summarise it in two or three sentences and list what the seller did well and what to improve.
Answer in %s.`

const analysisSchema = `{
  "outcome": "converted" | "follow_up" | "lost" | "unknown",
  "summary": string,
  "strengths": [string],
  "improvements": [string],
  "score": integer from 0 to 100
}`

// LLMAnalyser produces the final call analysis with an LLM.
type LLMAnalyser struct {
	llm      llm.Provider
	language string
}

var _ Analyser = (*LLMAnalyser)(nil)

// NewLLMAnalyser creates a new [LLMAnalyser] backed by the given provider.
// An empty language defaults to Brazilian Portuguese.
func NewLLMAnalyser(provider llm.Provider, language string) *LLMAnalyser {
	if language == "" {
		language = "Brazilian Portuguese"
	}
	return &LLMAnalyser{llm: provider, language: language}
}

// Analyse implements [Analyser].
func (a *LLMAnalyser) Analyse(ctx context.Context, sess CallSession, script *calls.Script) (*calls.Summary, error) {
	name, stages := "", "none"
	if script != nil {
		name = script.Name
		names := make([]string, len(script.Steps))
		for i, st := range script.Steps {
			names[i] = st.Name
		}
		if len(names) > 0 {
			stages = strings.Join(names, " → ")
		}
	}

	resp, err := a.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt:   fmt.Sprintf(analysisPrompt, name, stages, a.language),
		ResponseSchema: analysisSchema,
		Messages: []types.Message{
			{Role: "user", Content: FormatTranscript(sess.RecentTurns(maxAnalysisTurns))},
		},
		Temperature: 0.2,
		MaxTokens:   600,
	})
	if err != nil {
		return nil, fmt.Errorf("analyse: %w", err)
	}

	var raw struct {
		Outcome      string   `json:"outcome"`
		Summary      string   `json:"summary"`
		Strengths    []string `json:"strengths"`
		Improvements []string `json:"improvements"`
		Score        int      `json:"score"`
	}
	if err := json.Unmarshal([]byte(llm.ExtractJSON(resp.Content)), &raw); err != nil {
		return nil, fmt.Errorf("analyse: decode response: %w", err)
	}

	outcome := calls.Outcome(strings.ToLower(strings.TrimSpace(raw.Outcome)))
	switch outcome {
	case calls.OutcomeConverted, calls.OutcomeFollowUp, calls.OutcomeLost:
	default:
		outcome = calls.OutcomeUnknown
	}

	return &calls.Summary{
		Outcome:      outcome,
		Summary:      strings.TrimSpace(raw.Summary),
		Strengths:    raw.Strengths,
		Improvements: raw.Improvements,
		Score:        min(max(raw.Score, 0), 100),
	}, nil
}
