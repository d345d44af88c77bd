package coach

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/MrWong99/salescoach/pkg/provider/llm"
	"github.com/MrWong99/salescoach/pkg/types"
)

// MaxContentRunes bounds the advice text shown to the seller.
const MaxContentRunes = 300

// response is the validated LLM answer.
type response struct {
	// Step is the zero-based script step; -1 when the model did not say.
	Step         int
	StageChanged bool
	Skip         bool
	Coaching     *Coaching
	NextStep     string
	LeadProfile  *types.LeadProfile
}

type rawResponse struct {
	CurrentStep  *int   `json:"current_step"`
	StageChanged bool   `json:"stage_changed"`
	Skip         bool   `json:"skip"`
	NextStep     string `json:"next_step"`
	Coaching     *struct {
		Type    string `json:"type"`
		Urgency string `json:"urgency"`
		Content string `json:"content"`
	} `json:"coaching"`
	LeadProfile *types.LeadProfile `json:"lead_profile"`
}

var errEmptyResponse = errors.New("coach: empty response")

// parseResponse decodes and validates content. Any error means the caller
// must treat the cycle as skipped.
func parseResponse(content string) (*response, error) {
	content = strings.TrimSpace(llm.ExtractJSON(content))
	if content == "" {
		return nil, errEmptyResponse
	}

	var raw rawResponse
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return nil, fmt.Errorf("coach: decode response: %w", err)
	}

	out := &response{
		Step:         -1,
		StageChanged: raw.StageChanged,
		Skip:         raw.Skip,
		NextStep:     strings.TrimSpace(raw.NextStep),
	}
	if raw.CurrentStep != nil {
		if *raw.CurrentStep < 1 {
			return nil, fmt.Errorf("coach: current_step %d out of range", *raw.CurrentStep)
		}
		out.Step = *raw.CurrentStep - 1
	}

	if c := raw.Coaching; c != nil && strings.TrimSpace(c.Content) != "" {
		kind := EventKind(strings.ToLower(strings.TrimSpace(c.Type)))
		switch kind {
		case KindTip, KindAlert, KindReinforcement:
		default:
			return nil, fmt.Errorf("coach: unknown coaching type %q", c.Type)
		}
		out.Coaching = &Coaching{
			Type:    kind,
			Level:   parseUrgency(c.Urgency),
			Content: truncate(strings.TrimSpace(c.Content), MaxContentRunes),
		}
	}

	if p := raw.LeadProfile; p != nil && strings.TrimSpace(p.Type) != "" {
		prof := types.LeadProfile{
			Type:       strings.ToLower(strings.TrimSpace(p.Type)),
			Confidence: min(max(p.Confidence, 0), 1),
			Notes:      strings.TrimSpace(p.Notes),
		}
		out.LeadProfile = &prof
	}

	return out, nil
}

func parseUrgency(s string) Urgency {
	switch u := Urgency(strings.ToLower(strings.TrimSpace(s))); u {
	case UrgencyLow, UrgencyMedium, UrgencyHigh:
		return u
	default:
		return UrgencyMedium
	}
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
