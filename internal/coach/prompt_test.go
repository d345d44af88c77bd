package coach

import (
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/salescoach/internal/trigger"
	"github.com/MrWong99/salescoach/pkg/calls"
	"github.com/MrWong99/salescoach/pkg/types"
)

func TestBuildUserPrompt(t *testing.T) {
	script := &calls.Script{Steps: []calls.Step{{Name: "Abertura"}, {Name: "Proposta"}}}
	in := promptInput{
		turns: []types.TranscriptEntry{
			{Speaker: "Rafa", Text: "posso te mostrar o plano?", Timestamp: t0},
			{Speaker: "Lead", Text: "tá caro", Timestamp: t0.Add(time.Second)},
		},
		stage:       1,
		profile:     &types.LeadProfile{Type: "analytical", Notes: "quer números"},
		lastCoached: "Mostre o ROI.",
		decision:    trigger.Decision{Trigger: true, Reason: trigger.ReasonResistance, Keyword: "ta caro"},
	}

	got := buildUserPrompt(in, script)
	for _, want := range []string{
		`Trigger: objection ("ta caro")`,
		"Current step: 2. Proposta",
		"Lead profile: analytical (quer números)",
		"Last advice given: Mostre o ROI.",
		"[Rafa]: posso te mostrar o plano?\n[Lead]: tá caro\n",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt missing %q:\n%s", want, got)
		}
	}
}

func TestBuildUserPrompt_Defaults(t *testing.T) {
	got := buildUserPrompt(promptInput{decision: trigger.Decision{Reason: trigger.ReasonTimeInterval}}, nil)
	if !strings.Contains(got, "Lead profile: unknown") || !strings.Contains(got, "Current step: 1\n") {
		t.Errorf("prompt = %s", got)
	}
	if strings.Contains(got, "Last advice") {
		t.Errorf("unexpected last advice line:\n%s", got)
	}
}

func TestBuildSystemPrompt_NoSteps(t *testing.T) {
	got := buildSystemPrompt(&calls.Script{}, "Spanish")
	if !strings.Contains(got, "(no script steps defined)") || !strings.Contains(got, "Answer in Spanish.") {
		t.Errorf("system prompt = %s", got)
	}
}
