package coach

import (
	"fmt"
	"strings"

	"github.com/MrWong99/salescoach/internal/session"
	"github.com/MrWong99/salescoach/internal/trigger"
	"github.com/MrWong99/salescoach/pkg/calls"
	"github.com/MrWong99/salescoach/pkg/types"
)

const systemPrompt = `You are a discreet sales coach listening to a live call. Only the seller reads your output; the lead never sees it.
The seller follows this script:
%s
Give at most one short, actionable piece of advice the seller can use in the next few seconds.
Set "skip" to true when the seller is doing fine and needs no help right now.
Classify the lead's buying style only when the transcript gives real evidence.
Keep "content" under 300 characters. Answer in %s.`

const responseSchema = `{
  "current_step": integer (1-based number of the script step the conversation is in),
  "stage_changed": boolean (true when the conversation just moved to current_step),
  "skip": boolean,
  "coaching": {"type": "tip" | "alert" | "reinforcement", "urgency": "low" | "medium" | "high", "content": string} | null,
  "next_step": string | null,
  "lead_profile": {"type": "analytical" | "driver" | "expressive" | "amiable", "confidence": number, "notes": string} | null
}`

// promptInput is the state captured for one coaching call.
type promptInput struct {
	turns       []types.TranscriptEntry
	stage       int
	profile     *types.LeadProfile
	lastCoached string
	decision    trigger.Decision
}

// buildSystemPrompt renders the script steps into the system prompt.
func buildSystemPrompt(script *calls.Script, language string) string {
	var b strings.Builder
	if script == nil || len(script.Steps) == 0 {
		b.WriteString("(no script steps defined)\n")
	} else {
		for i, st := range script.Steps {
			fmt.Fprintf(&b, "%d. %s", i+1, st.Name)
			if st.Goal != "" {
				fmt.Fprintf(&b, ": %s", st.Goal)
			}
			b.WriteByte('\n')
		}
	}
	return fmt.Sprintf(systemPrompt, strings.TrimRight(b.String(), "\n"), language)
}

// buildUserPrompt renders the call state the LLM reasons about.
func buildUserPrompt(in promptInput, script *calls.Script) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Trigger: %s", in.decision.Reason)
	if in.decision.Keyword != "" {
		fmt.Fprintf(&b, " (%q)", in.decision.Keyword)
	}
	b.WriteByte('\n')

	if script != nil && in.stage >= 0 && in.stage < len(script.Steps) {
		fmt.Fprintf(&b, "Current step: %d. %s\n", in.stage+1, script.Steps[in.stage].Name)
	} else {
		fmt.Fprintf(&b, "Current step: %d\n", in.stage+1)
	}

	if in.profile != nil && in.profile.Type != "" {
		fmt.Fprintf(&b, "Lead profile: %s", in.profile.Type)
		if in.profile.Notes != "" {
			fmt.Fprintf(&b, " (%s)", in.profile.Notes)
		}
		b.WriteByte('\n')
	} else {
		b.WriteString("Lead profile: unknown\n")
	}

	if in.lastCoached != "" {
		fmt.Fprintf(&b, "Last advice given: %s\n", in.lastCoached)
	}

	b.WriteString("\nTranscript:\n")
	b.WriteString(session.FormatTranscript(in.turns))
	return b.String()
}
