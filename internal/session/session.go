// Package session owns the state of in-progress calls.
//
// A [CallSession] is the serialisable per-call state (transcript, dedup
// window, timers, stage, lead profile). [Store] resolves, creates, caches and
// finalises sessions; every mutation goes through [Call.Update], which holds
// the per-call lock and writes the session back to the cache. The package also
// contains the manager-facing [LiveSummariser], the end-of-call [LLMAnalyser]
// and the durable transcript [Checkpointer].
//
// All exported types are safe for concurrent use unless noted otherwise.
package session

import (
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MrWong99/salescoach/pkg/types"
)

const (
	// maxHintRunes bounds the per-channel rolling context kept as a
	// transcription hint.
	maxHintRunes = 200

	defaultSellerLabel = "Seller"
	defaultLeadLabel   = "Lead"
)

// CallSession is the cached state of one in-progress call. It is a plain value;
// concurrent access goes through [Call].
type CallSession struct {
	CallID     string `json:"call_id"`
	UserID     string `json:"user_id"`
	ScriptID   string `json:"script_id"`
	Platform   string `json:"platform"`
	ExternalID string `json:"external_id,omitempty"`

	// SellerName labels seller transcript entries.
	SellerName string `json:"seller_name,omitempty"`

	// LeadName labels counterpart transcript entries.
	LeadName string `json:"lead_name,omitempty"`

	Transcript []types.TranscriptEntry `json:"transcript"`

	// Recent is the dedup window. It is pruned lazily by the filter.
	Recent []types.RecentFragment `json:"recent"`

	// LastText holds the tail of the most recent accepted text per channel.
	LastText map[types.ChannelRole]string `json:"last_text,omitempty"`

	// LastCoachingAt and LastSummaryAt are advanced before the AI call they
	// gate, never after. Zero means never.
	LastCoachingAt   time.Time `json:"last_coaching_at,omitzero"`
	LastCoachingText string    `json:"last_coaching_text,omitempty"`
	LastSummaryAt    time.Time `json:"last_summary_at,omitzero"`

	// Stage is the index into the script's step sequence.
	Stage int `json:"stage"`

	LeadProfile *types.LeadProfile `json:"lead_profile,omitempty"`

	// Objections lists the ids of objections detected during the call, in
	// first-seen order.
	Objections []string `json:"objections,omitempty"`

	StartedAt time.Time `json:"started_at"`

	// CoachingInFlight is process-local: a restarted process has no AI
	// call running.
	CoachingInFlight bool `json:"-"`
}

// Speaker returns the display label for entries on role.
func (s *CallSession) Speaker(role types.ChannelRole) string {
	if role == types.RoleSeller {
		if s.SellerName != "" {
			return s.SellerName
		}
		return defaultSellerLabel
	}
	if s.LeadName != "" {
		return s.LeadName
	}
	return defaultLeadLabel
}

// Append adds an accepted fragment to the transcript and updates the
// channel's rolling context. It returns the stored entry.
func (s *CallSession) Append(text string, role types.ChannelRole, at time.Time) types.TranscriptEntry {
	e := types.TranscriptEntry{
		Text:      text,
		Role:      role,
		Speaker:   s.Speaker(role),
		Timestamp: at,
		IsFinal:   true,
	}
	s.Transcript = append(s.Transcript, e)
	if s.LastText == nil {
		s.LastText = make(map[types.ChannelRole]string, 2)
	}
	s.LastText[role] = tail(text, maxHintRunes)
	return e
}

// Hint returns the rolling context for role, suitable as a transcription
// prompt.
func (s *CallSession) Hint(role types.ChannelRole) string {
	return s.LastText[role]
}

// RecentTurns returns the last n transcript entries (all of them when n <= 0
// or the transcript is shorter).
func (s *CallSession) RecentTurns(n int) []types.TranscriptEntry {
	if n <= 0 || n >= len(s.Transcript) {
		return slices.Clone(s.Transcript)
	}
	return slices.Clone(s.Transcript[len(s.Transcript)-n:])
}

// NoteObjection records a detected objection id once.
func (s *CallSession) NoteObjection(id string) {
	if id == "" || slices.Contains(s.Objections, id) {
		return
	}
	s.Objections = append(s.Objections, id)
}

// Clone returns a deep copy.
func (s CallSession) Clone() CallSession {
	s.Transcript = slices.Clone(s.Transcript)
	s.Recent = slices.Clone(s.Recent)
	s.Objections = slices.Clone(s.Objections)
	if s.LastText != nil {
		lt := make(map[types.ChannelRole]string, len(s.LastText))
		for k, v := range s.LastText {
			lt[k] = v
		}
		s.LastText = lt
	}
	if s.LeadProfile != nil {
		lp := *s.LeadProfile
		s.LeadProfile = &lp
	}
	return s
}

// tail returns the last n runes of s.
func tail(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[len(r)-n:])
}

// FormatTranscript renders entries as "[Speaker]: text" lines.
func FormatTranscript(entries []types.TranscriptEntry) string {
	var sb strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&sb, "[%s]: %s\n", e.Speaker, e.Text)
	}
	return sb.String()
}
