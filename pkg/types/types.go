// Package types defines the shared types used across all salescoach packages.
//
// These types form the lingua franca between providers, the session store, the
// coaching pipeline and the realtime gateway. Each package defines its own
// domain types, but cross-cutting data structures live here to avoid circular
// imports.
package types

import "time"

// ChannelRole identifies which audio source a transcript fragment came from.
type ChannelRole string

const (
	// RoleSeller is the seller's microphone.
	RoleSeller ChannelRole = "seller"

	// RoleCounterpart is the shared tab audio carrying the lead's voice.
	RoleCounterpart ChannelRole = "counterpart"
)

// IsValid reports whether r is a recognised channel role.
func (r ChannelRole) IsValid() bool {
	return r == RoleSeller || r == RoleCounterpart
}

// Other returns the opposite channel role.
func (r ChannelRole) Other() ChannelRole {
	if r == RoleSeller {
		return RoleCounterpart
	}
	return RoleSeller
}

// TranscriptEntry is a single accepted line of the call transcript.
// Entries are append-only and never reordered.
type TranscriptEntry struct {
	// Text is the transcribed speech.
	Text string `json:"text"`

	// Role is the channel the text was captured on.
	Role ChannelRole `json:"role"`

	// Speaker is the resolved display label (seller name, lead name or a
	// generic fallback).
	Speaker string `json:"speaker"`

	// Timestamp is when the fragment was accepted.
	Timestamp time.Time `json:"timestamp"`

	// IsFinal marks the entry as an authoritative transcription.
	IsFinal bool `json:"is_final"`
}

// RecentFragment is an entry of the dedup window.
type RecentFragment struct {
	Text      string      `json:"text"`
	Role      ChannelRole `json:"role"`
	Timestamp time.Time   `json:"timestamp"`
}

// Objection is reference data describing a known customer objection and how
// to handle it. Immutable for the lifetime of a call.
type Objection struct {
	// ID is the repository identifier.
	ID string `json:"id"`

	// Triggers lists the phrases that indicate this objection.
	Triggers []string `json:"triggers"`

	// Response is the suggested reply for the seller.
	Response string `json:"response"`

	// MentalTrigger labels the persuasion lever behind Response
	// (e.g. "scarcity", "social proof").
	MentalTrigger string `json:"mental_trigger,omitempty"`

	// CoachingTip is a short hint shown alongside Response.
	CoachingTip string `json:"coaching_tip,omitempty"`
}

// LeadProfile is the AI's classification of the lead's buying style.
type LeadProfile struct {
	// Type is a short label such as "analytical", "driver", "expressive" or
	// "amiable".
	Type string `json:"type"`

	// Confidence is in the range [0, 1]; zero means unknown.
	Confidence float64 `json:"confidence,omitempty"`

	// Notes holds a free-text justification.
	Notes string `json:"notes,omitempty"`
}

// Equal reports whether p and o carry the same classification.
func (p *LeadProfile) Equal(o *LeadProfile) bool {
	if p == nil || o == nil {
		return p == o
	}
	return p.Type == o.Type && p.Notes == o.Notes && p.Confidence == o.Confidence
}

// Message is a single message in an LLM conversation.
type Message struct {
	// Role is one of "system", "user" or "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one completion.
	MaxOutputTokens int

	// SupportsJSONMode indicates the backend can be forced to emit a single
	// JSON object.
	SupportsJSONMode bool
}
