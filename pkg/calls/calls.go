// Package calls defines the durable records behind a coached call and the
// [Repository] that stores them.
//
// Two implementations exist: [MemStore] for development and tests, and
// postgres.Store for production.
package calls

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/salescoach/pkg/types"
)

// ErrNotFound is returned (wrapped) when a requested record does not exist.
var ErrNotFound = errors.New("calls: not found")

// Status is the lifecycle state of a durable call record.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
)

// Profile is the seller's user profile.
type Profile struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
}

// Step is one stage of a sales script.
type Step struct {
	Name string `json:"name"`
	Goal string `json:"goal,omitempty"`
}

// Script is a sales script: an ordered stage sequence plus the objections the
// seller is expected to handle.
type Script struct {
	ID         string            `json:"id"`
	UserID     string            `json:"user_id"`
	Name       string            `json:"name"`
	Steps      []Step            `json:"steps"`
	Objections []types.Objection `json:"objections"`
}

// Call is the durable record of one call.
type Call struct {
	ID         string                  `json:"id"`
	UserID     string                  `json:"user_id"`
	ScriptID   string                  `json:"script_id"`
	Platform   string                  `json:"platform"`
	ExternalID string                  `json:"external_id,omitempty"`
	LeadName   string                  `json:"lead_name,omitempty"`
	Status     Status                  `json:"status"`
	Transcript []types.TranscriptEntry `json:"transcript"`
	StartedAt  time.Time               `json:"started_at"`
	EndedAt    time.Time               `json:"ended_at,omitzero"`
	UpdatedAt  time.Time               `json:"updated_at"`
}

// Outcome classifies how a call ended.
type Outcome string

const (
	OutcomeConverted Outcome = "converted"
	OutcomeFollowUp  Outcome = "follow_up"
	OutcomeLost      Outcome = "lost"
	OutcomeUnknown   Outcome = "unknown"
)

// Converted reports whether the outcome counts as a win for success metrics.
func (o Outcome) Converted() bool { return o == OutcomeConverted }

// Summary is the final analysis stored when a call ends.
type Summary struct {
	CallID       string    `json:"call_id"`
	UserID       string    `json:"user_id"`
	ScriptID     string    `json:"script_id"`
	Outcome      Outcome   `json:"outcome"`
	Summary      string    `json:"summary"`
	Strengths    []string  `json:"strengths"`
	Improvements []string  `json:"improvements"`
	Objections   []string  `json:"objections"`
	Score        int       `json:"score"`
	CreatedAt    time.Time `json:"created_at"`
}

// Metric counts how often an objection showed up in converted versus lost
// calls of one script.
type Metric struct {
	ObjectionID string `json:"objection_id"`
	ScriptID    string `json:"script_id"`
	Converted   int    `json:"converted"`
	Lost        int    `json:"lost"`
}

// SuccessRate returns Converted / (Converted + Lost). ok is false when the
// objection has never been recorded.
func (m Metric) SuccessRate() (rate float64, ok bool) {
	total := m.Converted + m.Lost
	if total == 0 {
		return 0, false
	}
	return float64(m.Converted) / float64(total), true
}

// Repository stores profiles, scripts, calls, summaries and objection metrics.
// Implementations must be safe for concurrent use. Lookups of missing records
// return an error wrapping [ErrNotFound].
type Repository interface {
	GetProfile(ctx context.Context, userID string) (*Profile, error)
	GetScript(ctx context.Context, scriptID string) (*Script, error)

	// CreateCall inserts c. StartedAt and UpdatedAt are set by the store
	// when zero.
	CreateCall(ctx context.Context, c *Call) error
	GetCall(ctx context.Context, callID string) (*Call, error)

	// FindByExternalID returns the user's most recent call carrying the
	// platform correlation id, whatever its status.
	FindByExternalID(ctx context.Context, userID, externalID string) (*Call, error)

	// RecentActiveCall returns the user's most recently started active call
	// that started at or after since.
	RecentActiveCall(ctx context.Context, userID string, since time.Time) (*Call, error)

	// UpdateCall replaces the mutable fields of an existing call: status,
	// lead name, transcript and end time.
	UpdateCall(ctx context.Context, c *Call) error

	// SaveTranscript overwrites only the transcript of an existing call.
	SaveTranscript(ctx context.Context, callID string, transcript []types.TranscriptEntry) error

	InsertSummary(ctx context.Context, s *Summary) error

	// GetMetric returns the counts for an (objection, script) pair. A pair that
	// was never recorded returns a zero Metric and no error.
	GetMetric(ctx context.Context, objectionID, scriptID string) (Metric, error)

	// RecordObjectionOutcome increments the converted or lost counter.
	RecordObjectionOutcome(ctx context.Context, objectionID, scriptID string, converted bool) error
}
