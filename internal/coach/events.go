package coach

import (
	"context"

	"github.com/MrWong99/salescoach/pkg/types"
)

// EventKind is the wire label of an [Event].
type EventKind string

const (
	KindTip           EventKind = "tip"
	KindAlert         EventKind = "alert"
	KindReinforcement EventKind = "reinforcement"
	KindObjection     EventKind = "objection"
	KindBuyingSignal  EventKind = "buying_signal"
	KindStageChange   EventKind = "stage_change"
	KindLeadProfile   EventKind = "lead_profile"
)

// Urgency ranks how soon the seller should act on an event.
type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyMedium Urgency = "medium"
	UrgencyHigh   Urgency = "high"
)

// Event is a coaching event addressed to the seller of one call. The concrete
// types are [Coaching], [ObjectionDetected], [BuyingSignal], [StageChange] and
// [LeadProfileUpdate]; callers switch on the type.
type Event interface {
	Kind() EventKind
	Urgency() Urgency
	isEvent()
}

// Coaching is advice produced by the LLM. Type is one of [KindTip],
// [KindAlert] or [KindReinforcement].
type Coaching struct {
	Type    EventKind
	Level   Urgency
	Content string

	// NextStep is an optional suggestion for what the seller should say or
	// do next.
	NextStep string

	// Reason is the trigger that caused the coaching call.
	Reason string
}

func (e Coaching) Kind() EventKind  { return e.Type }
func (e Coaching) Urgency() Urgency { return e.Level }
func (Coaching) isEvent()           {}

// ObjectionDetected is emitted as soon as a fragment strongly matches a
// catalogued objection, without waiting for the LLM.
type ObjectionDetected struct {
	Objection types.Objection

	// Phrase is the trigger phrase that matched and Score its match score.
	Phrase string
	Score  float64

	// SuccessRate is the share of converted calls among past calls where
	// this objection came up on the same script. HasRate is false when no
	// history exists or the lookup failed.
	SuccessRate float64
	HasRate     bool

	// Top marks the suggested response as a proven recommendation.
	Top bool
}

func (e ObjectionDetected) Kind() EventKind { return KindObjection }

func (e ObjectionDetected) Urgency() Urgency {
	if e.Top {
		return UrgencyHigh
	}
	return UrgencyMedium
}

func (ObjectionDetected) isEvent() {}

// BuyingSignal is emitted when the lead shows purchase intent.
type BuyingSignal struct {
	Keyword string
	Text    string
}

func (BuyingSignal) Kind() EventKind  { return KindBuyingSignal }
func (BuyingSignal) Urgency() Urgency { return UrgencyHigh }
func (BuyingSignal) isEvent()         {}

// StageChange is emitted when the conversation moves to another script step.
// From and To are zero-based step indexes.
type StageChange struct {
	From, To int
	Name     string
	Goal     string
}

func (StageChange) Kind() EventKind  { return KindStageChange }
func (StageChange) Urgency() Urgency { return UrgencyLow }
func (StageChange) isEvent()         {}

// LeadProfileUpdate is emitted when the lead's classification changes.
type LeadProfileUpdate struct {
	Profile types.LeadProfile
}

func (LeadProfileUpdate) Kind() EventKind  { return KindLeadProfile }
func (LeadProfileUpdate) Urgency() Urgency { return UrgencyLow }
func (LeadProfileUpdate) isEvent()         {}

// Sink receives the output of the orchestrator for one seller connection.
// Implementations must be safe for concurrent use: events produced by an LLM
// call arrive from a background goroutine.
type Sink interface {
	// Accepted is called once per accepted fragment, before any event
	// derived from it.
	Accepted(ctx context.Context, entry types.TranscriptEntry)

	// Emit delivers one event.
	Emit(ctx context.Context, ev Event)
}

var (
	_ Event = Coaching{}
	_ Event = ObjectionDetected{}
	_ Event = BuyingSignal{}
	_ Event = StageChange{}
	_ Event = LeadProfileUpdate{}
)
