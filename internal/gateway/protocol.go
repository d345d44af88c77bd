package gateway

import (
	"encoding/json"
	"time"

	"github.com/MrWong99/salescoach/internal/coach"
	"github.com/MrWong99/salescoach/pkg/types"
)

// Seller message types.
const (
	TypeCallStart        = "call:start"
	TypeAudioSegment     = "audio:segment"
	TypeCallParticipants = "call:participants"
	TypeCallEnd          = "call:end"
	TypeMediaStream      = "media:stream"

	TypeCallStarted     = "call:started"
	TypeTranscriptChunk = "transcript:chunk"
	TypeCoachingMessage = "COACHING_MESSAGE"
	TypeCoachWhisper    = "coach:whisper"
	TypeCallSummary     = "call:summary"
)

// Manager message types.
const (
	TypeManagerJoin    = "manager:join"
	TypeManagerWhisper = "manager:whisper"

	TypeManagerJoined    = "manager:joined"
	TypeTranscriptStream = "transcript:stream"
	TypeMediaChunk       = "media:chunk"
	TypeLiveSummary      = "call:live_summary"
	TypeWhisperSent      = "whisper:sent"
)

// TypeError is sent on both endpoints.
const TypeError = "error"

// envelope is the frame of every message in both directions.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type outbound struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type errorData struct {
	Message string `json:"message"`
}

type callStartData struct {
	ScriptID   string `json:"scriptId"`
	Platform   string `json:"platform"`
	LeadName   string `json:"leadName,omitempty"`
	ExternalID string `json:"externalId,omitempty"`
}

type callStartedData struct {
	CallID     string `json:"callId"`
	Resolution string `json:"resolution"`
}

type audioSegmentData struct {
	// Audio is the base64 encoded segment; encoding/json decodes it.
	Audio      []byte            `json:"audio"`
	Role       types.ChannelRole `json:"role"`
	Format     string            `json:"format,omitempty"`
	SampleRate int               `json:"sampleRate,omitempty"`
}

type participantsData struct {
	LeadName string `json:"leadName"`
}

// mediaStreamData is relayed to managers unchanged; only IsHeader is read.
type mediaStreamData struct {
	IsHeader bool `json:"isHeader"`
}

type transcriptChunkData struct {
	Text    string            `json:"text"`
	IsFinal bool              `json:"isFinal"`
	Speaker string            `json:"speaker"`
	Role    types.ChannelRole `json:"role"`
}

// fragment is published on a call's transcript channel.
type fragment struct {
	CallID    string            `json:"callId"`
	Text      string            `json:"text"`
	Speaker   string            `json:"speaker"`
	Role      types.ChannelRole `json:"role"`
	IsFinal   bool              `json:"isFinal"`
	Timestamp time.Time         `json:"timestamp"`
}

type transcriptStreamData struct {
	Fragment json.RawMessage `json:"fragment"`
}

type joinData struct {
	CallID string `json:"callId"`
}

type whisperData struct {
	Content string `json:"content"`
	Urgency string `json:"urgency"`
}

// command is published on a call's commands channel.
type command struct {
	Kind      string    `json:"kind"`
	Source    string    `json:"source"`
	Content   string    `json:"content"`
	Urgency   string    `json:"urgency"`
	From      string    `json:"from"`
	Timestamp time.Time `json:"timestamp"`
}

const commandWhisper = "whisper"

type coachWhisperData struct {
	Source    string    `json:"source"`
	Content   string    `json:"content"`
	Urgency   string    `json:"urgency"`
	Timestamp time.Time `json:"timestamp"`
}

// CoachingMessage is the wire form of a [coach.Event].
type CoachingMessage struct {
	Type      coach.EventKind `json:"type"`
	Content   string          `json:"content"`
	Urgency   coach.Urgency   `json:"urgency"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ToWire converts ev to its COACHING_MESSAGE payload. Step numbers are
// one-based on the wire.
func ToWire(ev coach.Event, at time.Time) CoachingMessage {
	msg := CoachingMessage{Type: ev.Kind(), Urgency: ev.Urgency(), Timestamp: at}
	switch e := ev.(type) {
	case coach.Coaching:
		msg.Content = e.Content
		msg.Metadata = map[string]any{"reason": e.Reason}
		if e.NextStep != "" {
			msg.Metadata["nextStep"] = e.NextStep
		}
	case coach.ObjectionDetected:
		msg.Content = e.Objection.Response
		md := map[string]any{
			"objectionId":       e.Objection.ID,
			"phrase":            e.Phrase,
			"score":             e.Score,
			"topRecommendation": e.Top,
		}
		if e.HasRate {
			md["successRate"] = e.SuccessRate
		}
		if e.Objection.MentalTrigger != "" {
			md["mentalTrigger"] = e.Objection.MentalTrigger
		}
		if e.Objection.CoachingTip != "" {
			md["coachingTip"] = e.Objection.CoachingTip
		}
		msg.Metadata = md
	case coach.BuyingSignal:
		msg.Content = e.Text
		msg.Metadata = map[string]any{"keyword": e.Keyword}
	case coach.StageChange:
		msg.Content = e.Name
		msg.Metadata = map[string]any{"from": e.From + 1, "to": e.To + 1}
		if e.Goal != "" {
			msg.Metadata["goal"] = e.Goal
		}
	case coach.LeadProfileUpdate:
		msg.Content = e.Profile.Type
		msg.Metadata = map[string]any{"confidence": e.Profile.Confidence}
		if e.Profile.Notes != "" {
			msg.Metadata["notes"] = e.Profile.Notes
		}
	}
	return msg
}
