// Package coach turns accepted transcript fragments into coaching events for
// the seller.
//
// Every fragment passes through the dedup/echo filter. Accepted fragments are
// appended to the call transcript and checked against the objection catalogue
// and the trigger rules. Objection matches and buying signals are reported
// immediately; everything else waits for an LLM call that runs in the
// background, at most one per call at a time.
//
// The last-coaching timestamp is advanced before the LLM is called. A slow or
// failing model therefore never causes a burst of retries: the next attempt
// happens on the next natural trigger.
package coach

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/salescoach/internal/filter"
	"github.com/MrWong99/salescoach/internal/objection"
	"github.com/MrWong99/salescoach/internal/observe"
	"github.com/MrWong99/salescoach/internal/session"
	"github.com/MrWong99/salescoach/internal/trigger"
	"github.com/MrWong99/salescoach/pkg/calls"
	"github.com/MrWong99/salescoach/pkg/provider/llm"
	"github.com/MrWong99/salescoach/pkg/types"
)

const (
	// DefaultMaxTurns caps the transcript entries sent to the LLM.
	DefaultMaxTurns = 50

	// DefaultTimeout bounds one coaching LLM call.
	DefaultTimeout = 15 * time.Second

	// InstantThreshold is the objection score above which an objection is
	// reported without waiting for the LLM.
	InstantThreshold = 0.7

	// TopRecommendationRate is the historical success rate above which an
	// objection's response is flagged as a top recommendation.
	TopRecommendationRate = 0.4
)

// MetricSource looks up historical objection outcomes.
type MetricSource interface {
	GetMetric(ctx context.Context, objectionID, scriptID string) (calls.Metric, error)
}

// Result describes what HandleFragment did with one fragment.
type Result struct {
	Verdict filter.Verdict

	// Entry is the appended transcript entry; zero unless Verdict is
	// [filter.Accept].
	Entry types.TranscriptEntry

	Decision trigger.Decision

	// Launched reports whether an LLM coaching call was started.
	Launched bool
}

// Orchestrator coordinates the coaching pipeline. One Orchestrator serves all
// calls; per-call state lives in [session.Call].
type Orchestrator struct {
	llm      llm.Provider
	filter   *filter.Filter
	matcher  *objection.Matcher
	trigger  *trigger.Evaluator
	rates    MetricSource
	metrics  *observe.Metrics
	now      func() time.Time
	maxTurns int
	timeout  time.Duration
	language string

	wg sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithFilter replaces the default dedup/echo filter.
func WithFilter(f *filter.Filter) Option {
	return func(o *Orchestrator) { o.filter = f }
}

// WithMatcher replaces the default objection matcher.
func WithMatcher(m *objection.Matcher) Option {
	return func(o *Orchestrator) { o.matcher = m }
}

// WithTrigger replaces the default trigger evaluator.
func WithTrigger(e *trigger.Evaluator) Option {
	return func(o *Orchestrator) { o.trigger = e }
}

// WithMetricSource sets where objection success rates come from. Without one
// every objection is reported at medium urgency.
func WithMetricSource(src MetricSource) Option {
	return func(o *Orchestrator) { o.rates = src }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithMaxTurns overrides [DefaultMaxTurns].
func WithMaxTurns(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxTurns = n
		}
	}
}

// WithTimeout overrides [DefaultTimeout].
func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithLanguage sets the language coaching is written in.
func WithLanguage(lang string) Option {
	return func(o *Orchestrator) {
		if lang != "" {
			o.language = lang
		}
	}
}

// New creates an Orchestrator that asks provider for coaching.
func New(provider llm.Provider, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		llm:      provider,
		now:      time.Now,
		maxTurns: DefaultMaxTurns,
		timeout:  DefaultTimeout,
		language: "Brazilian Portuguese",
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.filter == nil {
		o.filter = filter.New()
	}
	if o.matcher == nil {
		o.matcher = objection.New()
	}
	if o.trigger == nil {
		o.trigger = trigger.New()
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	return o
}

// HandleFragment runs one transcript fragment of call through the pipeline.
// Events go to sink: instant ones before HandleFragment returns, LLM coaching
// later from a background goroutine.
//
// The returned error is non-nil only when the session could not be updated.
// Coaching failures are logged and never returned.
func (o *Orchestrator) HandleFragment(ctx context.Context, call *session.Call, role types.ChannelRole, text string, sink Sink) (Result, error) {
	now := o.now()
	script := call.Script()

	var (
		res    Result
		match  objection.Match
		found  bool
		prompt promptInput
	)
	err := call.Update(ctx, func(s *session.CallSession) error {
		verdict, window := o.filter.Check(s.Recent, text, role, now)
		res.Verdict = verdict
		if verdict.Discarded() {
			return session.ErrUnchanged
		}
		s.Recent = window
		res.Entry = s.Append(text, role, now)

		if script != nil {
			match, found = o.matcher.Match(text, script.Objections)
			if found {
				s.NoteObjection(match.Objection.ID)
			}
		}

		res.Decision = o.trigger.Evaluate(s.LastCoachingAt, text, now)
		if !res.Decision.Trigger || s.CoachingInFlight {
			return nil
		}
		s.LastCoachingAt = now
		s.CoachingInFlight = true
		res.Launched = true
		prompt = promptInput{
			turns:       s.RecentTurns(o.maxTurns),
			stage:       s.Stage,
			profile:     s.LeadProfile,
			lastCoached: s.LastCoachingText,
			decision:    res.Decision,
		}
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("coach: update session: %w", err)
	}

	o.metrics.RecordFragment(ctx, string(role), res.Verdict.String())
	if res.Verdict.Discarded() {
		return res, nil
	}

	sink.Accepted(ctx, res.Entry)

	if found && match.Score > InstantThreshold {
		o.emit(ctx, sink, o.objectionEvent(ctx, call, match))
	}

	if res.Decision.Trigger {
		o.metrics.RecordTrigger(ctx, string(res.Decision.Reason))
		if res.Decision.Reason == trigger.ReasonBuyingSignal {
			o.emit(ctx, sink, BuyingSignal{Keyword: res.Decision.Keyword, Text: res.Entry.Text})
		}
	}

	if res.Launched {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.coach(context.WithoutCancel(ctx), call, prompt, sink, now)
		}()
	} else if res.Decision.Trigger {
		slog.Debug("coach: call already in flight, trigger dropped",
			"call_id", call.ID(), "reason", res.Decision.Reason)
	}

	return res, nil
}

// Wait blocks until all background coaching calls have finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) objectionEvent(ctx context.Context, call *session.Call, m objection.Match) ObjectionDetected {
	ev := ObjectionDetected{
		Objection: m.Objection,
		Phrase:    m.Phrase,
		Score:     m.Score,
	}
	if o.rates == nil {
		return ev
	}
	metric, err := o.rates.GetMetric(ctx, m.Objection.ID, call.Script().ID)
	if err != nil {
		slog.Warn("coach: success rate lookup failed",
			"call_id", call.ID(), "objection_id", m.Objection.ID, "err", err)
		return ev
	}
	ev.SuccessRate, ev.HasRate = metric.SuccessRate()
	ev.Top = ev.HasRate && ev.SuccessRate > TopRecommendationRate
	return ev
}

// coach performs one LLM coaching call and applies its result.
func (o *Orchestrator) coach(ctx context.Context, call *session.Call, in promptInput, sink Sink, started time.Time) {
	ctx = observe.WithCall(ctx, call.ID())
	log := observe.Logger(ctx).With("reason", in.decision.Reason)

	var (
		resp     *response
		events   []Event
		released bool
	)
	defer func() {
		if r := recover(); r != nil {
			log.Error("coach: panic in coaching call", "panic", r)
		}
		if released {
			return
		}
		_ = call.Update(ctx, func(s *session.CallSession) error {
			s.CoachingInFlight = false
			return session.ErrUnchanged
		})
	}()

	resp = o.complete(ctx, call, in, log)
	if resp != nil && !resp.Skip {
		events = o.apply(ctx, call, in, resp)
		released = true
	}

	for _, ev := range events {
		o.emit(ctx, sink, ev)
	}
	if len(events) > 0 {
		o.metrics.CoachingDuration.Record(ctx, o.now().Sub(started).Seconds())
	}
}

// complete calls the LLM and parses its answer. It returns nil when the cycle
// must be skipped.
func (o *Orchestrator) complete(ctx context.Context, call *session.Call, in promptInput, log *slog.Logger) *response {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	ctx, span := observe.StartSpan(ctx, "coach.complete",
		attribute.String("reason", string(in.decision.Reason)))
	defer span.End()

	start := time.Now()
	out, err := o.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt:   buildSystemPrompt(call.Script(), o.language),
		ResponseSchema: responseSchema,
		Messages:       []types.Message{{Role: "user", Content: buildUserPrompt(in, call.Script())}},
		Temperature:    0.4,
		MaxTokens:      400,
	})
	o.metrics.RecordLLM(ctx, "coaching", time.Since(start).Seconds())
	if err == nil && out == nil {
		err = errEmptyResponse
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion failed")
		log.Warn("coach: completion failed", "err", err)
		return nil
	}

	resp, err := parseResponse(out.Content)
	if err != nil {
		span.SetStatus(codes.Error, "invalid response")
		log.Warn("coach: invalid response, skipping", "err", err)
		return nil
	}
	span.SetAttributes(attribute.Bool("skip", resp.Skip))
	return resp
}

// apply writes the LLM result into the session, releases the in-flight slot
// and returns the events to emit.
func (o *Orchestrator) apply(ctx context.Context, call *session.Call, in promptInput, resp *response) []Event {
	var events []Event
	script := call.Script()

	err := call.Update(ctx, func(s *session.CallSession) error {
		s.CoachingInFlight = false

		if c := resp.Coaching; c != nil {
			c.NextStep = resp.NextStep
			c.Reason = string(in.decision.Reason)
			s.LastCoachingText = c.Content
			events = append(events, *c)
		}

		if resp.StageChanged && resp.Step != s.Stage && script != nil &&
			resp.Step >= 0 && resp.Step < len(script.Steps) {
			step := script.Steps[resp.Step]
			events = append(events, StageChange{From: s.Stage, To: resp.Step, Name: step.Name, Goal: step.Goal})
			s.Stage = resp.Step
		}

		if p := resp.LeadProfile; p != nil && !p.Equal(s.LeadProfile) {
			prof := *p
			s.LeadProfile = &prof
			events = append(events, LeadProfileUpdate{Profile: prof})
		}
		return nil
	})
	if err != nil {
		slog.Warn("coach: apply result failed", "call_id", call.ID(), "err", err)
		return nil
	}
	return events
}

func (o *Orchestrator) emit(ctx context.Context, sink Sink, ev Event) {
	o.metrics.RecordCoachEvent(ctx, string(ev.Kind()))
	sink.Emit(ctx, ev)
}
