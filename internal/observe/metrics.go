// Package observe holds the observability plumbing shared by every
// salescoach component: OpenTelemetry instruments exported to Prometheus,
// tracing helpers that carry the call id, and the HTTP middleware that ties
// requests to both.
//
// Production code uses [DefaultMetrics], bound to the global meter provider
// that [InitProvider] installs. Tests build their own with [NewMetrics] and a
// manual reader.
package observe

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/salescoach"

// Metrics groups the instruments. The attribute keys each one expects are
// listed next to it; the Record helpers below set them.
type Metrics struct {
	STTDuration      metric.Float64Histogram // seconds
	LLMDuration      metric.Float64Histogram // purpose
	CoachingDuration metric.Float64Histogram // trigger to emitted coaching event

	ProviderRequests   metric.Int64Counter // provider, kind, status
	ProviderErrors     metric.Int64Counter // provider, kind
	CircuitTransitions metric.Int64Counter // provider, kind, state

	Fragments        metric.Int64Counter // role, verdict
	CoachingTriggers metric.Int64Counter // reason
	CoachEvents      metric.Int64Counter // kind
	Whispers         metric.Int64Counter

	ActiveCalls       metric.Int64UpDownCounter
	ActiveConnections metric.Int64UpDownCounter // role

	HTTPRequestDuration metric.Float64Histogram // method, route
}

// latencyBuckets covers transcription and completion latencies in seconds.
var latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 8, 15}

// httpBuckets also covers WebSocket lifetimes, which the middleware records
// on close.
var httpBuckets = []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 30, 120, 600, 3600}

// instruments collects the first error of a run of instrument constructors.
type instruments struct {
	m    metric.Meter
	errs []error
}

func (b *instruments) histogram(name, desc string, buckets []float64) metric.Float64Histogram {
	h, err := b.m.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(buckets...),
	)
	b.errs = append(b.errs, err)
	return h
}

func (b *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := b.m.Int64Counter(name, metric.WithDescription(desc))
	b.errs = append(b.errs, err)
	return c
}

func (b *instruments) gauge(name, desc string) metric.Int64UpDownCounter {
	g, err := b.m.Int64UpDownCounter(name, metric.WithDescription(desc))
	b.errs = append(b.errs, err)
	return g
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := &instruments{m: mp.Meter(meterName)}
	m := &Metrics{
		STTDuration:      b.histogram("salescoach.stt.duration", "Latency of speech-to-text transcription.", latencyBuckets),
		LLMDuration:      b.histogram("salescoach.llm.duration", "Latency of LLM inference by purpose.", latencyBuckets),
		CoachingDuration: b.histogram("salescoach.coaching.duration", "Time from a triggering fragment to the coaching event.", latencyBuckets),

		ProviderRequests:   b.counter("salescoach.provider.requests", "Provider attempts by provider, kind and status."),
		ProviderErrors:     b.counter("salescoach.provider.errors", "Failed provider attempts by provider and kind."),
		CircuitTransitions: b.counter("salescoach.provider.circuit_transitions", "Circuit breaker transitions by provider, kind and new state."),

		Fragments:        b.counter("salescoach.fragments", "Transcript fragments by role and filter verdict."),
		CoachingTriggers: b.counter("salescoach.coaching.triggers", "Coaching triggers by reason."),
		CoachEvents:      b.counter("salescoach.coach.events", "Events delivered to sellers by kind."),
		Whispers:         b.counter("salescoach.whispers", "Manager whispers relayed to sellers."),

		ActiveCalls:       b.gauge("salescoach.active_calls", "Calls with a live session."),
		ActiveConnections: b.gauge("salescoach.active_connections", "Open WebSocket connections by role."),

		HTTPRequestDuration: b.histogram("salescoach.http.request.duration", "HTTP request latency by method and route.", httpBuckets),
	}
	if err := errors.Join(b.errs...); err != nil {
		return nil, err
	}
	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns instruments on the global meter provider, created on
// first use. Call it after [InitProvider].
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		if defaultMetrics, err = NewMetrics(otel.GetMeterProvider()); err != nil {
			panic("observe: create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

func attrs(kv ...attribute.KeyValue) metric.MeasurementOption {
	return metric.WithAttributes(kv...)
}

// RecordProviderRequest counts one provider attempt.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1, attrs(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
		attribute.String("status", status),
	))
}

// RecordProviderError counts one failed provider attempt.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, attrs(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
	))
}

// RecordCircuit counts a breaker moving to state.
func (m *Metrics) RecordCircuit(ctx context.Context, provider, kind, state string) {
	m.CircuitTransitions.Add(ctx, 1, attrs(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
		attribute.String("state", state),
	))
}

// RecordFragment counts one transcript fragment with its filter verdict.
func (m *Metrics) RecordFragment(ctx context.Context, role, verdict string) {
	m.Fragments.Add(ctx, 1, attrs(
		attribute.String("role", role),
		attribute.String("verdict", verdict),
	))
}

func (m *Metrics) RecordTrigger(ctx context.Context, reason string) {
	m.CoachingTriggers.Add(ctx, 1, attrs(attribute.String("reason", reason)))
}

func (m *Metrics) RecordCoachEvent(ctx context.Context, kind string) {
	m.CoachEvents.Add(ctx, 1, attrs(attribute.String("kind", kind)))
}

func (m *Metrics) RecordLLM(ctx context.Context, purpose string, seconds float64) {
	m.LLMDuration.Record(ctx, seconds, attrs(attribute.String("purpose", purpose)))
}

func (m *Metrics) RecordSTT(ctx context.Context, seconds float64) {
	m.STTDuration.Record(ctx, seconds)
}

// RecordConnection moves the open connection gauge for role by delta.
func (m *Metrics) RecordConnection(ctx context.Context, role string, delta int64) {
	m.ActiveConnections.Add(ctx, delta, attrs(attribute.String("role", role)))
}
