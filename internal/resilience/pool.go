package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ErrAllFailed wraps the errors of a [Pool] call in which no member succeeded.
var ErrAllFailed = errors.New("resilience: all providers failed")

// Attempt describes one member's part in a pool call.
type Attempt struct {
	Provider string
	Err      error
	Duration time.Duration

	// Skipped is set when the member's breaker refused the call.
	Skipped bool
}

// Policy configures a [Pool].
type Policy struct {
	// Kind labels the pool in logs, for example "llm" or "stt".
	Kind string

	// Breaker is copied for every member.
	Breaker BreakerConfig

	// OnAttempt, if set, sees every attempt in order.
	OnAttempt func(Attempt)

	// OnStateChange, if set, sees every breaker transition of every member.
	OnStateChange func(provider string, from, to State)
}

type member[T any] struct {
	name    string
	value   T
	breaker *Breaker
}

// MemberStatus is a point-in-time view of one pool member.
type MemberStatus struct {
	Name  string
	State State
}

// Pool is an ordered list of interchangeable backends. Members must be added
// before the pool is shared between goroutines.
type Pool[T any] struct {
	policy  Policy
	members []*member[T]
}

// NewPool returns an empty pool.
func NewPool[T any](policy Policy) *Pool[T] {
	return &Pool[T]{policy: policy}
}

// Add appends a member. Members are tried in the order they were added.
func (p *Pool[T]) Add(name string, v T) *Pool[T] {
	cfg := p.policy.Breaker
	userHook := cfg.OnStateChange
	poolHook := p.policy.OnStateChange
	kind := p.policy.Kind
	cfg.OnStateChange = func(from, to State) {
		level := slog.LevelInfo
		if to == Open {
			level = slog.LevelWarn
		}
		slog.Log(context.Background(), level, "resilience: circuit state changed",
			"kind", kind, "provider", name, "from", from, "to", to)
		if userHook != nil {
			userHook(from, to)
		}
		if poolHook != nil {
			poolHook(name, from, to)
		}
	}
	p.members = append(p.members, &member[T]{name: name, value: v, breaker: NewBreaker(cfg)})
	return p
}

// Len returns the number of members.
func (p *Pool[T]) Len() int { return len(p.members) }

// Status lists the members with their breaker state.
func (p *Pool[T]) Status() []MemberStatus {
	out := make([]MemberStatus, len(p.members))
	for i, m := range p.members {
		out[i] = MemberStatus{Name: m.name, State: m.breaker.State()}
	}
	return out
}

// Healthy returns nil while at least one member would accept a call.
func (p *Pool[T]) Healthy(context.Context) error {
	if len(p.members) == 0 {
		return fmt.Errorf("%w: no %s providers configured", ErrAllFailed, p.policy.Kind)
	}
	var open []string
	for _, st := range p.Status() {
		if st.State != Open {
			return nil
		}
		open = append(open, st.Name)
	}
	return fmt.Errorf("%w: circuits open for %s", ErrAllFailed, strings.Join(open, ", "))
}

func (p *Pool[T]) report(a Attempt) {
	if p.policy.OnAttempt != nil {
		p.policy.OnAttempt(a)
	}
}

// Call runs fn against each member in order until one succeeds. It stops
// early when ctx is done or fn returns an error the member's breaker does
// not count as a failure, since the next member would fail the same way.
func Call[T, R any](ctx context.Context, p *Pool[T], fn func(context.Context, T) (R, error)) (R, error) {
	var (
		zero R
		errs []error
	)
	for _, m := range p.members {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		done, err := m.breaker.Allow()
		if err != nil {
			p.report(Attempt{Provider: m.name, Err: err, Skipped: true})
			errs = append(errs, fmt.Errorf("%s: %w", m.name, err))
			continue
		}

		start := time.Now()
		out, err := fn(ctx, m.value)
		done(err)
		p.report(Attempt{Provider: m.name, Err: err, Duration: time.Since(start)})
		if err == nil {
			return out, nil
		}
		if !m.breaker.cfg.IsFailure(err) {
			return zero, err
		}
		errs = append(errs, fmt.Errorf("%s: %w", m.name, err))
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}
