// Package resilience keeps coaching alive when a speech or language provider
// misbehaves. A [Breaker] stops calling a backend that keeps failing, and a
// [Pool] walks an ordered list of interchangeable backends, each behind its
// own breaker. [LLM] and [Transcriber] are pools shaped like the provider
// interfaces they wrap.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned when a breaker refuses a call.
var ErrOpen = errors.New("resilience: circuit open")

// State of a [Breaker].
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	}
	return "unknown"
}

// BreakerConfig tunes a [Breaker]. Zero fields take the defaults noted.
type BreakerConfig struct {
	// Threshold is the number of consecutive failures that opens the
	// breaker. Default 5.
	Threshold int

	// Cooldown is how long an open breaker rejects calls before letting
	// probes through. Default 30s.
	Cooldown time.Duration

	// Probes is both the number of concurrent half-open calls and the number
	// of consecutive probe successes needed to close again. Default 1.
	Probes int

	// IsFailure classifies errors. Errors it rejects neither trip nor heal
	// the breaker. Default: everything except context.Canceled, so a backend
	// that keeps timing out is still counted as unhealthy.
	IsFailure func(error) bool

	// OnStateChange is called outside the lock after every transition.
	OnStateChange func(from, to State)
}

func (c *BreakerConfig) defaults() {
	if c.Threshold <= 0 {
		c.Threshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.Probes <= 0 {
		c.Probes = 1
	}
	if c.IsFailure == nil {
		c.IsFailure = func(err error) bool { return !errors.Is(err, context.Canceled) }
	}
}

// Breaker is a three-state circuit breaker. It is safe for concurrent use.
type Breaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu        sync.Mutex
	state     State
	failures  int // consecutive, while closed
	openedAt  time.Time
	inFlight  int // half-open probes running
	successes int // consecutive half-open successes
}

// NewBreaker returns a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	cfg.defaults()
	return &Breaker{cfg: cfg, now: time.Now}
}

// Allow asks for permission to make one call. On success the caller must
// pass the call's outcome to done exactly once.
func (b *Breaker) Allow() (done func(error), err error) {
	b.mu.Lock()
	from := b.state
	if b.state == Open && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		b.state, b.inFlight, b.successes = HalfOpen, 0, 0
	}
	switch {
	case b.state == Open:
		b.mu.Unlock()
		return nil, ErrOpen
	case b.state == HalfOpen && b.inFlight >= b.cfg.Probes:
		b.mu.Unlock()
		b.notify(from, HalfOpen)
		return nil, ErrOpen
	}
	probe := b.state == HalfOpen
	if probe {
		b.inFlight++
	}
	to := b.state
	b.mu.Unlock()
	b.notify(from, to)

	var once sync.Once
	return func(err error) {
		once.Do(func() { b.record(probe, err) })
	}, nil
}

// Do runs fn if the breaker allows it and records the outcome.
func (b *Breaker) Do(fn func() error) error {
	done, err := b.Allow()
	if err != nil {
		return err
	}
	err = fn()
	done(err)
	return err
}

func (b *Breaker) record(probe bool, err error) {
	b.mu.Lock()
	from := b.state
	if probe {
		b.inFlight--
	}
	switch {
	case err != nil && !b.cfg.IsFailure(err):
		// neutral
	case err != nil:
		b.successes = 0
		b.failures++
		if probe || b.failures >= b.cfg.Threshold {
			b.state, b.openedAt = Open, b.now()
		}
	case probe:
		b.successes++
		if b.successes >= b.cfg.Probes {
			b.state, b.failures, b.successes = Closed, 0, 0
		}
	default:
		b.failures = 0
	}
	to := b.state
	b.mu.Unlock()
	b.notify(from, to)
}

// State reports the current state. An open breaker whose cooldown elapsed is
// reported as half-open although the transition happens on the next call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return HalfOpen
	}
	return b.state
}

// Reset closes the breaker and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state, b.failures, b.inFlight, b.successes = Closed, 0, 0, 0
	b.mu.Unlock()
	b.notify(from, Closed)
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}
