// Package trigger decides when the coaching pipeline should call the AI.
//
// Evaluate is a pure function of the last coaching time, the incoming text and
// the current time. Rules are checked in priority order and the first match
// wins:
//
//  1. a buying-signal phrase triggers immediately, ignoring the cooldown;
//  2. inside the cooldown nothing else triggers;
//  3. a resistance phrase triggers;
//  4. a long silence from the coach triggers a periodic check-in.
//
// Phrase matching folds case and diacritics, so "Tá caro" matches "ta caro".
package trigger

import (
	"time"

	"github.com/MrWong99/salescoach/internal/textnorm"
)

// Reason explains why a trigger fired.
type Reason string

const (
	ReasonBuyingSignal Reason = "buying_signal"
	ReasonResistance   Reason = "objection"
	ReasonTimeInterval Reason = "time_interval"
)

// Priorities; lower is more urgent.
const (
	PriorityBuyingSignal = 1
	PriorityResistance   = 2
	PriorityTimeInterval = 4
)

const (
	// DefaultCooldown is the minimum gap between two AI coaching calls.
	DefaultCooldown = 5 * time.Second

	// DefaultCheckInInterval is the gap after which a check-in fires.
	DefaultCheckInInterval = 25 * time.Second
)

// DefaultBuyingSignals are purchase-intent phrases.
var DefaultBuyingSignals = []string{
	"quero começar",
	"quero contratar",
	"vamos fechar",
	"podemos fechar",
	"onde eu assino",
	"como faço para assinar",
	"manda o contrato",
	"pode mandar o contrato",
	"qual a forma de pagamento",
	"como funciona o pagamento",
	"quando podemos começar",
	"quando consigo começar",
	"vamos nessa",
	"gostei da proposta",
}

// DefaultResistance are hesitation and objection phrases.
var DefaultResistance = []string{
	"tá caro",
	"está caro",
	"muito caro",
	"caro demais",
	"mais barato",
	"preciso pensar",
	"vou pensar",
	"não tenho orçamento",
	"sem orçamento",
	"não é o momento",
	"agora não",
	"já tenho fornecedor",
	"já uso outra",
	"falar com meu sócio",
	"falar com o meu chefe",
	"não tenho interesse",
	"não sei se",
	"me manda por email",
	"depois eu vejo",
}

// Decision is the outcome of Evaluate.
type Decision struct {
	Trigger  bool
	Reason   Reason
	Priority int

	// Keyword is the folded phrase that matched, if any.
	Keyword string
}

// Evaluator holds the phrase lists and timings.
type Evaluator struct {
	buying     []string
	resistance []string
	cooldown   time.Duration
	interval   time.Duration
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithCooldown overrides DefaultCooldown.
func WithCooldown(d time.Duration) Option {
	return func(e *Evaluator) {
		if d > 0 {
			e.cooldown = d
		}
	}
}

// WithCheckInInterval overrides DefaultCheckInInterval.
func WithCheckInInterval(d time.Duration) Option {
	return func(e *Evaluator) {
		if d > 0 {
			e.interval = d
		}
	}
}

// WithBuyingSignals replaces the buying-signal phrases.
func WithBuyingSignals(phrases ...string) Option {
	return func(e *Evaluator) { e.buying = textnorm.FoldAll(phrases) }
}

// WithResistance replaces the resistance phrases.
func WithResistance(phrases ...string) Option {
	return func(e *Evaluator) { e.resistance = textnorm.FoldAll(phrases) }
}

// New returns an Evaluator with the default phrases and timings.
func New(opts ...Option) *Evaluator {
	e := &Evaluator{
		buying:     textnorm.FoldAll(DefaultBuyingSignals),
		resistance: textnorm.FoldAll(DefaultResistance),
		cooldown:   DefaultCooldown,
		interval:   DefaultCheckInInterval,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Evaluate decides whether text, arriving at now, should trigger an AI
// coaching call. A zero lastCoachingAt means the call was never coached.
func (e *Evaluator) Evaluate(lastCoachingAt time.Time, text string, now time.Time) Decision {
	folded := textnorm.Fold(text)

	if kw, ok := textnorm.ContainsAny(folded, e.buying); ok {
		return Decision{Trigger: true, Reason: ReasonBuyingSignal, Priority: PriorityBuyingSignal, Keyword: kw}
	}

	never := lastCoachingAt.IsZero()
	elapsed := now.Sub(lastCoachingAt)
	if !never && elapsed < e.cooldown {
		return Decision{}
	}

	if kw, ok := textnorm.ContainsAny(folded, e.resistance); ok {
		return Decision{Trigger: true, Reason: ReasonResistance, Priority: PriorityResistance, Keyword: kw}
	}

	if never || elapsed > e.interval {
		return Decision{Trigger: true, Reason: ReasonTimeInterval, Priority: PriorityTimeInterval}
	}
	return Decision{}
}
