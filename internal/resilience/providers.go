package resilience

import (
	"context"

	"github.com/MrWong99/salescoach/pkg/provider/llm"
	"github.com/MrWong99/salescoach/pkg/provider/stt"
	"github.com/MrWong99/salescoach/pkg/types"
)

// LLM is an [llm.Provider] backed by a pool of providers.
type LLM struct {
	pool *Pool[llm.Provider]
}

var _ llm.Provider = (*LLM)(nil)

// NewLLM returns a pool-backed provider with primary as its first member.
func NewLLM(policy Policy, primaryName string, primary llm.Provider) *LLM {
	return &LLM{pool: NewPool[llm.Provider](policy).Add(primaryName, primary)}
}

// AddFallback appends a provider tried after the ones already present.
func (l *LLM) AddFallback(name string, p llm.Provider) {
	l.pool.Add(name, p)
}

// Complete returns the first successful completion.
func (l *LLM) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return Call(ctx, l.pool, func(ctx context.Context, p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// Capabilities are those of the primary. They are static and never fail
// over.
func (l *LLM) Capabilities() types.ModelCapabilities {
	return l.pool.members[0].value.Capabilities()
}

// Healthy reports whether any member would accept a call.
func (l *LLM) Healthy(ctx context.Context) error { return l.pool.Healthy(ctx) }

// Status lists the members and their breaker state.
func (l *LLM) Status() []MemberStatus { return l.pool.Status() }

// Transcriber is an [stt.Transcriber] backed by a pool of transcribers.
type Transcriber struct {
	pool *Pool[stt.Transcriber]
}

var _ stt.Transcriber = (*Transcriber)(nil)

// NewTranscriber returns a pool-backed transcriber with primary as its first
// member.
func NewTranscriber(policy Policy, primaryName string, primary stt.Transcriber) *Transcriber {
	return &Transcriber{pool: NewPool[stt.Transcriber](policy).Add(primaryName, primary)}
}

// AddFallback appends a transcriber tried after the ones already present.
func (t *Transcriber) AddFallback(name string, tr stt.Transcriber) {
	t.pool.Add(name, tr)
}

// Transcribe returns the first successful transcription.
func (t *Transcriber) Transcribe(ctx context.Context, req stt.Request) (string, error) {
	return Call(ctx, t.pool, func(ctx context.Context, tr stt.Transcriber) (string, error) {
		return tr.Transcribe(ctx, req)
	})
}

// Healthy reports whether any member would accept a call.
func (t *Transcriber) Healthy(ctx context.Context) error { return t.pool.Healthy(ctx) }

// Status lists the members and their breaker state.
func (t *Transcriber) Status() []MemberStatus { return t.pool.Status() }
