// Package mock provides a test double for the stt.Transcriber interface.
//
// Example:
//
//	tr := &mock.Transcriber{Texts: []string{"bom dia", "tá caro"}}
//	text, _ := tr.Transcribe(ctx, stt.Request{Audio: seg})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/salescoach/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Transcribe.
type TranscribeCall struct {
	Ctx context.Context
	Req stt.Request
}

// Transcriber is a mock implementation of stt.Transcriber.
type Transcriber struct {
	mu sync.Mutex

	// Texts are returned in order, one per call. When exhausted, Text is
	// returned.
	Texts []string

	// Text is the fallback result.
	Text string

	// Func, if set, overrides Texts and Text.
	Func func(ctx context.Context, req stt.Request) (string, error)

	// Err, if non-nil, is returned by every call.
	Err error

	// Calls records every invocation in order.
	Calls []TranscribeCall
}

// Transcribe records the call and returns the next configured text.
func (m *Transcriber) Transcribe(ctx context.Context, req stt.Request) (string, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, TranscribeCall{Ctx: ctx, Req: req})
	fn := m.Func
	if fn == nil && m.Err != nil {
		err := m.Err
		m.mu.Unlock()
		return "", err
	}
	var text string
	if fn == nil {
		text = m.Text
		if len(m.Texts) > 0 {
			text = m.Texts[0]
			m.Texts = m.Texts[1:]
		}
	}
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return text, nil
}

// CallCount returns the number of Transcribe invocations so far.
func (m *Transcriber) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

var _ stt.Transcriber = (*Transcriber)(nil)

// Requests returns a copy of the requests received so far.
func (m *Transcriber) Requests() []stt.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]stt.Request, len(m.Calls))
	for i, c := range m.Calls {
		out[i] = c.Req
	}
	return out
}
