// Package mock provides a scripted llm.Provider for tests.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/salescoach/pkg/provider/llm"
	"github.com/MrWong99/salescoach/pkg/types"
)

// Provider answers Complete from a script. Replies are consumed in order;
// once they run out, Reply and Err are returned on every call. Func takes
// precedence over both.
type Provider struct {
	mu sync.Mutex

	Replies []*llm.CompletionResponse
	Reply   *llm.CompletionResponse
	Err     error
	Func    func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)

	// Caps is what Capabilities reports.
	Caps types.ModelCapabilities

	reqs []llm.CompletionRequest
}

var _ llm.Provider = (*Provider)(nil)

func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.reqs = append(p.reqs, req)
	if fn := p.Func; fn != nil {
		p.mu.Unlock()
		return fn(ctx, req)
	}
	defer p.mu.Unlock()
	if len(p.Replies) > 0 {
		r := p.Replies[0]
		p.Replies = p.Replies[1:]
		return r, nil
	}
	return p.Reply, p.Err
}

func (p *Provider) Capabilities() types.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Caps
}

// Requests returns the requests seen so far, oldest first.
func (p *Provider) Requests() []llm.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]llm.CompletionRequest(nil), p.reqs...)
}

// CallCount is len(Requests()).
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.reqs)
}
