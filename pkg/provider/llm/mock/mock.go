// Package mock provides an in-memory llm.Provider for tests.
//
// Precedence per call: CompleteFunc, then CompleteErr, then the next entry of
// Replies, then CompleteResponse. With nothing set Complete returns an empty
// response.
//
//	p := &mock.Provider{Replies: []string{"summary", "answer"}}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/echonote/pkg/provider/llm"
)

var _ llm.Provider = (*Provider)(nil)

// CompleteCall is one recorded Complete invocation.
type CompleteCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider is a scriptable llm.Provider. Configure it before the first call.
type Provider struct {
	CompleteFunc     func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)
	CompleteErr      error
	CompleteResponse *llm.CompletionResponse

	// Replies are handed out one per call until exhausted.
	Replies []string

	mu    sync.Mutex
	calls []CompleteCall
	next  int
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.calls = append(p.calls, CompleteCall{Ctx: ctx, Req: req})
	fn, err := p.CompleteFunc, p.CompleteErr
	var resp llm.CompletionResponse
	switch {
	case fn != nil, err != nil:
	case p.next < len(p.Replies):
		resp.Content = p.Replies[p.next]
		p.next++
	case p.CompleteResponse != nil:
		resp = *p.CompleteResponse
	}
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Calls returns a snapshot of the recorded calls.
func (p *Provider) Calls() []CompleteCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]CompleteCall(nil), p.calls...)
}

// LastRequest returns the most recent request, or false if none was made.
func (p *Provider) LastRequest() (llm.CompletionRequest, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.calls) == 0 {
		return llm.CompletionRequest{}, false
	}
	return p.calls[len(p.calls)-1].Req, true
}

// Reset forgets recorded calls and rewinds Replies.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = nil
	p.next = 0
}
