// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify that the dialogue layer sends correct
// CompletionRequests and to feed controlled responses without a live backend.
// Multi-step conversations (tool call, then answer) are scripted with
// StreamScript: each StreamCompletion call consumes the next entry.
//
// Example:
//
//	p := &mock.Provider{
//	    StreamScript: [][]llm.Chunk{
//	        {{FinishReason: "tool_calls", ToolCalls: []types.ToolCall{{ID: "1", Name: "get_available_slots", Arguments: "{}"}}}},
//	        {{Text: "Voici les disponibilités."}, {FinishReason: "stop"}},
//	    },
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/medvoice/pkg/provider/llm"
	"github.com/MrWong99/medvoice/pkg/types"
)

// StreamCall records a single invocation of StreamCompletion.
type StreamCall struct {
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
// Zero values for response fields cause methods to return zero values and nil errors.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// StreamScript holds one chunk sequence per StreamCompletion call, consumed
	// in order. When exhausted, StreamChunks is used.
	StreamScript [][]llm.Chunk

	// StreamChunks is emitted by every StreamCompletion call once StreamScript
	// is exhausted.
	StreamChunks []llm.Chunk

	// StreamErr, if non-nil, is returned from StreamCompletion instead of
	// opening a channel.
	StreamErr error

	// Hold, if non-nil, delays the first chunk of every stream until it is
	// closed or the context is done.
	Hold chan struct{}

	// CompleteResponse is returned by Complete. May be nil.
	CompleteResponse *llm.CompletionResponse

	// CompleteErr, if non-nil, is returned as the error from Complete.
	CompleteErr error

	// ModelCapabilities is returned by Capabilities.
	ModelCapabilities types.ModelCapabilities

	// --- Call records (read after test) ---

	StreamCalls   []StreamCall
	CompleteCalls []llm.CompletionRequest
}

// StreamCompletion records the call and returns a channel that emits the next
// scripted chunk sequence.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.StreamCalls = append(p.StreamCalls, StreamCall{Req: cloneRequest(req)})
	if p.StreamErr != nil {
		err := p.StreamErr
		p.mu.Unlock()
		return nil, err
	}
	var chunks []llm.Chunk
	if len(p.StreamScript) > 0 {
		chunks = p.StreamScript[0]
		p.StreamScript = p.StreamScript[1:]
	} else {
		chunks = make([]llm.Chunk, len(p.StreamChunks))
		copy(chunks, p.StreamChunks)
	}
	hold := p.Hold
	p.mu.Unlock()

	ch := make(chan llm.Chunk, len(chunks))
	go func() {
		defer close(ch)
		if hold != nil {
			select {
			case <-hold:
			case <-ctx.Done():
				return
			}
		}
		for _, c := range chunks {
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
		}
	}()
	return ch, nil
}

// Complete records the call and returns CompleteResponse, CompleteErr.
func (p *Provider) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = append(p.CompleteCalls, cloneRequest(req))
	return p.CompleteResponse, p.CompleteErr
}

// CountTokens returns one token per four bytes of content.
func (p *Provider) CountTokens(messages []types.Message) (int, error) {
	n := 0
	for _, m := range messages {
		n += len(m.Content) / 4
	}
	return n, nil
}

// Capabilities returns ModelCapabilities.
func (p *Provider) Capabilities() types.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelCapabilities
}

// StreamCallCount returns the number of StreamCompletion calls. Thread-safe.
func (p *Provider) StreamCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StreamCalls)
}

// LastStreamRequest returns the most recent request passed to
// StreamCompletion, or the zero value.
func (p *Provider) LastStreamRequest() llm.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.StreamCalls) == 0 {
		return llm.CompletionRequest{}
	}
	return p.StreamCalls[len(p.StreamCalls)-1].Req
}

func cloneRequest(req llm.CompletionRequest) llm.CompletionRequest {
	req.Messages = append([]types.Message(nil), req.Messages...)
	return req
}

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)
