package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/medvoice/pkg/provider/llm"
	"github.com/MrWong99/medvoice/pkg/types"
)

// errEmptyFailure is reported to the circuit breaker when a stream ends with an
// error chunk before producing any content.
var errEmptyFailure = errors.New("stream failed before producing content")

// LLMFallback implements [llm.Provider] with failover across language model
// backends. Each backend has its own circuit breaker.
//
// Unlike a plain [FallbackGroup], streaming failover also covers the start of
// the stream: when a backend opens a stream that ends in an error chunk before
// any text or tool call was emitted, the next backend is tried with the same
// request. Once content has been forwarded, a later error is passed through
// unchanged.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional backend.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Names returns the backend names in the order they are tried.
func (f *LLMFallback) Names() []string { return f.group.Names() }

// Complete sends the request to the first healthy backend.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// StreamCompletion returns a stream from the first backend that either starts
// producing content or finishes cleanly.
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (<-chan llm.Chunk, error) {
		ch, err := p.StreamCompletion(ctx, req)
		if err != nil {
			return nil, err
		}
		return peekStream(ctx, ch)
	})
}

// peekStream reads ch until the first chunk carrying content or a clean
// finish. An error chunk seen before that point fails the attempt. Otherwise
// the returned channel replays what was read and forwards the rest.
func peekStream(ctx context.Context, ch <-chan llm.Chunk) (<-chan llm.Chunk, error) {
	var head []llm.Chunk
	for {
		c, ok := <-ch
		if !ok {
			break
		}
		if c.FinishReason == llm.FinishReasonError {
			go drain(ch)
			slog.Debug("llm stream failed before content", "error", c.Text)
			return nil, fmt.Errorf("%w: %s", errEmptyFailure, c.Text)
		}
		head = append(head, c)
		if c.Text != "" || len(c.ToolCalls) > 0 || c.FinishReason != "" {
			break
		}
	}

	out := make(chan llm.Chunk, len(head)+8)
	for _, c := range head {
		out <- c
	}
	go func() {
		defer close(out)
		for c := range ch {
			select {
			case out <- c:
			case <-ctx.Done():
				drain(ch)
				return
			}
		}
	}()
	return out, nil
}

func drain(ch <-chan llm.Chunk) {
	for range ch {
	}
}

// CountTokens delegates to the first healthy backend's token counter.
func (f *LLMFallback) CountTokens(messages []types.Message) (int, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (int, error) {
		return p.CountTokens(messages)
	})
}

// Capabilities returns the capabilities of the primary.
func (f *LLMFallback) Capabilities() types.ModelCapabilities {
	if len(f.group.entries) > 0 {
		return f.group.entries[0].value.Capabilities()
	}
	return types.ModelCapabilities{}
}
