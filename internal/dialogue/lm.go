package dialogue

import (
	"context"
	"log/slog"
	"strings"

	"github.com/MrWong99/medvoice/internal/prompts"
	"github.com/MrWong99/medvoice/internal/resilience"
	"github.com/MrWong99/medvoice/pkg/lang"
	"github.com/MrWong99/medvoice/pkg/provider/llm"
	"github.com/MrWong99/medvoice/pkg/types"
)

// Default generation settings.
const (
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 500
)

// LMConfig tunes generation.
type LMConfig struct {
	Temperature float64
	MaxTokens   int
	Clinic      prompts.Clinic
}

// LM streams assistant replies from a primary language model with one retry
// against a fallback. It never fails: when both models are unavailable the
// caller receives a spoken apology in the conversation language.
type LM struct {
	backend llm.Provider
	cfg     LMConfig
}

// NewLM returns an LM over backend, typically a [resilience.LLMFallback].
func NewLM(backend llm.Provider, cfg LMConfig) *LM {
	if cfg.Temperature == 0 {
		cfg.Temperature = DefaultTemperature
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	cfg.Clinic = cfg.Clinic.WithDefaults()
	return &LM{backend: backend, cfg: cfg}
}

// NewFallbackLM builds an LM that tries primary first and fallback once when
// primary fails to start or errors before producing any content. fallback
// may be nil.
func NewFallbackLM(primary llm.Provider, primaryName string, fallback llm.Provider, fallbackName string, cfg LMConfig) *LM {
	fb := resilience.NewLLMFallback(primary, primaryName, resilience.FallbackConfig{})
	if fallback != nil {
		fb.AddFallback(fallbackName, fallback)
	}
	return NewLM(fb, cfg)
}

func (m *LM) request(history []types.Message, l lang.Language, withTools bool) llm.CompletionRequest {
	req := llm.CompletionRequest{
		Messages:     history,
		Temperature:  m.cfg.Temperature,
		MaxTokens:    m.cfg.MaxTokens,
		SystemPrompt: prompts.SystemPrompt(l, m.cfg.Clinic),
	}
	if withTools {
		req.Tools = ToolDefinitions()
		req.ToolChoice = llm.ToolChoiceAuto
	}
	return req
}

// Stream starts a reply over history. The returned channel always yields at
// least one chunk and is closed when the reply is complete. Error chunks that
// arrive after content has been produced are converted into a plain stop so
// technical messages never reach the caller.
func (m *LM) Stream(ctx context.Context, history []types.Message, l lang.Language, withTools bool) <-chan llm.Chunk {
	out := make(chan llm.Chunk, 16)
	ch, err := m.backend.StreamCompletion(ctx, m.request(history, l, withTools))
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("dialogue: language models unavailable, apologising", "err", err)
		}
		out <- llm.Chunk{Text: prompts.Apology(l), FinishReason: "stop"}
		close(out)
		return out
	}

	go func() {
		defer close(out)
		for c := range ch {
			if c.FinishReason == llm.FinishReasonError {
				slog.Warn("dialogue: language model stream failed mid-reply", "err", c.Text)
				c = llm.Chunk{FinishReason: "stop", Usage: c.Usage}
			}
			select {
			case out <- c:
			case <-ctx.Done():
				for range ch {
				}
				return
			}
		}
	}()
	return out
}

// Complete returns a full reply under the same retry and apology policy as
// [LM.Stream].
func (m *LM) Complete(ctx context.Context, history []types.Message, l lang.Language, withTools bool) (string, []types.ToolCall, llm.Usage) {
	resp, err := m.backend.Complete(ctx, m.request(history, l, withTools))
	if err != nil || resp == nil {
		slog.Error("dialogue: language models unavailable, apologising", "err", err)
		return prompts.Apology(l), nil, llm.Usage{}
	}
	return strings.TrimSpace(resp.Content), resp.ToolCalls, resp.Usage
}
