// Package llm defines the Provider interface for Large Language Model backends.
//
// An LLM provider wraps a remote model API (an OpenAI-compatible gateway such
// as OpenRouter, or Groq through any-llm-go) and exposes a uniform interface
// for the dialogue orchestrator to stream completions and inspect model
// capabilities without coupling to any specific SDK.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends or
// when the supplied context is cancelled.
package llm

import (
	"context"

	"github.com/MrWong99/medvoice/pkg/types"
)

// FinishReasonError marks a Chunk that reports a failure after the stream has
// already started. The chunk's Text carries the technical error message, which
// must never be spoken to a caller.
const FinishReasonError = "error"

// ToolChoice controls whether the model may call the offered tools.
type ToolChoice string

const (
	// ToolChoiceAuto lets the model decide. This is the default when tools are
	// offered.
	ToolChoiceAuto ToolChoice = "auto"

	// ToolChoiceNone forbids tool calls for this request.
	ToolChoiceNone ToolChoice = "none"
)

// Usage holds token accounting information returned by the LLM backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the LLM needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history.
	Messages []types.Message

	// Tools is the set of function definitions offered to the model.
	Tools []types.ToolDefinition

	// ToolChoice is only meaningful when Tools is non-empty. Empty means
	// [ToolChoiceAuto].
	ToolChoice ToolChoice

	// Temperature controls output randomness in the range [0.0, 2.0].
	Temperature float64

	// MaxTokens caps the number of completion tokens. Zero means the provider
	// default.
	MaxTokens int

	// SystemPrompt is prepended as a "system"-role message.
	SystemPrompt string
}

// Chunk is a single fragment emitted by a streaming completion. A chunk may
// carry text, a finish signal, tool calls, or any combination thereof.
type Chunk struct {
	// Text is the incremental text content of this chunk.
	Text string

	// FinishReason is set on the final chunk: "stop", "length", "tool_calls",
	// or [FinishReasonError].
	FinishReason string

	// ToolCalls holds the fully accumulated tool invocations. Providers emit
	// them once, on the chunk that carries the finish reason.
	ToolCalls []types.ToolCall

	// Usage is populated on the last chunk when the backend reports it.
	Usage *Usage
}

// CompletionResponse is returned by the non-streaming Complete method.
type CompletionResponse struct {
	// Content is the full text of the assistant's reply. Empty when the model
	// responds exclusively with tool calls.
	Content string

	ToolCalls []types.ToolCall

	Usage Usage
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// StreamCompletion sends req to the model and returns a channel that emits
	// Chunk values as they arrive. The channel is closed by the implementation
	// when generation finishes or ctx is cancelled.
	//
	// The error return is non-nil only for failures that prevent the stream
	// from starting. Errors after that are surfaced as a Chunk with
	// FinishReason [FinishReasonError].
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete sends req to the model and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates the number of tokens the message list would
	// consume. The result need not be exact but should not undercount.
	CountTokens(messages []types.Message) (int, error)

	// Capabilities returns static metadata describing the underlying model.
	Capabilities() types.ModelCapabilities
}
