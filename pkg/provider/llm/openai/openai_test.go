package openai

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/MrWong99/medvoice/pkg/provider/llm"
	"github.com/MrWong99/medvoice/pkg/types"
)

func TestConvertMessage_Roles(t *testing.T) {
	t.Parallel()

	sys, err := convertMessage(types.Message{Role: "system", Content: "Tu es une réceptionniste."})
	if err != nil || sys.OfSystem == nil {
		t.Fatalf("system: OfSystem not set (err=%v)", err)
	}
	user, err := convertMessage(types.Message{Role: "user", Content: "Bonjour"})
	if err != nil || user.OfUser == nil {
		t.Fatalf("user: OfUser not set (err=%v)", err)
	}
	tool, err := convertMessage(types.Message{Role: "tool", Content: `{"ok":true}`, ToolCallID: "call_1"})
	if err != nil || tool.OfTool == nil {
		t.Fatalf("tool: OfTool not set (err=%v)", err)
	}
	if tool.OfTool.ToolCallID != "call_1" {
		t.Errorf("tool call id = %q, want call_1", tool.OfTool.ToolCallID)
	}
	if _, err := convertMessage(types.Message{Role: "narrator"}); err == nil {
		t.Error("expected error for unknown role")
	}
}

func TestConvertMessage_AssistantWithToolCalls(t *testing.T) {
	t.Parallel()

	msg := types.Message{
		Role: "assistant",
		ToolCalls: []types.ToolCall{
			{ID: "call_1", Name: "get_available_slots", Arguments: `{"visit_type":"general"}`},
		},
	}
	p, err := convertMessage(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.OfAssistant == nil || len(p.OfAssistant.ToolCalls) != 1 {
		t.Fatalf("expected one assistant tool call, got %+v", p.OfAssistant)
	}
	tc := p.OfAssistant.ToolCalls[0]
	if tc.ID != "call_1" || tc.Function.Name != "get_available_slots" {
		t.Errorf("tool call = %+v", tc)
	}
}

func TestModelCapabilities(t *testing.T) {
	t.Parallel()

	tests := []struct {
		model     string
		window    int
		maxOutput int
	}{
		{"openai/gpt-4o-mini", 128_000, 16_384},
		{"deepseek/deepseek-v3.2", 163_840, 8_192},
		{"some/unknown-model", 128_000, 4_096},
	}
	for _, tt := range tests {
		caps := modelCapabilities(tt.model)
		if caps.ContextWindow != tt.window || caps.MaxOutputTokens != tt.maxOutput {
			t.Errorf("%s: got window=%d maxOutput=%d", tt.model, caps.ContextWindow, caps.MaxOutputTokens)
		}
		if !caps.SupportsToolCalling || !caps.SupportsStreaming {
			t.Errorf("%s: expected tool calling and streaming", tt.model)
		}
	}
}

func TestBuildParams_ToolChoice(t *testing.T) {
	t.Parallel()

	p, err := New("key", "deepseek/deepseek-v3.2")
	if err != nil {
		t.Fatal(err)
	}

	params, err := p.buildParams(llm.CompletionRequest{
		Messages:     []types.Message{{Role: "user", Content: "hi"}},
		SystemPrompt: "prompt",
		MaxTokens:    500,
		Temperature:  0.7,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(params.Tools) != 0 || params.ToolChoice.OfAuto.Valid() {
		t.Error("tool_choice must not be set without tools")
	}
	if len(params.Messages) != 2 {
		t.Errorf("messages = %d, want 2 (system + user)", len(params.Messages))
	}

	params, err = p.buildParams(llm.CompletionRequest{
		Messages: []types.Message{{Role: "user", Content: "hi"}},
		Tools:    []types.ToolDefinition{{Name: "transfer_to_human", Parameters: map[string]any{"type": "object"}}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := params.ToolChoice.OfAuto.Value; got != "auto" {
		t.Errorf("tool_choice = %q, want auto", got)
	}
}

func TestCountTokens_Estimation(t *testing.T) {
	t.Parallel()

	p, _ := New("key", "openai/gpt-4o-mini")
	n, err := p.CountTokens([]types.Message{{Role: "user", Content: "12345678"}})
	if err != nil {
		t.Fatal(err)
	}
	if n != 6 {
		t.Errorf("CountTokens = %d, want 6", n)
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New("", "m"); err == nil {
		t.Error("expected error for empty api key")
	}
	if _, err := New("k", ""); err == nil {
		t.Error("expected error for empty model")
	}
}

// sseServer serves a canned chat completion stream and records request
// headers.
type sseServer struct {
	mu      sync.Mutex
	headers http.Header
	body    string
}

func (s *sseServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.headers = r.Header.Clone()
	s.mu.Unlock()

	w.Header().Set("Content-Type", "text/event-stream")
	for _, line := range strings.Split(strings.TrimSpace(s.body), "\n") {
		fmt.Fprintf(w, "data: %s\n\n", line)
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
}

func chunkJSON(delta string, finish string) string {
	fr := "null"
	if finish != "" {
		fr = `"` + finish + `"`
	}
	return `{"id":"c1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":` + delta + `,"finish_reason":` + fr + `}]}`
}

func TestStreamCompletion_TextAndHeaders(t *testing.T) {
	t.Parallel()

	srv := &sseServer{body: strings.Join([]string{
		chunkJSON(`{"role":"assistant","content":"Bonjour, "}`, ""),
		chunkJSON(`{"content":"comment puis-je vous aider?"}`, ""),
		chunkJSON(`{}`, "stop"),
	}, "\n")}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	p, err := New("key", "deepseek/deepseek-v3.2",
		WithBaseURL(ts.URL),
		WithHeader("HTTP-Referer", "https://medvoice-ai.web.app"),
		WithHeader("X-Title", "MedVoice AI"),
	)
	if err != nil {
		t.Fatal(err)
	}

	ch, err := p.StreamCompletion(context.Background(), llm.CompletionRequest{
		Messages: []types.Message{{Role: "user", Content: "Bonjour"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	var text strings.Builder
	var finish string
	for c := range ch {
		text.WriteString(c.Text)
		if c.FinishReason != "" {
			finish = c.FinishReason
		}
	}
	if got := text.String(); got != "Bonjour, comment puis-je vous aider?" {
		t.Errorf("text = %q", got)
	}
	if finish != "stop" {
		t.Errorf("finish = %q, want stop", finish)
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if got := srv.headers.Get("X-Title"); got != "MedVoice AI" {
		t.Errorf("X-Title = %q", got)
	}
	if got := srv.headers.Get("HTTP-Referer"); got != "https://medvoice-ai.web.app" {
		t.Errorf("HTTP-Referer = %q", got)
	}
}

func TestStreamCompletion_AccumulatesToolCalls(t *testing.T) {
	t.Parallel()

	srv := &sseServer{body: strings.Join([]string{
		chunkJSON(`{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"get_available_slots","arguments":"{\"visit_"}}]}`, ""),
		chunkJSON(`{"tool_calls":[{"index":0,"function":{"arguments":"type\":\"general\"}"}}]}`, ""),
		chunkJSON(`{}`, "tool_calls"),
	}, "\n")}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	p, _ := New("key", "m", WithBaseURL(ts.URL))
	ch, err := p.StreamCompletion(context.Background(), llm.CompletionRequest{
		Messages: []types.Message{{Role: "user", Content: "rendez-vous"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	var calls []types.ToolCall
	for c := range ch {
		calls = append(calls, c.ToolCalls...)
	}
	if len(calls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(calls))
	}
	want := types.ToolCall{ID: "call_1", Name: "get_available_slots", Arguments: `{"visit_type":"general"}`}
	if calls[0] != want {
		t.Errorf("tool call = %+v, want %+v", calls[0], want)
	}
}

func TestStreamCompletion_StartFailure(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"no credits"}}`, http.StatusPaymentRequired)
	}))
	defer ts.Close()

	p, _ := New("key", "m", WithBaseURL(ts.URL))
	if _, err := p.StreamCompletion(context.Background(), llm.CompletionRequest{
		Messages: []types.Message{{Role: "user", Content: "x"}},
	}); err == nil {
		t.Fatal("expected start error")
	}
}
