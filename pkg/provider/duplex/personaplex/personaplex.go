// Package personaplex implements the duplex.Provider interface for the
// PersonaPlex full-duplex conversational service.
//
// The session is a single WebSocket: binary frames carry PCM16 audio in both
// directions, text frames carry JSON control events. The first frame sent is
// a session.init message with the voice, audio formats, turn-taking behaviour,
// languages and system prompt.
package personaplex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/medvoice/pkg/provider/duplex"
	"github.com/MrWong99/medvoice/pkg/types"
)

var (
	_ duplex.Provider = (*Provider)(nil)
	_ duplex.Session  = (*session)(nil)
)

const (
	defaultEndpoint = "wss://personaplex.nvidia.com/v1/stream"
	protocolVersion = "1.0"
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithEndpoint overrides the WebSocket endpoint.
func WithEndpoint(url string) Option {
	return func(p *Provider) { p.endpoint = url }
}

// Provider implements duplex.Provider for PersonaPlex.
type Provider struct {
	apiKey   string
	endpoint string
}

// New creates a Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("personaplex: apiKey must not be empty")
	}
	p := &Provider{apiKey: apiKey, endpoint: defaultEndpoint}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Connect dials the service and sends session.init.
func (p *Provider) Connect(ctx context.Context, cfg duplex.SessionConfig) (duplex.Session, error) {
	conn, _, err := websocket.Dial(ctx, p.endpoint, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization":         []string{"Bearer " + p.apiKey},
			"X-PersonaPlex-Version": []string{protocolVersion},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("personaplex: dial: %w", err)
	}
	// Agent audio at 24 kHz easily exceeds the default 32 KiB read limit.
	conn.SetReadLimit(1 << 20)

	sessCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &session{
		conn:   conn,
		events: make(chan duplex.Event, 128),
		ctx:    sessCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	if err := s.writeJSON(buildInit(cfg)); err != nil {
		cancel()
		conn.Close(websocket.StatusInternalError, "init failed")
		return nil, fmt.Errorf("personaplex: send session.init: %w", err)
	}

	go s.receiveLoop()
	return s, nil
}

// ── Protocol messages (outgoing) ──────────────────────────────────────────────

type initMessage struct {
	Type         string     `json:"type"`
	Config       initConfig `json:"config"`
	SystemPrompt string     `json:"system_prompt"`
}

type initConfig struct {
	VoiceID        string         `json:"voice_id"`
	VoiceEmbedding *string        `json:"voice_embedding"`
	InputAudio     audioFormat    `json:"input_audio"`
	OutputAudio    audioFormat    `json:"output_audio"`
	Behavior       behavior       `json:"behavior"`
	Language       languageConfig `json:"language"`
}

type audioFormat struct {
	SampleRate int    `json:"sample_rate"`
	Encoding   string `json:"encoding"`
}

type behavior struct {
	EnableBackchannels  bool    `json:"enable_backchannels"`
	EnableInterruptions bool    `json:"enable_interruptions"`
	VADThreshold        float64 `json:"vad_threshold"`
	SilenceTimeoutMs    int64   `json:"silence_timeout_ms"`
	MaxTurnDurationMs   int64   `json:"max_turn_duration_ms"`
}

type languageConfig struct {
	Primary    string `json:"primary"`
	Secondary  string `json:"secondary"`
	AutoSwitch bool   `json:"auto_switch"`
}

type toolResultMessage struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Result string `json:"result"`
}

type injectTextMessage struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	Priority string `json:"priority"`
}

func buildInit(cfg duplex.SessionConfig) initMessage {
	var embedding *string
	if cfg.VoiceEmbedding != "" {
		embedding = &cfg.VoiceEmbedding
	}
	return initMessage{
		Type: "session.init",
		Config: initConfig{
			VoiceID:        cfg.VoiceID,
			VoiceEmbedding: embedding,
			InputAudio:     audioFormat{SampleRate: cfg.Input.SampleRate, Encoding: cfg.Input.Encoding},
			OutputAudio:    audioFormat{SampleRate: cfg.Output.SampleRate, Encoding: cfg.Output.Encoding},
			Behavior: behavior{
				EnableBackchannels:  cfg.Behaviour.Backchannels,
				EnableInterruptions: cfg.Behaviour.Interruptions,
				VADThreshold:        cfg.Behaviour.VADThreshold,
				SilenceTimeoutMs:    cfg.Behaviour.SilenceTimeout.Milliseconds(),
				MaxTurnDurationMs:   cfg.Behaviour.MaxTurnDuration.Milliseconds(),
			},
			Language: languageConfig{
				Primary:    cfg.Languages.Primary,
				Secondary:  cfg.Languages.Secondary,
				AutoSwitch: cfg.Languages.AutoSwitch,
			},
		},
		SystemPrompt: cfg.SystemPrompt,
	}
}

// ── Protocol messages (incoming) ──────────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	// tool.call
	CallID    string          `json:"call_id,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`

	// error
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

var eventKinds = map[string]duplex.EventKind{
	"transcript.partial": duplex.EventTranscriptPartial,
	"transcript.final":   duplex.EventTranscriptFinal,
	"agent.text":         duplex.EventAgentText,
	"tool.call":          duplex.EventToolCall,
	"backchannel":        duplex.EventBackchannel,
	"interruption":       duplex.EventInterruption,
	"turn.start":         duplex.EventTurnStart,
	"turn.end":           duplex.EventTurnEnd,
	"session.end":        duplex.EventSessionEnd,
	"error":              duplex.EventError,
}

// parseEvent maps one JSON control frame to an Event. Unknown types are
// reported with ok == false.
func parseEvent(data []byte) (duplex.Event, bool) {
	var se serverEvent
	if err := json.Unmarshal(data, &se); err != nil {
		slog.Warn("personaplex: malformed event", "err", err)
		return duplex.Event{}, false
	}
	kind, ok := eventKinds[se.Type]
	if !ok {
		slog.Warn("personaplex: unknown event type", "type", se.Type)
		return duplex.Event{}, false
	}

	ev := duplex.Event{Kind: kind, Text: se.Text}
	switch kind {
	case duplex.EventToolCall:
		id := se.CallID
		if id == "" {
			id = se.ID
		}
		args := string(se.Arguments)
		if args == "" || args == "null" {
			args = "{}"
		}
		ev.ToolCall = &types.ToolCall{ID: id, Name: se.Name, Arguments: args}
	case duplex.EventError:
		msg := se.Message
		if msg == "" {
			msg = se.Error
		}
		if msg == "" {
			msg = "unknown error"
		}
		ev.Err = fmt.Errorf("personaplex: %s", msg)
	}
	return ev, true
}

// ── session ───────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events chan duplex.Event

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("personaplex: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

func (s *session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// SendAudio writes caller audio as a binary frame.
func (s *session) SendAudio(chunk []byte) error {
	if s.closed() {
		return duplex.ErrClosed
	}
	return s.conn.Write(s.ctx, websocket.MessageBinary, chunk)
}

// Events returns the ordered event stream.
func (s *session) Events() <-chan duplex.Event { return s.events }

// SendToolResult sends a tool.result message.
func (s *session) SendToolResult(callID, result string) error {
	if s.closed() {
		return duplex.ErrClosed
	}
	return s.writeJSON(toolResultMessage{Type: "tool.result", CallID: callID, Result: result})
}

// Interrupt sends an interrupt message.
func (s *session) Interrupt() error {
	if s.closed() {
		return nil
	}
	return s.writeJSON(map[string]string{"type": "interrupt"})
}

// InjectText sends an inject.text message.
func (s *session) InjectText(text string, priority duplex.Priority) error {
	if s.closed() {
		return duplex.ErrClosed
	}
	if priority == "" {
		priority = duplex.PriorityNormal
	}
	return s.writeJSON(injectTextMessage{Type: "inject.text", Text: text, Priority: string(priority)})
}

// Close terminates the session and closes the event stream.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.cancel()
	})
	return nil
}

// receiveLoop owns the events channel and closes it on exit.
func (s *session) receiveLoop() {
	defer close(s.events)

	for {
		typ, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.closed() || s.ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return
			}
			slog.Warn("personaplex: receive loop error", "err", err)
			s.emit(duplex.Event{Kind: duplex.EventError, Err: fmt.Errorf("personaplex: read: %w", err)})
			return
		}

		var ev duplex.Event
		if typ == websocket.MessageBinary {
			ev = duplex.Event{Kind: duplex.EventAudioChunk, Audio: data}
		} else {
			var ok bool
			if ev, ok = parseEvent(data); !ok {
				continue
			}
		}
		if !s.emit(ev) {
			return
		}
		if ev.Kind == duplex.EventSessionEnd {
			return
		}
	}
}

func (s *session) emit(ev duplex.Event) bool {
	ev.Timestamp = time.Now()
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}
