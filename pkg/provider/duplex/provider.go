// Package duplex defines the Provider interface for full-duplex voice agents.
//
// A duplex provider listens and speaks at the same time over one stateful
// session: it recognises caller speech, decides when to answer, produces
// backchannels and synthesised audio, and surfaces tool calls. It replaces
// the separate STT, LLM and TTS stages for calls configured in full-duplex
// mode.
//
// Everything the session produces is delivered as an ordered stream of
// [Event] values. All implementations must be safe for concurrent use.
package duplex

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/medvoice/pkg/types"
)

// ErrClosed is returned by session methods after Close.
var ErrClosed = errors.New("duplex: session closed")

// EventKind discriminates the [Event] union.
type EventKind int

const (
	EventAudioChunk EventKind = iota
	EventTranscriptPartial
	EventTranscriptFinal
	EventAgentText
	EventToolCall
	EventBackchannel
	EventInterruption
	EventTurnStart
	EventTurnEnd
	EventSessionEnd
	EventError
)

var eventKindNames = [...]string{
	EventAudioChunk:        "audio_chunk",
	EventTranscriptPartial: "transcript_partial",
	EventTranscriptFinal:   "transcript_final",
	EventAgentText:         "agent_text",
	EventToolCall:          "tool_call",
	EventBackchannel:       "backchannel",
	EventInterruption:      "interruption",
	EventTurnStart:         "turn_start",
	EventTurnEnd:           "turn_end",
	EventSessionEnd:        "session_end",
	EventError:             "error",
}

// String returns the wire-style name of the kind.
func (k EventKind) String() string {
	if k >= 0 && int(k) < len(eventKindNames) {
		return eventKindNames[k]
	}
	return "unknown"
}

// Event is one item of the session's output stream. Which payload field is
// set depends on Kind.
type Event struct {
	Kind      EventKind
	Timestamp time.Time

	// Audio is agent speech for EventAudioChunk, encoded as negotiated in
	// SessionConfig.Output.
	Audio []byte

	// Text is set for transcript, agent text and backchannel events.
	Text string

	// ToolCall is set for EventToolCall.
	ToolCall *types.ToolCall

	// Err is set for EventError.
	Err error
}

// Priority controls how injected text competes with the agent's own output.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// AudioFormat describes one direction of the audio stream.
type AudioFormat struct {
	SampleRate int
	Encoding   string
}

// Behaviour tunes turn-taking.
type Behaviour struct {
	Backchannels    bool
	Interruptions   bool
	VADThreshold    float64
	SilenceTimeout  time.Duration
	MaxTurnDuration time.Duration
}

// Languages configures recognition and synthesis languages.
type Languages struct {
	Primary    string
	Secondary  string
	AutoSwitch bool
}

// SessionConfig is the initial configuration for a new session.
type SessionConfig struct {
	VoiceID        string
	VoiceEmbedding string

	Input  AudioFormat
	Output AudioFormat

	Behaviour Behaviour
	Languages Languages

	// SystemPrompt defines the persona and rules of the agent.
	SystemPrompt string
}

// ClinicDefaults returns the session settings tuned for a medical clinic:
// reassuring backchannels, a slightly lower VAD threshold for quiet speakers
// and longer silence and turn limits for elderly callers.
func ClinicDefaults() SessionConfig {
	return SessionConfig{
		VoiceID: "fr-CA-SylvieNeural",
		Input:   AudioFormat{SampleRate: 16000, Encoding: "pcm_s16le"},
		Output:  AudioFormat{SampleRate: 24000, Encoding: "pcm_s16le"},
		Behaviour: Behaviour{
			Backchannels:    true,
			Interruptions:   true,
			VADThreshold:    0.4,
			SilenceTimeout:  800 * time.Millisecond,
			MaxTurnDuration: 45 * time.Second,
		},
		Languages: Languages{Primary: "fr-CA", Secondary: "en-US", AutoSwitch: true},
	}
}

// Session is an open full-duplex session.
//
// Callers must call Close when the session is no longer needed.
type Session interface {
	// SendAudio delivers caller audio in the negotiated input format.
	SendAudio(chunk []byte) error

	// Events returns the ordered event stream. It is closed when the session
	// ends.
	Events() <-chan Event

	// SendToolResult returns the outcome of a tool call to the agent.
	SendToolResult(callID string, result string) error

	// Interrupt stops the agent's current speech immediately.
	Interrupt() error

	// InjectText makes the agent say text verbatim.
	InjectText(text string, priority Priority) error

	// Close terminates the session. Calling Close more than once is safe.
	Close() error
}

// Provider is the abstraction over any full-duplex backend.
type Provider interface {
	// Connect establishes a new session. The returned Session accepts audio
	// immediately.
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)
}
