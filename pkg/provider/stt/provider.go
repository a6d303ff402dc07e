// Package stt defines the Provider interface for streaming Speech-to-Text
// backends.
//
// A session accepts raw telephony audio and emits a single ordered stream of
// [Event] values: partial and final transcripts, end-of-utterance signals and
// voice-activity notifications. Providers deliver vendor messages on their own
// network goroutine; implementations must hand every message to a single
// dispatch goroutine (see [Bridge]) so consumers observe events in arrival
// order and never race on per-session state.
package stt

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/medvoice/pkg/lang"
)

// ErrNotReady is returned by StartStream when the recognizer connection could
// not be established within the configured readiness window.
var ErrNotReady = errors.New("stt: recognizer not ready")

// ErrClosed is returned by SendAudio after the session has been closed.
var ErrClosed = errors.New("stt: session is closed")

// StreamConfig describes the audio format and timing knobs for a new session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. Telephony audio is 8000.
	SampleRate int

	// Channels is the number of audio channels. Telephony audio is mono.
	Channels int

	// Encoding is the wire encoding of the audio chunks ("mulaw", "linear16").
	Encoding string

	// Language is the recognition language. "multi" or an empty string asks
	// the provider for automatic identification between the supported
	// languages.
	Language string

	// SilenceTimeout is the fallback delay after a final transcript before an
	// utterance end is synthesized when the vendor never sends one.
	// Zero selects the provider default.
	SilenceTimeout time.Duration

	// ReadyTimeout bounds how long StartStream waits for the connection.
	// Zero selects the provider default.
	ReadyTimeout time.Duration
}

// EventKind classifies an [Event].
type EventKind int

const (
	EventPartial EventKind = iota
	EventFinal
	EventUtteranceEnd
	EventSpeechStarted
	EventError
)

// String returns the human-readable name of the kind.
func (k EventKind) String() string {
	switch k {
	case EventPartial:
		return "partial"
	case EventFinal:
		return "final"
	case EventUtteranceEnd:
		return "utterance_end"
	case EventSpeechStarted:
		return "speech_started"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is a single recognizer output.
type Event struct {
	Kind EventKind

	// Text is the transcript for partial and final events.
	Text string

	// Language is the language classified for the most recent final transcript.
	Language lang.Language

	// Confidence is the vendor confidence score (0.0–1.0), when reported.
	Confidence float64

	// Timestamp is when the event was dispatched.
	Timestamp time.Time

	// Err is set for EventError.
	Err error
}

// SessionHandle represents an open streaming session.
//
// Callers must call Close when the session is no longer needed. All methods
// must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of audio matching the StreamConfig. Calling
	// SendAudio after Close returns [ErrClosed].
	SendAudio(chunk []byte) error

	// Events returns the ordered event stream. The channel is closed when the
	// session ends.
	Events() <-chan Event

	// Close flushes pending audio, terminates the connection and waits for
	// internal goroutines. It is idempotent.
	Close() error
}

// Provider opens streaming recognition sessions.
type Provider interface {
	// StartStream opens a session. A connection failure is returned as an
	// error and is not retried; retry policy belongs to the caller.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
