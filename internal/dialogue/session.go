// Package dialogue implements the conversational core of a call: the turn
// orchestrator, the full-duplex transport, safety lexicons, tool execution
// against the booking service and the parsing of tool calls written as text.
//
// One [CallSession] exists per call. It is created by the telephony gateway,
// mutated only through the orchestrator or the duplex transport, and never
// shared across calls.
package dialogue

import (
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/medvoice/internal/store"
	"github.com/MrWong99/medvoice/pkg/lang"
)

// Mode selects how a call is driven.
type Mode string

const (
	// ModeTurn runs recognizer → language model → synthesis turns.
	ModeTurn Mode = "turn"

	// ModeFullDuplex streams audio to a conversational engine that handles
	// turn-taking itself.
	ModeFullDuplex Mode = "full_duplex"
)

// ParseMode maps "turn" or "full_duplex" (also "duplex") to a Mode. Anything
// else yields def.
func ParseMode(s string, def Mode) Mode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(ModeTurn):
		return ModeTurn
	case string(ModeFullDuplex), "duplex":
		return ModeFullDuplex
	default:
		return def
	}
}

// State is the conversation state of a call.
type State string

const (
	StateGreeting          State = "greeting"
	StateListening         State = "listening"
	StateProcessing        State = "processing"
	StateShowingSlots      State = "showing_slots"
	StateCollectingName    State = "collecting_name"
	StateCollectingPhone   State = "collecting_phone"
	StateConfirmingBooking State = "confirming_booking"
	StateTransferring      State = "transferring"
	StateEnding            State = "ending"
)

// Outcome classifies a finished call.
type Outcome string

const (
	OutcomeCompleted     Outcome = "completed"
	OutcomeTransferred   Outcome = "transferred"
	OutcomeNoInteraction Outcome = "no_interaction"
	OutcomeFailed        Outcome = "failed"
)

// CallSession is the per-call state. All methods are safe for concurrent use.
type CallSession struct {
	CallSID   string
	StreamSID string
	Caller    string
	Mode      Mode
	StartedAt time.Time

	mu                 sync.Mutex
	language           lang.Language
	state              State
	endedAt            time.Time
	inputTokens        int
	outputTokens       int
	synthChars         int
	bookingMade        bool
	emergencyTriggered bool
	callerUtterances   int
	replies            int
}

// NewCallSession returns a session in the greeting state.
func NewCallSession(callSID, streamSID, caller string, mode Mode, l lang.Language) *CallSession {
	if mode == "" {
		mode = ModeTurn
	}
	return &CallSession{
		CallSID:   callSID,
		StreamSID: streamSID,
		Caller:    caller,
		Mode:      mode,
		StartedAt: time.Now(),
		language:  lang.Parse(string(l), lang.Default),
		state:     StateGreeting,
	}
}

// Language returns the conversation language currently in force.
func (s *CallSession) Language() lang.Language {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.language
}

// SetLanguage switches the conversation language. Invalid values are ignored.
func (s *CallSession) SetLanguage(l lang.Language) {
	if !l.IsValid() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.language = l
}

// State returns the conversation state.
func (s *CallSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// setState moves to next. Transferring is terminal: once reached, no other
// state can replace it. It reports whether the state changed.
func (s *CallSession) setState(next State) bool {
	if next == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateTransferring || s.state == next {
		return false
	}
	s.state = next
	return true
}

// Transferred reports whether the call reached the transferring state.
func (s *CallSession) Transferred() bool { return s.State() == StateTransferring }

// EmergencyTriggered reports whether an emergency phrase was heard.
func (s *CallSession) EmergencyTriggered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emergencyTriggered
}

func (s *CallSession) markEmergency() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emergencyTriggered = true
}

// BookingMade reports whether an appointment was booked during the call.
func (s *CallSession) BookingMade() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bookingMade
}

func (s *CallSession) markBooking() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bookingMade = true
}

// toolsAllowed reports whether autonomous tool execution is still permitted.
func (s *CallSession) toolsAllowed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.emergencyTriggered && s.state != StateTransferring
}

func (s *CallSession) addUtterance() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callerUtterances++
}

func (s *CallSession) addReply() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies++
}

func (s *CallSession) addUsage(in, out int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputTokens += in
	s.outputTokens += out
}

func (s *CallSession) addSynthChars(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.synthChars += n
}

// Counts returns the number of caller utterances and assistant replies.
func (s *CallSession) Counts() (utterances, replies int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callerUtterances, s.replies
}

// Outcome classifies the call from its current state and counters.
func (s *CallSession) Outcome() Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.state == StateTransferring:
		return OutcomeTransferred
	case s.callerUtterances == 0:
		return OutcomeNoInteraction
	case s.replies == 0:
		return OutcomeFailed
	default:
		return OutcomeCompleted
	}
}

// End records the end time. Subsequent calls keep the first value.
func (s *CallSession) End(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endedAt.IsZero() {
		s.endedAt = at
	}
}

// Summary returns the record written to the call store at teardown.
func (s *CallSession) Summary() store.CallSummary {
	outcome := s.Outcome()
	s.mu.Lock()
	defer s.mu.Unlock()
	ended := s.endedAt
	if ended.IsZero() {
		ended = time.Now()
	}
	return store.CallSummary{
		Status:             store.CallCompleted,
		Outcome:            string(outcome),
		EndedAt:            ended,
		Duration:           ended.Sub(s.StartedAt),
		Language:           string(s.language),
		BookingMade:        s.bookingMade,
		Transferred:        s.state == StateTransferring,
		EmergencyTriggered: s.emergencyTriggered,
		CallerUtterances:   s.callerUtterances,
		Replies:            s.replies,
		InputTokens:        s.inputTokens,
		OutputTokens:       s.outputTokens,
		SynthChars:         s.synthChars,
	}
}
