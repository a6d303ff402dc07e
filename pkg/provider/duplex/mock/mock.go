// Package mock provides test doubles for the duplex package interfaces.
//
// Session records everything the caller sends and lets the test push events
// with Emit. Close closes the events channel, so a consumer ranging over
// Events terminates.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/medvoice/pkg/provider/duplex"
)

// Provider is a mock implementation of duplex.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is returned by Connect. If nil, a new Session is created.
	Session *Session

	// ConnectErr, if non-nil, is returned by Connect.
	ConnectErr error

	// Configs records every SessionConfig passed to Connect.
	Configs []duplex.SessionConfig
}

// Connect records cfg and returns Session.
func (p *Provider) Connect(_ context.Context, cfg duplex.SessionConfig) (duplex.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Configs = append(p.Configs, cfg)
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session == nil {
		p.Session = NewSession()
	}
	return p.Session, nil
}

var _ duplex.Provider = (*Provider)(nil)

// ToolResult records one SendToolResult call.
type ToolResult struct {
	CallID string
	Result string
}

// Injection records one InjectText call.
type Injection struct {
	Text     string
	Priority duplex.Priority
}

// Session is a mock implementation of duplex.Session.
type Session struct {
	mu     sync.Mutex
	events chan duplex.Event
	closed bool

	audio       [][]byte
	toolResults []ToolResult
	injections  []Injection
	interrupts  int
}

// NewSession returns a Session with a buffered events channel.
func NewSession() *Session {
	return &Session{events: make(chan duplex.Event, 64)}
}

// Emit pushes ev to the events channel. It is a no-op after Close.
func (s *Session) Emit(ev duplex.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- ev
}

// End closes the events stream as if the remote side hung up.
func (s *Session) End() { _ = s.Close() }

func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return duplex.ErrClosed
	}
	s.audio = append(s.audio, append([]byte(nil), chunk...))
	return nil
}

func (s *Session) Events() <-chan duplex.Event { return s.events }

func (s *Session) SendToolResult(callID, result string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolResults = append(s.toolResults, ToolResult{CallID: callID, Result: result})
	return nil
}

func (s *Session) Interrupt() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interrupts++
	return nil
}

func (s *Session) InjectText(text string, priority duplex.Priority) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.injections = append(s.injections, Injection{Text: text, Priority: priority})
	return nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

// Audio returns every chunk passed to SendAudio.
func (s *Session) Audio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.audio...)
}

// ToolResults returns every SendToolResult call.
func (s *Session) ToolResults() []ToolResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ToolResult(nil), s.toolResults...)
}

// Injections returns every InjectText call.
func (s *Session) Injections() []Injection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Injection(nil), s.injections...)
}

// InterruptCount returns how many times Interrupt was called.
func (s *Session) InterruptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupts
}

var _ duplex.Session = (*Session)(nil)
