package dialogue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/MrWong99/medvoice/pkg/provider/stt"
)

// Transport carries one call's caller audio into the conversation and the
// assistant's audio back to the telephony leg.
type Transport interface {
	// Start connects the underlying streaming service. It blocks until the
	// connection is usable or failed.
	Start(ctx context.Context) error

	// PushAudio delivers one chunk of μ-law 8 kHz caller audio.
	PushAudio(chunk []byte) error

	// OnTranscript handles a caller transcript event.
	OnTranscript(ctx context.Context, ev stt.Event)

	// Close stops the conversation and releases the connection. It is
	// idempotent.
	Close() error
}

// Hooks lets the gateway react to conversation events.
type Hooks struct {
	// OnCallerFinal is called for every non-empty final caller transcript,
	// before it is handed to the conversation.
	OnCallerFinal func(text string)

	// OnInterrupt is called when queued assistant audio must be discarded.
	OnInterrupt func()

	// OnError is called when the transport fails mid-call.
	OnError func(err error)
}

func (h Hooks) callerFinal(text string) {
	if h.OnCallerFinal != nil {
		h.OnCallerFinal(text)
	}
}

func (h Hooks) interrupt() {
	if h.OnInterrupt != nil {
		h.OnInterrupt()
	}
}

func (h Hooks) fail(err error) {
	if h.OnError != nil {
		h.OnError(err)
	}
}

// TurnTransport drives a call through a streaming recognizer and the
// [Orchestrator]: finals are collected, each utterance end triggers a turn.
type TurnTransport struct {
	recognizer stt.Provider
	streamCfg  stt.StreamConfig
	orch       *Orchestrator
	hooks      Hooks

	mu     sync.Mutex
	handle stt.SessionHandle
	closed bool
	wg     sync.WaitGroup
}

var _ Transport = (*TurnTransport)(nil)

// NewTurnTransport returns a transport for orch using recognizer.
func NewTurnTransport(recognizer stt.Provider, cfg stt.StreamConfig, orch *Orchestrator, hooks Hooks) *TurnTransport {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 8000
	}
	if cfg.Channels == 0 {
		cfg.Channels = 1
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "mulaw"
	}
	orch.interrupt = hooks.interrupt
	return &TurnTransport{recognizer: recognizer, streamCfg: cfg, orch: orch, hooks: hooks}
}

// Orchestrator returns the conversation driven by t.
func (t *TurnTransport) Orchestrator() *Orchestrator { return t.orch }

// Greet speaks the clinic greeting. It does not wait for the recognizer.
func (t *TurnTransport) Greet(ctx context.Context) { t.orch.Greet(ctx) }

// Start opens the recognizer stream and begins dispatching its events.
func (t *TurnTransport) Start(ctx context.Context) error {
	handle, err := t.recognizer.StartStream(ctx, t.streamCfg)
	if err != nil {
		return fmt.Errorf("dialogue: start recognizer: %w", err)
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = handle.Close()
		return stt.ErrClosed
	}
	t.handle = handle
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.dispatch(ctx, handle.Events())
	}()
	return nil
}

func (t *TurnTransport) dispatch(ctx context.Context, events <-chan stt.Event) {
	log := slog.With("call_sid", t.orch.sess.CallSID)
	for ev := range events {
		switch ev.Kind {
		case stt.EventFinal:
			t.OnTranscript(ctx, ev)
		case stt.EventUtteranceEnd:
			t.orch.OnUtteranceEnd(ctx)
		case stt.EventSpeechStarted:
			log.Debug("dialogue: caller speech started")
		case stt.EventPartial:
			log.Debug("dialogue: partial transcript", "text", ev.Text)
		case stt.EventError:
			log.Error("dialogue: recognizer error", "err", ev.Err)
		}
	}
}

// PushAudio forwards caller audio to the recognizer.
func (t *TurnTransport) PushAudio(chunk []byte) error {
	t.mu.Lock()
	h := t.handle
	t.mu.Unlock()
	if h == nil {
		return stt.ErrNotReady
	}
	return h.SendAudio(chunk)
}

// OnTranscript hands a final transcript to the orchestrator.
func (t *TurnTransport) OnTranscript(ctx context.Context, ev stt.Event) {
	text := strings.TrimSpace(ev.Text)
	if ev.Kind != stt.EventFinal || text == "" {
		return
	}
	t.hooks.callerFinal(text)
	t.orch.AddCallerFinal(ctx, text, ev.Language)
}

// Close stops the orchestrator, closes the recognizer and waits for event
// dispatch and any running turn to finish.
func (t *TurnTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	h := t.handle
	t.mu.Unlock()

	t.orch.Stop()
	var err error
	if h != nil {
		err = h.Close()
	}
	t.wg.Wait()
	t.orch.Wait()
	return err
}
