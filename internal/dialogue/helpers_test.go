package dialogue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/medvoice/internal/booking"
	"github.com/MrWong99/medvoice/internal/store"
	"github.com/MrWong99/medvoice/pkg/lang"
	"github.com/MrWong99/medvoice/pkg/provider/llm"
	llmmock "github.com/MrWong99/medvoice/pkg/provider/llm/mock"
)

func assertEqual[T comparable](t *testing.T, name string, got, want T) {
	t.Helper()
	if got != want {
		t.Errorf("%s = %v, want %v", name, got, want)
	}
}

// waitFor polls cond until it holds or a second has passed.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type recordingSpeaker struct {
	mu    sync.Mutex
	texts []string
}

func (s *recordingSpeaker) Speak(_ context.Context, text string, _ lang.Language) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	return nil
}

func (s *recordingSpeaker) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

type recordingSink struct {
	mu     sync.Mutex
	chunks [][]byte
}

func (s *recordingSink) Enqueue(chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, chunk)
}

func (s *recordingSink) Chunks() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.chunks...)
}

type recordingNotifier struct {
	mu    sync.Mutex
	appts []store.Appointment
}

func (n *recordingNotifier) SendBookingConfirmation(_ context.Context, appt store.Appointment, _ lang.Language) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.appts = append(n.appts, appt)
	return true
}

func (n *recordingNotifier) Sent() []store.Appointment {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]store.Appointment(nil), n.appts...)
}

// fixture is one call wired to in-memory collaborators. The booking clock
// reads Monday 2025-01-13 10:00 in the clinic time zone.
type fixture struct {
	sess     *CallSession
	store    *store.MemStore
	booking  *booking.Service
	loc      *time.Location
	primary  *llmmock.Provider
	fallback *llmmock.Provider
	speaker  *recordingSpeaker
	notifier *recordingNotifier
	tools    *ToolExecutor
	orch     *Orchestrator

	transfers  int
	interrupts int
	mu         sync.Mutex
}

func newFixture(t *testing.T, primary *llmmock.Provider) *fixture {
	t.Helper()
	loc, err := time.LoadLocation("America/Montreal")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	now := time.Date(2025, 1, 13, 10, 0, 0, 0, loc)

	f := &fixture{
		sess:     NewCallSession("CA100", "MZ100", "+15145550000", ModeTurn, lang.French),
		store:    store.NewMemStore(),
		loc:      loc,
		primary:  primary,
		fallback: &llmmock.Provider{StreamErr: errUnavailable},
		speaker:  &recordingSpeaker{},
		notifier: &recordingNotifier{},
	}
	f.booking = booking.New(f.store, booking.WithLocation(loc), booking.WithClock(func() time.Time { return now }))
	f.tools = NewToolExecutor(f.booking, f.notifier, "")
	lm := NewFallbackLM(primary, "primary", f.fallback, "fallback", LMConfig{})
	f.orch = NewOrchestrator(f.sess, lm, f.speaker, f.tools, f.store, Config{
		Filler: func(lang.Language) string { return "Un instant." },
		Transfer: func(context.Context, *CallSession) error {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.transfers++
			return nil
		},
	})
	f.orch.interrupt = func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.interrupts++
	}
	return f
}

func (f *fixture) Transfers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transfers
}

func (f *fixture) Interrupts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.interrupts
}

// turn records a caller final and runs the resulting turns to completion.
// An emergency phrase starts its own turn, so the utterance end may find it
// still running.
func (f *fixture) turn(t *testing.T, text string, l lang.Language) {
	t.Helper()
	ctx := context.Background()
	f.orch.AddCallerFinal(ctx, text, l)
	f.orch.OnUtteranceEnd(ctx)
	f.orch.Wait()
}

type unavailableError struct{}

func (unavailableError) Error() string { return "model unavailable" }

var errUnavailable error = unavailableError{}

func textChunks(parts ...string) []llm.Chunk {
	chunks := make([]llm.Chunk, 0, len(parts)+1)
	for _, p := range parts {
		chunks = append(chunks, llm.Chunk{Text: p})
	}
	return append(chunks, llm.Chunk{FinishReason: "stop"})
}
