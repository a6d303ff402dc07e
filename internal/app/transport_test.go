package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/medvoice/internal/booking"
	"github.com/MrWong99/medvoice/internal/config"
	"github.com/MrWong99/medvoice/internal/dialogue"
	"github.com/MrWong99/medvoice/internal/gateway"
	"github.com/MrWong99/medvoice/internal/notify"
	"github.com/MrWong99/medvoice/internal/observe"
	"github.com/MrWong99/medvoice/internal/resilience"
	"github.com/MrWong99/medvoice/internal/store"
	"github.com/MrWong99/medvoice/pkg/lang"
	duplexmock "github.com/MrWong99/medvoice/pkg/provider/duplex/mock"
	llmmock "github.com/MrWong99/medvoice/pkg/provider/llm/mock"
	sttmock "github.com/MrWong99/medvoice/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/medvoice/pkg/provider/tts/mock"
)

func assertEqual[T comparable](t *testing.T, what string, got, want T) {
	t.Helper()
	if got != want {
		t.Errorf("%s = %v, want %v", what, got, want)
	}
}

type discardSink struct{}

func (discardSink) Enqueue([]byte) {}

type recordingTransferer struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingTransferer) Transfer(_ context.Context, callSID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, callSID)
	return nil
}

type fixture struct {
	app    *App
	stt    *sttmock.Provider
	duplex *duplexmock.Provider
	reader *sdkmetric.ManualReader
}

func newFixture(t *testing.T, mutate func(*config.Config), opts ...Option) *fixture {
	t.Helper()
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	if mutate != nil {
		mutate(cfg)
	}

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	f := &fixture{stt: &sttmock.Provider{}, duplex: &duplexmock.Provider{}, reader: reader}
	opts = append([]Option{
		WithStore(store.NewMemStore()),
		WithLocker(&booking.MemLocker{}),
		WithNotifier(notify.Nop{}),
		WithMetrics(m),
	}, opts...)
	a, err := New(context.Background(), cfg, &Providers{
		LLM:    &llmmock.Provider{},
		STT:    f.stt,
		TTS:    &ttsmock.Provider{},
		Duplex: f.duplex,
	}, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.app = a
	return f
}

func (f *fixture) env(callSID string, mode dialogue.Mode) gateway.CallEnv {
	return gateway.CallEnv{
		Call: dialogue.NewCallSession(callSID, "MZ"+callSID, "+15145551234", mode, lang.French),
		Sink: discardSink{},
	}
}

// counter sums an int64 counter across all attribute sets.
func (f *fixture) counter(t *testing.T, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := f.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestNewTransport_Modes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		enabled    bool
		mode       dialogue.Mode
		wantDuplex bool
	}{
		{name: "turn", mode: dialogue.ModeTurn},
		{name: "duplex disabled falls back to turn", mode: dialogue.ModeFullDuplex},
		{name: "duplex enabled", enabled: true, mode: dialogue.ModeFullDuplex, wantDuplex: true},
		{name: "turn with duplex enabled", enabled: true, mode: dialogue.ModeTurn},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, func(c *config.Config) { c.Duplex.Enabled = tt.enabled })
			tr, err := f.app.newTransport(tt.mode, f.env("CA1", tt.mode))
			if err != nil {
				t.Fatalf("newTransport: %v", err)
			}
			defer tr.Close()
			_, isDuplex := tr.(*dialogue.DuplexTransport)
			_, isTurn := tr.(*dialogue.TurnTransport)
			assertEqual(t, "duplex transport", isDuplex, tt.wantDuplex)
			assertEqual(t, "turn transport", isTurn, !tt.wantDuplex)
		})
	}
}

func TestNewTransport_RecognizerSettings(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(c *config.Config) {
		c.Dialogue.SilenceTimeout = 1800 * time.Millisecond
		c.Gateway.ReadyTimeout = 3 * time.Second
	})
	tr, err := f.app.newTransport(dialogue.ModeTurn, f.env("CA2", dialogue.ModeTurn))
	if err != nil {
		t.Fatalf("newTransport: %v", err)
	}
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer tr.Close()

	if len(f.stt.StartStreamCalls) != 1 {
		t.Fatalf("StartStream calls = %d", len(f.stt.StartStreamCalls))
	}
	cfg := f.stt.StartStreamCalls[0].Cfg
	assertEqual(t, "silence timeout", cfg.SilenceTimeout, 1800*time.Millisecond)
	assertEqual(t, "ready timeout", cfg.ReadyTimeout, 3*time.Second)
	assertEqual(t, "encoding", cfg.Encoding, "mulaw")
	assertEqual(t, "sample rate", cfg.SampleRate, 8000)
}

func TestDuplexSession(t *testing.T) {
	t.Parallel()

	defaults := duplexSession(config.DuplexConfig{})
	assertEqual(t, "default voice", defaults.VoiceID, "fr-CA-SylvieNeural")
	assertEqual(t, "default backchannels", defaults.Behaviour.Backchannels, true)

	off := false
	s := duplexSession(config.DuplexConfig{
		VoiceID:        "custom",
		VoiceEmbedding: "emb-1",
		Backchannels:   &off,
		Interruptions:  &off,
		VADThreshold:   0.6,
		SilenceTimeout: time.Second,
	})
	assertEqual(t, "voice", s.VoiceID, "custom")
	assertEqual(t, "embedding", s.VoiceEmbedding, "emb-1")
	assertEqual(t, "backchannels", s.Behaviour.Backchannels, false)
	assertEqual(t, "interruptions", s.Behaviour.Interruptions, false)
	assertEqual(t, "vad", s.Behaviour.VADThreshold, 0.6)
	assertEqual(t, "silence", s.Behaviour.SilenceTimeout, time.Second)
	assertEqual(t, "input rate", s.Input.SampleRate, 16000)
}

func TestVoiceProfiles(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Voices.English.SpeedFactor = 0.9

	v := voiceProfiles(cfg)
	assertEqual(t, "french id", v[lang.French].ID, config.DefaultFrenchVoiceID)
	assertEqual(t, "french locale", v[lang.French].Language, "fr-CA")
	assertEqual(t, "english id", v[lang.English].ID, config.DefaultEnglishVoiceID)
	assertEqual(t, "english speed", v[lang.English].SpeedFactor, 0.9)
	assertEqual(t, "provider", v[lang.French].Provider, "elevenlabs")
}

func TestTransferFunc(t *testing.T) {
	t.Parallel()

	if fn := newFixture(t, nil).app.transferFunc(gateway.CallEnv{}); fn != nil {
		t.Error("transfer func without a transferer should be nil")
	}

	rec := &recordingTransferer{}
	f := newFixture(t, nil, WithTransferer(rec))
	var order []string
	env := f.env("CA7", dialogue.ModeTurn)
	env.AwaitPlayback = func(context.Context) {
		rec.mu.Lock()
		order = append(order, "await")
		n := len(rec.calls)
		rec.mu.Unlock()
		if n != 0 {
			t.Error("transfer ran before playback drained")
		}
	}
	fn := f.app.transferFunc(env)
	if fn == nil {
		t.Fatal("transfer func is nil")
	}
	if err := fn(context.Background(), env.Call); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	assertEqual(t, "awaited", len(order), 1)
	assertEqual(t, "transfers", len(rec.calls), 1)
	assertEqual(t, "call sid", rec.calls[0], "CA7")
}

func TestMetricsHooks(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	f.app.observeAttempt(resilience.Attempt{Provider: "openrouter", Elapsed: time.Millisecond})
	f.app.observeAttempt(resilience.Attempt{Provider: "openrouter", Err: errors.New("HTTP 503")})
	f.app.observeAttempt(resilience.Attempt{Provider: "groq", Skipped: true})
	assertEqual(t, "provider requests", f.counter(t, "medvoice.provider.requests"), int64(3))

	tools := f.app.newTools(bookedViaTurn)
	tools.OnExecuted("book_appointment", true, 80*time.Millisecond)
	tools.OnExecuted("cancel_appointment", false, 20*time.Millisecond)
	assertEqual(t, "tool calls", f.counter(t, "medvoice.tool.calls"), int64(2))
}
