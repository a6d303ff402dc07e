package dialogue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/medvoice/internal/prompts"
	"github.com/MrWong99/medvoice/internal/store"
	"github.com/MrWong99/medvoice/pkg/audio"
	"github.com/MrWong99/medvoice/pkg/lang"
	"github.com/MrWong99/medvoice/pkg/provider/duplex"
	"github.com/MrWong99/medvoice/pkg/provider/stt"
	"github.com/MrWong99/medvoice/pkg/types"
)

// DuplexConfig configures a [DuplexTransport].
type DuplexConfig struct {
	// Session is the initial engine configuration. The system prompt is
	// filled in from Clinic when empty.
	Session duplex.SessionConfig

	Clinic   prompts.Clinic
	Safety   Safety
	Transfer TransferFunc
}

// DuplexTransport drives a call through a full-duplex conversational engine.
// The engine handles turn-taking, backchannels and barge-in itself; the
// transport converts audio between the engine and the telephony leg, applies
// the safety lexicons to caller transcripts and executes tool calls.
type DuplexTransport struct {
	provider duplex.Provider
	cfg      DuplexConfig
	sess     *CallSession
	tools    *ToolExecutor
	sink     AudioSink
	hooks    Hooks
	rec      *recorder

	// toolsHalted is set once an emergency or transfer has been handled;
	// later tool calls are answered with an error result.
	toolsHalted atomic.Bool
	stopped     atomic.Bool

	// toEngine and toCaller convert the two audio directions.
	toEngine *audio.FormatConverter
	toCaller *audio.FormatConverter

	mu      sync.Mutex
	engine  duplex.Session
	closed  bool
	agent   strings.Builder
	replied bool

	wg sync.WaitGroup
}

var _ Transport = (*DuplexTransport)(nil)

// NewDuplexTransport returns a transport for sess. Engine audio is written to
// sink as μ-law 8 kHz.
func NewDuplexTransport(p duplex.Provider, cfg DuplexConfig, sess *CallSession, tools *ToolExecutor, st store.CallStore, sink AudioSink, hooks Hooks) *DuplexTransport {
	cfg.Clinic = cfg.Clinic.WithDefaults()
	if cfg.Session.Input.SampleRate == 0 || cfg.Session.Output.SampleRate == 0 {
		defaults := duplex.ClinicDefaults()
		cfg.Session.Input, cfg.Session.Output = defaults.Input, defaults.Output
	}
	if cfg.Session.SystemPrompt == "" {
		names := make([]string, 0, 6)
		for _, d := range ToolDefinitions() {
			names = append(names, d.Name)
		}
		cfg.Session.SystemPrompt = prompts.DuplexPrompt(sess.Language(), cfg.Clinic, names)
	}
	return &DuplexTransport{
		provider: p,
		cfg:      cfg,
		sess:     sess,
		tools:    tools,
		sink:     sink,
		hooks:    hooks,
		rec:      newRecorder(sess, st),
		toEngine: audio.NewFormatConverter(cfg.Session.Input.SampleRate),
		toCaller: audio.NewFormatConverter(audio.TelephonySampleRate),
	}
}

// Start connects to the engine, asks it to greet the caller and starts the
// event loop.
func (t *DuplexTransport) Start(ctx context.Context) error {
	engine, err := t.provider.Connect(ctx, t.cfg.Session)
	if err != nil {
		return fmt.Errorf("dialogue: connect duplex engine: %w", err)
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = engine.Close()
		return duplex.ErrClosed
	}
	t.engine = engine
	t.mu.Unlock()

	l := t.sess.Language()
	greeting := prompts.Greeting(l, t.cfg.Clinic)
	if err := engine.InjectText(greeting, duplex.PriorityNormal); err != nil {
		slog.Warn("dialogue: inject greeting", "call_sid", t.sess.CallSID, "err", err)
	} else {
		t.rec.record(ctx, types.SpeakerAssistant, greeting)
	}
	t.sess.setState(StateListening)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.loop(ctx, engine)
	}()
	return nil
}

func (t *DuplexTransport) loop(ctx context.Context, engine duplex.Session) {
	log := slog.With("call_sid", t.sess.CallSID)
	outRate := t.cfg.Session.Output.SampleRate
	for ev := range engine.Events() {
		switch ev.Kind {
		case duplex.EventAudioChunk:
			if t.stopped.Load() {
				continue
			}
			if frame := t.toCaller.Convert(audio.Frame{Data: ev.Audio, SampleRate: outRate}); !frame.Empty() {
				t.sink.Enqueue(audio.PCMToMulaw(frame.Data, frame.SampleRate))
			}
		case duplex.EventTranscriptFinal:
			t.OnTranscript(ctx, stt.Event{
				Kind:      stt.EventFinal,
				Text:      ev.Text,
				Language:  lang.Detect(ev.Text),
				Timestamp: ev.Timestamp,
			})
		case duplex.EventTranscriptPartial:
			log.Debug("dialogue: duplex partial transcript", "text", ev.Text)
		case duplex.EventAgentText:
			t.onAgentText(ctx, engine, ev.Text)
		case duplex.EventToolCall:
			if ev.ToolCall == nil {
				continue
			}
			req, err := DecodeToolCall(*ev.ToolCall)
			if err != nil {
				log.Warn("dialogue: malformed duplex tool call", "err", err)
				t.sendResult(engine, ev.ToolCall.ID, failure("malformed arguments").Content)
				continue
			}
			t.execute(ctx, engine, req)
		case duplex.EventTurnEnd:
			t.flushAgentText(ctx)
		case duplex.EventInterruption:
			t.hooks.interrupt()
		case duplex.EventBackchannel, duplex.EventTurnStart:
			log.Debug("dialogue: duplex event", "kind", ev.Kind, "text", ev.Text)
		case duplex.EventError:
			log.Error("dialogue: duplex engine error", "err", ev.Err)
			if !t.stopped.Load() {
				t.hooks.fail(ev.Err)
			}
		case duplex.EventSessionEnd:
			t.flushAgentText(ctx)
			return
		}
	}
	t.flushAgentText(ctx)
}

// OnTranscript records a caller transcript and applies the safety lexicons.
func (t *DuplexTransport) OnTranscript(ctx context.Context, ev stt.Event) {
	text := strings.TrimSpace(ev.Text)
	if ev.Kind != stt.EventFinal || text == "" || t.stopped.Load() {
		return
	}
	t.hooks.callerFinal(text)
	t.sess.SetLanguage(ev.Language)
	t.sess.addUtterance()
	t.rec.record(ctx, types.SpeakerCaller, text)

	engine := t.currentEngine()
	if engine == nil {
		return
	}
	l := t.sess.Language()
	if t.cfg.Safety.IsEmergency(text) {
		slog.Warn("dialogue: emergency phrase detected", "call_sid", t.sess.CallSID)
		t.toolsHalted.Store(true)
		t.sess.markEmergency()
		if err := engine.Interrupt(); err != nil {
			slog.Warn("dialogue: interrupt duplex engine", "err", err)
		}
		t.hooks.interrupt()
		t.inject(ctx, engine, prompts.Emergency(l))
		return
	}
	if t.toolsHalted.Load() || t.sess.Transferred() {
		return
	}
	if t.cfg.Safety.WantsTransfer(text) {
		t.toolsHalted.Store(true)
		t.sess.setState(StateTransferring)
		t.inject(ctx, engine, prompts.Transfer(l))
		t.transfer(ctx)
	}
}

func (t *DuplexTransport) inject(ctx context.Context, engine duplex.Session, text string) {
	if err := engine.InjectText(text, duplex.PriorityHigh); err != nil {
		slog.Error("dialogue: inject safety text", "call_sid", t.sess.CallSID, "err", err)
		return
	}
	t.sess.addReply()
	t.rec.record(ctx, types.SpeakerAssistant, text)
}

// transfer runs the transfer hook off the event loop so the transfer message
// audio keeps flowing while the hook waits for playback.
func (t *DuplexTransport) transfer(ctx context.Context) {
	if t.cfg.Transfer == nil {
		return
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := t.cfg.Transfer(ctx, t.sess); err != nil {
			slog.Error("dialogue: transfer call", "call_sid", t.sess.CallSID, "err", err)
		}
	}()
}

func (t *DuplexTransport) onAgentText(ctx context.Context, engine duplex.Session, text string) {
	t.mu.Lock()
	t.agent.WriteString(text)
	buf := t.agent.String()
	req, ok := ParseToolCall(buf)
	if ok {
		t.agent.Reset()
		t.agent.WriteString(strings.Replace(buf, req.RawSource, "", 1))
	}
	t.mu.Unlock()
	if ok {
		t.execute(ctx, engine, req)
	}
}

// flushAgentText records buffered agent speech as one assistant entry.
func (t *DuplexTransport) flushAgentText(ctx context.Context) {
	t.mu.Lock()
	text := strings.TrimSpace(t.agent.String())
	t.agent.Reset()
	t.mu.Unlock()
	if text == "" {
		return
	}
	t.sess.addReply()
	t.rec.record(ctx, types.SpeakerAssistant, text)
}

func (t *DuplexTransport) execute(ctx context.Context, engine duplex.Session, req ToolCallRequest) {
	if t.toolsHalted.Load() {
		slog.Warn("dialogue: duplex tool call after safety stop", "call_sid", t.sess.CallSID, "tool", req.Name)
		t.sendResult(engine, req.CallID, failure("tool execution is disabled for this call").Content)
		return
	}
	res := t.tools.Execute(ctx, t.sess, req)
	if res.Booked {
		t.sess.markBooking()
	}
	t.sess.setState(res.State)
	t.sendResult(engine, req.CallID, res.Content)
	if res.Transfer {
		t.toolsHalted.Store(true)
		if res.Say != "" {
			t.inject(ctx, engine, res.Say)
		}
		t.transfer(ctx)
	}
}

func (t *DuplexTransport) sendResult(engine duplex.Session, callID, content string) {
	if err := engine.SendToolResult(callID, content); err != nil && !errors.Is(err, duplex.ErrClosed) {
		slog.Error("dialogue: send tool result", "call_sid", t.sess.CallSID, "err", err)
	}
}

func (t *DuplexTransport) currentEngine() duplex.Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.engine
}

// PushAudio converts μ-law 8 kHz caller audio to the engine's input format.
func (t *DuplexTransport) PushAudio(chunk []byte) error {
	engine := t.currentEngine()
	if engine == nil {
		return stt.ErrNotReady
	}
	frame := t.toEngine.Convert(audio.Frame{Data: audio.MulawToPCM(chunk), SampleRate: audio.TelephonySampleRate})
	return engine.SendAudio(frame.Data)
}

// Close ends the engine session and waits for the event loop.
func (t *DuplexTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	engine := t.engine
	t.mu.Unlock()

	t.stopped.Store(true)
	var err error
	if engine != nil {
		err = engine.Close()
	}
	t.wg.Wait()
	return err
}
