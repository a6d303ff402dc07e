package dialogue

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/medvoice/internal/prompts"
	"github.com/MrWong99/medvoice/internal/store"
	"github.com/MrWong99/medvoice/pkg/lang"
	"github.com/MrWong99/medvoice/pkg/types"
)

// DefaultMaxToolRounds bounds how often a single turn re-invokes the model
// after executing tools.
const DefaultMaxToolRounds = 5

// TransferFunc redirects the call to a human. It is invoked after the
// transfer message has been handed to the speaker.
type TransferFunc func(ctx context.Context, sess *CallSession) error

// Config tunes the orchestrator.
type Config struct {
	MinChunkChars int
	MaxToolRounds int
	Clinic        prompts.Clinic
	Safety        Safety

	// Transfer redirects the call. Nil leaves the call connected.
	Transfer TransferFunc

	// Filler picks the filler spoken before slow tool calls. Nil selects
	// [prompts.Filler].
	Filler func(lang.Language) string
}

// Orchestrator runs the turn-based conversation of one call: it collects
// caller transcripts, applies the safety lexicons, streams model replies into
// the speaker sentence by sentence and executes tool calls.
//
// At most one turn runs at a time. Callers must invoke [Orchestrator.Stop]
// before tearing the call down.
type Orchestrator struct {
	sess    *CallSession
	lm      *LM
	speaker Speaker
	tools   *ToolExecutor
	rec     *recorder
	cfg     Config

	// interrupt discards assistant audio that is queued but not yet played.
	interrupt func()

	generating atomic.Bool
	stopped    atomic.Bool

	mu         sync.Mutex
	history    []types.Message
	pending    []string
	emergency  bool
	cancelTurn context.CancelFunc

	wg sync.WaitGroup
}

// NewOrchestrator wires the collaborators of one call.
func NewOrchestrator(sess *CallSession, lm *LM, speaker Speaker, tools *ToolExecutor, st store.CallStore, cfg Config) *Orchestrator {
	if cfg.MinChunkChars <= 0 {
		cfg.MinChunkChars = DefaultMinChunkChars
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = DefaultMaxToolRounds
	}
	if cfg.Filler == nil {
		cfg.Filler = prompts.Filler
	}
	cfg.Clinic = cfg.Clinic.WithDefaults()
	return &Orchestrator{
		sess:    sess,
		lm:      lm,
		speaker: speaker,
		tools:   tools,
		rec:     newRecorder(sess, st),
		cfg:     cfg,
	}
}

// Session returns the call session.
func (o *Orchestrator) Session() *CallSession { return o.sess }

// Greet speaks the localized greeting and starts listening.
func (o *Orchestrator) Greet(ctx context.Context) {
	l := o.sess.Language()
	greeting := prompts.Greeting(l, o.cfg.Clinic)
	o.say(ctx, greeting, l, false)
	o.mu.Lock()
	o.history = append(o.history, types.Message{Role: "assistant", Content: greeting})
	o.mu.Unlock()
	o.sess.setState(StateListening)
}

// AddCallerFinal records a final caller transcript. The language classified
// for the transcript becomes the conversation language.
//
// An emergency phrase does not wait for the utterance end: the running turn,
// if any, is cancelled, queued audio is discarded and the emergency message
// is spoken next. This holds after a transfer too.
func (o *Orchestrator) AddCallerFinal(ctx context.Context, text string, l lang.Language) {
	text = strings.TrimSpace(text)
	if text == "" || o.stopped.Load() {
		return
	}
	o.sess.SetLanguage(l)
	o.sess.addUtterance()
	o.rec.record(ctx, types.SpeakerCaller, text)

	o.mu.Lock()
	o.history = append(o.history, types.Message{Role: "user", Content: text})
	if !o.cfg.Safety.IsEmergency(text) {
		o.pending = append(o.pending, text)
		o.mu.Unlock()
		return
	}
	o.emergency = true
	o.pending = o.pending[:0]
	cancel := o.cancelTurn
	o.mu.Unlock()

	slog.Warn("dialogue: emergency phrase detected", "call_sid", o.sess.CallSID, "language", l, "preempted", cancel != nil)
	if cancel != nil {
		cancel()
	}
	if o.interrupt != nil {
		o.interrupt()
	}
	o.startTurn(ctx)
}

// OnUtteranceEnd starts a turn in the background. It reports false when a
// turn is already running; the signal is then dropped.
func (o *Orchestrator) OnUtteranceEnd(ctx context.Context) bool {
	if o.stopped.Load() {
		return false
	}
	if !o.startTurn(ctx) {
		slog.Info("dialogue: utterance end while generating, dropped", "call_sid", o.sess.CallSID)
		return false
	}
	return true
}

// startTurn runs turns in the background until no emergency is left
// unanswered. It reports false when a turn is already running.
func (o *Orchestrator) startTurn(ctx context.Context) bool {
	if !o.generating.CompareAndSwap(false, true) {
		return false
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		for {
			o.runTurn(ctx)
			o.generating.Store(false)
			// An emergency raised while the turn was winding down finds
			// generating still set; pick it up here.
			if o.stopped.Load() || !o.emergencyPending() || !o.generating.CompareAndSwap(false, true) {
				return
			}
		}
	}()
	return true
}

// Generating reports whether a turn is in progress.
func (o *Orchestrator) Generating() bool { return o.generating.Load() }

// Stop makes all further output be discarded. It does not wait.
func (o *Orchestrator) Stop() { o.stopped.Store(true) }

// Wait blocks until the running turn, if any, has returned.
func (o *Orchestrator) Wait() { o.wg.Wait() }

// Outcome classifies the call.
func (o *Orchestrator) Outcome() Outcome { return o.sess.Outcome() }

// Summary returns the end-of-call record.
func (o *Orchestrator) Summary() store.CallSummary { return o.sess.Summary() }

// History returns a copy of the conversation history.
func (o *Orchestrator) History() []types.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]types.Message(nil), o.history...)
}

func (o *Orchestrator) takePending() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	text := strings.Join(o.pending, " ")
	o.pending = o.pending[:0]
	return strings.TrimSpace(text)
}

func (o *Orchestrator) emergencyPending() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.emergency
}

func (o *Orchestrator) takeEmergency() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	e := o.emergency
	o.emergency = false
	return e
}

// turnContext derives the context of one model turn. An emergency cancels it.
func (o *Orchestrator) turnContext(ctx context.Context) (context.Context, func()) {
	turnCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancelTurn = cancel
	if o.emergency {
		cancel()
	}
	o.mu.Unlock()
	return turnCtx, func() {
		o.mu.Lock()
		o.cancelTurn = nil
		o.mu.Unlock()
		cancel()
	}
}

func (o *Orchestrator) appendHistory(msgs ...types.Message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.history = append(o.history, msgs...)
}

func (o *Orchestrator) runTurn(ctx context.Context) {
	if o.takeEmergency() {
		l := o.sess.Language()
		o.sess.markEmergency()
		msg := prompts.Emergency(l)
		o.appendHistory(types.Message{Role: "assistant", Content: msg})
		o.say(ctx, msg, l, true)
		return
	}

	text := o.takePending()
	if text == "" {
		return
	}
	l := o.sess.Language()
	log := slog.With("call_sid", o.sess.CallSID, "language", l)

	if o.sess.Transferred() {
		log.Debug("dialogue: caller spoke after transfer, ignoring")
		return
	}
	if o.cfg.Safety.WantsTransfer(text) {
		log.Info("dialogue: caller asked for a human")
		o.transfer(ctx, prompts.Transfer(l), l)
		return
	}

	turnCtx, done := o.turnContext(ctx)
	defer done()
	o.sess.setState(StateProcessing)
	o.generate(turnCtx, l)
	if o.sess.State() == StateProcessing {
		o.sess.setState(StateListening)
	}
}

func (o *Orchestrator) transfer(ctx context.Context, msg string, l lang.Language) {
	o.sess.setState(StateTransferring)
	o.appendHistory(types.Message{Role: "assistant", Content: msg})
	o.say(ctx, msg, l, true)
	if o.cfg.Transfer == nil || o.stopped.Load() {
		return
	}
	if err := o.cfg.Transfer(ctx, o.sess); err != nil {
		slog.Error("dialogue: transfer call", "call_sid", o.sess.CallSID, "err", err)
	}
}

// generate streams model replies, executing tool calls between rounds until
// the model answers without tools.
func (o *Orchestrator) generate(ctx context.Context, l lang.Language) {
	fillerSpoken := false
	for round := 0; round < o.cfg.MaxToolRounds; round++ {
		reply, calls := o.streamReply(ctx, l)
		if o.stopped.Load() || ctx.Err() != nil {
			return
		}
		o.appendHistory(types.Message{Role: "assistant", Content: reply, ToolCalls: calls})
		if reply != "" {
			o.sess.addReply()
			o.rec.record(ctx, types.SpeakerAssistant, reply)
		}
		if len(calls) == 0 {
			return
		}

		if !fillerSpoken && reply == "" {
			fillerSpoken = true
			o.say(ctx, o.cfg.Filler(l), l, false)
		}
		if done := o.runTools(ctx, calls, l); done {
			return
		}
	}
	slog.Warn("dialogue: tool round limit reached", "call_sid", o.sess.CallSID, "rounds", o.cfg.MaxToolRounds)
}

// streamReply streams one model reply into the speaker and returns its full
// text and tool calls.
func (o *Orchestrator) streamReply(ctx context.Context, l lang.Language) (string, []types.ToolCall) {
	chunker := NewChunker(o.cfg.MinChunkChars)
	var (
		text  strings.Builder
		calls []types.ToolCall
	)
	for c := range o.lm.Stream(ctx, o.History(), l, o.sess.toolsAllowed()) {
		if o.stopped.Load() || ctx.Err() != nil {
			continue
		}
		if c.Usage != nil {
			o.sess.addUsage(c.Usage.PromptTokens, c.Usage.CompletionTokens)
		}
		text.WriteString(c.Text)
		if chunk := chunker.Push(c.Text); chunk != "" {
			o.speak(ctx, chunk, l)
		}
		calls = append(calls, c.ToolCalls...)
	}
	if rest := chunker.Flush(); rest != "" {
		o.speak(ctx, rest, l)
	}
	if !o.sess.toolsAllowed() {
		calls = nil
	}
	return strings.TrimSpace(text.String()), calls
}

// runTools executes calls and appends their results to the history. It
// reports true when the turn must end without consulting the model again.
func (o *Orchestrator) runTools(ctx context.Context, calls []types.ToolCall, l lang.Language) bool {
	var spoken []string
	transfer := ""
	for _, tc := range calls {
		if o.stopped.Load() || ctx.Err() != nil {
			return true
		}
		req, err := DecodeToolCall(tc)
		var res ToolResult
		if err != nil {
			slog.Warn("dialogue: skipping malformed tool call", "call_sid", o.sess.CallSID, "err", err)
			res = failure("malformed arguments")
			res.CallID, res.Name = tc.ID, tc.Name
		} else {
			res = o.tools.Execute(ctx, o.sess, req)
		}
		o.appendHistory(types.Message{Role: "tool", ToolCallID: tc.ID, Name: tc.Name, Content: res.Content})

		if res.Booked {
			o.sess.markBooking()
		}
		if res.Transfer {
			transfer = res.Say
			continue
		}
		o.sess.setState(res.State)
		if res.Say != "" {
			spoken = append(spoken, res.Say)
		}
	}

	for _, s := range spoken {
		o.appendHistory(types.Message{Role: "assistant", Content: s})
		o.say(ctx, s, l, true)
	}
	if transfer != "" {
		o.transfer(ctx, transfer, l)
		return true
	}
	return false
}

// say speaks a complete message and records it in the transcript.
func (o *Orchestrator) say(ctx context.Context, text string, l lang.Language, reply bool) {
	if o.stopped.Load() || ctx.Err() != nil {
		return
	}
	o.speak(ctx, text, l)
	if reply {
		o.sess.addReply()
	}
	o.rec.record(ctx, types.SpeakerAssistant, text)
}

func (o *Orchestrator) speak(ctx context.Context, text string, l lang.Language) {
	if o.stopped.Load() || ctx.Err() != nil || strings.TrimSpace(text) == "" {
		return
	}
	o.sess.addSynthChars(len([]rune(text)))
	if err := o.speaker.Speak(ctx, text, l); err != nil && ctx.Err() == nil {
		slog.Error("dialogue: speak", "call_sid", o.sess.CallSID, "err", err)
	}
}
