package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/medvoice/internal/dialogue"
	"github.com/MrWong99/medvoice/internal/observe"
	"github.com/MrWong99/medvoice/internal/store"
	"github.com/MrWong99/medvoice/pkg/audio"
)

// writeTimeout bounds a single websocket write to the telephony platform.
const writeTimeout = 5 * time.Second

// greeter is implemented by transports that speak the greeting themselves
// once the call starts rather than on connect.
type greeter interface {
	Greet(ctx context.Context)
}

// Session owns one media stream: the call state, the transport carrying the
// conversation and the two queues between them.
type Session struct {
	conn *websocket.Conn
	cfg  *Config
	log  *slog.Logger

	ctx   context.Context
	group *errgroup.Group

	streamSID string
	call      *dialogue.CallSession
	out       *outboundQueue

	// mu guards the pending buffer, the ready flag and the transport. Media
	// frames and the connect-and-flush task both hold it, so no frame can
	// slip between the flush and the ready flip.
	mu        sync.Mutex
	pending   *pendingBuffer
	ready     bool
	transport dialogue.Transport
	mode      dialogue.Mode

	// playMu guards marks, the number of audio_end marks not yet echoed.
	playMu sync.Mutex
	marks  int

	stopped   atomic.Bool
	fellBack  atomic.Bool
	fallbacks chan error
}

func newSession(conn *websocket.Conn, cfg *Config) *Session {
	return &Session{
		conn:      conn,
		cfg:       cfg,
		log:       slog.Default(),
		out:       newOutboundQueue(),
		pending:   newPendingBuffer(cfg.PendingCapacity),
		fallbacks: make(chan error, 1),
	}
}

// run reads frames until the platform stops the stream, the connection drops
// or ctx is cancelled, then tears the call down.
func (s *Session) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	s.group, s.ctx = errgroup.WithContext(ctx)
	defer s.teardown(cancel)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				s.log.Debug("gateway: media stream closed", "err", err)
			} else {
				s.log.Warn("gateway: media stream read failed", "err", err)
			}
			return
		}
		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Warn("gateway: malformed media stream frame", "err", err)
			continue
		}
		if s.handle(msg) {
			return
		}
	}
}

// handle dispatches one inbound frame and reports whether the stream ended.
func (s *Session) handle(msg inboundMessage) bool {
	switch msg.Event {
	case eventConnected:
		s.log.Debug("gateway: media stream connected", "protocol", msg.Protocol)
	case eventStart:
		if msg.Start == nil {
			s.log.Warn("gateway: start frame without payload")
			return false
		}
		s.onStart(*msg.Start)
	case eventMedia:
		if msg.Media != nil {
			s.onMedia(msg.Media.Payload)
		}
	case eventMark:
		if msg.Mark != nil {
			s.onMark(msg.Mark.Name)
		}
	case eventDTMF:
		if msg.DTMF != nil {
			s.log.Debug("gateway: dtmf", "digit", msg.DTMF.Digit)
		}
	case eventStop:
		s.log.Info("gateway: media stream stopped")
		return true
	default:
		s.log.Debug("gateway: ignoring media stream event", "event", msg.Event)
	}
	return false
}

func (s *Session) onStart(p startPayload) {
	if s.call != nil {
		s.log.Warn("gateway: duplicate start frame", "stream_sid", p.StreamSID)
		return
	}
	mode := dialogue.ParseMode(p.CustomParameters["mode"], s.cfg.DefaultMode)
	caller := p.CustomParameters["caller"]
	s.streamSID = p.StreamSID
	s.mu.Lock()
	s.mode = mode
	s.mu.Unlock()
	s.call = dialogue.NewCallSession(p.CallSID, p.StreamSID, caller, mode, s.cfg.Language)
	s.log = observe.Logger(s.ctx).With("call_sid", p.CallSID, "stream_sid", p.StreamSID)
	observe.AnnotateCall(s.ctx, p.CallSID, p.StreamSID, string(mode))
	s.log.Info("gateway: call started", "caller", caller, "mode", mode)

	err := s.cfg.Store.CreateCall(s.ctx, store.Call{
		CallSID:   p.CallSID,
		StreamSID: p.StreamSID,
		Caller:    caller,
		Language:  string(s.call.Language()),
		Mode:      string(mode),
		StartedAt: s.call.StartedAt,
	})
	if err != nil {
		s.log.Warn("gateway: persist call", "err", err)
	}
	s.cfg.Metrics.ActiveCalls.Add(s.ctx, 1)
	s.cfg.Tracker.Track(p.CallSID, s.hangup)

	s.group.Go(func() error { return s.sendLoop(s.ctx) })
	s.group.Go(func() error { return s.supervise(s.ctx) })
	s.startTransport(mode)
}

// startTransport builds the transport for mode and connects it in the
// background.
func (s *Session) startTransport(mode dialogue.Mode) {
	tr, err := s.cfg.NewTransport(mode, s.env())
	if err != nil {
		s.log.Error("gateway: build transport, call continues without a conversation", "mode", mode, "err", err)
		return
	}
	s.mu.Lock()
	if s.stopped.Load() {
		s.mu.Unlock()
		_ = tr.Close()
		return
	}
	s.transport = tr
	s.mode = mode
	s.ready = false
	s.mu.Unlock()

	s.group.Go(func() error {
		s.connect(s.ctx, tr)
		return nil
	})
	if g, ok := tr.(greeter); ok {
		s.group.Go(func() error {
			g.Greet(s.ctx)
			return nil
		})
	}
}

func (s *Session) env() CallEnv {
	return CallEnv{
		Call: s.call,
		Sink: s.out,
		Hooks: dialogue.Hooks{
			OnCallerFinal: s.onCallerFinal,
			OnInterrupt:   func() { s.bargeIn("engine") },
			OnError:       s.onTransportError,
		},
		AwaitPlayback: s.awaitPlayback,
	}
}

// connect starts tr and, under the buffering lock, flushes every pending
// frame in arrival order before marking the transport ready.
func (s *Session) connect(ctx context.Context, tr dialogue.Transport) {
	start := time.Now()
	watchdog := time.AfterFunc(s.cfg.ReadyTimeout, func() {
		if !s.isReady() && !s.stopped.Load() {
			s.log.Error("gateway: transport not ready in time, continuing degraded", "timeout", s.cfg.ReadyTimeout)
		}
	})
	err := tr.Start(ctx)
	watchdog.Stop()
	if err != nil {
		if s.stopped.Load() {
			return
		}
		s.log.Error("gateway: transport failed to start", "mode", s.currentMode(), "err", err)
		if s.currentMode() == dialogue.ModeFullDuplex {
			s.onTransportError(err)
		}
		return
	}
	s.cfg.Metrics.RecognizerConnectDuration.Record(ctx, time.Since(start).Seconds())

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped.Load() || s.transport != tr {
		return
	}
	frames := s.pending.take()
	for i, f := range frames {
		if err := tr.PushAudio(f); err != nil {
			s.log.Warn("gateway: flush pending audio", "frame", i, "err", err)
			break
		}
	}
	s.ready = true
	s.log.Info("gateway: transport ready", "flushed_frames", len(frames), "elapsed", time.Since(start))
}

func (s *Session) isReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *Session) currentMode() dialogue.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *Session) onMedia(payload string) {
	if s.stopped.Load() {
		return
	}
	frame := audio.DecodeFromTelephony(payload)
	if len(frame) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready || s.transport == nil {
		if !s.pending.add(frame) {
			if s.pending.dropped == 1 {
				s.log.Warn("gateway: pending audio buffer full, dropping frames", "capacity", s.pending.capacity)
			} else {
				s.log.Debug("gateway: dropped pending frame", "dropped", s.pending.dropped)
			}
			s.cfg.Metrics.RecordDroppedFrames(s.ctx, "pending_overflow", 1)
		}
		return
	}
	if err := s.transport.PushAudio(frame); err != nil {
		s.log.Debug("gateway: push audio", "err", err)
	}
}

func (s *Session) onMark(name string) {
	if name != markAudioEnd {
		return
	}
	s.playMu.Lock()
	if s.marks > 0 {
		s.marks--
	}
	s.playMu.Unlock()
}

// playing reports whether sent audio has not been acknowledged yet.
func (s *Session) playing() bool {
	s.playMu.Lock()
	defer s.playMu.Unlock()
	return s.marks > 0
}

func (s *Session) onCallerFinal(string) {
	if s.playing() || s.out.len() > 0 {
		s.bargeIn("caller")
	}
}

// bargeIn discards queued assistant audio and tells the platform to drop
// what it has buffered.
func (s *Session) bargeIn(source string) {
	if s.stopped.Load() {
		return
	}
	dropped := s.out.clear()
	s.playMu.Lock()
	s.marks = 0
	s.playMu.Unlock()

	if err := s.send(s.ctx, outboundMessage{Event: eventClear, StreamSID: s.streamSID}); err != nil {
		s.log.Warn("gateway: send clear", "err", err)
	}
	s.cfg.Metrics.BargeIns.Add(s.ctx, 1)
	s.log.Info("gateway: barge-in, playback cleared", "source", source, "dropped_chunks", dropped)
}

// sendLoop forwards queued audio, each chunk followed by an audio_end mark.
func (s *Session) sendLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SendInterval)
	defer ticker.Stop()
	for {
		chunk, ok := s.out.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-s.out.ready():
			case <-ticker.C:
			}
			continue
		}
		media := outboundMessage{
			Event:     eventMedia,
			StreamSID: s.streamSID,
			Media:     &outboundMedia{Payload: audio.EncodeForTelephony(chunk)},
		}
		if err := s.send(ctx, media); err != nil {
			return fmt.Errorf("gateway: send media: %w", err)
		}
		s.playMu.Lock()
		s.marks++
		s.playMu.Unlock()
		mark := outboundMessage{Event: eventMark, StreamSID: s.streamSID, Mark: &markPayload{Name: markAudioEnd}}
		if err := s.send(ctx, mark); err != nil {
			return fmt.Errorf("gateway: send mark: %w", err)
		}
	}
}

func (s *Session) send(ctx context.Context, msg outboundMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// awaitPlayback blocks until queued and unacknowledged audio has played or
// ctx ends. The wait is bounded by the drain timeout, extended to the
// playtime of the queued audio when that is longer.
func (s *Session) awaitPlayback(ctx context.Context) {
	limit := drainLimit(s.cfg.DrainTimeout, s.out.playtime())
	ctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()
	ticker := time.NewTicker(s.cfg.SendInterval)
	defer ticker.Stop()
	for s.out.len() > 0 || s.playing() {
		select {
		case <-ctx.Done():
			s.log.Debug("gateway: playback did not drain", "err", ctx.Err())
			return
		case <-ticker.C:
		}
	}
}

// drainMargin covers the round trip of the final audio_end mark.
const drainMargin = 500 * time.Millisecond

func drainLimit(timeout, queued time.Duration) time.Duration {
	if queued+drainMargin > timeout {
		return queued + drainMargin
	}
	return timeout
}

func (s *Session) onTransportError(err error) {
	s.log.Error("gateway: transport error", "mode", s.currentMode(), "err", err)
	if !s.cfg.FallbackToTurn || s.currentMode() != dialogue.ModeFullDuplex {
		return
	}
	if !s.fellBack.CompareAndSwap(false, true) {
		return
	}
	select {
	case s.fallbacks <- err:
	default:
	}
}

// supervise replaces a failed duplex transport with a turn transport.
func (s *Session) supervise(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case cause := <-s.fallbacks:
		if s.stopped.Load() {
			return nil
		}
		s.log.Warn("gateway: falling back to turn mode", "cause", cause)
		s.mu.Lock()
		old := s.transport
		s.transport = nil
		s.ready = false
		s.mu.Unlock()
		if old != nil {
			if err := old.Close(); err != nil {
				s.log.Debug("gateway: close duplex transport", "err", err)
			}
		}
		s.bargeIn("fallback")
		s.startTransport(dialogue.ModeTurn)
		return nil
	}
}

// hangup closes the media stream from the server side.
func (s *Session) hangup() {
	if err := s.conn.Close(websocket.StatusGoingAway, "server shutting down"); err != nil {
		s.log.Debug("gateway: close media stream", "err", err)
	}
}

func (s *Session) teardown(cancel context.CancelFunc) {
	s.stopped.Store(true)
	cancel()

	s.mu.Lock()
	tr := s.transport
	mode := s.mode
	s.mu.Unlock()
	if tr != nil {
		if err := tr.Close(); err != nil {
			s.log.Debug("gateway: close transport", "err", err)
		}
	}
	if err := s.group.Wait(); err != nil {
		s.log.Debug("gateway: session task ended", "err", err)
	}
	defer func() { _ = s.conn.Close(websocket.StatusNormalClosure, "") }()

	if s.call == nil {
		return
	}
	now := s.cfg.Now()
	s.call.End(now)
	summary := s.call.Summary()

	ctx, cancelStore := context.WithTimeout(context.WithoutCancel(s.ctx), writeTimeout)
	defer cancelStore()
	if err := s.cfg.Store.EndCall(ctx, s.call.CallSID, summary); err != nil {
		s.log.Warn("gateway: persist call summary", "err", err)
	}

	s.cfg.Tracker.Untrack(s.call.CallSID)
	s.cfg.Metrics.ActiveCalls.Add(ctx, -1)
	s.cfg.Metrics.RecordCallEnd(ctx, observe.CallResult{
		Outcome:   summary.Outcome,
		Mode:      string(mode),
		Duration:  summary.Duration,
		Emergency: summary.EmergencyTriggered,
		Booked:    summary.BookingMade,
	})
	s.log.Info("gateway: call ended",
		"outcome", summary.Outcome,
		"duration", summary.Duration,
		"utterances", summary.CallerUtterances,
		"replies", summary.Replies,
		"dropped_pending_frames", s.pending.dropped,
	)
}
