// Package deepgram provides a Deepgram-backed STT provider for telephony
// audio using the Deepgram streaming WebSocket API. It implements the
// stt.Provider interface.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/medvoice/pkg/lang"
	"github.com/MrWong99/medvoice/pkg/provider/stt"
)

const (
	deepgramEndpoint      = "wss://api.deepgram.com/v1/listen"
	defaultModel          = "nova-2"
	defaultLanguage       = "multi"
	defaultEncoding       = "mulaw"
	defaultSampleRate     = 8000
	defaultEndpointing    = 3000 * time.Millisecond
	defaultUtteranceEnd   = 1000 * time.Millisecond
	defaultSilenceTimeout = 2500 * time.Millisecond
	defaultReadyTimeout   = 5 * time.Second
	closeGrace            = 2 * time.Second
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-2", "nova-3").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the recognition language. "multi" enables automatic
// identification.
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithEndpointing sets how much trailing silence Deepgram waits for before
// finalizing a segment.
func WithEndpointing(d time.Duration) Option {
	return func(p *Provider) {
		p.endpointing = d
	}
}

// WithUtteranceEnd sets the gap Deepgram uses to emit UtteranceEnd messages.
func WithUtteranceEnd(d time.Duration) Option {
	return func(p *Provider) {
		p.utteranceEnd = d
	}
}

// WithEndpoint overrides the streaming endpoint. Used by tests.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey       string
	endpoint     string
	model        string
	language     string
	endpointing  time.Duration
	utteranceEnd time.Duration
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		endpoint:     deepgramEndpoint,
		model:        defaultModel,
		language:     defaultLanguage,
		endpointing:  defaultEndpointing,
		utteranceEnd: defaultUtteranceEnd,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

var _ stt.Provider = (*Provider)(nil)

// StartStream opens a streaming transcription session. The dial is bounded by
// cfg.ReadyTimeout; when it elapses the returned error wraps [stt.ErrNotReady].
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	readyTimeout := cfg.ReadyTimeout
	if readyTimeout <= 0 {
		readyTimeout = defaultReadyTimeout
	}
	silence := cfg.SilenceTimeout
	if silence <= 0 {
		silence = defaultSilenceTimeout
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	dialCtx, cancelDial := context.WithTimeout(ctx, readyTimeout)
	defer cancelDial()
	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("deepgram: %w after %s: %w", stt.ErrNotReady, readyTimeout, err)
		}
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	sessCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sess := &session{
		conn:           conn,
		cancel:         cancel,
		bridge:         stt.NewBridge[message](stt.DefaultBridgeCapacity),
		events:         make(chan stt.Event, 64),
		audio:          make(chan []byte, 256),
		done:           make(chan struct{}),
		writerDone:     make(chan struct{}),
		readerDone:     make(chan struct{}),
		silenceTimeout: silence,
		language:       lang.Default,
	}

	sess.wg.Add(1)
	go sess.readLoop(sessCtx)
	go sess.writeLoop(sessCtx)
	go sess.dispatch(sessCtx)

	return sess, nil
}

// buildURL constructs the Deepgram streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	language := cfg.Language
	if language == "" {
		language = p.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = defaultSampleRate
	}
	enc := cfg.Encoding
	if enc == "" {
		enc = defaultEncoding
	}
	channels := cfg.Channels
	if channels == 0 {
		channels = 1
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", language)
	q.Set("encoding", enc)
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("channels", strconv.Itoa(channels))
	q.Set("interim_results", "true")
	q.Set("vad_events", "true")
	q.Set("smart_format", "true")
	q.Set("endpointing", strconv.FormatInt(p.endpointing.Milliseconds(), 10))
	q.Set("utterance_end_ms", strconv.FormatInt(p.utteranceEnd.Milliseconds(), 10))

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- wire messages ----

// message is the decoded form of every JSON frame Deepgram sends. Transport
// failures are carried in err.
type message struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`

	err error
}

// parseMessage decodes a raw Deepgram frame. It returns false for frames the
// session does not act on.
func parseMessage(data []byte) (message, bool) {
	var m message
	if err := json.Unmarshal(data, &m); err != nil {
		return message{}, false
	}
	switch m.Type {
	case "Results", "UtteranceEnd", "SpeechStarted":
		return m, true
	}
	return message{}, false
}

// transcript returns the trimmed top alternative of a Results message.
func (m message) transcript() (string, float64) {
	if len(m.Channel.Alternatives) == 0 {
		return "", 0
	}
	alt := m.Channel.Alternatives[0]
	return strings.TrimSpace(alt.Transcript), alt.Confidence
}

// ---- session ----

// session is a live Deepgram streaming session. It implements stt.SessionHandle.
//
// The read loop only decodes frames and pushes them into the bridge; all
// per-session state (detected language, pending final, silence timer) is
// owned by the dispatch goroutine.
type session struct {
	conn   *websocket.Conn
	cancel context.CancelFunc
	bridge *stt.Bridge[message]
	events chan stt.Event
	audio  chan []byte

	done       chan struct{}
	writerDone chan struct{}
	readerDone chan struct{}
	once       sync.Once
	wg         sync.WaitGroup

	silenceTimeout time.Duration

	// Owned by dispatch.
	language     lang.Language
	pendingFinal bool
}

// SendAudio queues an audio chunk for delivery to Deepgram.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return stt.ErrClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return stt.ErrClosed
	}
}

// Events returns the ordered event stream.
func (s *session) Events() <-chan stt.Event { return s.events }

// Close flushes queued audio, asks Deepgram to finalize, and tears the
// connection down.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		<-s.writerDone
		ctx, cancel := context.WithTimeout(context.Background(), closeGrace)
		defer cancel()
		_ = s.conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		select {
		case <-s.readerDone:
		case <-ctx.Done():
		}
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.cancel()
		s.wg.Wait()
	})
	return nil
}

// writeLoop reads from the audio channel and sends binary messages to Deepgram.
func (s *session) writeLoop(ctx context.Context) {
	defer close(s.writerDone)
	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				slog.Debug("deepgram: write failed", "err", err)
				return
			}
		case <-s.done:
			for {
				select {
				case chunk := <-s.audio:
					_ = s.conn.Write(ctx, websocket.MessageBinary, chunk)
				default:
					return
				}
			}
		}
	}
}

// readLoop receives frames from Deepgram and hands them to the bridge.
func (s *session) readLoop(ctx context.Context) {
	defer close(s.readerDone)
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			select {
			case <-s.done:
			default:
				if websocket.CloseStatus(err) != websocket.StatusNormalClosure && ctx.Err() == nil {
					slog.Warn("deepgram: stream error", "err", err)
					s.bridge.Push(message{err: fmt.Errorf("deepgram: read: %w", err)})
				}
			}
			return
		}
		m, ok := parseMessage(data)
		if !ok {
			continue
		}
		s.bridge.Push(m)
	}
}

// dispatch is the session's single consumer. It drains the bridge, runs the
// silence timer and emits events in order.
func (s *session) dispatch(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.events)

	silence := time.NewTimer(s.silenceTimeout)
	silence.Stop()
	defer silence.Stop()

	s.bridge.MarkReady()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.bridge.Notify():
			for _, m := range s.bridge.Drain() {
				s.handle(ctx, m, silence)
			}
		case <-silence.C:
			if s.pendingFinal {
				s.pendingFinal = false
				slog.Debug("deepgram: silence timeout, synthesizing utterance end")
				s.emit(ctx, stt.Event{Kind: stt.EventUtteranceEnd, Language: s.language})
			}
		}
	}
}

func (s *session) handle(ctx context.Context, m message, silence *time.Timer) {
	if m.err != nil {
		s.emit(ctx, stt.Event{Kind: stt.EventError, Err: m.err})
		return
	}

	switch m.Type {
	case "Results":
		text, conf := m.transcript()
		if text == "" {
			return
		}
		if !m.IsFinal {
			s.emit(ctx, stt.Event{Kind: stt.EventPartial, Text: text, Confidence: conf, Language: s.language})
			return
		}
		s.language = lang.Detect(text)
		s.pendingFinal = true
		silence.Reset(s.silenceTimeout)
		s.emit(ctx, stt.Event{Kind: stt.EventFinal, Text: text, Confidence: conf, Language: s.language})

	case "UtteranceEnd":
		silence.Stop()
		if !s.pendingFinal {
			return
		}
		s.pendingFinal = false
		s.emit(ctx, stt.Event{Kind: stt.EventUtteranceEnd, Language: s.language})

	case "SpeechStarted":
		s.emit(ctx, stt.Event{Kind: stt.EventSpeechStarted, Language: s.language})
	}
}

func (s *session) emit(ctx context.Context, ev stt.Event) {
	ev.Timestamp = time.Now()
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}
