// Package gateway terminates the telephony side of a call: the voice webhook
// that answers with TwiML, the bidirectional media stream carrying μ-law
// audio, and the status callback.
//
// Each media stream is owned by one [Session]. The session buffers caller
// audio until the conversation transport is ready, forwards synthesized audio
// through a sender loop that tracks playback with marks, and clears playback
// when the caller barges in.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"
	twclient "github.com/twilio/twilio-go/client"
	"github.com/twilio/twilio-go/twiml"

	"github.com/MrWong99/medvoice/internal/dialogue"
	"github.com/MrWong99/medvoice/internal/observe"
	"github.com/MrWong99/medvoice/internal/prompts"
	"github.com/MrWong99/medvoice/internal/store"
	"github.com/MrWong99/medvoice/pkg/lang"
)

// Default timings.
const (
	DefaultReadyTimeout = 5 * time.Second
	DefaultSendInterval = 100 * time.Millisecond
	DefaultDrainTimeout = 10 * time.Second
)

// Routes served by [Handler].
const (
	VoicePath       = "/twilio/voice"
	MediaStreamPath = "/twilio/media-stream"
	StatusPath      = "/twilio/status"
)

// CallEnv is what a transport needs from the gateway.
type CallEnv struct {
	Call  *dialogue.CallSession
	Sink  dialogue.AudioSink
	Hooks dialogue.Hooks

	// AwaitPlayback blocks until the audio queued so far has been played to
	// the caller, bounded by the drain timeout.
	AwaitPlayback func(ctx context.Context)
}

// TransportFactory builds the conversation transport for a new call.
type TransportFactory func(mode dialogue.Mode, env CallEnv) (dialogue.Transport, error)

// Tracker is told about every live call so that they can be hung up on
// shutdown.
type Tracker interface {
	Track(callSID string, hangup func())
	Untrack(callSID string)
}

type nopTracker struct{}

func (nopTracker) Track(string, func()) {}
func (nopTracker) Untrack(string)       {}

// Voices are the platform voices used for the TwiML welcome.
type Voices struct {
	French  string
	English string
}

// Config configures a [Handler].
type Config struct {
	// NewTransport is required.
	NewTransport TransportFactory

	// Store records calls. Defaults to an in-memory store.
	Store store.CallStore

	Clinic      prompts.Clinic
	Voices      Voices
	Language    lang.Language
	DefaultMode dialogue.Mode

	// FallbackToTurn replaces a failing full-duplex engine with the turn
	// pipeline for the rest of the call.
	FallbackToTurn bool

	// PublicHost overrides the host used in the stream URL.
	PublicHost string
	// InsecureStream makes the stream URL use ws:// (local development).
	InsecureStream bool

	// AuthToken, when ValidateSignatures is set, checks X-Twilio-Signature
	// on webhooks.
	AuthToken          string
	ValidateSignatures bool

	PendingCapacity int
	ReadyTimeout    time.Duration
	SendInterval    time.Duration
	DrainTimeout    time.Duration

	Metrics *observe.Metrics
	Tracker Tracker
	Now     func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Store == nil {
		c.Store = store.NewMemStore()
	}
	c.Clinic = c.Clinic.WithDefaults()
	if c.Voices.French == "" {
		c.Voices.French = "Google.fr-CA-Wavenet-A"
	}
	if c.Voices.English == "" {
		c.Voices.English = "Google.en-US-Wavenet-D"
	}
	if !c.Language.IsValid() {
		c.Language = lang.Default
	}
	if c.DefaultMode == "" {
		c.DefaultMode = dialogue.ModeTurn
	}
	if c.PendingCapacity <= 0 {
		c.PendingCapacity = DefaultPendingCapacity
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = DefaultReadyTimeout
	}
	if c.SendInterval <= 0 {
		c.SendInterval = DefaultSendInterval
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.Metrics == nil {
		c.Metrics = observe.DefaultMetrics()
	}
	if c.Tracker == nil {
		c.Tracker = nopTracker{}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Handler serves the telephony webhooks and media streams.
type Handler struct {
	cfg       Config
	validator *twclient.RequestValidator
}

// NewHandler returns a Handler. It fails when no transport factory is set.
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.NewTransport == nil {
		return nil, errors.New("gateway: transport factory must not be nil")
	}
	if cfg.ValidateSignatures && cfg.AuthToken == "" {
		return nil, errors.New("gateway: signature validation needs the auth token")
	}
	h := &Handler{cfg: cfg.withDefaults()}
	if cfg.ValidateSignatures {
		v := twclient.NewRequestValidator(cfg.AuthToken)
		h.validator = &v
	}
	return h, nil
}

// Register adds the telephony routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST "+VoicePath, h.Voice)
	mux.HandleFunc("GET "+MediaStreamPath, h.MediaStream)
	mux.HandleFunc("POST "+StatusPath, h.Status)
}

// Voice answers an inbound call with a bilingual welcome and connects the
// call to the media stream endpoint.
func (h *Handler) Voice(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(w, r) {
		return
	}
	from := r.PostFormValue("From")
	callSID := r.PostFormValue("CallSid")

	params := []twiml.Element{&twiml.VoiceParameter{Name: "caller", Value: from}}
	if m := r.URL.Query().Get("mode"); m != "" {
		params = append(params, &twiml.VoiceParameter{Name: "mode", Value: string(dialogue.ParseMode(m, h.cfg.DefaultMode))})
	}
	doc, err := twiml.Voice([]twiml.Element{
		&twiml.VoiceSay{Message: prompts.Welcome(lang.French, h.cfg.Clinic), Language: lang.French.Locale(), Voice: h.cfg.Voices.French},
		&twiml.VoicePause{Length: "1"},
		&twiml.VoiceSay{Message: prompts.Welcome(lang.English, h.cfg.Clinic), Language: lang.English.Locale(), Voice: h.cfg.Voices.English},
		&twiml.VoiceConnect{InnerElements: []twiml.Element{
			&twiml.VoiceStream{Url: h.streamURL(r), InnerElements: params},
		}},
	})
	if err != nil {
		slog.Error("gateway: build twiml", "call_sid", callSID, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	slog.Info("gateway: incoming call", "call_sid", callSID, "from", from)
	w.Header().Set("Content-Type", "application/xml")
	_, _ = w.Write([]byte(doc))
}

// streamURL is the websocket URL the platform should connect to.
func (h *Handler) streamURL(r *http.Request) string {
	host := h.cfg.PublicHost
	if host == "" {
		host = r.Header.Get("X-Forwarded-Host")
	}
	if host == "" {
		host = r.Host
	}
	scheme := "wss"
	if h.cfg.InsecureStream {
		scheme = "ws"
	}
	u := url.URL{Scheme: scheme, Host: host, Path: MediaStreamPath}
	return u.String()
}

// MediaStream upgrades the request and runs a [Session] until the stream ends.
func (h *Handler) MediaStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		slog.Warn("gateway: accept media stream", "err", err)
		return
	}
	conn.SetReadLimit(1 << 20)
	newSession(conn, &h.cfg).run(r.Context())
}

// Status logs call status callbacks.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(w, r) {
		return
	}
	slog.Info("gateway: call status",
		"call_sid", r.PostFormValue("CallSid"),
		"status", r.PostFormValue("CallStatus"),
		"duration", r.PostFormValue("CallDuration"),
	)
	w.WriteHeader(http.StatusNoContent)
}

// authorized checks the webhook signature when validation is enabled and
// writes 403 otherwise.
func (h *Handler) authorized(w http.ResponseWriter, r *http.Request) bool {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return false
	}
	if h.validator == nil {
		return true
	}
	params := make(map[string]string, len(r.PostForm))
	for k := range r.PostForm {
		params[k] = r.PostForm.Get(k)
	}
	scheme := "https"
	if h.cfg.InsecureStream {
		scheme = "http"
	}
	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
	}
	full := scheme + "://" + host + r.URL.RequestURI()
	if !h.validator.Validate(full, params, r.Header.Get("X-Twilio-Signature")) {
		slog.Warn("gateway: rejected webhook with invalid signature", "path", r.URL.Path)
		http.Error(w, "forbidden", http.StatusForbidden)
		return false
	}
	return true
}
