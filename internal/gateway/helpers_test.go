package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/medvoice/internal/dialogue"
	"github.com/MrWong99/medvoice/internal/observe"
	"github.com/MrWong99/medvoice/internal/store"
	"github.com/MrWong99/medvoice/pkg/provider/stt"
)

func assertEqual[T comparable](t *testing.T, what string, got, want T) {
	t.Helper()
	if got != want {
		t.Errorf("%s = %v, want %v", what, got, want)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// fakeTransport records what the session hands it.
type fakeTransport struct {
	mode     dialogue.Mode
	env      CallEnv
	gate     chan struct{}
	startErr error

	mu      sync.Mutex
	started bool
	greeted int
	closed  int
	frames  [][]byte
}

var _ dialogue.Transport = (*fakeTransport)(nil)

func (f *fakeTransport) Start(ctx context.Context) error {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.startErr != nil {
		return f.startErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *fakeTransport) PushAudio(chunk []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.started {
		return stt.ErrNotReady
	}
	f.frames = append(f.frames, chunk)
	return nil
}

func (f *fakeTransport) OnTranscript(context.Context, stt.Event) {}

func (f *fakeTransport) Greet(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.greeted++
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeTransport) Frames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.frames...)
}

func (f *fakeTransport) Counts() (greeted, closed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.greeted, f.closed
}

// factory hands out prepared transports and remembers every request.
type factory struct {
	mu    sync.Mutex
	next  map[dialogue.Mode]*fakeTransport
	built []*fakeTransport
}

func newFactory(turn, duplex *fakeTransport) *factory {
	f := &factory{next: map[dialogue.Mode]*fakeTransport{}}
	if turn != nil {
		f.next[dialogue.ModeTurn] = turn
	}
	if duplex != nil {
		f.next[dialogue.ModeFullDuplex] = duplex
	}
	return f
}

func (f *factory) build(mode dialogue.Mode, env CallEnv) (dialogue.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tr, ok := f.next[mode]
	if !ok {
		tr = &fakeTransport{}
	}
	tr.mode, tr.env = mode, env
	f.built = append(f.built, tr)
	return tr, nil
}

func (f *factory) Built() []*fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeTransport(nil), f.built...)
}

type recordingTracker struct {
	mu        sync.Mutex
	tracked   []string
	untracked []string
}

func (r *recordingTracker) Track(sid string, _ func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tracked = append(r.tracked, sid)
}

func (r *recordingTracker) Untrack(sid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.untracked = append(r.untracked, sid)
}

func (r *recordingTracker) Untracked() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.untracked)
}

// harness runs one media stream session behind an httptest server.
type harness struct {
	t       *testing.T
	cfg     *Config
	store   *store.MemStore
	tracker *recordingTracker
	reader  *sdkmetric.ManualReader
	session *Session
	client  *websocket.Conn
	done    chan struct{}
}

func newHarness(t *testing.T, f *factory, mutate func(*Config)) *harness {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	h := &harness{
		t:       t,
		store:   store.NewMemStore(),
		tracker: &recordingTracker{},
		reader:  reader,
		done:    make(chan struct{}),
	}
	cfg := Config{
		NewTransport: f.build,
		Store:        h.store,
		Metrics:      m,
		Tracker:      h.tracker,
		SendInterval: 10 * time.Millisecond,
		DrainTimeout: time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	resolved := cfg.withDefaults()
	h.cfg = &resolved

	sessions := make(chan *Session, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		s := newSession(conn, h.cfg)
		sessions <- s
		s.run(r.Context())
		close(h.done)
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = client.CloseNow() })
	h.client = client
	h.session = <-sessions
	return h
}

func (h *harness) send(v any) {
	h.t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		h.t.Fatalf("marshal: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.client.Write(ctx, websocket.MessageText, data); err != nil {
		h.t.Fatalf("write: %v", err)
	}
}

func (h *harness) start(callSID string, params map[string]string) {
	h.t.Helper()
	h.send(inboundMessage{Event: eventConnected, Protocol: "Call"})
	h.send(inboundMessage{Event: eventStart, StreamSID: "MZ" + callSID, Start: &startPayload{
		StreamSID:        "MZ" + callSID,
		CallSID:          callSID,
		CustomParameters: params,
		MediaFormat:      mediaFormat{Encoding: "audio/x-mulaw", SampleRate: 8000, Channels: 1},
	}})
}

func (h *harness) media(frame []byte) {
	h.t.Helper()
	h.send(inboundMessage{Event: eventMedia, Media: &mediaPayload{Track: "inbound", Payload: base64.StdEncoding.EncodeToString(frame)}})
}

func (h *harness) stop() {
	h.t.Helper()
	h.send(inboundMessage{Event: eventStop, Stop: &stopPayload{}})
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		h.t.Fatal("session did not end")
	}
}

func (h *harness) read() outboundMessage {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := h.client.Read(ctx)
	if err != nil {
		h.t.Fatalf("read: %v", err)
	}
	var msg outboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.t.Fatalf("decode %s: %v", data, err)
	}
	return msg
}

// counter returns the summed value of an int64 counter, or 0 when unset.
func (h *harness) counter(name string) int64 {
	h.t.Helper()
	var rm metricdata.ResourceMetrics
	if err := h.reader.Collect(context.Background(), &rm); err != nil {
		h.t.Fatalf("collect: %v", err)
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
