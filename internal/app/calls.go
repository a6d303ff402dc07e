package app

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/MrWong99/medvoice/internal/gateway"
)

// CallInfo describes one live call.
type CallInfo struct {
	CallSID   string
	StartedAt time.Time
}

type trackedCall struct {
	info   CallInfo
	hangup func()
}

// CallRegistry keeps track of the live media streams so they can be hung up
// when the server stops. All methods are safe for concurrent use.
type CallRegistry struct {
	now func() time.Time

	mu      sync.Mutex
	calls   map[string]trackedCall
	closing bool
	// changed is closed and replaced whenever a call ends.
	changed chan struct{}
}

var _ gateway.Tracker = (*CallRegistry)(nil)

// NewCallRegistry returns an empty registry.
func NewCallRegistry() *CallRegistry {
	return &CallRegistry{
		now:     time.Now,
		calls:   make(map[string]trackedCall),
		changed: make(chan struct{}),
	}
}

// Track registers a live call. Once [CallRegistry.HangupAll] has run, new
// calls are hung up straight away.
func (r *CallRegistry) Track(callSID string, hangup func()) {
	r.mu.Lock()
	closing := r.closing
	r.calls[callSID] = trackedCall{info: CallInfo{CallSID: callSID, StartedAt: r.now()}, hangup: hangup}
	r.mu.Unlock()

	if closing && hangup != nil {
		slog.Info("app: rejecting call during shutdown", "call_sid", callSID)
		go hangup()
	}
}

// Untrack forgets a call. Unknown call SIDs are ignored.
func (r *CallRegistry) Untrack(callSID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.calls[callSID]; !ok {
		return
	}
	delete(r.calls, callSID)
	close(r.changed)
	r.changed = make(chan struct{})
}

// Len returns the number of live calls.
func (r *CallRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// Active returns the live calls, oldest first.
func (r *CallRegistry) Active() []CallInfo {
	r.mu.Lock()
	out := make([]CallInfo, 0, len(r.calls))
	for _, c := range r.calls {
		out = append(out, c.info)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].CallSID < out[j].CallSID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// HangupAll closes every live call and makes later calls hang up on arrival.
// It returns the number of calls it hung up.
func (r *CallRegistry) HangupAll() int {
	r.mu.Lock()
	r.closing = true
	hangups := make([]func(), 0, len(r.calls))
	for _, c := range r.calls {
		if c.hangup != nil {
			hangups = append(hangups, c.hangup)
		}
	}
	r.mu.Unlock()

	for _, h := range hangups {
		h()
	}
	return len(hangups)
}

// Wait blocks until no call is live or ctx is done.
func (r *CallRegistry) Wait(ctx context.Context) error {
	for {
		r.mu.Lock()
		if len(r.calls) == 0 {
			r.mu.Unlock()
			return nil
		}
		ch := r.changed
		r.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
