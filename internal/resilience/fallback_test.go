package resilience

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type attemptLog struct {
	mu  sync.Mutex
	got []Attempt
}

func (l *attemptLog) observe(a Attempt) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.got = append(l.got, a)
}

func (l *attemptLog) all() []Attempt {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Attempt(nil), l.got...)
}

func newModelGroup(log *attemptLog) *FallbackGroup[string] {
	cfg := FallbackConfig{CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour}}
	if log != nil {
		cfg.Observe = log.observe
	}
	fg := NewFallbackGroup("deepseek/deepseek-v3.2", "openrouter", cfg)
	fg.AddFallback("groq", "llama-4-maverick")
	return fg
}

func TestFallbackGroup_Execute(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		failing    map[string]bool
		wantServed string
		wantErr    bool
	}{
		{name: "primary serves", wantServed: "deepseek/deepseek-v3.2"},
		{name: "fallback serves", failing: map[string]bool{"deepseek/deepseek-v3.2": true}, wantServed: "llama-4-maverick"},
		{name: "all fail", failing: map[string]bool{"deepseek/deepseek-v3.2": true, "llama-4-maverick": true}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fg := newModelGroup(nil)
			var served string
			err := fg.Execute(func(model string) error {
				if tt.failing[model] {
					return errUpstream
				}
				served = model
				return nil
			})
			if tt.wantErr {
				if !errors.Is(err, ErrAllFailed) {
					t.Fatalf("err = %v, want ErrAllFailed", err)
				}
				if !strings.Contains(err.Error(), errUpstream.Error()) {
					t.Errorf("err %q lacks the last failure", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if served != tt.wantServed {
				t.Errorf("served by %q, want %q", served, tt.wantServed)
			}
		})
	}
}

func TestFallbackGroup_SkipsOpenBreakerAndObserves(t *testing.T) {
	t.Parallel()

	log := &attemptLog{}
	fg := newModelGroup(log)
	primaryCalls := 0
	call := func(model string) (string, error) {
		if model == "deepseek/deepseek-v3.2" {
			primaryCalls++
			return "", errUpstream
		}
		return "bonjour", nil
	}
	for range 3 {
		got, err := ExecuteWithResult(fg, call)
		if err != nil || got != "bonjour" {
			t.Fatalf("ExecuteWithResult = %q, %v", got, err)
		}
	}
	if primaryCalls != 2 {
		t.Errorf("primary called %d times, want 2 before its breaker opens", primaryCalls)
	}
	if s := fg.Breaker("openrouter").State(); s != StateOpen {
		t.Errorf("primary breaker = %v", s)
	}
	if fg.Breaker("missing") != nil {
		t.Error("Breaker returned a breaker for an unknown name")
	}

	attempts := log.all()
	if len(attempts) != 6 {
		t.Fatalf("attempts = %d, want 6", len(attempts))
	}
	last := attempts[4]
	if last.Provider != "openrouter" || !last.Skipped || !errors.Is(last.Err, ErrCircuitOpen) {
		t.Errorf("third primary attempt = %+v, want skipped", last)
	}
	if a := attempts[5]; a.Provider != "groq" || a.Err != nil || a.Skipped {
		t.Errorf("fallback attempt = %+v", a)
	}
}

func TestFallbackGroup_Names(t *testing.T) {
	t.Parallel()

	got := newModelGroup(nil).Names()
	if len(got) != 2 || got[0] != "openrouter" || got[1] != "groq" {
		t.Errorf("Names = %v", got)
	}
}
