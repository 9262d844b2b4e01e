package resilience

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/flowexec/pkg/apierr"
)

var errUpstream = &apierr.UpstreamError{Service: "kimi", Status: 503}

func fail() error    { return errUpstream }
func succeed() error { return nil }

func run(cb *CircuitBreaker, fn func() error, n int) {
	for range n {
		_ = cb.Execute(fn)
	}
}

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "kimi"})
	if cb.cfg.MaxFailures != 5 || cb.cfg.ResetTimeout != 30*time.Second || cb.cfg.HalfOpenMax != 3 {
		t.Errorf("defaults = %+v", cb.cfg)
	}
	if cb.cfg.IsFailure == nil {
		t.Error("IsFailure default not set")
	}
	if cb.State() != StateClosed || cb.Name() != "kimi" {
		t.Errorf("new breaker = %v %q, want closed kimi", cb.State(), cb.Name())
	}
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 3, ResetTimeout: time.Hour})

	run(cb, fail, 2)
	run(cb, succeed, 1)
	run(cb, fail, 2)
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, a success in between must reset the count", cb.State())
	}

	run(cb, fail, 1)
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open after 3 consecutive failures", cb.State())
	}

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) || called {
		t.Fatalf("Execute on open breaker = %v, called %v", err, called)
	}
}

func TestCircuitBreaker_CallerErrorsDoNotCount(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1})

	for _, callerErr := range []error{
		apierr.Validation("apiKey", "is required"),
		&apierr.NotFoundError{Resource: "memory", ID: "k"},
	} {
		if err := cb.Execute(func() error { return callerErr }); !errors.Is(err, callerErr) {
			t.Fatalf("err = %v, want %v passed through", err, callerErr)
		}
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_HalfOpen(t *testing.T) {
	tests := []struct {
		name   string
		probes []func() error
		want   State
	}{
		{"successful probes close", []func() error{succeed, succeed}, StateClosed},
		{"failed probe re-opens", []func() error{succeed, fail}, StateOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb := NewCircuitBreaker(CircuitBreakerConfig{
				MaxFailures:  2,
				ResetTimeout: 20 * time.Millisecond,
				HalfOpenMax:  2,
			})
			run(cb, fail, 2)
			time.Sleep(40 * time.Millisecond)

			for _, p := range tt.probes {
				_ = cb.Execute(p)
			}
			if got := cb.State(); got != tt.want {
				t.Errorf("state = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	var (
		mu          sync.Mutex
		transitions []string
	)
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "qwen",
		MaxFailures:  1,
		ResetTimeout: time.Hour,
		OnStateChange: func(name string, from, to State) {
			mu.Lock()
			defer mu.Unlock()
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		},
	})

	run(cb, fail, 1)
	cb.Reset()

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) < 2 || transitions[0] != "qwen:closed->open" || transitions[1] != "qwen:open->closed" {
		t.Errorf("transitions = %v", transitions)
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour})
	run(cb, fail, 2)

	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed after reset", cb.State())
	}
	if err := cb.Execute(succeed); err != nil {
		t.Fatalf("Execute after reset: %v", err)
	}
}

func TestCall(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{})
	got, err := Call(cb, func() (int, error) { return 42, nil })
	if err != nil || got != 42 {
		t.Fatalf("Call = %d, %v", got, err)
	}
}

func TestState_String(t *testing.T) {
	for s, want := range map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(99):     "unknown",
	} {
		if got := s.String(); got != want {
			t.Errorf("State(%d) = %q, want %q", s, got, want)
		}
	}
}
