// Package resilience provides the failure-handling primitives used around
// upstream calls: a circuit breaker guarding provider adapters and a bounded
// polling loop for long-running asynchronous tasks.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"

	"github.com/MrWong99/flowexec/pkg/apierr"
)

// ErrCircuitOpen is returned while a breaker rejects calls.
var ErrCircuitOpen = circuitbreaker.ErrOpen

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

func fromFailsafe(s circuitbreaker.State) State {
	switch s {
	case circuitbreaker.OpenState:
		return StateOpen
	case circuitbreaker.HalfOpenState:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero values take the
// documented defaults.
type CircuitBreakerConfig struct {
	// Name labels log lines, typically with the provider id.
	Name string

	// MaxFailures consecutive failures open the breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before letting probes
	// through. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax successful probes close the breaker again; a single failed
	// probe re-opens it. Default: 3.
	HalfOpenMax int

	// IsFailure decides whether an error counts against the breaker.
	// Default: [UpstreamFailure].
	IsFailure func(error) bool

	// OnStateChange, when set, is called after every transition.
	OnStateChange func(name string, from, to State)
}

// UpstreamFailure counts every error except those caused by the caller
// (validation and not-found).
func UpstreamFailure(err error) bool {
	var (
		ve *apierr.ValidationError
		nf *apierr.NotFoundError
	)
	return err != nil && !errors.As(err, &ve) && !errors.As(err, &nf)
}

// CircuitBreaker counts consecutive upstream failures of one provider and
// short-circuits calls while that provider looks unhealthy.
type CircuitBreaker struct {
	cfg    CircuitBreakerConfig
	policy circuitbreaker.CircuitBreaker[any]
}

// NewCircuitBreaker builds a closed breaker from cfg.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = UpstreamFailure
	}

	isFailure := cfg.IsFailure
	policy := circuitbreaker.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool { return isFailure(err) }).
		WithFailureThreshold(uint(cfg.MaxFailures)).
		WithDelay(cfg.ResetTimeout).
		WithSuccessThreshold(uint(cfg.HalfOpenMax)).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			from, to := fromFailsafe(e.OldState), fromFailsafe(e.NewState)
			level := slog.LevelInfo
			if to == StateOpen {
				level = slog.LevelWarn
			}
			slog.Log(context.Background(), level, "circuit breaker state changed",
				"breaker", cfg.Name, "from", from.String(), "to", to.String())
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(cfg.Name, from, to)
			}
		}).
		Build()

	return &CircuitBreaker{cfg: cfg, policy: policy}
}

// Name returns the configured label.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// Execute runs fn unless the breaker is open, in which case it returns
// [ErrCircuitOpen] without calling fn. Errors from fn pass through unchanged.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	_, err := failsafe.With(cb.policy).Get(func() (any, error) {
		return nil, fn()
	})
	return err
}

// Call is the value-returning form of [CircuitBreaker.Execute].
func Call[T any](cb *CircuitBreaker, fn func() (T, error)) (T, error) {
	var out T
	err := cb.Execute(func() error {
		var err error
		out, err = fn()
		return err
	})
	return out, err
}

// State reports the current mode. An open breaker whose reset timeout has
// passed may keep reporting [StateOpen] until the next call probes it.
func (cb *CircuitBreaker) State() State {
	return fromFailsafe(cb.policy.State())
}

// Reset forces the breaker closed and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.policy.Close()
}
