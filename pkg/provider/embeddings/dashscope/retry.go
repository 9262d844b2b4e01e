package dashscope

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"github.com/MrWong99/flowexec/pkg/apierr"
)

// RetryConfig configures the exponential backoff applied to every embedding
// request.
type RetryConfig struct {
	// MaxRetries is the total number of attempts, including the first.
	// Default: 5.
	MaxRetries int `yaml:"max_retries"`

	// InitialDelay is the wait after the first failed attempt. Default: 1s.
	InitialDelay time.Duration `yaml:"initial_delay"`

	// MaxDelay caps every individual wait. Default: 30s.
	MaxDelay time.Duration `yaml:"max_delay"`

	// Multiplier grows the delay after every failed attempt. Default: 2.
	Multiplier float64 `yaml:"multiplier"`
}

// DefaultRetryConfig returns {5 attempts, 1s, 30s, x2}.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   5,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	d := DefaultRetryConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = c.InitialDelay
	}
	if c.Multiplier <= 0 {
		c.Multiplier = d.Multiplier
	}
	return c
}

// Delay returns the wait after the zero-based failed attempt:
// min(InitialDelay * Multiplier^attempt, MaxDelay).
func (c RetryConfig) Delay(attempt int) time.Duration {
	c = c.withDefaults()
	d := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt))
	if d > float64(c.MaxDelay) {
		return c.MaxDelay
	}
	return time.Duration(d)
}

// retryable reports whether an attempt error is worth another attempt.
// Malformed payloads and rejected input fail the same way every time.
func retryable(err error) bool {
	var (
		pe *apierr.ParseError
		ve *apierr.ValidationError
	)
	if err == nil || errors.As(err, &pe) || errors.As(err, &ve) {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// withRetry runs fn under the backoff policy described by cfg and returns the
// result of the first successful attempt or the error of the last one.
func withRetry[T any](ctx context.Context, cfg RetryConfig, fn func(context.Context) (T, error)) (T, error) {
	cfg = cfg.withDefaults()

	builder := retrypolicy.NewBuilder[T]().
		HandleIf(func(_ T, err error) bool { return retryable(err) }).
		WithMaxAttempts(cfg.MaxRetries).
		ReturnLastFailure().
		OnRetry(func(e failsafe.ExecutionEvent[T]) {
			slog.Warn("dashscope embeddings: retrying",
				"attempt", e.Attempts(),
				"max_attempts", cfg.MaxRetries,
				"err", e.LastError())
		})
	if cfg.Multiplier > 1 && cfg.MaxDelay > cfg.InitialDelay {
		builder = builder.WithBackoffFactor(cfg.InitialDelay, cfg.MaxDelay, cfg.Multiplier)
	} else {
		builder = builder.WithDelay(cfg.InitialDelay)
	}

	return failsafe.With(builder.Build()).
		WithContext(ctx).
		Get(func() (T, error) { return fn(ctx) })
}
