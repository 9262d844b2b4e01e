package resilience

import (
	"context"
	"log/slog"
	"time"

	"github.com/MrWong99/flowexec/pkg/apierr"
)

// PollConfig bounds a polling loop.
type PollConfig struct {
	// Attempts is the maximum number of status checks. Default: 60.
	Attempts int `yaml:"attempts"`

	// Interval is the wait between two checks. Default: 5s.
	Interval time.Duration `yaml:"interval"`
}

func (c PollConfig) withDefaults() PollConfig {
	if c.Attempts <= 0 {
		c.Attempts = 60
	}
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	return c
}

// Poll calls check until it reports done, returns an error, or the attempt
// budget is exhausted. There is no wait after the final attempt.
//
// Exhaustion yields an [apierr.TimeoutError] whose Elapsed is the configured
// budget (Attempts × Interval). Errors returned by check end the loop at once.
func Poll[T any](ctx context.Context, cfg PollConfig, operation string, check func(ctx context.Context, attempt int) (T, bool, error)) (T, error) {
	cfg = cfg.withDefaults()

	var zero T

	for attempt := 0; attempt < cfg.Attempts; attempt++ {
		v, done, err := check(ctx, attempt)
		if err != nil {
			return zero, err
		}
		if done {
			return v, nil
		}
		if attempt%10 == 0 {
			slog.Debug("polling", "operation", operation, "attempt", attempt+1, "max_attempts", cfg.Attempts)
		}
		if attempt == cfg.Attempts-1 {
			break
		}

		timer := time.NewTimer(cfg.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}

	return zero, &apierr.TimeoutError{
		Operation: operation,
		Attempts:  cfg.Attempts,
		Elapsed:   time.Duration(cfg.Attempts) * cfg.Interval,
	}
}
