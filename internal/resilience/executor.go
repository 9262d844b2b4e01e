package resilience

import (
	"context"

	"github.com/MrWong99/flowexec/pkg/provider/llm"
)

// GuardedExecutor wraps an [llm.Executor] with a [CircuitBreaker]. While the
// breaker is open, calls fail with [ErrCircuitOpen] without reaching the
// provider. There is no failover to another provider.
type GuardedExecutor struct {
	inner   llm.Executor
	breaker *CircuitBreaker
}

var _ llm.Executor = (*GuardedExecutor)(nil)

// Guard wraps inner. An empty cfg.Name defaults to the provider id.
func Guard(inner llm.Executor, cfg CircuitBreakerConfig) *GuardedExecutor {
	if cfg.Name == "" {
		cfg.Name = string(inner.Provider())
	}
	return &GuardedExecutor{inner: inner, breaker: NewCircuitBreaker(cfg)}
}

// Provider implements [llm.Executor].
func (g *GuardedExecutor) Provider() llm.ProviderID { return g.inner.Provider() }

// Breaker exposes the breaker, e.g. for readiness reporting.
func (g *GuardedExecutor) Breaker() *CircuitBreaker { return g.breaker }

// Complete implements [llm.Executor].
func (g *GuardedExecutor) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	return Call(g.breaker, func() (*llm.Response, error) {
		return g.inner.Complete(ctx, req)
	})
}

// Stream implements [llm.Executor]. Only establishing the stream counts
// against the breaker; errors surfacing later through the reader do not.
func (g *GuardedExecutor) Stream(ctx context.Context, req llm.Request) (*llm.StreamingExecution, error) {
	return Call(g.breaker, func() (*llm.StreamingExecution, error) {
		return g.inner.Stream(ctx, req)
	})
}
