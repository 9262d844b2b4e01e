package observe

import (
	"context"
	"time"

	"github.com/MrWong99/flowexec/pkg/provider/embeddings"
	"github.com/MrWong99/flowexec/pkg/provider/llm"
)

// InstrumentedExecutor records duration, status and token metrics for every
// execution of the wrapped [llm.Executor].
type InstrumentedExecutor struct {
	inner   llm.Executor
	metrics *Metrics
}

var _ llm.Executor = (*InstrumentedExecutor)(nil)

// InstrumentExecutor wraps e. A nil m uses [DefaultMetrics].
func InstrumentExecutor(e llm.Executor, m *Metrics) *InstrumentedExecutor {
	if m == nil {
		m = DefaultMetrics()
	}
	return &InstrumentedExecutor{inner: e, metrics: m}
}

// Provider implements [llm.Executor].
func (e *InstrumentedExecutor) Provider() llm.ProviderID { return e.inner.Provider() }

// Complete implements [llm.Executor].
func (e *InstrumentedExecutor) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	start := time.Now()
	resp, err := e.inner.Complete(ctx, req)
	provider := string(e.inner.Provider())
	model := req.Model
	if resp != nil {
		model = resp.Model
		e.metrics.RecordTokens(ctx, provider, model, resp.Tokens.Prompt, resp.Tokens.Completion)
	}
	e.metrics.RecordProvider(ctx, provider, model, "complete", time.Since(start).Seconds(), err)
	return resp, err
}

// Stream implements [llm.Executor]. The recorded duration covers establishing
// the stream; tokens are recorded once the stream completes.
func (e *InstrumentedExecutor) Stream(ctx context.Context, req llm.Request) (*llm.StreamingExecution, error) {
	start := time.Now()
	provider := string(e.inner.Provider())
	model := req.Model
	if c, ok := llm.Lookup(e.inner.Provider()); ok {
		model = llm.ModelOrDefault(req, c)
	}

	done := req.OnComplete
	req.OnComplete = func(content string, usage *llm.Tokens) {
		if usage != nil {
			e.metrics.RecordTokens(context.WithoutCancel(ctx), provider, model, usage.Prompt, usage.Completion)
		}
		if done != nil {
			done(content, usage)
		}
	}

	s, err := e.inner.Stream(ctx, req)
	e.metrics.RecordProvider(ctx, provider, model, "stream", time.Since(start).Seconds(), err)
	return s, err
}

// InstrumentedEmbedder records the latency of every call to the wrapped
// [embeddings.Provider].
type InstrumentedEmbedder struct {
	embeddings.Provider
	metrics *Metrics
}

// InstrumentEmbedder wraps p. A nil m uses [DefaultMetrics].
func InstrumentEmbedder(p embeddings.Provider, m *Metrics) *InstrumentedEmbedder {
	if m == nil {
		m = DefaultMetrics()
	}
	return &InstrumentedEmbedder{Provider: p, metrics: m}
}

// Embed implements [embeddings.Provider].
func (e *InstrumentedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	vec, err := e.Provider.Embed(ctx, text)
	e.metrics.RecordEmbedding(ctx, e.ModelID(), time.Since(start).Seconds(), err)
	return vec, err
}

// EmbedBatch implements [embeddings.Provider].
func (e *InstrumentedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	start := time.Now()
	vecs, err := e.Provider.EmbedBatch(ctx, texts)
	e.metrics.RecordEmbedding(ctx, e.ModelID(), time.Since(start).Seconds(), err)
	return vecs, err
}
