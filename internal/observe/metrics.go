// Package observe provides the observability primitives of flowexec:
// OpenTelemetry metrics and tracing, request-scoped structured logging and
// the HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported in
// Prometheus format by [InitProvider]. [DefaultMetrics] is bound to the global
// meter provider; tests should use [NewMetrics] with their own
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all flowexec metrics.
const meterName = "github.com/MrWong99/flowexec"

// Metrics holds all OpenTelemetry instruments of the service. The underlying
// OTel types handle their own synchronisation.
type Metrics struct {
	// ProviderDuration tracks chat-completion latency by provider and model.
	ProviderDuration metric.Float64Histogram

	// ProviderRequests counts executions by provider, model, mode and status.
	ProviderRequests metric.Int64Counter

	// ProviderTokens counts billed tokens by provider, model and kind
	// (prompt or completion).
	ProviderTokens metric.Int64Counter

	// ToolDuration tracks tool execution latency by tool.
	ToolDuration metric.Float64Histogram

	// ToolCalls counts tool invocations by tool and status.
	ToolCalls metric.Int64Counter

	// SearchDuration tracks knowledge search latency by mode.
	SearchDuration metric.Float64Histogram

	// SearchResults records the result count of each knowledge search.
	SearchResults metric.Int64Histogram

	// EmbeddingDuration tracks embedding generation latency by model.
	EmbeddingDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP handling time by method, route and
	// status.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds, sized for remote model
// calls that range from tens of milliseconds to minutes.
var latencyBuckets = []float64{
	0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120,
}

// NewMetrics creates all instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	seconds := func(name, desc string) (metric.Float64Histogram, error) {
		return m.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		)
	}

	if met.ProviderDuration, err = seconds("flowexec.provider.duration",
		"Latency of provider executions."); err != nil {
		return nil, err
	}
	if met.ToolDuration, err = seconds("flowexec.tool.duration",
		"Latency of tool executions."); err != nil {
		return nil, err
	}
	if met.SearchDuration, err = seconds("flowexec.search.duration",
		"Latency of knowledge searches."); err != nil {
		return nil, err
	}
	if met.EmbeddingDuration, err = seconds("flowexec.embedding.duration",
		"Latency of embedding generation including retries."); err != nil {
		return nil, err
	}

	if met.ProviderRequests, err = m.Int64Counter("flowexec.provider.requests",
		metric.WithDescription("Provider executions by provider, model, mode and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderTokens, err = m.Int64Counter("flowexec.provider.tokens",
		metric.WithDescription("Tokens billed by provider, model and kind."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("flowexec.tool.calls",
		metric.WithDescription("Tool invocations by tool and status."),
	); err != nil {
		return nil, err
	}
	if met.SearchResults, err = m.Int64Histogram("flowexec.search.results",
		metric.WithDescription("Number of results returned per knowledge search."),
		metric.WithExplicitBucketBoundaries(0, 1, 5, 10, 25, 50, 100),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("flowexec.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics], created on first call
// from [otel.GetMeterProvider]. Panics if instrument creation fails.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// status maps an error to the "status" attribute value.
func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordProvider records one provider execution.
func (m *Metrics) RecordProvider(ctx context.Context, provider, model, mode string, seconds float64, err error) {
	m.ProviderDuration.Record(ctx, seconds, metric.WithAttributes(
		Attr("provider", provider),
		Attr("model", model),
		Attr("mode", mode),
	))
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		Attr("provider", provider),
		Attr("model", model),
		Attr("mode", mode),
		Attr("status", status(err)),
	))
}

// RecordTokens adds prompt and completion token counts.
func (m *Metrics) RecordTokens(ctx context.Context, provider, model string, prompt, completion int) {
	if prompt > 0 {
		m.ProviderTokens.Add(ctx, int64(prompt), metric.WithAttributes(
			Attr("provider", provider), Attr("model", model), Attr("kind", "prompt")))
	}
	if completion > 0 {
		m.ProviderTokens.Add(ctx, int64(completion), metric.WithAttributes(
			Attr("provider", provider), Attr("model", model), Attr("kind", "completion")))
	}
}

// RecordToolCall records one tool execution.
func (m *Metrics) RecordToolCall(ctx context.Context, tool string, seconds float64, failed bool) {
	s := "ok"
	if failed {
		s = "error"
	}
	m.ToolDuration.Record(ctx, seconds, metric.WithAttributes(Attr("tool", tool)))
	m.ToolCalls.Add(ctx, 1, metric.WithAttributes(Attr("tool", tool), Attr("status", s)))
}

// RecordSearch records one knowledge search.
func (m *Metrics) RecordSearch(ctx context.Context, mode string, seconds float64, results int) {
	m.SearchDuration.Record(ctx, seconds, metric.WithAttributes(Attr("mode", mode)))
	m.SearchResults.Record(ctx, int64(results), metric.WithAttributes(Attr("mode", mode)))
}

// RecordEmbedding records one embedding generation.
func (m *Metrics) RecordEmbedding(ctx context.Context, model string, seconds float64, err error) {
	m.EmbeddingDuration.Record(ctx, seconds, metric.WithAttributes(
		Attr("model", model),
		Attr("status", status(err)),
	))
}
