package forecast

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"fincast/pkg/core/telemetry"
)

const instrumentationScope = "fincast/forecast"

var (
	tracer = telemetry.Tracer(instrumentationScope)
	meter  = telemetry.Meter(instrumentationScope)
)

// instruments are created against the global meter; they are no-ops until
// telemetry.Init installs a provider.
type instruments struct {
	calls       metric.Int64Counter
	tokens      metric.Int64Counter
	searches    metric.Int64Counter
	callLatency metric.Float64Histogram
	runs        metric.Int64Counter
}

func newInstruments() instruments {
	calls, _ := meter.Int64Counter("fincast.llm.calls",
		metric.WithDescription("Model calls issued, by step and outcome"))
	tokens, _ := meter.Int64Counter("fincast.llm.tokens",
		metric.WithDescription("Tokens consumed, by step and direction"))
	searches, _ := meter.Int64Counter("fincast.llm.web_searches",
		metric.WithDescription("Web searches performed by the model"))
	latency, _ := meter.Float64Histogram("fincast.llm.duration",
		metric.WithDescription("Model call latency (ms)"),
		metric.WithUnit("ms"))
	runs, _ := meter.Int64Counter("fincast.runs",
		metric.WithDescription("Forecast runs, by final state"))
	return instruments{calls: calls, tokens: tokens, searches: searches, callLatency: latency, runs: runs}
}

var metrics = newInstruments()

func (m instruments) recordCall(ctx context.Context, step, outcome string, d time.Duration, in, out, searches int) {
	attrs := metric.WithAttributes(attribute.String("step", step), attribute.String("outcome", outcome))
	if m.calls != nil {
		m.calls.Add(ctx, 1, attrs)
	}
	if m.callLatency != nil {
		m.callLatency.Record(ctx, float64(d.Milliseconds()), attrs)
	}
	if m.tokens != nil && (in > 0 || out > 0) {
		m.tokens.Add(ctx, int64(in), metric.WithAttributes(attribute.String("step", step), attribute.String("direction", "input")))
		m.tokens.Add(ctx, int64(out), metric.WithAttributes(attribute.String("step", step), attribute.String("direction", "output")))
	}
	if m.searches != nil && searches > 0 {
		m.searches.Add(ctx, int64(searches), metric.WithAttributes(attribute.String("step", step)))
	}
}

func (m instruments) recordRun(ctx context.Context, final State, method string) {
	if m.runs != nil {
		m.runs.Add(ctx, 1, metric.WithAttributes(
			attribute.String("state", string(final)),
			attribute.String("method", method)))
	}
}
