// Package observe provides the observability primitives of echonote:
// OpenTelemetry metrics, tracing helpers, trace-aware logging and the HTTP
// middleware that ties them together.
//
// Metrics go through the OpenTelemetry Metrics API and are exposed for
// Prometheus scraping by [InitProvider]. [DefaultMetrics] returns a
// package-level instance; tests should use [NewMetrics] with their own
// [metric.MeterProvider].
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope of all echonote metrics.
const meterName = "github.com/MrWong99/echonote"

// Metrics holds the metric instruments of the application. The underlying
// OTel types handle their own synchronisation.
type Metrics struct {
	// ---- upstream latency ----

	// STTDuration tracks transcription latency.
	STTDuration metric.Float64Histogram

	// LLMDuration tracks summary and response generation latency.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks speech synthesis latency.
	TTSDuration metric.Float64Histogram

	// KeywordsDuration tracks word counting and word-cloud rendering.
	KeywordsDuration metric.Float64Histogram

	// ---- pipeline ----

	// StageDuration tracks every pipeline stage. Attributes: stage, status.
	StageDuration metric.Float64Histogram

	// PipelineRuns counts finished runs. Attributes: input_type, outcome.
	PipelineRuns metric.Int64Counter

	// PipelineWarnings counts non-fatal stage failures. Attribute: stage.
	PipelineWarnings metric.Int64Counter

	// ActiveRuns tracks runs in progress.
	ActiveRuns metric.Int64UpDownCounter

	// ---- providers ----

	// ProviderRequests counts upstream calls. Attributes: provider, kind, status.
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts upstream failures. Attributes: provider, kind.
	ProviderErrors metric.Int64Counter

	// CircuitTransitions counts breaker state changes. Attributes: provider, to.
	CircuitTransitions metric.Int64Counter

	// ---- HTTP ----

	// HTTPRequestDuration tracks request handling. Attributes: method, route, status.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds, sized for upstream
// calls on audio clips between a few seconds and several minutes long.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120,
}

// NewMetrics creates every instrument from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	met := &Metrics{}

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&met.STTDuration, "echonote.stt.duration", "Latency of speech-to-text transcription."},
		{&met.LLMDuration, "echonote.llm.duration", "Latency of text generation."},
		{&met.TTSDuration, "echonote.tts.duration", "Latency of text-to-speech synthesis."},
		{&met.KeywordsDuration, "echonote.keywords.duration", "Latency of keyword counting and word-cloud rendering."},
		{&met.StageDuration, "echonote.pipeline.stage.duration", "Latency of each pipeline stage by stage and status."},
		{&met.HTTPRequestDuration, "echonote.http.request.duration", "HTTP request latency by method, route and status."},
	}
	for _, h := range histograms {
		var err error
		if *h.dst, err = m.Float64Histogram(h.name,
			metric.WithDescription(h.desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		); err != nil {
			return nil, err
		}
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.PipelineRuns, "echonote.pipeline.runs", "Finished pipeline runs by input type and outcome."},
		{&met.PipelineWarnings, "echonote.pipeline.warnings", "Non-fatal stage failures by stage."},
		{&met.ProviderRequests, "echonote.provider.requests", "Upstream provider requests by provider, kind and status."},
		{&met.ProviderErrors, "echonote.provider.errors", "Upstream provider errors by provider and kind."},
		{&met.CircuitTransitions, "echonote.circuit.transitions", "Circuit breaker state changes by provider and target state."},
	}
	for _, c := range counters {
		var err error
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	var err error
	if met.ActiveRuns, err = m.Int64UpDownCounter("echonote.pipeline.active_runs",
		metric.WithDescription("Number of pipeline runs in progress."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics], created on first use
// from [otel.GetMeterProvider]. Call [InitProvider] before the first call so
// the instruments bind to the Prometheus exporter.
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

// Attr is shorthand for [attribute.String].
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

// RecordProviderCall records the request counter, the error counter on
// failure and the latency histogram matching kind ("stt", "llm", "tts").
func (m *Metrics) RecordProviderCall(ctx context.Context, provider, kind string, d time.Duration, err error) {
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		Attr("provider", provider), Attr("kind", kind), Attr("status", status(err)),
	))
	if err != nil {
		m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(Attr("provider", provider), Attr("kind", kind)))
	}
	var h metric.Float64Histogram
	switch kind {
	case "stt":
		h = m.STTDuration
	case "llm":
		h = m.LLMDuration
	case "tts":
		h = m.TTSDuration
	default:
		return
	}
	h.Record(ctx, d.Seconds(), metric.WithAttributes(Attr("provider", provider)))
}

// RecordStage records the duration of one pipeline stage.
func (m *Metrics) RecordStage(ctx context.Context, stage string, d time.Duration, err error) {
	m.StageDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		Attr("stage", stage), Attr("status", status(err)),
	))
}

// RecordRun counts a finished pipeline run.
func (m *Metrics) RecordRun(ctx context.Context, inputType, outcome string) {
	m.PipelineRuns.Add(ctx, 1, metric.WithAttributes(Attr("input_type", inputType), Attr("outcome", outcome)))
}

// RecordWarning counts a non-fatal stage failure.
func (m *Metrics) RecordWarning(ctx context.Context, stage string) {
	m.PipelineWarnings.Add(ctx, 1, metric.WithAttributes(Attr("stage", stage)))
}

// RecordCircuitTransition counts a breaker state change.
func (m *Metrics) RecordCircuitTransition(ctx context.Context, provider, to string) {
	m.CircuitTransitions.Add(ctx, 1, metric.WithAttributes(Attr("provider", provider), Attr("to", to)))
}
