// Package observe provides application-wide observability primitives for
// MedVoice: OpenTelemetry metrics, distributed tracing, and HTTP middleware
// that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all MedVoice metrics.
const meterName = "github.com/MrWong99/medvoice"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// RecognizerConnectDuration tracks how long the streaming recognizer
	// takes to become ready after the call starts.
	RecognizerConnectDuration metric.Float64Histogram

	// ProviderDuration tracks vendor call latency. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderDuration metric.Float64Histogram

	// ToolExecutionDuration tracks booking tool latency.
	ToolExecutionDuration metric.Float64Histogram

	// CallDuration tracks the length of finished calls.
	CallDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// Calls counts finished calls. Use with attributes:
	//   attribute.String("outcome", ...), attribute.String("mode", ...)
	Calls metric.Int64Counter

	// BargeIns counts caller interruptions of assistant playback.
	BargeIns metric.Int64Counter

	// Emergencies counts calls on which an emergency phrase was heard.
	Emergencies metric.Int64Counter

	// Bookings counts calls that booked an appointment.
	Bookings metric.Int64Counter

	// DroppedFrames counts discarded audio frames or events. Use with
	// attribute.String("reason", ...).
	DroppedFrames metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of live media streams.
	ActiveCalls metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) tuned for
// telephony turn latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

var callBuckets = []float64{5, 15, 30, 60, 120, 300, 600, 1200}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	latency := func(name, desc string) (metric.Float64Histogram, error) {
		return m.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		)
	}
	if met.RecognizerConnectDuration, err = latency("medvoice.recognizer.connect.duration",
		"Time until the streaming recognizer is ready."); err != nil {
		return nil, err
	}
	if met.ProviderDuration, err = latency("medvoice.provider.duration",
		"Latency of vendor calls by provider and kind."); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = latency("medvoice.tool_execution.duration",
		"Latency of booking tool execution."); err != nil {
		return nil, err
	}
	if met.CallDuration, err = m.Float64Histogram("medvoice.call.duration",
		metric.WithDescription("Length of finished calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callBuckets...),
	); err != nil {
		return nil, err
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.ProviderRequests, "medvoice.provider.requests", "Total provider API requests by provider and status."},
		{&met.ToolCalls, "medvoice.tool.calls", "Total tool invocations by tool name and status."},
		{&met.Calls, "medvoice.calls", "Total finished calls by outcome and mode."},
		{&met.BargeIns, "medvoice.barge_ins", "Total caller interruptions of assistant playback."},
		{&met.Emergencies, "medvoice.emergencies", "Total calls with an emergency phrase."},
		{&met.Bookings, "medvoice.bookings", "Total calls that booked an appointment."},
		{&met.DroppedFrames, "medvoice.dropped_frames", "Total audio frames or events discarded, by reason."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	if met.ActiveCalls, err = m.Int64UpDownCounter("medvoice.active_calls",
		metric.WithDescription("Number of live media streams."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("medvoice.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
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

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
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

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest records one vendor call and its latency.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, status string, elapsed time.Duration) {
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(Attr("provider", provider), Attr("status", status)))
	m.ProviderDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(Attr("provider", provider)))
}

// RecordToolCall records a tool invocation and how long it ran.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string, elapsed time.Duration) {
	m.ToolCalls.Add(ctx, 1, metric.WithAttributes(Attr("tool", tool), Attr("status", status)))
	m.ToolExecutionDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(Attr("tool", tool)))
}

// RecordDroppedFrames records n discarded frames.
func (m *Metrics) RecordDroppedFrames(ctx context.Context, reason string, n int) {
	if n <= 0 {
		return
	}
	m.DroppedFrames.Add(ctx, int64(n), metric.WithAttributes(Attr("reason", reason)))
}

// CallResult is what [Metrics.RecordCallEnd] needs to know about a call.
type CallResult struct {
	Outcome   string
	Mode      string
	Duration  time.Duration
	Emergency bool
	Booked    bool
}

// RecordCallEnd records the end of a call.
func (m *Metrics) RecordCallEnd(ctx context.Context, r CallResult) {
	m.Calls.Add(ctx, 1, metric.WithAttributes(Attr("outcome", r.Outcome), Attr("mode", r.Mode)))
	m.CallDuration.Record(ctx, r.Duration.Seconds())
	if r.Emergency {
		m.Emergencies.Add(ctx, 1)
	}
	if r.Booked {
		m.Bookings.Add(ctx, 1)
	}
}
