// Package observe provides application-wide observability primitives for
// Voicewire: OpenTelemetry metrics and structured logging glue.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still
// be scraped via the standard /metrics endpoint. A package-level default
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

// meterName is the instrumentation scope name used for all Voicewire metrics.
const meterName = "github.com/voicewire/voicewire"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ToolCallDuration tracks remote-requested tool execution latency.
	ToolCallDuration metric.Float64Histogram

	// HandshakeDuration tracks session channel handshake latency.
	HandshakeDuration metric.Float64Histogram

	// --- Counters ---

	// UplinkFrames counts media frames sent to the remote service. Use with
	// attribute: attribute.String("kind", "audio"|"video").
	UplinkFrames metric.Int64Counter

	// ScheduledChunks counts downlink audio chunks accepted for playback.
	ScheduledChunks metric.Int64Counter

	// DroppedChunks counts downlink audio chunks dropped before playback.
	// Use with attribute: attribute.String("reason", "malformed"|"stale").
	DroppedChunks metric.Int64Counter

	// Interruptions counts playback teardowns caused by barge-in.
	Interruptions metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// ChannelErrors counts terminal channel failures.
	ChannelErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ToolCallDuration, err = m.Float64Histogram("voicewire.tool_call.duration",
		metric.WithDescription("Latency of remote-requested tool execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HandshakeDuration, err = m.Float64Histogram("voicewire.handshake.duration",
		metric.WithDescription("Latency of the session channel handshake."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.UplinkFrames, err = m.Int64Counter("voicewire.uplink.frames",
		metric.WithDescription("Total uplink media frames by kind."),
	); err != nil {
		return nil, err
	}
	if met.ScheduledChunks, err = m.Int64Counter("voicewire.playback.scheduled_chunks",
		metric.WithDescription("Total downlink audio chunks accepted for playback."),
	); err != nil {
		return nil, err
	}
	if met.DroppedChunks, err = m.Int64Counter("voicewire.playback.dropped_chunks",
		metric.WithDescription("Total downlink audio chunks dropped by reason."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("voicewire.playback.interruptions",
		metric.WithDescription("Total playback teardowns caused by barge-in."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("voicewire.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.ChannelErrors, err = m.Int64Counter("voicewire.channel.errors",
		metric.WithDescription("Total terminal channel failures."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voicewire.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// RecordUplinkFrame records one sent media frame of the given kind.
func (m *Metrics) RecordUplinkFrame(ctx context.Context, kind string) {
	m.UplinkFrames.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordDroppedChunk records one dropped downlink chunk with its reason.
func (m *Metrics) RecordDroppedChunk(ctx context.Context, reason string) {
	m.DroppedChunks.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordToolCall records one completed tool invocation with its latency and
// outcome status.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("status", status),
	)
	m.ToolCalls.Add(ctx, 1, attrs)
	m.ToolCallDuration.Record(ctx, elapsed.Seconds(), attrs)
}
