// Package observe provides application-wide observability primitives for
// liveconsult: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [InitProvider]
// binds a [Metrics] set to a Prometheus backed provider and hands it to the
// host in [Telemetry], so the /metrics endpoint serves exactly what the
// consultation records. [DefaultMetrics] falls back to the global provider.
// Tests use [NewMetrics] with a manual reader.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all liveconsult metrics.
const meterName = "github.com/MrWong99/liveconsult"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks dial plus handshake latency. Use with attribute:
	//   attribute.String("status", "ok"|"error")
	ConnectDuration metric.Float64Histogram

	// PlaybackLead tracks how far ahead of the output clock each buffer was
	// scheduled. Zero means the timeline had run dry.
	PlaybackLead metric.Float64Histogram

	// --- Counters ---

	// ChunksSent counts microphone chunks handed to the transport.
	ChunksSent metric.Int64Counter

	// ChunksReceived counts speech chunks scheduled for playback.
	ChunksReceived metric.Int64Counter

	// FramesDropped counts capture frames discarded under backpressure.
	FramesDropped metric.Int64Counter

	// DecodeErrors counts inbound chunks that could not be decoded.
	DecodeErrors metric.Int64Counter

	// Interruptions counts barge-in events that flushed playback.
	Interruptions metric.Int64Counter

	// --- Error counters ---

	// SessionErrors counts sessions that ended in the Error state. Use with
	// attribute:
	//   attribute.String("kind", ...)
	SessionErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of sessions between Open and teardown.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveVoices tracks the number of voices scheduled or sounding.
	ActiveVoices metric.Int64Gauge

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// connection setup.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// leadBuckets defines histogram bucket boundaries (in seconds) for the
// playback lead. Healthy streams sit between a few tens and a few hundred ms.
var leadBuckets = []float64{
	0, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("liveconsult.transport.connect.duration",
		metric.WithDescription("Latency of transport dial and handshake."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PlaybackLead, err = m.Float64Histogram("liveconsult.playback.lead",
		metric.WithDescription("Scheduled start time minus output clock for each speech buffer."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(leadBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ChunksSent, err = m.Int64Counter("liveconsult.audio.chunks_sent",
		metric.WithDescription("Total microphone chunks sent to the remote endpoint."),
	); err != nil {
		return nil, err
	}
	if met.ChunksReceived, err = m.Int64Counter("liveconsult.audio.chunks_received",
		metric.WithDescription("Total speech chunks scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("liveconsult.capture.frames_dropped",
		metric.WithDescription("Total capture frames dropped because the sender fell behind."),
	); err != nil {
		return nil, err
	}
	if met.DecodeErrors, err = m.Int64Counter("liveconsult.audio.decode_errors",
		metric.WithDescription("Total inbound chunks that failed to decode."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("liveconsult.playback.interruptions",
		metric.WithDescription("Total barge-in interruptions."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.SessionErrors, err = m.Int64Counter("liveconsult.session.errors",
		metric.WithDescription("Total sessions ended by an error, by kind."),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.ActiveSessions, err = m.Int64UpDownCounter("liveconsult.active_sessions",
		metric.WithDescription("Number of open consultation sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveVoices, err = m.Int64Gauge("liveconsult.active_voices",
		metric.WithDescription("Number of speech buffers scheduled or sounding."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("liveconsult.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordConnect records a connect attempt's latency with its outcome.
func (m *Metrics) RecordConnect(ctx context.Context, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.ConnectDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordSessionError is a convenience method that records a session error
// counter increment.
func (m *Metrics) RecordSessionError(ctx context.Context, kind string) {
	m.SessionErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordPlaybackLead records the lead of one scheduled buffer.
func (m *Metrics) RecordPlaybackLead(ctx context.Context, lead time.Duration) {
	m.PlaybackLead.Record(ctx, lead.Seconds())
}
