// Package observe provides application-wide observability primitives for
// voxchat: OpenTelemetry metrics, tracing, structured logging, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxchat metrics.
const meterName = "github.com/MrWong99/voxchat"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks how long establishing a voice session takes,
	// from dial to remote acknowledgment.
	ConnectDuration metric.Float64Histogram

	// PlaybackLatency tracks how far behind real time model speech is
	// scheduled, sampled on every enqueued chunk.
	PlaybackLatency metric.Float64Histogram

	// ChatDuration tracks text chat request latency.
	ChatDuration metric.Float64Histogram

	// --- Counters ---

	// FramesSent counts capture frames transmitted to the service.
	FramesSent metric.Int64Counter

	// FramesDropped counts capture frames discarded because no session was
	// open or the transport rejected them. Use with attribute:
	//   attribute.String("reason", ...)
	FramesDropped metric.Int64Counter

	// DecodeErrors counts malformed audio chunks dropped on the playback path.
	DecodeErrors metric.Int64Counter

	// TranscriptFragments counts transcript fragments by speaker. Use with
	// attribute: attribute.String("speaker", ...)
	TranscriptFragments metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions (0 or 1 in the
	// single-session client, but kept as a gauge for fleet dashboards).
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time, recorded by
	// [Middleware] with method, route and status attributes.
	HTTPRequestDuration metric.Float64Histogram
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
	if met.ConnectDuration, err = m.Float64Histogram("voxchat.session.connect.duration",
		metric.WithDescription("Time from dial to acknowledged voice session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PlaybackLatency, err = m.Float64Histogram("voxchat.playback.latency",
		metric.WithDescription("Scheduling delay of model speech behind the playback clock."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ChatDuration, err = m.Float64Histogram("voxchat.chat.duration",
		metric.WithDescription("Latency of text chat requests."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesSent, err = m.Int64Counter("voxchat.capture.frames_sent",
		metric.WithDescription("Capture frames transmitted to the realtime service."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("voxchat.capture.frames_dropped",
		metric.WithDescription("Capture frames discarded, by reason."),
	); err != nil {
		return nil, err
	}
	if met.DecodeErrors, err = m.Int64Counter("voxchat.playback.decode_errors",
		metric.WithDescription("Malformed model audio chunks dropped before playback."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptFragments, err = m.Int64Counter("voxchat.transcript.fragments",
		metric.WithDescription("Transcript fragments received, by speaker."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxchat.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxchat.http.request.duration",
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

// RecordFrameDropped records a dropped capture frame with its reason.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordTranscriptFragment records one received transcript fragment.
func (m *Metrics) RecordTranscriptFragment(ctx context.Context, speaker string) {
	m.TranscriptFragments.Add(ctx, 1,
		metric.WithAttributes(attribute.String("speaker", speaker)),
	)
}
