// Package observe provides application-wide observability primitives for
// the bridge: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all bridge metrics.
const meterName = "github.com/MrWong99/aribridge"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- RTP transport ---

	// RTPPacketsIn counts RTP packets received from the telephony switch.
	RTPPacketsIn metric.Int64Counter

	// RTPPacketsOut counts RTP packets sent to the telephony switch.
	RTPPacketsOut metric.Int64Counter

	// RTPBytesIn counts RTP payload bytes received.
	RTPBytesIn metric.Int64Counter

	// RTPBytesOut counts RTP payload bytes sent.
	RTPBytesOut metric.Int64Counter

	// RTPMalformed counts undersized datagrams dropped before parsing.
	RTPMalformed metric.Int64Counter

	// --- Media relay ---

	// AudioBytesToAgent counts converted audio bytes forwarded to the agent.
	AudioBytesToAgent metric.Int64Counter

	// AudioBytesFromAgent counts agent audio bytes relayed to the call leg.
	AudioBytesFromAgent metric.Int64Counter

	// FramesDropped counts audio frames dropped before the call was ready.
	// Use with attribute.String("direction", "inbound"|"outbound").
	FramesDropped metric.Int64Counter

	// --- Call lifecycle ---

	// ActiveCalls tracks the number of calls currently registered.
	ActiveCalls metric.Int64UpDownCounter

	// Reconnects counts duplex-channel reconnect attempts. Use with
	// attribute.String("reason", "heartbeat"|"closed").
	Reconnects metric.Int64Counter

	// PlaybackSegments counts queued playback segments by outcome. Use with
	// attribute.String("status", "played"|"failed").
	PlaybackSegments metric.Int64Counter

	// PlaybackQueueDepth tracks segments waiting for playback across calls.
	PlaybackQueueDepth metric.Int64UpDownCounter

	// PlaybackDuration tracks how long a single segment took from enqueue
	// to playback completion.
	PlaybackDuration metric.Float64Histogram

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for media-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// RTP counters.
	if met.RTPPacketsIn, err = m.Int64Counter("aribridge.rtp.packets_in",
		metric.WithDescription("Total RTP packets received from the telephony switch."),
	); err != nil {
		return nil, err
	}
	if met.RTPPacketsOut, err = m.Int64Counter("aribridge.rtp.packets_out",
		metric.WithDescription("Total RTP packets sent to the telephony switch."),
	); err != nil {
		return nil, err
	}
	if met.RTPBytesIn, err = m.Int64Counter("aribridge.rtp.bytes_in",
		metric.WithDescription("Total RTP payload bytes received."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.RTPBytesOut, err = m.Int64Counter("aribridge.rtp.bytes_out",
		metric.WithDescription("Total RTP payload bytes sent."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.RTPMalformed, err = m.Int64Counter("aribridge.rtp.malformed",
		metric.WithDescription("Total undersized RTP datagrams dropped."),
	); err != nil {
		return nil, err
	}

	// Relay counters.
	if met.AudioBytesToAgent, err = m.Int64Counter("aribridge.relay.bytes_to_agent",
		metric.WithDescription("Converted audio bytes forwarded to the agent."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.AudioBytesFromAgent, err = m.Int64Counter("aribridge.relay.bytes_from_agent",
		metric.WithDescription("Agent audio bytes relayed to the call leg."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("aribridge.relay.frames_dropped",
		metric.WithDescription("Audio frames dropped while the call was not ready, by direction."),
	); err != nil {
		return nil, err
	}

	// Call lifecycle.
	if met.ActiveCalls, err = m.Int64UpDownCounter("aribridge.active_calls",
		metric.WithDescription("Number of calls currently registered."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("aribridge.duplex.reconnects",
		metric.WithDescription("Duplex-channel reconnect attempts by reason."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackSegments, err = m.Int64Counter("aribridge.playback.segments",
		metric.WithDescription("Playback segments by outcome."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackQueueDepth, err = m.Int64UpDownCounter("aribridge.playback.queue_depth",
		metric.WithDescription("Segments waiting for playback across all calls."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackDuration, err = m.Float64Histogram("aribridge.playback.duration",
		metric.WithDescription("Time from segment enqueue to playback completion."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("aribridge.http.request.duration",
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
			panic("observe: default metrics init: " + err.Error())
		}
	})
	return defaultMetrics
}
