// Package observe provides the recorder's observability primitives:
// OpenTelemetry metric instruments, the Prometheus exporter bridge and HTTP
// middleware.
//
// Components receive a [*Metrics] explicitly. Tests should use [NewMetrics]
// with a ManualReader-backed provider; [Discard] returns instruments that
// record nothing.
package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// meterName is the instrumentation scope name used for all recorder metrics.
const meterName = "github.com/audiolibrelab/stereorec"

// Metrics holds all OpenTelemetry metric instruments for the application.
type Metrics struct {
	// FlushCount counts emitted blobs. Attribute: format.
	FlushCount metric.Int64Counter

	// FlushBytes counts encoded bytes handed to data handlers. Attribute: format.
	FlushBytes metric.Int64Counter

	// SamplesCaptured counts sample frames accepted into the buffer.
	SamplesCaptured metric.Int64Counter

	// FramesDropped counts capture batches discarded because the consumer
	// fell behind.
	FramesDropped metric.Int64Counter

	// EncodeDuration tracks flatten + interleave + encode latency.
	EncodeDuration metric.Float64Histogram

	// ActiveSessions tracks sessions between Start and Stop.
	ActiveSessions metric.Int64UpDownCounter

	// SinkErrors counts failed blob deliveries. Attribute: sink.
	SinkErrors metric.Int64Counter

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	// method, path, status.
	HTTPRequestDuration metric.Float64Histogram
}

// encodeBuckets are histogram boundaries in seconds for one flush.
var encodeBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.FlushCount, err = m.Int64Counter("stereorec.flush.count",
		metric.WithDescription("Number of encoded blobs delivered by format."),
	); err != nil {
		return nil, err
	}
	if met.FlushBytes, err = m.Int64Counter("stereorec.flush.bytes",
		metric.WithDescription("Encoded bytes delivered by format."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.SamplesCaptured, err = m.Int64Counter("stereorec.samples.captured",
		metric.WithDescription("Sample frames accepted into the capture buffer."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("stereorec.frames.dropped",
		metric.WithDescription("Capture batches dropped because the consumer fell behind."),
	); err != nil {
		return nil, err
	}
	if met.EncodeDuration, err = m.Float64Histogram("stereorec.encode.duration",
		metric.WithDescription("Latency of flattening, interleaving and encoding one flush."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(encodeBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("stereorec.active_sessions",
		metric.WithDescription("Number of capture sessions between start and stop."),
	); err != nil {
		return nil, err
	}
	if met.SinkErrors, err = m.Int64Counter("stereorec.sink.errors",
		metric.WithDescription("Failed blob deliveries by sink."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("stereorec.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// Discard returns instruments backed by a no-op provider.
func Discard() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider())
	return m
}

// RecordFlush records one delivered blob.
func (m *Metrics) RecordFlush(ctx context.Context, format string, size int, took time.Duration) {
	attrs := metric.WithAttributes(attribute.String("format", format))
	m.FlushCount.Add(ctx, 1, attrs)
	m.FlushBytes.Add(ctx, int64(size), attrs)
	m.EncodeDuration.Record(ctx, took.Seconds(), attrs)
}

// RecordSinkError records a failed delivery to the named sink.
func (m *Metrics) RecordSinkError(ctx context.Context, sink string) {
	m.SinkErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("sink", sink)))
}
