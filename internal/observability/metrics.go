package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all session metrics implementing the golden 4 signals:
// - Latency: how long manager requests and notification deliveries take
// - Traffic: request/callback/poll/connection throughput
// - Errors: rate of failures per concern
// - Saturation: active bridge connections and notifier queue depth
type Metrics struct {
	meter metric.Meter

	// Manager client metrics (Latency, Traffic, Errors)
	ManagerRequestDuration metric.Float64Histogram
	ManagerRequestsTotal   metric.Int64Counter
	ManagerErrorsTotal     metric.Int64Counter

	// Watch callbacks and polling-loop metrics (Traffic)
	CallbacksTotal metric.Int64Counter
	PollsTotal     metric.Int64Counter

	// Bridge metrics (Traffic, Saturation)
	BridgeConnsTotal  metric.Int64Counter
	BridgeConnsActive metric.Int64UpDownCounter
	BridgeBytesTotal  metric.Int64Counter

	// Notifier metrics (Latency, Traffic, Errors, Saturation)
	NotifyDuration  metric.Float64Histogram
	NotifyDelivered metric.Int64Counter
	NotifyFailed    metric.Int64Counter
	NotifyDropped   metric.Int64Counter
	NotifyQueueSize metric.Int64Gauge
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("tether")
	m := &Metrics{meter: meter}

	// Manager client metrics
	m.ManagerRequestDuration, err = meter.Float64Histogram(
		"manager_request_duration_seconds",
		metric.WithDescription("Manager request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ManagerRequestsTotal, err = meter.Int64Counter(
		"manager_requests_total",
		metric.WithDescription("Total number of manager requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ManagerErrorsTotal, err = meter.Int64Counter(
		"manager_errors_total",
		metric.WithDescription("Total number of failed manager requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Watch/polling metrics
	m.CallbacksTotal, err = meter.Int64Counter(
		"callbacks_total",
		metric.WithDescription("Total watch callbacks delivered, by kind"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.PollsTotal, err = meter.Int64Counter(
		"endpoint_polls_total",
		metric.WithDescription("Total registry polls by the controller loop"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Bridge metrics
	m.BridgeConnsTotal, err = meter.Int64Counter(
		"bridge_connections_total",
		metric.WithDescription("Total connections accepted by the bridge"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.BridgeConnsActive, err = meter.Int64UpDownCounter(
		"bridge_connections_active",
		metric.WithDescription("Currently relayed connections (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.BridgeBytesTotal, err = meter.Int64Counter(
		"bridge_bytes_total",
		metric.WithDescription("Bytes relayed through the bridge, by direction"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Notifier metrics
	m.NotifyDuration, err = meter.Float64Histogram(
		"notify_duration_seconds",
		metric.WithDescription("Lifecycle notification delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifyDelivered, err = meter.Int64Counter(
		"notify_delivered_total",
		metric.WithDescription("Total notifications successfully delivered"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifyFailed, err = meter.Int64Counter(
		"notify_failed_total",
		metric.WithDescription("Total notifications failed after retries"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifyDropped, err = meter.Int64Counter(
		"notify_dropped_total",
		metric.WithDescription("Total notifications dropped (queue full)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifyQueueSize, err = meter.Int64Gauge(
		"notify_queue_size",
		metric.WithDescription("Current number of queued notifications (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordManagerRequest records one manager round trip.
func (m *Metrics) RecordManagerRequest(ctx context.Context, op string, err error, elapsed time.Duration) {
	attrs := metric.WithAttributes(opAttr(op))

	m.ManagerRequestDuration.Record(ctx, elapsed.Seconds(), attrs)
	m.ManagerRequestsTotal.Add(ctx, 1, attrs)

	if err != nil {
		m.ManagerErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordCallback records one watch callback delivery.
func (m *Metrics) RecordCallback(ctx context.Context, kind string) {
	m.CallbacksTotal.Add(ctx, 1, metric.WithAttributes(kindAttr(kind)))
}

// RecordPoll records one controller poll of the endpoint registry.
func (m *Metrics) RecordPoll(ctx context.Context, matched bool) {
	m.PollsTotal.Add(ctx, 1, metric.WithAttributes(matchedAttr(matched)))
}

// RecordBridgeConnOpened records a relayed connection being established.
func (m *Metrics) RecordBridgeConnOpened(ctx context.Context) {
	m.BridgeConnsTotal.Add(ctx, 1)
	m.BridgeConnsActive.Add(ctx, 1)
}

// RecordBridgeConnClosed records a relayed connection ending with its
// byte counts per direction.
func (m *Metrics) RecordBridgeConnClosed(ctx context.Context, bytesIn, bytesOut int64) {
	m.BridgeConnsActive.Add(ctx, -1)
	m.BridgeBytesTotal.Add(ctx, bytesIn, metric.WithAttributes(directionAttr("in")))
	m.BridgeBytesTotal.Add(ctx, bytesOut, metric.WithAttributes(directionAttr("out")))
}

// RecordNotifyDelivered records a successful notification delivery with its duration.
func (m *Metrics) RecordNotifyDelivered(ctx context.Context, durationSeconds float64) {
	m.NotifyDelivered.Add(ctx, 1)
	m.NotifyDuration.Record(ctx, durationSeconds)
}

// RecordNotifyFailed records a failed notification delivery.
func (m *Metrics) RecordNotifyFailed(ctx context.Context) {
	m.NotifyFailed.Add(ctx, 1)
}

// RecordNotifyDropped records a dropped notification.
func (m *Metrics) RecordNotifyDropped(ctx context.Context) {
	m.NotifyDropped.Add(ctx, 1)
}

// RecordNotifyQueueSize records the current notifier queue size.
func (m *Metrics) RecordNotifyQueueSize(ctx context.Context, size int64) {
	m.NotifyQueueSize.Record(ctx, size)
}
