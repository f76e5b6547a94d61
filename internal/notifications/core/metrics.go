package core

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/prometheus/client_golang/prometheus"

	"hookrelay/internal/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

var (
	_ DeliveryMetrics = (*CloudWatchDeliveryMetrics)(nil)
	_ DeliveryMetrics = (*PrometheusDeliveryMetrics)(nil)
	_ DeliveryMetrics = NoopDeliveryMetrics{}
)

// CloudWatchDeliveryMetrics emits delivery metrics to AWS CloudWatch.
//
// Metrics emitted:
//   - DeliveryAttempt: Dims {EventKind, Result}, once per subscriber
//   - BroadcastLatency: Dims {EventKind}, once per broadcast
//   - BroadcastQueueLag: no dims, once per dequeued broadcast
type CloudWatchDeliveryMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    types.Logger
}

// NewCloudWatchDeliveryMetrics publishes to namespace, or to
// types.MetricNamespace when namespace is empty.
func NewCloudWatchDeliveryMetrics(client CloudWatchClient, namespace string, logger types.Logger) *CloudWatchDeliveryMetrics {
	if namespace == "" {
		namespace = types.MetricNamespace
	}
	return &CloudWatchDeliveryMetrics{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}
}

func (m *CloudWatchDeliveryMetrics) RecordDelivery(ctx context.Context, kind types.EventKind, result MetricResult) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(types.MetricDeliveryAttempt),
				Value:      aws.Float64(1),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{
					{Name: aws.String(types.DimEventKind), Value: aws.String(string(kind))},
					{Name: aws.String(types.DimResult), Value: aws.String(string(result))},
				},
			},
		},
	}

	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.Error("failed to record delivery metric",
			"error", err.Error(),
			"kind", string(kind),
			"result", string(result),
		)
	}
}

// RecordLatency is recorded in milliseconds.
func (m *CloudWatchDeliveryMetrics) RecordLatency(ctx context.Context, kind types.EventKind, d time.Duration) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(types.MetricBroadcastLatency),
				Value:      aws.Float64(float64(d.Milliseconds())),
				Unit:       cwtypes.StandardUnitMilliseconds,
				Dimensions: []cwtypes.Dimension{
					{Name: aws.String(types.DimEventKind), Value: aws.String(string(kind))},
				},
			},
		},
	}

	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.Error("failed to record latency metric",
			"error", err.Error(),
			"kind", string(kind),
			"duration_ms", d.Milliseconds(),
		)
	}
}

// RecordQueueLag tracks the time between enqueue and the worker picking the
// broadcast up.
func (m *CloudWatchDeliveryMetrics) RecordQueueLag(ctx context.Context, lag time.Duration) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(types.MetricQueueLag),
				Value:      aws.Float64(float64(lag.Milliseconds())),
				Unit:       cwtypes.StandardUnitMilliseconds,
			},
		},
	}

	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.Error("failed to record queue lag metric",
			"error", err.Error(),
			"lag_ms", lag.Milliseconds(),
		)
	}
}

// PrometheusDeliveryMetrics exposes the same series on /metrics.
type PrometheusDeliveryMetrics struct {
	deliveries *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	queueLag   prometheus.Histogram
}

// NewPrometheusDeliveryMetrics registers its collectors on reg. Passing a
// fresh prometheus.NewRegistry() keeps tests isolated.
func NewPrometheusDeliveryMetrics(reg prometheus.Registerer) *PrometheusDeliveryMetrics {
	m := &PrometheusDeliveryMetrics{
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hookrelay",
			Name:      "delivery_attempts_total",
			Help:      "Per-subscriber delivery outcomes.",
		}, []string{"kind", "result"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hookrelay",
			Name:      "broadcast_duration_seconds",
			Help:      "Time to deliver a broadcast to every subscriber.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		queueLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "hookrelay",
			Name:      "broadcast_queue_lag_seconds",
			Help:      "Time a queued broadcast waited before a worker picked it up.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		}),
	}
	reg.MustRegister(m.deliveries, m.latency, m.queueLag)
	return m
}

func (m *PrometheusDeliveryMetrics) RecordDelivery(_ context.Context, kind types.EventKind, result MetricResult) {
	m.deliveries.WithLabelValues(string(kind), string(result)).Inc()
}

func (m *PrometheusDeliveryMetrics) RecordLatency(_ context.Context, kind types.EventKind, d time.Duration) {
	m.latency.WithLabelValues(string(kind)).Observe(d.Seconds())
}

func (m *PrometheusDeliveryMetrics) RecordQueueLag(_ context.Context, lag time.Duration) {
	m.queueLag.Observe(lag.Seconds())
}

// NoopDeliveryMetrics discards everything.
type NoopDeliveryMetrics struct{}

func (NoopDeliveryMetrics) RecordDelivery(context.Context, types.EventKind, MetricResult) {}
func (NoopDeliveryMetrics) RecordLatency(context.Context, types.EventKind, time.Duration) {}
func (NoopDeliveryMetrics) RecordQueueLag(context.Context, time.Duration)                 {}
