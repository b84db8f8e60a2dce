// Package metrics contains a sink interface to be used by clients to implement sink.
// It provides a NoopSink, a LogSink and a PrometheusSink.
package metrics

import (
	"context"
	"log/slog"
	"time"
)

// Metric types.
const (
	UNKNOWN byte = iota
	COUNTER
	GAUGE
	HISTOGRAM
)

const (
	SinkTimeout = 1 * time.Second

	CallbackTotalMetricName           = "shard_callback_total"
	CallbackFailuresMetricName        = "shard_callback_failures_total"
	CallbackDurationMetricName        = "shard_callback_duration_seconds"
	BindTotalMetricName               = "shard_bind_total"
	BindReusedMetricName              = "shard_bind_reused_total"
	CrossShardRejectionsMetricName    = "shard_cross_binding_rejections_total"
	AcquisitionFailuresMetricName     = "connection_acquisition_failures_total"
	TransactionRetriesMetricName      = "transaction_retries_total"
	FanoutShardsMetricName            = "fanout_shards"
	FanoutFailedShardsMetricName      = "fanout_failed_shards"
	ConnectionResetFailuresMetricName = "connection_reset_failures_total"
)

// Metrics are collection of MetricValues.
type Metrics struct {
	Values []MetricValue
}

type MetricValue struct {
	// Name is the metric name
	Name string

	// Value is the value of the metric.
	Value float64

	// Type is the metric type: GAUGE, COUNTER, HISTOGRAM, and other const.
	Type byte
}

// Sink sends metrics to an external destination.
type Sink interface {
	// Send sends metrics to the sink. It must respect the context timeout, if any.
	Send(ctx context.Context, metrics *Metrics) error
}

// NoopSink is the default sink which does nothing
type NoopSink struct{}

func (s *NoopSink) Send(ctx context.Context, m *Metrics) error {
	return nil
}

var _ Sink = &NoopSink{}

// logSink logs metrics
type logSink struct {
	logger *slog.Logger
}

func (l *logSink) Send(ctx context.Context, m *Metrics) error {
	for _, v := range m.Values {
		switch v.Type {
		case COUNTER:
			l.logger.InfoContext(ctx, "metric", "name", v.Name, "type", "counter", "value", v.Value)
		case GAUGE:
			l.logger.InfoContext(ctx, "metric", "name", v.Name, "type", "gauge", "value", v.Value)
		case HISTOGRAM:
			l.logger.InfoContext(ctx, "metric", "name", v.Name, "type", "histogram", "value", v.Value)
		default:
			l.logger.ErrorContext(ctx, "Received invalid metric type", "type", v.Type, "name", v.Name, "value", v.Value)
		}
	}
	return nil
}

var _ Sink = &logSink{}

func NewLogSink(logger *slog.Logger) *logSink {
	return &logSink{
		logger: logger,
	}
}

// Counter is shorthand for a single counter increment.
func Counter(name string, value float64) MetricValue {
	return MetricValue{Name: name, Value: value, Type: COUNTER}
}

// Gauge is shorthand for a single gauge value.
func Gauge(name string, value float64) MetricValue {
	return MetricValue{Name: name, Value: value, Type: GAUGE}
}

// Histogram is shorthand for a single observation, such as a duration.
func Histogram(name string, value float64) MetricValue {
	return MetricValue{Name: name, Value: value, Type: HISTOGRAM}
}

// Send delivers values to sink bounded by SinkTimeout. A nil sink is a no-op.
// Failures are logged and not returned.
func Send(ctx context.Context, sink Sink, logger *slog.Logger, values ...MetricValue) {
	if sink == nil || len(values) == 0 {
		return
	}
	contextWithTimeout, cancel := context.WithTimeout(ctx, SinkTimeout)
	defer cancel()
	if err := sink.Send(contextWithTimeout, &Metrics{Values: values}); err != nil && logger != nil {
		logger.WarnContext(ctx, "failed to send metrics", "error", err)
	}
}
