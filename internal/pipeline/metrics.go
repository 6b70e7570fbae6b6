package pipeline

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type pipelineMetrics struct {
	finished metric.Int64Counter
	stage    metric.Float64Histogram
	dropped  metric.Int64Counter
}

func newPipelineMetrics(meter metric.Meter, log *slog.Logger) *pipelineMetrics {
	m := &pipelineMetrics{}
	var err error
	if m.finished, err = meter.Int64Counter("scribe.sessions.finished",
		metric.WithDescription("Sessions that reached a terminal state")); err != nil {
		log.Warn("failed to create metric", slog.String("metric", "scribe.sessions.finished"), slogError(err))
	}
	if m.stage, err = meter.Float64Histogram("scribe.stage.duration_ms",
		metric.WithDescription("Time spent in each pipeline stage"),
		metric.WithUnit("ms")); err != nil {
		log.Warn("failed to create metric", slog.String("metric", "scribe.stage.duration_ms"), slogError(err))
	}
	if m.dropped, err = meter.Int64Counter("scribe.segments.dropped",
		metric.WithDescription("Segment batches rejected for out-of-order indices")); err != nil {
		log.Warn("failed to create metric", slog.String("metric", "scribe.segments.dropped"), slogError(err))
	}
	return m
}

func (m *pipelineMetrics) recordFinished(state State) {
	if m.finished == nil {
		return
	}
	m.finished.Add(context.Background(), 1, metric.WithAttributes(attribute.String("state", string(state))))
}

func (m *pipelineMetrics) recordStage(stage string, outcome State, d time.Duration) {
	if m.stage == nil {
		return
	}
	m.stage.Record(context.Background(), float64(d.Microseconds())/1000,
		metric.WithAttributes(attribute.String("stage", stage), attribute.String("outcome", string(outcome))))
}

func (m *pipelineMetrics) recordDropped() {
	if m.dropped == nil {
		return
	}
	m.dropped.Add(context.Background(), 1)
}
