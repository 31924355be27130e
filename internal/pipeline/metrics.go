package pipeline

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const pipelineInstrumentationName = "github.com/fyrsmithlabs/researchd/internal/pipeline"

// Metrics holds pipeline-level metrics.
type Metrics struct {
	meter         metric.Meter
	logger        *zap.Logger
	queriesTotal  metric.Int64Counter
	queryDur      metric.Float64Histogram
	stageDur      metric.Float64Histogram
	loopbackTotal metric.Int64Counter
}

func newMetrics(logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{
		meter:  otel.Meter(pipelineInstrumentationName),
		logger: logger,
	}
	m.init()
	return m
}

func (m *Metrics) init() {
	var err error

	m.queriesTotal, err = m.meter.Int64Counter(
		"researchd.pipeline.queries_total",
		metric.WithDescription("Total pipeline runs labeled by terminal outcome (finalized, refused, cancelled)."),
		metric.WithUnit("{query}"),
	)
	if err != nil {
		m.logger.Warn("failed to create queries counter", zap.Error(err))
	}

	m.queryDur, err = m.meter.Float64Histogram(
		"researchd.pipeline.query_duration_seconds",
		metric.WithDescription("End-to-end pipeline duration in seconds, labeled by terminal outcome."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0, 120.0),
	)
	if err != nil {
		m.logger.Warn("failed to create query duration histogram", zap.Error(err))
	}

	m.stageDur, err = m.meter.Float64Histogram(
		"researchd.pipeline.stage_duration_seconds",
		metric.WithDescription("Per-stage execution duration in seconds, labeled by agent and outcome."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 15.0, 60.0),
	)
	if err != nil {
		m.logger.Warn("failed to create stage duration histogram", zap.Error(err))
	}

	m.loopbackTotal, err = m.meter.Int64Counter(
		"researchd.pipeline.loopbacks_total",
		metric.WithDescription("Loop-back transitions taken, labeled by type (retrieval_expansion, rewrite)."),
		metric.WithUnit("{loopback}"),
	)
	if err != nil {
		m.logger.Warn("failed to create loopback counter", zap.Error(err))
	}
}

func (m *Metrics) recordQuery(ctx context.Context, outcome string, dur time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	if m.queriesTotal != nil {
		m.queriesTotal.Add(ctx, 1, attrs)
	}
	if m.queryDur != nil {
		m.queryDur.Record(ctx, dur.Seconds(), attrs)
	}
}

func (m *Metrics) recordStage(ctx context.Context, agent Agent, outcome string, dur time.Duration) {
	if m.stageDur == nil {
		return
	}
	m.stageDur.Record(ctx, dur.Seconds(), metric.WithAttributes(
		attribute.String("agent", string(agent)),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) recordLoopback(ctx context.Context, kind string) {
	if m.loopbackTotal == nil {
		return
	}
	m.loopbackTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("type", kind)))
}
