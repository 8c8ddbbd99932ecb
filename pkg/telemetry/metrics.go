package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/polisai/framepipe/pkg/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Instrument names.
const (
	MetricStageInvocations = "pipeline.stage.invocations_total"
	MetricStageFailures    = "pipeline.stage.failures_total"
	MetricStageDuration    = "pipeline.stage.duration_ms"
	MetricRuns             = "pipeline.runs_total"
	MetricRunDuration      = "pipeline.run.duration_ms"
)

var (
	metricsOnce            sync.Once
	metricsInitErr         error
	stageInvocationCounter metric.Int64Counter
	stageFailureCounter    metric.Int64Counter
	stageLatencyHistogram  metric.Float64Histogram
	runCounter             metric.Int64Counter
	runLatencyHistogram    metric.Float64Histogram
)

// StageMetrics captures the fields needed to record one stage invocation.
type StageMetrics struct {
	Transport string
	Stage     domain.StageName
	Duration  time.Duration
	Err       error
}

// RunMetrics captures the fields needed to record one run.
type RunMetrics struct {
	Transport string
	Outcome   domain.RunOutcome
	Failed    domain.StageName
	Duration  time.Duration
}

// RecordStageMetrics emits the counters and histogram for a stage invocation.
func RecordStageMetrics(ctx context.Context, m StageMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("pipeline.transport", m.Transport),
		attribute.String("stage.name", string(m.Stage)),
	)
	stageInvocationCounter.Add(ctx, 1, attrs)
	stageLatencyHistogram.Record(ctx, float64(m.Duration)/float64(time.Millisecond), attrs)

	if m.Err != nil {
		stageFailureCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("pipeline.transport", m.Transport),
			attribute.String("stage.name", string(m.Stage)),
			attribute.String("error.code", domain.CodeOf(m.Err)),
		))
	}
}

// RecordRunMetrics emits the run counter and latency histogram.
func RecordRunMetrics(ctx context.Context, m RunMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("pipeline.transport", m.Transport),
		attribute.String("run.outcome", string(m.Outcome)),
	}
	if m.Failed != "" {
		attrs = append(attrs, attribute.String("run.failed_stage", string(m.Failed)))
	}
	runCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	runLatencyHistogram.Record(ctx, float64(m.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("framepipe.pipeline")

		stageInvocationCounter, metricsInitErr = meter.Int64Counter(
			MetricStageInvocations,
			metric.WithDescription("Stage invocations partitioned by transport and stage"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		stageFailureCounter, metricsInitErr = meter.Int64Counter(
			MetricStageFailures,
			metric.WithDescription("Stage invocations that returned an error"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		stageLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			MetricStageDuration,
			metric.WithDescription("Observed stage latency, including transport"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		runCounter, metricsInitErr = meter.Int64Counter(
			MetricRuns,
			metric.WithDescription("Pipeline runs partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		runLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			MetricRunDuration,
			metric.WithDescription("Observed end-to-end run latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}

// RecordRunEvent attaches the run outcome to the provided span.
func RecordRunEvent(span trace.Span, run *domain.Run) {
	if span == nil || !span.IsRecording() || run == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("run.outcome", string(run.Outcome)),
		attribute.Int("run.stages", len(run.Invoked())),
	}
	if run.FailedStage != "" {
		attrs = append(attrs, attribute.String("run.failed_stage", string(run.FailedStage)))
	}
	if run.Detection != nil {
		attrs = append(attrs, attribute.Int("detect.surviving", len(run.Detection.Indices)))
	}

	span.AddEvent("run.finished", trace.WithAttributes(attrs...))
}
