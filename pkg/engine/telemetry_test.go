package engine

import (
	"context"
	"testing"

	"github.com/polisai/framepipe/pkg/domain"
	"github.com/polisai/framepipe/pkg/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func setupTestTracer(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		if err := tp.Shutdown(context.Background()); err != nil {
			t.Logf("tracer provider shutdown: %v", err)
		}
	})
	return recorder
}

func setupTestMeter(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(mp)
	telemetry.ResetMetricsForTest()
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		telemetry.ResetMetricsForTest()
	})
	return reader
}

func TestRun_EmitsSpansAndMetrics(t *testing.T) {
	spans := setupTestTracer(t)
	reader := setupTestMeter(t)

	inv := &mockInvoker{}
	inv.On("Filter", mock.Anything, mock.Anything).Return(accepted(), nil)
	inv.On("Detect", mock.Anything, mock.Anything).Return(oneBox, nil)
	inv.On("Annotate", mock.Anything, mock.Anything).Return(domain.AnnotateResult{Success: true}, nil)
	inv.On("Sink", mock.Anything, mock.Anything).Return(domain.SinkAck{Success: true, Published: 1}, nil)

	run, err := newTestOrchestrator(t, inv, 0).Run(context.Background(), pair)
	require.NoError(t, err)

	var runSpan sdktrace.ReadOnlySpan
	stageSpans := map[string]sdktrace.ReadOnlySpan{}
	for _, span := range spans.Ended() {
		switch span.Name() {
		case "pipeline.run":
			runSpan = span
		case "pipeline.stage":
			for _, kv := range span.Attributes() {
				if kv.Key == "stage.name" {
					stageSpans[kv.Value.AsString()] = span
				}
			}
		}
	}
	require.NotNil(t, runSpan)
	assert.Len(t, stageSpans, 4)
	for name, span := range stageSpans {
		assert.Equal(t, runSpan.SpanContext().SpanID(), span.Parent().SpanID(), "stage %s is a child of the run", name)
	}

	var events []string
	for _, ev := range runSpan.Events() {
		events = append(events, ev.Name)
	}
	assert.Contains(t, events, "run.finished")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	names := map[string]metricdata.Metrics{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			names[m.Name] = m
		}
	}
	invocations, ok := names[telemetry.MetricStageInvocations]
	require.True(t, ok)
	var total int64
	for _, dp := range invocations.Data.(metricdata.Sum[int64]).DataPoints {
		total += dp.Value
	}
	assert.EqualValues(t, 4, total)

	runs, ok := names[telemetry.MetricRuns]
	require.True(t, ok)
	assert.EqualValues(t, 1, runs.Data.(metricdata.Sum[int64]).DataPoints[0].Value)
	assert.Equal(t, domain.OutcomeCompleted, run.Outcome)
}
