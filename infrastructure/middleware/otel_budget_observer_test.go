package middleware

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/ahrav/go-concord/internal/domain"
	"github.com/ahrav/go-concord/internal/ports"
)

// recordingCollector captures every metric call.
type recordingCollector struct {
	mu         sync.Mutex
	counters   map[string]float64
	histograms map[string][]float64
	labels     map[string]map[string]string
}

func newRecordingCollector() *recordingCollector {
	return &recordingCollector{
		counters:   make(map[string]float64),
		histograms: make(map[string][]float64),
		labels:     make(map[string]map[string]string),
	}
}

func (r *recordingCollector) RecordLatency(operation string, d time.Duration, labels map[string]string) {
	r.RecordHistogram(operation, d.Seconds(), labels)
}

func (r *recordingCollector) RecordCounter(metric string, value float64, labels map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[metric] += value
	r.labels[metric] = labels
}

func (r *recordingCollector) RecordGauge(string, float64, map[string]string) {}

func (r *recordingCollector) RecordHistogram(metric string, value float64, labels map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.histograms[metric] = append(r.histograms[metric], value)
	r.labels[metric] = labels
}

func newTestObserver(collector ports.MetricsCollector) (*OTelBudgetObserver, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	return NewOTelBudgetObserverWithProvider(collector, tp), recorder
}

func spanAttrs(attrs []attribute.KeyValue) map[attribute.Key]attribute.Value {
	m := make(map[attribute.Key]attribute.Value, len(attrs))
	for _, kv := range attrs {
		m[kv.Key] = kv.Value
	}
	return m
}

func TestOTelBudgetObserver_Success(t *testing.T) {
	collector := newRecordingCollector()
	observer, recorder := newTestObserver(collector)
	budget := Budget{MaxCost: 1.0, Deadline: time.Minute}

	ctx := observer.PreCheck(context.Background(), budget)
	observer.PostCheck(ctx, Usage{Cost: 0.25, Calls: 7}, budget, 3*time.Second, nil)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "trial.budget", span.Name())
	assert.Equal(t, codes.Ok, span.Status().Code)

	attrs := spanAttrs(span.Attributes())
	assert.Equal(t, "cost_and_deadline", attrs["budget.limit"].AsString())
	assert.InDelta(t, 0.25, attrs["budget.cost_spent"].AsFloat64(), 1e-9)
	assert.InDelta(t, 0.75, attrs["budget.remaining_cost"].AsFloat64(), 1e-9)
	assert.Equal(t, int64(7), attrs["budget.calls_made"].AsInt64())
	assert.Empty(t, span.Events())

	assert.Equal(t, []float64{0.25}, collector.histograms[MetricTrialCost])
	assert.Zero(t, collector.counters[MetricBudgetExceeded])
}

func TestOTelBudgetObserver_Exceeded(t *testing.T) {
	collector := newRecordingCollector()
	observer, recorder := newTestObserver(collector)
	budget := Budget{MaxCost: 0.1}
	breach := domain.NewBudgetExceededError("cost", 0.1, 0.12, domain.StageJudging)

	ctx := observer.PreCheck(context.Background(), budget)
	observer.PostCheck(ctx, Usage{Cost: 0.12}, budget, time.Second, breach)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)

	var names []string
	for _, ev := range spans[0].Events() {
		names = append(names, ev.Name)
	}
	assert.Contains(t, names, "budget.threshold.critical")
	assert.Contains(t, names, "budget.exceeded")

	assert.Equal(t, 1.0, collector.counters[MetricBudgetExceeded])
	assert.Equal(t, "cost", collector.labels[MetricBudgetExceeded]["limit_type"])
}

func TestOTelBudgetObserver_OtherError(t *testing.T) {
	observer, recorder := newTestObserver(nil)
	ctx := observer.PreCheck(context.Background(), Budget{})
	observer.PostCheck(ctx, Usage{}, Budget{}, 0, errors.New("no generators"))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "no generators", spans[0].Status().Description)
	assert.Equal(t, "unlimited", spanAttrs(spans[0].Attributes())["budget.limit"].AsString())
}

func TestOTelBudgetObserver_WarningThreshold(t *testing.T) {
	observer, recorder := newTestObserver(nil)
	budget := Budget{MaxCost: 1.0}
	ctx := observer.PreCheck(context.Background(), budget)
	observer.PostCheck(ctx, Usage{Cost: 0.85}, budget, 0, nil)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	require.Len(t, spans[0].Events(), 1)
	assert.Equal(t, "budget.threshold.warning", spans[0].Events()[0].Name)
}

func TestBudgetLimitLabel(t *testing.T) {
	tests := []struct {
		budget Budget
		want   string
	}{
		{Budget{}, "unlimited"},
		{Budget{MaxCost: 1}, "cost_only"},
		{Budget{Deadline: time.Second}, "deadline_only"},
		{Budget{MaxCost: 1, Deadline: time.Second}, "cost_and_deadline"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, budgetLimitLabel(tt.budget))
		})
	}
}

func TestOTelBudgetObserver_WithTrialBudget(t *testing.T) {
	collector := newRecordingCollector()
	observer, recorder := newTestObserver(collector)

	b, err := NewTrialBudget(Budget{MaxCost: 0.05}, observer)
	require.NoError(t, err)
	ctx, cancel := b.Start(context.Background())
	defer cancel()

	b.Charge("gpt", 100, 100, 0.06)
	b.Finish(ctx, b.Exceeded(ctx))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, 1.0, collector.counters[MetricBudgetExceeded])
}
