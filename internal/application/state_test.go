package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ahrav/go-concord/infrastructure/middleware"
	"github.com/ahrav/go-concord/internal/domain"
)

// recordingCollector captures every metric call.
type recordingCollector struct {
	mu        sync.Mutex
	latencies map[string][]map[string]string
	counters  map[string][]map[string]string
}

func newRecordingCollector() *recordingCollector {
	return &recordingCollector{
		latencies: make(map[string][]map[string]string),
		counters:  make(map[string][]map[string]string),
	}
}

func (r *recordingCollector) RecordLatency(operation string, _ time.Duration, labels map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.latencies[operation] = append(r.latencies[operation], labels)
}

func (r *recordingCollector) RecordCounter(metric string, _ float64, labels map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[metric] = append(r.counters[metric], labels)
}

func (r *recordingCollector) RecordGauge(string, float64, map[string]string)     {}
func (r *recordingCollector) RecordHistogram(string, float64, map[string]string) {}

func (r *recordingCollector) counterLabels(metric string) []map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]map[string]string(nil), r.counters[metric]...)
}

// stepClock advances by step on every reading.
type stepClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
	return c.now
}

type stateHarness struct {
	sm        *stateMachine
	spans     *tracetest.SpanRecorder
	logs      *observer.ObservedLogs
	collector *recordingCollector
	budget    *middleware.TrialBudget
}

func newStateHarness(t *testing.T, budget middleware.Budget) stateHarness {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	collector := newRecordingCollector()
	tb, err := middleware.NewTrialBudget(budget, nil)
	require.NoError(t, err)
	clock := &stepClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), step: 10 * time.Millisecond}

	sm := newStateMachine("trial-1", zap.New(core), tp.Tracer("test"), collector, tb, clock.Now)
	return stateHarness{sm: sm, spans: spans, logs: logs, collector: collector, budget: tb}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to domain.Stage
		want     bool
	}{
		{domain.StageRetrieving, domain.StageGenerating, true},
		{domain.StageGenerating, domain.StageJudging, true},
		{domain.StageJudging, domain.StageBuildingConsensus, true},
		{domain.StageBuildingConsensus, domain.StageAssembling, true},
		{domain.StageAssembling, domain.StageVerifying, true},
		{domain.StageVerifying, domain.StageRecording, true},
		{domain.StageRecording, domain.StageDone, true},
		{domain.StageJudging, domain.StageFailed, true},
		{domain.StageRecording, domain.StageFailed, true},
		{domain.StageRetrieving, domain.StageJudging, false},
		{domain.StageVerifying, domain.StageAssembling, false},
		{domain.StageDone, domain.StageFailed, false},
		{domain.StageFailed, domain.StageRetrieving, false},
		{domain.StageGenerating, domain.StageGenerating, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestStateMachine_HappyPath(t *testing.T) {
	h := newStateHarness(t, middleware.Budget{})
	ctx := context.Background()

	h.sm.start(ctx)
	for range 7 {
		h.sm.advance(ctx)
	}

	assert.Equal(t, domain.StageDone, h.sm.Stage())

	history := h.sm.History()
	require.Len(t, history, 7)
	assert.Equal(t, domain.StageRetrieving, history[0].Stage)
	assert.Equal(t, domain.StageRecording, history[6].Stage)
	for _, timing := range history {
		assert.Positive(t, timing.Duration)
	}

	ended := h.spans.Ended()
	require.Len(t, ended, 7)
	assert.Equal(t, "concord.stage.retrieving", ended[0].Name())
	assert.Equal(t, "concord.stage.buildingconsensus", ended[3].Name())
	for _, span := range ended {
		assert.Equal(t, codes.Ok, span.Status().Code)
	}

	stageLabels := h.collector.latencies[middleware.MetricStageDuration]
	require.Len(t, stageLabels, 7)
	assert.Equal(t, "Verifying", stageLabels[5]["stage"])

	transitions := h.logs.FilterMessage("trial state transition").All()
	require.Len(t, transitions, 8)
	first := transitions[0].ContextMap()
	assert.Equal(t, "trial-1", first["trial_id"])
	assert.Equal(t, "Retrieving", first["to"])
	last := transitions[7].ContextMap()
	assert.Equal(t, "Recording", last["from"])
	assert.Equal(t, "Done", last["to"])
	assert.Contains(t, last, "elapsed_ms")
}

func TestStateMachine_Fail(t *testing.T) {
	h := newStateHarness(t, middleware.Budget{})
	ctx := context.Background()
	cause := errors.New("judges exploded")

	h.sm.start(ctx)
	h.sm.advance(ctx)
	h.sm.advance(ctx)
	h.sm.fail(ctx, cause)

	assert.Equal(t, domain.StageFailed, h.sm.Stage())

	ended := h.spans.Ended()
	require.Len(t, ended, 3)
	judging := ended[2]
	assert.Equal(t, "concord.stage.judging", judging.Name())
	assert.Equal(t, codes.Error, judging.Status().Code)
	assert.Equal(t, "judges exploded", judging.Status().Description)

	warns := h.logs.FilterLevelExact(zapcore.WarnLevel).All()
	require.Len(t, warns, 1)
	assert.Equal(t, "Failed", warns[0].ContextMap()["to"])
	assert.Equal(t, "Judging", warns[0].ContextMap()["from"])

	// Terminal states accept nothing further.
	h.sm.fail(ctx, cause)
	h.sm.advance(ctx)
	assert.Equal(t, domain.StageFailed, h.sm.Stage())
	assert.Len(t, h.spans.Ended(), 3)
	assert.Equal(t, 1, h.logs.FilterMessage("trial state machine out of order").Len())
}

func TestStateMachine_AttributesBudgetBreachToStage(t *testing.T) {
	h := newStateHarness(t, middleware.Budget{MaxCost: 0.01})
	ctx, cancel := h.budget.Start(context.Background())
	defer cancel()

	h.sm.start(ctx)
	h.sm.advance(ctx)
	h.sm.advance(ctx)
	h.budget.Charge("gpt", 100, 100, 0.05)

	var breach *domain.BudgetExceededError
	require.ErrorAs(t, h.budget.Exceeded(ctx), &breach)
	assert.Equal(t, domain.StageJudging, breach.Stage)
	assert.Equal(t, "cost", breach.LimitType)
}

func TestStateMachine_Elapsed(t *testing.T) {
	h := newStateHarness(t, middleware.Budget{})
	h.sm.start(context.Background())
	h.sm.advance(context.Background())

	assert.Positive(t, h.sm.Elapsed())
}
