package application

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ahrav/go-concord/infrastructure/middleware"
	"github.com/ahrav/go-concord/internal/domain"
	"github.com/ahrav/go-concord/internal/ports"
)

// ErrInvalidTransition is returned for a transition the trial state
// machine does not allow.
var ErrInvalidTransition = errors.New("invalid trial state transition")

// successor maps each non-terminal stage to the stage that follows it on
// the happy path. Failed is reachable from every non-terminal stage.
var successor = map[domain.Stage]domain.Stage{
	domain.StageRetrieving:        domain.StageGenerating,
	domain.StageGenerating:        domain.StageJudging,
	domain.StageJudging:           domain.StageBuildingConsensus,
	domain.StageBuildingConsensus: domain.StageAssembling,
	domain.StageAssembling:        domain.StageVerifying,
	domain.StageVerifying:         domain.StageRecording,
	domain.StageRecording:         domain.StageDone,
}

// CanTransition reports whether the trial state machine allows from → to.
func CanTransition(from, to domain.Stage) bool {
	if from.Terminal() {
		return false
	}
	return to == domain.StageFailed || successor[from] == to
}

// StageTiming is the time a trial spent in one stage.
type StageTiming struct {
	Stage    domain.Stage
	Duration time.Duration
}

// stateMachine drives one trial through its stages. Every transition
// closes the previous stage span, records its latency, and logs it. It is
// only touched by the goroutine running the trial.
type stateMachine struct {
	trialID string
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics ports.MetricsCollector
	budget  *middleware.TrialBudget
	now     func() time.Time

	current   domain.Stage
	startedAt time.Time
	enteredAt time.Time
	span      trace.Span
	history   []StageTiming
}

func newStateMachine(
	trialID string,
	logger *zap.Logger,
	tracer trace.Tracer,
	metrics ports.MetricsCollector,
	budget *middleware.TrialBudget,
	now func() time.Time,
) *stateMachine {
	return &stateMachine{
		trialID: trialID,
		logger:  logger.With(zap.String("trial_id", trialID)),
		tracer:  tracer,
		metrics: metrics,
		budget:  budget,
		now:     now,
	}
}

// start enters the first stage and returns the context the stage runs in.
func (m *stateMachine) start(ctx context.Context) context.Context {
	m.startedAt = m.now()
	return m.enter(ctx, domain.StageRetrieving, "")
}

// advance moves to the happy-path successor of the current stage and
// returns the context the new stage runs in.
func (m *stateMachine) advance(ctx context.Context) context.Context {
	next, err := m.transition(ctx, successor[m.current], nil)
	if err != nil {
		// The stage order in Orchestrator.execute is fixed.
		m.logger.DPanic("trial state machine out of order", zap.Error(err))
		return ctx
	}
	return next
}

// fail moves to the terminal Failed state, recording cause on the closing
// stage span.
func (m *stateMachine) fail(ctx context.Context, cause error) context.Context {
	next, err := m.transition(ctx, domain.StageFailed, cause)
	if err != nil {
		// Already terminal.
		return ctx
	}
	return next
}

func (m *stateMachine) transition(ctx context.Context, to domain.Stage, cause error) (context.Context, error) {
	if !CanTransition(m.current, to) {
		return ctx, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.current, to)
	}
	from := m.current
	elapsed := m.closeStage(cause)
	return m.enter(ctx, to, from, zap.Int64("elapsed_ms", elapsed.Milliseconds())), nil
}

func (m *stateMachine) enter(ctx context.Context, to, from domain.Stage, fields ...zap.Field) context.Context {
	m.current = to
	m.enteredAt = m.now()
	if m.budget != nil {
		m.budget.SetStage(to)
	}

	fields = append(fields,
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	if to == domain.StageFailed {
		m.logger.Warn("trial state transition", fields...)
	} else {
		m.logger.Info("trial state transition", fields...)
	}

	if to.Terminal() {
		m.span = nil
		return ctx
	}
	stageCtx, span := m.tracer.Start(ctx, "concord.stage."+strings.ToLower(string(to)),
		trace.WithAttributes(
			attribute.String("trial.id", m.trialID),
			attribute.String("trial.stage", string(to)),
		),
	)
	m.span = span
	return stageCtx
}

// closeStage ends the current stage span and reports its latency.
func (m *stateMachine) closeStage(cause error) time.Duration {
	elapsed := m.now().Sub(m.enteredAt)
	m.history = append(m.history, StageTiming{Stage: m.current, Duration: elapsed})

	if m.metrics != nil {
		m.metrics.RecordLatency(middleware.MetricStageDuration, elapsed, map[string]string{"stage": string(m.current)})
	}
	if m.span != nil {
		m.span.SetAttributes(attribute.Int64("stage.elapsed_ms", elapsed.Milliseconds()))
		if cause != nil {
			m.span.RecordError(cause)
			m.span.SetStatus(codes.Error, cause.Error())
		} else {
			m.span.SetStatus(codes.Ok, "")
		}
		m.span.End()
		m.span = nil
	}
	return elapsed
}

// Stage returns the current stage.
func (m *stateMachine) Stage() domain.Stage { return m.current }

// Elapsed is the time since the trial entered its first stage.
func (m *stateMachine) Elapsed() time.Duration { return m.now().Sub(m.startedAt) }

// History returns the completed stage timings in order.
func (m *stateMachine) History() []StageTiming { return m.history }
