package middleware

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/go-concord/internal/domain"
	"github.com/ahrav/go-concord/internal/ports"
)

var _ BudgetObserver = (*OTelBudgetObserver)(nil)

// Metric names emitted by OTelBudgetObserver.
const (
	MetricTrialCost      = "trial_cost"
	MetricBudgetExceeded = "budget_exceeded_total"
)

// Cost thresholds, as a fraction of MaxCost, that add span events.
const (
	costWarningThreshold  = 0.8
	costCriticalThreshold = 0.9
)

// OTelBudgetObserver wraps each trial budget in an OpenTelemetry span and
// reports the final cost to a metrics collector. It keeps no per-trial
// state, so one observer serves concurrent trials.
type OTelBudgetObserver struct {
	metrics ports.MetricsCollector
	tracer  trace.Tracer
}

// NewOTelBudgetObserver creates an observer on the global tracer provider.
// metrics may be nil.
func NewOTelBudgetObserver(metrics ports.MetricsCollector) *OTelBudgetObserver {
	return NewOTelBudgetObserverWithProvider(metrics, otel.GetTracerProvider())
}

// NewOTelBudgetObserverWithProvider creates an observer on tp.
func NewOTelBudgetObserverWithProvider(metrics ports.MetricsCollector, tp trace.TracerProvider) *OTelBudgetObserver {
	return &OTelBudgetObserver{
		metrics: metrics,
		tracer:  tp.Tracer("github.com/ahrav/go-concord/budget"),
	}
}

// PreCheck starts the trial.budget span and returns a context carrying it.
func (o *OTelBudgetObserver) PreCheck(ctx context.Context, budget Budget) context.Context {
	ctx, span := o.tracer.Start(ctx, "trial.budget")
	span.SetAttributes(
		attribute.String("budget.limit", budgetLimitLabel(budget)),
		attribute.Float64("budget.max_cost", budget.MaxCost),
		attribute.Int64("budget.deadline_ms", budget.Deadline.Milliseconds()),
	)
	return ctx
}

// PostCheck finalizes the span started by PreCheck and records the trial
// cost.
func (o *OTelBudgetObserver) PostCheck(
	ctx context.Context,
	usage Usage,
	budget Budget,
	elapsed time.Duration,
	err error,
) {
	span := trace.SpanFromContext(ctx)
	defer span.End()

	span.SetAttributes(
		attribute.Float64("budget.cost_spent", usage.Cost),
		attribute.Int64("budget.calls_made", usage.Calls),
		attribute.Int64("budget.tokens_in", usage.TokensIn),
		attribute.Int64("budget.tokens_out", usage.TokensOut),
		attribute.Int64("budget.elapsed_ms", elapsed.Milliseconds()),
	)
	if budget.MaxCost > 0 {
		span.SetAttributes(attribute.Float64("budget.remaining_cost", budget.MaxCost-usage.Cost))
	}
	o.checkCostThresholds(span, usage, budget)

	labels := map[string]string{"budget_limit": budgetLimitLabel(budget)}
	if o.metrics != nil {
		o.metrics.RecordHistogram(MetricTrialCost, usage.Cost, labels)
	}

	var budgetErr *domain.BudgetExceededError
	switch {
	case errors.As(err, &budgetErr):
		span.AddEvent("budget.exceeded", trace.WithAttributes(
			attribute.String("limit_type", budgetErr.LimitType),
			attribute.Float64("limit_value", budgetErr.Limit),
			attribute.Float64("used_value", budgetErr.Used),
			attribute.String("stage", string(budgetErr.Stage)),
		))
		span.SetStatus(codes.Error, "budget limit exceeded")
		if o.metrics != nil {
			labels["limit_type"] = budgetErr.LimitType
			o.metrics.RecordCounter(MetricBudgetExceeded, 1, labels)
		}
	case err != nil:
		span.SetStatus(codes.Error, err.Error())
	default:
		span.SetStatus(codes.Ok, "")
	}
}

func (o *OTelBudgetObserver) checkCostThresholds(span trace.Span, usage Usage, budget Budget) {
	if budget.MaxCost <= 0 {
		return
	}
	fraction := usage.Cost / budget.MaxCost
	var event string
	switch {
	case fraction >= costCriticalThreshold:
		event = "budget.threshold.critical"
	case fraction >= costWarningThreshold:
		event = "budget.threshold.warning"
	default:
		return
	}
	span.AddEvent(event, trace.WithAttributes(
		attribute.String("resource_type", "cost"),
		attribute.Float64("usage_percentage", fraction*100),
	))
}

func budgetLimitLabel(budget Budget) string {
	switch {
	case budget.MaxCost > 0 && budget.Deadline > 0:
		return "cost_and_deadline"
	case budget.MaxCost > 0:
		return "cost_only"
	case budget.Deadline > 0:
		return "deadline_only"
	default:
		return "unlimited"
	}
}
