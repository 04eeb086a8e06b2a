// Package middleware provides cross-cutting concerns for ensemble trials:
// the per-trial budget, its OpenTelemetry observer and the Prometheus
// collector every stage reports to.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ahrav/go-concord/internal/domain"
)

// Budget bounds a single trial. Zero values disable the matching limit.
type Budget struct {
	// MaxCost is the dollar ceiling summed over every backend call.
	MaxCost float64
	// Deadline is the wall-clock limit for the whole trial.
	Deadline time.Duration
}

// Usage is the consumption charged to a trial so far.
type Usage struct {
	Cost      float64
	Calls     int64
	TokensIn  int64
	TokensOut int64
}

// BudgetObserver provides hooks for observing the lifetime of a trial
// budget. PreCheck may return a derived context that PostCheck receives.
type BudgetObserver interface {
	PreCheck(ctx context.Context, budget Budget) context.Context
	PostCheck(ctx context.Context, usage Usage, budget Budget, elapsed time.Duration, err error)
}

// TrialBudget accumulates the cost of one trial and cancels the trial
// context once the deadline passes or the cost ceiling is crossed.
// Charge is safe for concurrent use by fan-out and judge goroutines.
type TrialBudget struct {
	budget   Budget
	observer BudgetObserver
	now      func() time.Time

	mu        sync.Mutex
	usage     Usage
	stage     domain.Stage
	startedAt time.Time
	cancel    context.CancelCauseFunc
	breach    *domain.BudgetExceededError
}

// NewTrialBudget creates a budget. A nil observer is allowed.
func NewTrialBudget(budget Budget, observer BudgetObserver) (*TrialBudget, error) {
	if budget.MaxCost < 0 {
		return nil, fmt.Errorf("trial budget: max_cost cannot be negative, got %.4f", budget.MaxCost)
	}
	if budget.Deadline < 0 {
		return nil, fmt.Errorf("trial budget: deadline cannot be negative, got %s", budget.Deadline)
	}
	return &TrialBudget{
		budget:   budget,
		observer: observer,
		now:      time.Now,
	}, nil
}

// Start arms the budget and returns the context every stage of the trial
// must run under. The returned cancel func releases the context's resources
// and must be called once the trial ends.
func (b *TrialBudget) Start(parent context.Context) (context.Context, context.CancelFunc) {
	if b.observer != nil {
		parent = b.observer.PreCheck(parent, b.budget)
	}

	ctx, cancelCause := context.WithCancelCause(parent)
	stop := func() { cancelCause(context.Canceled) }

	b.mu.Lock()
	b.startedAt = b.now()
	b.cancel = cancelCause
	b.mu.Unlock()

	if b.budget.Deadline > 0 {
		var cancelDeadline context.CancelFunc
		ctx, cancelDeadline = context.WithTimeout(ctx, b.budget.Deadline)
		stop = func() {
			cancelDeadline()
			cancelCause(context.Canceled)
		}
	}
	return ctx, stop
}

// SetStage records the stage later breaches are attributed to.
func (b *TrialBudget) SetStage(stage domain.Stage) {
	b.mu.Lock()
	b.stage = stage
	b.mu.Unlock()
}

// Charge adds the cost of one backend call. When the running total crosses
// MaxCost the trial context is cancelled with a BudgetExceededError cause.
func (b *TrialBudget) Charge(backend string, tokensIn, tokensOut int, cost float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.usage.Calls++
	b.usage.TokensIn += int64(tokensIn)
	b.usage.TokensOut += int64(tokensOut)
	b.usage.Cost += cost

	if b.breach != nil || b.budget.MaxCost <= 0 || b.usage.Cost <= b.budget.MaxCost {
		return
	}
	b.breach = domain.NewBudgetExceededError("cost", b.budget.MaxCost, b.usage.Cost, b.stage)
	if b.cancel != nil {
		b.cancel(b.breach)
	}
}

// Usage returns a snapshot of the consumption so far.
func (b *TrialBudget) Usage() Usage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.usage
}

// Spent returns the dollar cost charged so far.
func (b *TrialBudget) Spent() float64 { return b.Usage().Cost }

// Exceeded reports the breach that ended the trial, if any. ctx must be
// the context returned by Start. A deadline breach is attributed to the
// current stage.
func (b *TrialBudget) Exceeded(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.breach != nil {
		return b.breach
	}
	if b.budget.Deadline > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		b.breach = domain.NewDeadlineExceededError(b.budget.Deadline, b.now().Sub(b.startedAt), b.stage)
		return b.breach
	}
	return nil
}

// Finish reports the final usage to the observer. err is the trial's
// terminal error, nil on success.
func (b *TrialBudget) Finish(ctx context.Context, err error) {
	if b.observer == nil {
		return
	}
	b.mu.Lock()
	usage := b.usage
	elapsed := b.now().Sub(b.startedAt)
	b.mu.Unlock()

	b.observer.PostCheck(ctx, usage, b.budget, elapsed, err)
}

// Budget returns the configured limits.
func (b *TrialBudget) Budget() Budget { return b.budget }
