// Package stages implements the backend-facing steps of a trial: the
// generation fan-out, per-component judging and response assembly.
//
// Each stage isolates backend failures. A failed call is captured in the
// stage's result, classified as a timeout or an error, and never cancels
// sibling calls.
package stages

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/ahrav/go-concord/infrastructure/llm"
	"github.com/ahrav/go-concord/infrastructure/middleware"
	"github.com/ahrav/go-concord/internal/domain"
	"github.com/ahrav/go-concord/internal/ports"
)

// CostObserver is charged with every completed backend call.
// *middleware.TrialBudget satisfies it.
type CostObserver interface {
	Charge(backend string, tokensIn, tokensOut int, cost float64)
}

var _ CostObserver = (*middleware.TrialBudget)(nil)

// Option configures a stage.
type Option func(*stageOptions)

type stageOptions struct {
	logger  *zap.Logger
	metrics ports.MetricsCollector
}

// WithLogger sets the stage logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(o *stageOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics reports each backend call outcome to collector.
func WithMetrics(collector ports.MetricsCollector) Option {
	return func(o *stageOptions) { o.metrics = collector }
}

func applyOptions(opts []Option) stageOptions {
	o := stageOptions{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Outcome labels for backend calls.
const (
	outcomeSuccess = "success"
	outcomeTimeout = "timeout"
	outcomeError   = "error"
)

func (o stageOptions) recordOutcome(backend string, role llm.Role, outcome string) {
	if o.metrics == nil {
		return
	}
	o.metrics.RecordCounter(middleware.MetricBackendOutcome, 1, map[string]string{
		"backend": backend,
		"role":    string(role),
		"outcome": outcome,
	})
}

// classifyFailure maps a failed call onto the error taxonomy. callCtx is
// the context the call ran under: a rate limiter that gives up because
// the deadline is too close reports its own error, so the context state
// is checked as well as the error chain.
func classifyFailure(callCtx context.Context, err error) domain.ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) || llm.IsTimeout(err) ||
		errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return domain.ErrorKindBackendTimeout
	}
	return domain.ErrorKindBackendError
}

func outcomeFor(kind domain.ErrorKind) string {
	if kind == domain.ErrorKindBackendTimeout {
		return outcomeTimeout
	}
	return outcomeError
}

func charge(observer CostObserver, registry ports.BackendRegistry, backend string, c ports.Completion) float64 {
	cost := registry.CostModel(backend).Estimate(c.TokensIn, c.TokensOut)
	if observer != nil {
		observer.Charge(backend, c.TokensIn, c.TokensOut, cost)
	}
	return cost
}
