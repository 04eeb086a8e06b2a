package stages

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/go-concord/infrastructure/llm"
	"github.com/ahrav/go-concord/internal/domain"
	"github.com/ahrav/go-concord/internal/ports"
)

// Judge defaults.
const (
	DefaultJudgeTimeout   = 60 * time.Second
	DefaultJudgeMaxTokens = 1024
)

// JudgeConfig tunes the judge panel.
type JudgeConfig struct {
	// Timeout bounds each (judge, component) call.
	Timeout time.Duration
	// MaxConcurrency caps in-flight component calls per judge.
	MaxConcurrency int
	// Temperature for judge calls. Zero keeps scoring repeatable.
	Temperature float64
	// MaxTokens caps each judge reply.
	MaxTokens int
}

func (c JudgeConfig) withDefaults() JudgeConfig {
	if c.Timeout <= 0 {
		c.Timeout = DefaultJudgeTimeout
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = DefaultMaxConcurrency
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultJudgeMaxTokens
	}
	return c
}

// JudgePanel asks judge backends for one verdict per component.
type JudgePanel struct {
	registry ports.BackendRegistry
	config   JudgeConfig
	stageOptions
}

// NewJudgePanel creates a panel. The registry prices judge calls.
func NewJudgePanel(registry ports.BackendRegistry, config JudgeConfig, opts ...Option) (*JudgePanel, error) {
	if registry == nil {
		return nil, fmt.Errorf("judge panel: backend registry is required")
	}
	return &JudgePanel{
		registry:     registry,
		config:       config.withDefaults(),
		stageOptions: applyOptions(opts),
	}, nil
}

// Judge returns exactly one verdict per component for a single judge.
// candidates must be the successful answers in registration order; the
// first one is the default winner of synthetic verdicts. Unparseable
// replies and failed calls become synthetic verdicts. If every call
// fails at the transport level the judge is considered down and Judge
// returns no verdicts and the error.
func (p *JudgePanel) Judge(
	ctx context.Context,
	judge ports.NamedBackend,
	query string,
	candidates []domain.CandidateAnswer,
	observer CostObserver,
) ([]domain.ComponentVerdict, error) {
	if len(candidates) == 0 {
		return nil, fmt.Errorf("judge %s: no candidate answers to evaluate", judge.Name)
	}
	defaultWinner := candidates[0].Backend

	components := domain.AllComponents()
	verdicts := make([]domain.ComponentVerdict, len(components))
	callErrs := make([]error, len(components))

	var g errgroup.Group
	g.SetLimit(p.config.MaxConcurrency)

	for i, component := range components {
		g.Go(func() error {
			verdicts[i], callErrs[i] = p.judgeComponent(ctx, judge, query, component, candidates, defaultWinner, observer)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	var firstErr error
	for _, err := range callErrs {
		if err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if failed == len(components) {
		p.logger.Warn("judge unavailable for every component",
			zap.String("judge", judge.Name),
			zap.Error(firstErr),
		)
		return nil, firstErr
	}
	return verdicts, nil
}

// judgeComponent returns the verdict for one component. The error is
// non-nil only when the backend call failed; the verdict is then synthetic.
func (p *JudgePanel) judgeComponent(
	ctx context.Context,
	judge ports.NamedBackend,
	query string,
	component domain.Component,
	candidates []domain.CandidateAnswer,
	defaultWinner string,
	observer CostObserver,
) (domain.ComponentVerdict, error) {
	system, user, err := JudgePrompt(query, component, candidates)
	if err != nil {
		return SyntheticVerdict(judge.Name, component, defaultWinner, domain.ErrorKindParseFailure, err.Error()), nil
	}

	callCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	temperature := p.config.Temperature
	completion, err := judge.Backend.Complete(callCtx, system, user, ports.CompletionOptions{
		Temperature: &temperature,
		MaxTokens:   p.config.MaxTokens,
		Timeout:     p.config.Timeout,
		JSON:        true,
	})
	if err != nil {
		kind := classifyFailure(callCtx, err)
		p.recordOutcome(judge.Name, llm.RoleJudge, outcomeFor(kind))
		p.logger.Warn("judge call failed",
			zap.String("judge", judge.Name),
			zap.String("component", string(component)),
			zap.String("kind", kind.String()),
			zap.Error(err),
		)
		trialErr := domain.NewTrialError(kind, domain.StageJudging, judge.Name, "judge call failed", err)
		return SyntheticVerdict(judge.Name, component, defaultWinner, kind, err.Error()), trialErr
	}

	charge(observer, p.registry, judge.Name, completion)
	p.recordOutcome(judge.Name, llm.RoleJudge, outcomeSuccess)

	result := ParseVerdict(completion.Text, judge.Name, component, candidates)
	if !result.OK() {
		p.logger.Info("judge reply rejected, using synthetic verdict",
			zap.String("judge", judge.Name),
			zap.String("component", string(component)),
			zap.String("reason", result.Failure.Reason),
		)
		return SyntheticVerdict(judge.Name, component, defaultWinner, domain.ErrorKindParseFailure, result.Failure.Reason), nil
	}
	return result.Verdict, nil
}

// JudgeAll runs every judge concurrently and returns the verdicts keyed by
// judge name. A judge that is down contributes an empty verdict list. When
// no judge is configured, or none produced a verdict, the error wraps
// ErrNoJudges.
func (p *JudgePanel) JudgeAll(
	ctx context.Context,
	judges []ports.NamedBackend,
	query string,
	candidates []domain.CandidateAnswer,
	observer CostObserver,
) (map[string][]domain.ComponentVerdict, error) {
	out := make(map[string][]domain.ComponentVerdict, len(judges))
	if len(judges) == 0 {
		return out, domain.NewTrialError(domain.ErrorKindNoJudges, domain.StageJudging, "", "no judge backends configured", nil)
	}

	var mu sync.Mutex
	var g errgroup.Group
	for _, judge := range judges {
		g.Go(func() error {
			verdicts, err := p.Judge(ctx, judge, query, candidates, observer)
			if err != nil {
				verdicts = []domain.ComponentVerdict{}
			}
			mu.Lock()
			out[judge.Name] = verdicts
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for _, verdicts := range out {
		if len(verdicts) > 0 {
			return out, nil
		}
	}
	return out, domain.NewTrialError(domain.ErrorKindNoJudges, domain.StageJudging, "",
		fmt.Sprintf("all %d judges failed", len(judges)), nil)
}
