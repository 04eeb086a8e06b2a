package stages

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/go-concord/infrastructure/llm"
	"github.com/ahrav/go-concord/internal/domain"
	"github.com/ahrav/go-concord/internal/ports"
)

// Fan-out defaults.
const (
	DefaultPerBackendTimeout = 45 * time.Second
	DefaultMaxConcurrency    = 8
	DefaultGeneratorTokens   = 2048
)

// FanOutConfig tunes the generation fan-out.
type FanOutConfig struct {
	// PerBackendTimeout bounds each generator call independently.
	PerBackendTimeout time.Duration
	// MaxConcurrency caps in-flight generator calls.
	MaxConcurrency int
	// Temperature is passed to every generator when non-nil.
	Temperature *float64
	// MaxTokens caps each candidate's length.
	MaxTokens int
}

func (c FanOutConfig) withDefaults() FanOutConfig {
	if c.PerBackendTimeout <= 0 {
		c.PerBackendTimeout = DefaultPerBackendTimeout
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = DefaultMaxConcurrency
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultGeneratorTokens
	}
	return c
}

// FanOut sends one prompt to every generator in parallel.
type FanOut struct {
	registry ports.BackendRegistry
	config   FanOutConfig
	stageOptions
}

// NewFanOut creates a fan-out over the registry's generators.
func NewFanOut(registry ports.BackendRegistry, config FanOutConfig, opts ...Option) (*FanOut, error) {
	if registry == nil {
		return nil, fmt.Errorf("fan-out: backend registry is required")
	}
	return &FanOut{
		registry:     registry,
		config:       config.withDefaults(),
		stageOptions: applyOptions(opts),
	}, nil
}

// Generate sends the byte-identical system and user prompt to every
// generator and returns one CandidateAnswer per generator, keyed by name.
// A slow or failing generator never cancels its siblings. When no
// candidate succeeds the map is returned with a NoGenerators error.
// observer may be nil.
func (f *FanOut) Generate(
	ctx context.Context,
	query, contextBlob string,
	observer CostObserver,
) (map[string]domain.CandidateAnswer, error) {
	generators := f.registry.Generators()
	if len(generators) == 0 {
		return map[string]domain.CandidateAnswer{}, domain.NewTrialError(
			domain.ErrorKindNoGenerators, domain.StageGenerating, "", "no generator backends configured", nil)
	}

	system, user, err := GenerationPrompt(query, contextBlob)
	if err != nil {
		return nil, fmt.Errorf("fan-out: %w", err)
	}

	opts := ports.CompletionOptions{
		Temperature: f.config.Temperature,
		MaxTokens:   f.config.MaxTokens,
		Timeout:     f.config.PerBackendTimeout,
	}

	candidates := make(map[string]domain.CandidateAnswer, len(generators))
	var mu sync.Mutex

	// The group context is never cancelled by a member: every goroutine
	// returns nil and reports failure through its CandidateAnswer.
	var g errgroup.Group
	g.SetLimit(f.config.MaxConcurrency)

	for _, gen := range generators {
		g.Go(func() error {
			candidate := f.generateOne(ctx, gen, system, user, opts, observer)
			mu.Lock()
			candidates[gen.Name] = candidate
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	succeeded := 0
	for _, c := range candidates {
		if c.Success {
			succeeded++
		}
	}
	f.logger.Info("generation fan-out finished",
		zap.Int("generators", len(generators)),
		zap.Int("succeeded", succeeded),
	)

	if succeeded == 0 {
		return candidates, domain.NewTrialError(domain.ErrorKindNoGenerators, domain.StageGenerating, "",
			fmt.Sprintf("all %d generators failed", len(generators)), nil)
	}
	return candidates, nil
}

func (f *FanOut) generateOne(
	ctx context.Context,
	gen ports.NamedBackend,
	system, user string,
	opts ports.CompletionOptions,
	observer CostObserver,
) domain.CandidateAnswer {
	callCtx, cancel := context.WithTimeout(ctx, f.config.PerBackendTimeout)
	defer cancel()

	start := time.Now()
	completion, err := gen.Backend.Complete(callCtx, system, user, opts)
	latency := time.Since(start)

	candidate := domain.CandidateAnswer{Backend: gen.Name, Latency: latency}

	if err == nil && strings.TrimSpace(completion.Text) == "" {
		err = fmt.Errorf("%w: empty completion", domain.ErrBackendError)
	}
	if err != nil {
		kind := classifyFailure(callCtx, err)
		candidate.Err = domain.NewTrialError(kind, domain.StageGenerating, gen.Name, "generator call failed", err)
		f.recordOutcome(gen.Name, llm.RoleGenerator, outcomeFor(kind))
		f.logger.Warn("generator failed",
			zap.String("backend", gen.Name),
			zap.String("kind", kind.String()),
			zap.Duration("latency", latency),
			zap.Error(err),
		)
		return candidate
	}

	candidate.Success = true
	candidate.Text = completion.Text
	candidate.TokensIn = completion.TokensIn
	candidate.TokensOut = completion.TokensOut
	candidate.Cost = charge(observer, f.registry, gen.Name, completion)
	f.recordOutcome(gen.Name, llm.RoleGenerator, outcomeSuccess)
	f.logger.Debug("generator succeeded",
		zap.String("backend", gen.Name),
		zap.Duration("latency", latency),
		zap.Int("tokens_out", completion.TokensOut),
	)
	return candidate
}
