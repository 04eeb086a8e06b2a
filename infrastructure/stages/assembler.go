package stages

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ahrav/go-concord/infrastructure/llm"
	"github.com/ahrav/go-concord/internal/domain"
	"github.com/ahrav/go-concord/internal/ports"
)

// AssemblyMode selects how consensus sections are joined.
type AssemblyMode string

const (
	// AssemblyStructural concatenates headed sections. It never fails.
	AssemblyStructural AssemblyMode = "structural"
	// AssemblySmoothed asks the assembler backend for connective prose and
	// falls back to structural on any problem.
	AssemblySmoothed AssemblyMode = "smoothed"
)

// ParseAssemblyMode accepts "structural", "smoothed" or "" (structural).
func ParseAssemblyMode(s string) (AssemblyMode, error) {
	switch AssemblyMode(s) {
	case "", AssemblyStructural:
		return AssemblyStructural, nil
	case AssemblySmoothed:
		return AssemblySmoothed, nil
	default:
		return "", fmt.Errorf("%w: unknown assembly mode %q", domain.ErrInvalidConfiguration, s)
	}
}

// SectionSeparator sits between structural sections.
const SectionSeparator = "\n\n---\n\n"

// DefaultAssemblerTimeout bounds the smoothing call.
const DefaultAssemblerTimeout = 60 * time.Second

// Assembly is the final answer text and how it was produced.
type Assembly struct {
	Text string
	// Mode is the mode that produced Text.
	Mode AssemblyMode
	// FellBack is set when smoothed assembly was requested but the
	// structural text was returned.
	FellBack bool
	// Err is the AssemblyFailure that caused the fallback, if any.
	Err error
}

// AssemblerConfig tunes the assembler.
type AssemblerConfig struct {
	Timeout   time.Duration
	MaxTokens int
}

// Assembler joins consensus results into one answer.
type Assembler struct {
	registry ports.BackendRegistry
	config   AssemblerConfig
	stageOptions
}

// NewAssembler creates an assembler. The registry supplies the smoothing
// backend; without one, smoothed mode always falls back.
func NewAssembler(registry ports.BackendRegistry, config AssemblerConfig, opts ...Option) (*Assembler, error) {
	if registry == nil {
		return nil, fmt.Errorf("assembler: backend registry is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultAssemblerTimeout
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = 4 * DefaultGeneratorTokens
	}
	return &Assembler{registry: registry, config: config, stageOptions: applyOptions(opts)}, nil
}

// Sections returns the non-empty results in canonical component order.
func Sections(results []domain.ConsensusResult) []Section {
	sorted := slices.Clone(results)
	slices.SortStableFunc(sorted, func(a, b domain.ConsensusResult) int {
		return a.Component.Index() - b.Component.Index()
	})
	sections := make([]Section, 0, len(sorted))
	for _, r := range sorted {
		if strings.TrimSpace(r.FinalText) == "" {
			continue
		}
		sections = append(sections, Section{Component: r.Component, Title: r.Component.Title(), Text: r.FinalText})
	}
	return sections
}

// Structural renders "## Title\n\ntext" per section joined by
// SectionSeparator.
func Structural(results []domain.ConsensusResult) string {
	sections := Sections(results)
	parts := make([]string, len(sections))
	for i, s := range sections {
		parts[i] = "## " + s.Title + "\n\n" + s.Text
	}
	return strings.Join(parts, SectionSeparator)
}

// Assemble produces the final answer. It never returns an error: smoothed
// failures are reported through Assembly.Err with the structural text.
func (a *Assembler) Assemble(
	ctx context.Context,
	results []domain.ConsensusResult,
	query string,
	mode AssemblyMode,
	observer CostObserver,
) Assembly {
	structural := Assembly{Text: Structural(results), Mode: AssemblyStructural}
	if mode != AssemblySmoothed {
		return structural
	}

	sections := Sections(results)
	if len(sections) == 0 {
		return structural
	}

	fallback := func(reason string, cause error) Assembly {
		structural.FellBack = true
		structural.Err = domain.NewTrialError(domain.ErrorKindAssemblyFailure, domain.StageAssembling, "", reason, cause)
		a.logger.Warn("smoothed assembly rejected, using structural",
			zap.String("reason", reason),
			zap.Error(cause),
		)
		return structural
	}

	assembler, ok := a.registry.Assembler()
	if !ok {
		return fallback("no assembler backend configured", nil)
	}

	system, user, err := AssemblyPrompt(query, sections)
	if err != nil {
		return fallback("prompt rendering failed", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, a.config.Timeout)
	defer cancel()

	completion, err := assembler.Backend.Complete(callCtx, system, user, ports.CompletionOptions{
		MaxTokens: a.config.MaxTokens,
		Timeout:   a.config.Timeout,
	})
	if err != nil {
		kind := classifyFailure(callCtx, err)
		a.recordOutcome(assembler.Name, llm.RoleAssembler, outcomeFor(kind))
		return fallback(fmt.Sprintf("assembler %s failed (%s)", assembler.Name, kind), err)
	}
	charge(observer, a.registry, assembler.Name, completion)
	a.recordOutcome(assembler.Name, llm.RoleAssembler, outcomeSuccess)

	text := strings.TrimSpace(completion.Text)
	if text == "" {
		return fallback("assembler returned empty text", nil)
	}
	// Sections must appear verbatim and in canonical order.
	pos := 0
	for _, s := range sections {
		i := strings.Index(text[pos:], s.Text)
		if i < 0 {
			if strings.Contains(text, s.Text) {
				return fallback(fmt.Sprintf("assembler moved the %s section out of order", s.Component), nil)
			}
			return fallback(fmt.Sprintf("assembler altered the %s section", s.Component), nil)
		}
		pos += i + len(s.Text)
	}

	return Assembly{Text: text, Mode: AssemblySmoothed}
}
