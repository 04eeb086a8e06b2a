package application

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ahrav/go-concord/infrastructure/middleware"
	"github.com/ahrav/go-concord/infrastructure/stages"
	"github.com/ahrav/go-concord/internal/domain"
	"github.com/ahrav/go-concord/internal/ports"
)

const tracerName = "github.com/ahrav/go-concord/internal/application"

// DefaultRecordTimeout bounds the final Record call. It runs detached from
// the trial context so a partial record survives a budget breach.
const DefaultRecordTimeout = 10 * time.Second

// Dependencies are the collaborators an Orchestrator is built from. Only
// Registry is required.
type Dependencies struct {
	Registry ports.BackendRegistry
	// Context supplies retrieval context. Nil runs every trial without one.
	Context ports.ContextSupplier
	// Recorder persists trial records. Nil skips recording.
	Recorder ports.TrialRecorder
	Metrics  ports.MetricsCollector
	Logger   *zap.Logger
	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
	// BudgetObserver watches each trial budget, e.g. an OTelBudgetObserver.
	BudgetObserver middleware.BudgetObserver
	// NewID generates trial IDs; defaults to random UUIDs.
	NewID func() string
	// Now defaults to time.Now.
	Now func() time.Time
}

// Orchestrator runs trials: one query through retrieval, generation,
// judging, consensus, assembly, verification and recording.
// It is safe for concurrent trials.
type Orchestrator struct {
	deps      Dependencies
	config    EnsembleConfig
	mode      stages.AssemblyMode
	logger    *zap.Logger
	tracer    trace.Tracer
	fanOut    *stages.FanOut
	panel     *stages.JudgePanel
	assembler *stages.Assembler
}

// NewOrchestrator wires the stages from deps and config.
func NewOrchestrator(deps Dependencies, config EnsembleConfig) (*Orchestrator, error) {
	if deps.Registry == nil {
		return nil, fmt.Errorf("%w: orchestrator requires a backend registry", domain.ErrInvalidConfiguration)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.TracerProvider == nil {
		deps.TracerProvider = otel.GetTracerProvider()
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if config.RecordTimeout <= 0 {
		config.RecordTimeout = DefaultRecordTimeout
	}

	mode, err := stages.ParseAssemblyMode(config.AssemblyMode)
	if err != nil {
		return nil, err
	}
	if _, err := middleware.NewTrialBudget(config.Budget.toBudget(), nil); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidConfiguration, err)
	}

	opts := []stages.Option{stages.WithLogger(deps.Logger)}
	if deps.Metrics != nil {
		opts = append(opts, stages.WithMetrics(deps.Metrics))
	}

	fanOut, err := stages.NewFanOut(deps.Registry, stages.FanOutConfig{
		PerBackendTimeout: config.PerBackendTimeout,
		MaxConcurrency:    config.MaxConcurrency,
		Temperature:       config.Temperature,
		MaxTokens:         config.MaxTokens,
	}, opts...)
	if err != nil {
		return nil, err
	}
	panel, err := stages.NewJudgePanel(deps.Registry, stages.JudgeConfig{
		Timeout:        config.JudgeTimeout,
		MaxConcurrency: config.MaxConcurrency,
	}, opts...)
	if err != nil {
		return nil, err
	}
	assembler, err := stages.NewAssembler(deps.Registry, stages.AssemblerConfig{
		Timeout: config.AssemblerTimeout,
	}, opts...)
	if err != nil {
		return nil, err
	}

	return &Orchestrator{
		deps:      deps,
		config:    config,
		mode:      mode,
		logger:    deps.Logger,
		tracer:    deps.TracerProvider.Tracer(tracerName),
		fanOut:    fanOut,
		panel:     panel,
		assembler: assembler,
	}, nil
}

// trialRun holds the working state of one trial.
type trialRun struct {
	trial      domain.Trial
	record     domain.TrialRecord
	candidates map[string]domain.CandidateAnswer
	verdicts   map[string][]domain.ComponentVerdict
	results    []domain.ConsensusResult
	assembly   stages.Assembly
	report     *domain.QualityReport
	budget     *middleware.TrialBudget
	warnings   []string
	// fallback is the generator whose answer stood in for consensus.
	fallback string
}

func (r *trialRun) warn(format string, args ...any) {
	r.warnings = append(r.warnings, fmt.Sprintf(format, args...))
}

// Run executes one trial.
//
// Only a fatal condition is returned as an error: NoGenerators, a budget
// breach, or cancellation of ctx. Even then the best-effort output and the
// partial record are returned, and the record has been persisted. Every
// other failure degrades into the output diagnostics.
func (o *Orchestrator) Run(ctx context.Context, query string) (domain.TrialOutput, domain.TrialRecord, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		verr := domain.NewValidationError("query")
		verr.AddError("query must contain non-whitespace text")
		return domain.TrialOutput{}, domain.TrialRecord{}, fmt.Errorf("%w: %w", domain.ErrEmptyQuery, verr)
	}

	run := &trialRun{
		trial: domain.Trial{ID: o.deps.NewID(), Query: query, StartedAt: o.deps.Now()},
	}
	run.record = domain.TrialRecord{
		TrialID:   run.trial.ID,
		Query:     query,
		Timestamp: run.trial.StartedAt.UTC().Format(time.RFC3339),
	}
	budget, err := middleware.NewTrialBudget(o.config.Budget.toBudget(), o.deps.BudgetObserver)
	if err != nil {
		return domain.TrialOutput{}, domain.TrialRecord{}, err
	}
	run.budget = budget
	trialCtx, cancel := budget.Start(ctx)
	defer cancel()

	trialCtx, span := o.tracer.Start(trialCtx, "concord.trial",
		trace.WithAttributes(attribute.String("trial.id", run.trial.ID)))
	defer span.End()

	sm := newStateMachine(run.trial.ID, o.logger, o.tracer, o.deps.Metrics, budget, o.deps.Now)
	logger := sm.logger
	runErr := o.execute(trialCtx, sm, run)

	run.trial.EndedAt = o.deps.Now()
	run.trial.CostEstimate = budget.Spent()
	if run.report != nil {
		run.trial.QualityPassed = run.report.Passed
	}
	budget.Finish(trialCtx, runErr)

	output := o.output(run, sm)
	quality := "unknown"
	if run.report != nil {
		quality = map[bool]string{true: "passed", false: "failed"}[run.report.Passed]
	}
	if o.deps.Metrics != nil {
		o.deps.Metrics.RecordCounter(middleware.MetricTrials, 1, map[string]string{
			"state": string(sm.Stage()), "quality": quality,
		})
	}

	span.SetAttributes(
		attribute.String("trial.state", string(sm.Stage())),
		attribute.Float64("trial.cost", run.trial.CostEstimate),
		attribute.Bool("trial.quality_passed", run.trial.QualityPassed),
	)
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		logger.Error("trial failed",
			zap.String("state", string(sm.Stage())),
			zap.Int64("elapsed_ms", sm.Elapsed().Milliseconds()),
			zap.Error(runErr),
		)
	} else {
		span.SetStatus(codes.Ok, "")
		logger.Info("trial completed",
			zap.Int64("elapsed_ms", sm.Elapsed().Milliseconds()),
			zap.Float64("cost", run.trial.CostEstimate),
			zap.Bool("quality_passed", run.trial.QualityPassed),
		)
	}
	return output, run.record, runErr
}

// execute walks the state machine. It returns the fatal error, if any,
// after the partial record has been written.
func (o *Orchestrator) execute(ctx context.Context, sm *stateMachine, run *trialRun) error {
	budget := run.budget
	stageCtx := sm.start(ctx)

	// Retrieving
	if o.deps.Context != nil {
		rc, err := o.deps.Context.GetContext(stageCtx, run.trial.Query)
		if err != nil {
			sm.logger.Warn("context retrieval failed, continuing without context", zap.Error(err))
			run.warn("context retrieval failed: %v", err)
		} else {
			run.trial.Context = rc
		}
	}
	run.record.Intent = run.trial.Context.Intent
	run.record.ContextSnippets = run.trial.Context.Snippets
	if err := o.checkpoint(ctx, budget); err != nil {
		return o.abort(ctx, sm, run, err)
	}

	// Generating
	stageCtx = sm.advance(ctx)
	candidates, genErr := o.fanOut.Generate(stageCtx, run.trial.Query, run.trial.Context.Blob, budget)
	run.candidates = candidates
	run.record.CandidateAnswers = domain.NewCandidateRecords(candidates)
	if err := o.checkpoint(ctx, budget); err != nil {
		return o.abort(ctx, sm, run, err)
	}
	if genErr != nil {
		return o.abort(ctx, sm, run, genErr)
	}
	generatorOrder := backendNames(o.deps.Registry.Generators())
	successful := domain.SuccessfulCandidates(candidates, generatorOrder)

	// Judging
	stageCtx = sm.advance(ctx)
	verdicts, judgeErr := o.panel.JudgeAll(stageCtx, o.deps.Registry.Judges(), run.trial.Query, successful, budget)
	run.verdicts = verdicts
	run.record.ComponentVerdicts = verdicts
	if err := o.checkpoint(ctx, budget); err != nil {
		return o.abort(ctx, sm, run, err)
	}
	if judgeErr != nil {
		sm.logger.Warn("no judge verdicts, every component will be missing", zap.Error(judgeErr))
		run.warn("%v", judgeErr)
	}

	// BuildingConsensus
	sm.advance(ctx)
	run.results = BuildConsensus(verdicts, generatorOrder)
	run.record.ConsensusResults = run.results
	for _, r := range run.results {
		if o.deps.Metrics != nil {
			o.deps.Metrics.RecordCounter(middleware.MetricConsensus, 1, map[string]string{
				"component": string(r.Component), "kind": string(r.Kind),
			})
		}
		sm.logger.Debug("component resolved",
			zap.String("component", string(r.Component)),
			zap.String("kind", string(r.Kind)),
			zap.String("backend", r.Winner),
		)
	}

	// Assembling
	stageCtx = sm.advance(ctx)
	run.assembly = o.assembler.Assemble(stageCtx, run.results, run.trial.Query, o.mode, budget)
	run.record.FinalText = run.assembly.Text
	run.record.AssemblyMode = string(run.assembly.Mode)
	if run.assembly.Err != nil {
		run.warn("%v", run.assembly.Err)
	}
	o.fallbackToCandidate(sm, run)
	if err := o.checkpoint(ctx, budget); err != nil {
		return o.abort(ctx, sm, run, err)
	}

	// Verifying
	sm.advance(ctx)
	report := Verify(run.record.FinalText, candidates, run.results, run.trial.Context.Snippets, o.config.Verifier)
	if run.fallback != "" {
		report.Passed = false
		report.Violations = append(report.Violations, domain.QualityViolation{
			Check:  CheckCompleteness,
			Reason: "no section reached consensus; the answer is a single unreconciled candidate",
		})
	}
	run.report = &report
	run.record.QualityReport = run.report
	if !report.Passed {
		qerr := domain.NewTrialError(domain.ErrorKindQualityCheckFailed, domain.StageVerifying, "",
			strings.Join(report.Reasons(), "; "), nil)
		sm.logger.Warn("quality checks failed", zap.Error(qerr))
	}

	// Recording
	stageCtx = sm.advance(ctx)
	run.record.State = domain.StageDone
	o.finishRecord(run, sm)
	o.persist(stageCtx, sm, run)

	sm.advance(ctx)
	return nil
}

// checkpoint reports a budget breach or caller cancellation observed at a
// stage boundary.
func (o *Orchestrator) checkpoint(ctx context.Context, budget *middleware.TrialBudget) error {
	if breach := budget.Exceeded(ctx); breach != nil {
		return breach
	}
	if err := ctx.Err(); err != nil {
		return context.Cause(ctx)
	}
	return nil
}

// abort moves the trial to Failed, fills what can still be salvaged and
// writes the partial record. It returns err classified as a TrialError.
func (o *Orchestrator) abort(ctx context.Context, sm *stateMachine, run *trialRun, err error) error {
	stage := sm.Stage()
	var trialErr *domain.TrialError
	if !errors.As(err, &trialErr) {
		kind := domain.ErrorKindUnknown
		if errors.Is(err, domain.ErrBudgetExceeded) {
			kind = domain.ErrorKindBudgetExceeded
		}
		trialErr = domain.NewTrialError(kind, stage, "", "trial aborted", err)
	}

	sm.fail(ctx, trialErr)

	// A best-effort answer from whatever consensus exists, else from the
	// candidates.
	if run.results != nil && run.record.FinalText == "" {
		run.record.FinalText = stages.Structural(run.results)
	}
	o.fallbackToCandidate(sm, run)
	run.record.State = domain.StageFailed
	run.record.FailureKind = trialErr.Kind
	run.record.FailureReason = trialErr.Error()
	if trialErr.Kind == domain.ErrorKindBudgetExceeded {
		sm.logger.Warn("trial budget exceeded", zap.String("state", string(stage)), zap.Error(err))
	}
	o.finishRecord(run, sm)
	o.persist(ctx, sm, run)
	return trialErr
}

// fallbackToCandidate fills an empty final answer with the text of the
// first-registered successful generator.
func (o *Orchestrator) fallbackToCandidate(sm *stateMachine, run *trialRun) {
	if strings.TrimSpace(run.record.FinalText) != "" {
		return
	}
	successful := domain.SuccessfulCandidates(run.candidates, backendNames(o.deps.Registry.Generators()))
	if len(successful) == 0 {
		return
	}
	pick := successful[0]
	run.record.FinalText = pick.Text
	run.fallback = pick.Backend
	sm.logger.Warn("no consensus text, returning a single candidate", zap.String("backend", pick.Backend))
	run.warn("no consensus text; returned the answer of %s unreconciled", pick.Backend)
}

func (o *Orchestrator) finishRecord(run *trialRun, sm *stateMachine) {
	run.record.ProcessingTimeMs = sm.Elapsed().Milliseconds()
	run.record.CostEstimate = run.budget.Spent()
	if run.record.CandidateAnswers == nil {
		run.record.CandidateAnswers = map[string]domain.CandidateRecord{}
	}
	if run.record.ComponentVerdicts == nil {
		run.record.ComponentVerdicts = map[string][]domain.ComponentVerdict{}
	}
}

// persist writes the record on a context detached from trial cancellation.
// Failures are logged and surfaced as warnings only.
func (o *Orchestrator) persist(ctx context.Context, sm *stateMachine, run *trialRun) {
	if o.deps.Recorder == nil {
		return
	}
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.config.RecordTimeout)
	defer cancel()

	if err := o.deps.Recorder.Record(recordCtx, run.record); err != nil {
		sm.logger.Error("failed to record trial", zap.Error(err))
		run.warn("trial record not persisted: %v", err)
	}
}

func (o *Orchestrator) output(run *trialRun, sm *stateMachine) domain.TrialOutput {
	out := domain.TrialOutput{
		TrialID:          run.trial.ID,
		FinalText:        run.record.FinalText,
		ProcessingTimeMs: sm.Elapsed().Milliseconds(),
		CostEstimate:     run.trial.CostEstimate,
		QualityPassed:    run.trial.QualityPassed,
		Diagnostics: domain.Diagnostics{
			State:             sm.Stage(),
			AssemblyMode:      string(run.assembly.Mode),
			AssemblyFallback:  run.assembly.FellBack,
			CandidateFallback: run.fallback,
			Warnings:          run.warnings,
		},
	}
	if run.report != nil {
		out.QualityReasons = run.report.Reasons()
	}
	for _, c := range run.candidates {
		if c.Success {
			out.Diagnostics.GeneratorsUsed++
		}
	}
	for _, vs := range run.verdicts {
		if len(vs) > 0 {
			out.Diagnostics.JudgesUsed++
		}
	}
	for _, r := range run.results {
		if r.Resolved() {
			out.Diagnostics.ComponentsResolved++
		}
	}
	return out
}

// Close releases the recorder.
func (o *Orchestrator) Close() error {
	if o.deps.Recorder == nil {
		return nil
	}
	return o.deps.Recorder.Close()
}

func backendNames(backends []ports.NamedBackend) []string {
	names := make([]string, len(backends))
	for i, b := range backends {
		names[i] = b.Name
	}
	return names
}
