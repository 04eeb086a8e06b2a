package domain

import (
	"errors"
	"fmt"
	"time"
)

// Common domain errors. Each ErrorKind has a matching sentinel so callers
// can use errors.Is against a TrialError.
var (
	// ErrInvalidConfiguration indicates that configuration is invalid or incomplete.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrEmptyQuery indicates that a trial was started without a question.
	ErrEmptyQuery = errors.New("query cannot be empty")

	ErrBackendTimeout     = errors.New("backend timed out")
	ErrBackendError       = errors.New("backend call failed")
	ErrParseFailure       = errors.New("judge reply could not be parsed")
	ErrNoGenerators       = errors.New("no generator produced a candidate answer")
	ErrNoJudges           = errors.New("no judge produced a verdict")
	ErrBudgetExceeded     = errors.New("trial budget exceeded")
	ErrAssemblyFailure    = errors.New("smoothed assembly failed")
	ErrQualityCheckFailed = errors.New("quality checks failed")
)

// ErrorKind is the closed taxonomy of trial-level conditions.
// Only NoGenerators and BudgetExceeded end a trial; every other kind is
// recovered locally and surfaced through diagnostics.
type ErrorKind int

const (
	// ErrorKindUnknown is the zero value and never produced deliberately.
	ErrorKindUnknown ErrorKind = iota
	// ErrorKindBackendTimeout marks a generator, judge or assembler call
	// that exceeded its per-call timeout.
	ErrorKindBackendTimeout
	// ErrorKindBackendError marks any other failed backend call.
	ErrorKindBackendError
	// ErrorKindParseFailure marks a judge reply that did not parse; it is
	// recovered with a synthetic verdict.
	ErrorKindParseFailure
	// ErrorKindNoGenerators is fatal: zero candidates succeeded.
	ErrorKindNoGenerators
	// ErrorKindNoJudges degrades every component to missing consensus.
	ErrorKindNoJudges
	// ErrorKindBudgetExceeded marks a deadline or cost ceiling breach.
	ErrorKindBudgetExceeded
	// ErrorKindAssemblyFailure is recovered by structural concatenation.
	ErrorKindAssemblyFailure
	// ErrorKindQualityCheckFailed is non-fatal; the answer is still returned.
	ErrorKindQualityCheckFailed
)

var errorKindNames = map[ErrorKind]string{
	ErrorKindUnknown:            "Unknown",
	ErrorKindBackendTimeout:     "BackendTimeout",
	ErrorKindBackendError:       "BackendError",
	ErrorKindParseFailure:       "ParseFailure",
	ErrorKindNoGenerators:       "NoGenerators",
	ErrorKindNoJudges:           "NoJudges",
	ErrorKindBudgetExceeded:     "BudgetExceeded",
	ErrorKindAssemblyFailure:    "AssemblyFailure",
	ErrorKindQualityCheckFailed: "QualityCheckFailed",
}

var errorKindSentinels = map[ErrorKind]error{
	ErrorKindBackendTimeout:     ErrBackendTimeout,
	ErrorKindBackendError:       ErrBackendError,
	ErrorKindParseFailure:       ErrParseFailure,
	ErrorKindNoGenerators:       ErrNoGenerators,
	ErrorKindNoJudges:           ErrNoJudges,
	ErrorKindBudgetExceeded:     ErrBudgetExceeded,
	ErrorKindAssemblyFailure:    ErrAssemblyFailure,
	ErrorKindQualityCheckFailed: ErrQualityCheckFailed,
}

// String returns the taxonomy name of the kind.
func (k ErrorKind) String() string {
	if name, ok := errorKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Fatal reports whether the kind ends a trial.
func (k ErrorKind) Fatal() bool {
	return k == ErrorKindNoGenerators || k == ErrorKindBudgetExceeded
}

// MarshalText encodes the kind by name so persisted records stay readable.
func (k ErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a kind previously written by MarshalText.
func (k *ErrorKind) UnmarshalText(text []byte) error {
	for kind, name := range errorKindNames {
		if name == string(text) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown error kind %q", string(text))
}

// TrialError is a classified failure raised inside a trial.
type TrialError struct {
	// Kind classifies the failure.
	Kind ErrorKind
	// Stage is the pipeline state in which the failure happened.
	Stage Stage
	// Backend names the generator, judge or assembler involved, if any.
	Backend string
	// Message is a short human-readable description.
	Message string
	// Err is the underlying cause.
	Err error
}

// NewTrialError creates a TrialError.
func NewTrialError(kind ErrorKind, stage Stage, backend, message string, err error) *TrialError {
	return &TrialError{
		Kind:    kind,
		Stage:   stage,
		Backend: backend,
		Message: message,
		Err:     err,
	}
}

// Error implements the error interface.
func (e *TrialError) Error() string {
	msg := e.Kind.String()
	if e.Stage != "" {
		msg += " during " + string(e.Stage)
	}
	if e.Backend != "" {
		msg += fmt.Sprintf(" (backend %s)", e.Backend)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *TrialError) Unwrap() error { return e.Err }

// Is matches the sentinel error of the kind.
func (e *TrialError) Is(target error) bool {
	sentinel, ok := errorKindSentinels[e.Kind]
	return ok && sentinel == target
}

// KindOf extracts the ErrorKind carried by err.
// Bare sentinels are recognised as well as wrapped TrialErrors.
func KindOf(err error) (ErrorKind, bool) {
	if err == nil {
		return ErrorKindUnknown, false
	}
	var trialErr *TrialError
	if errors.As(err, &trialErr) {
		return trialErr.Kind, true
	}
	for kind, sentinel := range errorKindSentinels {
		if errors.Is(err, sentinel) {
			return kind, true
		}
	}
	return ErrorKindUnknown, false
}

// BudgetExceededError reports which per-trial limit was crossed.
type BudgetExceededError struct {
	// LimitType is "cost" or "deadline".
	LimitType string
	// Limit is the configured ceiling (dollars or seconds).
	Limit float64
	// Used is the consumption observed when the limit was crossed.
	Used float64
	// Stage is where the breach was detected.
	Stage Stage
}

// NewBudgetExceededError creates a BudgetExceededError.
func NewBudgetExceededError(limitType string, limit, used float64, stage Stage) *BudgetExceededError {
	return &BudgetExceededError{LimitType: limitType, Limit: limit, Used: used, Stage: stage}
}

// NewDeadlineExceededError reports a trial that ran past its wall-clock deadline.
func NewDeadlineExceededError(deadline, elapsed time.Duration, stage Stage) *BudgetExceededError {
	return NewBudgetExceededError("deadline", deadline.Seconds(), elapsed.Seconds(), stage)
}

// Error implements the error interface.
func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded: %s limit %.4f, used %.4f (stage %s)",
		e.LimitType, e.Limit, e.Used, e.Stage)
}

// Is lets errors.Is(err, ErrBudgetExceeded) match.
func (e *BudgetExceededError) Is(target error) bool { return target == ErrBudgetExceeded }

// ValidationError represents an error that occurred during validation.
// It can contain multiple validation failures.
type ValidationError struct {
	// Entity is the name of the entity that failed validation.
	Entity string

	// Errors contains the list of validation error messages.
	Errors []string
}

// Error implements the error interface for ValidationError.
func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("validation error for %s: %s", e.Entity, e.Errors[0])
	}
	return fmt.Sprintf("validation errors for %s: %v", e.Entity, e.Errors)
}

// AddError adds a new error message to the validation error.
func (e *ValidationError) AddError(msg string) { e.Errors = append(e.Errors, msg) }

// HasErrors returns true if there are any validation errors.
func (e *ValidationError) HasErrors() bool { return len(e.Errors) > 0 }

// NewValidationError creates a new ValidationError for the given entity.
func NewValidationError(entity string) *ValidationError {
	return &ValidationError{
		Entity: entity,
		Errors: make([]string, 0),
	}
}
