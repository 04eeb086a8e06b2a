package ports

import (
	"context"
	"time"

	"github.com/ahrav/go-concord/internal/domain"
)

// CompletionOptions tunes a single backend call.
// Zero values defer to the backend's own defaults.
type CompletionOptions struct {
	// Temperature overrides the sampling temperature when non-nil.
	Temperature *float64
	// MaxTokens caps the completion length.
	MaxTokens int
	// Timeout bounds this call only; sibling calls are unaffected.
	Timeout time.Duration
	// JSON asks for a single JSON object reply where the backend can
	// enforce it. Callers still validate the reply.
	JSON bool
}

// Completion is the text returned by a backend plus its token usage.
type Completion struct {
	Text      string
	TokensIn  int
	TokensOut int
}

// Backend is an opaque text-completion service used as a generator, a
// judge or the smoothing assembler.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Complete sends one system+user prompt pair and returns the reply.
	// A per-call timeout must surface as an error wrapping
	// context.DeadlineExceeded so callers can classify it.
	Complete(ctx context.Context, systemPrompt, userPrompt string, opts CompletionOptions) (Completion, error)
}

// NamedBackend pairs a backend with the name it is registered under.
type NamedBackend struct {
	Name    string
	Backend Backend
}

// BackendRegistry holds the generator and judge sets.
// It is read-only after construction and safe for concurrent reads.
type BackendRegistry interface {
	// Generators returns the generator backends in registration order.
	Generators() []NamedBackend

	// Judges returns the judge backends in registration order.
	Judges() []NamedBackend

	// Assembler returns the backend used for smoothed assembly, if any.
	Assembler() (NamedBackend, bool)

	// CostModel returns the pricing of the named backend.
	// Unknown backends are free.
	CostModel(name string) domain.CostModel
}

// ContextSupplier provides supporting documents for a query.
type ContextSupplier interface {
	// GetContext returns the formatted context blob, the ranked snippets
	// used for citation grounding, and an intent label.
	GetContext(ctx context.Context, query string) (domain.RetrievedContext, error)
}

// TrialRecorder persists one complete TrialRecord per trial.
// Record must be safe for concurrent trials and must never interleave the
// fields of two records.
type TrialRecorder interface {
	Record(ctx context.Context, record domain.TrialRecord) error
	Close() error
}

// CacheStore defines the interface for caching retrieved context.
// Implementations could use Redis or in-memory storage.
type CacheStore interface {
	// Get retrieves a cached value by key.
	// Returns the value and true if found, or nil and false if not found.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores a value in the cache with an expiration time.
	// A zero duration means the store's default expiration.
	Set(ctx context.Context, key string, value []byte, expiration time.Duration) error

	// Delete removes a value from the cache.
	// Returns nil if the key doesn't exist.
	Delete(ctx context.Context, key string) error

	// Clear removes all values from the cache.
	Clear(ctx context.Context) error
}

// MetricsCollector defines the interface for collecting operational metrics.
// Implementations should integrate with observability platforms like
// Prometheus,
// OpenTelemetry, or custom monitoring solutions.
type MetricsCollector interface {
	// RecordLatency records the execution time of an operation.
	// The labels map provides additional context for the metric.
	RecordLatency(operation string, duration time.Duration, labels map[string]string)

	// RecordCounter increments a counter metric.
	// This is useful for tracking events like backend outcomes or consensus kinds.
	RecordCounter(metric string, value float64, labels map[string]string)

	// RecordGauge sets the current value of a gauge metric.
	RecordGauge(metric string, value float64, labels map[string]string)

	// RecordHistogram records a value in a histogram.
	// This is useful for tracking distributions like trial cost or
	// judge scores.
	RecordHistogram(metric string, value float64, labels map[string]string)
}
