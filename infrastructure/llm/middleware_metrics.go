package llm

import (
	"context"
	"errors"
	"maps"
	"time"

	"github.com/ahrav/go-concord/internal/ports"
)

// Metric names emitted by MetricsMiddleware.
const (
	MetricBackendLatency = "backend_request_duration_seconds"
	MetricBackendCalls   = "backend_requests_total"
	MetricBackendTokens  = "backend_tokens_total"
)

type measured struct {
	Provider
	collector ports.MetricsCollector
	backend   string
}

// MetricsMiddleware reports latency, status and token usage of every
// attempt under the backend's registered name. A nil collector disables it.
func MetricsMiddleware(collector ports.MetricsCollector, backend string) Middleware {
	return func(next Provider) Provider {
		if collector == nil {
			return next
		}
		return &measured{Provider: next, collector: collector, backend: backend}
	}
}

func (m *measured) Generate(ctx context.Context, req Request) (Response, error) {
	start := time.Now()
	resp, err := m.Provider.Generate(ctx, req)

	labels := map[string]string{
		"backend": m.backend,
		"model":   m.Model(),
		"status":  callStatus(err),
	}
	m.collector.RecordHistogram(MetricBackendLatency, time.Since(start).Seconds(), labels)
	m.collector.RecordCounter(MetricBackendCalls, 1, labels)
	if err == nil {
		m.collector.RecordCounter(MetricBackendTokens, float64(resp.TokensIn), tokenLabels(labels, "input"))
		m.collector.RecordCounter(MetricBackendTokens, float64(resp.TokensOut), tokenLabels(labels, "output"))
	}
	return resp, err
}

// callStatus is the status label for a finished call: success,
// circuit_open, or the failure class name.
func callStatus(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	default:
		return ClassOf(err).String()
	}
}

func tokenLabels(base map[string]string, kind string) map[string]string {
	out := maps.Clone(base)
	out["token_type"] = kind
	return out
}
