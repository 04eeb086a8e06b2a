package llm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type metricCall struct {
	name   string
	value  float64
	labels map[string]string
}

// recordingCollector implements ports.MetricsCollector for assertions.
type recordingCollector struct {
	mu         sync.Mutex
	counters   []metricCall
	histograms []metricCall
}

func (c *recordingCollector) RecordLatency(string, time.Duration, map[string]string) {}
func (c *recordingCollector) RecordGauge(string, float64, map[string]string)         {}

func (c *recordingCollector) RecordCounter(name string, value float64, labels map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters = append(c.counters, metricCall{name, value, labels})
}

func (c *recordingCollector) RecordHistogram(name string, value float64, labels map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.histograms = append(c.histograms, metricCall{name, value, labels})
}

func TestMetricsMiddleware_Status(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "success", want: "success"},
		{name: "circuit open", err: ErrCircuitOpen, want: "circuit_open"},
		{name: "deadline", err: context.DeadlineExceeded, want: "deadline"},
		{name: "canceled", err: context.Canceled, want: "canceled"},
		{name: "throttled", err: &BackendError{Class: FailureThrottled}, want: "throttled"},
		{name: "plain error", err: errBoom, want: "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := NewMockProvider()
			mock.Err = tt.err
			collector := &recordingCollector{}
			p := MetricsMiddleware(collector, "gpt")(mock)

			_, _ = p.Generate(context.Background(), Request{})

			require.NotEmpty(t, collector.counters)
			call := collector.counters[0]
			assert.Equal(t, MetricBackendCalls, call.name)
			assert.Equal(t, map[string]string{"backend": "gpt", "model": "mock-model", "status": tt.want}, call.labels)
			require.Len(t, collector.histograms, 1)
			assert.Equal(t, MetricBackendLatency, collector.histograms[0].name)
		})
	}
}

func TestMetricsMiddleware_Tokens(t *testing.T) {
	collector := &recordingCollector{}
	p := MetricsMiddleware(collector, "claude")(NewMockProvider())

	_, err := p.Generate(context.Background(), Request{})
	require.NoError(t, err)

	require.Len(t, collector.counters, 3)
	in, out := collector.counters[1], collector.counters[2]
	assert.Equal(t, MetricBackendTokens, in.name)
	assert.Equal(t, "input", in.labels["token_type"])
	assert.Equal(t, 10.0, in.value)
	assert.Equal(t, "output", out.labels["token_type"])
	assert.Equal(t, 20.0, out.value)
	assert.NotContains(t, collector.counters[0].labels, "token_type")
}

func TestMetricsMiddleware_NilCollector(t *testing.T) {
	mock := NewMockProvider()
	assert.Same(t, Provider(mock), MetricsMiddleware(nil, "x")(mock))
}
