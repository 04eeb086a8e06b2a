package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

var errBoom = errors.New("boom")

func TestRateLimitMiddleware_Paces(t *testing.T) {
	mock := NewMockProvider()
	p := RateLimitMiddleware(rate.Limit(20), 1)(mock)

	start := time.Now()
	for range 3 {
		_, err := p.Generate(context.Background(), Request{Prompt: "p"})
		require.NoError(t, err)
	}

	// Burst of one at 20/s: the second and third calls each wait ~50ms.
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
	assert.Equal(t, 3, mock.Calls())
}

func TestRateLimitMiddleware_GivesUpAtDeadline(t *testing.T) {
	mock := NewMockProvider()
	p := RateLimitMiddleware(rate.Limit(0.001), 1)(mock)

	_, err := p.Generate(context.Background(), Request{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = p.Generate(ctx, Request{})

	assert.ErrorContains(t, err, "rate limit wait")
	assert.Equal(t, 1, mock.Calls())
}

func TestRetryMiddleware(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		failFirst int
		wantCalls int
		wantErr   bool
	}{
		{name: "first call succeeds", wantCalls: 1},
		{name: "recovers after transient failures", failFirst: 2, wantCalls: 3},
		{
			name:      "unavailable is retried until exhausted",
			err:       &BackendError{Provider: "mock", Class: FailureUnavailable, Status: 503},
			wantCalls: 4,
			wantErr:   true,
		},
		{
			name:      "throttling is retried",
			err:       &BackendError{Provider: "mock", Class: FailureThrottled, Status: 429},
			wantCalls: 4,
			wantErr:   true,
		},
		{
			name:      "auth fails at once",
			err:       &BackendError{Provider: "mock", Class: FailureAuth, Status: 401},
			wantCalls: 1,
			wantErr:   true,
		},
		{
			name:      "safety block fails at once",
			err:       &BackendError{Provider: "mock", Class: FailureBlocked, Status: 400},
			wantCalls: 1,
			wantErr:   true,
		},
		{name: "open circuit fails at once", err: ErrCircuitOpen, wantCalls: 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := NewMockProvider()
			mock.Err = tt.err
			mock.FailFirst = tt.failFirst
			p := RetryMiddleware(3, time.Millisecond, 5*time.Millisecond)(mock)

			resp, err := p.Generate(context.Background(), Request{})

			assert.Equal(t, tt.wantCalls, mock.Calls())
			if !tt.wantErr {
				require.NoError(t, err)
				assert.Equal(t, "mock reply", resp.Text)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.err)
			if tt.wantCalls > 1 {
				assert.ErrorContains(t, err, "gave up after 4 attempts")
			}
		})
	}
}

func TestRetryMiddleware_StopsAtDeadline(t *testing.T) {
	mock := NewMockProvider()
	mock.Delay = 50 * time.Millisecond
	p := RetryMiddleware(5, time.Millisecond, time.Millisecond)(mock)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := p.Generate(ctx, Request{})

	assert.True(t, IsTimeout(err))
	assert.Equal(t, 1, mock.Calls())
}

func TestRetryMiddleware_DeadlineDuringBackoff(t *testing.T) {
	mock := NewMockProvider()
	mock.Err = &BackendError{Provider: "mock", Class: FailureUnavailable}
	p := RetryMiddleware(5, time.Second, time.Second)(mock)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Generate(ctx, Request{})

	assert.ErrorContains(t, err, "retry interrupted after 1 attempts")
	assert.True(t, IsTimeout(err), "the deadline decides the class")
	assert.Equal(t, 1, mock.Calls())
}

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Base: 10 * time.Millisecond, Ceiling: 100 * time.Millisecond}

	for n, want := range []time.Duration{10, 20, 40} {
		d := b.Delay(n)
		want *= time.Millisecond
		assert.GreaterOrEqual(t, d, want*3/4, "retry %d", n)
		assert.LessOrEqual(t, d, want*5/4, "retry %d", n)
	}
	assert.Equal(t, 100*time.Millisecond, b.Delay(10))
	assert.Equal(t, 100*time.Millisecond, b.Delay(1000))
	assert.LessOrEqual(t, b.Delay(-3), 13*time.Millisecond)
	assert.Zero(t, Backoff{}.Delay(2))
}

func TestClassOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureClass
	}{
		{name: "nil", err: nil, want: FailureUnknown},
		{name: "plain", err: errBoom, want: FailureUnknown},
		{name: "deadline", err: context.DeadlineExceeded, want: FailureDeadline},
		{name: "canceled", err: context.Canceled, want: FailureCanceled},
		{name: "backend error", err: &BackendError{Class: FailureThrottled}, want: FailureThrottled},
		{name: "wrapped backend error", err: errors.Join(errBoom, &BackendError{Class: FailureAuth}), want: FailureAuth},
		{name: "api failure on expired context", err: apiFailure("x", 502, "", context.DeadlineExceeded), want: FailureDeadline},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassOf(tt.err))
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	assert.Equal(t, FailureAuth, ClassifyStatus(401))
	assert.Equal(t, FailureAuth, ClassifyStatus(403))
	assert.Equal(t, FailureThrottled, ClassifyStatus(429))
	assert.Equal(t, FailureDeadline, ClassifyStatus(408))
	assert.Equal(t, FailureRejected, ClassifyStatus(404))
	assert.Equal(t, FailureUnavailable, ClassifyStatus(529))
	assert.Equal(t, FailureUnknown, ClassifyStatus(0))
}

func TestBackendError_Error(t *testing.T) {
	err := &BackendError{Provider: "openai", Class: FailureThrottled, Status: 429, Detail: "slow down", Err: errBoom}
	assert.Equal(t, "openai: throttled (HTTP 429): slow down: boom", err.Error())
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, "anthropic: unknown", (&BackendError{Provider: "anthropic"}).Error())
	assert.Equal(t, "FailureClass(42)", FailureClass(42).String())
}
