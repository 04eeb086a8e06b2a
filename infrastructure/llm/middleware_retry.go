package llm

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// Backoff computes the wait before retry n (zero based): base doubled per
// attempt with ±25% jitter, capped at ceiling when ceiling is positive.
type Backoff struct {
	Base    time.Duration
	Ceiling time.Duration
}

// Delay returns the wait before retry n.
func (b Backoff) Delay(n int) time.Duration {
	d := b.Base << clamp(n, 0, 30)
	// #nosec G404 -- jitter does not need a secure source
	d = d*3/4 + time.Duration(rand.Int64N(int64(d)/2+1))
	if b.Ceiling > 0 {
		d = min(d, b.Ceiling)
	}
	return d
}

type retrying struct {
	Provider
	retries int
	backoff Backoff
}

// RetryMiddleware retries transient failures up to retries more times.
// Auth, rejected and blocked requests fail at once, as do an open circuit
// and an ended context.
func RetryMiddleware(retries int, base, ceiling time.Duration) Middleware {
	return func(next Provider) Provider {
		return &retrying{Provider: next, retries: max(0, retries), backoff: Backoff{Base: base, Ceiling: ceiling}}
	}
}

func (r *retrying) Generate(ctx context.Context, req Request) (Response, error) {
	for n := 0; ; n++ {
		resp, err := r.Provider.Generate(ctx, req)
		if err == nil {
			return resp, nil
		}
		if n == r.retries || !retryable(ctx, err) {
			if n == 0 {
				return Response{}, err
			}
			return Response{}, fmt.Errorf("gave up after %d attempts: %w", n+1, err)
		}

		wait := time.NewTimer(r.backoff.Delay(n))
		select {
		case <-ctx.Done():
			wait.Stop()
			return Response{}, fmt.Errorf("retry interrupted after %d attempts: %w", n+1, errors.Join(ctx.Err(), err))
		case <-wait.C:
		}
	}
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, ErrCircuitOpen) {
		return false
	}
	return ClassOf(err).Transient()
}
