package llm

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

type paced struct {
	Provider
	limiter *rate.Limiter
}

// RateLimitMiddleware paces calls through a token bucket of limit calls
// per second and the given burst. One bucket is shared by everything the
// returned Middleware wraps, so build one per backend.
func RateLimitMiddleware(limit rate.Limit, burst int) Middleware {
	limiter := rate.NewLimiter(limit, max(1, burst))
	return func(next Provider) Provider {
		return &paced{Provider: next, limiter: limiter}
	}
}

// Generate waits for a token. A wait that cannot finish before the
// context deadline fails immediately.
func (p *paced) Generate(ctx context.Context, req Request) (Response, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return Response{}, fmt.Errorf("rate limit wait: %w", err)
	}
	return p.Provider.Generate(ctx, req)
}
