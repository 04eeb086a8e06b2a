package llm

import (
	"cmp"
	"fmt"
	"net/url"
	"time"
)

// DefaultMaxTokens caps completions for APIs that require an explicit
// limit when the request sets none.
const DefaultMaxTokens = 2048

// Bounds applied to Endpoint.Timeout.
const (
	minHTTPTimeout = time.Second
	maxHTTPTimeout = 10 * time.Minute
)

func (r Request) maxTokens() int {
	if r.MaxTokens > 0 {
		return r.MaxTokens
	}
	return DefaultMaxTokens
}

// clampedPtr returns v limited to [lo, hi], or nil when v is nil.
func clampedPtr(v *float64, lo, hi float64) *float64 {
	if v == nil {
		return nil
	}
	c := min(max(*v, lo), hi)
	return &c
}

func clamp[T cmp.Ordered](v, lo, hi T) T { return min(max(v, lo), hi) }

// baseURL checks an Endpoint.BaseURL override. Empty means the SDK default.
func (ep Endpoint) baseURL() (string, error) {
	if ep.BaseURL == "" {
		return "", nil
	}
	u, err := url.Parse(ep.BaseURL)
	if err != nil {
		return "", fmt.Errorf("base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("base url %q: scheme must be http or https", ep.BaseURL)
	}
	if u.Host == "" {
		return "", fmt.Errorf("base url %q: missing host", ep.BaseURL)
	}
	return u.String(), nil
}

// httpTimeout is Endpoint.Timeout bounded to a sane range; zero stays zero.
func (ep Endpoint) httpTimeout() time.Duration {
	if ep.Timeout <= 0 {
		return 0
	}
	return clamp(ep.Timeout, minHTTPTimeout, maxHTTPTimeout)
}

// modelOr returns the endpoint model or fallback.
func (ep Endpoint) modelOr(fallback string) string {
	return cmp.Or(ep.Model, fallback)
}
