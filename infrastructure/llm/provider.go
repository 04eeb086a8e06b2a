// Package llm adapts hosted model APIs (OpenAI, Anthropic, Google) to the
// ports.Backend contract used by the ensemble.
//
// A Provider speaks to one API and knows nothing about retries, pacing or
// telemetry. Those concerns are Middleware layered around a Provider, and a
// Client turns the finished stack into a ports.Backend. The Registry builds
// named clients from configuration and assigns them the generator, judge
// and assembler roles.
//
//	backend, err := llm.NewClient("anthropic", llm.Endpoint{
//	    APIKey: os.Getenv("ANTHROPIC_API_KEY"),
//	    Model:  "claude-sonnet-4-0",
//	}, llm.WithMiddleware(
//	    llm.TracingMiddleware("claude"),
//	    llm.RateLimitMiddleware(20, 40),
//	    llm.CircuitBreakerMiddleware(5, 30*time.Second),
//	))
//	out, err := backend.Complete(ctx, system, user, ports.CompletionOptions{})
package llm

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"
)

// Request is one call to a provider. Zero values defer to the provider's
// own defaults, except MaxTokens which falls back to DefaultMaxTokens for
// APIs that require it.
type Request struct {
	System      string
	Prompt      string
	Temperature *float64
	TopP        *float64
	MaxTokens   int
	// JSON asks for a bare JSON object where the API can enforce it.
	JSON bool
	Seed *int
}

// Response is a provider reply. Token counts are zero when the API did not
// report usage.
type Response struct {
	Text      string
	TokensIn  int
	TokensOut int
}

// Provider is the request primitive every hosted API implements.
type Provider interface {
	Generate(ctx context.Context, req Request) (Response, error)
	// Model names the model requests are sent to.
	Model() string
}

// Middleware decorates a Provider.
type Middleware func(Provider) Provider

// Chain applies mws around p so that mws[0] is the outermost layer.
func Chain(p Provider, mws ...Middleware) Provider {
	for i := len(mws) - 1; i >= 0; i-- {
		p = mws[i](p)
	}
	return p
}

// Endpoint is what a provider factory needs to reach its API.
type Endpoint struct {
	// APIKey authenticates requests. Required by every built-in provider.
	APIKey string
	// Model is the model to call. Empty selects the provider default.
	Model string
	// BaseURL points the provider at a compatible gateway or a test server.
	BaseURL string
	// Timeout bounds each HTTP exchange. Zero keeps the SDK default.
	Timeout time.Duration
}

// Factory builds a Provider for an endpoint.
type Factory func(Endpoint) (Provider, error)

var (
	factoriesMu sync.RWMutex
	factories   = map[string]Factory{}
)

// RegisterProvider makes a provider kind available to NewClient and the
// Registry. Registering an existing kind replaces it.
func RegisterProvider(kind string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[kind] = f
}

// NewProvider builds a bare provider of the given kind.
func NewProvider(kind string, ep Endpoint) (Provider, error) {
	factoriesMu.RLock()
	f, ok := factories[kind]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown provider kind %q (have %v)", kind, ProviderKinds())
	}
	return f(ep)
}

// ProviderKinds lists the registered kinds in sorted order.
func ProviderKinds() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	return slices.Sorted(maps.Keys(factories))
}

// modelName is embedded by the built-in providers.
type modelName string

func (m modelName) Model() string { return string(m) }
