package llm

import (
	"cmp"
	"context"
	"fmt"
	"time"

	"github.com/ahrav/go-concord/internal/ports"
)

// Client exposes a middleware-wrapped Provider as a ports.Backend.
type Client struct {
	provider Provider
	tokens   TokenEstimator
	timeout  time.Duration
}

var _ ports.Backend = (*Client)(nil)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithMiddleware wraps the provider, first entry outermost.
func WithMiddleware(mws ...Middleware) ClientOption {
	return func(c *Client) { c.provider = Chain(c.provider, mws...) }
}

// WithTokenEstimator replaces the estimator used for unreported usage.
func WithTokenEstimator(est TokenEstimator) ClientOption {
	return func(c *Client) {
		if est != nil {
			c.tokens = est
		}
	}
}

// WithCallTimeout bounds calls whose options carry no timeout of their own.
func WithCallTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// NewClient builds a provider of the given kind and wraps it.
func NewClient(kind string, ep Endpoint, opts ...ClientOption) (*Client, error) {
	if ep.Model == "" {
		return nil, fmt.Errorf("%s: model is required", kind)
	}
	p, err := NewProvider(kind, ep)
	if err != nil {
		return nil, err
	}
	return Wrap(p, opts...), nil
}

// Wrap adapts an existing Provider. Custom providers and tests use it.
func Wrap(p Provider, opts ...ClientOption) *Client {
	c := &Client{provider: p, tokens: CharEstimator(DefaultCharsPerToken)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Complete implements ports.Backend. Usage the provider did not report is
// estimated so cost accounting covers every backend.
func (c *Client) Complete(
	ctx context.Context,
	systemPrompt, userPrompt string,
	opts ports.CompletionOptions,
) (ports.Completion, error) {
	if d := cmp.Or(opts.Timeout, c.timeout); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	resp, err := c.provider.Generate(ctx, Request{
		System:      systemPrompt,
		Prompt:      userPrompt,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
		JSON:        opts.JSON,
	})
	if err != nil {
		return ports.Completion{}, err
	}

	out := ports.Completion{Text: resp.Text, TokensIn: resp.TokensIn, TokensOut: resp.TokensOut}
	if out.TokensIn <= 0 {
		out.TokensIn = c.tokens.EstimateTokens(systemPrompt + "\n" + userPrompt)
	}
	if out.TokensOut <= 0 {
		out.TokensOut = c.tokens.EstimateTokens(resp.Text)
	}
	return out, nil
}

// Model reports the model behind the client.
func (c *Client) Model() string { return c.provider.Model() }
