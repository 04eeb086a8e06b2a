package llm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-concord/internal/ports"
)

func TestNewClient(t *testing.T) {
	mock := NewMockProvider()
	RegisterProvider("mock-client", func(ep Endpoint) (Provider, error) {
		mock.ModelName = ep.Model
		return mock, nil
	})

	c, err := NewClient("mock-client", Endpoint{APIKey: "k", Model: "m1"})
	require.NoError(t, err)
	assert.Equal(t, "m1", c.Model())

	_, err = NewClient("mock-client", Endpoint{APIKey: "k"})
	assert.ErrorContains(t, err, "model is required")

	_, err = NewClient("nope", Endpoint{APIKey: "k", Model: "m"})
	assert.ErrorContains(t, err, `unknown provider kind "nope"`)
	assert.Contains(t, ProviderKinds(), "openai")
	assert.Contains(t, ProviderKinds(), "mock-client")
}

func TestClient_Complete_BuildsRequest(t *testing.T) {
	mock := NewMockProvider()
	c := Wrap(mock)

	temp := 0.2
	out, err := c.Complete(context.Background(), "be precise", "how much leave?", ports.CompletionOptions{
		Temperature: &temp,
		MaxTokens:   512,
		JSON:        true,
	})
	require.NoError(t, err)

	assert.Equal(t, ports.Completion{Text: "mock reply", TokensIn: 10, TokensOut: 20}, out)
	req := mock.LastRequest()
	assert.Equal(t, "be precise", req.System)
	assert.Equal(t, "how much leave?", req.Prompt)
	require.NotNil(t, req.Temperature)
	assert.InDelta(t, 0.2, *req.Temperature, 1e-9)
	assert.Equal(t, 512, req.MaxTokens)
	assert.True(t, req.JSON)
}

func TestClient_Complete_EstimatesMissingUsage(t *testing.T) {
	mock := NewMockProvider()
	mock.Reply = Response{Text: "one two three four"}
	c := Wrap(mock, WithTokenEstimator(WordEstimator(1)))

	out, err := c.Complete(context.Background(), "sys", "a b", ports.CompletionOptions{})
	require.NoError(t, err)

	assert.Equal(t, 3, out.TokensIn, "system and user prompt are estimated together")
	assert.Equal(t, 4, out.TokensOut)
}

func TestClient_Complete_Timeouts(t *testing.T) {
	t.Run("call timeout beats client default", func(t *testing.T) {
		mock := NewMockProvider()
		mock.Delay = 200 * time.Millisecond
		c := Wrap(mock, WithCallTimeout(time.Minute))

		start := time.Now()
		_, err := c.Complete(context.Background(), "", "slow", ports.CompletionOptions{Timeout: 20 * time.Millisecond})

		require.Error(t, err)
		assert.True(t, IsTimeout(err))
		assert.Less(t, time.Since(start), 150*time.Millisecond)
	})

	t.Run("client default applies", func(t *testing.T) {
		mock := NewMockProvider()
		mock.Delay = 200 * time.Millisecond
		c := Wrap(mock, WithCallTimeout(20*time.Millisecond))

		_, err := c.Complete(context.Background(), "", "slow", ports.CompletionOptions{})
		assert.True(t, IsTimeout(err))
	})
}

func TestClient_Complete_PropagatesBackendError(t *testing.T) {
	mock := NewMockProvider()
	mock.Err = &BackendError{Provider: "mock", Class: FailureUnavailable, Status: 503}
	c := Wrap(mock)

	_, err := c.Complete(context.Background(), "", "p", ports.CompletionOptions{})

	var be *BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, FailureUnavailable, be.Class)
	assert.False(t, IsTimeout(err))
}

func TestChain_Order(t *testing.T) {
	var order []string
	tag := func(name string) Middleware {
		return func(next Provider) Provider {
			return &hooked{Provider: next, before: func() { order = append(order, name) }}
		}
	}

	c := Wrap(NewMockProvider(), WithMiddleware(tag("outer"), tag("inner")))
	_, err := c.Complete(context.Background(), "", "p", ports.CompletionOptions{})
	require.NoError(t, err)

	assert.Equal(t, []string{"outer", "inner"}, order)
	assert.Equal(t, "mock-model", c.Model(), "Model passes through every layer")
}

type hooked struct {
	Provider
	before func()
}

func (h *hooked) Generate(ctx context.Context, req Request) (Response, error) {
	h.before()
	return h.Provider.Generate(ctx, req)
}

func TestTokenEstimators(t *testing.T) {
	tests := []struct {
		name string
		est  TokenEstimator
		text string
		want int
	}{
		{name: "chars rounds up", est: CharEstimator(4), text: "twelve chars!", want: 4},
		{name: "chars counts runes", est: CharEstimator(4), text: "§§§§", want: 1},
		{name: "chars default ratio", est: CharEstimator(0), text: "12345678", want: 2},
		{name: "words", est: WordEstimator(1.5), text: "article seventy nine applies", want: 6},
		{name: "words default ratio", est: WordEstimator(-1), text: "a b c", want: 4},
		{name: "empty", est: CharEstimator(4), text: "", want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.est.EstimateTokens(tt.text))
		})
	}

	est, ok := EstimatorByName("words", 1)
	require.True(t, ok)
	assert.Equal(t, 2, est.EstimateTokens("two words"))
	_, ok = EstimatorByName("bytes", 1)
	assert.False(t, ok)
}

func TestEndpointChecks(t *testing.T) {
	for _, bad := range []string{"ftp://example.com", "http://", "::"} {
		_, err := Endpoint{BaseURL: bad}.baseURL()
		assert.Error(t, err, bad)
	}
	u, err := Endpoint{BaseURL: "https://gateway.internal/v1"}.baseURL()
	require.NoError(t, err)
	assert.Equal(t, "https://gateway.internal/v1", u)

	assert.Zero(t, Endpoint{}.httpTimeout())
	assert.Equal(t, time.Second, Endpoint{Timeout: time.Millisecond}.httpTimeout())
	assert.Equal(t, 10*time.Minute, Endpoint{Timeout: time.Hour}.httpTimeout())
	assert.Equal(t, "fallback", Endpoint{}.modelOr("fallback"))
}
