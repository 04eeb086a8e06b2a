package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicDefaultModel is used when the endpoint names no model.
const AnthropicDefaultModel = "claude-sonnet-4-0"

func init() { RegisterProvider("anthropic", newAnthropic) }

type anthropicMessages struct {
	modelName
	client anthropic.Client
}

func newAnthropic(ep Endpoint) (Provider, error) {
	if ep.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	base, err := ep.baseURL()
	if err != nil {
		return nil, err
	}

	// RetryMiddleware owns retries so backoff and breaker state agree.
	opts := []option.RequestOption{option.WithAPIKey(ep.APIKey), option.WithMaxRetries(0)}
	if base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	if d := ep.httpTimeout(); d > 0 {
		opts = append(opts, option.WithRequestTimeout(d))
	}
	return &anthropicMessages{
		modelName: modelName(ep.modelOr(AnthropicDefaultModel)),
		client:    anthropic.NewClient(opts...),
	}, nil
}

// Generate joins every text block of the reply. JSON and Seed have no
// Messages API equivalent and are ignored.
func (p *anthropicMessages) Generate(ctx context.Context, req Request) (Response, error) {
	msg, err := p.client.Messages.New(ctx, p.params(req))
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return Response{}, apiFailure("anthropic", apiErr.StatusCode, "", err)
		}
		return Response{}, apiFailure("anthropic", 0, "", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(tb.Text)
		}
	}
	if text.Len() == 0 {
		return Response{}, ErrEmptyCompletion
	}
	return Response{
		Text:      text.String(),
		TokensIn:  int(msg.Usage.InputTokens),
		TokensOut: int(msg.Usage.OutputTokens),
	}, nil
}

func (p *anthropicMessages) params(req Request) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.Model()),
		MaxTokens: int64(req.maxTokens()),
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt))},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	// The Messages API accepts temperatures in [0, 1] only.
	if t := clampedPtr(req.Temperature, 0, 1); t != nil {
		params.Temperature = anthropic.Float(*t)
	}
	if tp := clampedPtr(req.TopP, 0, 1); tp != nil {
		params.TopP = anthropic.Float(*tp)
	}
	return params
}
