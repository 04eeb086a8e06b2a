package llm

import (
	"context"
	"errors"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIDefaultModel is used when the endpoint names no model.
const OpenAIDefaultModel = "gpt-4.1-mini"

func init() { RegisterProvider("openai", newOpenAI) }

// openAIChat serves the chat completions API and any gateway compatible
// with it.
type openAIChat struct {
	modelName
	client *openai.Client
}

func newOpenAI(ep Endpoint) (Provider, error) {
	if ep.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	cfg := openai.DefaultConfig(ep.APIKey)
	base, err := ep.baseURL()
	if err != nil {
		return nil, err
	}
	if base != "" {
		cfg.BaseURL = base
	}
	if d := ep.httpTimeout(); d > 0 {
		cfg.HTTPClient = &http.Client{Timeout: d}
	}
	return &openAIChat{
		modelName: modelName(ep.modelOr(OpenAIDefaultModel)),
		client:    openai.NewClientWithConfig(cfg),
	}, nil
}

func (p *openAIChat) Generate(ctx context.Context, req Request) (Response, error) {
	resp, err := p.client.CreateChatCompletion(ctx, p.chatRequest(req))
	if err != nil {
		return Response{}, openAIFailure(err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return Response{}, ErrEmptyCompletion
	}
	return Response{
		Text:      resp.Choices[0].Message.Content,
		TokensIn:  resp.Usage.PromptTokens,
		TokensOut: resp.Usage.CompletionTokens,
	}, nil
}

func (p *openAIChat) chatRequest(req Request) openai.ChatCompletionRequest {
	out := openai.ChatCompletionRequest{
		Model:     p.Model(),
		MaxTokens: req.MaxTokens,
		Seed:      req.Seed,
	}
	if req.System != "" {
		out.Messages = append(out.Messages, openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleSystem, Content: req.System,
		})
	}
	out.Messages = append(out.Messages, openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleUser, Content: req.Prompt,
	})
	if t := clampedPtr(req.Temperature, 0, 2); t != nil {
		out.Temperature = float32(*t)
	}
	if tp := clampedPtr(req.TopP, 0, 1); tp != nil {
		out.TopP = float32(*tp)
	}
	if req.JSON {
		out.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	return out
}

func openAIFailure(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiFailure("openai", apiErr.HTTPStatusCode, apiErr.Message, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return apiFailure("openai", reqErr.HTTPStatusCode, "", err)
	}
	return apiFailure("openai", 0, "", err)
}
