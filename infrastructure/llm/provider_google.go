package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"google.golang.org/api/googleapi"
	"google.golang.org/genai"
)

// GoogleDefaultModel is used when the endpoint names no model.
const GoogleDefaultModel = "gemini-2.0-flash"

func init() { RegisterProvider("google", newGemini) }

type gemini struct {
	modelName
	client *genai.Client
}

func newGemini(ep Endpoint) (Provider, error) {
	if ep.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if credentialsFile(ep.APIKey) {
		return nil, fmt.Errorf("google: %q looks like a credentials file; only API keys are supported", ep.APIKey)
	}
	base, err := ep.baseURL()
	if err != nil {
		return nil, err
	}

	cfg := &genai.ClientConfig{APIKey: ep.APIKey, Backend: genai.BackendGeminiAPI}
	if base != "" {
		cfg.HTTPOptions.BaseURL = base
	}
	if d := ep.httpTimeout(); d > 0 {
		cfg.HTTPOptions.Timeout = &d
	}
	client, err := genai.NewClient(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("google: create client: %w", err)
	}
	return &gemini{modelName: modelName(ep.modelOr(GoogleDefaultModel)), client: client}, nil
}

func (p *gemini) Generate(ctx context.Context, req Request) (Response, error) {
	contents := []*genai.Content{genai.NewContentFromText(req.Prompt, genai.RoleUser)}
	resp, err := p.client.Models.GenerateContent(ctx, p.Model(), contents, generationConfig(req))
	if err != nil {
		return Response{}, geminiFailure(err)
	}

	text := resp.Text()
	if text == "" {
		return Response{}, ErrEmptyCompletion
	}
	out := Response{Text: text}
	if u := resp.UsageMetadata; u != nil {
		out.TokensIn = int(u.PromptTokenCount)
		out.TokensOut = int(u.CandidatesTokenCount)
	}
	return out, nil
}

func generationConfig(req Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(min(req.maxTokens(), math.MaxInt32)),
	}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if t := clampedPtr(req.Temperature, 0, 2); t != nil {
		cfg.Temperature = genai.Ptr(float32(*t))
	}
	if tp := clampedPtr(req.TopP, 0, 1); tp != nil {
		cfg.TopP = genai.Ptr(float32(*tp))
	}
	if req.Seed != nil {
		cfg.Seed = genai.Ptr(int32(clamp(*req.Seed, math.MinInt32, math.MaxInt32)))
	}
	if req.JSON {
		cfg.ResponseMIMEType = "application/json"
	}
	return cfg
}

// geminiFailure understands both the genai API error and the older
// googleapi error some transports still return.
func geminiFailure(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return classifyGemini(apiErr.Code, apiErr.Message, apiErr.Status, err)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return classifyGemini(apiErrPtr.Code, apiErrPtr.Message, apiErrPtr.Status, err)
	}
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		reason := ""
		if len(gErr.Errors) > 0 {
			reason = gErr.Errors[0].Reason
		}
		return classifyGemini(gErr.Code, gErr.Message, reason, err)
	}
	return apiFailure("google", 0, "", err)
}

func classifyGemini(code int, message, reason string, err error) *BackendError {
	be := apiFailure("google", code, message, err)
	if safetyBlock(message, reason) {
		be.Class = FailureBlocked
	}
	return be
}

func safetyBlock(message, reason string) bool {
	switch strings.ToUpper(reason) {
	case "SAFETY", "BLOCKED", "PROHIBITED_CONTENT":
		return true
	}
	lower := strings.ToLower(message)
	return strings.Contains(lower, "safety") || strings.Contains(lower, "blocked")
}

func credentialsFile(key string) bool {
	return filepath.IsAbs(key) || strings.ContainsAny(key, `/\`) ||
		strings.EqualFold(filepath.Ext(key), ".json")
}
