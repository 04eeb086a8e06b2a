package llm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
	"google.golang.org/genai"
)

func TestGenerationConfig(t *testing.T) {
	temp, topP, seed := 1.9, 1.4, 11
	cfg := generationConfig(Request{
		System:      "follow the rules",
		Temperature: &temp,
		TopP:        &topP,
		MaxTokens:   1024,
		JSON:        true,
		Seed:        &seed,
	})

	require.NotNil(t, cfg.SystemInstruction)
	require.Len(t, cfg.SystemInstruction.Parts, 1)
	assert.Equal(t, "follow the rules", cfg.SystemInstruction.Parts[0].Text)
	require.NotNil(t, cfg.Temperature)
	assert.InDelta(t, 1.9, *cfg.Temperature, 1e-6)
	require.NotNil(t, cfg.TopP)
	assert.InDelta(t, 1.0, *cfg.TopP, 1e-6, "top_p is clamped")
	require.NotNil(t, cfg.Seed)
	assert.Equal(t, int32(11), *cfg.Seed)
	assert.Equal(t, int32(1024), cfg.MaxOutputTokens)
	assert.Equal(t, "application/json", cfg.ResponseMIMEType)
}

func TestGenerationConfig_Defaults(t *testing.T) {
	cfg := generationConfig(Request{Prompt: "p"})

	assert.Nil(t, cfg.SystemInstruction)
	assert.Nil(t, cfg.Temperature)
	assert.Nil(t, cfg.Seed)
	assert.Empty(t, cfg.ResponseMIMEType)
	assert.Equal(t, int32(DefaultMaxTokens), cfg.MaxOutputTokens)
}

func TestGeminiFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureClass
	}{
		{name: "genai quota", err: genai.APIError{Code: 429, Message: "quota exceeded", Status: "RESOURCE_EXHAUSTED"}, want: FailureThrottled},
		{name: "genai safety", err: genai.APIError{Code: 400, Message: "Response blocked by safety settings"}, want: FailureBlocked},
		{name: "googleapi reason", err: &googleapi.Error{Code: 400, Errors: []googleapi.ErrorItem{{Reason: "SAFETY"}}}, want: FailureBlocked},
		{name: "googleapi server", err: &googleapi.Error{Code: 500}, want: FailureUnavailable},
		{name: "transport", err: errors.New("socket closed"), want: FailureUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var be *BackendError
			require.ErrorAs(t, geminiFailure(tt.err), &be)
			assert.Equal(t, tt.want, be.Class)
			assert.Equal(t, "google", be.Provider)
		})
	}
}

func TestNewGemini_RejectsCredentialFiles(t *testing.T) {
	for _, key := range []string{"/etc/sa.json", "sa.JSON", `keys\prod`} {
		_, err := newGemini(Endpoint{APIKey: key})
		assert.ErrorContains(t, err, "credentials file", key)
	}
	_, err := newGemini(Endpoint{})
	assert.ErrorIs(t, err, ErrMissingAPIKey)
	assert.False(t, credentialsFile("AIzaSyExampleKey"))
}
