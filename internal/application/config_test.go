package application

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-concord/infrastructure/llm"
	"github.com/ahrav/go-concord/internal/domain"
)

const minimalConfig = `
version: "1.0.0"
backends:
  - name: gpt
    provider: openai/gpt-4o
    roles: [generator, judge]
`

func newTestLoader(t *testing.T) *ConfigLoader {
	t.Helper()
	loader, err := NewConfigLoader(nil)
	require.NoError(t, err)
	return loader
}

func TestConfigLoader_Parse(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
		verify  func(t *testing.T, c *Config)
	}{
		{
			name: "minimal config gets defaults",
			yaml: minimalConfig,
			verify: func(t *testing.T, c *Config) {
				assert.Equal(t, "structural", c.Ensemble.AssemblyMode)
				assert.Equal(t, DefaultJSONLPath, c.Recorder.JSONLPath)
				assert.Equal(t, DefaultNATSSubject, c.Recorder.NATSSubject)
				assert.Equal(t, DefaultTopK, c.Retrieval.TopK)
				assert.Equal(t, DefaultCacheTTL, c.Retrieval.CacheTTL)
				assert.Equal(t, "info", c.Logging.Level)
				assert.Equal(t, DefaultServiceName, c.Telemetry.ServiceName)
				assert.Equal(t, DefaultVerifierOptions(), c.Ensemble.Verifier)
			},
		},
		{
			name: "full config",
			yaml: `
version: "2.1.0"
ensemble:
  per_backend_timeout: 45s
  judge_timeout: 20s
  max_concurrency: 4
  temperature: 0.2
  assembly_mode: smoothed
  budget:
    max_cost: 0.5
    deadline: 2m
  verifier:
    length_ratio: 0.7
    required_components: [direct_answer, citations]
backends:
  - name: gpt
    provider: openai/gpt-4o
    roles: [generator, judge]
    cost: {input_per_1k: 0.005, output_per_1k: 0.015}
  - name: claude
    provider: anthropic/claude-3-5-sonnet-20241022
    roles: [generator, judge, assembler]
    timeout: 30s
  - name: gemini
    provider: google
    roles: [generator]
middleware:
  rate_limit_rps: 5
  burst: 10
  retry_attempts: 2
recorder:
  nats_url: nats://localhost:4222
  postgres_dsn: host=localhost user=concord dbname=trials
`,
			verify: func(t *testing.T, c *Config) {
				assert.Equal(t, 45*time.Second, c.Ensemble.PerBackendTimeout)
				assert.Equal(t, "smoothed", c.Ensemble.AssemblyMode)
				require.NotNil(t, c.Ensemble.Temperature)
				assert.InDelta(t, 0.2, *c.Ensemble.Temperature, 1e-9)
				assert.Equal(t, 2*time.Minute, c.Ensemble.Budget.Deadline)
				assert.InDelta(t, 0.7, c.Ensemble.Verifier.LengthRatio, 1e-9)
				assert.Equal(t, 12, c.Ensemble.Verifier.CompletenessTokens)
				assert.Equal(t,
					[]domain.Component{domain.ComponentDirectAnswer, domain.ComponentCitations},
					c.Ensemble.Verifier.RequiredComponents)
				require.Len(t, c.Backends, 3)
				assert.Equal(t, 30*time.Second, c.Backends[1].Timeout)
				assert.Equal(t, "nats://localhost:4222", c.Recorder.NATSURL)
			},
		},
		{name: "empty document", yaml: "", wantErr: "config is empty"},
		{name: "unknown field", yaml: minimalConfig + "surprise: true\n", wantErr: "field surprise not found"},
		{
			name:    "bad version",
			yaml:    strings.Replace(minimalConfig, `"1.0.0"`, `"1.0"`, 1),
			wantErr: "semver",
		},
		{
			name:    "bad provider spec",
			yaml:    strings.Replace(minimalConfig, "openai/gpt-4o", "OpenAI GPT", 1),
			wantErr: "modelspec",
		},
		{
			name:    "bad backend name",
			yaml:    strings.Replace(minimalConfig, "name: gpt", "name: \"gpt 4\"", 1),
			wantErr: "backendname",
		},
		{
			name:    "unknown role",
			yaml:    strings.Replace(minimalConfig, "[generator, judge]", "[generator, critic]", 1),
			wantErr: "oneof",
		},
		{
			name: "unknown required component",
			yaml: minimalConfig + `
ensemble:
  verifier:
    required_components: [summary]
`,
			wantErr: "component",
		},
		{
			name: "unknown assembly mode",
			yaml: minimalConfig + `
ensemble:
  assembly_mode: fancy
`,
			wantErr: "oneof",
		},
	}

	loader := newTestLoader(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config, err := loader.Parse([]byte(tt.yaml))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			if tt.verify != nil {
				tt.verify(t, config)
			}
		})
	}
}

func TestConfigLoader_Semantics(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name: "duplicate names",
			yaml: `
version: "1.0.0"
backends:
  - {name: gpt, provider: openai, roles: [generator]}
  - {name: gpt, provider: anthropic, roles: [judge]}
`,
			wantErr: `duplicate backend name "gpt"`,
		},
		{
			name: "unknown provider",
			yaml: `
version: "1.0.0"
backends:
  - {name: local, provider: ollama/llama3, roles: [generator]}
`,
			wantErr: `unknown provider "ollama"`,
		},
		{
			name: "no generator",
			yaml: `
version: "1.0.0"
backends:
  - {name: gpt, provider: openai, roles: [judge]}
`,
			wantErr: "generator role",
		},
		{
			name: "two assemblers",
			yaml: `
version: "1.0.0"
backends:
  - {name: gpt, provider: openai, roles: [generator, assembler]}
  - {name: claude, provider: anthropic, roles: [assembler]}
`,
			wantErr: "at most one backend",
		},
		{
			name: "smoothed without assembler",
			yaml: minimalConfig + `
ensemble:
  assembly_mode: smoothed
`,
			wantErr: "requires a backend with the assembler role",
		},
		{
			name: "rate limit without burst",
			yaml: minimalConfig + `
middleware:
  rate_limit_rps: 3
`,
			wantErr: "burst must be positive",
		},
	}

	loader := newTestLoader(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loader.Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrInvalidConfiguration)
			var verr *domain.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfigLoader_CustomProviders(t *testing.T) {
	loader, err := NewConfigLoader(map[string]llm.ProviderConfig{"ollama": {}})
	require.NoError(t, err)

	_, err = loader.Parse([]byte(`
version: "1.0.0"
backends:
  - {name: local, provider: ollama/llama3, roles: [generator]}
`))
	assert.NoError(t, err)

	_, err = loader.Parse([]byte(minimalConfig))
	assert.ErrorContains(t, err, `unknown provider "openai"`)
}

func TestConfigLoader_LoadFromFile(t *testing.T) {
	loader := newTestLoader(t)
	path := filepath.Join(t.TempDir(), "concord.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalConfig), 0o600))

	config, err := loader.LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", config.Version)

	_, err = loader.LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	config, err = loader.LoadFromReader(strings.NewReader(minimalConfig))
	require.NoError(t, err)
	assert.Len(t, config.Backends, 1)
}

func TestConfig_BackendSpecs(t *testing.T) {
	config, err := newTestLoader(t).Parse([]byte(`
version: "1.0.0"
backends:
  - name: gpt
    provider: openai/gpt-4o
    roles: [generator, judge]
    cost: {input_per_1k: 0.01, output_per_1k: 0.03, per_call: 0.001}
    timeout: 15s
`))
	require.NoError(t, err)

	specs := config.BackendSpecs()
	require.Len(t, specs, 1)
	assert.Equal(t, "gpt", specs[0].Name)
	assert.Equal(t, "openai/gpt-4o", specs[0].Provider)
	assert.Equal(t, []llm.Role{llm.RoleGenerator, llm.RoleJudge}, specs[0].Roles)
	assert.Equal(t, domain.CostModel{InputPer1K: 0.01, OutputPer1K: 0.03, PerCall: 0.001}, specs[0].Cost)
	assert.Equal(t, 15*time.Second, specs[0].Timeout)
}

func TestSplitModelSpec(t *testing.T) {
	provider, model := splitModelSpec("anthropic/claude-3-5-sonnet-20241022")
	assert.Equal(t, "anthropic", provider)
	assert.Equal(t, "claude-3-5-sonnet-20241022", model)

	provider, model = splitModelSpec("google")
	assert.Equal(t, "google", provider)
	assert.Empty(t, model)
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("CONCORD_TEST_KEY=from-file\nCONCORD_TEST_KEPT=from-file\n"), 0o600))

	t.Setenv("CONCORD_TEST_KEPT", "from-env")
	t.Setenv("CONCORD_TEST_KEY", "")
	require.NoError(t, os.Unsetenv("CONCORD_TEST_KEY"))

	require.NoError(t, LoadEnv(path, filepath.Join(dir, "missing.env")))
	assert.Equal(t, "from-file", os.Getenv("CONCORD_TEST_KEY"))
	assert.Equal(t, "from-env", os.Getenv("CONCORD_TEST_KEPT"))
}
