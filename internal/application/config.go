package application

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ahrav/go-concord/infrastructure/llm"
	"github.com/ahrav/go-concord/infrastructure/middleware"
	"github.com/ahrav/go-concord/internal/domain"
)

// Config is the complete configuration of a concord deployment and the
// entry point of every YAML config file.
type Config struct {
	// Version is the config schema version, X.Y.Z.
	Version    string           `yaml:"version" validate:"required,semver"`
	Ensemble   EnsembleConfig   `yaml:"ensemble"`
	Backends   []BackendConfig  `yaml:"backends" validate:"required,min=1,dive"`
	Middleware MiddlewareConfig `yaml:"middleware"`
	Retrieval  RetrievalConfig  `yaml:"retrieval"`
	Recorder   RecorderConfig   `yaml:"recorder"`
	Logging    LoggingConfig    `yaml:"logging"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// EnsembleConfig tunes the trial pipeline.
type EnsembleConfig struct {
	// PerBackendTimeout bounds each generator call.
	PerBackendTimeout time.Duration `yaml:"per_backend_timeout" validate:"gte=0"`
	// JudgeTimeout bounds each per-component judge call.
	JudgeTimeout time.Duration `yaml:"judge_timeout" validate:"gte=0"`
	// AssemblerTimeout bounds the smoothing call.
	AssemblerTimeout time.Duration `yaml:"assembler_timeout" validate:"gte=0"`
	// RecordTimeout bounds persisting the trial record.
	RecordTimeout time.Duration `yaml:"record_timeout" validate:"gte=0"`
	// MaxConcurrency caps in-flight calls per stage.
	MaxConcurrency int `yaml:"max_concurrency" validate:"gte=0,lte=64"`
	// MaxTokens caps generator completions.
	MaxTokens int `yaml:"max_tokens" validate:"gte=0,lte=65536"`
	// Temperature overrides the generators' sampling temperature.
	Temperature *float64 `yaml:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	// AssemblyMode is structural or smoothed.
	AssemblyMode string `yaml:"assembly_mode" validate:"omitempty,oneof=structural smoothed"`
	// TokenEstimator prices calls whose provider reports no usage:
	// "chars" (default) or "words", scaled by TokenRatio.
	TokenEstimator string          `yaml:"token_estimator" validate:"omitempty,oneof=chars words"`
	TokenRatio     float64         `yaml:"token_ratio" validate:"gte=0"`
	Budget         BudgetConfig    `yaml:"budget"`
	Verifier       VerifierOptions `yaml:"verifier"`
}

// BudgetConfig bounds each trial. Zero disables a limit.
type BudgetConfig struct {
	MaxCost  float64       `yaml:"max_cost" validate:"gte=0"`
	Deadline time.Duration `yaml:"deadline" validate:"gte=0"`
}

func (b BudgetConfig) toBudget() middleware.Budget {
	return middleware.Budget{MaxCost: b.MaxCost, Deadline: b.Deadline}
}

// BackendConfig declares one named backend.
type BackendConfig struct {
	Name string `yaml:"name" validate:"required,max=64,backendname"`
	// Provider is "provider/model" or just "provider" for its default model.
	Provider string        `yaml:"provider" validate:"required,modelspec"`
	Roles    []string      `yaml:"roles" validate:"required,min=1,dive,oneof=generator judge assembler"`
	Cost     CostConfig    `yaml:"cost"`
	Timeout  time.Duration `yaml:"timeout" validate:"gte=0"`
}

// CostConfig prices a backend in dollars.
type CostConfig struct {
	InputPer1K  float64 `yaml:"input_per_1k" validate:"gte=0"`
	OutputPer1K float64 `yaml:"output_per_1k" validate:"gte=0"`
	PerCall     float64 `yaml:"per_call" validate:"gte=0"`
}

// MiddlewareConfig configures the client middleware every backend gets.
// Zero values disable the matching middleware.
type MiddlewareConfig struct {
	RateLimitRPS    float64       `yaml:"rate_limit_rps" validate:"gte=0"`
	Burst           int           `yaml:"burst" validate:"gte=0"`
	RetryAttempts   int           `yaml:"retry_attempts" validate:"gte=0,lte=10"`
	RetryBaseDelay  time.Duration `yaml:"retry_base_delay" validate:"gte=0"`
	BreakerFailures int           `yaml:"breaker_failures" validate:"gte=0"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown" validate:"gte=0"`
}

// RetrievalConfig configures the keyword corpus context supplier.
type RetrievalConfig struct {
	// CorpusPath is a YAML corpus file. Empty disables retrieval.
	CorpusPath string        `yaml:"corpus_path"`
	TopK       int           `yaml:"top_k" validate:"gte=0,lte=100"`
	CacheTTL   time.Duration `yaml:"cache_ttl" validate:"gte=0"`
	// Watch reloads the corpus when the file changes.
	Watch bool `yaml:"watch"`
	// RedisURL shares the context cache between processes.
	RedisURL string `yaml:"redis_url" validate:"omitempty,url"`
}

// RecorderConfig selects the trial record sinks. JSONL is always on; the
// others are enabled by setting their address.
type RecorderConfig struct {
	JSONLPath   string `yaml:"jsonl_path"`
	MaxSizeMB   int    `yaml:"max_size_mb" validate:"gte=0"`
	MaxBackups  int    `yaml:"max_backups" validate:"gte=0"`
	NATSURL     string `yaml:"nats_url" validate:"omitempty,url"`
	NATSSubject string `yaml:"nats_subject"`
	NATSStream  string `yaml:"nats_stream"`
	RedisURL    string `yaml:"redis_url" validate:"omitempty,url"`
	RedisStream string `yaml:"redis_stream"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	FilePath   string `yaml:"file_path"`
	Level      string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Production bool   `yaml:"production"`
}

// TelemetryConfig configures OpenTelemetry export. An empty endpoint keeps
// the no-op tracer.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
	Insecure     bool   `yaml:"insecure"`
}

// Defaults applied by ApplyDefaults.
const (
	DefaultJSONLPath   = "trials.jsonl"
	DefaultNATSSubject = "trials.recorded"
	DefaultNATSStream  = "TRIALS"
	DefaultRedisStream = "trials"
	DefaultTopK        = 5
	DefaultCacheTTL    = 10 * time.Minute
	DefaultServiceName = "concord"
)

// ApplyDefaults fills unset optional fields.
func (c *Config) ApplyDefaults() {
	if c.Ensemble.AssemblyMode == "" {
		c.Ensemble.AssemblyMode = "structural"
	}
	c.Ensemble.Verifier = c.Ensemble.Verifier.withDefaults()
	if c.Recorder.JSONLPath == "" {
		c.Recorder.JSONLPath = DefaultJSONLPath
	}
	if c.Recorder.NATSSubject == "" {
		c.Recorder.NATSSubject = DefaultNATSSubject
	}
	if c.Recorder.NATSStream == "" {
		c.Recorder.NATSStream = DefaultNATSStream
	}
	if c.Recorder.RedisStream == "" {
		c.Recorder.RedisStream = DefaultRedisStream
	}
	if c.Retrieval.TopK == 0 {
		c.Retrieval.TopK = DefaultTopK
	}
	if c.Retrieval.CacheTTL == 0 {
		c.Retrieval.CacheTTL = DefaultCacheTTL
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = DefaultServiceName
	}
}

// BackendSpecs converts the backend list for llm.Registry.AddBackend.
func (c *Config) BackendSpecs() []llm.BackendSpec {
	specs := make([]llm.BackendSpec, len(c.Backends))
	for i, b := range c.Backends {
		roles := make([]llm.Role, len(b.Roles))
		for j, r := range b.Roles {
			roles[j] = llm.Role(r)
		}
		specs[i] = llm.BackendSpec{
			Name:     b.Name,
			Provider: b.Provider,
			Roles:    roles,
			Cost: domain.CostModel{
				InputPer1K:  b.Cost.InputPer1K,
				OutputPer1K: b.Cost.OutputPer1K,
				PerCall:     b.Cost.PerCall,
			},
			Timeout: b.Timeout,
		}
	}
	return specs
}

// ConfigLoader parses and validates configuration files.
type ConfigLoader struct {
	validator *validator.Validate
	providers map[string]llm.ProviderConfig
}

// NewConfigLoader creates a loader that accepts the given providers. Nil
// providers means llm.DefaultProviders.
func NewConfigLoader(providers map[string]llm.ProviderConfig) (*ConfigLoader, error) {
	v := validator.New()
	if err := registerCustomValidators(v); err != nil {
		return nil, fmt.Errorf("failed to register validators: %w", err)
	}
	if providers == nil {
		providers = llm.DefaultProviders
	}
	return &ConfigLoader{validator: v, providers: providers}, nil
}

// LoadFromFile reads, parses and validates a config file.
func (cl *ConfigLoader) LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return cl.Parse(data)
}

// LoadFromReader reads, parses and validates config from r.
func (cl *ConfigLoader) LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return cl.Parse(data)
}

// Parse decodes YAML strictly, applies defaults and validates the result.
// Unknown fields are errors.
func (cl *ConfigLoader) Parse(data []byte) (*Config, error) {
	var config Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&config); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: config is empty", domain.ErrInvalidConfiguration)
		}
		return nil, fmt.Errorf("YAML decode failed: %w", err)
	}
	config.ApplyDefaults()

	if err := cl.Validate(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate runs struct-tag validation and the cross-field checks.
func (cl *ConfigLoader) Validate(config *Config) error {
	if err := cl.validator.Struct(config); err != nil {
		return fmt.Errorf("%w: struct validation failed: %w", domain.ErrInvalidConfiguration, err)
	}
	if err := cl.validateSemantics(config); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrInvalidConfiguration, err)
	}
	return nil
}

func (cl *ConfigLoader) validateSemantics(config *Config) error {
	verr := domain.NewValidationError("config")

	names := make(map[string]struct{}, len(config.Backends))
	generators, assemblers := 0, 0
	for _, b := range config.Backends {
		if _, dup := names[b.Name]; dup {
			verr.AddError(fmt.Sprintf("duplicate backend name %q", b.Name))
		}
		names[b.Name] = struct{}{}

		provider, _ := splitModelSpec(b.Provider)
		if _, ok := cl.providers[provider]; !ok {
			verr.AddError(fmt.Sprintf("backend %q: unknown provider %q", b.Name, provider))
		}
		for _, r := range b.Roles {
			switch llm.Role(r) {
			case llm.RoleGenerator:
				generators++
			case llm.RoleAssembler:
				assemblers++
			}
		}
	}
	if generators == 0 {
		verr.AddError("at least one backend must have the generator role")
	}
	if assemblers > 1 {
		verr.AddError("at most one backend may have the assembler role")
	}
	if config.Ensemble.AssemblyMode == "smoothed" && assemblers == 0 {
		verr.AddError("assembly_mode smoothed requires a backend with the assembler role")
	}
	if config.Middleware.RateLimitRPS > 0 && config.Middleware.Burst == 0 {
		verr.AddError("middleware.burst must be positive when rate_limit_rps is set")
	}

	if verr.HasErrors() {
		return verr
	}
	return nil
}

// LoadEnv loads environment variables from .env files, by default ./.env.
// Missing files are ignored and variables already set are kept.
func LoadEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}
