// Registry implements ports.BackendRegistry over provider clients built
// from configuration.
//
// Each backend is registered under a unique name with one or more roles
// (generator, judge, assembler) and a cost model. Provider credentials are
// read from the provider's environment variable, and every backend gets
// its own middleware instances so rate limits and circuit state never leak
// between backends.
//
//	registry, _ := llm.NewRegistry(llm.RegistryConfig{
//	    DefaultProvider: "openai",
//	    Providers:       llm.DefaultProviders,
//	})
//	_ = registry.AddBackend(llm.BackendSpec{
//	    Name:     "gpt",
//	    Provider: "openai/gpt-4.1",
//	    Roles:    []llm.Role{llm.RoleGenerator, llm.RoleJudge},
//	})
//	judges := registry.Judges()

package llm

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ahrav/go-concord/internal/domain"
	"github.com/ahrav/go-concord/internal/ports"
)

// Role is the part a backend plays in a trial.
type Role string

const (
	RoleGenerator Role = "generator"
	RoleJudge     Role = "judge"
	RoleAssembler Role = "assembler"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleGenerator, RoleJudge, RoleAssembler:
		return true
	default:
		return false
	}
}

// ProviderConfig holds provider-specific configuration.
type ProviderConfig struct {
	// Type specifies the provider implementation type (openai, anthropic, google).
	Type string
	// EnvVar names the environment variable holding the API key.
	EnvVar string
	// DefaultModel is used when a backend names only the provider.
	DefaultModel string
	// SupportedModels lists accepted models. Empty disables the check.
	SupportedModels []string
	// BaseURL overrides the default API endpoint for the provider.
	BaseURL string
	// Middleware is appended after the registry defaults for every
	// backend of this provider.
	Middleware []Middleware
}

// RegistryConfig holds configuration for the backend registry.
type RegistryConfig struct {
	// Providers defines the available providers and their configurations.
	Providers map[string]ProviderConfig
	// DefaultProvider is used when a backend's provider spec is empty.
	DefaultProvider string
	// DefaultTimeout sets the default request timeout for all backends.
	DefaultTimeout time.Duration
	// DefaultMiddleware is applied to every backend, outermost first.
	DefaultMiddleware []Middleware
	// BackendMiddleware, when set, builds fresh middleware for one backend.
	// It runs once per AddBackend and its result wraps inside the defaults.
	BackendMiddleware func(backend string) []Middleware
	// TokenEstimator fills in usage a provider does not report.
	TokenEstimator TokenEstimator
}

// BackendSpec describes one backend to build from a provider.
type BackendSpec struct {
	// Name is the unique name candidates and verdicts refer to.
	Name string
	// Provider is "provider" or "provider/model".
	Provider string
	// Roles lists what the backend is used for. At least one is required.
	Roles []Role
	// Cost prices the backend's calls.
	Cost domain.CostModel
	// Timeout overrides the registry default for this backend.
	Timeout time.Duration
}

// DefaultProviders provides standard provider configurations for common LLM services.
var DefaultProviders = map[string]ProviderConfig{
	"openai": {
		Type:         "openai",
		EnvVar:       "OPENAI_API_KEY",
		DefaultModel: "gpt-4.1",
		SupportedModels: []string{
			"gpt-4.1", "gpt-4.1-mini", "gpt-4.1-nano",
			"gpt-4o", "gpt-4o-mini",
			"gpt-4", "gpt-4-turbo",
			"o4-mini", "o3", "o3-mini",
		},
	},
	"anthropic": {
		Type:         "anthropic",
		EnvVar:       "ANTHROPIC_API_KEY",
		DefaultModel: "claude-sonnet-4-0",
		SupportedModels: []string{
			"claude-opus-4-1", "claude-opus-4-0", "claude-sonnet-4-0",
			"claude-3-7-sonnet-latest", "claude-3-5-haiku-latest",
		},
	},
	"google": {
		Type:         "google",
		EnvVar:       "GOOGLE_API_KEY",
		DefaultModel: "gemini-2.5-flash",
		SupportedModels: []string{
			"gemini-2.5-pro", "gemini-2.5-flash", "gemini-2.5-flash-lite",
			"gemini-2.0-flash", "gemini-2.0-flash-lite",
		},
	},
}

type registeredBackend struct {
	named ports.NamedBackend
	roles []Role
	cost  domain.CostModel
}

// Registry manages the named backends of an ensemble.
// Backends are added at startup; afterwards the registry is read-only and
// safe for concurrent reads.
type Registry struct {
	providers         map[string]ProviderConfig
	defaultProvider   string
	defaultMiddleware []Middleware
	backendMiddleware func(string) []Middleware
	defaultTimeout    time.Duration
	estimator         TokenEstimator

	mu       sync.RWMutex
	backends []registeredBackend
	byName   map[string]int
}

var _ ports.BackendRegistry = (*Registry)(nil)

// NewRegistry creates an empty registry.
func NewRegistry(config RegistryConfig) (*Registry, error) {
	if config.DefaultProvider != "" {
		if _, exists := config.Providers[config.DefaultProvider]; !exists {
			return nil, fmt.Errorf("default provider %q not found in providers configuration", config.DefaultProvider)
		}
	}

	return &Registry{
		providers:         config.Providers,
		defaultProvider:   config.DefaultProvider,
		defaultMiddleware: config.DefaultMiddleware,
		backendMiddleware: config.BackendMiddleware,
		defaultTimeout:    config.DefaultTimeout,
		estimator:         config.TokenEstimator,
		byName:            make(map[string]int),
	}, nil
}

// AddBackend builds a provider client for spec and registers it.
func (r *Registry) AddBackend(spec BackendSpec) error {
	if err := r.checkEntry(spec.Name, spec.Roles); err != nil {
		return err
	}

	client, err := r.createClient(spec)
	if err != nil {
		return fmt.Errorf("backend %q: %w", spec.Name, err)
	}

	return r.Register(spec.Name, client, spec.Cost, spec.Roles...)
}

// Register adds an already constructed backend. It is the extension point
// for custom backends and for tests.
func (r *Registry) Register(name string, backend ports.Backend, cost domain.CostModel, roles ...Role) error {
	if err := r.checkEntry(name, roles); err != nil {
		return err
	}
	if backend == nil {
		return fmt.Errorf("backend %q: nil backend", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.byName[name]; dup {
		return fmt.Errorf("backend %q already registered", name)
	}
	r.byName[name] = len(r.backends)
	r.backends = append(r.backends, registeredBackend{
		named: ports.NamedBackend{Name: name, Backend: backend},
		roles: slices.Clone(roles),
		cost:  cost,
	})
	return nil
}

func (r *Registry) checkEntry(name string, roles []Role) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("backend name cannot be empty")
	}
	if len(roles) == 0 {
		return fmt.Errorf("backend %q: at least one role is required", name)
	}
	for _, role := range roles {
		if !role.Valid() {
			return fmt.Errorf("backend %q: unknown role %q", name, role)
		}
	}
	return nil
}

// Generators returns the generator backends in registration order.
func (r *Registry) Generators() []ports.NamedBackend { return r.withRole(RoleGenerator) }

// Judges returns the judge backends in registration order.
func (r *Registry) Judges() []ports.NamedBackend { return r.withRole(RoleJudge) }

// Assembler returns the first backend registered with the assembler role.
func (r *Registry) Assembler() (ports.NamedBackend, bool) {
	assemblers := r.withRole(RoleAssembler)
	if len(assemblers) == 0 {
		return ports.NamedBackend{}, false
	}
	return assemblers[0], true
}

// CostModel returns the pricing of the named backend. Unknown backends are free.
func (r *Registry) CostModel(name string) domain.CostModel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i, ok := r.byName[name]; ok {
		return r.backends[i].cost
	}
	return domain.CostModel{}
}

// Backend looks up a backend by name.
func (r *Registry) Backend(name string) (ports.NamedBackend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i, ok := r.byName[name]; ok {
		return r.backends[i].named, nil
	}
	return ports.NamedBackend{}, fmt.Errorf("%w: %s", ErrUnknownBackend, name)
}

// Names returns every backend name in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.backends))
	for i, b := range r.backends {
		names[i] = b.named.Name
	}
	return names
}

func (r *Registry) withRole(role Role) []ports.NamedBackend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ports.NamedBackend
	for _, b := range r.backends {
		if slices.Contains(b.roles, role) {
			out = append(out, b.named)
		}
	}
	return out
}

// ParseSpec splits "provider" or "provider/model" into its parts, filling
// the provider's default model when none is given.
func (r *Registry) ParseSpec(spec string) (provider, model string) {
	if spec == "" {
		spec = r.defaultProvider
	}
	provider, model, _ = strings.Cut(spec, "/")
	if model == "" {
		if providerConfig, ok := r.providers[provider]; ok {
			model = providerConfig.DefaultModel
		}
	}
	return provider, model
}

func (r *Registry) createClient(spec BackendSpec) (*Client, error) {
	provider, model := r.ParseSpec(spec.Provider)

	providerConfig, exists := r.providers[provider]
	if !exists {
		return nil, fmt.Errorf("unknown provider %q", provider)
	}

	if len(providerConfig.SupportedModels) > 0 && !slices.Contains(providerConfig.SupportedModels, model) {
		return nil, fmt.Errorf("model %q is not supported by provider %q. Supported models: %v",
			model, provider, providerConfig.SupportedModels)
	}

	apiKey := os.Getenv(providerConfig.EnvVar)
	if apiKey == "" {
		return nil, fmt.Errorf("%s environment variable not set for provider %q", providerConfig.EnvVar, provider)
	}

	timeout := r.defaultTimeout
	if spec.Timeout > 0 {
		timeout = spec.Timeout
	}

	chain := slices.Clone(r.defaultMiddleware)
	if r.backendMiddleware != nil {
		chain = append(chain, r.backendMiddleware(spec.Name)...)
	}
	chain = append(chain, providerConfig.Middleware...)

	return NewClient(providerConfig.Type, Endpoint{
		APIKey:  apiKey,
		Model:   model,
		BaseURL: providerConfig.BaseURL,
		Timeout: timeout,
	}, WithMiddleware(chain...), WithTokenEstimator(r.estimator), WithCallTimeout(timeout))
}
