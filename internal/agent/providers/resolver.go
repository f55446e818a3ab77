package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/parley/internal/agent"
)

// KeySource looks up the API key for a provider. credentials.Resolver
// satisfies it.
type KeySource interface {
	Key(ctx context.Context, provider string) (string, error)
}

// Rule routes model ids starting with Prefix to Provider.
type Rule struct {
	Prefix   string
	Provider string
}

// Endpoint overrides connection settings for one provider.
type Endpoint struct {
	BaseURL      string
	DefaultModel string
	// KeyOptional allows local servers that need no credentials.
	KeyOptional bool
}

// ResolverConfig configures a Resolver.
type ResolverConfig struct {
	Keys      KeySource
	Rules     []Rule
	Endpoints map[string]Endpoint

	MaxRetries int
	RetryDelay time.Duration
}

var defaultRules = []Rule{
	{Prefix: "claude", Provider: "anthropic"},
	{Prefix: "gpt", Provider: "openai"},
	{Prefix: "o1", Provider: "openai"},
	{Prefix: "o3", Provider: "openai"},
	{Prefix: "o4", Provider: "openai"},
	{Prefix: "gemini", Provider: "google"},
}

var defaultEndpoints = map[string]Endpoint{
	"openrouter": {BaseURL: "https://openrouter.ai/api/v1"},
	"ollama":     {BaseURL: "http://localhost:11434/v1", KeyOptional: true},
}

// ErrUnknownModel is returned when no rule routes a model id.
var ErrUnknownModel = errors.New("no provider serves model")

// Resolver builds the provider serving a model id. It implements
// agent.GenerationResolver and caches one provider per provider name and
// key, so a rotated key produces a fresh client.
type Resolver struct {
	config ResolverConfig

	mu    sync.Mutex
	cache map[string]agent.LLMProvider
}

// NewResolver creates a resolver. Configured rules are consulted before
// the built-in prefixes.
func NewResolver(config ResolverConfig) *Resolver {
	return &Resolver{
		config: config,
		cache:  make(map[string]agent.LLMProvider),
	}
}

// Route returns the provider name for a model id.
func (r *Resolver) Route(model string) (string, error) {
	id := strings.ToLower(strings.TrimSpace(model))
	if name, _, found := strings.Cut(id, "/"); found {
		if knownProvider(name) || r.hasEndpoint(name) {
			return name, nil
		}
	}
	for _, rule := range append(append([]Rule(nil), r.config.Rules...), defaultRules...) {
		prefix := strings.ToLower(strings.TrimSpace(rule.Prefix))
		if prefix != "" && strings.HasPrefix(id, prefix) {
			return strings.ToLower(rule.Provider), nil
		}
	}
	return "", fmt.Errorf("%w %q", ErrUnknownModel, model)
}

// Resolve returns a provider for model, building it on first use.
func (r *Resolver) Resolve(ctx context.Context, model string) (agent.LLMProvider, error) {
	name, err := r.Route(model)
	if err != nil {
		return nil, err
	}
	endpoint := r.endpoint(name)

	var key string
	if r.config.Keys != nil {
		key, err = r.config.Keys.Key(ctx, name)
	} else {
		err = fmt.Errorf("no credential source configured")
	}
	if err != nil && !endpoint.KeyOptional {
		return nil, &agent.CredentialError{Model: model, Cause: err}
	}

	cacheKey := name + "\x00" + key
	r.mu.Lock()
	defer r.mu.Unlock()
	if provider, ok := r.cache[cacheKey]; ok {
		return provider, nil
	}
	provider, err := r.build(name, key, endpoint)
	if err != nil {
		return nil, &agent.CredentialError{Model: model, Cause: err}
	}
	r.cache[cacheKey] = provider
	return provider, nil
}

// Invalidate drops cached providers, e.g. after credentials change.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]agent.LLMProvider)
}

func (r *Resolver) build(name, key string, endpoint Endpoint) (agent.LLMProvider, error) {
	switch name {
	case "anthropic":
		return NewAnthropicProvider(AnthropicConfig{
			APIKey:       key,
			BaseURL:      endpoint.BaseURL,
			DefaultModel: endpoint.DefaultModel,
			MaxRetries:   r.config.MaxRetries,
			RetryDelay:   r.config.RetryDelay,
		})
	case "google":
		return NewGoogleProvider(GoogleConfig{
			APIKey:       key,
			DefaultModel: endpoint.DefaultModel,
			MaxRetries:   r.config.MaxRetries,
			RetryDelay:   r.config.RetryDelay,
		})
	default:
		// Everything else speaks the OpenAI chat completions protocol.
		if key == "" && endpoint.KeyOptional {
			key = name
		}
		if name != "openai" && endpoint.BaseURL == "" {
			return nil, fmt.Errorf("provider %q has no base URL", name)
		}
		return NewOpenAIProvider(OpenAIConfig{
			Name:         name,
			APIKey:       key,
			BaseURL:      endpoint.BaseURL,
			DefaultModel: endpoint.DefaultModel,
			MaxRetries:   r.config.MaxRetries,
			RetryDelay:   r.config.RetryDelay,
		})
	}
}

func (r *Resolver) endpoint(name string) Endpoint {
	if ep, ok := r.config.Endpoints[name]; ok {
		if ep.BaseURL == "" {
			ep.BaseURL = defaultEndpoints[name].BaseURL
		}
		ep.KeyOptional = ep.KeyOptional || defaultEndpoints[name].KeyOptional
		return ep
	}
	return defaultEndpoints[name]
}

func (r *Resolver) hasEndpoint(name string) bool {
	_, ok := r.config.Endpoints[name]
	return ok
}

func knownProvider(name string) bool {
	switch name {
	case "anthropic", "openai", "google", "openrouter", "ollama":
		return true
	}
	return false
}
