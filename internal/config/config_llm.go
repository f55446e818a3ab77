package config

import "time"

type LLMConfig struct {
	DefaultModel    string `yaml:"default_model"`
	SystemPrompt    string `yaml:"system_prompt"`
	ReasoningEffort string `yaml:"reasoning_effort"`
	MaxIterations   int    `yaml:"max_iterations"`
	MaxTokens       int    `yaml:"max_tokens"`

	// Routes are consulted before the built-in model prefixes.
	Routes    []RouteConfig                `yaml:"routes"`
	Providers map[string]LLMProviderConfig `yaml:"providers"`

	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// RouteConfig sends model ids starting with Prefix to Provider.
type RouteConfig struct {
	Prefix   string `yaml:"prefix"`
	Provider string `yaml:"provider"`
}

type LLMProviderConfig struct {
	APIKey       string   `yaml:"api_key"`
	APIKeyEnv    []string `yaml:"api_key_env"`
	BaseURL      string   `yaml:"base_url"`
	DefaultModel string   `yaml:"default_model"`
	KeyOptional  bool     `yaml:"key_optional"`
}

// CredentialsConfig controls API key lookup beyond the config file.
type CredentialsConfig struct {
	KeyringService string        `yaml:"keyring_service"`
	DisableKeyring bool          `yaml:"disable_keyring"`
	CacheTTL       time.Duration `yaml:"cache_ttl"`
}
