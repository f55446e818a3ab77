// Package credentials resolves provider API keys.
//
// Keys are looked up in order: explicit configuration, environment
// variables, then the OS keyring (Linux Secret Service, macOS Keychain,
// Windows Credential Manager). Found keys are cached for a short TTL so a
// busy server does not hit the keyring on every turn.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/zalando/go-keyring"
)

// DefaultKeyringService is the keyring service name keys are stored under.
const DefaultKeyringService = "parley"

// ErrNotFound means no source holds a key for the provider.
var ErrNotFound = errors.New("credential not found")

// defaultEnvVars lists the conventional variables per provider. PARLEY_<NAME>_API_KEY
// is always consulted first.
var defaultEnvVars = map[string][]string{
	"anthropic":  {"ANTHROPIC_API_KEY"},
	"openai":     {"OPENAI_API_KEY"},
	"google":     {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
	"openrouter": {"OPENROUTER_API_KEY"},
}

// Config configures a Resolver.
type Config struct {
	// Keys holds keys set directly in configuration, by provider name.
	Keys map[string]string

	// EnvVars adds environment variable names per provider.
	EnvVars map[string][]string

	// KeyringService overrides DefaultKeyringService.
	KeyringService string

	// DisableKeyring skips the OS keyring, e.g. in containers without a
	// session bus.
	DisableKeyring bool

	// CacheTTL bounds how long a resolved key is reused. Default: 5 minutes
	CacheTTL time.Duration
}

type cachedKey struct {
	value   string
	source  string
	expires time.Time
}

// Resolver looks up API keys. It is safe for concurrent use.
type Resolver struct {
	config Config
	logger *slog.Logger

	getenv func(string) string
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]cachedKey
}

// NewResolver creates a resolver.
func NewResolver(config Config, logger *slog.Logger) *Resolver {
	if config.KeyringService == "" {
		config.KeyringService = DefaultKeyringService
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		config: config,
		logger: logger.With("component", "credentials"),
		getenv: os.Getenv,
		now:    time.Now,
		cache:  make(map[string]cachedKey),
	}
}

// Key returns the API key for provider.
func (r *Resolver) Key(ctx context.Context, provider string) (string, error) {
	provider = normalize(provider)
	if provider == "" {
		return "", fmt.Errorf("%w: empty provider name", ErrNotFound)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	r.mu.Lock()
	if cached, ok := r.cache[provider]; ok && r.now().Before(cached.expires) {
		r.mu.Unlock()
		return cached.value, nil
	}
	configured := r.config.Keys[provider]
	r.mu.Unlock()

	value, source, err := r.lookup(provider, configured)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	r.cache[provider] = cachedKey{value: value, source: source, expires: r.now().Add(r.config.CacheTTL)}
	r.mu.Unlock()
	r.logger.Debug("resolved credential", "provider", provider, "source", source)
	return value, nil
}

// Source reports where the key for provider was found, or "" if it has not
// been resolved yet.
func (r *Resolver) Source(provider string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache[normalize(provider)].source
}

func (r *Resolver) lookup(provider, configured string) (string, string, error) {
	if value := strings.TrimSpace(configured); value != "" && !isUnexpanded(value) {
		return value, "config", nil
	}

	for _, name := range r.envVars(provider) {
		if value := strings.TrimSpace(r.getenv(name)); value != "" {
			return value, "env:" + name, nil
		}
	}

	if !r.config.DisableKeyring {
		value, err := keyring.Get(r.config.KeyringService, provider)
		switch {
		case err == nil && value != "":
			return value, "keyring", nil
		case err != nil && !errors.Is(err, keyring.ErrNotFound):
			r.logger.Warn("keyring lookup failed", "provider", provider, "error", err)
		}
	}

	return "", "", fmt.Errorf("%w for provider %q", ErrNotFound, provider)
}

func (r *Resolver) envVars(provider string) []string {
	names := []string{"PARLEY_" + strings.ToUpper(strings.ReplaceAll(provider, "-", "_")) + "_API_KEY"}
	names = append(names, r.config.EnvVars[provider]...)
	return append(names, defaultEnvVars[provider]...)
}

// Store saves a key in the OS keyring and drops any cached value.
func (r *Resolver) Store(provider, value string) error {
	provider = normalize(provider)
	if provider == "" || strings.TrimSpace(value) == "" {
		return errors.New("provider and key are required")
	}
	if err := keyring.Set(r.config.KeyringService, provider, value); err != nil {
		return fmt.Errorf("storing key in keyring: %w", err)
	}
	r.forget(provider)
	return nil
}

// Delete removes a key from the OS keyring. Deleting a missing key succeeds.
func (r *Resolver) Delete(provider string) error {
	provider = normalize(provider)
	if err := keyring.Delete(r.config.KeyringService, provider); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("deleting key from keyring: %w", err)
	}
	r.forget(provider)
	return nil
}

// SetKeys replaces the configured keys, as on config reload.
func (r *Resolver) SetKeys(keys map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.config.Keys = keys
	r.cache = make(map[string]cachedKey)
}

// Invalidate clears the cache.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]cachedKey)
}

func (r *Resolver) forget(provider string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, provider)
}

func normalize(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}

// isUnexpanded reports a "${VAR}" placeholder left by config loading when
// the variable was unset.
func isUnexpanded(value string) bool {
	return strings.HasPrefix(value, "${") && strings.HasSuffix(value, "}")
}
