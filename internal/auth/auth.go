// Package auth authenticates HTTP API callers with JWTs or static API keys.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

var (
	ErrAuthDisabled = errors.New("auth disabled")
	ErrInvalidToken = errors.New("invalid token")
	ErrInvalidKey   = errors.New("invalid api key")
)

// Config configures authentication.
type Config struct {
	JWTSecret   string         `yaml:"jwt_secret" json:"jwt_secret"`
	TokenExpiry time.Duration  `yaml:"token_expiry" json:"token_expiry"`
	APIKeys     []APIKeyConfig `yaml:"api_keys" json:"api_keys"`
}

// APIKeyConfig declares a static API key and the identity it grants.
type APIKeyConfig struct {
	Key     string `yaml:"key" json:"key"`
	Subject string `yaml:"subject" json:"subject"`
	Name    string `yaml:"name" json:"name"`
}

// Principal is an authenticated caller.
type Principal struct {
	Subject string
	Name    string
}

// Service validates JWTs and API keys. A Service with neither configured is
// disabled and lets every request through.
type Service struct {
	jwt     *JWTService
	apiKeys map[string]*Principal
}

// NewService constructs an auth service from configuration.
func NewService(cfg Config) *Service {
	service := &Service{apiKeys: buildAPIKeyMap(cfg.APIKeys)}
	if strings.TrimSpace(cfg.JWTSecret) != "" {
		service.jwt = NewJWTService(cfg.JWTSecret, cfg.TokenExpiry)
	}
	return service
}

// Enabled reports whether auth checks should run.
func (s *Service) Enabled() bool {
	return s != nil && (s.jwt != nil || len(s.apiKeys) > 0)
}

// GenerateJWT issues a signed token for p.
func (s *Service) GenerateJWT(p *Principal) (string, error) {
	if s == nil || s.jwt == nil {
		return "", ErrAuthDisabled
	}
	return s.jwt.Generate(p)
}

// ValidateJWT validates a JWT and returns its principal.
func (s *Service) ValidateJWT(token string) (*Principal, error) {
	if s == nil || s.jwt == nil {
		return nil, ErrAuthDisabled
	}
	return s.jwt.Validate(token)
}

// ValidateAPIKey validates an API key in constant time per stored key.
func (s *Service) ValidateAPIKey(key string) (*Principal, error) {
	if s == nil || len(s.apiKeys) == 0 {
		return nil, ErrAuthDisabled
	}
	input := []byte(strings.TrimSpace(key))
	var matched *Principal
	for stored, p := range s.apiKeys {
		if subtle.ConstantTimeCompare(input, []byte(stored)) == 1 {
			matched = p
		}
	}
	if matched == nil {
		return nil, ErrInvalidKey
	}
	return matched, nil
}

func buildAPIKeyMap(keys []APIKeyConfig) map[string]*Principal {
	out := map[string]*Principal{}
	for _, entry := range keys {
		key := strings.TrimSpace(entry.Key)
		if key == "" {
			continue
		}
		subject := strings.TrimSpace(entry.Subject)
		if subject == "" {
			sum := sha256.Sum256([]byte(key))
			subject = "api_" + hex.EncodeToString(sum[:8])
		}
		out[key] = &Principal{Subject: subject, Name: strings.TrimSpace(entry.Name)}
	}
	return out
}
