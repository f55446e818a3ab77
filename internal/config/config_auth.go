package config

import "time"

// AuthConfig protects the HTTP API. With no secret and no keys the API is
// open, which is only suitable for a loopback listener.
type AuthConfig struct {
	JWTSecret   string         `yaml:"jwt_secret"`
	TokenExpiry time.Duration  `yaml:"token_expiry"`
	APIKeys     []APIKeyConfig `yaml:"api_keys"`
}

type APIKeyConfig struct {
	Key     string `yaml:"key"`
	Subject string `yaml:"subject"`
	Name    string `yaml:"name"`
}
