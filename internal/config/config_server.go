package config

import "time"

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`

	// AllowedOrigins restricts WebSocket upgrades by Origin header.
	AllowedOrigins []string `yaml:"allowed_origins"`
}
