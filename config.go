package main

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// FileConfig is the YAML configuration file structure.
type FileConfig struct {
	Host      string              `yaml:"host"`
	Port      int                 `yaml:"port"`
	AdminAddr string              `yaml:"admin_addr"`
	AdminDB   string              `yaml:"admin_db"`
	TLS       TLSConfig           `yaml:"tls"`
	Admin     AdminFileConfig     `yaml:"admin"`
	RateLimit RateLimitFileConfig `yaml:"rate_limit"`
}

type TLSConfig struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

type AdminFileConfig struct {
	JWTSecret       string   `yaml:"jwt_secret"`
	InitialUser     string   `yaml:"initial_user"`
	InitialPassword string   `yaml:"initial_password"`
	InitialTenant   string   `yaml:"initial_tenant"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
}

type RateLimitFileConfig struct {
	MaxFailedAttempts   int    `yaml:"max_failed_attempts"`
	FailedAttemptWindow string `yaml:"failed_attempt_window"` // e.g., "5m"
	BanDuration         string `yaml:"ban_duration"`          // e.g., "15m"
	MaxConnectionsPerIP int    `yaml:"max_connections_per_ip"`
}

// loadConfigFile loads configuration from a YAML file.
func loadConfigFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &cfg, nil
}

// env returns the environment variable value or a default.
func env(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envInt returns the environment variable as int or a default.
func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}
