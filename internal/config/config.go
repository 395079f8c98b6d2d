// Package config loads server configuration from YAML with environment
// overrides for secrets.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config location relative to the working dir.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	// Empty databaseURL selects the in-memory store (development only).
	DatabaseURL string `yaml:"databaseURL"`

	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	// AuthMode selects how bearer tokens resolve to users: "jwks"
	// verifies RS256 tokens against authJwksURL, "redis" looks tokens
	// up in the session keyspace shared with the auth frontend.
	AuthMode      string `yaml:"authMode"`
	AuthJWKSURL   string `yaml:"authJwksURL"`
	JWTIssuer     string `yaml:"jwtIssuer"`
	JWTAudience   string `yaml:"jwtAudience"`
	JWTLeeway     string `yaml:"jwtLeeway"`
	SessionPrefix string `yaml:"sessionPrefix"`

	DefaultProvider string `yaml:"defaultProvider"`
	OpenAIAPIKey    string `yaml:"openaiAPIKey"`
	OpenAIBaseURL   string `yaml:"openaiBaseURL"`
	OpenAIModel     string `yaml:"openaiModel"`
	OllamaHost      string `yaml:"ollamaHost"`
	OllamaModel     string `yaml:"ollamaModel"`

	SystemPrompt string `yaml:"systemPrompt"`
	HistoryLimit int    `yaml:"historyLimit"`

	EventBuffer        int      `yaml:"eventBuffer"`
	RateLimitPerMinute int      `yaml:"rateLimitPerMinute"`
	TrustedProxies     []string `yaml:"trustedProxies"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.OpenAIAPIKey = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		cfg.OpenAIBaseURL = v
	}
	if v := os.Getenv("OLLAMA_HOST"); v != "" {
		cfg.OllamaHost = v
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ParseJWTLeeway converts the yaml leeway string into a duration,
// defaulting to 30s when unset.
func ParseJWTLeeway(raw string) (time.Duration, error) {
	if raw == "" {
		return 30 * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse jwtLeeway: %w", err)
	}
	if d < 0 {
		return 0, errors.New("jwtLeeway must not be negative")
	}
	return d, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	switch cfg.AuthMode {
	case "jwks":
		if cfg.AuthJWKSURL == "" {
			return errors.New("config: authJwksURL is required for authMode jwks")
		}
	case "redis":
		if cfg.RedisAddr == "" {
			return errors.New("config: redisAddr is required for authMode redis")
		}
	default:
		return fmt.Errorf("config: unknown authMode %q (want jwks or redis)", cfg.AuthMode)
	}
	switch cfg.DefaultProvider {
	case "openai":
		if cfg.OpenAIModel == "" {
			return errors.New("config: openaiModel is required for provider openai")
		}
	case "ollama":
		if cfg.OllamaHost == "" || cfg.OllamaModel == "" {
			return errors.New("config: ollamaHost and ollamaModel are required for provider ollama")
		}
	default:
		return fmt.Errorf("config: unknown defaultProvider %q (want openai or ollama)", cfg.DefaultProvider)
	}
	if cfg.RateLimitPerMinute > 0 && cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required when rateLimitPerMinute is set")
	}
	return nil
}
