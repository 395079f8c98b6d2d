package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validYAML = `
port: "8080"
logLevel: debug
databaseURL: postgres://localhost/rechat
redisAddr: localhost:6379
authMode: redis
defaultProvider: openai
openaiModel: gpt-4o-mini
rateLimitPerMinute: 30
trustedProxies:
  - 10.0.0.0/8
`

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, validYAML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "8080" || cfg.LogLevel != "debug" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.DefaultProvider != "openai" || cfg.OpenAIModel != "gpt-4o-mini" {
		t.Fatalf("provider config: %+v", cfg)
	}
	if len(cfg.TrustedProxies) != 1 || cfg.TrustedProxies[0] != "10.0.0.0/8" {
		t.Fatalf("trustedProxies: %v", cfg.TrustedProxies)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, validYAML)
	t.Setenv("DATABASE_URL", "postgres://override/db")
	t.Setenv("REDIS_PASSWORD", "secret")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DatabaseURL != "postgres://override/db" {
		t.Fatalf("databaseURL = %q, want env override", cfg.DatabaseURL)
	}
	if cfg.RedisPassword != "secret" || cfg.OpenAIAPIKey != "sk-test" {
		t.Fatalf("secret overrides not applied: %+v", cfg)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing port",
			yaml: "authMode: redis\nredisAddr: localhost:6379\ndefaultProvider: openai\nopenaiModel: m\n",
			want: "port",
		},
		{
			name: "unknown auth mode",
			yaml: "port: \"8080\"\nauthMode: basic\ndefaultProvider: openai\nopenaiModel: m\n",
			want: "authMode",
		},
		{
			name: "jwks without url",
			yaml: "port: \"8080\"\nauthMode: jwks\ndefaultProvider: openai\nopenaiModel: m\n",
			want: "authJwksURL",
		},
		{
			name: "unknown provider",
			yaml: "port: \"8080\"\nauthMode: redis\nredisAddr: localhost:6379\ndefaultProvider: claude\n",
			want: "defaultProvider",
		},
		{
			name: "ollama without host",
			yaml: "port: \"8080\"\nauthMode: redis\nredisAddr: localhost:6379\ndefaultProvider: ollama\nollamaModel: m\n",
			want: "ollamaHost",
		},
		{
			name: "rate limit without redis",
			yaml: "port: \"8080\"\nauthMode: jwks\nauthJwksURL: http://auth/jwks\ndefaultProvider: openai\nopenaiModel: m\nrateLimitPerMinute: 10\n",
			want: "redisAddr",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.yaml)
			_, err := Load(path)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestParseJWTLeeway(t *testing.T) {
	if d, err := ParseJWTLeeway(""); err != nil || d != 30*time.Second {
		t.Fatalf("default leeway = (%v, %v)", d, err)
	}
	if d, err := ParseJWTLeeway("90s"); err != nil || d != 90*time.Second {
		t.Fatalf("parsed leeway = (%v, %v)", d, err)
	}
	if _, err := ParseJWTLeeway("bogus"); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := ParseJWTLeeway("-5s"); err == nil {
		t.Fatal("expected negative leeway to be rejected")
	}
}
