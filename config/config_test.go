package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "quorum.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "general:\n  debug: true\n"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if !cfg.General.Debug {
		t.Fatalf("file value not applied")
	}
	if cfg.Orchestrator.MaxConcurrentServices != 4 {
		t.Fatalf("max concurrent = %d", cfg.Orchestrator.MaxConcurrentServices)
	}
	if cfg.Orchestrator.Backoff.RateLimitDelay != 90*time.Second {
		t.Fatalf("rate limit delay = %v", cfg.Orchestrator.Backoff.RateLimitDelay)
	}
	if cfg.Session.Backend != "file" {
		t.Fatalf("session backend = %q", cfg.Session.Backend)
	}
}

func TestLoadConfigServices(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
services:
  claude:
    type: browser
    enabled: true
    url: https://claude.ai
    auth_markers: ["[data-testid=chat-input]"]
    input_selectors: ["div[contenteditable=true]"]
    response_selectors: ["[data-testid=assistant-message]"]
  openai:
    type: httpapi
    enabled: true
    base_url: https://api.openai.com/v1
    model: gpt-4o
`))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if len(cfg.Services) != 2 {
		t.Fatalf("services = %d", len(cfg.Services))
	}
	if cfg.Services["claude"].Type != "browser" || cfg.Services["claude"].URL == "" {
		t.Fatalf("claude = %+v", cfg.Services["claude"])
	}
	if cfg.Services["openai"].Model != "gpt-4o" {
		t.Fatalf("openai = %+v", cfg.Services["openai"])
	}
}

func TestLoadConfigRejectsBadService(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `
services:
  broken:
    type: carrier-pigeon
`))
	if err == nil {
		t.Fatalf("unknown service type should fail validation")
	}
}

func TestLoadConfigRejectsBadBackoff(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `
orchestrator:
  backoff:
    strategy: quadratic
`))
	if err == nil {
		t.Fatalf("unknown backoff strategy should fail validation")
	}
}

func TestServiceAPIKeyFromEnv(t *testing.T) {
	t.Setenv("QUORUM_SERVICE_OPENAI_API_KEY", "sk-test")
	cfg, err := LoadConfig(writeConfig(t, `
services:
  openai:
    type: httpapi
    enabled: true
    base_url: https://api.openai.com/v1
`))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Services["openai"].APIKey != "sk-test" {
		t.Fatalf("api key = %q", cfg.Services["openai"].APIKey)
	}
}

func TestPostgresDSN(t *testing.T) {
	p := PostgresConfig{Host: "db", User: "u", Password: "p", DBName: "quorum"}
	dsn, err := p.DSN()
	if err != nil {
		t.Fatalf("DSN: %v", err)
	}
	if dsn != "postgres://u:p@db:5432/quorum?sslmode=disable" {
		t.Fatalf("dsn = %q", dsn)
	}

	p = PostgresConfig{URL: "postgres://direct"}
	if dsn, _ := p.DSN(); dsn != "postgres://direct" {
		t.Fatalf("url passthrough = %q", dsn)
	}

	if _, err := (PostgresConfig{}).DSN(); err == nil {
		t.Fatalf("unconfigured postgres should error")
	}
}
