package config

import (
	"os"
	"path/filepath"
	"testing"
)

const baseConfig = `
port: "8080"
logLevel: "info"
storeURL: "redis://localhost:6379/0"
authBaseURL: "http://localhost:8000"
catalogBaseURL: "http://localhost:8000"
anonymousAllowed: true
loginRateLimitPerMinute: 10
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return cfgPath
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("STORE_URL", "redis://redis:6379/1")
	t.Setenv("ALLOW_ANONYMOUS", "false")
	t.Setenv("COOKIE_SECURE", "true")
	t.Setenv("LOGIN_RATE_LIMIT_PER_MINUTE", "5")

	cfg, err := Load(writeConfig(t, baseConfig))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.StoreURL != "redis://redis:6379/1" {
		t.Fatalf("storeURL = %q, want env override", cfg.StoreURL)
	}
	if cfg.AnonymousAllowed {
		t.Fatalf("anonymousAllowed should be overridden to false")
	}
	if !cfg.CookieSecure {
		t.Fatalf("cookieSecure should be overridden to true")
	}
	if cfg.LoginRateLimitPerMinute != 5 {
		t.Fatalf("loginRateLimitPerMinute = %d, want 5", cfg.LoginRateLimitPerMinute)
	}
}

func TestAnonymousAllowedEnvSpellings(t *testing.T) {
	t.Setenv("ANONYMOUS_ALLOWED", "false")

	cfg, err := Load(writeConfig(t, baseConfig))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.AnonymousAllowed {
		t.Fatalf("ANONYMOUS_ALLOWED should override the file value")
	}

	// The canonical spelling wins when both are set.
	t.Setenv("ALLOW_ANONYMOUS", "false")
	t.Setenv("ANONYMOUS_ALLOWED", "true")
	cfg, err = Load(writeConfig(t, baseConfig))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.AnonymousAllowed {
		t.Fatalf("ANONYMOUS_ALLOWED should win over ALLOW_ANONYMOUS")
	}
}

func TestLoadFileValues(t *testing.T) {
	cfg, err := Load(writeConfig(t, baseConfig))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Port != "8080" {
		t.Fatalf("port = %q", cfg.Port)
	}
	if !cfg.AnonymousAllowed {
		t.Fatalf("anonymousAllowed should be true from file")
	}
}

func TestLoadRequiresStoreURL(t *testing.T) {
	content := `
port: "8080"
authBaseURL: "http://localhost:8000"
catalogBaseURL: "http://localhost:8000"
`
	if _, err := Load(writeConfig(t, content)); err == nil {
		t.Fatalf("expected validation error for missing storeURL")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}
