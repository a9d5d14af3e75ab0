package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port                    string `yaml:"port"`
	LogLevel                string `yaml:"logLevel"`
	StoreURL                string `yaml:"storeURL"`
	AuthBaseURL             string `yaml:"authBaseURL"`
	AuthJWKSURL             string `yaml:"authJwksURL"`
	JWTIssuer               string `yaml:"jwtIssuer"`
	JWTAudience             string `yaml:"jwtAudience"`
	JWTLeeway               string `yaml:"jwtLeeway"`
	CatalogBaseURL          string `yaml:"catalogBaseURL"`
	ModelAPIKey             string `yaml:"modelApiKey"`
	AnonymousAllowed        bool   `yaml:"anonymousAllowed"`
	CookieSecure            bool   `yaml:"cookieSecure"`
	LoginRateLimitPerMinute int    `yaml:"loginRateLimitPerMinute"`
}

// Load reads config from path (defaults to config.yaml) and applies
// environment overrides.
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
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = strings.TrimSpace(v)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.TrimSpace(v)
	}
	if v := os.Getenv("STORE_URL"); v != "" {
		cfg.StoreURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("AUTH_BASE_URL"); v != "" {
		cfg.AuthBaseURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("AUTH_JWKS_URL"); v != "" {
		cfg.AuthJWKSURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("JWT_ISSUER"); v != "" {
		cfg.JWTIssuer = v
	}
	if v := os.Getenv("JWT_AUDIENCE"); v != "" {
		cfg.JWTAudience = v
	}
	if v := os.Getenv("JWT_LEEWAY"); v != "" {
		cfg.JWTLeeway = v
	}
	if v := os.Getenv("CATALOG_BASE_URL"); v != "" {
		cfg.CatalogBaseURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("MODEL_API_KEY"); v != "" {
		cfg.ModelAPIKey = v
	}
	// ALLOW_ANONYMOUS is the legacy spelling; ANONYMOUS_ALLOWED wins when
	// both are set.
	for _, key := range []string{"ALLOW_ANONYMOUS", "ANONYMOUS_ALLOWED"} {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
				cfg.AnonymousAllowed = b
			}
		}
	}
	if v := os.Getenv("COOKIE_SECURE"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.CookieSecure = b
		}
	}
	if v := os.Getenv("LOGIN_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LoginRateLimitPerMinute = n
		}
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if strings.TrimSpace(cfg.StoreURL) == "" {
		return errors.New("config: storeURL is required (set in config.yaml or STORE_URL)")
	}
	if strings.TrimSpace(cfg.AuthBaseURL) == "" {
		return errors.New("config: authBaseURL is required (set in config.yaml or AUTH_BASE_URL)")
	}
	if strings.TrimSpace(cfg.CatalogBaseURL) == "" {
		return errors.New("config: catalogBaseURL is required (set in config.yaml or CATALOG_BASE_URL)")
	}
	if cfg.LoginRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	return nil
}

// ParseJWTLeeway parses optional JWT leeway duration string.
func ParseJWTLeeway(leewayStr string) (time.Duration, error) {
	if leewayStr == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(leewayStr)
	if err != nil {
		return 0, fmt.Errorf("invalid jwtLeeway duration: %w", err)
	}
	return dur, nil
}
