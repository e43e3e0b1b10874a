// Package config loads the YAML configuration file and applies environment
// overrides. Environment always wins so deployments can keep secrets out of
// the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Logging   LoggingConfig   `yaml:"logging"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Providers []ProviderKey   `yaml:"providers"`
}

type ServerConfig struct {
	Addr       string `yaml:"addr"`
	AppBaseURL string `yaml:"app_base_url"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type AuthConfig struct {
	JWTSecret     string `yaml:"jwt_secret"`
	AdminEmail    string `yaml:"admin_email"`
	AdminPassword string `yaml:"admin_password"`
	CookieSecure  bool   `yaml:"cookie_secure"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // json | text
}

type RateLimitConfig struct {
	BenchmarksPerHour int `yaml:"benchmarks_per_hour"`
}

// ProviderKey binds an LLM provider key to its credential. APIKeyEnv names
// an environment variable; APIKey is the literal value for dev setups.
type ProviderKey struct {
	Key       string `yaml:"key"`
	APIKey    string `yaml:"api_key,omitempty"`
	APIKeyEnv string `yaml:"api_key_env,omitempty"`
}

func Default() *Config {
	return &Config{
		Server:   ServerConfig{Addr: ":8080"},
		Database: DatabaseConfig{Path: "gauntlet.db"},
		Logging:  LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads the file at path (missing file is fine, defaults apply) and
// then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg, err := LoadUnchecked(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadUnchecked reads the file and environment without validating. CLI tools
// that only need provider credentials use it; the server goes through Load.
func LoadUnchecked(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Defaults plus env only.
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("GAUNTLET_DB"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("ADMIN_EMAIL"); v != "" {
		c.Auth.AdminEmail = v
	}
	if v := os.Getenv("ADMIN_PASSWORD"); v != "" {
		c.Auth.AdminPassword = v
	}
	if v := os.Getenv("COOKIE_SECURE"); v != "" {
		c.Auth.CookieSecure = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("APP_BASE_URL"); v != "" {
		c.Server.AppBaseURL = v
	}
	if v := os.Getenv("BENCHMARK_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.RateLimit.BenchmarksPerHour = n
		}
	}
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required (or JWT_SECRET)")
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("logging.format %q is not json or text", c.Logging.Format)
	}
	for _, p := range c.Providers {
		if p.Key == "" {
			return fmt.Errorf("providers entries need a key")
		}
	}
	return nil
}

// APIKey resolves a provider credential: configured value, then the named
// env var, then the conventional GAUNTLET_<KEY>_API_KEY.
func (c *Config) APIKey(providerKey string) string {
	for _, p := range c.Providers {
		if p.Key != providerKey {
			continue
		}
		if p.APIKey != "" {
			return p.APIKey
		}
		if p.APIKeyEnv != "" {
			return os.Getenv(p.APIKeyEnv)
		}
	}
	env := "GAUNTLET_" + strings.ToUpper(strings.ReplaceAll(providerKey, "-", "_")) + "_API_KEY"
	return os.Getenv(env)
}
