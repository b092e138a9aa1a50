// Package config loads the build environment configuration from YAML files
// and process environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the environment configuration.
type Config struct {
	// CacheDir is where fetched classpath archives are extracted.
	CacheDir string `yaml:"cache_dir"`
	// Ledger is the SQLite path recording fetched archives. Empty disables it.
	// A relative path is resolved against CacheDir.
	Ledger string `yaml:"ledger"`
	// StrictDrain makes new executions wait while an invalidation is pending.
	StrictDrain bool `yaml:"strict_drain"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// UserParameters are exposed to plugins and as UserParameter properties.
	UserParameters map[string]string `yaml:"user_parameters"`

	S3 S3 `yaml:"s3"`
}

// S3 configures the client used for S3 classpath locations.
type S3 struct {
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// Validation errors.
var (
	ErrMissingCacheDir  = errors.New("config: cache_dir is required")
	ErrInvalidLogLevel  = errors.New("config: log_level must be one of debug, info, warn, error")
	ErrInvalidLogFormat = errors.New("config: log_format must be text or json")
	ErrPartialS3Creds   = errors.New("config: s3 access_key_id and secret_access_key must be set together")
)

// Default returns the configuration used when no file is given.
func Default() *Config {
	cacheDir := filepath.Join(os.TempDir(), "kiln")
	if dir, err := os.UserCacheDir(); err == nil {
		cacheDir = filepath.Join(dir, "kiln")
	}
	return &Config{
		CacheDir:       cacheDir,
		Ledger:         "ledger.db",
		LogLevel:       "info",
		LogFormat:      "text",
		UserParameters: map[string]string{},
		S3:             S3{Region: "us-east-1"},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path loads the defaults only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}
	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from KILN_* variables looked up with getenv.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv("KILN_CACHE_DIR"); v != "" {
		c.CacheDir = v
	}
	if v := getenv("KILN_LEDGER"); v != "" {
		c.Ledger = v
	}
	if v := getenv("KILN_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := getenv("KILN_STRICT_DRAIN"); v != "" {
		c.StrictDrain = strings.EqualFold(v, "true") || v == "1"
	}
}

// Validate checks the configuration for inconsistent values.
func (c *Config) Validate() error {
	if c.CacheDir == "" {
		return ErrMissingCacheDir
	}
	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.LogLevel)
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLogFormat, c.LogFormat)
	}
	if (c.S3.AccessKeyID == "") != (c.S3.SecretAccessKey == "") {
		return ErrPartialS3Creds
	}
	return nil
}

// LedgerPath returns the absolute ledger path, or "" when disabled.
func (c *Config) LedgerPath() string {
	if c.Ledger == "" {
		return ""
	}
	if filepath.IsAbs(c.Ledger) {
		return c.Ledger
	}
	return filepath.Join(c.CacheDir, c.Ledger)
}
