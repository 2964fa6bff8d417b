package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// Load loads configuration from file and environment variables.
// An empty path skips the file.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		v := viper.New()
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")

		// The file is optional; defaults and environment still apply
		if err := v.ReadInConfig(); err != nil {
			fmt.Printf("Warning: Could not read config file %s: %v. Using defaults and environment variables.\n", configPath, err)
		} else if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	// Environment variables take precedence
	applyEnvironmentOverrides(cfg)

	if cfg.Scout.ID == "" {
		cfg.Scout.ID = "scout-" + strings.SplitN(uuid.NewString(), "-", 2)[0]
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// applyEnvironmentOverrides applies environment variable overrides to config
func applyEnvironmentOverrides(cfg *Config) {
	if id := os.Getenv("SCOUT_ID"); id != "" {
		cfg.Scout.ID = id
	}
	if isolation := os.Getenv("SCOUT_DEFAULT_ISOLATION"); isolation != "" {
		cfg.Scout.DefaultIsolation = isolation
	}
	if policy := os.Getenv("SCOUT_DEFAULT_CACHE_POLICY"); policy != "" {
		cfg.Scout.DefaultCachePolicy = policy
	}
	if mode := os.Getenv("SCOUT_COMMIT_MODE"); mode != "" {
		cfg.Scout.CommitMode = mode
	}

	if backend := os.Getenv("SCOUT_TXN_LOG_BACKEND"); backend != "" {
		cfg.TxnLog.Backend = backend
	}
	if dir := os.Getenv("SCOUT_TXN_LOG_DIR"); dir != "" {
		cfg.TxnLog.Dir = dir
	}

	if site := os.Getenv("SCOUT_STORE_SITE_ID"); site != "" {
		cfg.Store.SiteID = site
	}

	if port := os.Getenv("SCOUT_METRICS_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Metrics.Port = p
		}
	}

	if logLevel := os.Getenv("SCOUT_LOG_LEVEL"); logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat := os.Getenv("SCOUT_LOG_FORMAT"); logFormat != "" {
		cfg.Logging.Format = logFormat
	}
}
