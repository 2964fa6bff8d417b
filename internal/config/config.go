package config

import (
	"errors"
	"time"

	"github.com/devrev/pairdb/scout/internal/model"
)

// Config represents the scout process configuration
type Config struct {
	Scout   ScoutConfig   `mapstructure:"scout" yaml:"scout"`
	Cache   CacheConfig   `mapstructure:"cache" yaml:"cache"`
	TxnLog  TxnLogConfig  `mapstructure:"txn_log" yaml:"txn_log"`
	Store   StoreConfig   `mapstructure:"store" yaml:"store"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

// ScoutConfig represents transaction manager configuration
type ScoutConfig struct {
	ID                         string        `mapstructure:"id" yaml:"id"`
	DefaultIsolation           string        `mapstructure:"default_isolation" yaml:"default_isolation"`
	DefaultCachePolicy         string        `mapstructure:"default_cache_policy" yaml:"default_cache_policy"`
	CommitMode                 string        `mapstructure:"commit_mode" yaml:"commit_mode"`
	ConcurrentOpenTransactions bool          `mapstructure:"concurrent_open_transactions" yaml:"concurrent_open_transactions"`
	DisasterSafe               bool          `mapstructure:"disaster_safe" yaml:"disaster_safe"`
	Deadline                   time.Duration `mapstructure:"deadline" yaml:"deadline"`
	RetryBackoff               time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff"`
	MaxAsyncTransactionsQueued int           `mapstructure:"max_async_transactions_queued" yaml:"max_async_transactions_queued"`
	MaxCommitBatchSize         int           `mapstructure:"max_commit_batch_size" yaml:"max_commit_batch_size"`
	NotificationWorkers        int           `mapstructure:"notification_workers" yaml:"notification_workers"`
}

// CacheConfig represents object cache configuration
type CacheConfig struct {
	MaxElements           int           `mapstructure:"max_elements" yaml:"max_elements"`
	EvictionTime          time.Duration `mapstructure:"eviction_time" yaml:"eviction_time"`
	EvictionCheckInterval time.Duration `mapstructure:"eviction_check_interval" yaml:"eviction_check_interval"`
}

// TxnLogConfig represents durable transaction log configuration
type TxnLogConfig struct {
	Backend         string `mapstructure:"backend" yaml:"backend"`
	Dir             string `mapstructure:"dir" yaml:"dir"`
	SyncWrites      bool   `mapstructure:"sync_writes" yaml:"sync_writes"`
	SegmentSize     int64  `mapstructure:"segment_size" yaml:"segment_size"`
	ResubmitOnStart bool   `mapstructure:"resubmit_on_start" yaml:"resubmit_on_start"`
}

// StoreConfig represents the embedded sequencer configuration
type StoreConfig struct {
	SiteID             string `mapstructure:"site_id" yaml:"site_id"`
	NotificationBuffer int    `mapstructure:"notification_buffer" yaml:"notification_buffer"`
}

// MetricsConfig represents Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Port    int    `mapstructure:"port" yaml:"port"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Transaction log backends
const (
	TxnLogFile   = "file"
	TxnLogPebble = "pebble"
	TxnLogNone   = "none"
)

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Scout.ID == "" {
		return errors.New("scout.id is required")
	}
	if _, err := model.ParseIsolationLevel(c.Scout.DefaultIsolation); err != nil {
		return errors.New("scout.default_isolation must be one of: snapshot_isolation, repeatable_reads")
	}
	if _, err := model.ParseCachePolicy(c.Scout.DefaultCachePolicy); err != nil {
		return errors.New("scout.default_cache_policy must be one of: cached, most_recent, strictly_most_recent")
	}
	switch model.CommitMode(c.Scout.CommitMode) {
	case model.CommitModeSync, model.CommitModeAsync:
	default:
		return errors.New("scout.commit_mode must be one of: sync, async")
	}
	if c.Scout.Deadline <= 0 {
		return errors.New("scout.deadline must be positive")
	}
	if c.Scout.MaxAsyncTransactionsQueued <= 0 {
		return errors.New("scout.max_async_transactions_queued must be positive")
	}
	if c.Scout.MaxCommitBatchSize <= 0 {
		return errors.New("scout.max_commit_batch_size must be positive")
	}
	if c.Cache.MaxElements <= 0 {
		return errors.New("cache.max_elements must be positive")
	}
	switch c.TxnLog.Backend {
	case TxnLogFile, TxnLogPebble:
		if c.TxnLog.Dir == "" {
			return errors.New("txn_log.dir is required")
		}
	case TxnLogNone:
	default:
		return errors.New("txn_log.backend must be one of: file, pebble, none")
	}
	if c.Store.SiteID == "" {
		return errors.New("store.site_id is required")
	}
	if c.Store.SiteID == c.Scout.ID {
		return errors.New("store.site_id must differ from scout.id")
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return errors.New("metrics.port must be between 1 and 65535")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	return &Config{
		Scout: ScoutConfig{
			DefaultIsolation:           "snapshot_isolation",
			DefaultCachePolicy:         "cached",
			CommitMode:                 string(model.CommitModeSync),
			ConcurrentOpenTransactions: true,
			Deadline:                   5 * time.Second,
			RetryBackoff:               50 * time.Millisecond,
			MaxAsyncTransactionsQueued: 50,
			MaxCommitBatchSize:         10,
			NotificationWorkers:        4,
		},
		Cache: CacheConfig{
			MaxElements:           512,
			EvictionTime:          10 * time.Minute,
			EvictionCheckInterval: time.Minute,
		},
		TxnLog: TxnLogConfig{
			Backend:     TxnLogFile,
			Dir:         "./data/txnlog",
			SyncWrites:  true,
			SegmentSize: 64 << 20,
		},
		Store: StoreConfig{
			SiteID:             "dc0",
			NotificationBuffer: 1024,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9095,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
