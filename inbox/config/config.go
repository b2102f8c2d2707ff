// Package config loads the process-level YAML configuration describing
// which inboxes to run, their delivery options, the storage backend to
// use, and the ambient logging/metrics/cleanup settings. Values support
// "os.environ/VAR_NAME" indirection, following the same environment
// override convention used elsewhere in this codebase's YAML configs.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mixaill76/reliable-inbox/inbox"
)

// BackendType selects which StorageProvider implementation backs an inbox.
type BackendType string

const (
	BackendMemory BackendType = "memory"
	BackendSQL    BackendType = "sql"
	BackendKV     BackendType = "kv"
)

func (b BackendType) IsValid() bool {
	switch b {
	case BackendMemory, BackendSQL, BackendKV:
		return true
	}
	return false
}

// Config is the root process configuration.
type Config struct {
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Storage  StorageConfig  `yaml:"storage"`
	Cleanup  CleanupConfig  `yaml:"cleanup"`
	Inboxes  []InboxConfig  `yaml:"inboxes"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "pretty" or "json"
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// StorageConfig configures the shared, process-wide connection used by
// every SQL- or KV-backed inbox. Memory-backed inboxes ignore it.
type StorageConfig struct {
	SQLDSN    string `yaml:"sql_dsn,omitempty"`
	RedisAddr string `yaml:"redis_addr,omitempty"`
}

// CleanupConfig configures the shared cadence for every inbox's
// background cleanup tasks.
type CleanupConfig struct {
	Interval     time.Duration `yaml:"interval"`
	RestartDelay time.Duration `yaml:"restart_delay"`
	BatchSize    int           `yaml:"batch_size"`
}

// InboxConfig declares one inbox and the Options it should be built with.
type InboxConfig struct {
	Name    string      `yaml:"name"`
	Backend BackendType `yaml:"backend"`
	Mode    string      `yaml:"mode"` // "default", "batched", "fifo", "fifo_batched"

	ReadBatchSize        int           `yaml:"read_batch_size"`
	WriteBatchSize       int           `yaml:"write_batch_size"`
	MaxProcessingTime    time.Duration `yaml:"max_processing_time"`
	PollingInterval      time.Duration `yaml:"polling_interval"`
	ReadDelay            time.Duration `yaml:"read_delay"`
	ShutdownTimeout      time.Duration `yaml:"shutdown_timeout"`
	MaxAttempts          int           `yaml:"max_attempts"`
	MaxProcessingThreads int           `yaml:"max_processing_threads"`
	MaxWriteThreads      int           `yaml:"max_write_threads"`

	DeduplicationInterval       time.Duration `yaml:"deduplication_interval,omitempty"`
	DeadLetterMaxMessageLifetime time.Duration `yaml:"dead_letter_max_message_lifetime,omitempty"`
	LockExtensionThreshold      float64       `yaml:"lock_extension_threshold,omitempty"`
}

// DeliveryMode resolves the YAML mode string to an inbox.DeliveryMode.
func (i InboxConfig) DeliveryMode() (inbox.DeliveryMode, error) {
	switch strings.ToLower(i.Mode) {
	case "", "default":
		return inbox.Default, nil
	case "batched":
		return inbox.Batched, nil
	case "fifo":
		return inbox.FIFO, nil
	case "fifo_batched":
		return inbox.FIFOBatched, nil
	default:
		return 0, fmt.Errorf("inbox %q: unknown mode %q", i.Name, i.Mode)
	}
}

// Options builds an *inbox.Options from this inbox's declared fields,
// applying inbox defaults for anything left zero.
func (i InboxConfig) Options() (*inbox.Options, error) {
	mode, err := i.DeliveryMode()
	if err != nil {
		return nil, err
	}

	var opts []inbox.Option
	if i.ReadBatchSize > 0 {
		opts = append(opts, inbox.WithReadBatchSize(i.ReadBatchSize))
	}
	if i.WriteBatchSize > 0 {
		opts = append(opts, inbox.WithWriteBatchSize(i.WriteBatchSize))
	}
	if i.MaxProcessingTime > 0 {
		opts = append(opts, inbox.WithMaxProcessingTime(i.MaxProcessingTime))
	}
	if i.PollingInterval > 0 {
		opts = append(opts, inbox.WithPollingInterval(i.PollingInterval))
	}
	if i.ReadDelay > 0 {
		opts = append(opts, inbox.WithReadDelay(i.ReadDelay))
	}
	if i.ShutdownTimeout > 0 {
		opts = append(opts, inbox.WithShutdownTimeout(i.ShutdownTimeout))
	}
	if i.MaxAttempts > 0 {
		opts = append(opts, inbox.WithMaxAttempts(i.MaxAttempts))
	}
	if i.MaxProcessingThreads > 0 {
		opts = append(opts, inbox.WithMaxProcessingThreads(i.MaxProcessingThreads))
	}
	if i.MaxWriteThreads > 0 {
		opts = append(opts, inbox.WithMaxWriteThreads(i.MaxWriteThreads))
	}
	if i.DeduplicationInterval > 0 {
		opts = append(opts, inbox.WithDeduplication(i.DeduplicationInterval))
	}
	if i.DeadLetterMaxMessageLifetime > 0 {
		opts = append(opts, inbox.WithDeadLetter(i.DeadLetterMaxMessageLifetime))
	}
	if i.LockExtensionThreshold > 0 {
		opts = append(opts, inbox.WithLockExtension(i.LockExtensionThreshold))
	}

	return inbox.NewOptions(mode, opts...)
}

// Load reads and parses a YAML config file, resolving "os.environ/NAME"
// indirection on every backend connection string, then validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	cfg.Storage.SQLDSN = resolveEnvString(cfg.Storage.SQLDSN)
	cfg.Storage.RedisAddr = resolveEnvString(cfg.Storage.RedisAddr)

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validating %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "pretty"
	}
	if c.Cleanup.Interval == 0 {
		c.Cleanup.Interval = 5 * time.Minute
	}
	if c.Cleanup.RestartDelay == 0 {
		c.Cleanup.RestartDelay = 30 * time.Second
	}
	if c.Cleanup.BatchSize == 0 {
		c.Cleanup.BatchSize = 500
	}
	for i := range c.Inboxes {
		if c.Inboxes[i].Backend == "" {
			c.Inboxes[i].Backend = BackendMemory
		}
	}
}

// Validate checks structural invariants Load cannot catch via
// UnmarshalYAML alone: duplicate inbox names, unknown backend types,
// and storage connection info required by the chosen backends.
func (c *Config) Validate() error {
	if len(c.Inboxes) == 0 {
		return fmt.Errorf("config: at least one inbox must be declared")
	}

	seen := make(map[string]bool, len(c.Inboxes))
	needsSQL, needsKV := false, false
	for _, i := range c.Inboxes {
		if i.Name == "" {
			return fmt.Errorf("config: inbox with empty name")
		}
		if seen[i.Name] {
			return fmt.Errorf("config: duplicate inbox name %q", i.Name)
		}
		seen[i.Name] = true

		if !i.Backend.IsValid() {
			return fmt.Errorf("inbox %q: unknown backend %q", i.Name, i.Backend)
		}
		switch i.Backend {
		case BackendSQL:
			needsSQL = true
		case BackendKV:
			needsKV = true
		}
		if _, err := i.DeliveryMode(); err != nil {
			return err
		}
	}

	if needsSQL && c.Storage.SQLDSN == "" {
		return fmt.Errorf("config: at least one inbox uses the sql backend but storage.sql_dsn is empty")
	}
	if needsKV && c.Storage.RedisAddr == "" {
		return fmt.Errorf("config: at least one inbox uses the kv backend but storage.redis_addr is empty")
	}
	return nil
}

// resolveEnvString resolves "os.environ/VAR_NAME" indirection, leaving
// the value untouched if it doesn't use that prefix or the variable is unset.
func resolveEnvString(value string) string {
	const prefix = "os.environ/"
	if strings.HasPrefix(value, prefix) {
		if v := os.Getenv(strings.TrimPrefix(value, prefix)); v != "" {
			return v
		}
	}
	return value
}
