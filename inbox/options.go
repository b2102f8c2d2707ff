package inbox

import (
	"regexp"
	"time"
)

// DeliveryMode selects one of the four delivery strategies for an inbox.
type DeliveryMode int

const (
	// Default dispatches messages one at a time through a Single handler.
	Default DeliveryMode = iota + 1
	// Batched dispatches a whole capture batch, grouped by message type,
	// through a Batched handler.
	Batched
	// FIFO dispatches messages one at a time through a Single handler,
	// preserving strict per-group ordering.
	FIFO
	// FIFOBatched dispatches per-group, per-type slices through a
	// FifoBatched handler, preserving strict per-group ordering.
	FIFOBatched
)

func (m DeliveryMode) isFIFO() bool { return m == FIFO || m == FIFOBatched }

// Options is the validated configuration bag for one inbox. Construct
// with NewOptions and the With* functional options, following the same
// applyDefaults()+Validate() config pattern used elsewhere in this
// codebase.
type Options struct {
	Mode DeliveryMode

	ReadBatchSize        int
	WriteBatchSize       int
	MaxProcessingTime    time.Duration
	PollingInterval      time.Duration
	ReadDelay            time.Duration
	ShutdownTimeout      time.Duration
	MaxAttempts          int
	MaxProcessingThreads int
	MaxWriteThreads      int

	EnableDeduplication   bool
	DeduplicationInterval time.Duration

	EnableDeadLetter              bool
	DeadLetterMaxMessageLifetime  time.Duration

	EnableLockExtension    bool
	LockExtensionThreshold float64
}

// Option mutates an Options value under construction.
type Option func(*Options)

// NewOptions builds a validated Options value, applying defaults first
// (applyDefaults) and then the supplied Option values, and finally
// Validate. It returns a *ConfigError if validation fails.
func NewOptions(mode DeliveryMode, opts ...Option) (*Options, error) {
	o := &Options{Mode: mode}
	o.applyDefaults()
	for _, opt := range opts {
		opt(o)
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *Options) applyDefaults() {
	o.ReadBatchSize = 100
	o.WriteBatchSize = 100
	o.MaxProcessingTime = 30 * time.Second
	o.PollingInterval = time.Second
	o.ReadDelay = 0
	o.ShutdownTimeout = 10 * time.Second
	o.MaxAttempts = 5
	o.MaxProcessingThreads = 1
	o.MaxWriteThreads = 1
	o.LockExtensionThreshold = 0.5
}

// Validate enforces the Options invariants.
func (o *Options) Validate() error {
	switch {
	case o.ReadBatchSize <= 0:
		return &ConfigError{Option: "read_batch_size", Reason: "must be > 0"}
	case o.WriteBatchSize <= 0:
		return &ConfigError{Option: "write_batch_size", Reason: "must be > 0"}
	case o.MaxProcessingTime <= 0:
		return &ConfigError{Option: "max_processing_time", Reason: "must be > 0"}
	case o.PollingInterval <= 0:
		return &ConfigError{Option: "polling_interval", Reason: "must be > 0"}
	case o.ReadDelay < 0:
		return &ConfigError{Option: "read_delay", Reason: "must be >= 0"}
	case o.ShutdownTimeout <= 0:
		return &ConfigError{Option: "shutdown_timeout", Reason: "must be > 0"}
	case o.MaxAttempts <= 0:
		return &ConfigError{Option: "max_attempts", Reason: "must be > 0"}
	case o.MaxProcessingThreads <= 0:
		return &ConfigError{Option: "max_processing_threads", Reason: "must be > 0"}
	case o.MaxWriteThreads <= 0:
		return &ConfigError{Option: "max_write_threads", Reason: "must be > 0"}
	}
	if o.EnableDeduplication && o.DeduplicationInterval < 0 {
		return &ConfigError{Option: "deduplication_interval", Reason: "must be >= 0 when enabled"}
	}
	if o.EnableDeadLetter && o.DeadLetterMaxMessageLifetime < 0 {
		return &ConfigError{Option: "dead_letter_max_message_lifetime", Reason: "must be >= 0 when enabled"}
	}
	if o.EnableLockExtension && (o.LockExtensionThreshold < 0.1 || o.LockExtensionThreshold > 0.9) {
		return &ConfigError{Option: "lock_extension_threshold", Reason: "must be in [0.1, 0.9] when enabled"}
	}
	return nil
}

func WithReadBatchSize(n int) Option        { return func(o *Options) { o.ReadBatchSize = n } }
func WithWriteBatchSize(n int) Option       { return func(o *Options) { o.WriteBatchSize = n } }
func WithMaxProcessingTime(d time.Duration) Option {
	return func(o *Options) { o.MaxProcessingTime = d }
}
func WithPollingInterval(d time.Duration) Option { return func(o *Options) { o.PollingInterval = d } }
func WithReadDelay(d time.Duration) Option       { return func(o *Options) { o.ReadDelay = d } }
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Options) { o.ShutdownTimeout = d }
}
func WithMaxAttempts(n int) Option { return func(o *Options) { o.MaxAttempts = n } }
func WithMaxProcessingThreads(n int) Option {
	return func(o *Options) { o.MaxProcessingThreads = n }
}
func WithMaxWriteThreads(n int) Option { return func(o *Options) { o.MaxWriteThreads = n } }

func WithDeduplication(interval time.Duration) Option {
	return func(o *Options) {
		o.EnableDeduplication = true
		o.DeduplicationInterval = interval
	}
}

func WithDeadLetter(maxLifetime time.Duration) Option {
	return func(o *Options) {
		o.EnableDeadLetter = true
		o.DeadLetterMaxMessageLifetime = maxLifetime
	}
}

func WithLockExtension(threshold float64) Option {
	return func(o *Options) {
		o.EnableLockExtension = true
		o.LockExtensionThreshold = threshold
	}
}

// LockExtensionInterval is max_processing_time x lock_extension_threshold.
func (o *Options) LockExtensionInterval() time.Duration {
	return time.Duration(float64(o.MaxProcessingTime) * o.LockExtensionThreshold)
}

var inboxNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,128}$`)

// ValidateInboxName restricts names to alphanumeric plus "_-", max 128 chars.
func ValidateInboxName(name string) error {
	if !inboxNamePattern.MatchString(name) {
		return &ConfigError{Option: "inbox_name", Reason: "must match [a-zA-Z0-9_-]{1,128}"}
	}
	return nil
}
