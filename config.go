package braid

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Config holds the configuration for a Node.
// Use NewConfig with functional options to create a valid instance.
type Config struct {
	// Identity

	// Authority is this node's identity in the committee.
	Authority AuthorityID

	// Committee is the stake-weighted authority set.
	// Required.
	Committee *Committee

	// Signer provides cryptographic signing capability.
	// Required.
	Signer Signer

	// Storage provides persistent storage.
	// Required.
	Storage Storage

	// Network provides message delivery.
	// Required.
	Network Network

	// Logger for structured logging.
	// Defaults to a no-op logger if not provided.
	Logger *zap.Logger

	// Worker configuration

	// WorkerCount is the number of batching workers. Transactions are
	// routed across them by content.
	// Default: 4
	WorkerCount int

	// BatchSize is the maximum number of transactions per batch.
	// When this threshold is reached, a batch seals immediately.
	// Default: 500
	BatchSize int

	// BatchSizeLimit seals a batch once pending payload reaches this
	// many bytes.
	// Default: 512 KB
	BatchSizeLimit int

	// BatchTimeout is the maximum time to wait before sealing a batch.
	// Even if BatchSize is not reached, a batch seals after this duration.
	// Default: 100ms
	BatchTimeout time.Duration

	// Header configuration

	// MaxHeaderPayload is the maximum batch refs per header.
	// Default: 32
	MaxHeaderPayload int

	// MaxHeaderDelay is the maximum time to wait before proposing a
	// header once at least one batch ref is queued.
	// Default: 200ms
	MaxHeaderDelay time.Duration

	// RoundTimeout re-broadcasts an uncertified in-flight header after
	// this long.
	// Default: 2s
	RoundTimeout time.Duration

	// Synchronization configuration

	// SyncRetryDelay is the initial backoff between fetch attempts.
	// Default: 200ms
	SyncRetryDelay time.Duration

	// MaxSyncRetryDelay caps the fetch backoff.
	// Default: 10s
	MaxSyncRetryDelay time.Duration

	// MaxUncertifiedAttempts bounds fetch attempts for uncertified
	// content. Certified content retries until cancelled.
	// Default: 5
	MaxUncertifiedAttempts int

	// GC configuration

	// GCRetainRounds keeps this many rounds below the committed round.
	// Default: 50
	GCRetainRounds uint64

	// GCInterval is the time between pruning passes.
	// Default: 5s
	GCInterval time.Duration

	// Backpressure configuration

	// MaxPendingTransactions is the maximum transactions queued per
	// worker.
	// Default: 100000
	MaxPendingTransactions int

	// DropOnFull determines behavior when queues are full.
	// If true, new items are dropped. If false, callers get an error.
	// Default: false
	DropOnFull bool

	// Validation is the configuration for structural input validation.
	// Default: DefaultValidationConfig()
	Validation ValidationConfig

	// DAGCache configures the LRU cache for certificate lookups.
	// Default: DAGCacheConfig{Enabled: true, Capacity: 10000}
	DAGCache DAGCacheConfig

	// Hooks provides callbacks for observability events.
	// All hooks are optional; nil hooks are ignored.
	Hooks *Hooks
}

// ConfigOption is a functional option for configuring a Node.
// Options are applied in order, so later options override earlier ones.
type ConfigOption func(*Config) error

// NewConfig creates a new Config with the given options.
// Required options: WithCommittee, WithSigner, WithStorage, WithNetwork.
func NewConfig(opts ...ConfigOption) (*Config, error) {
	cfg := &Config{
		Logger:                 zap.NewNop(),
		WorkerCount:            4,
		BatchSize:              500,
		BatchSizeLimit:         512 * 1024,
		BatchTimeout:           100 * time.Millisecond,
		MaxHeaderPayload:       32,
		MaxHeaderDelay:         200 * time.Millisecond,
		RoundTimeout:           2 * time.Second,
		SyncRetryDelay:         200 * time.Millisecond,
		MaxSyncRetryDelay:      10 * time.Second,
		MaxUncertifiedAttempts: 5,
		GCRetainRounds:         50,
		GCInterval:             5 * time.Second,
		MaxPendingTransactions: 100000,
		Validation:             DefaultValidationConfig(),
		DAGCache:               DefaultDAGCacheConfig(),
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// validate checks that all required fields are set and values are valid.
func (c *Config) validate() error {
	if c.Committee == nil {
		return fmt.Errorf("committee is required")
	}
	if c.Signer == nil {
		return fmt.Errorf("signer is required")
	}
	if c.Storage == nil {
		return fmt.Errorf("storage is required")
	}
	if c.Network == nil {
		return fmt.Errorf("network is required")
	}
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}

	if !c.Committee.Contains(c.Authority) {
		return fmt.Errorf("authority %d is not in committee (size: %d)",
			c.Authority, c.Committee.Size())
	}

	if c.WorkerCount < 1 {
		return fmt.Errorf("worker count must be at least 1, got %d", c.WorkerCount)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch size must be at least 1, got %d", c.BatchSize)
	}
	if c.BatchTimeout <= 0 {
		return fmt.Errorf("batch timeout must be positive, got %v", c.BatchTimeout)
	}
	if c.MaxHeaderDelay <= 0 {
		return fmt.Errorf("max header delay must be positive, got %v", c.MaxHeaderDelay)
	}
	if c.GCRetainRounds == 0 {
		return fmt.Errorf("GC retain rounds must be positive")
	}

	return nil
}

// ConfigWarning represents a warning about potentially suboptimal
// configuration.
type ConfigWarning struct {
	// Field is the name of the config field that triggered the warning.
	Field string
	// Message describes the potential issue.
	Message string
	// Suggestion provides a recommended action or value.
	Suggestion string
}

// String returns a human-readable warning message.
func (w ConfigWarning) String() string {
	return fmt.Sprintf("%s: %s (suggestion: %s)", w.Field, w.Message, w.Suggestion)
}

// Warnings returns warnings for suboptimal configuration choices.
func (c *Config) Warnings() []ConfigWarning {
	var warnings []ConfigWarning

	n := c.Committee.Size()
	if n < 4 {
		warnings = append(warnings, ConfigWarning{
			Field:      "Committee",
			Message:    fmt.Sprintf("only %d authorities cannot tolerate any failures (need n >= 4 for f >= 1)", n),
			Suggestion: "use at least 4 authorities for fault tolerance",
		})
	}

	if c.BatchSize < 10 {
		warnings = append(warnings, ConfigWarning{
			Field:      "BatchSize",
			Message:    fmt.Sprintf("batch size %d is very small, increasing header overhead", c.BatchSize),
			Suggestion: "use BatchSize >= 100 for production workloads",
		})
	}
	if c.BatchSize > 10000 {
		warnings = append(warnings, ConfigWarning{
			Field:      "BatchSize",
			Message:    fmt.Sprintf("batch size %d is very large, may cause latency spikes", c.BatchSize),
			Suggestion: "use BatchSize <= 5000 for consistent latency",
		})
	}

	if c.BatchTimeout < 10*time.Millisecond {
		warnings = append(warnings, ConfigWarning{
			Field:      "BatchTimeout",
			Message:    fmt.Sprintf("batch timeout %v is very short, may create many small batches", c.BatchTimeout),
			Suggestion: "use BatchTimeout >= 50ms to reduce overhead",
		})
	}
	if c.BatchTimeout > c.MaxHeaderDelay {
		warnings = append(warnings, ConfigWarning{
			Field:      "BatchTimeout/MaxHeaderDelay",
			Message:    fmt.Sprintf("batch timeout (%v) > header delay (%v), batches may miss headers", c.BatchTimeout, c.MaxHeaderDelay),
			Suggestion: "set BatchTimeout < MaxHeaderDelay for timely batch inclusion",
		})
	}

	if c.RoundTimeout < 2*c.MaxHeaderDelay {
		warnings = append(warnings, ConfigWarning{
			Field:      "RoundTimeout",
			Message:    fmt.Sprintf("round timeout %v is short relative to header delay %v; re-broadcasts may fire during normal vote collection", c.RoundTimeout, c.MaxHeaderDelay),
			Suggestion: "set RoundTimeout >= 2 * MaxHeaderDelay",
		})
	}

	if c.GCRetainRounds < 10 {
		warnings = append(warnings, ConfigWarning{
			Field:      "GCRetainRounds",
			Message:    fmt.Sprintf("retaining only %d rounds may delete data lagging peers still need", c.GCRetainRounds),
			Suggestion: "use GCRetainRounds >= 20 to allow lagging nodes to catch up",
		})
	}
	if c.GCRetainRounds > 1000 {
		warnings = append(warnings, ConfigWarning{
			Field:      "GCRetainRounds",
			Message:    fmt.Sprintf("retaining %d rounds keeps significant data, increasing memory/storage usage", c.GCRetainRounds),
			Suggestion: "use GCRetainRounds <= 100 unless consumers require deep history",
		})
	}

	if c.MaxPendingTransactions < 100 {
		warnings = append(warnings, ConfigWarning{
			Field:      "MaxPendingTransactions",
			Message:    fmt.Sprintf("max pending transactions %d is very small, may cause frequent blocking/drops", c.MaxPendingTransactions),
			Suggestion: "use MaxPendingTransactions >= 1000 for smoother operation",
		})
	}

	if c.WorkerCount > 16 {
		warnings = append(warnings, ConfigWarning{
			Field:      "WorkerCount",
			Message:    fmt.Sprintf("worker count %d is very high; diminishing returns beyond CPU core count", c.WorkerCount),
			Suggestion: "set WorkerCount to approximate CPU core count",
		})
	}

	return warnings
}

// LogWarnings logs all configuration warnings.
func (c *Config) LogWarnings() {
	for _, w := range c.Warnings() {
		c.Logger.Warn("suboptimal configuration",
			zap.String("field", w.Field),
			zap.String("message", w.Message),
			zap.String("suggestion", w.Suggestion),
		)
	}
}

// WithAuthority sets this node's identity in the committee.
func WithAuthority(id AuthorityID) ConfigOption {
	return func(c *Config) error {
		c.Authority = id
		return nil
	}
}

// WithCommittee sets the authority set.
// This is a required option.
func WithCommittee(committee *Committee) ConfigOption {
	return func(c *Config) error {
		if committee == nil {
			return fmt.Errorf("committee cannot be nil")
		}
		c.Committee = committee
		return nil
	}
}

// WithSigner sets the cryptographic signer.
// This is a required option.
func WithSigner(signer Signer) ConfigOption {
	return func(c *Config) error {
		if signer == nil {
			return fmt.Errorf("signer cannot be nil")
		}
		c.Signer = signer
		return nil
	}
}

// WithStorage sets the persistent storage backend.
// This is a required option.
func WithStorage(storage Storage) ConfigOption {
	return func(c *Config) error {
		if storage == nil {
			return fmt.Errorf("storage cannot be nil")
		}
		c.Storage = storage
		return nil
	}
}

// WithNetwork sets the network layer for message delivery.
// This is a required option.
func WithNetwork(network Network) ConfigOption {
	return func(c *Config) error {
		if network == nil {
			return fmt.Errorf("network cannot be nil")
		}
		c.Network = network
		return nil
	}
}

// WithLogger sets the structured logger.
// If not provided, a no-op logger is used.
func WithLogger(logger *zap.Logger) ConfigOption {
	return func(c *Config) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		c.Logger = logger
		return nil
	}
}

// WithWorkerCount sets the number of batching workers.
// Default: 4
func WithWorkerCount(count int) ConfigOption {
	return func(c *Config) error {
		if count < 1 {
			return fmt.Errorf("worker count must be at least 1, got %d", count)
		}
		c.WorkerCount = count
		return nil
	}
}

// WithBatchSize sets the maximum number of transactions per batch.
// Default: 500
func WithBatchSize(size int) ConfigOption {
	return func(c *Config) error {
		if size < 1 {
			return fmt.Errorf("batch size must be at least 1, got %d", size)
		}
		c.BatchSize = size
		return nil
	}
}

// WithBatchSizeLimit sets the byte threshold at which a batch seals.
// Default: 512 KB
func WithBatchSizeLimit(limit int) ConfigOption {
	return func(c *Config) error {
		if limit < 1 {
			return fmt.Errorf("batch size limit must be at least 1, got %d", limit)
		}
		c.BatchSizeLimit = limit
		return nil
	}
}

// WithBatchTimeout sets the maximum time to wait before sealing a batch.
// Default: 100ms
func WithBatchTimeout(timeout time.Duration) ConfigOption {
	return func(c *Config) error {
		if timeout <= 0 {
			return fmt.Errorf("batch timeout must be positive, got %v", timeout)
		}
		c.BatchTimeout = timeout
		return nil
	}
}

// WithMaxHeaderPayload sets the maximum batch refs per header.
// Default: 32
func WithMaxHeaderPayload(max int) ConfigOption {
	return func(c *Config) error {
		if max < 1 {
			return fmt.Errorf("max header payload must be at least 1, got %d", max)
		}
		c.MaxHeaderPayload = max
		return nil
	}
}

// WithMaxHeaderDelay sets the maximum time before proposing a header.
// Default: 200ms
func WithMaxHeaderDelay(delay time.Duration) ConfigOption {
	return func(c *Config) error {
		if delay <= 0 {
			return fmt.Errorf("max header delay must be positive, got %v", delay)
		}
		c.MaxHeaderDelay = delay
		return nil
	}
}

// WithRoundTimeout sets the re-broadcast timeout for uncertified headers.
// Default: 2s
func WithRoundTimeout(timeout time.Duration) ConfigOption {
	return func(c *Config) error {
		if timeout <= 0 {
			return fmt.Errorf("round timeout must be positive, got %v", timeout)
		}
		c.RoundTimeout = timeout
		return nil
	}
}

// WithSyncRetryDelay sets the initial backoff between fetch attempts.
// Default: 200ms
func WithSyncRetryDelay(delay time.Duration) ConfigOption {
	return func(c *Config) error {
		if delay <= 0 {
			return fmt.Errorf("sync retry delay must be positive, got %v", delay)
		}
		c.SyncRetryDelay = delay
		return nil
	}
}

// WithMaxUncertifiedAttempts bounds fetch attempts for uncertified
// content.
// Default: 5
func WithMaxUncertifiedAttempts(attempts int) ConfigOption {
	return func(c *Config) error {
		if attempts < 1 {
			return fmt.Errorf("max uncertified attempts must be at least 1, got %d", attempts)
		}
		c.MaxUncertifiedAttempts = attempts
		return nil
	}
}

// WithGCRetainRounds sets the rounds retained below the committed round.
// Default: 50
func WithGCRetainRounds(rounds uint64) ConfigOption {
	return func(c *Config) error {
		if rounds == 0 {
			return fmt.Errorf("GC retain rounds must be positive")
		}
		c.GCRetainRounds = rounds
		return nil
	}
}

// WithGCInterval sets the time between pruning passes.
// Default: 5s
func WithGCInterval(interval time.Duration) ConfigOption {
	return func(c *Config) error {
		if interval <= 0 {
			return fmt.Errorf("GC interval must be positive, got %v", interval)
		}
		c.GCInterval = interval
		return nil
	}
}

// WithMaxPendingTransactions sets the maximum transactions queued per
// worker.
// Default: 100000
func WithMaxPendingTransactions(max int) ConfigOption {
	return func(c *Config) error {
		if max < 1 {
			return fmt.Errorf("max pending transactions must be at least 1, got %d", max)
		}
		c.MaxPendingTransactions = max
		return nil
	}
}

// WithDropOnFull sets the behavior when queues are full.
// If true, new items are dropped silently. If false, callers get errors.
// Default: false
func WithDropOnFull(drop bool) ConfigOption {
	return func(c *Config) error {
		c.DropOnFull = drop
		return nil
	}
}

// WithValidation sets the structural validation limits.
// Default: DefaultValidationConfig()
func WithValidation(cfg ValidationConfig) ConfigOption {
	return func(c *Config) error {
		c.Validation = cfg
		return nil
	}
}

// WithDAGCache configures the LRU cache for certificate lookups.
// Default: DAGCacheConfig{Enabled: true, Capacity: 10000}
func WithDAGCache(cfg DAGCacheConfig) ConfigOption {
	return func(c *Config) error {
		if cfg.Enabled && cfg.Capacity < 1 {
			cfg.Capacity = 10000
		}
		c.DAGCache = cfg
		return nil
	}
}

// WithHooks sets the observability hooks.
// All hooks are optional; nil hooks are ignored.
func WithHooks(hooks *Hooks) ConfigOption {
	return func(c *Config) error {
		c.Hooks = hooks
		return nil
	}
}
