package docstore

import (
	"log/slog"
	"time"
)

// DefaultLockDelay is the pause between two stubborn lock attempts.
const DefaultLockDelay = time.Second

// Config holds configuration for a Mapper.
type Config struct {
	// Logger receives warnings about unflushed batches and lock retries.
	// Default: slog.Default()
	Logger *slog.Logger

	// BatchSize is the flush threshold for models that do not set their own.
	// Default: 500
	BatchSize int

	// Session and Transaction configure the transactions opened for
	// transactional scenarios.
	// Default transaction: snapshot reads, majority writes.
	Session     SessionOptions
	Transaction TransactionOptions

	// LockDelay is the pause between stubborn lock attempts.
	// Default: 1s
	LockDelay time.Duration

	// LockMaxRetries bounds stubborn lock attempts. 0 retries forever.
	LockMaxRetries int
}

// DefaultConfig returns the defaults used when a field is left empty.
func DefaultConfig() Config {
	return Config{
		Logger:      slog.Default(),
		BatchSize:   DefaultBatchSize,
		Transaction: DefaultTransactionOptions(),
		LockDelay:   DefaultLockDelay,
	}
}

// validate ensures config values are within acceptable bounds.
func (c *Config) validate() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.BatchSize < 1 {
		c.BatchSize = DefaultBatchSize
	}
	if c.LockDelay <= 0 {
		c.LockDelay = DefaultLockDelay
	}
	if c.LockMaxRetries < 0 {
		c.LockMaxRetries = 0
	}
}
