package docstore

import (
	"context"
	"log/slog"
	"time"
)

type ModelOption func(m *Model)

// WithCollection overrides the collection derived from the model name.
func WithCollection(name string) ModelOption {
	return func(m *Model) {
		m.collection = name
	}
}

func WithPrimaryKey(fields ...string) ModelOption {
	return func(m *Model) {
		if len(fields) > 0 {
			m.primaryKey = fields
		}
	}
}

// WithLockField enables optimistic locking on the given attribute.
func WithLockField(field string) ModelOption {
	return func(m *Model) {
		m.lockField = field
	}
}

// WithTransactions declares, per scenario, which operations run inside a
// transaction.
//
// example:
//
//	WithTransactions(map[string]Op{"checkout": OpInsert | OpUpdate})
func WithTransactions(decl map[string]Op) ModelOption {
	return func(m *Model) {
		for scenario, ops := range decl {
			m.transactions[scenario] = ops
		}
	}
}

// WithBatchSize sets the flush threshold for every operation kind in ops.
func WithBatchSize(ops Op, size int) ModelOption {
	return func(m *Model) {
		for _, op := range opKinds {
			if ops&op != 0 {
				m.batchSizes[op] = size
			}
		}
	}
}

// WithValidator sets the validation run before insert and update. A non-nil
// error fails the save.
func WithValidator(fn func(ctx context.Context, r *Record) error) ModelOption {
	return func(m *Model) {
		m.validator = fn
	}
}

func WithHooks(hooks Hooks) ModelOption {
	return func(m *Model) {
		m.hooks = hooks
	}
}

type SaveOption func(o *saveOption)

type saveOption struct {
	skipValidation bool
	attributes     []string
}

func newSaveOption(options []SaveOption) *saveOption {
	opt := &saveOption{}
	for _, op := range options {
		op(opt)
	}

	return opt
}

// SkipValidation saves without running the model validator.
func SkipValidation() SaveOption {
	return func(o *saveOption) {
		o.skipValidation = true
	}
}

// OnlyAttributes restricts the saved attributes to names.
func OnlyAttributes(names ...string) SaveOption {
	return func(o *saveOption) {
		o.attributes = names
	}
}

// LockOptions configures StubbornLockDocument.
type LockOptions struct {
	Session     SessionOptions
	Transaction TransactionOptions
	Modify      ModifyOptions

	// Delay is the pause between two attempts.
	Delay time.Duration

	// MaxRetries bounds the number of attempts. Zero, or a negative value,
	// retries until the document is free.
	MaxRetries int

	// Sleep waits between attempts. It defaults to a timer that stops early
	// when ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error

	Logger *slog.Logger
}

// DefaultLockOptions returns a one second delay and unlimited retries.
func DefaultLockOptions() LockOptions {
	return LockOptions{
		Transaction: DefaultTransactionOptions(),
		Delay:       DefaultLockDelay,
		Sleep:       sleepContext,
	}
}

type LockOption func(o *LockOptions)

func WithLockDelay(d time.Duration) LockOption {
	return func(o *LockOptions) {
		o.Delay = d
	}
}

func WithMaxRetries(n int) LockOption {
	return func(o *LockOptions) {
		o.MaxRetries = n
	}
}

func WithSleep(fn func(ctx context.Context, d time.Duration) error) LockOption {
	return func(o *LockOptions) {
		o.Sleep = fn
	}
}

func WithLockSession(opts SessionOptions) LockOption {
	return func(o *LockOptions) {
		o.Session = opts
	}
}

func WithLockTransaction(opts TransactionOptions) LockOption {
	return func(o *LockOptions) {
		o.Transaction = opts
	}
}

func WithModifyOptions(opts ModifyOptions) LockOption {
	return func(o *LockOptions) {
		o.Modify = opts
	}
}

func WithLockLogger(logger *slog.Logger) LockOption {
	return func(o *LockOptions) {
		o.Logger = logger
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
