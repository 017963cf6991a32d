package docstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.mongodb.org/mongo-driver/bson"
)

// LockState is a step of the stubborn lock protocol.
type LockState int

const (
	LockIdle LockState = iota
	LockTxBegin
	LockAttempting
	LockLocked
	LockRolledBack
	LockExhausted
)

func (s LockState) String() string {
	switch s {
	case LockIdle:
		return "idle"
	case LockTxBegin:
		return "tx_begin"
	case LockAttempting:
		return "attempting"
	case LockLocked:
		return "locked"
	case LockRolledBack:
		return "rolled_back"
	case LockExhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("LockState(%d)", int(s))
	}
}

// attemptOutcome is the result of a single lock attempt.
type attemptOutcome int

const (
	attemptLocked attemptOutcome = iota
	attemptConflict
	attemptFailed
)

// LockDocument claims the document with the given id by writing a fresh
// token to lockField. ctx must carry a session with a running transaction;
// the claim holds until that transaction ends. It returns the document as
// modified, or ErrKeynotFound when no document has that id.
func LockDocument(ctx context.Context, conn Conn, collection, lockField string, id any, opts ModifyOptions) (bson.M, error) {
	if !InTransaction(ctx) {
		return nil, ErrTransactionNotReady
	}
	if lockField == "" {
		lockField = DefaultLockField
	}

	change := Change{Set: bson.M{lockField: NewLockToken()}}
	doc, err := conn.FindAndModify(ctx, collection, bson.M{DefaultKeyField: id}, change, opts)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: %s %v", ErrKeynotFound, collection, id)
	}

	return doc, nil
}

// Lease is a document locked by StubbornLockDocument. The transaction that
// holds the lock stays open until Commit or Abort is called.
type Lease struct {
	Document bson.M
	// Attempts is the number of lock attempts it took.
	Attempts int

	ctx     context.Context
	session Session
}

// Context returns a context bound to the lease's session. Writes made with
// it join the locking transaction.
func (l *Lease) Context() context.Context {
	return l.ctx
}

// Commit commits the locking transaction and ends the session.
func (l *Lease) Commit(ctx context.Context) error {
	defer l.session.EndSession(ctx)
	return l.session.CommitTransaction(ctx)
}

// Abort aborts the locking transaction and ends the session.
func (l *Lease) Abort(ctx context.Context) error {
	defer l.session.EndSession(ctx)
	return l.session.AbortTransaction(ctx)
}

// StubbornLockDocument locks a document from outside any transaction. It
// opens its own session and retries the lock in a fresh transaction after
// every write conflict, sleeping Delay between attempts, until the document
// is free or MaxRetries attempts have failed. A negative MaxRetries counts
// as zero. Any error other than ErrWriteConflict is returned at once; in
// particular a missing document is reported as ErrKeynotFound rather than
// as an empty result.
func StubbornLockDocument(ctx context.Context, conn Conn, collection, lockField string, id any, options ...LockOption) (*Lease, error) {
	opts := DefaultLockOptions()
	for _, o := range options {
		o(&opts)
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}

	logger := opts.Logger.With("collection", collection, "id", id)

	sess, err := conn.StartSession(ctx, opts.Session)
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	sctx := ContextWithSession(ctx, sess)

	state := LockIdle
	transition := func(next LockState, attempt int) {
		logger.Debug("document lock", "from", state.String(), "to", next.String(), "attempt", attempt)
		state = next
	}

	var lastErr error
	for attempt := 1; opts.MaxRetries == 0 || attempt <= opts.MaxRetries; attempt++ {
		if attempt > 1 {
			if err := opts.Sleep(ctx, opts.Delay); err != nil {
				sess.EndSession(ctx)
				return nil, errors.Join(err, lastErr)
			}
		}

		transition(LockTxBegin, attempt)
		if err := sess.StartTransaction(ctx, opts.Transaction); err != nil {
			sess.EndSession(ctx)
			return nil, fmt.Errorf("start transaction: %w", err)
		}

		transition(LockAttempting, attempt)
		doc, outcome, err := attemptLock(sctx, conn, collection, lockField, id, opts.Modify)
		if outcome == attemptLocked {
			transition(LockLocked, attempt)
			return &Lease{Document: doc, Attempts: attempt, ctx: sctx, session: sess}, nil
		}

		if abortErr := sess.AbortTransaction(ctx); abortErr != nil {
			logger.Warn("failed to abort lock transaction", "attempt", attempt, "error", abortErr)
		}
		transition(LockRolledBack, attempt)
		lastErr = err

		if outcome == attemptFailed {
			sess.EndSession(ctx)
			return nil, err
		}
	}

	transition(LockExhausted, opts.MaxRetries)
	logger.Info("document lock retries exhausted", "attempts", opts.MaxRetries, "error", lastErr)
	sess.EndSession(ctx)

	return nil, lastErr
}

func attemptLock(ctx context.Context, conn Conn, collection, lockField string, id any, opts ModifyOptions) (bson.M, attemptOutcome, error) {
	doc, err := LockDocument(ctx, conn, collection, lockField, id, opts)
	switch {
	case err == nil:
		return doc, attemptLocked, nil
	case errors.Is(err, ErrWriteConflict):
		return nil, attemptConflict, err
	default:
		return nil, attemptFailed, err
	}
}

// LockDocument locks the record of model with the given id inside the
// transaction carried by ctx.
func (m *Mapper) LockDocument(ctx context.Context, model *Model, id any) (*Record, error) {
	doc, err := LockDocument(ctx, m.conn, model.collection, model.lockFieldOrDefault(), id, ModifyOptions{})
	if err != nil {
		return nil, err
	}

	return model.Instantiate(doc), nil
}

// StubbornLockDocument locks the record of model with the given id using
// the mapper's lock delay, retry bound and transaction options unless
// options override them.
func (m *Mapper) StubbornLockDocument(ctx context.Context, model *Model, id any, options ...LockOption) (*Record, *Lease, error) {
	defaults := []LockOption{
		WithLockDelay(m.config.LockDelay),
		WithMaxRetries(m.config.LockMaxRetries),
		WithLockSession(m.config.Session),
		WithLockTransaction(m.config.Transaction),
		WithLockLogger(m.logger),
	}

	lease, err := StubbornLockDocument(ctx, m.conn, model.collection, model.lockFieldOrDefault(), id, append(defaults, options...)...)
	if err != nil {
		return nil, nil, err
	}

	return model.Instantiate(lease.Document), lease, nil
}
