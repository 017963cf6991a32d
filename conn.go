package docstore

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

// Conn is the document store client the mapper writes through.
// Every method honours the session bound to ctx by ContextWithSession.
type Conn interface {
	// Insert stores doc and returns its identifier, generating one when doc
	// carries no _id.
	Insert(ctx context.Context, collection string, doc bson.M) (any, error)

	// Update applies change to the documents matching cond and returns the
	// number of matched documents.
	Update(ctx context.Context, collection string, cond bson.M, change Change, opts WriteOptions) (int64, error)

	// Remove deletes the documents matching cond and returns how many were
	// removed.
	Remove(ctx context.Context, collection string, cond bson.M, opts WriteOptions) (int64, error)

	// Find returns the documents matching cond.
	Find(ctx context.Context, collection string, cond bson.M, opts FindOptions) ([]bson.M, error)

	// FindAndModify atomically applies change to the first document matching
	// cond and returns the modified document, or nil when nothing matched.
	FindAndModify(ctx context.Context, collection string, cond bson.M, change Change, opts ModifyOptions) (bson.M, error)

	// StartSession opens a session that can run transactions.
	StartSession(ctx context.Context, opts SessionOptions) (Session, error)

	// NewBatch returns an empty batch command bound to this connection.
	NewBatch() Batch
}

// Session is a logical store session owning at most one transaction.
type Session interface {
	StartTransaction(ctx context.Context, opts TransactionOptions) error
	CommitTransaction(ctx context.Context) error
	AbortTransaction(ctx context.Context) error
	InTransaction() bool
	EndSession(ctx context.Context)
}

// Batch accumulates write operations and submits them in one round-trip.
// Operations are executed in the order they were added.
type Batch interface {
	AddInsert(doc bson.M)
	AddUpdate(cond bson.M, change Change, opts WriteOptions)
	AddDelete(cond bson.M, opts WriteOptions)
	Len() int
	Execute(ctx context.Context, collection string) (*BatchResult, error)
	Reset()
}

// Change describes the modification made by an update.
type Change struct {
	// Set replaces the named attributes.
	Set bson.M
	// Inc adds the given amounts to numeric attributes.
	Inc bson.M
}

// IsEmpty reports whether the change modifies nothing.
func (c Change) IsEmpty() bool {
	return len(c.Set) == 0 && len(c.Inc) == 0
}

type WriteOptions struct {
	// Multi applies the write to every matching document instead of the first.
	Multi  bool
	Upsert bool
}

type FindOptions struct {
	Limit int64
	Sort  bson.D
}

// ModifyOptions configures FindAndModify. The post-modification document is
// always returned.
type ModifyOptions struct {
	Upsert bool
	Sort   bson.D
}

type SessionOptions struct {
	CausalConsistency *bool
}

// Read and write concern names understood by the backends.
const (
	ReadConcernLocal        = "local"
	ReadConcernMajority     = "majority"
	ReadConcernSnapshot     = "snapshot"
	ReadConcernLinearizable = "linearizable"

	WriteConcernMajority = "majority"
)

type TransactionOptions struct {
	ReadConcern   string
	WriteConcern  string
	MaxCommitTime time.Duration
}

// DefaultTransactionOptions returns snapshot reads with majority writes.
func DefaultTransactionOptions() TransactionOptions {
	return TransactionOptions{
		ReadConcern:  ReadConcernSnapshot,
		WriteConcern: WriteConcernMajority,
	}
}

// BatchResult summarises an executed batch.
type BatchResult struct {
	Inserted int64
	Matched  int64
	Modified int64
	Deleted  int64
	Upserted int64
}

type contextKey string

const sessionContextKey contextKey = "session"

// ContextWithSession returns a copy of ctx that carries sess. Store calls
// made with the returned context run inside sess.
func ContextWithSession(ctx context.Context, sess Session) context.Context {
	return context.WithValue(ctx, sessionContextKey, sess)
}

// SessionFromContext returns the session bound to ctx, or nil.
func SessionFromContext(ctx context.Context) Session {
	sess, _ := ctx.Value(sessionContextKey).(Session)
	return sess
}

// InTransaction reports whether ctx carries a session with a running
// transaction.
func InTransaction(ctx context.Context) bool {
	sess := SessionFromContext(ctx)
	return sess != nil && sess.InTransaction()
}
