package docstore

import "errors"

var (
	ErrKeyAlreadyExists = errors.New("key already exists")
	ErrKeynotFound      = errors.New("key not found")

	// ErrStaleWrite is returned when an update or delete guarded by an
	// optimistic lock matched no document.
	ErrStaleWrite = errors.New("stale write")

	// ErrTransactionNotReady is returned when a document lock is requested
	// without a running transaction on the context.
	ErrTransactionNotReady = errors.New("transaction not ready")

	// ErrWriteConflict is returned by backends for transient write
	// conflicts between concurrent transactions.
	ErrWriteConflict = errors.New("write conflict")

	// ErrUnflushedBatch is returned by AssertFlushed when queued operations
	// were never submitted.
	ErrUnflushedBatch = errors.New("batch operations left unflushed")

	// ErrNewRecord is returned when an update or delete is attempted on a
	// record that was never persisted.
	ErrNewRecord = errors.New("record is not persisted")
)
