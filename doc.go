// Package docstore provides the write path of a document mapper: batched
// inserts, updates and deletes, optimistic locking and per-document locks
// inside multi-statement transactions.
//
// The package does not talk to a database itself. It drives a [Conn], which
// is implemented by the backends in the mongodb, postgres and memstore
// sub-packages.
//
// # Models and records
//
// A [Model] describes one document type: its collection, primary key,
// optimistic lock field, transactional scenarios and batch sizes. A [Record]
// is one document of that type together with the snapshot of what was last
// persisted, which is used to compute dirty attributes.
//
//	users := docstore.NewModel("User",
//	    docstore.WithLockField("version"),
//	    docstore.WithTransactions(map[string]docstore.Op{"signup": docstore.OpInsert}),
//	)
//	u := users.New(bson.M{"name": "A"})
//	ok, err := mapper.Insert(ctx, u)
//
// # Batching
//
// [Mapper.BatchInsert], [Mapper.BatchUpdate] and [Mapper.BatchDelete]
// queue operations per model and operation kind. A queue is flushed
// automatically once it reaches the model's batch size (500 by default) and
// can be flushed by hand with [Mapper.Flush] or [Mapper.FlushAll]. Call
// [Mapper.Close] at shutdown: it reports any queue that still holds
// operations.
//
// # Locking
//
// [LockDocument] claims a document inside an already running transaction by
// rewriting its lock field with a fresh token. [StubbornLockDocument] manages
// its own session and retries on write conflicts until the document is free
// or the retry budget is spent.
//
// # Errors
//
//   - [ErrStaleWrite] - optimistic lock mismatch on update or delete
//   - [ErrTransactionNotReady] - lock requested without a running transaction
//   - [ErrWriteConflict] - transient conflict reported by the store
//   - [ErrKeyAlreadyExists] - duplicate primary key on insert
//   - [ErrKeynotFound] - no document matched
//   - [ErrUnflushedBatch] - queued operations were never flushed
//
// Validation failures and hook vetoes are not errors: the write methods
// report them through their boolean result.
package docstore
