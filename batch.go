package docstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
)

// queueKey identifies a queue by model identity, so two models sharing a
// name but not a collection never share a queue.
type queueKey struct {
	model *Model
	op    Op
}

func (k queueKey) String() string {
	return k.model.name + "/" + k.op.String()
}

// batchQueue is the pending state of one (model, operation) pair.
type batchQueue struct {
	key       queueKey
	batch     Batch
	count     int
	threshold int
}

// Batcher owns the batch queues of one connection, one queue per model and
// operation kind.
type Batcher struct {
	mu          sync.Mutex
	conn        Conn
	logger      *slog.Logger
	defaultSize int
	queues      map[queueKey]*batchQueue
}

// NewBatcher creates a Batcher writing through conn. Models without a batch
// size of their own flush after defaultSize operations.
func NewBatcher(conn Conn, logger *slog.Logger, defaultSize int) *Batcher {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultSize < 1 {
		defaultSize = DefaultBatchSize
	}

	return &Batcher{
		conn:        conn,
		logger:      logger,
		defaultSize: defaultSize,
		queues:      make(map[queueKey]*batchQueue),
	}
}

// queue returns the queue for (model, op), creating it with a fresh batch
// handle on first use. Callers hold b.mu.
func (b *Batcher) queue(model *Model, op Op) *batchQueue {
	key := queueKey{model: model, op: op}
	if q, ok := b.queues[key]; ok {
		return q
	}

	threshold := model.BatchSize(op)
	if threshold < 1 {
		threshold = b.defaultSize
	}

	q := &batchQueue{key: key, batch: b.conn.NewBatch(), threshold: threshold}
	b.queues[key] = q

	return q
}

// HasPending reports whether (model, op) holds unflushed operations.
func (b *Batcher) HasPending(model *Model, op Op) bool {
	return b.Pending(model, op) > 0
}

// Pending returns the number of unflushed operations for (model, op).
func (b *Batcher) Pending(model *Model, op Op) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queueKey{model: model, op: op}]
	if !ok {
		return 0
	}

	return q.count
}

// EnqueueInsert queues the insert of r. Dirty attributes are sent, or the
// primary key when nothing is dirty. A non-nil result means the queue
// reached its threshold and was flushed.
func (b *Batcher) EnqueueInsert(ctx context.Context, r *Record) (*BatchResult, error) {
	values := r.DirtyAttributes()
	if len(values) == 0 {
		values = r.PrimaryKey()
	}

	return b.enqueue(ctx, r.model, OpInsert, func(batch Batch) {
		batch.AddInsert(values)
	})
}

// EnqueueUpdate queues the dirty attributes of r against its persisted
// primary key. Nothing is queued when no attribute is dirty.
func (b *Batcher) EnqueueUpdate(ctx context.Context, r *Record) (*BatchResult, error) {
	values := r.DirtyAttributes()
	if len(values) == 0 {
		return nil, nil
	}

	cond, err := r.OldPrimaryKey()
	if err != nil {
		return nil, err
	}

	return b.enqueue(ctx, r.model, OpUpdate, func(batch Batch) {
		batch.AddUpdate(cond, Change{Set: values}, WriteOptions{})
	})
}

// EnqueueDelete queues the removal of r by its persisted primary key.
func (b *Batcher) EnqueueDelete(ctx context.Context, r *Record) (*BatchResult, error) {
	cond, err := r.OldPrimaryKey()
	if err != nil {
		return nil, err
	}

	return b.enqueue(ctx, r.model, OpDelete, func(batch Batch) {
		batch.AddDelete(cond, WriteOptions{})
	})
}

// EnqueueUpdateAll queues a multi-document update that is not tied to a
// record.
func (b *Batcher) EnqueueUpdateAll(ctx context.Context, model *Model, cond bson.M, change Change) (*BatchResult, error) {
	if change.IsEmpty() {
		return nil, nil
	}

	return b.enqueue(ctx, model, OpUpdate, func(batch Batch) {
		batch.AddUpdate(cloneM(cond), change, WriteOptions{Multi: true})
	})
}

// EnqueueDeleteAll queues a multi-document delete that is not tied to a
// record.
func (b *Batcher) EnqueueDeleteAll(ctx context.Context, model *Model, cond bson.M) (*BatchResult, error) {
	return b.enqueue(ctx, model, OpDelete, func(batch Batch) {
		batch.AddDelete(cloneM(cond), WriteOptions{Multi: true})
	})
}

func (b *Batcher) enqueue(ctx context.Context, model *Model, op Op, add func(batch Batch)) (*BatchResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(model, op)
	add(q.batch)
	q.count++

	if q.count < q.threshold {
		return nil, nil
	}

	b.logger.Debug("batch threshold reached",
		"model", model.name,
		"op", op.String(),
		"threshold", q.threshold,
	)

	return b.flush(ctx, q)
}

// Flush submits the pending operations of (model, op). It returns nil and
// makes no store call when nothing is pending.
func (b *Batcher) Flush(ctx context.Context, model *Model, op Op) (*BatchResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queueKey{model: model, op: op}]
	if !ok {
		return nil, nil
	}

	return b.flush(ctx, q)
}

// FlushAll flushes every queue, ordered by model name then operation. All
// queues are attempted; their errors are joined.
func (b *Batcher) FlushAll(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []error
	for _, q := range b.sortedQueues() {
		if _, err := b.flush(ctx, q); err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", q.key, err))
		}
	}

	return errors.Join(errs...)
}

// flush executes q. The counter and the handle are reset whether or not
// the execution succeeds, so a failed batch is reported once and dropped.
func (b *Batcher) flush(ctx context.Context, q *batchQueue) (*BatchResult, error) {
	if q.count == 0 {
		return nil, nil
	}

	q.count = 0
	defer q.batch.Reset()

	collection := q.key.model.collection
	res, err := q.batch.Execute(ctx, collection)
	if err != nil {
		return res, fmt.Errorf("execute %s batch on %s: %w", q.key.op, collection, err)
	}

	return res, nil
}

// AssertFlushed logs a warning for every queue that still holds operations
// and returns ErrUnflushedBatch naming them. Host applications call it at
// controlled shutdown points.
func (b *Batcher) AssertFlushed() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var pending []string
	for _, q := range b.sortedQueues() {
		if q.count == 0 {
			continue
		}

		b.logger.Warn("batch operations were not flushed",
			"model", q.key.model.name,
			"op", q.key.op.String(),
			"pending", q.count,
			"collection", q.key.model.collection,
		)
		pending = append(pending, fmt.Sprintf("%s (%d)", q.key, q.count))
	}

	if len(pending) == 0 {
		return nil
	}

	return fmt.Errorf("%w: %s", ErrUnflushedBatch, strings.Join(pending, ", "))
}

func (b *Batcher) sortedQueues() []*batchQueue {
	queues := make([]*batchQueue, 0, len(b.queues))
	for _, q := range b.queues {
		queues = append(queues, q)
	}

	sort.Slice(queues, func(i, j int) bool {
		x, y := queues[i].key, queues[j].key
		if x.model.name != y.model.name {
			return x.model.name < y.model.name
		}
		if x.model.collection != y.model.collection {
			return x.model.collection < y.model.collection
		}
		return x.op < y.op
	})

	return queues
}
