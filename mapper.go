package docstore

import (
	"context"
	"fmt"
	"log/slog"

	"go.mongodb.org/mongo-driver/bson"
)

// Mapper persists records through a Conn.
type Mapper struct {
	conn    Conn
	config  Config
	logger  *slog.Logger
	batcher *Batcher
}

// New creates a Mapper writing through conn.
func New(conn Conn, config Config) *Mapper {
	config.validate()
	return &Mapper{
		conn:    conn,
		config:  config,
		logger:  config.Logger,
		batcher: NewBatcher(conn, config.Logger, config.BatchSize),
	}
}

func (m *Mapper) Conn() Conn {
	return m.conn
}

func (m *Mapper) Batcher() *Batcher {
	return m.batcher
}

// Close reports batch queues that still hold operations. It does not flush
// them.
func (m *Mapper) Close() error {
	return m.batcher.AssertFlushed()
}

// Save inserts a new record and updates a persisted one.
func (m *Mapper) Save(ctx context.Context, r *Record, options ...SaveOption) (bool, error) {
	if r.IsNew() {
		return m.Insert(ctx, r, options...)
	}

	_, ok, err := m.Update(ctx, r, options...)
	return ok, err
}

// Insert persists a new record. It returns false without error when
// validation fails or a hook vetoes the insert.
func (m *Mapper) Insert(ctx context.Context, r *Record, options ...SaveOption) (bool, error) {
	opt := newSaveOption(options)
	if !opt.skipValidation && !r.Validate(ctx) {
		return false, nil
	}

	if !r.IsTransactional(OpInsert) {
		return m.insertInternal(ctx, r, opt.attributes)
	}

	_, ok, err := runInTransaction(ctx, m, r, func(ctx context.Context) (struct{}, bool, error) {
		ok, err := m.insertInternal(ctx, r, opt.attributes)
		return struct{}{}, ok, err
	})

	return ok, err
}

// Update writes the dirty attributes of a persisted record and returns the
// number of matched documents. Zero with ok set means nothing was dirty.
// It returns ErrStaleWrite when the model uses optimistic locking and the
// stored lock value no longer matches.
func (m *Mapper) Update(ctx context.Context, r *Record, options ...SaveOption) (int64, bool, error) {
	opt := newSaveOption(options)
	if !opt.skipValidation && !r.Validate(ctx) {
		return 0, false, nil
	}

	if !r.IsTransactional(OpUpdate) {
		return m.updateInternal(ctx, r, opt.attributes)
	}

	return runInTransaction(ctx, m, r, func(ctx context.Context) (int64, bool, error) {
		return m.updateInternal(ctx, r, opt.attributes)
	})
}

// Delete removes a persisted record and returns the number of removed
// documents.
func (m *Mapper) Delete(ctx context.Context, r *Record) (int64, bool, error) {
	if !r.IsTransactional(OpDelete) {
		return m.deleteInternal(ctx, r)
	}

	return runInTransaction(ctx, m, r, func(ctx context.Context) (int64, bool, error) {
		return m.deleteInternal(ctx, r)
	})
}

func (m *Mapper) insertInternal(ctx context.Context, r *Record, attributes []string) (bool, error) {
	model := r.model
	if !model.hooks.beforeSave(ctx, r, true) {
		return false, nil
	}

	values := r.DirtyAttributes(attributes...)
	if len(values) == 0 {
		values = r.PrimaryKey()
	}

	id, err := m.conn.Insert(ctx, model.collection, values)
	if err != nil {
		return false, err
	}

	if id != nil {
		r.attrs[DefaultKeyField] = id
		values[DefaultKeyField] = id
	}

	changed := make(bson.M, len(values))
	for k := range values {
		changed[k] = nil
	}

	r.setOldAttributes(values)
	model.hooks.afterSave(ctx, r, true, changed)

	return true, nil
}

func (m *Mapper) updateInternal(ctx context.Context, r *Record, attributes []string) (int64, bool, error) {
	model := r.model
	if !model.hooks.beforeSave(ctx, r, false) {
		return 0, false, nil
	}

	values := r.DirtyAttributes(attributes...)
	if len(values) == 0 {
		model.hooks.afterSave(ctx, r, false, bson.M{})
		return 0, true, nil
	}

	cond, err := r.OldPrimaryKey()
	if err != nil {
		return 0, false, err
	}

	guard := model.guard()
	guard.prepareUpdate(r, cond, values)

	rows, err := m.conn.Update(ctx, model.collection, cond, Change{Set: values}, WriteOptions{})
	if err != nil {
		return 0, false, err
	}

	if err := guard.check(OpUpdate, rows); err != nil {
		return 0, false, err
	}

	guard.adopt(r, values)

	changed := make(bson.M, len(values))
	for k, v := range values {
		changed[k] = r.old[k]
		r.old[k] = v
	}

	model.hooks.afterSave(ctx, r, false, changed)

	return rows, true, nil
}

func (m *Mapper) deleteInternal(ctx context.Context, r *Record) (int64, bool, error) {
	model := r.model
	if !model.hooks.beforeDelete(ctx, r) {
		return 0, false, nil
	}

	cond, err := r.OldPrimaryKey()
	if err != nil {
		return 0, false, err
	}

	guard := model.guard()
	guard.prepareDelete(r, cond)

	rows, err := m.conn.Remove(ctx, model.collection, cond, WriteOptions{})
	if err != nil {
		return 0, false, err
	}

	if err := guard.check(OpDelete, rows); err != nil {
		return 0, false, err
	}

	r.clearOldAttributes()
	model.hooks.afterDelete(ctx, r)

	return rows, true, nil
}

// runInTransaction runs fn inside a transaction. A transaction already
// carried by ctx is reused; otherwise a session is opened, committed when fn
// succeeds and aborted when fn fails or vetoes. The record is restored to
// its previous state when the transaction does not commit.
func runInTransaction[T any](ctx context.Context, m *Mapper, r *Record, fn func(ctx context.Context) (T, bool, error)) (T, bool, error) {
	if InTransaction(ctx) {
		return fn(ctx)
	}

	var zero T
	saved := r.state()

	sess, err := m.conn.StartSession(ctx, m.config.Session)
	if err != nil {
		return zero, false, fmt.Errorf("start session: %w", err)
	}
	defer sess.EndSession(ctx)

	if err := sess.StartTransaction(ctx, m.config.Transaction); err != nil {
		return zero, false, fmt.Errorf("start transaction: %w", err)
	}

	res, ok, err := fn(ContextWithSession(ctx, sess))
	if err != nil || !ok {
		if abortErr := sess.AbortTransaction(ctx); abortErr != nil {
			m.logger.Warn("failed to abort transaction",
				"model", r.model.name,
				"error", abortErr,
			)
		}
		r.restore(saved)
		return res, ok, err
	}

	if err := sess.CommitTransaction(ctx); err != nil {
		r.restore(saved)
		return zero, false, fmt.Errorf("commit transaction: %w", err)
	}

	return res, true, nil
}

// UpdateAll sets attrs on every document of model matching cond and returns
// the number of matched documents.
func (m *Mapper) UpdateAll(ctx context.Context, model *Model, cond bson.M, attrs bson.M) (int64, error) {
	return m.conn.Update(ctx, model.collection, cond, Change{Set: attrs}, WriteOptions{Multi: true})
}

// UpdateAllCounters adds counters to the numeric attributes of every
// document of model matching cond.
func (m *Mapper) UpdateAllCounters(ctx context.Context, model *Model, cond bson.M, counters bson.M) (int64, error) {
	return m.conn.Update(ctx, model.collection, cond, Change{Inc: counters}, WriteOptions{Multi: true})
}

// DeleteAll removes every document of model matching cond.
func (m *Mapper) DeleteAll(ctx context.Context, model *Model, cond bson.M) (int64, error) {
	return m.conn.Remove(ctx, model.collection, cond, WriteOptions{Multi: true})
}

// FindAll loads the documents of model matching cond.
func (m *Mapper) FindAll(ctx context.Context, model *Model, cond bson.M, opts FindOptions) ([]*Record, error) {
	docs, err := m.conn.Find(ctx, model.collection, cond, opts)
	if err != nil {
		return nil, err
	}

	return Map(docs, model.Instantiate), nil
}

// FindOne loads the first document of model matching cond, or returns
// ErrKeynotFound.
func (m *Mapper) FindOne(ctx context.Context, model *Model, cond bson.M) (*Record, error) {
	r, found, err := m.FindAndCheck(ctx, model, cond)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrKeynotFound, model.collection)
	}

	return r, nil
}

func (m *Mapper) FindByID(ctx context.Context, model *Model, id any) (*Record, error) {
	return m.FindOne(ctx, model, bson.M{DefaultKeyField: id})
}

// Exists reports whether any document of model matches cond.
func (m *Mapper) Exists(ctx context.Context, model *Model, cond bson.M) (bool, error) {
	_, found, err := m.FindAndCheck(ctx, model, cond)
	return found, err
}

// FindAndCheck loads the first document matching cond and reports whether
// one was found.
func (m *Mapper) FindAndCheck(ctx context.Context, model *Model, cond bson.M) (*Record, bool, error) {
	docs, err := m.conn.Find(ctx, model.collection, cond, FindOptions{Limit: 1})
	if err != nil {
		return nil, false, err
	}
	if len(docs) == 0 {
		return nil, false, nil
	}

	return model.Instantiate(docs[0]), true, nil
}

// BatchSave queues an insert for a new record and an update otherwise.
func (m *Mapper) BatchSave(ctx context.Context, r *Record) (*BatchResult, error) {
	if r.IsNew() {
		return m.BatchInsert(ctx, r)
	}

	return m.BatchUpdate(ctx, r)
}

func (m *Mapper) BatchInsert(ctx context.Context, r *Record) (*BatchResult, error) {
	return m.batcher.EnqueueInsert(ctx, r)
}

func (m *Mapper) BatchUpdate(ctx context.Context, r *Record) (*BatchResult, error) {
	return m.batcher.EnqueueUpdate(ctx, r)
}

func (m *Mapper) BatchDelete(ctx context.Context, r *Record) (*BatchResult, error) {
	return m.batcher.EnqueueDelete(ctx, r)
}

func (m *Mapper) BatchUpdateAll(ctx context.Context, model *Model, cond bson.M, attrs bson.M) (*BatchResult, error) {
	return m.batcher.EnqueueUpdateAll(ctx, model, cond, Change{Set: attrs})
}

func (m *Mapper) BatchUpdateAllCounters(ctx context.Context, model *Model, cond bson.M, counters bson.M) (*BatchResult, error) {
	return m.batcher.EnqueueUpdateAll(ctx, model, cond, Change{Inc: counters})
}

func (m *Mapper) BatchDeleteAll(ctx context.Context, model *Model, cond bson.M) (*BatchResult, error) {
	return m.batcher.EnqueueDeleteAll(ctx, model, cond)
}

func (m *Mapper) Flush(ctx context.Context, model *Model, op Op) (*BatchResult, error) {
	return m.batcher.Flush(ctx, model, op)
}

func (m *Mapper) FlushAll(ctx context.Context) error {
	return m.batcher.FlushAll(ctx)
}

func (m *Mapper) HasPending(model *Model, op Op) bool {
	return m.batcher.HasPending(model, op)
}
