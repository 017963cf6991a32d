package postgres

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/likearthian/docstore"
	"go.mongodb.org/mongo-driver/bson"
)

type batchOpKind int

const (
	batchInsert batchOpKind = iota
	batchUpdate
	batchDelete
)

type batchOp struct {
	kind   batchOpKind
	doc    bson.M
	cond   bson.M
	change docstore.Change
	opts   docstore.WriteOptions
}

// Batch runs its operations in order inside one transaction. When ctx
// carries a session transaction the batch joins it instead.
type Batch struct {
	conn *Conn
	ops  []batchOp
}

var _ docstore.Batch = (*Batch)(nil)

func (b *Batch) AddInsert(doc bson.M) {
	b.ops = append(b.ops, batchOp{kind: batchInsert, doc: doc})
}

func (b *Batch) AddUpdate(cond bson.M, change docstore.Change, opts docstore.WriteOptions) {
	b.ops = append(b.ops, batchOp{kind: batchUpdate, cond: cond, change: change, opts: opts})
}

func (b *Batch) AddDelete(cond bson.M, opts docstore.WriteOptions) {
	b.ops = append(b.ops, batchOp{kind: batchDelete, cond: cond, opts: opts})
}

func (b *Batch) Len() int {
	return len(b.ops)
}

func (b *Batch) Execute(ctx context.Context, collection string) (*docstore.BatchResult, error) {
	if len(b.ops) == 0 {
		return &docstore.BatchResult{}, nil
	}

	table, err := b.conn.table(ctx, collection)
	if err != nil {
		return nil, err
	}

	if s, ok := docstore.SessionFromContext(ctx).(*Session); ok && s.tx != nil {
		return b.run(ctx, s.tx, table)
	}

	tx, err := b.conn.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, wrapPostgresError(err)
	}
	defer tx.Rollback()

	res, err := b.run(ctx, tx, table)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, wrapPostgresError(err)
	}

	return res, nil
}

func (b *Batch) run(ctx context.Context, ext sqlx.ExtContext, table string) (*docstore.BatchResult, error) {
	res := &docstore.BatchResult{}
	for _, op := range b.ops {
		switch op.kind {
		case batchInsert:
			if _, err := insert(ctx, ext, table, op.doc); err != nil {
				return nil, err
			}
			res.Inserted++
		case batchUpdate:
			matched, upserted, err := update(ctx, ext, table, op.cond, op.change, op.opts)
			if err != nil {
				return nil, err
			}
			res.Matched += matched
			res.Modified += matched
			res.Upserted += upserted
		case batchDelete:
			n, err := remove(ctx, ext, table, op.cond, op.opts)
			if err != nil {
				return nil, err
			}
			res.Deleted += n
		}
	}

	return res, nil
}

func (b *Batch) Reset() {
	b.ops = nil
}
