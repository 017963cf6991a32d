package memstore

import (
	"context"

	"github.com/likearthian/docstore"
	"go.mongodb.org/mongo-driver/bson"
)

type batchOp struct {
	insert bool
	delete bool
	doc    bson.M
	cond   bson.M
	change docstore.Change
	opts   docstore.WriteOptions
}

// Batch executes its operations in order and stops at the first failure,
// like an ordered bulk write.
type Batch struct {
	store *Store
	ops   []batchOp
}

var _ docstore.Batch = (*Batch)(nil)

func (b *Batch) AddInsert(doc bson.M) {
	b.ops = append(b.ops, batchOp{insert: true, doc: doc})
}

func (b *Batch) AddUpdate(cond bson.M, change docstore.Change, opts docstore.WriteOptions) {
	b.ops = append(b.ops, batchOp{cond: cond, change: change, opts: opts})
}

func (b *Batch) AddDelete(cond bson.M, opts docstore.WriteOptions) {
	b.ops = append(b.ops, batchOp{delete: true, cond: cond, opts: opts})
}

func (b *Batch) Len() int {
	return len(b.ops)
}

// Execute applies the operations. On failure the counts of the operations
// applied so far are returned with the error.
func (b *Batch) Execute(ctx context.Context, collection string) (*docstore.BatchResult, error) {
	s := b.store
	s.mu.Lock()
	defer s.mu.Unlock()

	txn := s.txn(ctx)
	res := &docstore.BatchResult{}
	for _, op := range b.ops {
		switch {
		case op.insert:
			if _, err := s.insert(txn, collection, op.doc); err != nil {
				return res, err
			}
			res.Inserted++
		case op.delete:
			n, err := s.remove(txn, collection, op.cond, op.opts)
			if err != nil {
				return res, err
			}
			res.Deleted += n
		default:
			matched, upserted, err := s.update(txn, collection, op.cond, op.change, op.opts)
			if err != nil {
				return res, err
			}
			res.Matched += matched
			res.Modified += matched
			res.Upserted += upserted
		}
	}

	return res, nil
}

func (b *Batch) Reset() {
	b.ops = nil
}
