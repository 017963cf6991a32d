// Package memstore is an in-process docstore.Conn. Writes made inside a
// transaction claim the documents they touch until the transaction ends;
// any other write to a claimed document fails with docstore.ErrWriteConflict.
// Reads are not isolated and see uncommitted writes.
//
// It is meant for tests and small tools, not for production data.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/likearthian/docstore"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type entry struct {
	collection string
	doc        bson.M
	deleted    bool
	owner      *Session
}

// Store holds collections of documents in memory.
type Store struct {
	mu          sync.Mutex
	collections map[string][]*entry
}

var _ docstore.Conn = (*Store)(nil)

func New() *Store {
	return &Store{collections: make(map[string][]*entry)}
}

// Len returns the number of live documents in collection.
func (s *Store) Len(collection string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, e := range s.collections[collection] {
		if !e.deleted {
			n++
		}
	}

	return n
}

func (s *Store) Insert(ctx context.Context, collection string, doc bson.M) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.insert(s.txn(ctx), collection, doc)
}

func (s *Store) Update(ctx context.Context, collection string, cond bson.M, change docstore.Change, opts docstore.WriteOptions) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched, upserted, err := s.update(s.txn(ctx), collection, cond, change, opts)
	return matched + upserted, err
}

func (s *Store) Remove(ctx context.Context, collection string, cond bson.M, opts docstore.WriteOptions) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.remove(s.txn(ctx), collection, cond, opts)
}

func (s *Store) Find(ctx context.Context, collection string, cond bson.M, opts docstore.FindOptions) ([]bson.M, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	found, err := s.match(collection, cond, opts.Sort)
	if err != nil {
		return nil, err
	}

	if opts.Limit > 0 && int64(len(found)) > opts.Limit {
		found = found[:opts.Limit]
	}

	docs := make([]bson.M, 0, len(found))
	for _, e := range found {
		docs = append(docs, cloneM(e.doc))
	}

	return docs, nil
}

func (s *Store) FindAndModify(ctx context.Context, collection string, cond bson.M, change docstore.Change, opts docstore.ModifyOptions) (bson.M, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	txn := s.txn(ctx)
	found, err := s.match(collection, cond, opts.Sort)
	if err != nil {
		return nil, err
	}

	if len(found) == 0 {
		if !opts.Upsert {
			return nil, nil
		}

		id, err := s.insert(txn, collection, upsertDoc(cond, change))
		if err != nil {
			return nil, err
		}
		return s.findByID(collection, id), nil
	}

	e := found[0]
	if err := claim(txn, e); err != nil {
		return nil, err
	}

	doc, err := applyChange(e.doc, change)
	if err != nil {
		return nil, err
	}
	e.doc = doc

	return cloneM(e.doc), nil
}

func (s *Store) StartSession(ctx context.Context, opts docstore.SessionOptions) (docstore.Session, error) {
	return &Session{store: s}, nil
}

func (s *Store) NewBatch() docstore.Batch {
	return &Batch{store: s}
}

// txn returns the running transaction of this store carried by ctx.
func (s *Store) txn(ctx context.Context) *Session {
	sess, ok := docstore.SessionFromContext(ctx).(*Session)
	if !ok || sess.store != s || !sess.inTxn {
		return nil
	}

	return sess
}

func (s *Store) insert(txn *Session, collection string, doc bson.M) (any, error) {
	doc = cloneM(doc)
	if doc == nil {
		doc = bson.M{}
	}

	id, ok := doc[docstore.DefaultKeyField]
	if !ok || id == nil {
		id = primitive.NewObjectID()
		doc[docstore.DefaultKeyField] = id
	}

	if s.findByID(collection, id) != nil {
		return nil, fmt.Errorf("%w. duplicate _id %v in %s", docstore.ErrKeyAlreadyExists, id, collection)
	}

	e := &entry{collection: collection, doc: doc}
	s.collections[collection] = append(s.collections[collection], e)
	if txn != nil {
		txn.recordInsert(e)
	}

	return id, nil
}

func (s *Store) update(txn *Session, collection string, cond bson.M, change docstore.Change, opts docstore.WriteOptions) (int64, int64, error) {
	if change.IsEmpty() {
		return 0, 0, fmt.Errorf("memstore: update on %s has no change", collection)
	}

	found, err := s.match(collection, cond, nil)
	if err != nil {
		return 0, 0, err
	}

	if len(found) == 0 {
		if !opts.Upsert {
			return 0, 0, nil
		}
		if _, err := s.insert(txn, collection, upsertDoc(cond, change)); err != nil {
			return 0, 0, err
		}
		return 0, 1, nil
	}

	if !opts.Multi {
		found = found[:1]
	}

	docs := make([]bson.M, len(found))
	for i, e := range found {
		if err := checkClaim(txn, e); err != nil {
			return 0, 0, err
		}
		if docs[i], err = applyChange(e.doc, change); err != nil {
			return 0, 0, err
		}
	}

	for i, e := range found {
		_ = claim(txn, e)
		e.doc = docs[i]
	}

	return int64(len(found)), 0, nil
}

func (s *Store) remove(txn *Session, collection string, cond bson.M, opts docstore.WriteOptions) (int64, error) {
	found, err := s.match(collection, cond, nil)
	if err != nil {
		return 0, err
	}

	if !opts.Multi && len(found) > 1 {
		found = found[:1]
	}

	for _, e := range found {
		if err := checkClaim(txn, e); err != nil {
			return 0, err
		}
	}

	for _, e := range found {
		_ = claim(txn, e)
		e.deleted = true
	}
	if txn == nil {
		s.compact(collection)
	}

	return int64(len(found)), nil
}

// match returns the live entries of collection matching cond, in insertion
// order or sorted by order.
func (s *Store) match(collection string, cond bson.M, order bson.D) ([]*entry, error) {
	var found []*entry
	for _, e := range s.collections[collection] {
		if e.deleted {
			continue
		}

		ok, err := matches(e.doc, cond)
		if err != nil {
			return nil, err
		}
		if ok {
			found = append(found, e)
		}
	}

	if len(order) > 0 {
		sort.SliceStable(found, func(i, j int) bool {
			return less(found[i].doc, found[j].doc, order)
		})
	}

	return found, nil
}

func (s *Store) findByID(collection string, id any) bson.M {
	for _, e := range s.collections[collection] {
		if !e.deleted && valuesEqual(e.doc[docstore.DefaultKeyField], id) {
			return cloneM(e.doc)
		}
	}

	return nil
}

// compact drops deleted entries nobody owns.
func (s *Store) compact(collection string) {
	live := s.collections[collection][:0]
	for _, e := range s.collections[collection] {
		if e.deleted && e.owner == nil {
			continue
		}
		live = append(live, e)
	}
	s.collections[collection] = live
}

func checkClaim(txn *Session, e *entry) error {
	if e.owner == nil || e.owner == txn {
		return nil
	}

	return fmt.Errorf("%w. document %v in %s is held by another transaction",
		docstore.ErrWriteConflict, e.doc[docstore.DefaultKeyField], e.collection)
}

// claim makes txn the owner of e, saving the state to restore on abort.
func claim(txn *Session, e *entry) error {
	if err := checkClaim(txn, e); err != nil {
		return err
	}
	if txn == nil || e.owner == txn {
		return nil
	}

	e.owner = txn
	txn.recordUpdate(e)
	return nil
}
