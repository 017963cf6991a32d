package memstore

import (
	"context"
	"fmt"

	"github.com/likearthian/docstore"
	"go.mongodb.org/mongo-driver/bson"
)

type undoRecord struct {
	doc      bson.M
	deleted  bool
	inserted bool
}

// Session runs at most one transaction at a time on its Store.
type Session struct {
	store *Store
	inTxn bool
	undo  map[*entry]undoRecord
}

var _ docstore.Session = (*Session)(nil)

func (s *Session) StartTransaction(_ context.Context, _ docstore.TransactionOptions) error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	if s.inTxn {
		return fmt.Errorf("memstore: transaction already in progress")
	}

	s.inTxn = true
	s.undo = make(map[*entry]undoRecord)
	return nil
}

func (s *Session) CommitTransaction(_ context.Context) error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	if !s.inTxn {
		return fmt.Errorf("memstore: no transaction in progress")
	}

	s.finish(false)
	return nil
}

func (s *Session) AbortTransaction(_ context.Context) error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	if !s.inTxn {
		return fmt.Errorf("memstore: no transaction in progress")
	}

	s.finish(true)
	return nil
}

func (s *Session) InTransaction() bool {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	return s.inTxn
}

// EndSession aborts a transaction left open.
func (s *Session) EndSession(_ context.Context) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	if s.inTxn {
		s.finish(true)
	}
}

// finish releases every document claimed by the transaction, restoring
// their previous state when rollback is set. Callers hold the store lock.
func (s *Session) finish(rollback bool) {
	touched := map[string]bool{}
	for e, u := range s.undo {
		if rollback {
			if u.inserted {
				e.deleted = true
			} else {
				e.doc = u.doc
				e.deleted = u.deleted
			}
		}
		e.owner = nil
		touched[e.collection] = true
	}

	for collection := range touched {
		s.store.compact(collection)
	}

	s.inTxn = false
	s.undo = nil
}

func (s *Session) recordInsert(e *entry) {
	e.owner = s
	s.undo[e] = undoRecord{inserted: true}
}

func (s *Session) recordUpdate(e *entry) {
	if _, ok := s.undo[e]; ok {
		return
	}
	s.undo[e] = undoRecord{doc: e.doc, deleted: e.deleted}
}
