package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/likearthian/docstore"
)

// Session runs at most one database transaction at a time.
type Session struct {
	db *sqlx.DB
	tx *sqlx.Tx
}

var _ docstore.Session = (*Session)(nil)

func (s *Session) StartTransaction(ctx context.Context, opts docstore.TransactionOptions) error {
	if s.tx != nil {
		return fmt.Errorf("postgres: transaction already in progress")
	}

	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: isolationLevel(opts.ReadConcern)})
	if err != nil {
		return wrapPostgresError(err)
	}

	s.tx = tx
	return nil
}

func (s *Session) CommitTransaction(_ context.Context) error {
	if s.tx == nil {
		return fmt.Errorf("postgres: no transaction in progress")
	}

	tx := s.tx
	s.tx = nil
	return wrapPostgresError(tx.Commit())
}

func (s *Session) AbortTransaction(_ context.Context) error {
	if s.tx == nil {
		return fmt.Errorf("postgres: no transaction in progress")
	}

	tx := s.tx
	s.tx = nil
	return wrapPostgresError(tx.Rollback())
}

func (s *Session) InTransaction() bool {
	return s.tx != nil
}

// EndSession rolls back a transaction left open.
func (s *Session) EndSession(_ context.Context) {
	if s.tx != nil {
		_ = s.tx.Rollback()
		s.tx = nil
	}
}

// isolationLevel maps a read concern onto the closest isolation level.
func isolationLevel(readConcern string) sql.IsolationLevel {
	switch readConcern {
	case docstore.ReadConcernSnapshot:
		return sql.LevelRepeatableRead
	case docstore.ReadConcernLinearizable:
		return sql.LevelSerializable
	default:
		return sql.LevelReadCommitted
	}
}
