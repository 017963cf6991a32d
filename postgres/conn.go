// Package postgres implements docstore.Conn on PostgreSQL. Every collection
// is a table holding one JSONB document per row, with a unique index on the
// document's _id.
//
// Conditions are equality matches on top-level attributes. Query operators
// such as $in are rejected.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jmoiron/sqlx"
	"github.com/likearthian/docstore"
	"go.mongodb.org/mongo-driver/bson"
)

const defaultSchema = "public"

// Conn is a docstore.Conn backed by one PostgreSQL schema.
type Conn struct {
	db     *sqlx.DB
	schema string

	mu     sync.Mutex
	tables map[string]string
}

var _ docstore.Conn = (*Conn)(nil)

// New wraps an open database. Tables are created on first use.
func New(db *sqlx.DB, schema string) *Conn {
	if schema == "" {
		schema = defaultSchema
	}

	return &Conn{
		db:     db,
		schema: schema,
		tables: make(map[string]string),
	}
}

func (c *Conn) DB() *sqlx.DB {
	return c.db
}

func (c *Conn) Close() error {
	return c.db.Close()
}

// table returns the quoted table name of collection, creating the table and
// its _id index when they do not exist yet.
func (c *Conn) table(ctx context.Context, collection string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if name, ok := c.tables[collection]; ok {
		return name, nil
	}

	name := pgx.Identifier{c.schema, collection}.Sanitize()
	index := pgx.Identifier{collection + "_id_key"}.Sanitize()

	ddl := []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (pk BIGSERIAL PRIMARY KEY, doc JSONB NOT NULL)", name),
		fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s ((doc->'_id'))", index, name),
	}
	for _, qry := range ddl {
		if _, err := c.db.ExecContext(ctx, qry); err != nil {
			return "", wrapPostgresError(err)
		}
	}

	c.tables[collection] = name
	return name, nil
}

// handle returns the transaction of the session carried by ctx, or the
// database itself.
func (c *Conn) handle(ctx context.Context) sqlx.ExtContext {
	if s, ok := docstore.SessionFromContext(ctx).(*Session); ok && s.tx != nil {
		return s.tx
	}

	return c.db
}

func (c *Conn) Insert(ctx context.Context, collection string, doc bson.M) (any, error) {
	table, err := c.table(ctx, collection)
	if err != nil {
		return nil, err
	}

	return insert(ctx, c.handle(ctx), table, doc)
}

func (c *Conn) Update(ctx context.Context, collection string, cond bson.M, change docstore.Change, opts docstore.WriteOptions) (int64, error) {
	table, err := c.table(ctx, collection)
	if err != nil {
		return 0, err
	}

	matched, upserted, err := update(ctx, c.handle(ctx), table, cond, change, opts)
	return matched + upserted, err
}

func (c *Conn) Remove(ctx context.Context, collection string, cond bson.M, opts docstore.WriteOptions) (int64, error) {
	table, err := c.table(ctx, collection)
	if err != nil {
		return 0, err
	}

	return remove(ctx, c.handle(ctx), table, cond, opts)
}

func (c *Conn) Find(ctx context.Context, collection string, cond bson.M, opts docstore.FindOptions) ([]bson.M, error) {
	table, err := c.table(ctx, collection)
	if err != nil {
		return nil, err
	}

	where, args, err := whereClause(cond)
	if err != nil {
		return nil, err
	}

	order, orderArgs := orderClause(opts.Sort)
	args = append(args, orderArgs...)

	qry := fmt.Sprintf("SELECT doc FROM %s WHERE %s%s", table, where, order)
	if opts.Limit > 0 {
		qry += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}

	ext := c.handle(ctx)
	rows, err := ext.QueryxContext(ctx, ext.Rebind(qry), args...)
	if err != nil {
		return nil, wrapPostgresError(err)
	}
	defer rows.Close()

	var docs []bson.M
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, wrapPostgresError(err)
		}

		doc, err := decodeDoc(raw)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}

	if err := rows.Err(); err != nil {
		return nil, wrapPostgresError(err)
	}

	return docs, nil
}

// FindAndModify locks the first matching row with FOR UPDATE NOWAIT. A row
// locked by another transaction fails with docstore.ErrWriteConflict
// instead of waiting.
func (c *Conn) FindAndModify(ctx context.Context, collection string, cond bson.M, change docstore.Change, opts docstore.ModifyOptions) (bson.M, error) {
	table, err := c.table(ctx, collection)
	if err != nil {
		return nil, err
	}

	set, args, err := changeExpr(change)
	if err != nil {
		return nil, err
	}

	where, whereArgs, err := whereClause(cond)
	if err != nil {
		return nil, err
	}
	args = append(args, whereArgs...)

	order, orderArgs := orderClause(opts.Sort)
	args = append(args, orderArgs...)

	qry := fmt.Sprintf("UPDATE %[1]s SET doc = %[2]s WHERE pk = (SELECT pk FROM %[1]s WHERE %[3]s%[4]s LIMIT 1 FOR UPDATE NOWAIT) RETURNING doc",
		table, set, where, order)

	ext := c.handle(ctx)

	var raw []byte
	err = ext.QueryRowxContext(ctx, ext.Rebind(qry), args...).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		if !opts.Upsert {
			return nil, nil
		}

		doc, err := upsertDoc(cond, change)
		if err != nil {
			return nil, err
		}
		id, err := insert(ctx, ext, table, doc)
		if err != nil {
			return nil, err
		}
		doc[docstore.DefaultKeyField] = id
		return doc, nil
	}
	if err != nil {
		return nil, wrapPostgresError(err)
	}

	return decodeDoc(raw)
}

func (c *Conn) StartSession(ctx context.Context, opts docstore.SessionOptions) (docstore.Session, error) {
	return &Session{db: c.db}, nil
}

func (c *Conn) NewBatch() docstore.Batch {
	return &Batch{conn: c}
}

func insert(ctx context.Context, ext sqlx.ExtContext, table string, doc bson.M) (any, error) {
	id, ok := doc[docstore.DefaultKeyField]
	if !ok || id == nil {
		id = uuid.NewString()
		withID := make(bson.M, len(doc)+1)
		for k, v := range doc {
			withID[k] = v
		}
		withID[docstore.DefaultKeyField] = id
		doc = withID
	}

	raw, err := encodeDoc(doc)
	if err != nil {
		return nil, err
	}

	qry := fmt.Sprintf("INSERT INTO %s (doc) VALUES (?::jsonb)", table)
	if _, err := ext.ExecContext(ctx, ext.Rebind(qry), string(raw)); err != nil {
		return nil, wrapPostgresError(err)
	}

	return id, nil
}

// update returns the number of matched rows and, for an upsert that matched
// nothing, the number of inserted rows.
func update(ctx context.Context, ext sqlx.ExtContext, table string, cond bson.M, change docstore.Change, opts docstore.WriteOptions) (int64, int64, error) {
	set, args, err := changeExpr(change)
	if err != nil {
		return 0, 0, err
	}

	where, whereArgs, err := whereClause(cond)
	if err != nil {
		return 0, 0, err
	}
	args = append(args, whereArgs...)

	var qry string
	if opts.Multi {
		qry = fmt.Sprintf("UPDATE %s SET doc = %s WHERE %s", table, set, where)
	} else {
		qry = fmt.Sprintf("UPDATE %[1]s SET doc = %[2]s WHERE pk = (SELECT pk FROM %[1]s WHERE %[3]s LIMIT 1)", table, set, where)
	}

	res, err := ext.ExecContext(ctx, ext.Rebind(qry), args...)
	if err != nil {
		return 0, 0, wrapPostgresError(err)
	}

	matched, err := res.RowsAffected()
	if err != nil {
		return 0, 0, wrapPostgresError(err)
	}

	if matched > 0 || !opts.Upsert {
		return matched, 0, nil
	}

	doc, err := upsertDoc(cond, change)
	if err != nil {
		return 0, 0, err
	}
	if _, err := insert(ctx, ext, table, doc); err != nil {
		return 0, 0, err
	}

	return 0, 1, nil
}

func remove(ctx context.Context, ext sqlx.ExtContext, table string, cond bson.M, opts docstore.WriteOptions) (int64, error) {
	where, args, err := whereClause(cond)
	if err != nil {
		return 0, err
	}

	var qry string
	if opts.Multi {
		qry = fmt.Sprintf("DELETE FROM %s WHERE %s", table, where)
	} else {
		qry = fmt.Sprintf("DELETE FROM %[1]s WHERE pk = (SELECT pk FROM %[1]s WHERE %[2]s LIMIT 1)", table, where)
	}

	res, err := ext.ExecContext(ctx, ext.Rebind(qry), args...)
	if err != nil {
		return 0, wrapPostgresError(err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrapPostgresError(err)
	}

	return n, nil
}
