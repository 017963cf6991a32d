package docstore_test

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/likearthian/docstore"
	"github.com/likearthian/docstore/memstore"
	"go.mongodb.org/mongo-driver/bson"
)

// spyConn counts the calls made to an in-memory store and can inject
// FindAndModify failures.
type spyConn struct {
	*memstore.Store

	mu         sync.Mutex
	calls      map[string]int
	executions int
	modifyErr  error
}

func newSpyConn() *spyConn {
	return &spyConn{
		Store: memstore.New(),
		calls: make(map[string]int),
	}
}

func (c *spyConn) count(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[name]++
}

func (c *spyConn) Calls(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[name]
}

func (c *spyConn) Executions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.executions
}

func (c *spyConn) Insert(ctx context.Context, collection string, doc bson.M) (any, error) {
	c.count("Insert")
	return c.Store.Insert(ctx, collection, doc)
}

func (c *spyConn) Update(ctx context.Context, collection string, cond bson.M, change docstore.Change, opts docstore.WriteOptions) (int64, error) {
	c.count("Update")
	return c.Store.Update(ctx, collection, cond, change, opts)
}

func (c *spyConn) Remove(ctx context.Context, collection string, cond bson.M, opts docstore.WriteOptions) (int64, error) {
	c.count("Remove")
	return c.Store.Remove(ctx, collection, cond, opts)
}

func (c *spyConn) FindAndModify(ctx context.Context, collection string, cond bson.M, change docstore.Change, opts docstore.ModifyOptions) (bson.M, error) {
	c.count("FindAndModify")
	if c.modifyErr != nil {
		return nil, c.modifyErr
	}
	return c.Store.FindAndModify(ctx, collection, cond, change, opts)
}

func (c *spyConn) StartSession(ctx context.Context, opts docstore.SessionOptions) (docstore.Session, error) {
	c.count("StartSession")
	return c.Store.StartSession(ctx, opts)
}

func (c *spyConn) NewBatch() docstore.Batch {
	c.count("NewBatch")
	return &spyBatch{Batch: c.Store.NewBatch(), conn: c}
}

type spyBatch struct {
	docstore.Batch
	conn *spyConn
}

func (b *spyBatch) Execute(ctx context.Context, collection string) (*docstore.BatchResult, error) {
	b.conn.mu.Lock()
	b.conn.executions++
	b.conn.mu.Unlock()
	return b.Batch.Execute(ctx, collection)
}

// newTestMapper returns a mapper on a fresh spy store whose log output is
// captured in the returned buffer.
func newTestMapper(t *testing.T) (*docstore.Mapper, *spyConn, *bytes.Buffer) {
	t.Helper()

	var buf bytes.Buffer
	cfg := docstore.DefaultConfig()
	cfg.Logger = slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	conn := newSpyConn()
	return docstore.New(conn, cfg), conn, &buf
}

// seed stores doc directly, bypassing the spy counters.
func seed(t *testing.T, conn *spyConn, model *docstore.Model, doc bson.M) {
	t.Helper()

	if _, err := conn.Store.Insert(context.Background(), model.Collection(), doc); err != nil {
		t.Fatalf("failed to seed %v: %v", doc, err)
	}
}

// stored loads the document with the given id directly from the store.
func stored(t *testing.T, conn *spyConn, model *docstore.Model, id any) bson.M {
	t.Helper()

	docs, err := conn.Store.Find(context.Background(), model.Collection(), bson.M{"_id": id}, docstore.FindOptions{})
	if err != nil {
		t.Fatalf("failed to load %v: %v", id, err)
	}
	if len(docs) == 0 {
		return nil
	}

	return docs[0]
}
