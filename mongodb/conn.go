// Package mongodb implements docstore.Conn on the official MongoDB driver.
//
// Transactions need a replica set or a sharded cluster; a standalone server
// rejects StartTransaction.
package mongodb

import (
	"context"
	"fmt"
	"time"

	"github.com/likearthian/docstore"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	mongoOptions "go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Config holds the settings used by Connect.
type Config struct {
	URI      string
	Database string

	// Timeout bounds the initial connect and ping.
	// Default: 10s
	Timeout time.Duration
}

// Conn is a docstore.Conn backed by one MongoDB database.
type Conn struct {
	db *mongo.Database
}

var _ docstore.Conn = (*Conn)(nil)

// Connect opens a client for cfg.URI, checks that the primary answers and
// returns a Conn on cfg.Database.
func Connect(ctx context.Context, cfg Config) (*Conn, error) {
	if cfg.Database == "" {
		return nil, fmt.Errorf("mongodb: database name is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	client, err := mongo.Connect(ctx, mongoOptions.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb. %s", err.Error())
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb. %s", err.Error())
	}

	return New(client.Database(cfg.Database)), nil
}

// New wraps an existing database handle.
func New(db *mongo.Database) *Conn {
	return &Conn{db: db}
}

func (c *Conn) Database() *mongo.Database {
	return c.db
}

// Close disconnects the underlying client.
func (c *Conn) Close(ctx context.Context) error {
	return c.db.Client().Disconnect(ctx)
}

func (c *Conn) Insert(ctx context.Context, collection string, doc bson.M) (any, error) {
	ctx = sessionContext(ctx)

	res, err := c.db.Collection(collection).InsertOne(ctx, doc)
	if err != nil {
		return nil, wrapMongoError(err)
	}

	return res.InsertedID, nil
}

func (c *Conn) Update(ctx context.Context, collection string, cond bson.M, change docstore.Change, opts docstore.WriteOptions) (int64, error) {
	if change.IsEmpty() {
		return 0, fmt.Errorf("mongodb: update on %s has no change", collection)
	}

	ctx = sessionContext(ctx)
	coll := c.db.Collection(collection)
	updateOpts := mongoOptions.Update().SetUpsert(opts.Upsert)

	var (
		res *mongo.UpdateResult
		err error
	)
	if opts.Multi {
		res, err = coll.UpdateMany(ctx, filterOf(cond), updateOf(change), updateOpts)
	} else {
		res, err = coll.UpdateOne(ctx, filterOf(cond), updateOf(change), updateOpts)
	}
	if err != nil {
		return 0, wrapMongoError(err)
	}

	return res.MatchedCount + res.UpsertedCount, nil
}

func (c *Conn) Remove(ctx context.Context, collection string, cond bson.M, opts docstore.WriteOptions) (int64, error) {
	ctx = sessionContext(ctx)
	coll := c.db.Collection(collection)

	var (
		res *mongo.DeleteResult
		err error
	)
	if opts.Multi {
		res, err = coll.DeleteMany(ctx, filterOf(cond))
	} else {
		res, err = coll.DeleteOne(ctx, filterOf(cond))
	}
	if err != nil {
		return 0, wrapMongoError(err)
	}

	return res.DeletedCount, nil
}

func (c *Conn) Find(ctx context.Context, collection string, cond bson.M, opts docstore.FindOptions) ([]bson.M, error) {
	ctx = sessionContext(ctx)

	findOpts := mongoOptions.Find()
	if opts.Limit > 0 {
		findOpts.SetLimit(opts.Limit)
	}
	if len(opts.Sort) > 0 {
		findOpts.SetSort(opts.Sort)
	}

	cur, err := c.db.Collection(collection).Find(ctx, filterOf(cond), findOpts)
	if err != nil {
		return nil, wrapMongoError(err)
	}
	defer cur.Close(ctx)

	var docs []bson.M
	if err := cur.All(ctx, &docs); err != nil {
		return nil, wrapMongoError(err)
	}

	return docs, nil
}

func (c *Conn) FindAndModify(ctx context.Context, collection string, cond bson.M, change docstore.Change, opts docstore.ModifyOptions) (bson.M, error) {
	ctx = sessionContext(ctx)

	modifyOpts := mongoOptions.FindOneAndUpdate().
		SetReturnDocument(mongoOptions.After).
		SetUpsert(opts.Upsert)
	if len(opts.Sort) > 0 {
		modifyOpts.SetSort(opts.Sort)
	}

	var doc bson.M
	err := c.db.Collection(collection).FindOneAndUpdate(ctx, filterOf(cond), updateOf(change), modifyOpts).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, wrapMongoError(err)
	}

	return doc, nil
}

func (c *Conn) StartSession(ctx context.Context, opts docstore.SessionOptions) (docstore.Session, error) {
	sessOpts := mongoOptions.Session()
	if opts.CausalConsistency != nil {
		sessOpts.SetCausalConsistency(*opts.CausalConsistency)
	}

	sess, err := c.db.Client().StartSession(sessOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create mongodb session. %s", err.Error())
	}

	return &Session{sess: sess}, nil
}

func (c *Conn) NewBatch() docstore.Batch {
	return &Batch{db: c.db}
}

// filterOf returns cond, or an empty filter for a nil cond.
func filterOf(cond bson.M) bson.M {
	if cond == nil {
		return bson.M{}
	}
	return cond
}

func updateOf(change docstore.Change) bson.M {
	update := bson.M{}
	if len(change.Set) > 0 {
		update["$set"] = change.Set
	}
	if len(change.Inc) > 0 {
		update["$inc"] = change.Inc
	}

	return update
}
