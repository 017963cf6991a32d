package mongodb

import (
	"context"

	"github.com/likearthian/docstore"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	mongoOptions "go.mongodb.org/mongo-driver/mongo/options"
)

// Batch collects write models and submits them as one ordered bulk write.
type Batch struct {
	db     *mongo.Database
	models []mongo.WriteModel
}

var _ docstore.Batch = (*Batch)(nil)

func (b *Batch) AddInsert(doc bson.M) {
	b.models = append(b.models, mongo.NewInsertOneModel().SetDocument(doc))
}

func (b *Batch) AddUpdate(cond bson.M, change docstore.Change, opts docstore.WriteOptions) {
	if opts.Multi {
		b.models = append(b.models, mongo.NewUpdateManyModel().
			SetFilter(filterOf(cond)).
			SetUpdate(updateOf(change)).
			SetUpsert(opts.Upsert))
		return
	}

	b.models = append(b.models, mongo.NewUpdateOneModel().
		SetFilter(filterOf(cond)).
		SetUpdate(updateOf(change)).
		SetUpsert(opts.Upsert))
}

func (b *Batch) AddDelete(cond bson.M, opts docstore.WriteOptions) {
	if opts.Multi {
		b.models = append(b.models, mongo.NewDeleteManyModel().SetFilter(filterOf(cond)))
		return
	}

	b.models = append(b.models, mongo.NewDeleteOneModel().SetFilter(filterOf(cond)))
}

func (b *Batch) Len() int {
	return len(b.models)
}

// Execute runs the collected writes in order. On a partial failure the
// counts of the writes that did succeed are returned with the error.
func (b *Batch) Execute(ctx context.Context, collection string) (*docstore.BatchResult, error) {
	if len(b.models) == 0 {
		return &docstore.BatchResult{}, nil
	}

	ctx = sessionContext(ctx)
	res, err := b.db.Collection(collection).BulkWrite(ctx, b.models, mongoOptions.BulkWrite().SetOrdered(true))

	var result *docstore.BatchResult
	if res != nil {
		result = &docstore.BatchResult{
			Inserted: res.InsertedCount,
			Matched:  res.MatchedCount,
			Modified: res.ModifiedCount,
			Deleted:  res.DeletedCount,
			Upserted: res.UpsertedCount,
		}
	}
	if err != nil {
		return result, wrapMongoError(err)
	}

	return result, nil
}

func (b *Batch) Reset() {
	b.models = nil
}
