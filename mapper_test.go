package docstore_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/likearthian/docstore"
	"go.mongodb.org/mongo-driver/bson"
)

func TestInsertAdoptsGeneratedID(t *testing.T) {
	mapper, conn, _ := newTestMapper(t)
	users := docstore.NewModel("User")
	ctx := context.Background()

	r := users.New(bson.M{"name": "A"})
	ok, err := mapper.Insert(ctx, r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected insert to succeed")
	}

	if r.ID() == nil {
		t.Fatal("expected generated _id to be adopted")
	}
	if r.IsNew() {
		t.Error("expected record to be persisted")
	}

	expected := bson.M{"_id": r.ID(), "name": "A"}
	if diff := cmp.Diff(expected, r.OldAttributes()); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(expected, stored(t, conn, users, r.ID())); diff != "" {
		t.Errorf("stored document mismatch (-want +got):\n%s", diff)
	}
}

func TestInsertFallsBackToPrimaryKey(t *testing.T) {
	mapper, conn, _ := newTestMapper(t)
	codes := docstore.NewModel("Code", docstore.WithPrimaryKey("_id", "region"))

	r := codes.New(bson.M{"_id": "c1", "region": "eu", "label": "ignored"})
	ok, err := mapper.Insert(context.Background(), r, docstore.OnlyAttributes("missing"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected insert to succeed")
	}

	if diff := cmp.Diff(bson.M{"_id": "c1", "region": "eu"}, stored(t, conn, codes, "c1")); diff != "" {
		t.Errorf("stored document mismatch (-want +got):\n%s", diff)
	}
}

func TestInsertValidationAndVeto(t *testing.T) {
	errInvalid := errors.New("name is required")

	t.Run("validation failure", func(t *testing.T) {
		mapper, conn, _ := newTestMapper(t)
		users := docstore.NewModel("User", docstore.WithValidator(func(ctx context.Context, r *docstore.Record) error {
			if r.Get("name") == nil {
				return errInvalid
			}
			return nil
		}))

		r := users.New(bson.M{"age": 3})
		ok, err := mapper.Insert(context.Background(), r)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if ok {
			t.Error("expected insert to report failure")
		}
		if !errors.Is(r.ValidationError(), errInvalid) {
			t.Errorf("expected validation error %v, got %v", errInvalid, r.ValidationError())
		}
		if conn.Calls("Insert") != 0 {
			t.Errorf("expected no store call, got %d", conn.Calls("Insert"))
		}

		ok, err = mapper.Insert(context.Background(), r, docstore.SkipValidation())
		if err != nil || !ok {
			t.Errorf("expected skipped validation to insert, got %v, %v", ok, err)
		}
	})

	t.Run("hook veto", func(t *testing.T) {
		mapper, conn, _ := newTestMapper(t)
		users := docstore.NewModel("User", docstore.WithHooks(docstore.Hooks{
			BeforeSave: func(ctx context.Context, r *docstore.Record, insert bool) bool {
				return false
			},
		}))

		ok, err := mapper.Insert(context.Background(), users.New(bson.M{"name": "A"}))
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if ok {
			t.Error("expected insert to be vetoed")
		}
		if conn.Calls("Insert") != 0 {
			t.Errorf("expected no store call, got %d", conn.Calls("Insert"))
		}
	})
}

func TestUpdateWithoutDirtyAttributes(t *testing.T) {
	mapper, conn, _ := newTestMapper(t)

	var changed bson.M
	users := docstore.NewModel("User", docstore.WithHooks(docstore.Hooks{
		AfterSave: func(ctx context.Context, r *docstore.Record, insert bool, c bson.M) {
			changed = c
		},
	}))

	r := users.Instantiate(bson.M{"_id": "u1", "name": "A"})
	n, ok, err := mapper.Update(context.Background(), r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok || n != 0 {
		t.Errorf("expected (0, true), got (%d, %v)", n, ok)
	}
	if conn.Calls("Update") != 0 {
		t.Errorf("expected no store call, got %d", conn.Calls("Update"))
	}
	if changed == nil || len(changed) != 0 {
		t.Errorf("expected AfterSave with an empty change set, got %v", changed)
	}
}

func TestUpdateReportsPreviousValues(t *testing.T) {
	mapper, conn, _ := newTestMapper(t)

	var changed bson.M
	users := docstore.NewModel("User", docstore.WithHooks(docstore.Hooks{
		AfterSave: func(ctx context.Context, r *docstore.Record, insert bool, c bson.M) {
			changed = c
		},
	}))
	seed(t, conn, users, bson.M{"_id": "u1", "name": "A", "age": 3})

	r, err := mapper.FindByID(context.Background(), users, "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r.Set("name", "B")

	n, ok, err := mapper.Update(context.Background(), r)
	if err != nil || !ok || n != 1 {
		t.Fatalf("expected (1, true, nil), got (%d, %v, %v)", n, ok, err)
	}

	if diff := cmp.Diff(bson.M{"name": "A"}, changed); diff != "" {
		t.Errorf("changed mismatch (-want +got):\n%s", diff)
	}
	if len(r.DirtyAttributes()) != 0 {
		t.Errorf("expected snapshot to adopt written values, still dirty: %v", r.DirtyAttributes())
	}
	if got := stored(t, conn, users, "u1")["name"]; got != "B" {
		t.Errorf("expected stored name 'B', got %v", got)
	}
}

func TestOptimisticLockUpdate(t *testing.T) {
	mapper, conn, _ := newTestMapper(t)
	accounts := docstore.NewModel("Account", docstore.WithLockField("version"))
	seed(t, conn, accounts, bson.M{"_id": "a1", "balance": 10, "version": int64(1)})
	ctx := context.Background()

	first, err := mapper.FindByID(ctx, accounts, "a1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := mapper.FindByID(ctx, accounts, "a1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	first.Set("balance", 20)
	n, ok, err := mapper.Update(ctx, first)
	if err != nil || !ok {
		t.Fatalf("expected first update to succeed, got %v, %v", ok, err)
	}
	if n != 1 {
		t.Errorf("expected 1 accepted update, got %d", n)
	}
	if first.Get("version") != int64(2) {
		t.Errorf("expected adopted version 2, got %v", first.Get("version"))
	}
	if first.OldAttributes()["version"] != int64(2) {
		t.Errorf("expected snapshot version 2, got %v", first.OldAttributes()["version"])
	}

	second.Set("balance", 30)
	_, _, err = mapper.Update(ctx, second)
	if !errors.Is(err, docstore.ErrStaleWrite) {
		t.Fatalf("expected ErrStaleWrite, got %v", err)
	}
	if second.Get("version") != int64(1) {
		t.Errorf("expected stale record to keep version 1, got %v", second.Get("version"))
	}

	doc := stored(t, conn, accounts, "a1")
	if doc["balance"] != 20 || doc["version"] != int64(2) {
		t.Errorf("expected balance 20 at version 2, got %v", doc)
	}
}

func TestOptimisticLockDelete(t *testing.T) {
	mapper, conn, _ := newTestMapper(t)
	accounts := docstore.NewModel("Account", docstore.WithLockField("version"))
	seed(t, conn, accounts, bson.M{"_id": "a1", "version": int64(1)})
	ctx := context.Background()

	stale := accounts.Instantiate(bson.M{"_id": "a1", "version": int64(0)})
	if _, _, err := mapper.Delete(ctx, stale); !errors.Is(err, docstore.ErrStaleWrite) {
		t.Fatalf("expected ErrStaleWrite for mismatched version, got %v", err)
	}

	current, err := mapper.FindByID(ctx, accounts, "a1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	n, ok, err := mapper.Delete(ctx, current)
	if err != nil || !ok || n != 1 {
		t.Fatalf("expected (1, true, nil), got (%d, %v, %v)", n, ok, err)
	}
	if !current.IsNew() {
		t.Error("expected deleted record to count as new")
	}

	again := accounts.Instantiate(bson.M{"_id": "a1", "version": int64(1)})
	if _, _, err := mapper.Delete(ctx, again); !errors.Is(err, docstore.ErrStaleWrite) {
		t.Errorf("expected ErrStaleWrite for deleted document, got %v", err)
	}
}

func TestDeleteWithoutLockMayRemoveNothing(t *testing.T) {
	mapper, _, _ := newTestMapper(t)
	users := docstore.NewModel("User")

	n, ok, err := mapper.Delete(context.Background(), users.Instantiate(bson.M{"_id": "gone"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok || n != 0 {
		t.Errorf("expected (0, true), got (%d, %v)", n, ok)
	}
}

func TestUpdateNewRecord(t *testing.T) {
	mapper, _, _ := newTestMapper(t)
	users := docstore.NewModel("User")

	if _, _, err := mapper.Update(context.Background(), users.New(bson.M{"name": "A"})); !errors.Is(err, docstore.ErrNewRecord) {
		t.Errorf("expected ErrNewRecord, got %v", err)
	}
	if _, _, err := mapper.Delete(context.Background(), users.New(bson.M{"name": "A"})); !errors.Is(err, docstore.ErrNewRecord) {
		t.Errorf("expected ErrNewRecord, got %v", err)
	}
}

func TestTransactionalInsertCommits(t *testing.T) {
	mapper, conn, _ := newTestMapper(t)
	users := docstore.NewModel("User", docstore.WithTransactions(map[string]docstore.Op{
		docstore.DefaultScenario: docstore.OpInsert,
	}))

	r := users.New(bson.M{"_id": "u1", "name": "A"})
	ok, err := mapper.Insert(context.Background(), r)
	if err != nil || !ok {
		t.Fatalf("expected insert to succeed, got %v, %v", ok, err)
	}

	if conn.Calls("StartSession") != 1 {
		t.Errorf("expected 1 session, got %d", conn.Calls("StartSession"))
	}
	if stored(t, conn, users, "u1") == nil {
		t.Error("expected committed document")
	}
}

func TestTransactionalInsertRollsBack(t *testing.T) {
	mapper, conn, _ := newTestMapper(t)
	users := docstore.NewModel("User", docstore.WithTransactions(map[string]docstore.Op{
		docstore.DefaultScenario: docstore.OpInsert,
	}))
	seed(t, conn, users, bson.M{"_id": "u1", "name": "taken"})

	r := users.New(bson.M{"_id": "u1", "name": "A"})
	ok, err := mapper.Insert(context.Background(), r)
	if !errors.Is(err, docstore.ErrKeyAlreadyExists) {
		t.Fatalf("expected ErrKeyAlreadyExists, got %v", err)
	}
	if ok {
		t.Error("expected insert to fail")
	}
	if !r.IsNew() {
		t.Error("expected record to stay new after rollback")
	}
}

func TestTransactionalUpdateRollsBackOnStaleWrite(t *testing.T) {
	mapper, conn, _ := newTestMapper(t)
	accounts := docstore.NewModel("Account",
		docstore.WithLockField("version"),
		docstore.WithTransactions(map[string]docstore.Op{"transfer": docstore.OpUpdate}),
	)
	seed(t, conn, accounts, bson.M{"_id": "a1", "balance": 10, "version": int64(5)})

	r := accounts.Instantiate(bson.M{"_id": "a1", "balance": 10, "version": int64(4)})
	r.SetScenario("transfer")
	r.Set("balance", 0)

	_, ok, err := mapper.Update(context.Background(), r)
	if !errors.Is(err, docstore.ErrStaleWrite) {
		t.Fatalf("expected ErrStaleWrite, got %v", err)
	}
	if ok {
		t.Error("expected update to fail")
	}

	if conn.Calls("StartSession") != 1 {
		t.Errorf("expected 1 session, got %d", conn.Calls("StartSession"))
	}
	if r.Get("version") != int64(4) || r.Get("balance") != 0 {
		t.Errorf("expected in-memory state to be restored, got %v", r.Attributes())
	}
	if diff := cmp.Diff(bson.M{"_id": "a1", "balance": 10, "version": int64(4)}, r.OldAttributes()); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestTransactionalVetoAbortsTransaction(t *testing.T) {
	mapper, conn, _ := newTestMapper(t)
	users := docstore.NewModel("User",
		docstore.WithTransactions(map[string]docstore.Op{docstore.DefaultScenario: docstore.OpDelete}),
		docstore.WithHooks(docstore.Hooks{
			BeforeDelete: func(ctx context.Context, r *docstore.Record) bool {
				return false
			},
		}),
	)
	seed(t, conn, users, bson.M{"_id": "u1"})

	n, ok, err := mapper.Delete(context.Background(), users.Instantiate(bson.M{"_id": "u1"}))
	if err != nil || ok || n != 0 {
		t.Fatalf("expected (0, false, nil), got (%d, %v, %v)", n, ok, err)
	}
	if conn.Calls("Remove") != 0 {
		t.Errorf("expected no store call, got %d", conn.Calls("Remove"))
	}
	if stored(t, conn, users, "u1") == nil {
		t.Error("expected document to survive the vetoed delete")
	}
}

func TestTransactionalReusesRunningTransaction(t *testing.T) {
	mapper, conn, _ := newTestMapper(t)
	users := docstore.NewModel("User", docstore.WithTransactions(map[string]docstore.Op{
		docstore.DefaultScenario: docstore.OpAll,
	}))

	ctx := context.Background()
	sess, err := conn.Store.StartSession(ctx, docstore.SessionOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer sess.EndSession(ctx)

	if err := sess.StartTransaction(ctx, docstore.DefaultTransactionOptions()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tctx := docstore.ContextWithSession(ctx, sess)

	if ok, err := mapper.Insert(tctx, users.New(bson.M{"_id": "u1"})); err != nil || !ok {
		t.Fatalf("expected insert to succeed, got %v, %v", ok, err)
	}
	if conn.Calls("StartSession") != 0 {
		t.Errorf("expected the running transaction to be reused, got %d new sessions", conn.Calls("StartSession"))
	}

	if err := sess.AbortTransaction(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stored(t, conn, users, "u1") != nil {
		t.Error("expected insert to be rolled back with the outer transaction")
	}
}

func TestSaveDispatches(t *testing.T) {
	mapper, conn, _ := newTestMapper(t)
	users := docstore.NewModel("User")
	ctx := context.Background()

	r := users.New(bson.M{"_id": "u1", "name": "A"})
	if ok, err := mapper.Save(ctx, r); err != nil || !ok {
		t.Fatalf("expected save to insert, got %v, %v", ok, err)
	}

	r.Set("name", "B")
	if ok, err := mapper.Save(ctx, r); err != nil || !ok {
		t.Fatalf("expected save to update, got %v, %v", ok, err)
	}

	if conn.Calls("Insert") != 1 || conn.Calls("Update") != 1 {
		t.Errorf("expected 1 insert and 1 update, got %d and %d", conn.Calls("Insert"), conn.Calls("Update"))
	}
	if got := stored(t, conn, users, "u1")["name"]; got != "B" {
		t.Errorf("expected stored name 'B', got %v", got)
	}
}

func TestBulkOperations(t *testing.T) {
	mapper, conn, _ := newTestMapper(t)
	items := docstore.NewModel("Item")
	ctx := context.Background()

	seed(t, conn, items, bson.M{"_id": "i1", "kind": "a", "stock": 1})
	seed(t, conn, items, bson.M{"_id": "i2", "kind": "a", "stock": 2})
	seed(t, conn, items, bson.M{"_id": "i3", "kind": "b", "stock": 3})

	n, err := mapper.UpdateAllCounters(ctx, items, bson.M{"kind": "a"}, bson.M{"stock": 10})
	if err != nil || n != 2 {
		t.Fatalf("expected 2 matched, got %d, %v", n, err)
	}
	if got := stored(t, conn, items, "i2")["stock"]; got != int64(12) {
		t.Errorf("expected stock 12, got %v", got)
	}

	n, err = mapper.UpdateAll(ctx, items, bson.M{"kind": "b"}, bson.M{"kind": "c"})
	if err != nil || n != 1 {
		t.Fatalf("expected 1 matched, got %d, %v", n, err)
	}

	exists, err := mapper.Exists(ctx, items, bson.M{"kind": "c"})
	if err != nil || !exists {
		t.Errorf("expected kind c to exist, got %v, %v", exists, err)
	}

	n, err = mapper.DeleteAll(ctx, items, bson.M{"kind": "a"})
	if err != nil || n != 2 {
		t.Fatalf("expected 2 removed, got %d, %v", n, err)
	}

	all, err := mapper.FindAll(ctx, items, nil, docstore.FindOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(all) != 1 || all[0].ID() != "i3" {
		t.Errorf("expected only i3 to remain, got %d records", len(all))
	}
}

func TestFinders(t *testing.T) {
	mapper, conn, _ := newTestMapper(t)
	users := docstore.NewModel("User")
	ctx := context.Background()
	seed(t, conn, users, bson.M{"_id": "u1", "name": "A"})

	r, found, err := mapper.FindAndCheck(ctx, users, bson.M{"name": "A"})
	if err != nil || !found {
		t.Fatalf("expected a match, got %v, %v", found, err)
	}
	if r.IsNew() || r.ID() != "u1" {
		t.Errorf("expected loaded record u1, got %v", r.Attributes())
	}

	_, found, err = mapper.FindAndCheck(ctx, users, bson.M{"name": "Z"})
	if err != nil || found {
		t.Errorf("expected no match, got %v, %v", found, err)
	}

	if _, err := mapper.FindOne(ctx, users, bson.M{"name": "Z"}); !errors.Is(err, docstore.ErrKeynotFound) {
		t.Errorf("expected ErrKeynotFound, got %v", err)
	}

	exists, err := mapper.Exists(ctx, users, bson.M{"name": "Z"})
	if err != nil || exists {
		t.Errorf("expected no match, got %v, %v", exists, err)
	}
}
