package docstore_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/likearthian/docstore"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestNewModelDefaults(t *testing.T) {
	m := docstore.NewModel("OrderItem")

	if m.Collection() != "order_item" {
		t.Errorf("expected collection 'order_item', got %q", m.Collection())
	}
	if diff := cmp.Diff([]string{"_id"}, m.PrimaryKey()); diff != "" {
		t.Errorf("primary key mismatch (-want +got):\n%s", diff)
	}
	if m.LockField() != "" {
		t.Errorf("expected optimistic locking disabled, got lock field %q", m.LockField())
	}
	for _, op := range []docstore.Op{docstore.OpInsert, docstore.OpUpdate, docstore.OpDelete} {
		if m.BatchSize(op) != 0 {
			t.Errorf("expected no batch size override for %s, got %d", op, m.BatchSize(op))
		}
	}
	if len(m.Transactions()) != 0 {
		t.Errorf("expected no transactional scenarios, got %v", m.Transactions())
	}
}

func TestModelOptions(t *testing.T) {
	m := docstore.NewModel("Order",
		docstore.WithCollection("orders"),
		docstore.WithPrimaryKey("tenant", "code"),
		docstore.WithLockField("version"),
		docstore.WithBatchSize(docstore.OpInsert|docstore.OpDelete, 10),
	)

	if m.Collection() != "orders" {
		t.Errorf("expected collection 'orders', got %q", m.Collection())
	}
	if diff := cmp.Diff([]string{"tenant", "code"}, m.PrimaryKey()); diff != "" {
		t.Errorf("primary key mismatch (-want +got):\n%s", diff)
	}
	if m.LockField() != "version" {
		t.Errorf("expected lock field 'version', got %q", m.LockField())
	}
	if m.BatchSize(docstore.OpInsert) != 10 || m.BatchSize(docstore.OpDelete) != 10 {
		t.Errorf("expected insert and delete batch size 10, got %d and %d",
			m.BatchSize(docstore.OpInsert), m.BatchSize(docstore.OpDelete))
	}
	if m.BatchSize(docstore.OpUpdate) != 0 {
		t.Errorf("expected update batch size untouched, got %d", m.BatchSize(docstore.OpUpdate))
	}
}

func TestIsTransactional(t *testing.T) {
	m := docstore.NewModel("Account", docstore.WithTransactions(map[string]docstore.Op{
		docstore.DefaultScenario: docstore.OpUpdate,
		"transfer":               docstore.OpInsert | docstore.OpDelete,
		"audit":                  docstore.OpAll,
	}))

	tests := []struct {
		scenario string
		op       docstore.Op
		expected bool
	}{
		{docstore.DefaultScenario, docstore.OpUpdate, true},
		{docstore.DefaultScenario, docstore.OpInsert, false},
		{docstore.DefaultScenario, docstore.OpDelete, false},
		{"transfer", docstore.OpInsert, true},
		{"transfer", docstore.OpUpdate, false},
		{"transfer", docstore.OpDelete, true},
		{"audit", docstore.OpInsert, true},
		{"audit", docstore.OpUpdate, true},
		{"audit", docstore.OpDelete, true},
		{"unknown", docstore.OpInsert, false},
		{"unknown", docstore.OpAll, false},
	}

	for _, tt := range tests {
		t.Run(tt.scenario+"/"+tt.op.String(), func(t *testing.T) {
			result := m.IsTransactional(tt.scenario, tt.op)
			if result != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, result)
			}

			r := m.New(nil)
			r.SetScenario(tt.scenario)
			if r.IsTransactional(tt.op) != tt.expected {
				t.Errorf("expected record to agree with model: %v", tt.expected)
			}
		})
	}
}

func TestOpString(t *testing.T) {
	tests := []struct {
		op       docstore.Op
		expected string
	}{
		{docstore.OpInsert, "insert"},
		{docstore.OpUpdate, "update"},
		{docstore.OpDelete, "delete"},
		{docstore.OpInsert | docstore.OpDelete, "insert|delete"},
		{docstore.OpAll, "insert|update|delete"},
		{0, "none"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if tt.op.String() != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, tt.op.String())
			}
		})
	}
}

type invoice struct {
	ID      primitive.ObjectID `bson:"_id,omitempty"`
	Number  string             `bson:"number" docstore:"key"`
	Total   int64              `bson:"total"`
	Version int64              `bson:"version" docstore:"lock"`
	Note    string             `bson:"-"`
}

type ledgerEntry struct {
	Account string `bson:"account" docstore:"key"`
	Amount  int64
}

func (ledgerEntry) CollectionName() string { return "ledger" }

type twoLocks struct {
	A int64 `bson:"a" docstore:"lock"`
	B int64 `bson:"b" docstore:"lock"`
}

func TestModelFor(t *testing.T) {
	m, err := docstore.ModelFor[invoice]()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if m.Name() != "invoice" {
		t.Errorf("expected name 'invoice', got %q", m.Name())
	}
	if m.Collection() != "invoice" {
		t.Errorf("expected collection 'invoice', got %q", m.Collection())
	}
	if diff := cmp.Diff([]string{"number"}, m.PrimaryKey()); diff != "" {
		t.Errorf("primary key mismatch (-want +got):\n%s", diff)
	}
	if m.LockField() != "version" {
		t.Errorf("expected lock field 'version', got %q", m.LockField())
	}
}

func TestModelForCollectionName(t *testing.T) {
	m, err := docstore.ModelFor[ledgerEntry](docstore.WithBatchSize(docstore.OpInsert, 50))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if m.Collection() != "ledger" {
		t.Errorf("expected collection 'ledger', got %q", m.Collection())
	}
	if m.BatchSize(docstore.OpInsert) != 50 {
		t.Errorf("expected insert batch size 50, got %d", m.BatchSize(docstore.OpInsert))
	}
}

func TestModelForErrors(t *testing.T) {
	if _, err := docstore.ModelFor[twoLocks](); err == nil {
		t.Error("expected error for two lock fields")
	}
	if _, err := docstore.ModelFor[int](); err == nil {
		t.Error("expected error for non-struct type")
	}
}
