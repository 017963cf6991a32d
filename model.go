package docstore

import (
	"context"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
)

// Op is a write operation kind. Values combine as a bitmask.
type Op int

const (
	OpInsert Op = 1 << iota
	OpUpdate
	OpDelete

	OpAll = OpInsert | OpUpdate | OpDelete
)

var opKinds = []Op{OpInsert, OpUpdate, OpDelete}

func (o Op) String() string {
	var names []string
	if o&OpInsert != 0 {
		names = append(names, "insert")
	}
	if o&OpUpdate != 0 {
		names = append(names, "update")
	}
	if o&OpDelete != 0 {
		names = append(names, "delete")
	}
	if len(names) == 0 {
		return "none"
	}

	return strings.Join(names, "|")
}

const (
	DefaultScenario  = "default"
	DefaultBatchSize = 500
	DefaultKeyField  = "_id"
	DefaultLockField = "_lock"
)

// Hooks are the lifecycle callbacks of a model. A Before hook returning
// false vetoes the write.
type Hooks struct {
	BeforeSave   func(ctx context.Context, r *Record, insert bool) bool
	AfterSave    func(ctx context.Context, r *Record, insert bool, changed bson.M)
	BeforeDelete func(ctx context.Context, r *Record) bool
	AfterDelete  func(ctx context.Context, r *Record)
}

func (h Hooks) beforeSave(ctx context.Context, r *Record, insert bool) bool {
	if h.BeforeSave == nil {
		return true
	}
	return h.BeforeSave(ctx, r, insert)
}

func (h Hooks) afterSave(ctx context.Context, r *Record, insert bool, changed bson.M) {
	if h.AfterSave != nil {
		h.AfterSave(ctx, r, insert, changed)
	}
}

func (h Hooks) beforeDelete(ctx context.Context, r *Record) bool {
	if h.BeforeDelete == nil {
		return true
	}
	return h.BeforeDelete(ctx, r)
}

func (h Hooks) afterDelete(ctx context.Context, r *Record) {
	if h.AfterDelete != nil {
		h.AfterDelete(ctx, r)
	}
}

// Model describes a document type.
type Model struct {
	name         string
	collection   string
	primaryKey   []string
	lockField    string
	transactions map[string]Op
	batchSizes   map[Op]int
	validator    func(ctx context.Context, r *Record) error
	hooks        Hooks
}

// NewModel creates a model named name. The collection defaults to the snake
// cased name and the primary key to _id.
func NewModel(name string, options ...ModelOption) *Model {
	m := &Model{
		name:         name,
		collection:   CollectionNameOf(name),
		primaryKey:   []string{DefaultKeyField},
		transactions: map[string]Op{},
		batchSizes:   map[Op]int{},
	}

	for _, op := range options {
		op(m)
	}

	return m
}

func (m *Model) Name() string {
	return m.name
}

func (m *Model) Collection() string {
	return m.collection
}

func (m *Model) PrimaryKey() []string {
	return append([]string(nil), m.primaryKey...)
}

// LockField returns the optimistic lock attribute, or "" when optimistic
// locking is disabled.
func (m *Model) LockField() string {
	return m.lockField
}

// BatchSize returns the flush threshold configured for op, or 0 when the
// mapper default applies.
func (m *Model) BatchSize(op Op) int {
	return m.batchSizes[op]
}

// Transactions returns a copy of the scenario to transactional operations
// declaration.
func (m *Model) Transactions() map[string]Op {
	out := make(map[string]Op, len(m.transactions))
	for k, v := range m.transactions {
		out[k] = v
	}

	return out
}

// IsTransactional reports whether op must run inside a transaction in the
// given scenario. Unknown scenarios are never transactional.
func (m *Model) IsTransactional(scenario string, op Op) bool {
	return m.transactions[scenario]&op != 0
}

// New returns a record that has not been persisted yet.
func (m *Model) New(attrs bson.M) *Record {
	r := &Record{
		model:    m,
		attrs:    cloneM(attrs),
		scenario: DefaultScenario,
	}
	if r.attrs == nil {
		r.attrs = bson.M{}
	}

	return r
}

// NewFrom returns a new record holding the bson encoding of v.
func (m *Model) NewFrom(v any) (*Record, error) {
	attrs, err := toM(v)
	if err != nil {
		return nil, err
	}

	return m.New(attrs), nil
}

// Instantiate returns a record for a document loaded from the store.
func (m *Model) Instantiate(doc bson.M) *Record {
	r := m.New(doc)
	r.old = cloneM(doc)
	return r
}

// lockFieldOrDefault returns the attribute document locks write to.
func (m *Model) lockFieldOrDefault() string {
	if m.lockField == "" {
		return DefaultLockField
	}
	return m.lockField
}

func (m *Model) guard() versionGuard {
	return versionGuard{model: m, field: m.lockField}
}

func toM(v any) (bson.M, error) {
	if doc, ok := v.(bson.M); ok {
		return cloneM(doc), nil
	}

	raw, err := bson.Marshal(v)
	if err != nil {
		return nil, err
	}

	var doc bson.M
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}

	return doc, nil
}
