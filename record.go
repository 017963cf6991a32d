package docstore

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
)

// Record is one document of a Model together with the snapshot of the
// attributes last persisted for it.
type Record struct {
	model         *Model
	attrs         bson.M
	old           bson.M // nil until persisted
	scenario      string
	validationErr error
}

// recordState is a copy of the mutable parts of a Record, used to undo
// in-memory changes when a transaction does not commit.
type recordState struct {
	attrs bson.M
	old   bson.M
}

func (r *Record) Model() *Model {
	return r.model
}

func (r *Record) Get(name string) any {
	return r.attrs[name]
}

func (r *Record) Has(name string) bool {
	_, ok := r.attrs[name]
	return ok
}

func (r *Record) Set(name string, value any) {
	r.attrs[name] = value
}

// SetAttributes sets every attribute in attrs.
func (r *Record) SetAttributes(attrs bson.M) {
	for k, v := range attrs {
		r.attrs[k] = v
	}
}

// ID returns the _id attribute.
func (r *Record) ID() any {
	return r.attrs[DefaultKeyField]
}

// Attributes returns a copy of the current attributes.
func (r *Record) Attributes() bson.M {
	return cloneM(r.attrs)
}

// OldAttributes returns a copy of the persisted snapshot, nil for a new
// record.
func (r *Record) OldAttributes() bson.M {
	return cloneM(r.old)
}

// IsNew reports whether the record has never been persisted.
func (r *Record) IsNew() bool {
	return r.old == nil
}

// DirtyAttributes returns the attributes that differ from the persisted
// snapshot. Every attribute is dirty on a new record. When names are given
// only those attributes are considered.
func (r *Record) DirtyAttributes(names ...string) bson.M {
	dirty := bson.M{}
	for k, v := range r.attrs {
		if len(names) > 0 && !SliceContains(names, k) {
			continue
		}

		if r.old == nil {
			dirty[k] = v
			continue
		}

		if old, ok := r.old[k]; !ok || !valuesEqual(old, v) {
			dirty[k] = v
		}
	}

	return dirty
}

// PrimaryKey returns the primary key attributes present on the record.
func (r *Record) PrimaryKey() bson.M {
	pk := bson.M{}
	for _, k := range r.model.primaryKey {
		if v, ok := r.attrs[k]; ok {
			pk[k] = v
		}
	}

	return pk
}

// OldPrimaryKey returns the persisted primary key. Keys missing from the
// snapshot map to nil.
func (r *Record) OldPrimaryKey() (bson.M, error) {
	if r.old == nil {
		return nil, ErrNewRecord
	}

	pk := bson.M{}
	for _, k := range r.model.primaryKey {
		pk[k] = r.old[k]
	}

	return pk, nil
}

func (r *Record) Scenario() string {
	return r.scenario
}

func (r *Record) SetScenario(name string) {
	r.scenario = name
}

// IsTransactional reports whether op runs inside a transaction in the
// record's current scenario.
func (r *Record) IsTransactional(op Op) bool {
	return r.model.IsTransactional(r.scenario, op)
}

// ValidationError returns the error of the last failed validation.
func (r *Record) ValidationError() error {
	return r.validationErr
}

// Validate runs the model validator and reports whether the record is valid.
func (r *Record) Validate(ctx context.Context) bool {
	r.validationErr = nil
	if r.model.validator == nil {
		return true
	}

	r.validationErr = r.model.validator(ctx, r)
	return r.validationErr == nil
}

// Decode unmarshals the record attributes into v.
func (r *Record) Decode(v any) error {
	raw, err := bson.Marshal(r.attrs)
	if err != nil {
		return err
	}

	return bson.Unmarshal(raw, v)
}

// Equals reports whether r and other are the same persisted document.
func (r *Record) Equals(other *Record) bool {
	if r == nil || other == nil || r.model != other.model {
		return false
	}
	if r.IsNew() || other.IsNew() {
		return false
	}

	return valuesEqual(r.PrimaryKey(), other.PrimaryKey())
}

func (r *Record) setOldAttributes(values bson.M) {
	r.old = cloneM(values)
	if r.old == nil {
		r.old = bson.M{}
	}
}

// clearOldAttributes empties the snapshot after a delete; the record counts
// as new again.
func (r *Record) clearOldAttributes() {
	r.old = nil
}

func (r *Record) state() recordState {
	return recordState{attrs: cloneM(r.attrs), old: cloneM(r.old)}
}

func (r *Record) restore(s recordState) {
	r.attrs = s.attrs
	r.old = s.old
}
