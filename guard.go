package docstore

import (
	"fmt"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
)

// versionGuard applies a model's optimistic lock to outgoing writes. The
// compare and the increment travel in one conditional write; the guard never
// reads before writing.
type versionGuard struct {
	model *Model
	field string
}

func (g versionGuard) enabled() bool {
	return g.field != ""
}

// prepareUpdate adds the lock condition and, unless the caller already
// changed the lock attribute, its next value.
func (g versionGuard) prepareUpdate(r *Record, cond, values bson.M) {
	if !g.enabled() {
		return
	}

	current := r.attrs[g.field]
	if _, ok := values[g.field]; !ok {
		values[g.field] = nextLockValue(current)
	}
	cond[g.field] = current
}

func (g versionGuard) prepareDelete(r *Record, cond bson.M) {
	if !g.enabled() {
		return
	}
	cond[g.field] = r.attrs[g.field]
}

// check turns a guarded write that matched nothing into ErrStaleWrite.
func (g versionGuard) check(op Op, affected int64) error {
	if !g.enabled() || affected > 0 {
		return nil
	}

	return fmt.Errorf("%w: %s %s matched no document with the expected %s", ErrStaleWrite, g.model.name, op, g.field)
}

// adopt copies the written lock value back into the record.
func (g versionGuard) adopt(r *Record, values bson.M) {
	if !g.enabled() {
		return
	}
	if v, ok := values[g.field]; ok {
		r.attrs[g.field] = v
	}
}

// nextLockValue increments numeric lock values and replaces anything else
// with a fresh token.
func nextLockValue(v any) any {
	switch n := v.(type) {
	case nil:
		return int64(1)
	case int:
		return n + 1
	case int32:
		return n + 1
	case int64:
		return n + 1
	case uint:
		return n + 1
	case uint32:
		return n + 1
	case uint64:
		return n + 1
	case float32:
		return n + 1
	case float64:
		return n + 1
	default:
		return NewLockToken()
	}
}

// NewLockToken returns a fresh unique lock value.
func NewLockToken() string {
	return uuid.NewString()
}
