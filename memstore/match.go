package memstore

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/likearthian/docstore"
	"go.mongodb.org/mongo-driver/bson"
)

// matches reports whether doc satisfies cond. Conditions are equality
// matches on top-level attributes, optionally using $in, $ne or $exists. A
// nil value also matches a missing attribute.
func matches(doc, cond bson.M) (bool, error) {
	for k, want := range cond {
		got, present := doc[k]

		ops, isOp := operators(want)
		if !isOp {
			if !equalOrMissing(got, present, want) {
				return false, nil
			}
			continue
		}

		for op, arg := range ops {
			ok, err := matchOperator(op, got, present, arg)
			if err != nil {
				return false, fmt.Errorf("memstore: condition on %q: %w", k, err)
			}
			if !ok {
				return false, nil
			}
		}
	}

	return true, nil
}

func matchOperator(op string, got any, present bool, arg any) (bool, error) {
	switch op {
	case "$in":
		list, ok := toList(arg)
		if !ok {
			return false, fmt.Errorf("$in needs an array, got %T", arg)
		}
		for _, want := range list {
			if equalOrMissing(got, present, want) {
				return true, nil
			}
		}
		return false, nil
	case "$ne":
		return !equalOrMissing(got, present, arg), nil
	case "$exists":
		want, ok := arg.(bool)
		if !ok {
			return false, fmt.Errorf("$exists needs a bool, got %T", arg)
		}
		return present == want, nil
	default:
		return false, fmt.Errorf("unsupported operator %s", op)
	}
}

// operators returns v as an operator document when all its keys start with $.
func operators(v any) (map[string]any, bool) {
	var doc map[string]any
	switch m := v.(type) {
	case bson.M:
		doc = m
	case map[string]any:
		doc = m
	default:
		return nil, false
	}

	if len(doc) == 0 {
		return nil, false
	}
	for k := range doc {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
	}

	return doc, true
}

func toList(v any) ([]any, bool) {
	if a, ok := v.(bson.A); ok {
		return a, true
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}

	list := make([]any, rv.Len())
	for i := range list {
		list[i] = rv.Index(i).Interface()
	}

	return list, true
}

func equalOrMissing(got any, present bool, want any) bool {
	if want == nil {
		return !present || got == nil
	}

	return present && valuesEqual(got, want)
}

// valuesEqual compares numbers by value regardless of their Go type.
func valuesEqual(a, b any) bool {
	if x, ok := toFloat(a); ok {
		if y, ok := toFloat(b); ok {
			return x == y
		}
	}

	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}

	return 0, false
}

func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	}

	return 0, false
}

// applyChange returns a copy of doc with change applied.
func applyChange(doc bson.M, change docstore.Change) (bson.M, error) {
	out := cloneM(doc)
	for k, v := range change.Set {
		out[k] = v
	}

	for k, v := range change.Inc {
		sum, err := add(out[k], v)
		if err != nil {
			return nil, fmt.Errorf("memstore: cannot increment %q: %w", k, err)
		}
		out[k] = sum
	}

	return out, nil
}

// add keeps integer arithmetic when both operands are integers.
func add(current, delta any) (any, error) {
	if current == nil {
		if _, ok := toFloat(delta); !ok {
			return nil, fmt.Errorf("non-numeric amount %T", delta)
		}
		return delta, nil
	}

	if a, ok := toInt(current); ok {
		if b, ok := toInt(delta); ok {
			return a + b, nil
		}
	}

	a, ok := toFloat(current)
	if !ok {
		return nil, fmt.Errorf("non-numeric value %T", current)
	}
	b, ok := toFloat(delta)
	if !ok {
		return nil, fmt.Errorf("non-numeric amount %T", delta)
	}

	return a + b, nil
}

// less orders a before b by the keys of order; a negative direction sorts
// descending. Only numbers and strings are ordered.
func less(a, b bson.M, order bson.D) bool {
	for _, e := range order {
		c := compare(a[e.Key], b[e.Key])
		if c == 0 {
			continue
		}
		if desc, _ := toFloat(e.Value); desc < 0 {
			return c > 0
		}
		return c < 0
	}

	return false
}

func compare(a, b any) int {
	if x, ok := toFloat(a); ok {
		if y, ok := toFloat(b); ok {
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			}
			return 0
		}
	}

	if x, ok := a.(string); ok {
		if y, ok := b.(string); ok {
			return strings.Compare(x, y)
		}
	}

	return 0
}

// upsertDoc is the document inserted by an upsert that matched nothing.
func upsertDoc(cond bson.M, change docstore.Change) bson.M {
	doc := bson.M{}
	for k, v := range cond {
		if _, isOp := operators(v); !isOp {
			doc[k] = v
		}
	}
	for k, v := range change.Set {
		doc[k] = v
	}
	for k, v := range change.Inc {
		doc[k] = v
	}

	return doc
}

func cloneM(doc bson.M) bson.M {
	if doc == nil {
		return nil
	}

	out := make(bson.M, len(doc))
	for k, v := range doc {
		out[k] = v
	}

	return out
}
