package docstore

import (
	"reflect"
	"sort"

	"go.mongodb.org/mongo-driver/bson"
)

func Map[In any, Out any](list []In, mapFn func(val In) Out) []Out {
	var newSlice = make([]Out, len(list))
	for i, val := range list {
		newSlice[i] = mapFn(val)
	}

	return newSlice
}

func SliceContains[T comparable](list []T, val T) bool {
	for _, item := range list {
		if item == val {
			return true
		}
	}

	return false
}

// cloneM returns a shallow copy of doc. A nil doc stays nil.
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

func sortedKeys(doc bson.M) []string {
	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return keys
}

func valuesEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}
