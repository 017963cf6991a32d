package docstore

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/iancoleman/strcase"
)

// Collectioner is implemented by struct types that name their collection.
type Collectioner interface {
	CollectionName() string
}

// ModelFor derives a model from the struct type T. Attribute names come from
// the bson tag; a docstore tag marks primary key ("key") and optimistic lock
// ("lock") attributes:
//
//	type Order struct {
//	    ID      primitive.ObjectID `bson:"_id,omitempty"`
//	    Total   int64              `bson:"total"`
//	    Version int64              `bson:"version" docstore:"lock"`
//	}
//
// Options are applied after the tags and win over them.
func ModelFor[T any](options ...ModelOption) (*Model, error) {
	var model T
	m := reflect.TypeOf(model)
	if m == nil {
		return nil, fmt.Errorf("model type must be a struct, got interface")
	}
	if m.Kind() == reflect.Ptr {
		m = m.Elem()
	}
	if m.Kind() != reflect.Struct {
		return nil, fmt.Errorf("model type must be a struct, got %s", m.Kind())
	}

	var opts []ModelOption
	keys, lock, err := parseModel(m)
	if err != nil {
		return nil, err
	}
	if len(keys) > 0 {
		opts = append(opts, WithPrimaryKey(keys...))
	}
	if lock != "" {
		opts = append(opts, WithLockField(lock))
	}
	if c, ok := any(model).(Collectioner); ok {
		opts = append(opts, WithCollection(c.CollectionName()))
	} else if c, ok := any(&model).(Collectioner); ok {
		opts = append(opts, WithCollection(c.CollectionName()))
	}

	return NewModel(m.Name(), append(opts, options...)...), nil
}

func parseModel(model reflect.Type) (keys []string, lock string, err error) {
	for i := 0; i < model.NumField(); i++ {
		field := model.Field(i)
		if !field.IsExported() {
			continue
		}

		name := attributeName(field)
		if name == "-" {
			continue
		}

		isKey, isLock := parseTag(field.Tag.Get("docstore"))
		if isKey {
			keys = append(keys, name)
		}

		if isLock {
			if lock != "" {
				err = fmt.Errorf("cannot have more than 1 lock field: %s and %s", lock, name)
				return
			}
			lock = name
		}
	}

	return
}

// attributeName returns the bson name of field, following the bson
// default of lowercasing the Go name.
func attributeName(field reflect.StructField) string {
	tag := strings.TrimSpace(strings.Split(field.Tag.Get("bson"), ",")[0])
	if tag != "" {
		return tag
	}

	return strings.ToLower(field.Name)
}

func parseTag(value string) (isKey bool, isLock bool) {
	for _, part := range strings.Split(value, ",") {
		switch strings.ToLower(strings.TrimSpace(part)) {
		case "key":
			isKey = true
		case "lock":
			isLock = true
		}
	}

	return
}

// CollectionNameOf returns the default collection name for a Go type name.
func CollectionNameOf(typeName string) string {
	return strcase.ToSnake(typeName)
}
