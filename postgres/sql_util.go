package postgres

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/likearthian/docstore"
	"go.mongodb.org/mongo-driver/bson"
)

func wrapPostgresError(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.UniqueViolation:
			return fmt.Errorf("%w. %s", docstore.ErrKeyAlreadyExists, err.Error())
		case pgerrcode.LockNotAvailable, pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected:
			return fmt.Errorf("%w. %s", docstore.ErrWriteConflict, err.Error())
		}
	}

	errMap := map[error]error{
		sql.ErrNoRows: docstore.ErrKeynotFound,
	}

	for g, e := range errMap {
		if errors.Is(err, g) {
			err = fmt.Errorf("%w. %s", e, err.Error())
		}
	}

	return err
}

// whereClause turns an equality condition into a containment test on the
// document. A nil value also matches documents that lack the attribute.
func whereClause(cond bson.M) (string, []any, error) {
	var (
		clauses  []string
		args     []any
		contains = bson.M{}
		missing  []string
	)

	for _, k := range sortedKeys(cond) {
		v := cond[k]
		if strings.HasPrefix(k, "$") || hasOperator(v) {
			return "", nil, fmt.Errorf("postgres: query operators are not supported in condition on %q", k)
		}

		if v == nil {
			missing = append(missing, k)
			continue
		}
		contains[k] = v
	}

	if len(contains) > 0 {
		raw, err := encodeDoc(contains)
		if err != nil {
			return "", nil, err
		}
		clauses = append(clauses, "doc @> ?::jsonb")
		args = append(args, string(raw))
	}

	for _, k := range missing {
		clauses = append(clauses, "COALESCE(doc->?, 'null'::jsonb) = 'null'::jsonb")
		args = append(args, k)
	}

	if len(clauses) == 0 {
		return "TRUE", nil, nil
	}

	return strings.Join(clauses, " AND "), args, nil
}

func hasOperator(v any) bool {
	var doc map[string]any
	switch m := v.(type) {
	case bson.M:
		doc = m
	case map[string]any:
		doc = m
	default:
		return false
	}

	for k := range doc {
		if strings.HasPrefix(k, "$") {
			return true
		}
	}

	return false
}

// orderClause sorts on top-level attributes. A negative value sorts
// descending.
func orderClause(order bson.D) (string, []any) {
	if len(order) == 0 {
		return "", nil
	}

	var (
		srt  []string
		args []any
	)
	for _, e := range order {
		op := "ASC"
		if isNegative(e.Value) {
			op = "DESC"
		}
		srt = append(srt, "doc->? "+op)
		args = append(args, e.Key)
	}

	return " ORDER BY " + strings.Join(srt, ","), args
}

func isNegative(v any) bool {
	switch n := v.(type) {
	case int:
		return n < 0
	case int32:
		return n < 0
	case int64:
		return n < 0
	case float64:
		return n < 0
	}

	return false
}

// changeExpr builds the new document expression for change: a merge for
// Set followed by one jsonb_set per counter in Inc.
func changeExpr(change docstore.Change) (string, []any, error) {
	if change.IsEmpty() {
		return "", nil, fmt.Errorf("postgres: update has no change")
	}

	expr := "doc"
	var args []any

	if len(change.Set) > 0 {
		raw, err := encodeDoc(change.Set)
		if err != nil {
			return "", nil, err
		}
		expr = "(doc || ?::jsonb)"
		args = append(args, string(raw))
	}

	for _, k := range sortedKeys(change.Inc) {
		expr = fmt.Sprintf("jsonb_set(%s, ?::text[], to_jsonb(COALESCE((doc->>?)::numeric, 0) + ?::numeric))", expr)
		args = append(args, pq.Array([]string{k}), k, change.Inc[k])
	}

	return expr, args, nil
}

// upsertDoc is the document inserted by an upsert that matched nothing.
func upsertDoc(cond bson.M, change docstore.Change) (bson.M, error) {
	doc := bson.M{}
	for k, v := range cond {
		if strings.HasPrefix(k, "$") || hasOperator(v) {
			return nil, fmt.Errorf("postgres: query operators are not supported in upsert condition on %q", k)
		}
		doc[k] = v
	}
	for k, v := range change.Set {
		doc[k] = v
	}
	for k, v := range change.Inc {
		doc[k] = v
	}

	return doc, nil
}

func encodeDoc(doc bson.M) ([]byte, error) {
	raw, err := bson.MarshalExtJSON(doc, false, false)
	if err != nil {
		return nil, fmt.Errorf("postgres: encode document: %w", err)
	}

	return raw, nil
}

func decodeDoc(raw []byte) (bson.M, error) {
	var doc bson.M
	if err := bson.UnmarshalExtJSON(raw, false, &doc); err != nil {
		return nil, fmt.Errorf("postgres: decode document: %w", err)
	}

	return doc, nil
}

func sortedKeys(doc bson.M) []string {
	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return keys
}
