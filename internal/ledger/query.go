package ledger

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// dialect captures the few SQL differences between the backends.
type dialect struct {
	placeholder func(n int) string
	fieldExpr   func(ph string) string // body field lookup; ph binds the field path
	fieldArg    func(name string) any
	timeArg     func(t time.Time) any
}

const docColumns = "idx, id, status, version, seq, body, created_at, updated_at"

// buildSearch renders the SELECT for a Search call.
func buildSearch(d dialect, index string, f Filter, order Sort, size int) (string, []any) {
	var (
		where []string
		args  []any
	)
	next := func(v any) string {
		args = append(args, v)
		return d.placeholder(len(args))
	}

	where = append(where, "idx = "+next(index))

	if len(f.Statuses) > 0 {
		phs := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			phs[i] = next(s)
		}
		where = append(where, fmt.Sprintf("status IN (%s)", strings.Join(phs, ", ")))
	}

	for _, name := range sortedKeys(f.Fields) {
		expr := d.fieldExpr(next(d.fieldArg(name)))
		where = append(where, fmt.Sprintf("%s = %s", expr, next(f.Fields[name])))
	}
	for _, name := range sortedKeys(f.FieldsNot) {
		expr := d.fieldExpr(next(d.fieldArg(name)))
		where = append(where, fmt.Sprintf("%s <> %s", expr, next(f.FieldsNot[name])))
	}

	if !f.UpdatedBefore.IsZero() {
		where = append(where, "updated_at < "+next(d.timeArg(f.UpdatedBefore)))
	}

	var orderBy string
	switch order {
	case SortCreatedDesc:
		orderBy = "created_at DESC, seq DESC"
	case SortUpdatedAsc:
		orderBy = "updated_at ASC, seq ASC"
	default:
		orderBy = "created_at ASC, seq ASC"
	}

	query := fmt.Sprintf("SELECT %s FROM docs WHERE %s ORDER BY %s",
		docColumns, strings.Join(where, " AND "), orderBy)
	if size > 0 {
		query += " LIMIT " + next(size)
	}
	return query, args
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
