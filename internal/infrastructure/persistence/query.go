package persistence

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"
)

// Condition is an equality filter on one field.
type Condition struct {
	Field string `json:"field"`
	Value any    `json:"value"`
}

// Query describes a filtered read: equality conditions, one ordering and a limit.
type Query struct {
	Where      []Condition `json:"where,omitempty"`
	OrderBy    string      `json:"orderBy,omitempty"`
	Descending bool        `json:"descending,omitempty"`
	Limit      int         `json:"limit,omitempty"`
}

// NewQuery returns an empty query matching every row.
func NewQuery() Query {
	return Query{}
}

// Eq adds an equality condition.
func (q Query) Eq(field string, value any) Query {
	q.Where = append(append([]Condition(nil), q.Where...), Condition{Field: field, Value: value})
	return q
}

// Order sets the ordering field and direction.
func (q Query) Order(field string, descending bool) Query {
	q.OrderBy = field
	q.Descending = descending
	return q
}

// Take limits the number of rows returned. Zero means unlimited.
func (q Query) Take(n int) Query {
	q.Limit = n
	return q
}

// Validate checks the query for malformed conditions.
func (q Query) Validate() error {
	for i, c := range q.Where {
		if strings.TrimSpace(c.Field) == "" {
			return fmt.Errorf("condition %d has an empty field", i)
		}
	}
	if q.Limit < 0 {
		return fmt.Errorf("negative limit %d", q.Limit)
	}
	return nil
}

// Matches reports whether doc satisfies every condition of q.
func (q Query) Matches(doc Document) bool {
	for _, c := range q.Where {
		if !ValuesEqual(doc[c.Field], c.Value) {
			return false
		}
	}
	return true
}

// Apply filters, orders and limits docs in memory. The input slice is not modified.
func (q Query) Apply(docs []Document) []Document {
	out := make([]Document, 0, len(docs))
	for _, d := range docs {
		if q.Matches(d) {
			out = append(out, d)
		}
	}

	if q.OrderBy != "" {
		sort.SliceStable(out, func(i, j int) bool {
			c := CompareValues(out[i][q.OrderBy], out[j][q.OrderBy])
			if q.Descending {
				return c > 0
			}
			return c < 0
		})
	}

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// ValuesEqual compares two field values the way a SQL equality filter would:
// numbers compare numerically regardless of their Go type.
func ValuesEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	if sa, ok := a.(string); ok {
		if sb, ok := b.(string); ok {
			return sa == sb
		}
	}
	return reflect.DeepEqual(a, b)
}

// CompareValues orders two field values. nil sorts first; timestamps compare
// chronologically; numbers numerically; everything else by string form.
func CompareValues(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}

	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			}
			return 0
		}
	}

	sa, sb := fmt.Sprint(a), fmt.Sprint(b)
	if ta, err := time.Parse(time.RFC3339Nano, sa); err == nil {
		if tb, err := time.Parse(time.RFC3339Nano, sb); err == nil {
			return ta.Compare(tb)
		}
	}
	return strings.Compare(sa, sb)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
