package persistence

import (
	"encoding/json"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Document is one row: a map with an "id" field plus domain fields.
type Document map[string]any

// ID returns the document id or "".
func (d Document) ID() string {
	if d == nil {
		return ""
	}
	switch v := d[FieldID].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case nil:
		return ""
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}

// Version returns the optimistic locking version, if present.
func (d Document) Version() (int64, bool) {
	if d == nil {
		return 0, false
	}
	return toInt64(d[FieldVersion])
}

// UpdatedAt returns the last update timestamp, if present and parseable.
func (d Document) UpdatedAt() (time.Time, bool) {
	return d.Time(FieldUpdatedAt)
}

// CreatedAt returns the creation timestamp, if present and parseable.
func (d Document) CreatedAt() (time.Time, bool) {
	return d.Time(FieldCreatedAt)
}

// Time parses field as a timestamp.
func (d Document) Time(field string) (time.Time, bool) {
	if d == nil {
		return time.Time{}, false
	}
	switch v := d[field].(type) {
	case time.Time:
		return v, true
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	}
	return time.Time{}, false
}

// String returns field as a string, or "".
func (d Document) String(field string) string {
	if s, ok := d[field].(string); ok {
		return s
	}
	return ""
}

// Clone returns a deep copy of the document.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

// Merge returns a copy of d with every field of patch applied on top.
func (d Document) Merge(patch Document) Document {
	out := d.Clone()
	if out == nil {
		out = Document{}
	}
	for k, v := range patch {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return map[string]any(Document(t).Clone())
	case Document:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case []float32:
		return append([]float32(nil), t...)
	case []float64:
		return append([]float64(nil), t...)
	default:
		return v
	}
}

// Normalize round-trips the document through JSON so values have the shapes a
// remote backend would return (float64 numbers, []any arrays, string timestamps).
func Normalize(d Document) (Document, error) {
	if d == nil {
		return nil, nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	var out Document
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	case float32:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	}
	return 0, false
}

// Clock returns the current time. Tests replace it to control timestamps.
var Clock = func() time.Time { return time.Now().UTC() }

// TimeLayout is RFC 3339 with a fixed nine digit fraction, so stored
// timestamps sort lexically in time order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime renders a timestamp the way every backend stores it.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// Now returns the current timestamp string.
func Now() string {
	return FormatTime(Clock())
}

// NewID generates a document id.
func NewID() string {
	return uuid.NewString()
}

// StampNew returns a copy of data ready for insertion: an id (generated when
// missing) and both timestamps.
func StampNew(data Document) (Document, string) {
	out := data.Clone()
	if out == nil {
		out = Document{}
	}
	id := out.ID()
	if id == "" {
		id = NewID()
		out[FieldID] = id
	}
	now := Now()
	out[FieldCreatedAt] = now
	out[FieldUpdatedAt] = now
	return out, id
}

// StampSet prepares data for an upsert over existing (nil when the row is new).
// createdAt is preserved from existing, or stamped when new.
func StampSet(id string, data, existing Document) Document {
	out := data.Clone()
	if out == nil {
		out = Document{}
	}
	out[FieldID] = id
	now := Now()
	if existing != nil {
		if created, ok := existing[FieldCreatedAt]; ok {
			out[FieldCreatedAt] = created
		} else if _, ok := out[FieldCreatedAt]; !ok {
			out[FieldCreatedAt] = now
		}
	} else {
		out[FieldCreatedAt] = now
	}
	out[FieldUpdatedAt] = now
	return out
}

// StampUpdate returns a copy of partial with updatedAt set.
func StampUpdate(partial Document) Document {
	out := partial.Clone()
	if out == nil {
		out = Document{}
	}
	delete(out, FieldID)
	out[FieldUpdatedAt] = Now()
	return out
}
