package druid

import (
	"strconv"
	"strings"
	"time"

	"github.com/plesiecki/plywood/plywood"
)

// An Inflater coerces one response column back into the algebra's value
// space. Inflater functions are total: unrecognized input becomes a typed
// null, never a stream failure.
type Inflater struct {
	Label   string   // output column name
	Sources []string // response keys tried in order; defaults to [Label]
	Fn      func(any) any
}

func (inf Inflater) sources() []string {
	if len(inf.Sources) > 0 {
		return inf.Sources
	}
	return []string{inf.Label}
}

// TimeInflater coerces ISO strings and epoch millis to time values.
func TimeInflater(label string) Inflater {
	return Inflater{Label: label, Fn: inflateTime}
}

// NumberInflater coerces numeric strings and numbers to float64.
func NumberInflater(label string) Inflater {
	return Inflater{Label: label, Fn: inflateNumber}
}

// BooleanInflater coerces "true"/"false"/0/1 to bool.
func BooleanInflater(label string) Inflater {
	return Inflater{Label: label, Fn: inflateBoolean}
}

// StringInflater passes strings through and stringifies numbers and
// booleans; any other value becomes nil.
func StringInflater(label string) Inflater {
	return Inflater{Label: label, Fn: inflateString}
}

// SetStringInflater normalizes multi-value rows to SET/STRING values.
func SetStringInflater(label string) Inflater {
	return Inflater{Label: label, Fn: inflateSetString}
}

// SetCardinalityInflater counts multi-value rows.
func SetCardinalityInflater(label string) Inflater {
	return Inflater{Label: label, Fn: inflateSetCardinality}
}

func inflateTime(v any) any {
	switch tv := v.(type) {
	case nil:
		return nil
	case time.Time:
		return tv
	case string:
		if t, err := time.Parse(time.RFC3339, tv); err == nil {
			return t.UTC()
		}
		return nil
	case float64:
		return time.UnixMilli(int64(tv)).UTC()
	case int64:
		return time.UnixMilli(tv).UTC()
	}
	return nil
}

func inflateNumber(v any) any {
	switch tv := v.(type) {
	case nil:
		return nil
	case float64:
		return tv
	case int:
		return float64(tv)
	case int64:
		return float64(tv)
	case string:
		if f, err := strconv.ParseFloat(tv, 64); err == nil {
			return f
		}
		return nil
	case bool:
		if tv {
			return float64(1)
		}
		return float64(0)
	}
	return nil
}

func inflateBoolean(v any) any {
	switch tv := v.(type) {
	case nil:
		return nil
	case bool:
		return tv
	case string:
		return tv == "true" || tv == "1"
	case float64:
		return tv != 0
	}
	return nil
}

func inflateString(v any) any {
	switch tv := v.(type) {
	case nil:
		return nil
	case string:
		return tv
	case float64:
		return strconv.FormatFloat(tv, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(tv)
	}
	return nil
}

func inflateSetString(v any) any {
	switch tv := v.(type) {
	case nil:
		return plywood.NewSet(plywood.String)
	case []any:
		return plywood.NewSet(plywood.String, tv...)
	case []string:
		elems := make([]any, len(tv))
		for i, s := range tv {
			elems[i] = s
		}
		return plywood.NewSet(plywood.String, elems...)
	case string:
		return tv
	}
	return nil
}

func inflateSetCardinality(v any) any {
	switch tv := v.(type) {
	case nil:
		return float64(0)
	case []any:
		return float64(len(tv))
	case []string:
		return float64(len(tv))
	default:
		return float64(1)
	}
}

// Record is one post-transformed result.
type Record struct {
	Kind  string // "datum" or "value"
	Datum plywood.Datum
	Value any
}

// RowTransform reshapes native result rows into algebra records. It is a
// one-row-at-a-time streaming adapter; it never buffers.
type RowTransform struct {
	// TimestampLabel, when set, copies the response's bucket timestamp
	// (the "timestamp" key) into the datum under this name.
	TimestampLabel string
	// Inflaters coerce named columns. Dummy-prefixed response names are
	// restored here via the Sources list.
	Inflaters []Inflater
	// Attributes lists additional response columns copied through
	// verbatim, in output order. Ignore-prefixed columns never appear.
	Attributes []string
	// ValueName switches the transform to value records extracted from
	// this column of the (single) response row.
	ValueName string
}

// Transform adapts a native row stream. Closing the returned iterator
// closes the source; that is the only cancellation.
func (t *RowTransform) Transform(rows RowIterator) *RecordIterator {
	return &RecordIterator{transform: t, rows: rows}
}

// RecordIterator yields algebra records one source row at a time.
type RecordIterator struct {
	transform *RowTransform
	rows      RowIterator
	current   Record
}

// Next advances to the next record.
func (it *RecordIterator) Next() bool {
	if !it.rows.Next() {
		return false
	}
	it.current = it.transform.apply(it.rows.Row())
	return true
}

// Record returns the current record.
func (it *RecordIterator) Record() Record { return it.current }

// Err surfaces the source stream's error.
func (it *RecordIterator) Err() error { return it.rows.Err() }

// Close releases the source stream.
func (it *RecordIterator) Close() { it.rows.Close() }

func (t *RowTransform) apply(row map[string]any) Record {
	datum := plywood.Datum{}
	if t.TimestampLabel != "" {
		if ts, ok := row["timestamp"]; ok {
			datum[t.TimestampLabel] = inflateTime(ts)
		}
	}
	for _, inf := range t.Inflaters {
		var v any
		for _, src := range inf.sources() {
			if sv, ok := row[src]; ok {
				v = sv
				break
			}
		}
		datum[inf.Label] = inf.Fn(v)
	}
	for _, name := range t.Attributes {
		if _, done := datum[name]; done {
			continue
		}
		if v, ok := row[DummyPrefix+name]; ok {
			datum[name] = v
			continue
		}
		if v, ok := row[name]; ok && !strings.HasPrefix(name, IgnorePrefix) {
			datum[name] = v
		}
	}
	if t.ValueName != "" {
		return Record{Kind: "value", Value: datum[t.ValueName]}
	}
	return Record{Kind: "datum", Datum: datum}
}

// SliceRowIterator is a RowIterator over an in-memory row slice, used by
// introspection decoding and tests.
type SliceRowIterator struct {
	Rows []map[string]any
	pos  int
	err  error
}

func (it *SliceRowIterator) Next() bool {
	if it.pos >= len(it.Rows) {
		return false
	}
	it.pos++
	return true
}

func (it *SliceRowIterator) Row() map[string]any { return it.Rows[it.pos-1] }
func (it *SliceRowIterator) Err() error          { return it.err }
func (it *SliceRowIterator) Close()              {}
