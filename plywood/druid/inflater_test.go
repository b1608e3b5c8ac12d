package druid

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plesiecki/plywood/plywood"
)

func TestInflatersAreTotal(t *testing.T) {
	tests := []struct {
		name string
		fn   func(any) any
		in   any
		want any
	}{
		{"time from iso", inflateTime, "2020-01-02T03:04:05Z", time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)},
		{"time from millis", inflateTime, float64(0), time.UnixMilli(0).UTC()},
		{"time from garbage", inflateTime, "not a time", nil},
		{"number from string", inflateNumber, "3.5", 3.5},
		{"number from garbage", inflateNumber, "x", nil},
		{"boolean from string", inflateBoolean, "true", true},
		{"boolean from number", inflateBoolean, float64(0), false},
		{"string passthrough", inflateString, "a", "a"},
		{"set from values", inflateSetString, []any{"a", "b"}, plywood.NewSet(plywood.String, "a", "b")},
		{"set from scalar row", inflateSetString, "solo", "solo"},
		{"set cardinality", inflateSetCardinality, []any{"a", "b", "c"}, float64(3)},
		{"set cardinality of scalar", inflateSetCardinality, "solo", float64(1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.fn(tt.in))
		})
	}
}

func TestRowTransformStreams(t *testing.T) {
	transform := &RowTransform{
		TimestampLabel: "day",
		Inflaters:      []Inflater{NumberInflater("count")},
		Attributes:     []string{"day", "count", "channel"},
	}
	rows := &SliceRowIterator{Rows: []map[string]any{
		{"timestamp": "2020-01-01T00:00:00Z", "count": float64(3), "channel": "en", "!T_0": float64(9)},
		{"timestamp": "2020-01-02T00:00:00Z", "count": "4", "channel": "de"},
	}}

	records := transform.Transform(rows)
	defer records.Close()

	require.True(t, records.Next())
	first := records.Record()
	require.Equal(t, "datum", first.Kind)
	assert.Equal(t, time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), first.Datum["day"])
	assert.Equal(t, float64(3), first.Datum["count"])
	assert.Equal(t, "en", first.Datum["channel"])
	// Ignore-prefixed response columns never reach the output.
	_, leaked := first.Datum["!T_0"]
	assert.False(t, leaked)

	require.True(t, records.Next())
	second := records.Record()
	assert.Equal(t, float64(4), second.Datum["count"])

	require.False(t, records.Next())
	require.NoError(t, records.Err())
}

func TestRowTransformRestoresDummyPrefix(t *testing.T) {
	transform := &RowTransform{
		Inflaters:  []Inflater{{Label: "__reserved", Sources: []string{DummyPrefix + "__reserved"}, Fn: inflateString}},
		Attributes: []string{"__reserved"},
	}
	rows := &SliceRowIterator{Rows: []map[string]any{{DummyPrefix + "__reserved": "x"}}}
	records := transform.Transform(rows)
	require.True(t, records.Next())
	assert.Equal(t, "x", records.Record().Datum["__reserved"])
}
