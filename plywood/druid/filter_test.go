package druid

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plesiecki/plywood/plywood"
	"github.com/plesiecki/plywood/plywood/expr"
)

func timeLit(t time.Time) *expr.Literal {
	return &expr.Literal{Value: t, LitType: plywood.Time}
}

func TestFilterPartition(t *testing.T) {
	jan1 := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	feb1 := time.Date(2020, 2, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name          string
		filter        expr.Expression
		wantIntervals []string
		wantFilter    func(*testing.T, *Filter)
		wantErr       bool
	}{
		{
			name:          "pure time filter becomes intervals only",
			filter:        janFilter(),
			wantIntervals: []string{"2020-01-01T00:00:00Z/2020-02-01T00:00:00Z"},
		},
		{
			name: "time and dimension conjunction partitions",
			filter: &expr.And{
				Operand:    janFilter(),
				Expression: &expr.Is{Operand: ref("channel", plywood.String), Expression: str("en")},
			},
			wantIntervals: []string{"2020-01-01T00:00:00Z/2020-02-01T00:00:00Z"},
			wantFilter: func(t *testing.T, f *Filter) {
				require.NotNil(t, f)
				assert.Equal(t, "selector", f.Type)
				assert.Equal(t, "channel", f.Dimension)
				assert.Equal(t, "en", f.Value)
			},
		},
		{
			name: "open time comparisons intersect",
			filter: &expr.And{
				Operand:    &expr.GreaterOrEqual{Operand: timeRef(), Expression: timeLit(jan1)},
				Expression: &expr.Less{Operand: timeRef(), Expression: timeLit(feb1)},
			},
			wantIntervals: []string{"2020-01-01T00:00:00Z/2020-02-01T00:00:00Z"},
		},
		{
			name: "or of two time filters unions",
			filter: &expr.Or{
				Operand: &expr.Overlap{Operand: timeRef(), Expression: &expr.Literal{
					Value:   plywood.TimeRange{Start: jan1, End: jan1.AddDate(0, 0, 7)},
					LitType: plywood.TimeRng,
				}},
				Expression: &expr.Overlap{Operand: timeRef(), Expression: &expr.Literal{
					Value:   plywood.TimeRange{Start: feb1, End: feb1.AddDate(0, 0, 7)},
					LitType: plywood.TimeRng,
				}},
			},
			wantIntervals: []string{
				"2020-01-01T00:00:00Z/2020-01-08T00:00:00Z",
				"2020-02-01T00:00:00Z/2020-02-08T00:00:00Z",
			},
		},
		{
			name: "or mixing time and dimension fails",
			filter: &expr.Or{
				Operand:    janFilter(),
				Expression: &expr.Is{Operand: ref("channel", plywood.String), Expression: str("en")},
			},
			wantErr: true,
		},
		{
			name: "cardinality inside a filter fails",
			filter: &expr.Greater{
				Operand:    &expr.Cardinality{Operand: ref("tags", plywood.SetString)},
				Expression: num(2),
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fb := &filterBuilder{ex: wikiExternal(ModeTotal)}
			intervals, dim, err := fb.Partition(tt.filter)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrUnsupported)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantIntervals, intervals)
			if tt.wantFilter != nil {
				tt.wantFilter(t, dim)
			} else {
				assert.Nil(t, dim)
			}
		})
	}
}

func TestDimensionFilters(t *testing.T) {
	fb := &filterBuilder{ex: wikiExternal(ModeTotal)}

	tests := []struct {
		name   string
		filter expr.Expression
		check  func(*testing.T, *Filter)
	}{
		{
			name:   "in set",
			filter: &expr.In{Operand: ref("country", plywood.String), Expression: stringSet("it", "de")},
			check: func(t *testing.T, f *Filter) {
				assert.Equal(t, "in", f.Type)
				assert.Equal(t, []any{"it", "de"}, f.Values)
			},
		},
		{
			name:   "regex match",
			filter: &expr.Match{Operand: ref("channel", plywood.String), Regexp: "^en"},
			check: func(t *testing.T, f *Filter) {
				assert.Equal(t, "regex", f.Type)
				assert.Equal(t, "^en", f.Pattern)
			},
		},
		{
			name: "contains ignore case",
			filter: &expr.Contains{
				Operand:    ref("channel", plywood.String),
				Expression: str("Wiki"),
				Compare:    "ignoreCase",
			},
			check: func(t *testing.T, f *Filter) {
				assert.Equal(t, "search", f.Type)
				require.NotNil(t, f.Query)
				assert.Equal(t, "insensitive_contains", f.Query.Type)
				assert.Equal(t, "Wiki", f.Query.Value)
			},
		},
		{
			name:   "numeric bound",
			filter: &expr.Greater{Operand: ref("commentLength", plywood.Number), Expression: num(100)},
			check: func(t *testing.T, f *Filter) {
				assert.Equal(t, "bound", f.Type)
				assert.Equal(t, "numeric", f.Ordering)
				assert.Equal(t, "100", f.Lower)
				assert.True(t, f.LowerStrict)
			},
		},
		{
			name: "selector through a lookup",
			filter: &expr.Is{
				Operand:    &expr.Lookup{Operand: ref("country", plywood.String), LookupName: "continent"},
				Expression: str("Europe"),
			},
			check: func(t *testing.T, f *Filter) {
				assert.Equal(t, "selector", f.Type)
				assert.Equal(t, "country", f.Dimension)
				require.NotNil(t, f.ExtractionFn)
				assert.Equal(t, "registeredLookup", f.ExtractionFn.Type)
				assert.Equal(t, "continent", f.ExtractionFn.Lookup)
			},
		},
		{
			name: "not wraps",
			filter: &expr.Not{
				Operand: &expr.Is{Operand: ref("channel", plywood.String), Expression: str("en")},
			},
			check: func(t *testing.T, f *Filter) {
				assert.Equal(t, "not", f.Type)
				require.NotNil(t, f.Field)
				assert.Equal(t, "selector", f.Field.Type)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := fb.makeFilter(tt.filter)
			require.NoError(t, err)
			require.NotNil(t, f)
			tt.check(t, f)
		})
	}
}
