package druid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plesiecki/plywood/plywood"
	"github.com/plesiecki/plywood/plywood/expr"
)

func TestBasicAggregations(t *testing.T) {
	tests := []struct {
		name  string
		apply Applied
		want  Aggregation
	}{
		{
			name:  "count",
			apply: Applied{Name: "count", Expression: &expr.Count{Operand: dataRef()}},
			want:  Aggregation{Type: "count", Name: "count"},
		},
		{
			name:  "sum of one is count",
			apply: Applied{Name: "rows", Expression: &expr.Sum{Operand: dataRef(), Expression: num(1)}},
			want:  Aggregation{Type: "count", Name: "rows"},
		},
		{
			name:  "long sum from native type",
			apply: Applied{Name: "chars", Expression: &expr.Sum{Operand: dataRef(), Expression: ref("commentLength", plywood.Number)}},
			want:  Aggregation{Type: "longSum", Name: "chars", FieldName: "commentLength"},
		},
		{
			name:  "double sum",
			apply: Applied{Name: "revenue", Expression: &expr.Sum{Operand: dataRef(), Expression: ref("revenue", plywood.Number)}},
			want:  Aggregation{Type: "doubleSum", Name: "revenue", FieldName: "revenue"},
		},
		{
			name:  "double min",
			apply: Applied{Name: "low", Expression: &expr.Min{Operand: dataRef(), Expression: ref("revenue", plywood.Number)}},
			want:  Aggregation{Type: "doubleMin", Name: "low", FieldName: "revenue"},
		},
		{
			name:  "long max over time",
			apply: Applied{Name: "latest", Expression: &expr.Max{Operand: dataRef(), Expression: timeRef()}},
			want:  Aggregation{Type: "longMax", Name: "latest", FieldName: TimeColumn},
		},
		{
			name:  "hyperUnique count distinct",
			apply: Applied{Name: "users", Expression: &expr.CountDistinct{Operand: dataRef(), Expression: ref("unique_users", plywood.Null)}},
			want:  Aggregation{Type: "hyperUnique", Name: "users", FieldName: "unique_users"},
		},
		{
			name:  "cardinality count distinct",
			apply: Applied{Name: "countries", Expression: &expr.CountDistinct{Operand: dataRef(), Expression: ref("country", plywood.String)}},
			want:  Aggregation{Type: "cardinality", Name: "countries", FieldNames: []string{"country"}, ByRow: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ab := &aggregationBuilder{ex: wikiExternal(ModeTotal)}
			out, err := ab.MakeAggregationsAndPostAggregations([]Applied{tt.apply})
			require.NoError(t, err)
			require.Len(t, out.Aggregations, 1)
			assert.Equal(t, tt.want, out.Aggregations[0])
			assert.Empty(t, out.PostAggregations)
		})
	}
}

func TestFilteredAggregation(t *testing.T) {
	ab := &aggregationBuilder{ex: wikiExternal(ModeTotal)}
	apply := Applied{
		Name: "en_count",
		Expression: &expr.Count{Operand: &expr.FilterOp{
			Operand:    dataRef(),
			Expression: &expr.Is{Operand: ref("channel", plywood.String), Expression: str("en")},
		}},
	}
	out, err := ab.MakeAggregationsAndPostAggregations([]Applied{apply})
	require.NoError(t, err)
	require.Len(t, out.Aggregations, 1)

	agg := out.Aggregations[0]
	require.Equal(t, "filtered", agg.Type)
	require.NotNil(t, agg.Filter)
	assert.Equal(t, "selector", agg.Filter.Type)
	require.NotNil(t, agg.Aggregator)
	assert.Equal(t, Aggregation{Type: "count", Name: "en_count"}, *agg.Aggregator)
}

func TestArithmeticPostAggregation(t *testing.T) {
	ab := &aggregationBuilder{ex: wikiExternal(ModeTotal)}
	apply := Applied{
		Name: "avg_revenue",
		Expression: &expr.Divide{
			Operand:    &expr.Sum{Operand: dataRef(), Expression: ref("revenue", plywood.Number)},
			Expression: &expr.Count{Operand: dataRef()},
		},
	}
	out, err := ab.MakeAggregationsAndPostAggregations([]Applied{apply})
	require.NoError(t, err)

	// Intermediate aggregators carry the ignore prefix so the
	// post-transform drops them.
	require.Len(t, out.Aggregations, 2)
	assert.Equal(t, "!T_0", out.Aggregations[0].Name)
	assert.Equal(t, "doubleSum", out.Aggregations[0].Type)
	assert.Equal(t, "!T_1", out.Aggregations[1].Name)
	assert.Equal(t, "count", out.Aggregations[1].Type)

	require.Len(t, out.PostAggregations, 1)
	post := out.PostAggregations[0]
	assert.Equal(t, "avg_revenue", post.Name)
	assert.Equal(t, "arithmetic", post.Type)
	assert.Equal(t, "/", post.Fn)
	require.Len(t, post.Fields, 2)
	assert.Equal(t, "fieldAccess", post.Fields[0].Type)
	assert.Equal(t, "!T_0", post.Fields[0].FieldName)
	assert.Equal(t, "fieldAccess", post.Fields[1].Type)
	assert.Equal(t, "!T_1", post.Fields[1].FieldName)
}

func TestAverageNormalizes(t *testing.T) {
	ab := &aggregationBuilder{ex: wikiExternal(ModeTotal)}
	apply := Applied{
		Name:       "avg",
		Expression: &expr.Average{Operand: dataRef(), Expression: ref("revenue", plywood.Number)},
	}
	out, err := ab.MakeAggregationsAndPostAggregations([]Applied{apply})
	require.NoError(t, err)
	require.Len(t, out.Aggregations, 2)
	require.Len(t, out.PostAggregations, 1)
	assert.Equal(t, "/", out.PostAggregations[0].Fn)
}

func TestQuantileAggregation(t *testing.T) {
	ab := &aggregationBuilder{ex: wikiExternal(ModeTotal)}
	apply := Applied{
		Name:       "p95",
		Expression: &expr.Quantile{Operand: dataRef(), Expression: ref("revenue", plywood.Number), Value: 0.95},
	}
	out, err := ab.MakeAggregationsAndPostAggregations([]Applied{apply})
	require.NoError(t, err)
	require.Len(t, out.Aggregations, 1)
	assert.Equal(t, "quantilesDoublesSketch", out.Aggregations[0].Type)
	assert.Equal(t, "!H_p95", out.Aggregations[0].Name)

	require.Len(t, out.PostAggregations, 1)
	post := out.PostAggregations[0]
	assert.Equal(t, "quantilesDoublesSketchToQuantile", post.Type)
	assert.Equal(t, "p95", post.Name)
	assert.Equal(t, 0.95, post.Fraction)
	require.NotNil(t, post.Field)
	assert.Equal(t, "!H_p95", post.Field.FieldName)
}

func TestJavascriptAggregation(t *testing.T) {
	ab := &aggregationBuilder{ex: wikiExternal(ModeTotal)}
	apply := Applied{
		Name: "weighted",
		Expression: &expr.Sum{Operand: dataRef(), Expression: &expr.Multiply{
			Operand:    ref("revenue", plywood.Number),
			Expression: ref("commentLength", plywood.Number),
		}},
	}
	out, err := ab.MakeAggregationsAndPostAggregations([]Applied{apply})
	require.NoError(t, err)
	require.Len(t, out.Aggregations, 1)

	agg := out.Aggregations[0]
	assert.Equal(t, "javascript", agg.Type)
	assert.Equal(t, []string{"commentLength", "revenue"}, agg.FieldNames)
	assert.Contains(t, agg.FnAggregate, "return _c+")
	assert.Equal(t, "function(a,b){return a+b;}", agg.FnCombine)
	assert.Equal(t, "function(){return 0;}", agg.FnReset)
}

func TestCustomAggregation(t *testing.T) {
	ex := wikiExternal(ModeTotal)
	ex.CustomAggregations = map[string]CustomAggregation{
		"theta": {Aggregation: map[string]any{"type": "thetaSketch", "fieldName": "user_theta"}},
	}
	ab := &aggregationBuilder{ex: ex}
	apply := Applied{Name: "sketchy", Expression: &expr.CustomAggregate{Operand: dataRef(), Custom: "theta"}}
	out, err := ab.MakeAggregationsAndPostAggregations([]Applied{apply})
	require.NoError(t, err)
	require.Len(t, out.Aggregations, 1)
	assert.Equal(t, "sketchy", out.Aggregations[0].Name)
	assert.Equal(t, "thetaSketch", out.Aggregations[0].Raw["type"])

	_, err = ab.MakeAggregationsAndPostAggregations([]Applied{
		{Name: "missing", Expression: &expr.CustomAggregate{Operand: dataRef(), Custom: "nope"}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfiguration)
}
