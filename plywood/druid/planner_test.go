package druid

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plesiecki/plywood/plywood"
	"github.com/plesiecki/plywood/plywood/expr"
)

func TestTimeBoundaryTotal(t *testing.T) {
	ex := wikiExternal(ModeTotal)
	ex.Filter = nil
	ex.AllowEternity = true
	ex.Applies = []Applied{
		{Name: "max", Expression: &expr.Max{Operand: dataRef(), Expression: timeRef()}},
	}

	result, err := ex.GetQueryAndPostTransform()
	require.NoError(t, err)
	require.Equal(t, "timeBoundary", result.Query.QueryType)
	assert.Equal(t, "maxTime", result.Query.Bound)

	rows := &SliceRowIterator{Rows: []map[string]any{{"maxTime": "2020-01-02T00:00:00Z"}}}
	records := result.PostTransform.Transform(rows)
	require.True(t, records.Next())
	record := records.Record()
	require.Equal(t, "datum", record.Kind)
	assert.Equal(t, time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC), record.Datum["max"])
	require.False(t, records.Next())
}

func TestTimeBoundaryPrefersIngestedEventTime(t *testing.T) {
	ex := wikiExternal(ModeTotal)
	ex.Applies = []Applied{
		{Name: "max", Expression: &expr.Max{Operand: dataRef(), Expression: timeRef()}},
	}
	result, err := ex.GetQueryAndPostTransform()
	require.NoError(t, err)

	rows := &SliceRowIterator{Rows: []map[string]any{{
		"maxTime":              "2020-01-02T00:00:00Z",
		"maxIngestedEventTime": "2020-01-02T00:00:01Z",
	}}}
	records := result.PostTransform.Transform(rows)
	require.True(t, records.Next())
	assert.Equal(t, time.Date(2020, 1, 2, 0, 0, 1, 0, time.UTC), records.Record().Datum["max"])
}

func TestTimeseriesSplit(t *testing.T) {
	ex := wikiExternal(ModeSplit)
	ex.Split = &SplitSpec{Keys: []expr.SplitKey{{
		Name:       "day",
		Expression: &expr.TimeBucket{Operand: timeRef(), Duration: "P1D", Timezone: "UTC"},
	}}}
	ex.Applies = []Applied{
		{Name: "count", Expression: &expr.Count{Operand: dataRef()}},
	}
	ex.Sort = &SortSpec{Expression: ref("day", plywood.Time), Direction: Ascending}

	result, err := ex.GetQueryAndPostTransform()
	require.NoError(t, err)
	require.Equal(t, "timeseries", result.Query.QueryType)
	require.NotNil(t, result.Query.Granularity)
	assert.Equal(t, "P1D", result.Query.Granularity.Period)
	assert.Equal(t, "UTC", result.Query.Granularity.TimeZone)
	assert.Equal(t, "true", result.Query.Context["skipEmptyBuckets"])
	assert.Equal(t, "day", result.Context.Timestamp)
	assert.False(t, result.Query.Descending)
	assert.Equal(t, []string{"2020-01-01T00:00:00Z/2020-02-01T00:00:00Z"}, result.Query.Intervals)
	assert.Nil(t, result.Query.Filter)
}

func TestTimeseriesSplitRespectsCallerContext(t *testing.T) {
	ex := wikiExternal(ModeSplit)
	ex.Context = map[string]any{"skipEmptyBuckets": "false", "priority": 1}
	ex.Split = &SplitSpec{Keys: []expr.SplitKey{{
		Name:       "day",
		Expression: &expr.TimeBucket{Operand: timeRef(), Duration: "P1D"},
	}}}
	ex.Applies = []Applied{{Name: "count", Expression: &expr.Count{Operand: dataRef()}}}

	result, err := ex.GetQueryAndPostTransform()
	require.NoError(t, err)
	assert.Equal(t, "false", result.Query.Context["skipEmptyBuckets"])
	assert.Equal(t, 1, result.Query.Context["priority"])
}

func TestTopNSplit(t *testing.T) {
	ex := wikiExternal(ModeSplit)
	ex.Split = &SplitSpec{Keys: []expr.SplitKey{{
		Name:       "country",
		Expression: ref("country", plywood.String),
	}}}
	ex.Applies = []Applied{
		{Name: "revenue", Expression: &expr.Sum{Operand: dataRef(), Expression: ref("revenue", plywood.Number)}},
	}
	ex.Sort = &SortSpec{Expression: ref("revenue", plywood.Number), Direction: Descending}
	ex.Limit = 50

	result, err := ex.GetQueryAndPostTransform()
	require.NoError(t, err)
	require.Equal(t, "topN", result.Query.QueryType)
	require.NotNil(t, result.Query.Dimension)
	assert.Equal(t, DimensionSpec{Type: "default", Dimension: "country", OutputName: "country"}, *result.Query.Dimension)
	assert.Equal(t, 50, result.Query.Threshold)
	require.NotNil(t, result.Query.Metric)
	assert.Equal(t, "revenue", result.Query.Metric.Metric)
	assert.Equal(t, "", result.Query.Metric.Type)
	require.Len(t, result.Query.Aggregations, 1)
	assert.Equal(t, "doubleSum", result.Query.Aggregations[0].Type)
}

func TestTopNDefaultsThreshold(t *testing.T) {
	ex := wikiExternal(ModeSplit)
	ex.Split = &SplitSpec{Keys: []expr.SplitKey{{Name: "country", Expression: ref("country", plywood.String)}}}
	ex.Applies = []Applied{{Name: "count", Expression: &expr.Count{Operand: dataRef()}}}
	ex.Sort = &SortSpec{Expression: ref("count", plywood.Number), Direction: Descending}

	result, err := ex.GetQueryAndPostTransform()
	require.NoError(t, err)
	require.Equal(t, "topN", result.Query.QueryType)
	assert.Equal(t, defaultTopNThreshold, result.Query.Threshold)
}

func TestTopNInvertsAscendingMetricSort(t *testing.T) {
	ex := wikiExternal(ModeSplit)
	ex.Split = &SplitSpec{Keys: []expr.SplitKey{{Name: "country", Expression: ref("country", plywood.String)}}}
	ex.Applies = []Applied{{Name: "count", Expression: &expr.Count{Operand: dataRef()}}}
	ex.Sort = &SortSpec{Expression: ref("count", plywood.Number), Direction: Ascending}
	ex.Limit = 5

	result, err := ex.GetQueryAndPostTransform()
	require.NoError(t, err)
	require.Equal(t, "topN", result.Query.QueryType)
	require.Equal(t, "inverted", result.Query.Metric.Type)
	assert.Equal(t, "count", result.Query.Metric.Inner.Metric)
}

func TestGroupByWithPushedHaving(t *testing.T) {
	ex := wikiExternal(ModeSplit)
	ex.Split = &SplitSpec{Keys: []expr.SplitKey{{
		Name:       "tags",
		Expression: ref("tags", plywood.SetString),
	}}}
	ex.Applies = []Applied{
		{Name: "count", Expression: &expr.Count{Operand: dataRef()}},
	}
	ex.HavingFilter = &expr.And{
		Operand:    &expr.In{Operand: ref("tags", plywood.SetString), Expression: stringSet("a", "b")},
		Expression: &expr.Greater{Operand: ref("count", plywood.Number), Expression: num(10)},
	}

	result, err := ex.GetQueryAndPostTransform()
	require.NoError(t, err)
	require.Equal(t, "groupBy", result.Query.QueryType)
	require.Len(t, result.Query.Dimensions, 1)

	dim := result.Query.Dimensions[0]
	require.Equal(t, "listFiltered", dim.Type)
	assert.Equal(t, []string{"a", "b"}, dim.Values)
	require.NotNil(t, dim.Delegate)
	assert.Equal(t, "tags", dim.Delegate.Dimension)

	require.NotNil(t, result.Query.Having)
	having := result.Query.Having.Filter
	require.NotNil(t, having)
	assert.Equal(t, "bound", having.Type)
	assert.Equal(t, "count", having.Dimension)
	assert.Equal(t, "10", having.Lower)
	assert.True(t, having.LowerStrict)
}

func TestNestedGroupByResplit(t *testing.T) {
	innerSplit := &expr.Split{
		Operand:  dataRef(),
		Keys:     []expr.SplitKey{{Name: "city", Expression: ref("city", plywood.String)}},
		DataName: "data",
	}
	resplit := &expr.Max{
		Operand: &expr.Apply{
			Operand:    innerSplit,
			Name:       "x",
			Expression: &expr.Count{Operand: dataRef()},
		},
		Expression: ref("x", plywood.Number),
	}

	ex := wikiExternal(ModeSplit)
	ex.RawAttributes = append(ex.RawAttributes, AttributeInfo{Name: "city", Type: plywood.String, NativeType: "STRING"})
	ex.Split = &SplitSpec{Keys: []expr.SplitKey{{Name: "country", Expression: ref("country", plywood.String)}}}
	ex.Applies = []Applied{{Name: "max", Expression: resplit}}

	result, err := ex.GetQueryAndPostTransform()
	require.NoError(t, err)

	outer := result.Query
	require.Equal(t, "groupBy", outer.QueryType)
	require.NotNil(t, outer.DataSource)
	require.NotNil(t, outer.DataSource.Query, "outer dataSource must nest the inner query")

	inner := outer.DataSource.Query
	require.Equal(t, "groupBy", inner.QueryType)
	assert.Nil(t, inner.LimitSpec)
	assert.Nil(t, inner.Having)
	require.Len(t, inner.Dimensions, 2)
	assert.Equal(t, "country", inner.Dimensions[0].OutputName)
	assert.Equal(t, "city", inner.Dimensions[1].OutputName)
	require.Len(t, inner.Aggregations, 1)
	assert.Equal(t, Aggregation{Type: "count", Name: "x_0"}, inner.Aggregations[0])

	require.Len(t, outer.Aggregations, 1)
	assert.Equal(t, Aggregation{Type: "longMax", Name: "max", FieldName: "x_0"}, outer.Aggregations[0])

	// The outer query runs over the full intermediate extent.
	assert.Equal(t, []string{eternityStart + "/" + eternityEnd}, outer.Intervals)
	assert.Nil(t, outer.Filter)
}

func TestNestedGroupByResplitWithFilter(t *testing.T) {
	filtered := &expr.FilterOp{
		Operand:    dataRef(),
		Expression: &expr.Is{Operand: ref("channel", plywood.String), Expression: str("en")},
	}
	innerSplit := &expr.Split{
		Operand:  filtered,
		Keys:     []expr.SplitKey{{Name: "city", Expression: ref("city", plywood.String)}},
		DataName: "data",
	}
	resplit := &expr.Max{
		Operand: &expr.Apply{
			Operand:    innerSplit,
			Name:       "x",
			Expression: &expr.Count{Operand: dataRef()},
		},
		Expression: ref("x", plywood.Number),
	}

	ex := wikiExternal(ModeSplit)
	ex.RawAttributes = append(ex.RawAttributes, AttributeInfo{Name: "city", Type: plywood.String, NativeType: "STRING"})
	ex.Split = &SplitSpec{Keys: []expr.SplitKey{{Name: "country", Expression: ref("country", plywood.String)}}}
	ex.Applies = []Applied{{Name: "max", Expression: resplit}}

	result, err := ex.GetQueryAndPostTransform()
	require.NoError(t, err)

	inner := result.Query.DataSource.Query
	require.Len(t, inner.Aggregations, 2)
	assert.Equal(t, "filtered", inner.Aggregations[0].Type)
	assert.Equal(t, "x_0", inner.Aggregations[0].Aggregator.Name)
	assert.Equal(t, "filtered", inner.Aggregations[1].Type)
	assert.Equal(t, "x_0_def", inner.Aggregations[1].Aggregator.Name)

	// The outer aggregate is guarded against empty inner buckets.
	require.Len(t, result.Query.Aggregations, 1)
	guarded := result.Query.Aggregations[0]
	require.Equal(t, "filtered", guarded.Type)
	require.NotNil(t, guarded.Filter)
	assert.Equal(t, "bound", guarded.Filter.Type)
	assert.Equal(t, "x_0_def", guarded.Filter.Dimension)
	assert.Equal(t, "longMax", guarded.Aggregator.Type)
}

func TestResplitRejectsMismatchedInnerSplits(t *testing.T) {
	mkResplit := func(city string) expr.Expression {
		return &expr.Max{
			Operand: &expr.Apply{
				Operand: &expr.Split{
					Operand:  dataRef(),
					Keys:     []expr.SplitKey{{Name: "k", Expression: ref(city, plywood.String)}},
					DataName: "data",
				},
				Name:       "x",
				Expression: &expr.Count{Operand: dataRef()},
			},
			Expression: ref("x", plywood.Number),
		}
	}

	ex := wikiExternal(ModeSplit)
	ex.Split = &SplitSpec{Keys: []expr.SplitKey{{Name: "country", Expression: ref("country", plywood.String)}}}
	ex.Applies = []Applied{
		{Name: "a", Expression: mkResplit("channel")},
		{Name: "b", Expression: mkResplit("country")},
	}

	_, err := ex.GetQueryAndPostTransform()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.Contains(t, err.Error(), "same split")
}

func TestScanWithTimeOrdering(t *testing.T) {
	ex := &External{
		Mode:               ModeRaw,
		Source:             "wikipedia",
		TimeAttribute:      TimeColumn,
		AllowSelectQueries: true,
		RawAttributes: Attributes{
			{Name: TimeColumn, Type: plywood.Time, NativeType: TimeColumn},
			{Name: "channel", Type: plywood.String, NativeType: "STRING"},
		},
		Filter: &expr.Overlap{
			Operand: ref(TimeColumn, plywood.Time),
			Expression: &expr.Literal{
				Value: plywood.TimeRange{
					Start: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
					End:   time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC),
				},
				LitType: plywood.TimeRng,
			},
		},
		Select: []string{TimeColumn, "channel"},
		Sort:   &SortSpec{Expression: ref(TimeColumn, plywood.Time), Direction: Ascending},
	}

	result, err := ex.GetQueryAndPostTransform()
	require.NoError(t, err)
	require.Equal(t, "scan", result.Query.QueryType)
	assert.Equal(t, "compactedList", result.Query.ResultFormat)
	assert.Equal(t, "ascending", result.Query.Order)
	assert.Contains(t, result.Query.Columns, TimeColumn)
	assert.Contains(t, result.Query.Columns, "channel")
}

func TestScanRequiresAllowSelectQueries(t *testing.T) {
	ex := wikiExternal(ModeRaw)
	ex.Select = []string{"channel"}
	_, err := ex.GetQueryAndPostTransform()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestGroupByOnlyCollapsesShapes(t *testing.T) {
	ex := wikiExternal(ModeSplit)
	ex.QuerySelection = QuerySelectionGroupByOnly
	ex.Split = &SplitSpec{Keys: []expr.SplitKey{{
		Name:       "day",
		Expression: &expr.TimeBucket{Operand: timeRef(), Duration: "P1D"},
	}}}
	ex.Applies = []Applied{{Name: "count", Expression: &expr.Count{Operand: dataRef()}}}

	result, err := ex.GetQueryAndPostTransform()
	require.NoError(t, err)
	assert.Equal(t, "groupBy", result.Query.QueryType)

	total := wikiExternal(ModeTotal)
	total.QuerySelection = QuerySelectionGroupByOnly
	total.Applies = []Applied{{Name: "count", Expression: &expr.Count{Operand: dataRef()}}}
	totalResult, err := total.GetQueryAndPostTransform()
	require.NoError(t, err)
	assert.Equal(t, "groupBy", totalResult.Query.QueryType)
	assert.Empty(t, totalResult.Query.Dimensions)
}

func TestMultiSplitPlansGroupBy(t *testing.T) {
	ex := wikiExternal(ModeSplit)
	ex.Split = &SplitSpec{Keys: []expr.SplitKey{
		{Name: "country", Expression: ref("country", plywood.String)},
		{Name: "channel", Expression: ref("channel", plywood.String)},
	}}
	ex.Applies = []Applied{{Name: "count", Expression: &expr.Count{Operand: dataRef()}}}

	result, err := ex.GetQueryAndPostTransform()
	require.NoError(t, err)
	assert.Equal(t, "groupBy", result.Query.QueryType)
	require.Len(t, result.Query.Dimensions, 2)
}

func TestSplitOnUnsplitableMetricFails(t *testing.T) {
	ex := wikiExternal(ModeSplit)
	ex.Split = &SplitSpec{Keys: []expr.SplitKey{{Name: "u", Expression: ref("unique_users", plywood.Null)}}}
	ex.Applies = []Applied{{Name: "count", Expression: &expr.Count{Operand: dataRef()}}}

	_, err := ex.GetQueryAndPostTransform()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "un-splitable")
}

func TestReservedOutputNameIsRewritten(t *testing.T) {
	ex := wikiExternal(ModeSplit)
	ex.ExactResultsOnly = true // keep the plan on groupBy
	ex.Split = &SplitSpec{Keys: []expr.SplitKey{{Name: "__country", Expression: ref("country", plywood.String)}}}
	ex.Applies = []Applied{{Name: "count", Expression: &expr.Count{Operand: dataRef()}}}

	result, err := ex.GetQueryAndPostTransform()
	require.NoError(t, err)
	require.Len(t, result.Query.Dimensions, 1)
	assert.Equal(t, DummyPrefix+"__country", result.Query.Dimensions[0].OutputName)

	// The post-transform restores the requested name.
	rows := &SliceRowIterator{Rows: []map[string]any{{DummyPrefix + "__country": "it", "count": float64(3)}}}
	records := result.PostTransform.Transform(rows)
	require.True(t, records.Next())
	datum := records.Record().Datum
	assert.Equal(t, "it", datum["__country"])
	assert.Equal(t, float64(3), datum["count"])
}

func TestPlanningIsDeterministic(t *testing.T) {
	build := func() *External {
		ex := wikiExternal(ModeSplit)
		ex.Split = &SplitSpec{Keys: []expr.SplitKey{{Name: "country", Expression: ref("country", plywood.String)}}}
		ex.Applies = []Applied{
			{Name: "count", Expression: &expr.Count{Operand: dataRef()}},
			{Name: "revenue", Expression: &expr.Sum{Operand: dataRef(), Expression: ref("revenue", plywood.Number)}},
		}
		ex.Sort = &SortSpec{Expression: ref("revenue", plywood.Number), Direction: Descending}
		ex.Limit = 10
		return ex
	}
	first, err := build().GetQueryAndPostTransform()
	require.NoError(t, err)
	second, err := build().GetQueryAndPostTransform()
	require.NoError(t, err)
	assert.Equal(t, first.Query, second.Query)
}

func TestValueModePlansValueRecord(t *testing.T) {
	ex := wikiExternal(ModeValue)
	ex.ValueExpression = &expr.Count{Operand: dataRef()}

	result, err := ex.GetQueryAndPostTransform()
	require.NoError(t, err)
	require.Equal(t, "timeseries", result.Query.QueryType)
	assert.Equal(t, "all", result.Query.Granularity.Simple)
	require.Len(t, result.Query.Aggregations, 1)

	rows := &SliceRowIterator{Rows: []map[string]any{{valueLabel: float64(42)}}}
	records := result.PostTransform.Transform(rows)
	require.True(t, records.Next())
	record := records.Record()
	assert.Equal(t, "value", record.Kind)
	assert.Equal(t, float64(42), record.Value)
}
