package druid

import (
	"github.com/plesiecki/plywood/plywood/expr"
	"github.com/plesiecki/plywood/plywood"
)

// valueLabel names the single output column of a value-mode pass.
const valueLabel = "__VALUE__"

// defaultTopNThreshold caps topN results when no limit was given.
const defaultTopNThreshold = 1000

// GetQueryAndPostTransform plans the snapshot into a native query and the
// transform that reshapes its response rows. Planning is deterministic
// and touches no shared state.
func (e *External) GetQueryAndPostTransform() (QueryAndPostTransform, error) {
	switch e.Mode {
	case ModeRaw:
		return e.scanQueryAndPostTransform()
	case ModeValue:
		if e.ValueExpression == nil {
			return QueryAndPostTransform{}, configErrorf("value mode requires a value expression")
		}
		applies := []Applied{{Name: valueLabel, Expression: e.ValueExpression}}
		if bound, ok := e.timeBoundaryBound(applies); ok {
			return e.timeBoundaryQueryAndPostTransform(applies, bound, true)
		}
		return e.totalQueryAndPostTransform(applies, true)
	case ModeTotal:
		if containsResplit(e.Applies) {
			return e.nestedGroupByPlan()
		}
		if bound, ok := e.timeBoundaryBound(e.Applies); ok {
			return e.timeBoundaryQueryAndPostTransform(e.Applies, bound, false)
		}
		return e.totalQueryAndPostTransform(e.Applies, false)
	case ModeSplit:
		return e.splitQueryAndPostTransform()
	}
	return QueryAndPostTransform{}, configErrorf("unknown mode %q", e.Mode)
}

// baseIntervalsAndFilter lowers the row filter into query intervals and
// the residual dimension filter. A query with no time constraint needs
// AllowEternity.
func (e *External) baseIntervalsAndFilter() ([]string, *Filter, error) {
	fb := &filterBuilder{ex: e}
	intervals, dim, err := fb.Partition(e.resolveDerived(e.Filter))
	if err != nil {
		return nil, nil, err
	}
	if intervals == nil {
		if !e.AllowEternity {
			return nil, nil, configErrorf("must filter on time unless the query is allowed eternity")
		}
		intervals = []string{eternityStart + "/" + eternityEnd}
	}
	return intervals, dim, nil
}

// queryContext copies the user context, optionally injecting
// skipEmptyBuckets for dimensioned timeseries.
func (e *External) queryContext(skipEmptyBuckets bool) map[string]any {
	if len(e.Context) == 0 && !skipEmptyBuckets {
		return nil
	}
	ctx := make(map[string]any, len(e.Context)+1)
	for k, v := range e.Context {
		ctx[k] = v
	}
	if skipEmptyBuckets {
		if _, set := ctx["skipEmptyBuckets"]; !set {
			ctx["skipEmptyBuckets"] = "true"
		}
	}
	return ctx
}

// applyInflaters picks response inflaters for apply outputs from their
// expression types.
func applyInflaters(applies []Applied) []Inflater {
	var out []Inflater
	for _, a := range applies {
		switch a.Expression.Type() {
		case plywood.Time:
			out = append(out, TimeInflater(a.Name))
		case plywood.Number:
			out = append(out, NumberInflater(a.Name))
		}
	}
	return out
}

func applyNames(applies []Applied) []string {
	names := make([]string, len(applies))
	for i, a := range applies {
		names[i] = a.Name
	}
	return names
}

func trivialHaving(e expr.Expression) bool {
	return e == nil || expr.IsTrue(e)
}

// totalQueryAndPostTransform emits the zero-split aggregate query: a
// timeseries with granularity all, or a zero-dimension groupBy when the
// selection is restricted.
func (e *External) totalQueryAndPostTransform(applies []Applied, valueMode bool) (QueryAndPostTransform, error) {
	intervals, dimFilter, err := e.baseIntervalsAndFilter()
	if err != nil {
		return QueryAndPostTransform{}, err
	}
	ab := &aggregationBuilder{ex: e}
	aggs, err := ab.MakeAggregationsAndPostAggregations(applies)
	if err != nil {
		return QueryAndPostTransform{}, err
	}

	q := &Query{
		QueryType:    "timeseries",
		DataSource:   TableDataSource(e.Source),
		Intervals:    intervals,
		Granularity:  GranularityAll(),
		Filter:       dimFilter,
		Aggregations: aggs.Aggregations,
		PostAggs:     aggs.PostAggregations,
		Context:      e.queryContext(false),
	}
	if e.QuerySelection == QuerySelectionGroupByOnly {
		q.QueryType = "groupBy"
	}

	transform := &RowTransform{
		Inflaters:  applyInflaters(applies),
		Attributes: applyNames(applies),
	}
	if valueMode {
		transform.ValueName = valueLabel
	}
	return QueryAndPostTransform{
		Query:   q,
		Context: ResponseContext{IgnorePrefix: IgnorePrefix, DummyPrefix: DummyPrefix},
		PostTransform: transform,
	}, nil
}

// splitQueryAndPostTransform picks the shape for a split-mode pass:
// timeseries when the split can ride a granularity, topN when a single
// bounded split is sorted compatibly, groupBy otherwise.
func (e *External) splitQueryAndPostTransform() (QueryAndPostTransform, error) {
	if containsResplit(e.Applies) {
		return e.nestedGroupByPlan()
	}
	if e.Split == nil || len(e.Split.Keys) == 0 {
		return QueryAndPostTransform{}, configErrorf("split mode requires at least one split key")
	}

	ds, err := e.splitToDruid(e.Split, e.HavingFilter)
	if err != nil {
		return QueryAndPostTransform{}, err
	}
	intervals, dimFilter, err := e.baseIntervalsAndFilter()
	if err != nil {
		return QueryAndPostTransform{}, err
	}
	ab := &aggregationBuilder{ex: e}
	aggs, err := ab.MakeAggregationsAndPostAggregations(e.Applies)
	if err != nil {
		return QueryAndPostTransform{}, err
	}

	if key, single := e.Split.SingleKey(); single && e.QuerySelection != QuerySelectionGroupByOnly {
		if gran, ok := e.splitKeyToGranularity(key.Expression); ok &&
			e.isTimestampCompatibleSort(key.Name) && e.Limit == 0 && trivialHaving(ds.LeftoverHavingFilter) {
			return e.timeseriesSplit(key, gran, intervals, dimFilter, aggs)
		}
		if !e.ExactResultsOnly && e.topNCompatibleSort(key) && trivialHaving(ds.LeftoverHavingFilter) &&
			(e.Limit > 0 || e.boundedBucketCount(key)) {
			return e.topNSplit(key, ds, intervals, dimFilter, aggs)
		}
	}
	return e.groupBySplit(ds, intervals, dimFilter, aggs)
}

// isTimestampCompatibleSort allows no sort at all, or a sort keyed on
// the split's timestamp label.
func (e *External) isTimestampCompatibleSort(timestampLabel string) bool {
	if e.Sort == nil {
		return true
	}
	name, ok := e.Sort.RefName()
	return ok && name == timestampLabel
}

// topNCompatibleSort allows sorts on the split label or on an apply
// whose expression never filters on the time column.
func (e *External) topNCompatibleSort(key expr.SplitKey) bool {
	if e.Sort == nil {
		return true
	}
	name, ok := e.Sort.RefName()
	if !ok {
		return false
	}
	if name == key.Name {
		return true
	}
	for _, a := range e.Applies {
		if a.Name != name {
			continue
		}
		return !expr.ContainsOp(a.Expression, func(n expr.Expression) bool {
			f, ok := n.(*expr.FilterOp)
			if !ok {
				return false
			}
			for _, ref := range expr.FreeReferences(f.Expression) {
				if ref == e.TimeAttribute {
					return true
				}
			}
			return false
		})
	}
	return false
}

// boundedBucketCount reports whether the split key's column is known to
// stay within the default topN threshold.
func (e *External) boundedBucketCount(key expr.SplitKey) bool {
	ref, ok := e.resolveDerived(key.Expression).(*expr.Ref)
	if !ok {
		return false
	}
	attr, ok := e.attributeInfo(ref.Name)
	return ok && attr.Cardinality > 0 && attr.Cardinality <= defaultTopNThreshold
}

func (e *External) timeseriesSplit(key expr.SplitKey, gran *Granularity, intervals []string, dimFilter *Filter, aggs AggregationsAndPostAggregations) (QueryAndPostTransform, error) {
	q := &Query{
		QueryType:    "timeseries",
		DataSource:   TableDataSource(e.Source),
		Intervals:    intervals,
		Granularity:  gran,
		Filter:       dimFilter,
		Aggregations: aggs.Aggregations,
		PostAggs:     aggs.PostAggregations,
		Descending:   e.Sort != nil && e.Sort.Direction == Descending,
		Context:      e.queryContext(true),
	}
	transform := &RowTransform{
		TimestampLabel: key.Name,
		Inflaters:      applyInflaters(e.Applies),
		Attributes:     append([]string{key.Name}, applyNames(e.Applies)...),
	}
	return QueryAndPostTransform{
		Query:         q,
		Context:       ResponseContext{Timestamp: key.Name, IgnorePrefix: IgnorePrefix, DummyPrefix: DummyPrefix},
		PostTransform: transform,
	}, nil
}

func (e *External) topNSplit(key expr.SplitKey, ds *DruidSplit, intervals []string, dimFilter *Filter, aggs AggregationsAndPostAggregations) (QueryAndPostTransform, error) {
	threshold := e.Limit
	if threshold == 0 {
		threshold = defaultTopNThreshold
	}
	metric := e.topNMetric(key)
	q := &Query{
		QueryType:      "topN",
		DataSource:     TableDataSource(e.Source),
		Intervals:      intervals,
		Granularity:    GranularityAll(),
		Filter:         dimFilter,
		VirtualColumns: ds.VirtualColumns,
		Dimension:      &ds.Dimensions[0],
		Aggregations:   aggs.Aggregations,
		PostAggs:       aggs.PostAggregations,
		Metric:         metric,
		Threshold:      threshold,
		Context:        e.queryContext(false),
	}
	transform := &RowTransform{
		Inflaters:  append(append([]Inflater{}, ds.Inflaters...), applyInflaters(e.Applies)...),
		Attributes: append([]string{key.Name}, applyNames(e.Applies)...),
	}
	return QueryAndPostTransform{
		Query:         q,
		Context:       ResponseContext{IgnorePrefix: IgnorePrefix, DummyPrefix: DummyPrefix},
		PostTransform: transform,
	}, nil
}

// topNMetric resolves the ordering metric: a dimension ordering when
// sorting on the label, the aggregate name otherwise, inverted whenever
// the requested direction contradicts the metric's natural one.
func (e *External) topNMetric(key expr.SplitKey) *TopNMetric {
	sortName := key.Name
	direction := Ascending
	if e.Sort != nil {
		if n, ok := e.Sort.RefName(); ok {
			sortName = n
		}
		direction = e.Sort.Direction
	}
	if sortName == key.Name {
		ordering := "lexicographic"
		if isNumericKey(e.resolveDerived(key.Expression)) {
			ordering = "numeric"
		}
		metric := &TopNMetric{Type: "dimension", Ordering: ordering}
		if direction == Descending {
			return metric.Inverted()
		}
		return metric
	}
	metric := &TopNMetric{Metric: sortName}
	if direction == Ascending {
		return metric.Inverted()
	}
	return metric
}

func isNumericKey(key expr.Expression) bool {
	switch key.Type() {
	case plywood.Number, plywood.NumberRng:
		return true
	}
	return false
}

func (e *External) groupBySplit(ds *DruidSplit, intervals []string, dimFilter *Filter, aggs AggregationsAndPostAggregations) (QueryAndPostTransform, error) {
	q := &Query{
		QueryType:      "groupBy",
		DataSource:     TableDataSource(e.Source),
		Intervals:      intervals,
		Granularity:    GranularityAll(),
		Filter:         dimFilter,
		VirtualColumns: ds.VirtualColumns,
		Dimensions:     ds.Dimensions,
		Aggregations:   aggs.Aggregations,
		PostAggs:       aggs.PostAggregations,
		Context:        e.queryContext(false),
	}

	if e.Sort != nil || e.Limit > 0 {
		spec := &LimitSpec{Type: "default", Limit: e.Limit, Columns: []OrderByColumnSpec{}}
		if e.Sort != nil {
			if name, ok := e.Sort.RefName(); ok {
				col := OrderByColumnSpec{Dimension: name, Direction: e.Sort.Direction}
				for _, key := range e.Split.Keys {
					if key.Name != name {
						continue
					}
					col.Dimension, _ = rewriteOutputName(name)
					if isNumericKey(e.resolveDerived(key.Expression)) {
						col.DimensionOrder = "numeric"
					}
				}
				spec.Columns = append(spec.Columns, col)
			}
		}
		q.LimitSpec = spec
	}

	if !trivialHaving(ds.LeftoverHavingFilter) {
		hb := &havingFilterBuilder{ex: e}
		having, err := hb.Build(ds.LeftoverHavingFilter)
		if err != nil {
			return QueryAndPostTransform{}, err
		}
		if having != nil {
			q.Having = &HavingSpec{Type: "filter", Filter: having}
		}
	}

	var names []string
	for _, key := range e.Split.Keys {
		names = append(names, key.Name)
	}
	transform := &RowTransform{
		Inflaters:  append(append([]Inflater{}, ds.Inflaters...), applyInflaters(e.Applies)...),
		Attributes: append(names, applyNames(e.Applies)...),
	}
	return QueryAndPostTransform{
		Query:         q,
		Context:       ResponseContext{IgnorePrefix: IgnorePrefix, DummyPrefix: DummyPrefix},
		PostTransform: transform,
	}, nil
}
