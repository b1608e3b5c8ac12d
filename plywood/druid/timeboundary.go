package druid

import (
	"github.com/plesiecki/plywood/plywood/expr"
)

// timeBoundaryBound recognizes the specialization where every apply is a
// min or max of the bare time ref. The bound is "minTime" or "maxTime",
// or empty when both are requested.
func (e *External) timeBoundaryBound(applies []Applied) (string, bool) {
	if len(applies) == 0 {
		return "", false
	}
	sawMin, sawMax := false, false
	for _, a := range applies {
		switch v := e.resolveDerived(a.Expression).(type) {
		case *expr.Min:
			if !e.isTimeRef(v.Expression) {
				return "", false
			}
			if _, filtered := expr.AggregateOperand(v).(*expr.FilterOp); filtered {
				return "", false
			}
			sawMin = true
		case *expr.Max:
			if !e.isTimeRef(v.Expression) {
				return "", false
			}
			if _, filtered := expr.AggregateOperand(v).(*expr.FilterOp); filtered {
				return "", false
			}
			sawMax = true
		default:
			return "", false
		}
	}
	switch {
	case sawMin && sawMax:
		return "", true
	case sawMax:
		return "maxTime", true
	default:
		return "minTime", true
	}
}

// timeBoundaryQueryAndPostTransform emits the timeBoundary shape. Max
// responses prefer maxIngestedEventTime when the backend reports it.
func (e *External) timeBoundaryQueryAndPostTransform(applies []Applied, bound string, valueMode bool) (QueryAndPostTransform, error) {
	q := &Query{
		QueryType:  "timeBoundary",
		DataSource: TableDataSource(e.Source),
		Bound:      bound,
		Context:    e.queryContext(false),
	}

	var inflaters []Inflater
	for _, a := range applies {
		inf := TimeInflater(a.Name)
		if _, isMax := e.resolveDerived(a.Expression).(*expr.Max); isMax {
			inf.Sources = []string{"maxIngestedEventTime", "maxTime"}
		} else {
			inf.Sources = []string{"minTime"}
		}
		inflaters = append(inflaters, inf)
	}

	transform := &RowTransform{
		Inflaters:  inflaters,
		Attributes: applyNames(applies),
	}
	if valueMode {
		transform.ValueName = valueLabel
	}
	return QueryAndPostTransform{
		Query:         q,
		Context:       ResponseContext{IgnorePrefix: IgnorePrefix, DummyPrefix: DummyPrefix},
		PostTransform: transform,
	}, nil
}
