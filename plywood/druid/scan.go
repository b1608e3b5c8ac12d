package druid

import (
	"github.com/plesiecki/plywood/plywood"
)

// scanQueryAndPostTransform lowers a raw-mode pass into a scan query.
func (e *External) scanQueryAndPostTransform() (QueryAndPostTransform, error) {
	if !e.AllowSelectQueries {
		return QueryAndPostTransform{}, configErrorf("to issue raw queries allowSelectQueries must be set")
	}
	intervals, dimFilter, err := e.baseIntervalsAndFilter()
	if err != nil {
		return QueryAndPostTransform{}, err
	}

	selected := e.Select
	if len(selected) == 0 {
		for _, a := range e.RawAttributes {
			selected = append(selected, a.Name)
		}
	}

	var columns []string
	var virtualColumns []VirtualColumn
	var inflaters []Inflater
	lowerer := &expressionLowerer{timeAttribute: e.TimeAttribute}

	for _, name := range selected {
		attrType := plywood.Null
		if attr, ok := e.attributeInfo(name); ok {
			attrType = attr.Type
			if attr.NativeType == TimeColumn && name != TimeColumn {
				// A renamed time column must be materialized; the
				// reserved name cannot be projected under another label.
				vcName := "v:" + name
				virtualColumns = append(virtualColumns, VirtualColumn{
					Type: "expression", Name: vcName, Expression: TimeColumn, OutputType: "STRING",
				})
				columns = append(columns, vcName)
				inf := TimeInflater(name)
				inf.Sources = []string{vcName}
				inflaters = append(inflaters, inf)
				continue
			}
			columns = append(columns, name)
		} else if derivation, ok := e.DerivedAttributes[name]; ok {
			formula, err := lowerer.Lower(e.resolveDerived(derivation))
			if err != nil {
				return QueryAndPostTransform{}, err
			}
			attrType = derivation.Type()
			vcName := "v:" + name
			virtualColumns = append(virtualColumns, VirtualColumn{
				Type: "expression", Name: vcName, Expression: formula,
				OutputType: virtualColumnOutputType(attrType),
			})
			columns = append(columns, vcName)
			inf, has := scanInflater(attrType, name)
			if has {
				inf.Sources = []string{vcName}
				inflaters = append(inflaters, inf)
			}
			continue
		} else {
			return QueryAndPostTransform{}, configErrorf("unknown attribute %q in select", name)
		}

		if inf, has := scanInflater(attrType, name); has {
			inflaters = append(inflaters, inf)
		}
	}

	q := &Query{
		QueryType:    "scan",
		DataSource:   TableDataSource(e.Source),
		Intervals:    intervals,
		Filter:       dimFilter,
		ResultFormat: "compactedList",
		Columns:      columns,
		Limit:        e.Limit,
		Context:      e.queryContext(false),
	}
	q.VirtualColumns = virtualColumns

	if e.Sort != nil {
		if name, ok := e.Sort.RefName(); ok && name == e.TimeAttribute && containsString(selected, e.TimeAttribute) {
			// The backend sorts scans by the time column only.
			q.Order = e.Sort.Direction
			if !containsString(q.Columns, TimeColumn) {
				q.Columns = append(q.Columns, TimeColumn)
			}
		}
	}

	transform := &RowTransform{
		Inflaters:  inflaters,
		Attributes: selected,
	}
	return QueryAndPostTransform{
		Query:         q,
		Context:       ResponseContext{IgnorePrefix: IgnorePrefix, DummyPrefix: DummyPrefix},
		PostTransform: transform,
	}, nil
}

func scanInflater(t plywood.Type, name string) (Inflater, bool) {
	switch t {
	case plywood.Boolean:
		return BooleanInflater(name), true
	case plywood.Number:
		return NumberInflater(name), true
	case plywood.Time:
		return TimeInflater(name), true
	case plywood.SetString:
		return SetStringInflater(name), true
	}
	return Inflater{}, false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
