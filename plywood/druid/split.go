package druid

import (
	"strings"

	"github.com/plesiecki/plywood/plywood/expr"
	"github.com/plesiecki/plywood/plywood"
)

// DruidSplit is the lowered form of a split key set: the dimensions and
// supporting virtual columns, the per-label inflaters, and what is left
// of the having filter after push-down. Split lowering leaves
// TimestampLabel and Granularity unset; shape selection derives the
// granularity separately with splitKeyToGranularity.
type DruidSplit struct {
	TimestampLabel       string
	VirtualColumns       []VirtualColumn
	Granularity          *Granularity
	Dimensions           []DimensionSpec
	Inflaters            []Inflater
	LeftoverHavingFilter expr.Expression
}

// rewriteOutputName guards output names against the backend's reserved
// "__" prefix by dummy-prefixing them; the post-transform strips it.
func rewriteOutputName(name string) (string, bool) {
	if strings.HasPrefix(name, "__") {
		return DummyPrefix + name, true
	}
	return name, false
}

// splitKeyToGranularity derives a query granularity from a split key:
// the bare time ref ("none") or a time bucket/floor over it (period).
// Any other shape cannot ride the granularity.
func (e *External) splitKeyToGranularity(key expr.Expression) (*Granularity, bool) {
	key = e.resolveDerived(key)
	if e.isTimeRef(key) {
		return GranularityNone(), true
	}
	switch v := key.(type) {
	case *expr.TimeBucket:
		if e.isTimeRef(v.Operand) {
			return PeriodGranularity(v.Duration, timezoneOrUTC(v.Timezone)), true
		}
	case *expr.TimeFloor:
		if e.isTimeRef(v.Operand) {
			return PeriodGranularity(v.Duration, timezoneOrUTC(v.Timezone)), true
		}
	}
	return nil, false
}

// dimensionInflater picks the per-label inflater from the split key's
// type. STRING and NULL labels need no inflation; unsupported types fail.
func dimensionInflater(key expr.Expression, label string) (Inflater, bool, error) {
	if _, ok := key.(*expr.Cardinality); ok {
		return SetCardinalityInflater(label), true, nil
	}
	switch key.Type() {
	case plywood.Time, plywood.TimeRng:
		return TimeInflater(label), true, nil
	case plywood.Boolean:
		return BooleanInflater(label), true, nil
	case plywood.Number, plywood.NumberRng:
		return NumberInflater(label), true, nil
	case plywood.SetString:
		return SetStringInflater(label), true, nil
	case plywood.String, plywood.Null:
		return Inflater{}, false, nil
	}
	return Inflater{}, false, unsupportedf("cannot inflate split type %s for %q", key.Type(), label)
}

// splitKeyToDimension lowers one split key per the dimension ladder:
// extraction-only over time for ref-free keys, extraction function over
// the single column where one can be built, virtual-column fallback
// otherwise.
func (e *External) splitKeyToDimension(key expr.Expression, label string) (DimensionSpec, []VirtualColumn, error) {
	resolved := e.resolveDerived(key)
	refs := expr.FreeReferences(resolved)

	for _, name := range refs {
		if attr, ok := e.attributeInfo(name); ok && attr.Unsplitable {
			return DimensionSpec{}, nil, configErrorf("split %s references an un-splitable metric %q", expr.Format(key), name)
		}
	}

	outputName, _ := rewriteOutputName(label)
	efb := &extractionFnBuilder{timeAttribute: e.TimeAttribute, customTransforms: e.CustomTransforms}

	if len(refs) == 0 {
		fn, err := efb.Build(resolved)
		if err != nil {
			return DimensionSpec{}, nil, err
		}
		return DimensionSpec{Type: "extraction", Dimension: TimeColumn, OutputName: outputName, ExtractionFn: fn}, nil, nil
	}

	if len(refs) == 1 && !hasComplexFallback(resolved) && !containsThen(resolved) {
		if fn, err := efb.Build(resolved); err == nil {
			dim := e.dimensionName(refs[0])
			spec := DimensionSpec{Type: "default", Dimension: dim, OutputName: outputName,
				OutputType: e.dimensionOutputType(resolved, refs[0])}
			if fn != nil {
				spec.Type = "extraction"
				spec.ExtractionFn = fn
			}
			return spec, nil, nil
		}
	}

	lowerer := &expressionLowerer{timeAttribute: e.TimeAttribute}
	formula, err := lowerer.Lower(resolved)
	if err != nil {
		return DimensionSpec{}, nil, err
	}
	vcName := "v:" + outputName
	vc := VirtualColumn{Type: "expression", Name: vcName, Expression: formula,
		OutputType: virtualColumnOutputType(resolved.Type())}
	return DimensionSpec{Type: "default", Dimension: vcName, OutputName: outputName,
		OutputType: e.dimensionOutputType(resolved, "")}, []VirtualColumn{vc}, nil
}

// dimensionOutputType derives the dimension's declared output type from
// the key's scalar type: LONG when the underlying column is the time
// column and the key is that column itself or a number, DOUBLE for other
// numbers, otherwise the backend default (STRING).
func (e *External) dimensionOutputType(key expr.Expression, refName string) string {
	if refName != "" && e.dimensionName(refName) == TimeColumn {
		if e.isTimeRef(key) || key.Type() == plywood.Number {
			return "LONG"
		}
	}
	switch key.Type() {
	case plywood.Number:
		return "DOUBLE"
	}
	return ""
}

func virtualColumnOutputType(t plywood.Type) string {
	switch t {
	case plywood.Number, plywood.NumberRng:
		return "DOUBLE"
	case plywood.Time:
		return "LONG"
	default:
		return "STRING"
	}
}

// hasComplexFallback spots fallbacks whose operand is a chain over a
// chain over a ref; those cannot be expressed as extraction cascades.
func hasComplexFallback(e expr.Expression) bool {
	return expr.ContainsOp(e, func(n expr.Expression) bool {
		f, ok := n.(*expr.Fallback)
		if !ok {
			return false
		}
		inner := expr.Children(f.Operand)
		if len(inner) == 0 {
			return false
		}
		grand := expr.Children(inner[0])
		return len(grand) > 0
	})
}

func containsThen(e expr.Expression) bool {
	return expr.ContainsOp(e, func(n expr.Expression) bool {
		_, ok := n.(*expr.Then)
		return ok
	})
}

// splitToDruid lowers a whole split key set, pushing the having filter
// into SET/STRING dimensions where it directly constrains the label.
func (e *External) splitToDruid(split *SplitSpec, having expr.Expression) (*DruidSplit, error) {
	out := &DruidSplit{LeftoverHavingFilter: having}
	for _, key := range split.Keys {
		resolved := e.resolveDerived(key.Expression)
		spec, virtuals, err := e.splitKeyToDimension(key.Expression, key.Name)
		if err != nil {
			return nil, err
		}
		out.VirtualColumns = append(out.VirtualColumns, virtuals...)

		if resolved.Type() == plywood.SetString {
			direct, residue := splitHavingOnDimension(out.LeftoverHavingFilter, key.Name)
			for _, d := range direct {
				spec, err = pushHavingIntoDimension(spec, d)
				if err != nil {
					return nil, err
				}
			}
			out.LeftoverHavingFilter = residue
		}

		inflater, hasInflater, err := dimensionInflater(resolved, key.Name)
		if err != nil {
			return nil, err
		}
		if hasInflater {
			if spec.OutputName != key.Name {
				inflater.Sources = []string{spec.OutputName}
			}
			out.Inflaters = append(out.Inflaters, inflater)
		}
		out.Dimensions = append(out.Dimensions, spec)
	}
	return out, nil
}

// pushHavingIntoDimension wraps a dimension with the filtered variants
// the backend applies before grouping.
func pushHavingIntoDimension(spec DimensionSpec, constraint expr.Expression) (DimensionSpec, error) {
	delegate := spec
	switch v := constraint.(type) {
	case *expr.Match:
		return DimensionSpec{Type: "regexFiltered", Delegate: &delegate, Pattern: v.Regexp}, nil
	case *expr.Is:
		lit := v.Expression.(*expr.Literal)
		s, ok := lit.Value.(string)
		if !ok {
			return spec, unsupportedf("cannot push %s into a dimension", expr.Format(constraint))
		}
		return DimensionSpec{Type: "listFiltered", Delegate: &delegate, Values: []string{s}}, nil
	case *expr.In:
		set := v.Expression.(*expr.Literal).Value.(plywood.Set)
		return DimensionSpec{Type: "listFiltered", Delegate: &delegate, Values: set.Strings()}, nil
	}
	return spec, unsupportedf("cannot push %s into a dimension", expr.Format(constraint))
}
