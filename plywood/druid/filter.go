package druid

import (
	"time"

	"github.com/plesiecki/plywood/plywood/expr"
	"github.com/plesiecki/plywood/plywood"
)

// The backend's representable time extent, used when a side of a time
// constraint is unbounded.
const (
	eternityStart = "-146136543-09-08T08:23:32.096Z"
	eternityEnd   = "146140482-04-24T15:36:27.903Z"
)

// filterBuilder partitions a row filter into a time-interval set on the
// time column and a residual dimension filter.
type filterBuilder struct {
	ex *External
}

// CanHandle reports whether the filter is expressible at all; cardinality
// references inside a filter are not.
func (fb *filterBuilder) CanHandle(e expr.Expression) bool {
	if e == nil {
		return true
	}
	return !expr.ContainsOp(e, func(n expr.Expression) bool {
		_, ok := n.(*expr.Cardinality)
		return ok
	})
}

// Partition splits e into intervals and a residual dimension filter.
// A nil interval slice means the filter does not constrain time.
func (fb *filterBuilder) Partition(e expr.Expression) ([]string, *Filter, error) {
	if !fb.CanHandle(e) {
		return nil, nil, unsupportedf("cardinality inside a filter: %s", expr.Format(e))
	}
	if e == nil || expr.IsTrue(e) {
		return nil, nil, nil
	}
	ranges, residual, err := fb.extract(e)
	if err != nil {
		return nil, nil, err
	}
	var intervals []string
	if ranges != nil {
		if len(ranges.ranges) == 0 {
			// Contradictory time constraints select nothing.
			intervals = []string{}
		}
		for _, r := range ranges.ranges {
			intervals = append(intervals, renderInterval(r))
		}
	}
	var dim *Filter
	if residual != nil && !expr.IsTrue(residual) {
		dim, err = fb.makeFilter(residual)
		if err != nil {
			return nil, nil, err
		}
	}
	return intervals, dim, nil
}

// rangeUnion is a union of time ranges; a nil *rangeUnion means time is
// unconstrained.
type rangeUnion struct {
	ranges []plywood.TimeRange
}

// extract pulls interval-pattern constraints out of e, returning the time
// union (nil when unconstrained) and the residual expression.
func (fb *filterBuilder) extract(e expr.Expression) (*rangeUnion, expr.Expression, error) {
	if u, ok, err := fb.intervalPattern(e); err != nil {
		return nil, nil, err
	} else if ok {
		return u, nil, nil
	}
	switch v := e.(type) {
	case *expr.And:
		lu, lr, err := fb.extract(v.Operand)
		if err != nil {
			return nil, nil, err
		}
		ru, rr, err := fb.extract(v.Expression)
		if err != nil {
			return nil, nil, err
		}
		return intersectUnions(lu, ru), conjoin(lr, rr), nil
	case *expr.Or:
		lu, lr, _ := fb.extract(v.Operand)
		ru, rr, _ := fb.extract(v.Expression)
		if lu == nil && ru == nil {
			return nil, e, nil
		}
		if lr != nil || rr != nil || lu == nil || ru == nil {
			return nil, nil, unsupportedf("cannot union a time filter with a dimension filter: %s", expr.Format(e))
		}
		return &rangeUnion{ranges: append(append([]plywood.TimeRange{}, lu.ranges...), ru.ranges...)}, nil, nil
	case *expr.Not:
		if u, ok, _ := fb.intervalPattern(v.Operand); u != nil || ok {
			return nil, nil, unsupportedf("cannot negate a time filter: %s", expr.Format(e))
		}
		return nil, e, nil
	}
	return nil, e, nil
}

// intervalPattern recognizes direct time constraints over the bare time
// ref: overlap/in with time ranges, equality with an instant, and open
// comparisons.
func (fb *filterBuilder) intervalPattern(e expr.Expression) (*rangeUnion, bool, error) {
	operandIsTime := func(x expr.Expression) bool { return fb.ex.isTimeRef(x) }
	switch v := e.(type) {
	case *expr.Overlap:
		if !operandIsTime(v.Operand) {
			return nil, false, nil
		}
		return timeRangesFromLiteral(v.Expression)
	case *expr.In:
		if !operandIsTime(v.Operand) {
			return nil, false, nil
		}
		return timeRangesFromLiteral(v.Expression)
	case *expr.Is:
		if !operandIsTime(v.Operand) {
			return nil, false, nil
		}
		lit, ok := v.Expression.(*expr.Literal)
		if !ok {
			return nil, false, nil
		}
		t, ok := lit.Value.(time.Time)
		if !ok {
			return nil, false, nil
		}
		return &rangeUnion{ranges: []plywood.TimeRange{{Start: t, End: t.Add(time.Millisecond)}}}, true, nil
	case *expr.Greater:
		return fb.openRange(v.Operand, v.Expression, false, true)
	case *expr.GreaterOrEqual:
		return fb.openRange(v.Operand, v.Expression, false, false)
	case *expr.Less:
		return fb.openRange(v.Operand, v.Expression, true, false)
	case *expr.LessOrEqual:
		return fb.openRange(v.Operand, v.Expression, true, true)
	}
	return nil, false, nil
}

func (fb *filterBuilder) openRange(operand, bound expr.Expression, upper, strictFlip bool) (*rangeUnion, bool, error) {
	if !fb.ex.isTimeRef(operand) {
		return nil, false, nil
	}
	lit, ok := bound.(*expr.Literal)
	if !ok {
		return nil, false, nil
	}
	t, ok := lit.Value.(time.Time)
	if !ok {
		return nil, false, nil
	}
	var r plywood.TimeRange
	if upper {
		// $time < t  (or <= t, widened one tick)
		r = plywood.TimeRange{End: t}
		if strictFlip {
			r.End = t.Add(time.Millisecond)
		}
	} else {
		// $time > t (start one tick past) or >= t
		r = plywood.TimeRange{Start: t}
		if strictFlip {
			r.Start = t.Add(time.Millisecond)
		}
	}
	return &rangeUnion{ranges: []plywood.TimeRange{r}}, true, nil
}

func timeRangesFromLiteral(e expr.Expression) (*rangeUnion, bool, error) {
	lit, ok := e.(*expr.Literal)
	if !ok {
		return nil, false, nil
	}
	switch v := lit.Value.(type) {
	case plywood.TimeRange:
		return &rangeUnion{ranges: []plywood.TimeRange{v}}, true, nil
	case plywood.Set:
		if v.SetType != plywood.TimeRng {
			return nil, false, nil
		}
		out := make([]plywood.TimeRange, 0, len(v.Elements))
		for _, el := range v.Elements {
			r, ok := el.(plywood.TimeRange)
			if !ok {
				return nil, false, unsupportedf("time range set contains a %T", el)
			}
			out = append(out, r)
		}
		return &rangeUnion{ranges: out}, true, nil
	}
	return nil, false, nil
}

func intersectUnions(a, b *rangeUnion) *rangeUnion {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	var out []plywood.TimeRange
	for _, x := range a.ranges {
		for _, y := range b.ranges {
			if r, ok := intersectRanges(x, y); ok {
				out = append(out, r)
			}
		}
	}
	return &rangeUnion{ranges: out}
}

func intersectRanges(a, b plywood.TimeRange) (plywood.TimeRange, bool) {
	start := a.Start
	if b.Start.After(start) {
		start = b.Start
	}
	end := a.End
	if end.IsZero() || (!b.End.IsZero() && b.End.Before(end)) {
		end = b.End
	}
	if !start.IsZero() && !end.IsZero() && !start.Before(end) {
		return plywood.TimeRange{}, false
	}
	return plywood.TimeRange{Start: start, End: end}, true
}

func renderInterval(r plywood.TimeRange) string {
	start := eternityStart
	if !r.Start.IsZero() {
		s := r.Start
		if len(r.EffectiveBounds()) > 0 && r.EffectiveBounds()[0] == '(' {
			s = s.Add(time.Millisecond)
		}
		start = plywood.FormatISO(s)
	}
	end := eternityEnd
	if !r.End.IsZero() {
		e := r.End
		if b := r.EffectiveBounds(); b[len(b)-1] == ']' {
			e = e.Add(time.Millisecond)
		}
		end = plywood.FormatISO(e)
	}
	return start + "/" + end
}

func conjoin(a, b expr.Expression) expr.Expression {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return &expr.And{Operand: a, Expression: b}
}

// makeFilter lowers a residual (non-time) boolean expression into a
// dimension filter.
func (fb *filterBuilder) makeFilter(e expr.Expression) (*Filter, error) {
	switch v := e.(type) {
	case *expr.Literal:
		if expr.IsFalse(v) {
			return &Filter{Type: "false"}, nil
		}
		if expr.IsTrue(v) {
			return nil, nil
		}
		return nil, unsupportedf("non-boolean literal filter %s", expr.Format(v))
	case *expr.Ref:
		if v.RefType != plywood.Boolean {
			return nil, typeErrorf("bare ref filter %s is not BOOLEAN", expr.Format(v))
		}
		dim, fn, err := fb.dimensionOf(v)
		if err != nil {
			return nil, err
		}
		return &Filter{Type: "selector", Dimension: dim, Value: "true", ExtractionFn: fn}, nil
	case *expr.And:
		return fb.composite("and", v.Operand, v.Expression)
	case *expr.Or:
		return fb.composite("or", v.Operand, v.Expression)
	case *expr.Not:
		inner, err := fb.makeFilter(v.Operand)
		if err != nil {
			return nil, err
		}
		return &Filter{Type: "not", Field: inner}, nil
	case *expr.Is:
		return fb.selector(v.Operand, v.Expression)
	case *expr.In:
		return fb.inFilter(v.Operand, v.Expression)
	case *expr.Overlap:
		return fb.overlapFilter(v)
	case *expr.Match:
		dim, fn, err := fb.dimensionOf(v.Operand)
		if err != nil {
			return nil, err
		}
		return &Filter{Type: "regex", Dimension: dim, Pattern: v.Regexp, ExtractionFn: fn}, nil
	case *expr.Contains:
		dim, fn, err := fb.dimensionOf(v.Operand)
		if err != nil {
			return nil, err
		}
		lit, ok := v.Expression.(*expr.Literal)
		if !ok {
			return nil, unsupportedf("contains requires a literal needle: %s", expr.Format(e))
		}
		s, _ := lit.Value.(string)
		queryType := "insensitive_contains"
		caseSensitive := false
		if v.Compare != "ignoreCase" {
			queryType = "contains"
			caseSensitive = true
		}
		return &Filter{Type: "search", Dimension: dim, ExtractionFn: fn,
			Query: &SearchQuery{Type: queryType, Value: s, CaseSensitive: caseSensitive}}, nil
	case *expr.Greater:
		return fb.bound(e, v.Operand, v.Expression, "lower", true)
	case *expr.GreaterOrEqual:
		return fb.bound(e, v.Operand, v.Expression, "lower", false)
	case *expr.Less:
		return fb.bound(e, v.Operand, v.Expression, "upper", true)
	case *expr.LessOrEqual:
		return fb.bound(e, v.Operand, v.Expression, "upper", false)
	}
	return fb.expressionFilter(e)
}

func (fb *filterBuilder) composite(kind string, parts ...expr.Expression) (*Filter, error) {
	var fields []*Filter
	for _, p := range parts {
		f, err := fb.makeFilter(p)
		if err != nil {
			return nil, err
		}
		if f != nil {
			fields = append(fields, f)
		}
	}
	switch len(fields) {
	case 0:
		return nil, nil
	case 1:
		if kind == "and" || kind == "or" {
			return fields[0], nil
		}
	}
	return &Filter{Type: kind, Fields: fields}, nil
}

func (fb *filterBuilder) selector(operand, value expr.Expression) (*Filter, error) {
	lit, ok := value.(*expr.Literal)
	if !ok {
		return fb.expressionFilter(&expr.Is{Operand: operand, Expression: value})
	}
	dim, fn, err := fb.dimensionOf(operand)
	if err != nil {
		return nil, err
	}
	return &Filter{Type: "selector", Dimension: dim, Value: filterValue(lit.Value), ExtractionFn: fn}, nil
}

func (fb *filterBuilder) inFilter(operand, value expr.Expression) (*Filter, error) {
	lit, ok := value.(*expr.Literal)
	if !ok {
		return nil, unsupportedf("in requires a literal set: %s", expr.Format(value))
	}
	set, ok := lit.Value.(plywood.Set)
	if !ok {
		return nil, unsupportedf("in requires a set literal: %s", expr.Format(lit))
	}
	dim, fn, err := fb.dimensionOf(operand)
	if err != nil {
		return nil, err
	}
	values := make([]any, len(set.Elements))
	for i, el := range set.Elements {
		values[i] = filterValue(el)
	}
	return &Filter{Type: "in", Dimension: dim, Values: values, ExtractionFn: fn}, nil
}

func (fb *filterBuilder) overlapFilter(v *expr.Overlap) (*Filter, error) {
	lit, ok := v.Expression.(*expr.Literal)
	if !ok {
		return nil, unsupportedf("overlap requires a literal: %s", expr.Format(v))
	}
	switch rv := lit.Value.(type) {
	case plywood.NumberRange:
		dim, fn, err := fb.dimensionOf(v.Operand)
		if err != nil {
			return nil, err
		}
		f := &Filter{Type: "bound", Dimension: dim, Ordering: "numeric", ExtractionFn: fn}
		b := rv.Bounds
		if b == "" {
			b = "[)"
		}
		if rv.Start != nil {
			f.Lower = boundValue(*rv.Start)
			f.LowerStrict = b[0] == '('
		}
		if rv.End != nil {
			f.Upper = boundValue(*rv.End)
			f.UpperStrict = b[len(b)-1] == ')'
		}
		return f, nil
	case plywood.Set:
		return fb.inFilter(v.Operand, lit)
	}
	return nil, unsupportedf("overlap on %s", expr.Format(lit))
}

func (fb *filterBuilder) bound(original, operand, value expr.Expression, side string, strict bool) (*Filter, error) {
	lit, ok := value.(*expr.Literal)
	if !ok {
		return fb.expressionFilter(original)
	}
	dim, fn, err := fb.dimensionOf(operand)
	if err != nil {
		return nil, err
	}
	f := &Filter{Type: "bound", Dimension: dim, ExtractionFn: fn}
	if lit.LitType == plywood.Number {
		f.Ordering = "numeric"
	} else {
		f.Ordering = "lexicographic"
	}
	if side == "lower" {
		f.Lower = boundValue(lit.Value)
		f.LowerStrict = strict
	} else {
		f.Upper = boundValue(lit.Value)
		f.UpperStrict = strict
	}
	return f, nil
}

// expressionFilter is the fallback for residuals with no dedicated filter
// type: lower the whole expression into the native dialect.
func (fb *filterBuilder) expressionFilter(e expr.Expression) (*Filter, error) {
	lowerer := &expressionLowerer{timeAttribute: fb.ex.TimeAttribute}
	formula, err := lowerer.Lower(fb.ex.resolveDerived(e))
	if err != nil {
		return nil, unsupportedf("cannot filter on %s: %v", expr.Format(e), err)
	}
	return &Filter{Type: "expression", Expression: formula}, nil
}

// dimensionOf resolves the single underlying column of a filter operand
// and the extraction function to apply before comparing.
func (fb *filterBuilder) dimensionOf(operand expr.Expression) (string, *ExtractionFn, error) {
	operand = fb.ex.resolveDerived(operand)
	refs := expr.FreeReferences(operand)
	if len(refs) != 1 {
		return "", nil, unsupportedf("filter operand %s must reference exactly one column", expr.Format(operand))
	}
	efb := &extractionFnBuilder{timeAttribute: fb.ex.TimeAttribute, customTransforms: fb.ex.CustomTransforms}
	fn, err := efb.Build(operand)
	if err != nil {
		return "", nil, err
	}
	return fb.ex.dimensionName(refs[0]), fn, nil
}

// boundValue renders a bound endpoint; the backend takes bound endpoints
// as strings regardless of ordering, and a stringly zero survives
// serialization where a numeric zero would be omitted.
func boundValue(v any) any {
	switch tv := v.(type) {
	case float64:
		return trimFloat(tv)
	case int:
		return trimFloat(float64(tv))
	case time.Time:
		return plywood.FormatISO(tv)
	default:
		return filterValue(v)
	}
}

// filterValue renders a comparison value; the backend compares dimension
// values as strings except under numeric ordering.
func filterValue(v any) any {
	switch tv := v.(type) {
	case bool:
		if tv {
			return "true"
		}
		return "false"
	case nil:
		return nil
	default:
		return v
	}
}
