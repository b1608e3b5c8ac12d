package druid

import (
	"fmt"
	"strings"

	"github.com/plesiecki/plywood/plywood/expr"
	"github.com/plesiecki/plywood/plywood"
)

// AggregationsAndPostAggregations is the lowered form of an apply list.
type AggregationsAndPostAggregations struct {
	Aggregations     []Aggregation
	PostAggregations []PostAggregation
}

// aggregationBuilder lowers named aggregate expressions. Intermediate
// aggregator outputs are named with the ignore prefix so the
// post-transform drops them.
type aggregationBuilder struct {
	ex        *External
	tempCount int
}

func (ab *aggregationBuilder) tempName() string {
	name := fmt.Sprintf("%sT_%d", IgnorePrefix, ab.tempCount)
	ab.tempCount++
	return name
}

// MakeAggregationsAndPostAggregations lowers every apply in order.
func (ab *aggregationBuilder) MakeAggregationsAndPostAggregations(applies []Applied) (AggregationsAndPostAggregations, error) {
	var out AggregationsAndPostAggregations
	for _, apply := range applies {
		e := normalizeAggregate(ab.ex.resolveDerived(apply.Expression))
		if expr.IsAggregate(e) {
			aggs, postAggs, err := ab.makeAggregation(apply.Name, e)
			if err != nil {
				return out, fmt.Errorf("apply %q: %w", apply.Name, err)
			}
			out.Aggregations = append(out.Aggregations, aggs...)
			out.PostAggregations = append(out.PostAggregations, postAggs...)
			continue
		}
		post, err := ab.expressionToPostAggregation(e, &out)
		if err != nil {
			return out, fmt.Errorf("apply %q: %w", apply.Name, err)
		}
		post.Name = apply.Name
		out.PostAggregations = append(out.PostAggregations, post)
	}
	return out, nil
}

// normalizeAggregate rewrites average into sum/count so the rest of the
// builder only sees primitive aggregates.
func normalizeAggregate(e expr.Expression) expr.Expression {
	return expr.Substitute(e, func(n expr.Expression) expr.Expression {
		if avg, ok := n.(*expr.Average); ok {
			return &expr.Divide{
				Operand:    &expr.Sum{Operand: avg.Operand, Expression: avg.Expression, Options: avg.Options},
				Expression: &expr.Count{Operand: avg.Operand, Options: avg.Options},
			}
		}
		return nil
	})
}

// makeAggregation lowers one aggregate node into aggregators (and, for
// sketch-backed aggregates, the finalizing post-aggregator).
func (ab *aggregationBuilder) makeAggregation(name string, e expr.Expression) ([]Aggregation, []PostAggregation, error) {
	operand := expr.AggregateOperand(e)
	var aggFilter expr.Expression
	if f, ok := operand.(*expr.FilterOp); ok {
		aggFilter = f.Expression
	}

	var agg Aggregation
	var postAggs []PostAggregation
	var err error

	switch v := e.(type) {
	case *expr.Count:
		agg = Aggregation{Type: "count", Name: name}
	case *expr.Sum:
		agg, err = ab.simpleNumericAggregation("Sum", name, v.Expression)
	case *expr.Min:
		agg, err = ab.simpleNumericAggregation("Min", name, v.Expression)
	case *expr.Max:
		agg, err = ab.simpleNumericAggregation("Max", name, v.Expression)
	case *expr.CountDistinct:
		agg, err = ab.countDistinct(name, v.Expression)
	case *expr.Quantile:
		agg, postAggs, err = ab.quantile(name, v)
	case *expr.CustomAggregate:
		ca, ok := ab.ex.CustomAggregations[v.Custom]
		if !ok {
			return nil, nil, configErrorf("custom aggregation %q is not registered", v.Custom)
		}
		agg = Aggregation{Raw: ca.Aggregation, Name: name}
	default:
		return nil, nil, unsupportedf("cannot aggregate with %s", expr.Format(e))
	}
	if err != nil {
		return nil, nil, err
	}

	if aggFilter != nil {
		filter, ferr := ab.lowerAggFilter(aggFilter)
		if ferr != nil {
			return nil, nil, ferr
		}
		inner := agg
		agg = Aggregation{Type: "filtered", Filter: filter, Aggregator: &inner}
	}
	return []Aggregation{agg}, postAggs, nil
}

// simpleNumericAggregation lowers sum/min/max. A sum of the constant 1 is
// a count; a bare column picks the long or double aggregator from the
// column's native type; anything else becomes a javascript aggregator over
// the referenced columns.
func (ab *aggregationBuilder) simpleNumericAggregation(kind, name string, input expr.Expression) (Aggregation, error) {
	if kind == "Sum" {
		if lit, ok := input.(*expr.Literal); ok {
			if f, ok := lit.Value.(float64); ok && f == 1 {
				return Aggregation{Type: "count", Name: name}, nil
			}
		}
	}
	if ref, ok := input.(*expr.Ref); ok && ref.Nest == 0 {
		attr, _ := ab.ex.attributeInfo(ref.Name)
		variant := "double" + kind
		if attr.IsLong() || ref.Name == ab.ex.TimeAttribute {
			variant = "long" + kind
		}
		return Aggregation{Type: variant, Name: name, FieldName: ab.ex.dimensionName(ref.Name)}, nil
	}
	return ab.javascriptAggregation(kind, name, input)
}

// javascriptAggregation lowers an aggregate over a computed value.
func (ab *aggregationBuilder) javascriptAggregation(kind, name string, input expr.Expression) (Aggregation, error) {
	js := &jsLowerer{timeAttribute: ab.ex.TimeAttribute}
	body, err := js.Lower(input)
	if err != nil {
		return Aggregation{}, err
	}
	refs := expr.FreeReferences(input)
	fieldNames := make([]string, len(refs))
	params := make([]string, len(refs))
	for i, r := range refs {
		fieldNames[i] = ab.ex.dimensionName(r)
		params[i] = js.varFor(r)
	}
	paramList := strings.Join(params, ",")
	var fnAggregate, fnCombine, fnReset string
	switch kind {
	case "Sum":
		fnAggregate = fmt.Sprintf("function(_c,%s){return _c+(%s);}", paramList, body)
		fnCombine = "function(a,b){return a+b;}"
		fnReset = "function(){return 0;}"
	case "Min":
		fnAggregate = fmt.Sprintf("function(_c,%s){return Math.min(_c,(%s));}", paramList, body)
		fnCombine = "function(a,b){return Math.min(a,b);}"
		fnReset = "function(){return Infinity;}"
	case "Max":
		fnAggregate = fmt.Sprintf("function(_c,%s){return Math.max(_c,(%s));}", paramList, body)
		fnCombine = "function(a,b){return Math.max(a,b);}"
		fnReset = "function(){return -Infinity;}"
	default:
		return Aggregation{}, unsupportedf("no javascript aggregation for %s", kind)
	}
	return Aggregation{
		Type:        "javascript",
		Name:        name,
		FieldNames:  fieldNames,
		FnAggregate: fnAggregate,
		FnCombine:   fnCombine,
		FnReset:     fnReset,
	}, nil
}

func (ab *aggregationBuilder) countDistinct(name string, input expr.Expression) (Aggregation, error) {
	ref, ok := input.(*expr.Ref)
	if !ok {
		return Aggregation{}, unsupportedf("countDistinct requires a column, got %s", expr.Format(input))
	}
	attr, _ := ab.ex.attributeInfo(ref.Name)
	if attr.NativeType == "hyperUnique" {
		return Aggregation{Type: "hyperUnique", Name: name, FieldName: ref.Name}, nil
	}
	return Aggregation{Type: "cardinality", Name: name, FieldNames: []string{ab.ex.dimensionName(ref.Name)}, ByRow: true}, nil
}

func (ab *aggregationBuilder) quantile(name string, v *expr.Quantile) (Aggregation, []PostAggregation, error) {
	ref, ok := v.Expression.(*expr.Ref)
	if !ok {
		return Aggregation{}, nil, unsupportedf("quantile requires a column, got %s", expr.Format(v.Expression))
	}
	attr, _ := ab.ex.attributeInfo(ref.Name)
	histName := IgnorePrefix + "H_" + name
	if attr.NativeType == "approximateHistogram" {
		agg := Aggregation{Type: "approximateHistogramFold", Name: histName, FieldName: ref.Name}
		post := PostAggregation{Type: "quantile", Name: name, FieldName: histName, Probability: v.Value}
		return agg, []PostAggregation{post}, nil
	}
	agg := Aggregation{Type: "quantilesDoublesSketch", Name: histName, FieldName: ref.Name, K: 128}
	post := PostAggregation{
		Type:     "quantilesDoublesSketchToQuantile",
		Name:     name,
		Field:    &PostAggregation{Type: "fieldAccess", FieldName: histName},
		Fraction: v.Value,
	}
	return agg, []PostAggregation{post}, nil
}

// lowerAggFilter lowers the filter of a filtered aggregator. Time
// constraints become an interval filter on the time column since
// aggregator filters cannot use query intervals.
func (ab *aggregationBuilder) lowerAggFilter(cond expr.Expression) (*Filter, error) {
	fb := &filterBuilder{ex: ab.ex}
	intervals, dim, err := fb.Partition(ab.ex.resolveDerived(cond))
	if err != nil {
		return nil, err
	}
	var parts []*Filter
	if intervals != nil {
		parts = append(parts, &Filter{Type: "interval", Dimension: TimeColumn, Intervals: intervals})
	}
	if dim != nil {
		parts = append(parts, dim)
	}
	switch len(parts) {
	case 0:
		return nil, unsupportedf("aggregate filter %s lowered to nothing", expr.Format(cond))
	case 1:
		return parts[0], nil
	default:
		return &Filter{Type: "and", Fields: parts}, nil
	}
}

// expressionToPostAggregation lowers an arithmetic combination of
// aggregates. Aggregate leaves allocate intermediate aggregators in acc.
func (ab *aggregationBuilder) expressionToPostAggregation(e expr.Expression, acc *AggregationsAndPostAggregations) (PostAggregation, error) {
	if expr.IsAggregate(e) {
		return ab.aggregateAccessor(e, acc)
	}
	switch v := e.(type) {
	case *expr.Literal:
		f, ok := toFloat(v.Value)
		if !ok {
			return PostAggregation{}, unsupportedf("post-aggregation constant must be a number, got %s", expr.Format(v))
		}
		return PostAggregation{Type: "constant", Value: &f}, nil
	case *expr.Add:
		return ab.arithmetic("+", v.Operand, v.Expression, acc)
	case *expr.Subtract:
		return ab.arithmetic("-", v.Operand, v.Expression, acc)
	case *expr.Multiply:
		return ab.arithmetic("*", v.Operand, v.Expression, acc)
	case *expr.Divide:
		// The backend's arithmetic division is the safe form: a zero
		// divisor yields zero instead of failing the query.
		return ab.arithmetic("/", v.Operand, v.Expression, acc)
	case *expr.Power, *expr.Log, *expr.Absolute, *expr.Cast, *expr.Fallback:
		return ab.javascriptPostAggregation(e, acc)
	}
	return PostAggregation{}, unsupportedf("cannot lower %s to a post-aggregation", expr.Format(e))
}

func (ab *aggregationBuilder) arithmetic(fn string, a, b expr.Expression, acc *AggregationsAndPostAggregations) (PostAggregation, error) {
	pa, err := ab.expressionToPostAggregation(a, acc)
	if err != nil {
		return PostAggregation{}, err
	}
	pb, err := ab.expressionToPostAggregation(b, acc)
	if err != nil {
		return PostAggregation{}, err
	}
	return PostAggregation{Type: "arithmetic", Fn: fn, Fields: []PostAggregation{pa, pb}}, nil
}

// aggregateAccessor allocates an intermediate aggregator for e and
// returns the accessor referencing it.
func (ab *aggregationBuilder) aggregateAccessor(e expr.Expression, acc *AggregationsAndPostAggregations) (PostAggregation, error) {
	temp := ab.tempName()
	aggs, postAggs, err := ab.makeAggregation(temp, e)
	if err != nil {
		return PostAggregation{}, err
	}
	acc.Aggregations = append(acc.Aggregations, aggs...)
	acc.PostAggregations = append(acc.PostAggregations, postAggs...)

	accessType := "fieldAccess"
	if ca, ok := e.(*expr.CustomAggregate); ok {
		if reg, ok := ab.ex.CustomAggregations[ca.Custom]; ok && reg.AccessType != "" {
			accessType = reg.AccessType
		}
	}
	if forceFinalize(e) {
		accessType = "finalizingFieldAccess"
	}
	return PostAggregation{Type: accessType, FieldName: temp}, nil
}

// javascriptPostAggregation renders a scalar combinator over aggregate
// accessors as a javascript post-aggregator.
func (ab *aggregationBuilder) javascriptPostAggregation(e expr.Expression, acc *AggregationsAndPostAggregations) (PostAggregation, error) {
	js := &jsLowerer{timeAttribute: ab.ex.TimeAttribute}
	var fieldNames []string
	var params []string
	var subErr error
	rewritten := expr.Substitute(e, func(n expr.Expression) expr.Expression {
		if !expr.IsAggregate(n) {
			return nil
		}
		accessor, err := ab.aggregateAccessor(n, acc)
		if err != nil {
			subErr = err
			return nil
		}
		param := fmt.Sprintf("_a%d", len(params))
		params = append(params, param)
		fieldNames = append(fieldNames, accessor.FieldName)
		return &expr.Ref{Name: param, RefType: plywood.Number}
	})
	if subErr != nil {
		return PostAggregation{}, subErr
	}
	body, err := js.Lower(rewritten)
	if err != nil {
		return PostAggregation{}, err
	}
	// Aggregate accessors were renamed to the function parameters.
	for _, p := range params {
		body = strings.ReplaceAll(body, js.varFor(p), p)
	}
	return PostAggregation{
		Type:       "javascript",
		FieldNames: fieldNames,
		Function:   fmt.Sprintf("function(%s){return %s;}", strings.Join(params, ","), body),
	}, nil
}

func forceFinalize(e expr.Expression) bool {
	switch v := e.(type) {
	case *expr.Count:
		return v.Options.ForceFinalize
	case *expr.Sum:
		return v.Options.ForceFinalize
	case *expr.Min:
		return v.Options.ForceFinalize
	case *expr.Max:
		return v.Options.ForceFinalize
	case *expr.CountDistinct:
		return v.Options.ForceFinalize
	case *expr.Quantile:
		return v.Options.ForceFinalize
	case *expr.CustomAggregate:
		return v.Options.ForceFinalize
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch tv := v.(type) {
	case float64:
		return tv, true
	case int:
		return float64(tv), true
	case int64:
		return float64(tv), true
	}
	return 0, false
}

// jsLowerer renders scalar expressions as javascript for the javascript
// aggregator and post-aggregator.
type jsLowerer struct {
	timeAttribute string
}

func (l *jsLowerer) varFor(name string) string {
	var b strings.Builder
	b.WriteString("_")
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func (l *jsLowerer) Lower(e expr.Expression) (string, error) {
	switch v := e.(type) {
	case *expr.Literal:
		switch lv := v.Value.(type) {
		case nil:
			return "null", nil
		case bool:
			if lv {
				return "true", nil
			}
			return "false", nil
		case float64:
			return trimFloat(lv), nil
		case string:
			return "'" + strings.ReplaceAll(lv, "'", "\\'") + "'", nil
		}
		return "", unsupportedf("cannot render literal %s as javascript", expr.Format(v))
	case *expr.Ref:
		if v.Nest != 0 {
			return "", unsupportedf("nested ref %s in javascript", expr.Format(v))
		}
		return l.varFor(v.Name), nil
	case *expr.Add:
		return l.binary(v.Operand, "+", v.Expression)
	case *expr.Subtract:
		return l.binary(v.Operand, "-", v.Expression)
	case *expr.Multiply:
		return l.binary(v.Operand, "*", v.Expression)
	case *expr.Divide:
		a, err := l.Lower(v.Operand)
		if err != nil {
			return "", err
		}
		b, err := l.Lower(v.Expression)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("(%s===0?0:%s/%s)", b, a, b), nil
	case *expr.Power:
		return l.fn("Math.pow", v.Operand, v.Expression)
	case *expr.Log:
		if v.Expression == nil {
			return l.fn("Math.log", v.Operand)
		}
		a, err := l.Lower(v.Operand)
		if err != nil {
			return "", err
		}
		b, err := l.Lower(v.Expression)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("(Math.log(%s)/Math.log(%s))", a, b), nil
	case *expr.Absolute:
		return l.fn("Math.abs", v.Operand)
	case *expr.Cast:
		a, err := l.Lower(v.Operand)
		if err != nil {
			return "", err
		}
		switch v.OutputType {
		case plywood.Number:
			return "Number(" + a + ")", nil
		case plywood.String:
			return "String(" + a + ")", nil
		}
		return "", unsupportedf("cannot cast to %s in javascript", v.OutputType)
	case *expr.Fallback:
		a, err := l.Lower(v.Operand)
		if err != nil {
			return "", err
		}
		b, err := l.Lower(v.Expression)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("(%s!=null?%s:%s)", a, a, b), nil
	}
	return "", unsupportedf("cannot render %s as javascript", expr.Format(e))
}

func (l *jsLowerer) binary(a expr.Expression, op string, b expr.Expression) (string, error) {
	ae, err := l.Lower(a)
	if err != nil {
		return "", err
	}
	be, err := l.Lower(b)
	if err != nil {
		return "", err
	}
	return "(" + ae + op + be + ")", nil
}

func (l *jsLowerer) fn(name string, args ...expr.Expression) (string, error) {
	parts := make([]string, len(args))
	for i, a := range args {
		s, err := l.Lower(a)
		if err != nil {
			return "", err
		}
		parts[i] = s
	}
	return name + "(" + strings.Join(parts, ",") + ")", nil
}
