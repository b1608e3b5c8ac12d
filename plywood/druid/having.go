package druid

import (
	"github.com/plesiecki/plywood/plywood/expr"
	"github.com/plesiecki/plywood/plywood"
)

// havingFilterBuilder lowers a having filter. Having filters constrain
// output columns (apply names and split labels), so there are no
// extraction functions here, only plain column references.
type havingFilterBuilder struct {
	ex *External
}

// Build lowers e into a having filter; a trivial filter lowers to nil.
func (hb *havingFilterBuilder) Build(e expr.Expression) (*Filter, error) {
	if e == nil || expr.IsTrue(e) {
		return nil, nil
	}
	switch v := e.(type) {
	case *expr.And:
		return hb.composite("and", v.Operand, v.Expression)
	case *expr.Or:
		return hb.composite("or", v.Operand, v.Expression)
	case *expr.Not:
		inner, err := hb.Build(v.Operand)
		if err != nil {
			return nil, err
		}
		return &Filter{Type: "not", Field: inner}, nil
	case *expr.Is:
		name, lit, err := hb.column(v.Operand, v.Expression)
		if err != nil {
			return nil, err
		}
		return &Filter{Type: "selector", Dimension: name, Value: filterValue(lit.Value)}, nil
	case *expr.In:
		name, lit, err := hb.column(v.Operand, v.Expression)
		if err != nil {
			return nil, err
		}
		set, ok := lit.Value.(plywood.Set)
		if !ok {
			return nil, unsupportedf("having in requires a set literal: %s", expr.Format(lit))
		}
		values := make([]any, len(set.Elements))
		for i, el := range set.Elements {
			values[i] = filterValue(el)
		}
		return &Filter{Type: "in", Dimension: name, Values: values}, nil
	case *expr.Match:
		ref, ok := v.Operand.(*expr.Ref)
		if !ok {
			return nil, unsupportedf("having match requires a column, got %s", expr.Format(v.Operand))
		}
		return &Filter{Type: "regex", Dimension: ref.Name, Pattern: v.Regexp}, nil
	case *expr.Greater:
		return hb.bound(v.Operand, v.Expression, "lower", true)
	case *expr.GreaterOrEqual:
		return hb.bound(v.Operand, v.Expression, "lower", false)
	case *expr.Less:
		return hb.bound(v.Operand, v.Expression, "upper", true)
	case *expr.LessOrEqual:
		return hb.bound(v.Operand, v.Expression, "upper", false)
	}
	return nil, unsupportedf("cannot lower having filter %s", expr.Format(e))
}

func (hb *havingFilterBuilder) composite(kind string, parts ...expr.Expression) (*Filter, error) {
	var fields []*Filter
	for _, p := range parts {
		f, err := hb.Build(p)
		if err != nil {
			return nil, err
		}
		if f != nil {
			fields = append(fields, f)
		}
	}
	if len(fields) == 0 {
		return nil, nil
	}
	if len(fields) == 1 {
		return fields[0], nil
	}
	return &Filter{Type: kind, Fields: fields}, nil
}

func (hb *havingFilterBuilder) bound(operand, value expr.Expression, side string, strict bool) (*Filter, error) {
	name, lit, err := hb.column(operand, value)
	if err != nil {
		return nil, err
	}
	f := &Filter{Type: "bound", Dimension: name, Ordering: "numeric"}
	if lit.LitType != plywood.Number {
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

func (hb *havingFilterBuilder) column(operand, value expr.Expression) (string, *expr.Literal, error) {
	ref, ok := operand.(*expr.Ref)
	if !ok {
		return "", nil, unsupportedf("having requires a column, got %s", expr.Format(operand))
	}
	lit, ok := value.(*expr.Literal)
	if !ok {
		return "", nil, unsupportedf("having requires a literal, got %s", expr.Format(value))
	}
	return ref.Name, lit, nil
}

// splitHavingOnDimension pulls the conjuncts of a having filter that
// directly constrain the named split label (match regex, is literal, in
// literal set) apart from the residue. The direct part can be pushed into
// the dimension spec; the residue stays a having filter.
func splitHavingOnDimension(having expr.Expression, label string) (direct []expr.Expression, residue expr.Expression) {
	if having == nil || expr.IsTrue(having) {
		return nil, having
	}
	conjuncts := flattenAnd(having)
	var rest []expr.Expression
	for _, c := range conjuncts {
		if constrainsLabel(c, label) {
			direct = append(direct, c)
		} else {
			rest = append(rest, c)
		}
	}
	switch len(rest) {
	case 0:
		residue = expr.True()
	case 1:
		residue = rest[0]
	default:
		residue = rest[0]
		for _, c := range rest[1:] {
			residue = &expr.And{Operand: residue, Expression: c}
		}
	}
	return direct, residue
}

func flattenAnd(e expr.Expression) []expr.Expression {
	if and, ok := e.(*expr.And); ok {
		return append(flattenAnd(and.Operand), flattenAnd(and.Expression)...)
	}
	return []expr.Expression{e}
}

func constrainsLabel(e expr.Expression, label string) bool {
	switch v := e.(type) {
	case *expr.Match:
		return expr.IsRefTo(v.Operand, label)
	case *expr.Is:
		_, isLit := v.Expression.(*expr.Literal)
		return isLit && expr.IsRefTo(v.Operand, label)
	case *expr.In:
		lit, isLit := v.Expression.(*expr.Literal)
		if !isLit {
			return false
		}
		_, isSet := lit.Value.(plywood.Set)
		return isSet && expr.IsRefTo(v.Operand, label)
	}
	return false
}
