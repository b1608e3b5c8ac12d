package druid

import (
	"fmt"

	"github.com/plesiecki/plywood/plywood/expr"
	"github.com/plesiecki/plywood/plywood"
)

// A re-split aggregate is an aggregate whose operand is itself a
// split+apply: aggregate(apply(split(ref | filter(ref)))). Evaluating one
// needs a nested group-by: the inner query computes the apply per
// (inner x outer) bucket, the outer query re-aggregates the intermediate
// columns per outer bucket.

type resplitAgg struct {
	agg       expr.Expression // the outer aggregate node
	innerName string          // the inner apply's output name
	innerExpr expr.Expression // the inner apply's aggregate expression
	split     *expr.Split
	filter    expr.Expression // filter under the split, when present
	dataName  string
}

// parseResplitAgg recognizes the re-split pattern on a single aggregate
// node.
func parseResplitAgg(n expr.Expression) *resplitAgg {
	if !expr.IsAggregate(n) {
		return nil
	}
	apply, ok := expr.AggregateOperand(n).(*expr.Apply)
	if !ok {
		return nil
	}
	split, ok := apply.Operand.(*expr.Split)
	if !ok {
		return nil
	}
	base := split.Operand
	var filter expr.Expression
	if f, ok := base.(*expr.FilterOp); ok {
		filter = f.Expression
		base = f.Operand
	}
	if _, ok := base.(*expr.Ref); !ok {
		return nil
	}
	dataName := split.DataName
	if dataName == "" {
		dataName = "data"
	}
	return &resplitAgg{
		agg:       n,
		innerName: apply.Name,
		innerExpr: apply.Expression,
		split:     split,
		filter:    filter,
		dataName:  dataName,
	}
}

// containsResplit reports whether any apply needs the nested rewrite.
func containsResplit(applies []Applied) bool {
	for _, a := range applies {
		if expr.ContainsOp(a.Expression, func(n expr.Expression) bool {
			_, ok := n.(*expr.Split)
			return ok
		}) {
			return true
		}
	}
	return false
}

// nestedGroupByPlan implements the re-split rewrite: build the inner
// split query, rewrite the applies over intermediate columns, and nest
// the inner query as the outer's data source.
func (e *External) nestedGroupByPlan() (QueryAndPostTransform, error) {
	rw := &resplitRewriter{ex: e}

	outerApplies := make([]Applied, 0, len(e.Applies))
	for _, apply := range e.Applies {
		rewritten, err := rw.rewriteApply(apply)
		if err != nil {
			return QueryAndPostTransform{}, err
		}
		outerApplies = append(outerApplies, rewritten)
	}
	if rw.commonSplit == nil {
		return QueryAndPostTransform{}, configErrorf("re-split plan requested but no re-split aggregate found")
	}

	innerKeys, outerKeys, keyAttributes, err := e.mergeResplitKeys(rw.commonSplit)
	if err != nil {
		return QueryAndPostTransform{}, err
	}

	inner := e.clone()
	inner.Mode = ModeSplit
	inner.Split = &SplitSpec{Keys: innerKeys, DataName: rw.dataName}
	inner.Applies = rw.innerApplies
	inner.Sort = nil
	inner.Limit = 0
	inner.HavingFilter = nil
	inner.QuerySelection = QuerySelectionGroupByOnly
	innerPlan, err := inner.GetQueryAndPostTransform()
	if err != nil {
		return QueryAndPostTransform{}, fmt.Errorf("inner re-split query: %w", err)
	}

	outer := e.clone()
	outer.Filter = expr.True()
	outer.AllowEternity = true
	outer.QuerySelection = QuerySelectionGroupByOnly
	outer.Split = &SplitSpec{Keys: outerKeys, DataName: e.splitDataName()}
	outer.Applies = outerApplies
	outer.RawAttributes = append(keyAttributes, rw.intermediateAttributes...)
	outer.DerivedAttributes = nil
	outerPlan, err := outer.GetQueryAndPostTransform()
	if err != nil {
		return QueryAndPostTransform{}, fmt.Errorf("outer re-split query: %w", err)
	}

	outerPlan.Query.DataSource = QueryDataSource(innerPlan.Query)
	return outerPlan, nil
}

func (e *External) splitDataName() string {
	if e.Split != nil && e.Split.DataName != "" {
		return e.Split.DataName
	}
	return "data"
}

// mergeResplitKeys merges the outer split keys with the inner split's
// keys. Outer bucket keys are divvied: the inner keeps the bucketed
// form and the outer reapplies the bucket over the intermediate; all
// other outer keys pass through as bare refs. Inner keys not matching
// any outer key are introduced as passthroughs.
func (e *External) mergeResplitKeys(innerSplit *expr.Split) (innerKeys, outerKeys []expr.SplitKey, keyAttributes Attributes, err error) {
	matched := make(map[int]bool, len(innerSplit.Keys))

	var outerSplitKeys []expr.SplitKey
	if e.Split != nil {
		outerSplitKeys = e.Split.Keys
	}
	for _, key := range outerSplitKeys {
		resolved := e.resolveDerived(key.Expression)
		for i, ik := range innerSplit.Keys {
			if expr.Equals(e.resolveDerived(ik.Expression), resolved) {
				matched[i] = true
			}
		}
		innerExpr, outerExpr, attr := divvyKey(key.Name, resolved)
		innerKeys = append(innerKeys, expr.SplitKey{Name: key.Name, Expression: innerExpr})
		outerKeys = append(outerKeys, expr.SplitKey{Name: key.Name, Expression: outerExpr})
		keyAttributes = append(keyAttributes, attr)
	}

	for i, ik := range innerSplit.Keys {
		if matched[i] {
			continue
		}
		innerKeys = append(innerKeys, expr.SplitKey{Name: ik.Name, Expression: e.resolveDerived(ik.Expression)})
		keyAttributes = append(keyAttributes, AttributeInfo{
			Name:       ik.Name,
			Type:       intermediateType(ik.Expression.Type()),
			NativeType: "STRING",
		})
	}
	return innerKeys, outerKeys, keyAttributes, nil
}

// divvyKey decides how one outer split key is computed across the two
// query levels.
func divvyKey(name string, key expr.Expression) (inner, outer expr.Expression, attr AttributeInfo) {
	switch v := key.(type) {
	case *expr.TimeBucket:
		ref := &expr.Ref{Name: name, RefType: plywood.Time}
		return v, &expr.TimeBucket{Operand: ref, Duration: v.Duration, Timezone: v.Timezone},
			AttributeInfo{Name: name, Type: plywood.Time, NativeType: "STRING"}
	case *expr.NumberBucket:
		ref := &expr.Ref{Name: name, RefType: plywood.Number}
		return v, &expr.NumberBucket{Operand: ref, Size: v.Size, Offset: v.Offset},
			AttributeInfo{Name: name, Type: plywood.Number, NativeType: "DOUBLE"}
	default:
		t := intermediateType(key.Type())
		nativeType := "STRING"
		if t == plywood.Number {
			nativeType = "DOUBLE"
		}
		return key, &expr.Ref{Name: name, RefType: t},
			AttributeInfo{Name: name, Type: t, NativeType: nativeType}
	}
}

// intermediateType is the type a split label takes once it has passed
// through the inner query's rows.
func intermediateType(t plywood.Type) plywood.Type {
	switch t {
	case plywood.TimeRng:
		return plywood.Time
	case plywood.NumberRng:
		return plywood.Number
	}
	return t
}

// resplitRewriter rewrites apply expressions for the outer query while
// accumulating the inner applies and the intermediate schema.
type resplitRewriter struct {
	ex                     *External
	commonSplit            *expr.Split
	dataName               string
	innerApplies           []Applied
	intermediateAttributes Attributes
	counter                int
}

func (rw *resplitRewriter) nextName(base string) string {
	name := fmt.Sprintf("%s_%d", base, rw.counter)
	rw.counter++
	return name
}

func (rw *resplitRewriter) rewriteApply(apply Applied) (Applied, error) {
	var firstErr error
	rewritten := expr.Substitute(rw.ex.resolveDerived(apply.Expression), func(n expr.Expression) expr.Expression {
		if firstErr != nil {
			return nil
		}
		if rs := parseResplitAgg(n); rs != nil {
			out, err := rw.rewriteResplit(rs)
			if err != nil {
				firstErr = err
				return nil
			}
			return out
		}
		if expr.IsAggregate(n) {
			out, err := rw.pullThrough(apply.Name, n)
			if err != nil {
				firstErr = err
				return nil
			}
			return out
		}
		return nil
	})
	if firstErr != nil {
		return Applied{}, fmt.Errorf("apply %q: %w", apply.Name, firstErr)
	}
	return Applied{Name: apply.Name, Expression: rewritten}, nil
}

// rewriteResplit turns one re-split aggregate into an outer aggregate
// over a fresh intermediate column, registering the inner apply.
func (rw *resplitRewriter) rewriteResplit(rs *resplitAgg) (expr.Expression, error) {
	if rw.commonSplit == nil {
		rw.commonSplit = rs.split
		rw.dataName = rs.dataName
	} else if !expr.Equals(rw.commonSplit, rs.split) {
		return nil, configErrorf("all resplit aggregators must have the same split")
	}

	interName := rw.nextName(rs.innerName)
	dataRef := &expr.Ref{Name: rs.dataName, RefType: plywood.Dataset}

	innerOperand := expr.Expression(dataRef)
	if rs.filter != nil {
		innerOperand = &expr.FilterOp{Operand: dataRef, Expression: rs.filter}
	}
	innerExpr := retargetAggregate(rs.innerExpr, innerOperand, true)
	rw.innerApplies = append(rw.innerApplies, Applied{Name: interName, Expression: innerExpr})
	rw.intermediateAttributes = append(rw.intermediateAttributes,
		AttributeInfo{Name: interName, Type: plywood.Number, NativeType: intermediateNativeType(rs.innerExpr)})

	outerOperand := expr.Expression(dataRef)
	if rs.filter != nil {
		// Buckets where the inner filter matched nothing must not feed
		// the outer aggregate; the auxiliary _def count detects them.
		defName := interName + "_def"
		rw.innerApplies = append(rw.innerApplies, Applied{
			Name:       defName,
			Expression: &expr.Count{Operand: &expr.FilterOp{Operand: dataRef, Expression: rs.filter}},
		})
		rw.intermediateAttributes = append(rw.intermediateAttributes,
			AttributeInfo{Name: defName, Type: plywood.Number, NativeType: "LONG"})
		outerOperand = &expr.FilterOp{
			Operand: dataRef,
			Expression: &expr.Greater{
				Operand:    &expr.Ref{Name: defName, RefType: plywood.Number},
				Expression: &expr.Literal{Value: float64(0), LitType: plywood.Number},
			},
		}
	}

	interRef := &expr.Ref{Name: interName, RefType: plywood.Number}
	outer, err := sameKindAggregate(rs.agg, outerOperand, interRef)
	if err != nil {
		return nil, err
	}
	return outer, nil
}

// pullThrough rewrites a plain aggregate so it can be computed from the
// intermediate rows: count becomes a sum over an inner count, the other
// chain-unary aggregates reapply themselves over their inner result.
func (rw *resplitRewriter) pullThrough(applyName string, n expr.Expression) (expr.Expression, error) {
	dataRef := &expr.Ref{Name: rw.ex.splitDataName(), RefType: plywood.Dataset}
	switch v := n.(type) {
	case *expr.Count:
		interName := rw.nextName(applyName)
		rw.innerApplies = append(rw.innerApplies, Applied{Name: interName, Expression: &expr.Count{Operand: v.Operand}})
		rw.intermediateAttributes = append(rw.intermediateAttributes,
			AttributeInfo{Name: interName, Type: plywood.Number, NativeType: "LONG"})
		return &expr.Sum{Operand: dataRef, Expression: &expr.Ref{Name: interName, RefType: plywood.Number}}, nil
	case *expr.Sum, *expr.Min, *expr.Max:
		interName := rw.nextName(applyName)
		rw.innerApplies = append(rw.innerApplies, Applied{Name: interName, Expression: n})
		rw.intermediateAttributes = append(rw.intermediateAttributes,
			AttributeInfo{Name: interName, Type: plywood.Number, NativeType: intermediateNativeType(n)})
		interRef := &expr.Ref{Name: interName, RefType: plywood.Number}
		return sameKindAggregate(n, dataRef, interRef)
	}
	return nil, unsupportedf("cannot combine %s with a re-split aggregate", expr.Format(n))
}

// sameKindAggregate rebuilds an aggregate of the same kind over a new
// operand and input column.
func sameKindAggregate(model expr.Expression, operand, input expr.Expression) (expr.Expression, error) {
	switch model.(type) {
	case *expr.Sum:
		return &expr.Sum{Operand: operand, Expression: input}, nil
	case *expr.Min:
		return &expr.Min{Operand: operand, Expression: input}, nil
	case *expr.Max:
		return &expr.Max{Operand: operand, Expression: input}, nil
	case *expr.Count:
		return &expr.Sum{Operand: operand, Expression: input}, nil
	case *expr.Average:
		return &expr.Average{Operand: operand, Expression: input}, nil
	}
	return nil, unsupportedf("cannot re-aggregate %s over an intermediate column", expr.Format(model))
}

// retargetAggregate points every aggregate in e at the given operand and
// marks it for finalization inside the inner query.
func retargetAggregate(e expr.Expression, operand expr.Expression, forceFinalize bool) expr.Expression {
	return expr.Substitute(e, func(n expr.Expression) expr.Expression {
		if !expr.IsAggregate(n) {
			return nil
		}
		switch v := n.(type) {
		case *expr.Count:
			return &expr.Count{Operand: operand, Options: withFinalize(v.Options, forceFinalize)}
		case *expr.Sum:
			return &expr.Sum{Operand: operand, Expression: v.Expression, Options: withFinalize(v.Options, forceFinalize)}
		case *expr.Min:
			return &expr.Min{Operand: operand, Expression: v.Expression, Options: withFinalize(v.Options, forceFinalize)}
		case *expr.Max:
			return &expr.Max{Operand: operand, Expression: v.Expression, Options: withFinalize(v.Options, forceFinalize)}
		case *expr.Average:
			return &expr.Average{Operand: operand, Expression: v.Expression, Options: withFinalize(v.Options, forceFinalize)}
		case *expr.CountDistinct:
			return &expr.CountDistinct{Operand: operand, Expression: v.Expression, Options: withFinalize(v.Options, forceFinalize)}
		case *expr.Quantile:
			return &expr.Quantile{Operand: operand, Expression: v.Expression, Value: v.Value, Tuning: v.Tuning, Options: withFinalize(v.Options, forceFinalize)}
		case *expr.CustomAggregate:
			return &expr.CustomAggregate{Operand: operand, Custom: v.Custom, Options: withFinalize(v.Options, forceFinalize)}
		}
		return nil
	})
}

// intermediateNativeType types an intermediate column from the inner
// aggregate that produces it; counts are longs, everything else doubles.
func intermediateNativeType(inner expr.Expression) string {
	if _, ok := inner.(*expr.Count); ok {
		return "LONG"
	}
	return "DOUBLE"
}

func withFinalize(o expr.AggregateOptions, force bool) expr.AggregateOptions {
	if force {
		o.ForceFinalize = true
	}
	return o
}
