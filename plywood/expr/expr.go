// Package expr defines the expression tree the backend planners consume.
//
// File organization:
//   - expr.go: Expression interface, traversal, equality, reference analysis
//   - scalar.go: leaf and scalar operation nodes
//   - dataset.go: dataset operations and aggregate nodes
//   - decode.go: op-tag registry for deserializing expression JSON
//   - format.go: compact textual rendering for error messages
//
// Nodes are plain structs; all dispatch is by type switch. Expressions are
// immutable after construction: traversal helpers rebuild, never mutate.
package expr

import (
	"reflect"
	"sort"

	"github.com/plesiecki/plywood/plywood"
)

// Expression is a node of the typed expression tree.
type Expression interface {
	// Type returns the algebra type this expression evaluates to.
	Type() plywood.Type
}

// Children returns the direct child expressions of e in evaluation order.
// Leaves return nil.
func Children(e Expression) []Expression {
	switch v := e.(type) {
	case *Literal, *Ref, nil:
		return nil
	case *Add:
		return []Expression{v.Operand, v.Expression}
	case *Subtract:
		return []Expression{v.Operand, v.Expression}
	case *Multiply:
		return []Expression{v.Operand, v.Expression}
	case *Divide:
		return []Expression{v.Operand, v.Expression}
	case *Power:
		return []Expression{v.Operand, v.Expression}
	case *Log:
		return []Expression{v.Operand, v.Expression}
	case *Absolute:
		return []Expression{v.Operand}
	case *Cast:
		return []Expression{v.Operand}
	case *Fallback:
		return []Expression{v.Operand, v.Expression}
	case *Then:
		return []Expression{v.Operand, v.Expression}
	case *And:
		return []Expression{v.Operand, v.Expression}
	case *Or:
		return []Expression{v.Operand, v.Expression}
	case *Not:
		return []Expression{v.Operand}
	case *Is:
		return []Expression{v.Operand, v.Expression}
	case *In:
		return []Expression{v.Operand, v.Expression}
	case *Overlap:
		return []Expression{v.Operand, v.Expression}
	case *Contains:
		return []Expression{v.Operand, v.Expression}
	case *Match:
		return []Expression{v.Operand}
	case *Greater:
		return []Expression{v.Operand, v.Expression}
	case *GreaterOrEqual:
		return []Expression{v.Operand, v.Expression}
	case *Less:
		return []Expression{v.Operand, v.Expression}
	case *LessOrEqual:
		return []Expression{v.Operand, v.Expression}
	case *Concat:
		return []Expression{v.Operand, v.Expression}
	case *Length:
		return []Expression{v.Operand}
	case *Substr:
		return []Expression{v.Operand}
	case *Extract:
		return []Expression{v.Operand}
	case *IndexOf:
		return []Expression{v.Operand, v.Expression}
	case *Lookup:
		return []Expression{v.Operand}
	case *CustomTransform:
		return []Expression{v.Operand}
	case *TimeBucket:
		return []Expression{v.Operand}
	case *TimeFloor:
		return []Expression{v.Operand}
	case *TimePart:
		return []Expression{v.Operand}
	case *TimeShift:
		return []Expression{v.Operand}
	case *NumberBucket:
		return []Expression{v.Operand}
	case *Cardinality:
		return []Expression{v.Operand}
	case *FilterOp:
		return []Expression{v.Operand, v.Expression}
	case *Split:
		out := []Expression{v.Operand}
		for _, k := range v.Keys {
			out = append(out, k.Expression)
		}
		return out
	case *Apply:
		return []Expression{v.Operand, v.Expression}
	case *SortOp:
		return []Expression{v.Operand, v.Expression}
	case *LimitOp:
		return []Expression{v.Operand}
	case *Count:
		return []Expression{v.Operand}
	case *Sum:
		return []Expression{v.Operand, v.Expression}
	case *Min:
		return []Expression{v.Operand, v.Expression}
	case *Max:
		return []Expression{v.Operand, v.Expression}
	case *Average:
		return []Expression{v.Operand, v.Expression}
	case *CountDistinct:
		return []Expression{v.Operand, v.Expression}
	case *Quantile:
		return []Expression{v.Operand, v.Expression}
	case *CustomAggregate:
		return []Expression{v.Operand}
	case *Collect:
		return []Expression{v.Operand, v.Expression}
	}
	return nil
}

// Walk visits e and every descendant in pre-order. Visiting stops early when
// fn returns false for a node (its children are skipped).
func Walk(e Expression, fn func(Expression) bool) {
	if e == nil {
		return
	}
	if !fn(e) {
		return
	}
	for _, c := range Children(e) {
		Walk(c, fn)
	}
}

// ContainsOp reports whether any node in e satisfies pred.
func ContainsOp(e Expression, pred func(Expression) bool) bool {
	found := false
	Walk(e, func(n Expression) bool {
		if found {
			return false
		}
		if pred(n) {
			found = true
			return false
		}
		return true
	})
	return found
}

// FreeReferences returns the sorted, distinct names of nest-0 refs in e.
func FreeReferences(e Expression) []string {
	seen := map[string]bool{}
	Walk(e, func(n Expression) bool {
		if r, ok := n.(*Ref); ok && r.Nest == 0 {
			seen[r.Name] = true
		}
		return true
	})
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Equals compares two expressions structurally, by value.
func Equals(a, b Expression) bool {
	return reflect.DeepEqual(a, b)
}

// IsAggregate reports whether e is an aggregate node (count, sum, min, max,
// average, countDistinct, quantile, custom, collect).
func IsAggregate(e Expression) bool {
	switch e.(type) {
	case *Count, *Sum, *Min, *Max, *Average, *CountDistinct, *Quantile, *CustomAggregate, *Collect:
		return true
	}
	return false
}

// IsRefTo reports whether e is a nest-0 ref named name.
func IsRefTo(e Expression, name string) bool {
	r, ok := e.(*Ref)
	return ok && r.Nest == 0 && r.Name == name
}

// Substitute rebuilds e, replacing every node for which fn returns a
// non-nil expression. Replacement is pre-order: a replaced node's children
// are not revisited.
func Substitute(e Expression, fn func(Expression) Expression) Expression {
	if e == nil {
		return nil
	}
	if r := fn(e); r != nil {
		return r
	}
	sub := func(c Expression) Expression { return Substitute(c, fn) }
	switch v := e.(type) {
	case *Add:
		return &Add{Operand: sub(v.Operand), Expression: sub(v.Expression)}
	case *Subtract:
		return &Subtract{Operand: sub(v.Operand), Expression: sub(v.Expression)}
	case *Multiply:
		return &Multiply{Operand: sub(v.Operand), Expression: sub(v.Expression)}
	case *Divide:
		return &Divide{Operand: sub(v.Operand), Expression: sub(v.Expression)}
	case *Power:
		return &Power{Operand: sub(v.Operand), Expression: sub(v.Expression)}
	case *Log:
		return &Log{Operand: sub(v.Operand), Expression: sub(v.Expression)}
	case *Absolute:
		return &Absolute{Operand: sub(v.Operand)}
	case *Cast:
		return &Cast{Operand: sub(v.Operand), OutputType: v.OutputType}
	case *Fallback:
		return &Fallback{Operand: sub(v.Operand), Expression: sub(v.Expression)}
	case *Then:
		return &Then{Operand: sub(v.Operand), Expression: sub(v.Expression)}
	case *And:
		return &And{Operand: sub(v.Operand), Expression: sub(v.Expression)}
	case *Or:
		return &Or{Operand: sub(v.Operand), Expression: sub(v.Expression)}
	case *Not:
		return &Not{Operand: sub(v.Operand)}
	case *Is:
		return &Is{Operand: sub(v.Operand), Expression: sub(v.Expression)}
	case *In:
		return &In{Operand: sub(v.Operand), Expression: sub(v.Expression)}
	case *Overlap:
		return &Overlap{Operand: sub(v.Operand), Expression: sub(v.Expression)}
	case *Contains:
		return &Contains{Operand: sub(v.Operand), Expression: sub(v.Expression), Compare: v.Compare}
	case *Match:
		return &Match{Operand: sub(v.Operand), Regexp: v.Regexp}
	case *Greater:
		return &Greater{Operand: sub(v.Operand), Expression: sub(v.Expression)}
	case *GreaterOrEqual:
		return &GreaterOrEqual{Operand: sub(v.Operand), Expression: sub(v.Expression)}
	case *Less:
		return &Less{Operand: sub(v.Operand), Expression: sub(v.Expression)}
	case *LessOrEqual:
		return &LessOrEqual{Operand: sub(v.Operand), Expression: sub(v.Expression)}
	case *Concat:
		return &Concat{Operand: sub(v.Operand), Expression: sub(v.Expression)}
	case *Length:
		return &Length{Operand: sub(v.Operand)}
	case *Substr:
		return &Substr{Operand: sub(v.Operand), Position: v.Position, Len: v.Len}
	case *Extract:
		return &Extract{Operand: sub(v.Operand), Regexp: v.Regexp}
	case *IndexOf:
		return &IndexOf{Operand: sub(v.Operand), Expression: sub(v.Expression)}
	case *Lookup:
		return &Lookup{Operand: sub(v.Operand), LookupName: v.LookupName, RetainMissing: v.RetainMissing, ReplaceMissingWith: v.ReplaceMissingWith}
	case *CustomTransform:
		return &CustomTransform{Operand: sub(v.Operand), Custom: v.Custom, OutputType: v.OutputType}
	case *TimeBucket:
		return &TimeBucket{Operand: sub(v.Operand), Duration: v.Duration, Timezone: v.Timezone}
	case *TimeFloor:
		return &TimeFloor{Operand: sub(v.Operand), Duration: v.Duration, Timezone: v.Timezone}
	case *TimePart:
		return &TimePart{Operand: sub(v.Operand), Part: v.Part, Timezone: v.Timezone}
	case *TimeShift:
		return &TimeShift{Operand: sub(v.Operand), Duration: v.Duration, Step: v.Step, Timezone: v.Timezone}
	case *NumberBucket:
		return &NumberBucket{Operand: sub(v.Operand), Size: v.Size, Offset: v.Offset}
	case *Cardinality:
		return &Cardinality{Operand: sub(v.Operand)}
	case *FilterOp:
		return &FilterOp{Operand: sub(v.Operand), Expression: sub(v.Expression)}
	case *Split:
		keys := make([]SplitKey, len(v.Keys))
		for i, k := range v.Keys {
			keys[i] = SplitKey{Name: k.Name, Expression: sub(k.Expression)}
		}
		return &Split{Operand: sub(v.Operand), Keys: keys, DataName: v.DataName}
	case *Apply:
		return &Apply{Operand: sub(v.Operand), Name: v.Name, Expression: sub(v.Expression)}
	case *SortOp:
		return &SortOp{Operand: sub(v.Operand), Expression: sub(v.Expression), Direction: v.Direction}
	case *LimitOp:
		return &LimitOp{Operand: sub(v.Operand), Value: v.Value}
	case *Count:
		return &Count{Operand: sub(v.Operand), Options: v.Options}
	case *Sum:
		return &Sum{Operand: sub(v.Operand), Expression: sub(v.Expression), Options: v.Options}
	case *Min:
		return &Min{Operand: sub(v.Operand), Expression: sub(v.Expression), Options: v.Options}
	case *Max:
		return &Max{Operand: sub(v.Operand), Expression: sub(v.Expression), Options: v.Options}
	case *Average:
		return &Average{Operand: sub(v.Operand), Expression: sub(v.Expression), Options: v.Options}
	case *CountDistinct:
		return &CountDistinct{Operand: sub(v.Operand), Expression: sub(v.Expression), Options: v.Options}
	case *Quantile:
		return &Quantile{Operand: sub(v.Operand), Expression: sub(v.Expression), Value: v.Value, Tuning: v.Tuning, Options: v.Options}
	case *CustomAggregate:
		return &CustomAggregate{Operand: sub(v.Operand), Custom: v.Custom, Options: v.Options}
	case *Collect:
		return &Collect{Operand: sub(v.Operand), Expression: sub(v.Expression)}
	}
	return e
}
