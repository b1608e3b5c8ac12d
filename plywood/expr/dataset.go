package expr

import (
	"github.com/plesiecki/plywood/plywood"
)

// Dataset operations. The planners never evaluate these; they pattern-match
// on them (most importantly in the re-split rewrite, which looks for
// aggregate(apply(split(...))) chains).

// FilterOp keeps the operand dataset's rows satisfying the boolean
// expression.
type FilterOp struct{ Operand, Expression Expression }

// SplitKey is one named group-by key.
type SplitKey struct {
	Name       string
	Expression Expression
}

// Split groups the operand dataset by one or more keys. DataName is the
// name under which each group's rows are visible to nested applies.
type Split struct {
	Operand  Expression
	Keys     []SplitKey
	DataName string
}

// Apply attaches a named column computed per row (or per group) of the
// operand dataset.
type Apply struct {
	Operand    Expression
	Name       string
	Expression Expression
}

// SortOp orders the operand dataset. Direction is "ascending" or
// "descending".
type SortOp struct {
	Operand    Expression
	Expression Expression
	Direction  string
}

// LimitOp truncates the operand dataset.
type LimitOp struct {
	Operand Expression
	Value   int
}

func (*FilterOp) Type() plywood.Type { return plywood.Dataset }
func (*Split) Type() plywood.Type    { return plywood.Dataset }
func (*Apply) Type() plywood.Type    { return plywood.Dataset }
func (*SortOp) Type() plywood.Type   { return plywood.Dataset }
func (*LimitOp) Type() plywood.Type  { return plywood.Dataset }

// SingleKey returns the key when the split has exactly one.
func (s *Split) SingleKey() (SplitKey, bool) {
	if len(s.Keys) == 1 {
		return s.Keys[0], true
	}
	return SplitKey{}, false
}

// AggregateOptions carries out-of-band hints for the aggregation builder.
type AggregateOptions struct {
	// ForceFinalize requires the backend to finalize sketch-backed
	// aggregators inside inner queries of a nested plan.
	ForceFinalize bool
}

// Aggregates. Operand is the dataset being aggregated; Expression (where
// present) is the per-row scalar feeding the aggregate.

type Count struct {
	Operand Expression
	Options AggregateOptions
}

type Sum struct {
	Operand, Expression Expression
	Options             AggregateOptions
}

type Min struct {
	Operand, Expression Expression
	Options             AggregateOptions
}

type Max struct {
	Operand, Expression Expression
	Options             AggregateOptions
}

type Average struct {
	Operand, Expression Expression
	Options             AggregateOptions
}

type CountDistinct struct {
	Operand, Expression Expression
	Options             AggregateOptions
}

// Quantile estimates the Value-th quantile (0..1) of Expression. Tuning is
// a backend-specific parameter string.
type Quantile struct {
	Operand, Expression Expression
	Value               float64
	Tuning              string
	Options             AggregateOptions
}

// CustomAggregate defers to an aggregation registered on the External
// under Custom.
type CustomAggregate struct {
	Operand Expression
	Custom  string
	Options AggregateOptions
}

// Collect gathers Expression values of the group into a set.
type Collect struct {
	Operand, Expression Expression
}

func (*Count) Type() plywood.Type         { return plywood.Number }
func (*Sum) Type() plywood.Type           { return plywood.Number }
func (*Average) Type() plywood.Type       { return plywood.Number }
func (*CountDistinct) Type() plywood.Type { return plywood.Number }
func (*Quantile) Type() plywood.Type      { return plywood.Number }
func (*CustomAggregate) Type() plywood.Type { return plywood.Number }

func (m *Min) Type() plywood.Type {
	if m.Expression != nil && m.Expression.Type() == plywood.Time {
		return plywood.Time
	}
	return plywood.Number
}

func (m *Max) Type() plywood.Type {
	if m.Expression != nil && m.Expression.Type() == plywood.Time {
		return plywood.Time
	}
	return plywood.Number
}

func (c *Collect) Type() plywood.Type {
	if c.Expression != nil {
		return plywood.SetOf(c.Expression.Type())
	}
	return plywood.SetString
}

// AggregateExpression returns the scalar expression an aggregate consumes,
// nil for count and custom aggregates.
func AggregateExpression(e Expression) Expression {
	switch v := e.(type) {
	case *Sum:
		return v.Expression
	case *Min:
		return v.Expression
	case *Max:
		return v.Expression
	case *Average:
		return v.Expression
	case *CountDistinct:
		return v.Expression
	case *Quantile:
		return v.Expression
	case *Collect:
		return v.Expression
	}
	return nil
}

// AggregateOperand returns the dataset operand of an aggregate node.
func AggregateOperand(e Expression) Expression {
	switch v := e.(type) {
	case *Count:
		return v.Operand
	case *Sum:
		return v.Operand
	case *Min:
		return v.Operand
	case *Max:
		return v.Operand
	case *Average:
		return v.Operand
	case *CountDistinct:
		return v.Operand
	case *Quantile:
		return v.Operand
	case *CustomAggregate:
		return v.Operand
	case *Collect:
		return v.Operand
	}
	return nil
}
