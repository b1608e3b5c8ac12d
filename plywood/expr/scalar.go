package expr

import (
	"github.com/plesiecki/plywood/plywood"
)

// Literal is a constant leaf. LitType records the declared algebra type;
// Value holds the Go representation (float64, string, bool, time.Time,
// plywood.Set, plywood.TimeRange, plywood.NumberRange, or nil).
type Literal struct {
	Value   any
	LitType plywood.Type
}

func (l *Literal) Type() plywood.Type { return l.LitType }

// NewLiteral infers the algebra type from the Go value.
func NewLiteral(v any) *Literal {
	return &Literal{Value: v, LitType: inferType(v)}
}

func inferType(v any) plywood.Type {
	switch tv := v.(type) {
	case nil:
		return plywood.Null
	case bool:
		return plywood.Boolean
	case float64, int, int64:
		return plywood.Number
	case string:
		return plywood.String
	case plywood.Set:
		return plywood.SetOf(tv.SetType)
	case plywood.TimeRange:
		return plywood.TimeRng
	case plywood.NumberRange:
		return plywood.NumberRng
	default:
		return plywood.Time // time.Time
	}
}

// True and False are the boolean literal constructors the planners compare
// against when deciding whether a filter is trivial.
func True() *Literal  { return &Literal{Value: true, LitType: plywood.Boolean} }
func False() *Literal { return &Literal{Value: false, LitType: plywood.Boolean} }

// IsTrue reports whether e is the literal TRUE.
func IsTrue(e Expression) bool {
	l, ok := e.(*Literal)
	return ok && l.LitType == plywood.Boolean && l.Value == true
}

// IsFalse reports whether e is the literal FALSE.
func IsFalse(e Expression) bool {
	l, ok := e.(*Literal)
	return ok && l.LitType == plywood.Boolean && l.Value == false
}

// Ref is a named reference leaf. Nest > 0 resolves the name from an
// enclosing split scope and can never be lowered directly.
type Ref struct {
	Name       string
	Nest       int
	RefType    plywood.Type
	IgnoreCase bool
}

func (r *Ref) Type() plywood.Type { return r.RefType }

// NewRef builds a nest-0 ref of the given type.
func NewRef(name string, t plywood.Type) *Ref {
	return &Ref{Name: name, RefType: t}
}

// Arithmetic.

type Add struct{ Operand, Expression Expression }
type Subtract struct{ Operand, Expression Expression }
type Multiply struct{ Operand, Expression Expression }
type Divide struct{ Operand, Expression Expression }
type Power struct{ Operand, Expression Expression }
type Log struct{ Operand, Expression Expression } // Expression is the base
type Absolute struct{ Operand Expression }

func (*Add) Type() plywood.Type      { return plywood.Number }
func (*Subtract) Type() plywood.Type { return plywood.Number }
func (*Multiply) Type() plywood.Type { return plywood.Number }
func (*Divide) Type() plywood.Type   { return plywood.Number }
func (*Power) Type() plywood.Type    { return plywood.Number }
func (*Log) Type() plywood.Type      { return plywood.Number }
func (*Absolute) Type() plywood.Type { return plywood.Number }

// Cast coerces its operand to OutputType.
type Cast struct {
	Operand    Expression
	OutputType plywood.Type
}

func (c *Cast) Type() plywood.Type { return c.OutputType }

// Fallback yields the operand unless it is null, then the alternative.
type Fallback struct{ Operand, Expression Expression }

func (f *Fallback) Type() plywood.Type {
	if f.Operand != nil && f.Operand.Type() != plywood.Null {
		return f.Operand.Type()
	}
	if f.Expression != nil {
		return f.Expression.Type()
	}
	return plywood.Null
}

// Then yields the expression when the boolean operand holds, else null.
type Then struct{ Operand, Expression Expression }

func (t *Then) Type() plywood.Type {
	if t.Expression != nil {
		return t.Expression.Type()
	}
	return plywood.Null
}

// Logic and comparison.

type And struct{ Operand, Expression Expression }
type Or struct{ Operand, Expression Expression }
type Not struct{ Operand Expression }
type Is struct{ Operand, Expression Expression }
type In struct{ Operand, Expression Expression }
type Overlap struct{ Operand, Expression Expression }
type Greater struct{ Operand, Expression Expression }
type GreaterOrEqual struct{ Operand, Expression Expression }
type Less struct{ Operand, Expression Expression }
type LessOrEqual struct{ Operand, Expression Expression }

// Contains matches substrings; Compare is "normal" or "ignoreCase".
type Contains struct {
	Operand, Expression Expression
	Compare             string
}

// Match tests the operand against a regular expression.
type Match struct {
	Operand Expression
	Regexp  string
}

func (*And) Type() plywood.Type            { return plywood.Boolean }
func (*Or) Type() plywood.Type             { return plywood.Boolean }
func (*Not) Type() plywood.Type            { return plywood.Boolean }
func (*Is) Type() plywood.Type             { return plywood.Boolean }
func (*In) Type() plywood.Type             { return plywood.Boolean }
func (*Overlap) Type() plywood.Type        { return plywood.Boolean }
func (*Contains) Type() plywood.Type       { return plywood.Boolean }
func (*Match) Type() plywood.Type          { return plywood.Boolean }
func (*Greater) Type() plywood.Type        { return plywood.Boolean }
func (*GreaterOrEqual) Type() plywood.Type { return plywood.Boolean }
func (*Less) Type() plywood.Type           { return plywood.Boolean }
func (*LessOrEqual) Type() plywood.Type    { return plywood.Boolean }

// Strings.

type Concat struct{ Operand, Expression Expression }
type Length struct{ Operand Expression }

// Substr takes Len characters starting at Position (0-based).
type Substr struct {
	Operand  Expression
	Position int
	Len      int
}

// Extract captures the first group of Regexp applied to the operand.
type Extract struct {
	Operand Expression
	Regexp  string
}

// IndexOf finds the position of Expression within Operand, -1 when absent.
type IndexOf struct{ Operand, Expression Expression }

// Lookup maps the operand through a registered lookup table.
type Lookup struct {
	Operand            Expression
	LookupName         string
	RetainMissing      bool
	ReplaceMissingWith string
}

// CustomTransform applies a transform registered on the External under
// Custom. Its output type defaults to STRING.
type CustomTransform struct {
	Operand    Expression
	Custom     string
	OutputType plywood.Type
}

func (*Concat) Type() plywood.Type  { return plywood.String }
func (*Length) Type() plywood.Type  { return plywood.Number }
func (*Substr) Type() plywood.Type  { return plywood.String }
func (*Extract) Type() plywood.Type { return plywood.String }
func (*IndexOf) Type() plywood.Type { return plywood.Number }
func (*Lookup) Type() plywood.Type  { return plywood.String }
func (c *CustomTransform) Type() plywood.Type {
	if c.OutputType != "" {
		return c.OutputType
	}
	return plywood.String
}

// Time.

// TimeBucket floors the operand to a period boundary and widens it to the
// whole bucket range. Duration is an ISO period such as "P1D" or "PT1H".
type TimeBucket struct {
	Operand  Expression
	Duration string
	Timezone string
}

// TimeFloor floors the operand to a period boundary, keeping it an instant.
type TimeFloor struct {
	Operand  Expression
	Duration string
	Timezone string
}

// TimePart extracts a named component ("HOUR_OF_DAY", "DAY_OF_WEEK", ...).
type TimePart struct {
	Operand  Expression
	Part     string
	Timezone string
}

// TimeShift moves the operand by Step durations.
type TimeShift struct {
	Operand  Expression
	Duration string
	Step     int
	Timezone string
}

// NumberBucket buckets the operand into ranges of Size starting at Offset.
type NumberBucket struct {
	Operand Expression
	Size    float64
	Offset  float64
}

func (*TimeBucket) Type() plywood.Type   { return plywood.TimeRng }
func (*TimeFloor) Type() plywood.Type    { return plywood.Time }
func (*TimePart) Type() plywood.Type     { return plywood.Number }
func (*TimeShift) Type() plywood.Type    { return plywood.Time }
func (*NumberBucket) Type() plywood.Type { return plywood.NumberRng }

// Cardinality yields the element count of a set-typed operand.
type Cardinality struct{ Operand Expression }

func (*Cardinality) Type() plywood.Type { return plywood.Number }
