package druid

import (
	"time"

	"github.com/plesiecki/plywood/plywood"
	"github.com/plesiecki/plywood/plywood/expr"
)

// wikiAttributes is the schema the planner tests run against.
func wikiAttributes() Attributes {
	return Attributes{
		{Name: "time", Type: plywood.Time, NativeType: TimeColumn},
		{Name: "country", Type: plywood.String, NativeType: "STRING", Cardinality: 200},
		{Name: "channel", Type: plywood.String, NativeType: "STRING", Cardinality: 50},
		{Name: "tags", Type: plywood.SetString, NativeType: "STRING"},
		{Name: "commentLength", Type: plywood.Number, NativeType: "LONG"},
		{Name: "revenue", Type: plywood.Number, NativeType: "DOUBLE"},
		{Name: "added", Type: plywood.Number, NativeType: "LONG", Maker: &Maker{Op: "sum", FieldName: "added"}},
		{Name: "unique_users", Type: plywood.Null, NativeType: "hyperUnique", Unsplitable: true},
	}
}

func wikiExternal(mode Mode) *External {
	return &External{
		Mode:          mode,
		Source:        "wikipedia",
		TimeAttribute: "time",
		RawAttributes: wikiAttributes(),
		Filter:        janFilter(),
	}
}

// janFilter constrains time to January 2020.
func janFilter() expr.Expression {
	return &expr.Overlap{
		Operand: timeRef(),
		Expression: &expr.Literal{
			Value: plywood.TimeRange{
				Start: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
				End:   time.Date(2020, 2, 1, 0, 0, 0, 0, time.UTC),
			},
			LitType: plywood.TimeRng,
		},
	}
}

func timeRef() *expr.Ref {
	return &expr.Ref{Name: "time", RefType: plywood.Time}
}

func ref(name string, t plywood.Type) *expr.Ref {
	return &expr.Ref{Name: name, RefType: t}
}

func dataRef() *expr.Ref {
	return &expr.Ref{Name: "data", RefType: plywood.Dataset}
}

func num(f float64) *expr.Literal {
	return &expr.Literal{Value: f, LitType: plywood.Number}
}

func str(s string) *expr.Literal {
	return &expr.Literal{Value: s, LitType: plywood.String}
}

func stringSet(elements ...string) *expr.Literal {
	values := make([]any, len(elements))
	for i, e := range elements {
		values[i] = e
	}
	return &expr.Literal{Value: plywood.NewSet(plywood.String, values...), LitType: plywood.SetString}
}
