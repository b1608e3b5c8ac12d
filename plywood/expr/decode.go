package expr

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/plesiecki/plywood/plywood"
)

// Decoding is the only place an op-name registry exists; everything else in
// the package dispatches on the concrete node type.

type rawNode struct {
	Op         string          `json:"op"`
	Operand    json.RawMessage `json:"operand"`
	Expression json.RawMessage `json:"expression"`

	Name       string          `json:"name"`
	TypeName   plywood.Type    `json:"type"`
	Nest       int             `json:"nest"`
	IgnoreCase bool            `json:"ignoreCase"`
	Value      json.RawMessage `json:"value"`

	Duration string `json:"duration"`
	Timezone string `json:"timezone"`
	Part     string `json:"part"`
	Step     int    `json:"step"`

	Regexp   string  `json:"regexp"`
	Position int     `json:"position"`
	Len      int     `json:"len"`
	Compare  string  `json:"compare"`
	Size     float64 `json:"size"`
	Offset   float64 `json:"offset"`

	LookupName         string `json:"lookup"`
	RetainMissing      bool   `json:"retainMissingValue"`
	ReplaceMissingWith string `json:"replaceMissingValueWith"`
	Custom             string `json:"custom"`
	Tuning             string `json:"tuning"`

	DataName  string `json:"dataName"`
	Direction string `json:"direction"`
	Keys      []struct {
		Name       string          `json:"name"`
		Expression json.RawMessage `json:"expression"`
	} `json:"keys"`

	ForceFinalize bool `json:"forceFinalize"`
}

type decodeFn func(*rawNode) (Expression, error)

var decoders map[string]decodeFn

func init() {
	decoders = map[string]decodeFn{
		"literal": decodeLiteral,
		"ref": func(n *rawNode) (Expression, error) {
			if n.Name == "" {
				return nil, fmt.Errorf("ref requires a name")
			}
			return &Ref{Name: n.Name, Nest: n.Nest, RefType: n.TypeName, IgnoreCase: n.IgnoreCase}, nil
		},
		"add":      binaryDecoder(func(a, b Expression) Expression { return &Add{a, b} }),
		"subtract": binaryDecoder(func(a, b Expression) Expression { return &Subtract{a, b} }),
		"multiply": binaryDecoder(func(a, b Expression) Expression { return &Multiply{a, b} }),
		"divide":   binaryDecoder(func(a, b Expression) Expression { return &Divide{a, b} }),
		"power":    binaryDecoder(func(a, b Expression) Expression { return &Power{a, b} }),
		"log":      binaryDecoder(func(a, b Expression) Expression { return &Log{a, b} }),
		"absolute": unaryDecoder(func(a Expression) Expression { return &Absolute{a} }),
		"cast": func(n *rawNode) (Expression, error) {
			op, err := decodeChild(n.Operand)
			if err != nil {
				return nil, err
			}
			return &Cast{Operand: op, OutputType: n.TypeName}, nil
		},
		"fallback":       binaryDecoder(func(a, b Expression) Expression { return &Fallback{a, b} }),
		"then":           binaryDecoder(func(a, b Expression) Expression { return &Then{a, b} }),
		"and":            binaryDecoder(func(a, b Expression) Expression { return &And{a, b} }),
		"or":             binaryDecoder(func(a, b Expression) Expression { return &Or{a, b} }),
		"not":            unaryDecoder(func(a Expression) Expression { return &Not{a} }),
		"is":             binaryDecoder(func(a, b Expression) Expression { return &Is{a, b} }),
		"in":             binaryDecoder(func(a, b Expression) Expression { return &In{a, b} }),
		"overlap":        binaryDecoder(func(a, b Expression) Expression { return &Overlap{a, b} }),
		"greaterThan":    binaryDecoder(func(a, b Expression) Expression { return &Greater{a, b} }),
		"greaterOrEqual": binaryDecoder(func(a, b Expression) Expression { return &GreaterOrEqual{a, b} }),
		"lessThan":       binaryDecoder(func(a, b Expression) Expression { return &Less{a, b} }),
		"lessOrEqual":    binaryDecoder(func(a, b Expression) Expression { return &LessOrEqual{a, b} }),
		"contains": func(n *rawNode) (Expression, error) {
			a, b, err := decodePair(n)
			if err != nil {
				return nil, err
			}
			return &Contains{Operand: a, Expression: b, Compare: n.Compare}, nil
		},
		"match": func(n *rawNode) (Expression, error) {
			op, err := decodeChild(n.Operand)
			if err != nil {
				return nil, err
			}
			return &Match{Operand: op, Regexp: n.Regexp}, nil
		},
		"concat": binaryDecoder(func(a, b Expression) Expression { return &Concat{a, b} }),
		"length": unaryDecoder(func(a Expression) Expression { return &Length{a} }),
		"substr": func(n *rawNode) (Expression, error) {
			op, err := decodeChild(n.Operand)
			if err != nil {
				return nil, err
			}
			return &Substr{Operand: op, Position: n.Position, Len: n.Len}, nil
		},
		"extract": func(n *rawNode) (Expression, error) {
			op, err := decodeChild(n.Operand)
			if err != nil {
				return nil, err
			}
			return &Extract{Operand: op, Regexp: n.Regexp}, nil
		},
		"indexOf": binaryDecoder(func(a, b Expression) Expression { return &IndexOf{a, b} }),
		"lookup": func(n *rawNode) (Expression, error) {
			op, err := decodeChild(n.Operand)
			if err != nil {
				return nil, err
			}
			return &Lookup{Operand: op, LookupName: n.LookupName, RetainMissing: n.RetainMissing, ReplaceMissingWith: n.ReplaceMissingWith}, nil
		},
		"customTransform": func(n *rawNode) (Expression, error) {
			op, err := decodeChild(n.Operand)
			if err != nil {
				return nil, err
			}
			return &CustomTransform{Operand: op, Custom: n.Custom, OutputType: n.TypeName}, nil
		},
		"timeBucket": func(n *rawNode) (Expression, error) {
			op, err := decodeChild(n.Operand)
			if err != nil {
				return nil, err
			}
			return &TimeBucket{Operand: op, Duration: n.Duration, Timezone: n.Timezone}, nil
		},
		"timeFloor": func(n *rawNode) (Expression, error) {
			op, err := decodeChild(n.Operand)
			if err != nil {
				return nil, err
			}
			return &TimeFloor{Operand: op, Duration: n.Duration, Timezone: n.Timezone}, nil
		},
		"timePart": func(n *rawNode) (Expression, error) {
			op, err := decodeChild(n.Operand)
			if err != nil {
				return nil, err
			}
			return &TimePart{Operand: op, Part: n.Part, Timezone: n.Timezone}, nil
		},
		"timeShift": func(n *rawNode) (Expression, error) {
			op, err := decodeChild(n.Operand)
			if err != nil {
				return nil, err
			}
			return &TimeShift{Operand: op, Duration: n.Duration, Step: n.Step, Timezone: n.Timezone}, nil
		},
		"numberBucket": func(n *rawNode) (Expression, error) {
			op, err := decodeChild(n.Operand)
			if err != nil {
				return nil, err
			}
			return &NumberBucket{Operand: op, Size: n.Size, Offset: n.Offset}, nil
		},
		"cardinality": unaryDecoder(func(a Expression) Expression { return &Cardinality{a} }),
		"filter":      binaryDecoder(func(a, b Expression) Expression { return &FilterOp{a, b} }),
		"split": func(n *rawNode) (Expression, error) {
			op, err := decodeChild(n.Operand)
			if err != nil {
				return nil, err
			}
			keys := make([]SplitKey, 0, len(n.Keys))
			for _, k := range n.Keys {
				ke, err := decodeChild(k.Expression)
				if err != nil {
					return nil, err
				}
				keys = append(keys, SplitKey{Name: k.Name, Expression: ke})
			}
			return &Split{Operand: op, Keys: keys, DataName: n.DataName}, nil
		},
		"apply": func(n *rawNode) (Expression, error) {
			a, b, err := decodePair(n)
			if err != nil {
				return nil, err
			}
			return &Apply{Operand: a, Name: n.Name, Expression: b}, nil
		},
		"sort": func(n *rawNode) (Expression, error) {
			a, b, err := decodePair(n)
			if err != nil {
				return nil, err
			}
			return &SortOp{Operand: a, Expression: b, Direction: n.Direction}, nil
		},
		"limit": func(n *rawNode) (Expression, error) {
			op, err := decodeChild(n.Operand)
			if err != nil {
				return nil, err
			}
			var limit int
			if err := json.Unmarshal(n.Value, &limit); err != nil {
				return nil, fmt.Errorf("limit value: %w", err)
			}
			return &LimitOp{Operand: op, Value: limit}, nil
		},
		"count": func(n *rawNode) (Expression, error) {
			op, err := decodeChild(n.Operand)
			if err != nil {
				return nil, err
			}
			return &Count{Operand: op, Options: AggregateOptions{ForceFinalize: n.ForceFinalize}}, nil
		},
		"sum": aggDecoder(func(a, b Expression, o AggregateOptions) Expression { return &Sum{a, b, o} }),
		"min": aggDecoder(func(a, b Expression, o AggregateOptions) Expression { return &Min{a, b, o} }),
		"max": aggDecoder(func(a, b Expression, o AggregateOptions) Expression { return &Max{a, b, o} }),
		"average": aggDecoder(func(a, b Expression, o AggregateOptions) Expression {
			return &Average{a, b, o}
		}),
		"countDistinct": aggDecoder(func(a, b Expression, o AggregateOptions) Expression {
			return &CountDistinct{a, b, o}
		}),
		"quantile": func(n *rawNode) (Expression, error) {
			a, b, err := decodePair(n)
			if err != nil {
				return nil, err
			}
			var q float64
			if len(n.Value) > 0 {
				if err := json.Unmarshal(n.Value, &q); err != nil {
					return nil, fmt.Errorf("quantile value: %w", err)
				}
			}
			return &Quantile{Operand: a, Expression: b, Value: q, Tuning: n.Tuning,
				Options: AggregateOptions{ForceFinalize: n.ForceFinalize}}, nil
		},
		"customAggregate": func(n *rawNode) (Expression, error) {
			op, err := decodeChild(n.Operand)
			if err != nil {
				return nil, err
			}
			return &CustomAggregate{Operand: op, Custom: n.Custom,
				Options: AggregateOptions{ForceFinalize: n.ForceFinalize}}, nil
		},
		"collect": binaryDecoder(func(a, b Expression) Expression { return &Collect{a, b} }),
	}
}

// Decode deserializes an expression from its JSON form. The op tag selects
// the node variant.
func Decode(data []byte) (Expression, error) {
	var n rawNode
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("malformed expression JSON: %w", err)
	}
	fn, ok := decoders[n.Op]
	if !ok {
		return nil, fmt.Errorf("unknown expression op %q", n.Op)
	}
	return fn(&n)
}

func decodeChild(raw json.RawMessage) (Expression, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	return Decode(raw)
}

func decodePair(n *rawNode) (Expression, Expression, error) {
	a, err := decodeChild(n.Operand)
	if err != nil {
		return nil, nil, err
	}
	b, err := decodeChild(n.Expression)
	if err != nil {
		return nil, nil, err
	}
	return a, b, nil
}

func unaryDecoder(mk func(Expression) Expression) decodeFn {
	return func(n *rawNode) (Expression, error) {
		op, err := decodeChild(n.Operand)
		if err != nil {
			return nil, err
		}
		return mk(op), nil
	}
}

func binaryDecoder(mk func(a, b Expression) Expression) decodeFn {
	return func(n *rawNode) (Expression, error) {
		a, b, err := decodePair(n)
		if err != nil {
			return nil, err
		}
		return mk(a, b), nil
	}
}

func aggDecoder(mk func(a, b Expression, o AggregateOptions) Expression) decodeFn {
	return func(n *rawNode) (Expression, error) {
		a, b, err := decodePair(n)
		if err != nil {
			return nil, err
		}
		return mk(a, b, AggregateOptions{ForceFinalize: n.ForceFinalize}), nil
	}
}

func decodeLiteral(n *rawNode) (Expression, error) {
	t := n.TypeName
	if len(n.Value) == 0 || string(n.Value) == "null" {
		if t == "" {
			t = plywood.Null
		}
		return &Literal{Value: nil, LitType: t}, nil
	}
	switch t {
	case plywood.Boolean:
		var b bool
		if err := json.Unmarshal(n.Value, &b); err != nil {
			return nil, fmt.Errorf("boolean literal: %w", err)
		}
		return &Literal{Value: b, LitType: t}, nil
	case plywood.Number:
		var f float64
		if err := json.Unmarshal(n.Value, &f); err != nil {
			return nil, fmt.Errorf("number literal: %w", err)
		}
		return &Literal{Value: f, LitType: t}, nil
	case plywood.String:
		var s string
		if err := json.Unmarshal(n.Value, &s); err != nil {
			return nil, fmt.Errorf("string literal: %w", err)
		}
		return &Literal{Value: s, LitType: t}, nil
	case plywood.Time:
		var s string
		if err := json.Unmarshal(n.Value, &s); err != nil {
			return nil, fmt.Errorf("time literal: %w", err)
		}
		ts, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, fmt.Errorf("time literal %q: %w", s, err)
		}
		return &Literal{Value: ts, LitType: t}, nil
	case plywood.TimeRng:
		var r struct {
			Start  string `json:"start"`
			End    string `json:"end"`
			Bounds string `json:"bounds"`
		}
		if err := json.Unmarshal(n.Value, &r); err != nil {
			return nil, fmt.Errorf("time range literal: %w", err)
		}
		start, err := time.Parse(time.RFC3339, r.Start)
		if err != nil {
			return nil, fmt.Errorf("time range start %q: %w", r.Start, err)
		}
		end, err := time.Parse(time.RFC3339, r.End)
		if err != nil {
			return nil, fmt.Errorf("time range end %q: %w", r.End, err)
		}
		return &Literal{Value: plywood.TimeRange{Start: start, End: end, Bounds: r.Bounds}, LitType: t}, nil
	case plywood.NumberRng:
		var r struct {
			Start  *float64 `json:"start"`
			End    *float64 `json:"end"`
			Bounds string   `json:"bounds"`
		}
		if err := json.Unmarshal(n.Value, &r); err != nil {
			return nil, fmt.Errorf("number range literal: %w", err)
		}
		return &Literal{Value: plywood.NumberRange{Start: r.Start, End: r.End, Bounds: r.Bounds}, LitType: t}, nil
	default:
		if t.IsSet() {
			var elems struct {
				Elements []any `json:"elements"`
			}
			if err := json.Unmarshal(n.Value, &elems); err != nil {
				return nil, fmt.Errorf("set literal: %w", err)
			}
			return &Literal{Value: plywood.NewSet(plywood.ElementOf(t), elems.Elements...), LitType: t}, nil
		}
		var v any
		if err := json.Unmarshal(n.Value, &v); err != nil {
			return nil, fmt.Errorf("literal: %w", err)
		}
		return &Literal{Value: v, LitType: inferType(v)}, nil
	}
}
