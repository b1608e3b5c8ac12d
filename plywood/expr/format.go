package expr

import (
	"fmt"
	"strings"
)

// Format renders an expression compactly for error messages. It is not a
// parseable syntax.
func Format(e Expression) string {
	switch v := e.(type) {
	case nil:
		return "<nil>"
	case *Literal:
		if s, ok := v.Value.(string); ok {
			return fmt.Sprintf("%q", s)
		}
		return fmt.Sprintf("%v", v.Value)
	case *Ref:
		if v.Nest > 0 {
			return "$" + strings.Repeat("^", v.Nest) + v.Name
		}
		return "$" + v.Name
	case *Add:
		return binary(v.Operand, "+", v.Expression)
	case *Subtract:
		return binary(v.Operand, "-", v.Expression)
	case *Multiply:
		return binary(v.Operand, "*", v.Expression)
	case *Divide:
		return binary(v.Operand, "/", v.Expression)
	case *Power:
		return call("power", v.Operand, v.Expression)
	case *Log:
		return call("log", v.Operand, v.Expression)
	case *Absolute:
		return call("abs", v.Operand)
	case *Cast:
		return fmt.Sprintf("cast(%s, %s)", Format(v.Operand), v.OutputType)
	case *Fallback:
		return call("fallback", v.Operand, v.Expression)
	case *Then:
		return call("then", v.Operand, v.Expression)
	case *And:
		return binary(v.Operand, "and", v.Expression)
	case *Or:
		return binary(v.Operand, "or", v.Expression)
	case *Not:
		return call("not", v.Operand)
	case *Is:
		return binary(v.Operand, "==", v.Expression)
	case *In:
		return binary(v.Operand, "in", v.Expression)
	case *Overlap:
		return binary(v.Operand, "overlap", v.Expression)
	case *Contains:
		return call("contains", v.Operand, v.Expression)
	case *Match:
		return fmt.Sprintf("match(%s, /%s/)", Format(v.Operand), v.Regexp)
	case *Greater:
		return binary(v.Operand, ">", v.Expression)
	case *GreaterOrEqual:
		return binary(v.Operand, ">=", v.Expression)
	case *Less:
		return binary(v.Operand, "<", v.Expression)
	case *LessOrEqual:
		return binary(v.Operand, "<=", v.Expression)
	case *Concat:
		return binary(v.Operand, "++", v.Expression)
	case *Length:
		return call("length", v.Operand)
	case *Substr:
		return fmt.Sprintf("substr(%s, %d, %d)", Format(v.Operand), v.Position, v.Len)
	case *Extract:
		return fmt.Sprintf("extract(%s, /%s/)", Format(v.Operand), v.Regexp)
	case *IndexOf:
		return call("indexOf", v.Operand, v.Expression)
	case *Lookup:
		return fmt.Sprintf("lookup(%s, %q)", Format(v.Operand), v.LookupName)
	case *CustomTransform:
		return fmt.Sprintf("customTransform(%s, %q)", Format(v.Operand), v.Custom)
	case *TimeBucket:
		return fmt.Sprintf("timeBucket(%s, %s)", Format(v.Operand), v.Duration)
	case *TimeFloor:
		return fmt.Sprintf("timeFloor(%s, %s)", Format(v.Operand), v.Duration)
	case *TimePart:
		return fmt.Sprintf("timePart(%s, %s)", Format(v.Operand), v.Part)
	case *TimeShift:
		return fmt.Sprintf("timeShift(%s, %s, %d)", Format(v.Operand), v.Duration, v.Step)
	case *NumberBucket:
		return fmt.Sprintf("numberBucket(%s, %v)", Format(v.Operand), v.Size)
	case *Cardinality:
		return call("cardinality", v.Operand)
	case *FilterOp:
		return fmt.Sprintf("%s.filter(%s)", Format(v.Operand), Format(v.Expression))
	case *Split:
		parts := make([]string, len(v.Keys))
		for i, k := range v.Keys {
			parts[i] = fmt.Sprintf("%s: %s", k.Name, Format(k.Expression))
		}
		return fmt.Sprintf("%s.split{%s}", Format(v.Operand), strings.Join(parts, ", "))
	case *Apply:
		return fmt.Sprintf("%s.apply(%s, %s)", Format(v.Operand), v.Name, Format(v.Expression))
	case *SortOp:
		return fmt.Sprintf("%s.sort(%s, %s)", Format(v.Operand), Format(v.Expression), v.Direction)
	case *LimitOp:
		return fmt.Sprintf("%s.limit(%d)", Format(v.Operand), v.Value)
	case *Count:
		return Format(v.Operand) + ".count()"
	case *Sum:
		return method(v.Operand, "sum", v.Expression)
	case *Min:
		return method(v.Operand, "min", v.Expression)
	case *Max:
		return method(v.Operand, "max", v.Expression)
	case *Average:
		return method(v.Operand, "average", v.Expression)
	case *CountDistinct:
		return method(v.Operand, "countDistinct", v.Expression)
	case *Quantile:
		return fmt.Sprintf("%s.quantile(%s, %v)", Format(v.Operand), Format(v.Expression), v.Value)
	case *CustomAggregate:
		return fmt.Sprintf("%s.customAggregate(%q)", Format(v.Operand), v.Custom)
	case *Collect:
		return method(v.Operand, "collect", v.Expression)
	}
	return fmt.Sprintf("<%T>", e)
}

func binary(a Expression, op string, b Expression) string {
	return fmt.Sprintf("(%s %s %s)", Format(a), op, Format(b))
}

func call(name string, args ...Expression) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = Format(a)
	}
	return fmt.Sprintf("%s(%s)", name, strings.Join(parts, ", "))
}

func method(operand Expression, name string, arg Expression) string {
	return fmt.Sprintf("%s.%s(%s)", Format(operand), name, Format(arg))
}
