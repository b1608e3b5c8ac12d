package druid

import (
	"fmt"
	"strings"
	"time"

	"github.com/plesiecki/plywood/plywood/expr"
	"github.com/plesiecki/plywood/plywood"
)

// expressionLowerer maps scalar expressions to Druid's native expression
// dialect. Pure; the only state is the time-column mapping.
type expressionLowerer struct {
	timeAttribute string
}

// Lower renders e as a native expression string.
func (l *expressionLowerer) Lower(e expr.Expression) (string, error) {
	switch v := e.(type) {
	case *expr.Literal:
		return l.literal(v)
	case *expr.Ref:
		if v.Nest != 0 {
			return "", unsupportedf("nested ref %s cannot be lowered", expr.Format(v))
		}
		if v.Name == l.timeAttribute {
			return `"` + TimeColumn + `"`, nil
		}
		return `"` + v.Name + `"`, nil
	case *expr.Add:
		return l.binary(v.Operand, "+", v.Expression)
	case *expr.Subtract:
		return l.binary(v.Operand, "-", v.Expression)
	case *expr.Multiply:
		return l.binary(v.Operand, "*", v.Expression)
	case *expr.Divide:
		return l.binary(v.Operand, "/", v.Expression)
	case *expr.Power:
		return l.fn("pow", v.Operand, v.Expression)
	case *expr.Log:
		a, err := l.Lower(v.Operand)
		if err != nil {
			return "", err
		}
		if v.Expression == nil {
			return "log(" + a + ")", nil
		}
		b, err := l.Lower(v.Expression)
		if err != nil {
			return "", err
		}
		return "(log(" + a + ")/log(" + b + "))", nil
	case *expr.Absolute:
		return l.fn("abs", v.Operand)
	case *expr.Cast:
		a, err := l.Lower(v.Operand)
		if err != nil {
			return "", err
		}
		nt, err := castType(v.OutputType)
		if err != nil {
			return "", err
		}
		return "cast(" + a + ",'" + nt + "')", nil
	case *expr.Fallback:
		return l.fn("nvl", v.Operand, v.Expression)
	case *expr.Then:
		a, err := l.Lower(v.Operand)
		if err != nil {
			return "", err
		}
		b, err := l.Lower(v.Expression)
		if err != nil {
			return "", err
		}
		return "if(" + a + "," + b + ",null)", nil
	case *expr.And:
		return l.binary(v.Operand, "&&", v.Expression)
	case *expr.Or:
		return l.binary(v.Operand, "||", v.Expression)
	case *expr.Not:
		a, err := l.Lower(v.Operand)
		if err != nil {
			return "", err
		}
		return "!(" + a + ")", nil
	case *expr.Is:
		return l.binary(v.Operand, "==", v.Expression)
	case *expr.In:
		return l.inExpression(v)
	case *expr.Greater:
		return l.binary(v.Operand, ">", v.Expression)
	case *expr.GreaterOrEqual:
		return l.binary(v.Operand, ">=", v.Expression)
	case *expr.Less:
		return l.binary(v.Operand, "<", v.Expression)
	case *expr.LessOrEqual:
		return l.binary(v.Operand, "<=", v.Expression)
	case *expr.Concat:
		return l.fn("concat", v.Operand, v.Expression)
	case *expr.Length:
		return l.fn("strlen", v.Operand)
	case *expr.Substr:
		a, err := l.Lower(v.Operand)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("substring(%s,%d,%d)", a, v.Position, v.Len), nil
	case *expr.Extract:
		a, err := l.Lower(v.Operand)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("regexp_extract(%s,%s,1)", a, quoteString(v.Regexp)), nil
	case *expr.Match:
		a, err := l.Lower(v.Operand)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("(regexp_extract(%s,%s)!=null)", a, quoteString(v.Regexp)), nil
	case *expr.Contains:
		a, err := l.Lower(v.Operand)
		if err != nil {
			return "", err
		}
		b, err := l.Lower(v.Expression)
		if err != nil {
			return "", err
		}
		if v.Compare == "ignoreCase" {
			return fmt.Sprintf("(strpos(lower(%s),lower(%s))>=0)", a, b), nil
		}
		return fmt.Sprintf("(strpos(%s,%s)>=0)", a, b), nil
	case *expr.IndexOf:
		return l.fn("strpos", v.Operand, v.Expression)
	case *expr.Lookup:
		a, err := l.Lower(v.Operand)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("lookup(%s,%s)", a, quoteString(v.LookupName)), nil
	case *expr.TimeBucket:
		return l.timeFloor(v.Operand, v.Duration, v.Timezone)
	case *expr.TimeFloor:
		return l.timeFloor(v.Operand, v.Duration, v.Timezone)
	case *expr.TimePart:
		a, err := l.Lower(v.Operand)
		if err != nil {
			return "", err
		}
		unit, err := timePartUnit(v.Part)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("timestamp_extract(%s,'%s',%s)", a, unit, quoteString(timezoneOrUTC(v.Timezone))), nil
	case *expr.TimeShift:
		a, err := l.Lower(v.Operand)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("timestamp_shift(%s,%s,%d,%s)",
			a, quoteString(v.Duration), v.Step, quoteString(timezoneOrUTC(v.Timezone))), nil
	case *expr.NumberBucket:
		a, err := l.Lower(v.Operand)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("(floor((%s-%v)/%v)*%v+%v)", a, v.Offset, v.Size, v.Size, v.Offset), nil
	case *expr.Cardinality:
		return l.fn("array_length", v.Operand)
	}
	return "", unsupportedf("cannot lower %s to a native expression", expr.Format(e))
}

func (l *expressionLowerer) binary(a expr.Expression, op string, b expr.Expression) (string, error) {
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

func (l *expressionLowerer) fn(name string, args ...expr.Expression) (string, error) {
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

func (l *expressionLowerer) inExpression(v *expr.In) (string, error) {
	a, err := l.Lower(v.Operand)
	if err != nil {
		return "", err
	}
	lit, ok := v.Expression.(*expr.Literal)
	if !ok {
		return "", unsupportedf("in requires a literal set, got %s", expr.Format(v.Expression))
	}
	set, ok := lit.Value.(plywood.Set)
	if !ok {
		return "", unsupportedf("in requires a set literal, got %s", expr.Format(lit))
	}
	if len(set.Elements) == 0 {
		return "false", nil
	}
	parts := make([]string, len(set.Elements))
	for i, el := range set.Elements {
		ev, err := literalValue(el)
		if err != nil {
			return "", err
		}
		parts[i] = "(" + a + "==" + ev + ")"
	}
	return "(" + strings.Join(parts, "||") + ")", nil
}

func (l *expressionLowerer) timeFloor(operand expr.Expression, duration, timezone string) (string, error) {
	a, err := l.Lower(operand)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("timestamp_floor(%s,%s,null,%s)",
		a, quoteString(duration), quoteString(timezoneOrUTC(timezone))), nil
}

func (l *expressionLowerer) literal(v *expr.Literal) (string, error) {
	return literalValue(v.Value)
}

func literalValue(v any) (string, error) {
	switch tv := v.(type) {
	case nil:
		return "null", nil
	case bool:
		if tv {
			return "1", nil
		}
		return "0", nil
	case float64:
		return trimFloat(tv), nil
	case int:
		return fmt.Sprintf("%d", tv), nil
	case int64:
		return fmt.Sprintf("%d", tv), nil
	case string:
		return quoteString(tv), nil
	case time.Time:
		return fmt.Sprintf("%d", tv.UnixMilli()), nil
	}
	return "", unsupportedf("cannot lower literal %v to a native expression", v)
}

func quoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "\\'") + "'"
}

func trimFloat(f float64) string {
	s := fmt.Sprintf("%v", f)
	return s
}

func timezoneOrUTC(tz string) string {
	if tz == "" {
		return "Etc/UTC"
	}
	return tz
}

func castType(t plywood.Type) (string, error) {
	switch t {
	case plywood.Number:
		return "DOUBLE", nil
	case plywood.String:
		return "STRING", nil
	case plywood.Time:
		return "LONG", nil
	case plywood.Boolean:
		return "LONG", nil
	}
	return "", unsupportedf("cannot cast to %s in a native expression", t)
}

func timePartUnit(part string) (string, error) {
	switch part {
	case "SECOND_OF_MINUTE":
		return "SECOND", nil
	case "MINUTE_OF_HOUR":
		return "MINUTE", nil
	case "HOUR_OF_DAY":
		return "HOUR", nil
	case "DAY_OF_MONTH":
		return "DAY", nil
	case "DAY_OF_WEEK":
		return "DOW", nil
	case "DAY_OF_YEAR":
		return "DOY", nil
	case "WEEK_OF_YEAR":
		return "WEEK", nil
	case "MONTH_OF_YEAR":
		return "MONTH", nil
	case "QUARTER":
		return "QUARTER", nil
	case "YEAR":
		return "YEAR", nil
	}
	return "", unsupportedf("unknown time part %q", part)
}
