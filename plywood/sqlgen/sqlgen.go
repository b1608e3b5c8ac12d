// Package sqlgen lowers the same External snapshot the Druid planner
// consumes into a SQL string for a relational dialect. It is the simpler
// sibling of the Druid planner: one SELECT with the clause set
// SELECT / FROM / WHERE / GROUP BY / HAVING / ORDER BY / LIMIT, plus an
// optional leading WITH when the source is itself a query.
package sqlgen

import (
	"fmt"
	"strings"
	"time"

	"github.com/plesiecki/plywood/plywood/druid"
	"github.com/plesiecki/plywood/plywood/expr"
	"github.com/plesiecki/plywood/plywood"
)

// Dialect abstracts the flavor differences the generator cares about.
type Dialect interface {
	// QuoteIdent quotes a column or table identifier.
	QuoteIdent(name string) string
	// ShortcutGroupBy reports whether the dialect groups by select
	// position instead of repeating expressions.
	ShortcutGroupBy() bool
	// EmptyGroupBy is the group-by clause of a value- or total-mode query.
	EmptyGroupBy() string
}

// MySQLDialect is the default dialect.
type MySQLDialect struct{}

func (MySQLDialect) QuoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}
func (MySQLDialect) ShortcutGroupBy() bool { return true }
func (MySQLDialect) EmptyGroupBy() string  { return "GROUP BY ''" }

// withAlias is the alias of the leading WITH clause wrapping a user
// supplied sub-query source.
const withAlias = "__with__"

// Generator lowers an External into SQL.
type Generator struct {
	Dialect Dialect
	Ex      *druid.External
}

// New builds a generator with the default dialect.
func New(ex *druid.External) *Generator {
	return &Generator{Dialect: MySQLDialect{}, Ex: ex}
}

// SQL renders the query.
func (g *Generator) SQL() (string, error) {
	var lead string
	from := g.Dialect.QuoteIdent(g.Ex.Source)
	if isSubQuerySource(g.Ex.Source) {
		lead = fmt.Sprintf("WITH %s AS (%s) ", withAlias, g.Ex.Source)
		from = withAlias
	}

	var selects, groups []string
	switch g.Ex.Mode {
	case druid.ModeRaw:
		for _, name := range g.selectedNames() {
			selects = append(selects, g.attributeSelect(name))
		}
	case druid.ModeValue:
		col, err := g.lower(g.Ex.ValueExpression)
		if err != nil {
			return "", err
		}
		selects = append(selects, col+" AS "+g.Dialect.QuoteIdent("value"))
		groups = nil
	case druid.ModeTotal, druid.ModeSplit:
		if g.Ex.Split != nil {
			for i, key := range g.Ex.Split.Keys {
				col, err := g.lower(key.Expression)
				if err != nil {
					return "", err
				}
				selects = append(selects, col+" AS "+g.Dialect.QuoteIdent(key.Name))
				if g.Dialect.ShortcutGroupBy() {
					groups = append(groups, fmt.Sprintf("%d", i+1))
				} else {
					groups = append(groups, col)
				}
			}
		}
		for _, apply := range g.Ex.Applies {
			col, err := g.lower(apply.Expression)
			if err != nil {
				return "", err
			}
			selects = append(selects, col+" AS "+g.Dialect.QuoteIdent(apply.Name))
		}
	default:
		return "", fmt.Errorf("unknown mode %q", g.Ex.Mode)
	}
	if len(selects) == 0 {
		return "", fmt.Errorf("nothing to select")
	}

	var b strings.Builder
	b.WriteString(lead)
	b.WriteString("SELECT ")
	b.WriteString(strings.Join(selects, ", "))
	b.WriteString(" FROM ")
	b.WriteString(from)

	if g.Ex.Filter != nil && !expr.IsTrue(g.Ex.Filter) {
		where, err := g.lower(g.Ex.Filter)
		if err != nil {
			return "", err
		}
		b.WriteString(" WHERE ")
		b.WriteString(where)
	}

	switch g.Ex.Mode {
	case druid.ModeValue:
		b.WriteString(" ")
		b.WriteString(g.Dialect.EmptyGroupBy())
	case druid.ModeTotal:
		b.WriteString(" ")
		b.WriteString(g.Dialect.EmptyGroupBy())
	case druid.ModeSplit:
		if len(groups) > 0 {
			b.WriteString(" GROUP BY ")
			b.WriteString(strings.Join(groups, ", "))
		}
	}

	if g.Ex.HavingFilter != nil && !expr.IsTrue(g.Ex.HavingFilter) {
		having, err := g.lower(g.Ex.HavingFilter)
		if err != nil {
			return "", err
		}
		b.WriteString(" HAVING ")
		b.WriteString(having)
	}

	if g.Ex.Sort != nil {
		key, err := g.lower(g.Ex.Sort.Expression)
		if err != nil {
			return "", err
		}
		dir := "ASC"
		if g.Ex.Sort.Direction == druid.Descending {
			dir = "DESC"
		}
		b.WriteString(" ORDER BY ")
		b.WriteString(key)
		b.WriteString(" ")
		b.WriteString(dir)
	}

	if g.Ex.Limit > 0 {
		b.WriteString(fmt.Sprintf(" LIMIT %d", g.Ex.Limit))
	}
	return b.String(), nil
}

func (g *Generator) selectedNames() []string {
	if len(g.Ex.Select) > 0 {
		return g.Ex.Select
	}
	names := make([]string, 0, len(g.Ex.RawAttributes))
	for _, a := range g.Ex.RawAttributes {
		names = append(names, a.Name)
	}
	return names
}

func (g *Generator) attributeSelect(name string) string {
	if d, ok := g.Ex.DerivedAttributes[name]; ok {
		if col, err := g.lower(d); err == nil {
			return col + " AS " + g.Dialect.QuoteIdent(name)
		}
	}
	return g.Dialect.QuoteIdent(name)
}

func isSubQuerySource(source string) bool {
	trimmed := strings.TrimSpace(strings.ToUpper(source))
	return strings.HasPrefix(trimmed, "SELECT") || strings.HasPrefix(trimmed, "WITH")
}

// lower renders an expression as SQL.
func (g *Generator) lower(e expr.Expression) (string, error) {
	switch v := e.(type) {
	case *expr.Literal:
		return g.literal(v)
	case *expr.Ref:
		if v.Nest != 0 {
			return "", fmt.Errorf("nested ref %s cannot be lowered to SQL", expr.Format(v))
		}
		return g.Dialect.QuoteIdent(v.Name), nil
	case *expr.Add:
		return g.binary(v.Operand, "+", v.Expression)
	case *expr.Subtract:
		return g.binary(v.Operand, "-", v.Expression)
	case *expr.Multiply:
		return g.binary(v.Operand, "*", v.Expression)
	case *expr.Divide:
		return g.binary(v.Operand, "/", v.Expression)
	case *expr.Power:
		return g.fn("POWER", v.Operand, v.Expression)
	case *expr.Absolute:
		return g.fn("ABS", v.Operand)
	case *expr.Fallback:
		return g.fn("COALESCE", v.Operand, v.Expression)
	case *expr.And:
		return g.binary(v.Operand, "AND", v.Expression)
	case *expr.Or:
		return g.binary(v.Operand, "OR", v.Expression)
	case *expr.Not:
		a, err := g.lower(v.Operand)
		if err != nil {
			return "", err
		}
		return "NOT (" + a + ")", nil
	case *expr.Is:
		if lit, ok := v.Expression.(*expr.Literal); ok && lit.Value == nil {
			a, err := g.lower(v.Operand)
			if err != nil {
				return "", err
			}
			return "(" + a + " IS NULL)", nil
		}
		return g.binary(v.Operand, "=", v.Expression)
	case *expr.In:
		return g.inClause(v)
	case *expr.Greater:
		return g.binary(v.Operand, ">", v.Expression)
	case *expr.GreaterOrEqual:
		return g.binary(v.Operand, ">=", v.Expression)
	case *expr.Less:
		return g.binary(v.Operand, "<", v.Expression)
	case *expr.LessOrEqual:
		return g.binary(v.Operand, "<=", v.Expression)
	case *expr.Match:
		a, err := g.lower(v.Operand)
		if err != nil {
			return "", err
		}
		return "(" + a + " REGEXP " + sqlString(v.Regexp) + ")", nil
	case *expr.Contains:
		a, err := g.lower(v.Operand)
		if err != nil {
			return "", err
		}
		b, err := g.lower(v.Expression)
		if err != nil {
			return "", err
		}
		return "(LOCATE(" + b + "," + a + ")>0)", nil
	case *expr.Concat:
		return g.fn("CONCAT", v.Operand, v.Expression)
	case *expr.Length:
		return g.fn("CHAR_LENGTH", v.Operand)
	case *expr.Substr:
		a, err := g.lower(v.Operand)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("SUBSTRING(%s,%d,%d)", a, v.Position+1, v.Len), nil
	case *expr.TimeBucket:
		return g.timeFloorSQL(v.Operand, v.Duration)
	case *expr.TimeFloor:
		return g.timeFloorSQL(v.Operand, v.Duration)
	case *expr.TimePart:
		a, err := g.lower(v.Operand)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("EXTRACT(%s FROM %s)", sqlTimePart(v.Part), a), nil
	case *expr.NumberBucket:
		a, err := g.lower(v.Operand)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("(FLOOR((%s-%v)/%v)*%v+%v)", a, v.Offset, v.Size, v.Size, v.Offset), nil
	case *expr.Overlap:
		return g.overlap(v)
	case *expr.Count:
		if f, ok := expr.AggregateOperand(v).(*expr.FilterOp); ok {
			cond, err := g.lower(f.Expression)
			if err != nil {
				return "", err
			}
			return "SUM(CASE WHEN " + cond + " THEN 1 ELSE 0 END)", nil
		}
		return "COUNT(*)", nil
	case *expr.Sum:
		return g.aggregate("SUM", v.Operand, v.Expression)
	case *expr.Min:
		return g.aggregate("MIN", v.Operand, v.Expression)
	case *expr.Max:
		return g.aggregate("MAX", v.Operand, v.Expression)
	case *expr.Average:
		return g.aggregate("AVG", v.Operand, v.Expression)
	case *expr.CountDistinct:
		input, err := g.lower(v.Expression)
		if err != nil {
			return "", err
		}
		return "COUNT(DISTINCT " + input + ")", nil
	}
	return "", fmt.Errorf("cannot lower %s to SQL", expr.Format(e))
}

func (g *Generator) aggregate(fn string, operand, input expr.Expression) (string, error) {
	in, err := g.lower(input)
	if err != nil {
		return "", err
	}
	if f, ok := operand.(*expr.FilterOp); ok {
		cond, err := g.lower(f.Expression)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s(CASE WHEN %s THEN %s ELSE NULL END)", fn, cond, in), nil
	}
	return fn + "(" + in + ")", nil
}

func (g *Generator) binary(a expr.Expression, op string, b expr.Expression) (string, error) {
	ae, err := g.lower(a)
	if err != nil {
		return "", err
	}
	be, err := g.lower(b)
	if err != nil {
		return "", err
	}
	return "(" + ae + " " + op + " " + be + ")", nil
}

func (g *Generator) fn(name string, args ...expr.Expression) (string, error) {
	parts := make([]string, len(args))
	for i, a := range args {
		s, err := g.lower(a)
		if err != nil {
			return "", err
		}
		parts[i] = s
	}
	return name + "(" + strings.Join(parts, ",") + ")", nil
}

func (g *Generator) inClause(v *expr.In) (string, error) {
	a, err := g.lower(v.Operand)
	if err != nil {
		return "", err
	}
	lit, ok := v.Expression.(*expr.Literal)
	if !ok {
		return "", fmt.Errorf("IN requires a literal set")
	}
	set, ok := lit.Value.(plywood.Set)
	if !ok {
		return "", fmt.Errorf("IN requires a set literal")
	}
	parts := make([]string, len(set.Elements))
	for i, el := range set.Elements {
		s, err := sqlLiteral(el)
		if err != nil {
			return "", err
		}
		parts[i] = s
	}
	return "(" + a + " IN (" + strings.Join(parts, ",") + "))", nil
}

func (g *Generator) overlap(v *expr.Overlap) (string, error) {
	a, err := g.lower(v.Operand)
	if err != nil {
		return "", err
	}
	lit, ok := v.Expression.(*expr.Literal)
	if !ok {
		return "", fmt.Errorf("OVERLAP requires a literal range")
	}
	switch r := lit.Value.(type) {
	case plywood.TimeRange:
		return fmt.Sprintf("(%s >= '%s' AND %s < '%s')", a, plywood.FormatISO(r.Start), a, plywood.FormatISO(r.End)), nil
	case plywood.NumberRange:
		var parts []string
		if r.Start != nil {
			parts = append(parts, fmt.Sprintf("%s >= %v", a, *r.Start))
		}
		if r.End != nil {
			parts = append(parts, fmt.Sprintf("%s < %v", a, *r.End))
		}
		return "(" + strings.Join(parts, " AND ") + ")", nil
	case plywood.Set:
		return g.inClause(&expr.In{Operand: v.Operand, Expression: lit})
	}
	return "", fmt.Errorf("cannot lower overlap on %s", expr.Format(lit))
}

func (g *Generator) timeFloorSQL(operand expr.Expression, period string) (string, error) {
	a, err := g.lower(operand)
	if err != nil {
		return "", err
	}
	format, ok := periodFormat[period]
	if !ok {
		return "", fmt.Errorf("cannot floor to period %q in SQL", period)
	}
	return fmt.Sprintf("DATE_FORMAT(%s,'%s')", a, format), nil
}

var periodFormat = map[string]string{
	"PT1S": "%Y-%m-%dT%H:%i:%SZ",
	"PT1M": "%Y-%m-%dT%H:%i:00Z",
	"PT1H": "%Y-%m-%dT%H:00:00Z",
	"P1D":  "%Y-%m-%dT00:00:00Z",
	"P1M":  "%Y-%m-01T00:00:00Z",
	"P1Y":  "%Y-01-01T00:00:00Z",
}

func sqlTimePart(part string) string {
	switch part {
	case "SECOND_OF_MINUTE":
		return "SECOND"
	case "MINUTE_OF_HOUR":
		return "MINUTE"
	case "HOUR_OF_DAY":
		return "HOUR"
	case "DAY_OF_MONTH":
		return "DAY"
	case "MONTH_OF_YEAR":
		return "MONTH"
	case "YEAR":
		return "YEAR"
	}
	return part
}

func (g *Generator) literal(v *expr.Literal) (string, error) {
	return sqlLiteral(v.Value)
}

func sqlLiteral(v any) (string, error) {
	switch tv := v.(type) {
	case nil:
		return "NULL", nil
	case bool:
		if tv {
			return "TRUE", nil
		}
		return "FALSE", nil
	case float64:
		return fmt.Sprintf("%v", tv), nil
	case int:
		return fmt.Sprintf("%d", tv), nil
	case string:
		return sqlString(tv), nil
	case time.Time:
		return "'" + plywood.FormatISO(tv) + "'", nil
	}
	return "", fmt.Errorf("cannot render literal %v as SQL", v)
}

func sqlString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
