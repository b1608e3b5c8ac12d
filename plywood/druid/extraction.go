package druid

import (
	"github.com/plesiecki/plywood/plywood/expr"
)

// extractionFnBuilder maps a scalar expression over a single column to a
// dimension-extraction function. It refuses anything it cannot express;
// the caller then falls back to a virtual column.
type extractionFnBuilder struct {
	timeAttribute    string
	customTransforms map[string]CustomTransform
}

// timePartFormat maps time parts to Joda format patterns for the
// timeFormat extraction function.
var timePartFormat = map[string]string{
	"SECOND_OF_MINUTE": "s",
	"MINUTE_OF_HOUR":   "m",
	"HOUR_OF_DAY":      "H",
	"DAY_OF_MONTH":     "d",
	"DAY_OF_WEEK":      "e",
	"DAY_OF_YEAR":      "D",
	"WEEK_OF_YEAR":     "w",
	"MONTH_OF_YEAR":    "M",
	"QUARTER":          "Q",
	"YEAR":             "yyyy",
}

// Build returns the extraction function for e, or nil when e is the bare
// column (identity). Unsupported shapes fail.
func (b *extractionFnBuilder) Build(e expr.Expression) (*ExtractionFn, error) {
	switch v := e.(type) {
	case *expr.Ref:
		if v.Nest != 0 {
			return nil, unsupportedf("nested ref %s in extraction", expr.Format(v))
		}
		return nil, nil
	case *expr.Literal:
		// A constant dimension label.
		s, ok := v.Value.(string)
		if !ok {
			return nil, unsupportedf("only string constants can label a dimension, got %s", expr.Format(v))
		}
		return &ExtractionFn{Type: "regex", Expr: "(.*)", ReplaceMissingValue: true, ReplaceMissingValueWith: s}, nil
	case *expr.Substr:
		return b.chain(v.Operand, &ExtractionFn{
			Type:   "substring",
			Index:  v.Position,
			Length: intPtr(v.Len),
		})
	case *expr.Extract:
		return b.chain(v.Operand, &ExtractionFn{
			Type:                "regex",
			Expr:                v.Regexp,
			ReplaceMissingValue: true,
		})
	case *expr.Lookup:
		return b.chain(v.Operand, &ExtractionFn{
			Type:                    "registeredLookup",
			Lookup:                  v.LookupName,
			RetainMissingValue:      v.RetainMissing,
			ReplaceMissingValueWith: missingValueOrNil(v.ReplaceMissingWith),
		})
	case *expr.Fallback:
		return b.fallback(v)
	case *expr.TimeBucket:
		return b.timeFormat(v.Operand, periodGranularityFn(v.Duration, v.Timezone), v.Timezone)
	case *expr.TimeFloor:
		return b.timeFormat(v.Operand, periodGranularityFn(v.Duration, v.Timezone), v.Timezone)
	case *expr.TimePart:
		format, ok := timePartFormat[v.Part]
		if !ok {
			return nil, unsupportedf("no extraction for time part %q", v.Part)
		}
		return b.chain(v.Operand, &ExtractionFn{
			Type:     "timeFormat",
			Format:   format,
			TimeZone: timezoneOrUTC(v.Timezone),
			Locale:   "en-US",
		})
	case *expr.NumberBucket:
		return b.chain(v.Operand, &ExtractionFn{
			Type:   "bucket",
			Size:   v.Size,
			Offset: v.Offset,
		})
	case *expr.CustomTransform:
		ct, ok := b.customTransforms[v.Custom]
		if !ok {
			return nil, configErrorf("custom transform %q is not registered", v.Custom)
		}
		if ct.ExtractionFn == nil {
			return nil, configErrorf("custom transform %q has no extraction function", v.Custom)
		}
		return b.chain(v.Operand, ct.ExtractionFn)
	}
	return nil, unsupportedf("no extraction function for %s", expr.Format(e))
}

// chain builds the operand's extraction first and cascades fn after it.
func (b *extractionFnBuilder) chain(operand expr.Expression, fn *ExtractionFn) (*ExtractionFn, error) {
	inner, err := b.Build(operand)
	if err != nil {
		return nil, err
	}
	if inner == nil {
		return fn, nil
	}
	if inner.Type == "cascade" {
		return &ExtractionFn{Type: "cascade", ExtractionFns: append(inner.ExtractionFns, fn)}, nil
	}
	return &ExtractionFn{Type: "cascade", ExtractionFns: []*ExtractionFn{inner, fn}}, nil
}

// fallback recognizes the two lookup-missing idioms: fall back to a
// constant, or fall back to the looked-up value itself.
func (b *extractionFnBuilder) fallback(v *expr.Fallback) (*ExtractionFn, error) {
	lk, ok := v.Operand.(*expr.Lookup)
	if !ok {
		return nil, unsupportedf("fallback in an extraction must wrap a lookup, got %s", expr.Format(v.Operand))
	}
	switch alt := v.Expression.(type) {
	case *expr.Literal:
		s, ok := alt.Value.(string)
		if !ok {
			return nil, unsupportedf("fallback constant must be a string, got %s", expr.Format(alt))
		}
		return b.chain(lk.Operand, &ExtractionFn{
			Type:                    "registeredLookup",
			Lookup:                  lk.LookupName,
			ReplaceMissingValueWith: s,
		})
	case *expr.Ref:
		if expr.Equals(lk.Operand, v.Expression) {
			return b.chain(lk.Operand, &ExtractionFn{
				Type:               "registeredLookup",
				Lookup:             lk.LookupName,
				RetainMissingValue: true,
			})
		}
		return nil, unsupportedf("fallback target %s does not match lookup input %s",
			expr.Format(alt), expr.Format(lk.Operand))
	}
	return nil, unsupportedf("unsupported fallback alternative %s", expr.Format(v.Expression))
}

func (b *extractionFnBuilder) timeFormat(operand expr.Expression, gran *Granularity, tz string) (*ExtractionFn, error) {
	return b.chain(operand, &ExtractionFn{
		Type:        "timeFormat",
		Format:      "yyyy-MM-dd'T'HH:mm:ss'Z",
		Granularity: gran,
		TimeZone:    "Etc/UTC",
		Locale:      "en-US",
	})
}

func periodGranularityFn(period, tz string) *Granularity {
	return &Granularity{Period: period, TimeZone: timezoneOrUTC(tz)}
}

func intPtr(i int) *int { return &i }

func missingValueOrNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}
