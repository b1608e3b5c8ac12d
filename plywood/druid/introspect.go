package druid

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/plesiecki/plywood/plywood"
)

// IntrospectionDepth controls how much the schema discovery asks for.
type IntrospectionDepth string

const (
	IntrospectShallow IntrospectionDepth = "shallow"
	IntrospectMedium  IntrospectionDepth = "medium"
	IntrospectDeep    IntrospectionDepth = "deep"
)

// Introspector discovers a datasource's attributes through a
// segmentMetadata query, plus a timeBoundary follow-up for deep
// introspection when the time range is missing.
type Introspector struct {
	Requester Requester
	Source    string
	Context   map[string]any
}

// Introspect issues the metadata query and interprets the response.
func (in *Introspector) Introspect(ctx context.Context, depth IntrospectionDepth) (Attributes, error) {
	analysisTypes := []string{"aggregators"}
	if depth == IntrospectDeep {
		analysisTypes = append(analysisTypes, "cardinality", "minmax")
	}
	q := &Query{
		QueryType:              "segmentMetadata",
		DataSource:             TableDataSource(in.Source),
		Merge:                  true,
		AnalysisTypes:          analysisTypes,
		LenientAggregatorMerge: true,
		Context:                in.Context,
	}
	rows, err := in.Requester(ctx, RequesterQuery{Query: q})
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, resultErrorf("empty segmentMetadata response")
	}
	analysis := rows.Row()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	attributes, err := interpretSegmentMetadata(analysis)
	if err != nil {
		return nil, err
	}

	if depth == IntrospectDeep && attributes[0].Range == nil {
		// Best effort only; a failing follow-up leaves the range unset.
		if r, err := in.timeBoundaryRange(ctx); err == nil && r != nil {
			attributes[0].Range = r
		}
	}
	return attributes, nil
}

func (in *Introspector) timeBoundaryRange(ctx context.Context) (*plywood.TimeRange, error) {
	q := &Query{QueryType: "timeBoundary", DataSource: TableDataSource(in.Source), Context: in.Context}
	rows, err := in.Requester(ctx, RequesterQuery{Query: q})
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	row := rows.Row()
	minT, okMin := inflateTime(row["minTime"]).(time.Time)
	maxT, okMax := inflateTime(row["maxTime"]).(time.Time)
	if !okMin || !okMax {
		return nil, nil
	}
	return &plywood.TimeRange{Start: minT, End: maxT}, nil
}

// interpretSegmentMetadata maps the merged column analysis to attribute
// metadata. The time column leads; everything else follows in name order.
func interpretSegmentMetadata(analysis map[string]any) (Attributes, error) {
	columns, ok := analysis["columns"].(map[string]any)
	if !ok {
		return nil, resultErrorf("segmentMetadata response has no columns")
	}
	aggregators, _ := analysis["aggregators"].(map[string]any)

	var timeAttribute *AttributeInfo
	var rest Attributes

	names := make([]string, 0, len(columns))
	for name := range columns {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		column, ok := columns[name].(map[string]any)
		if !ok {
			continue
		}
		colType, _ := column["type"].(string)
		if name == TimeColumn {
			attr := AttributeInfo{Name: TimeColumn, Type: plywood.Time, NativeType: TimeColumn}
			if r := rangeFromMinMax(column); r != nil {
				attr.Range = r
			}
			timeAttribute = &attr
			continue
		}
		if errMsg, _ := column["errorMessage"].(string); errMsg != "" {
			continue
		}
		switch colType {
		case "STRING":
			attr := AttributeInfo{Name: name, Type: plywood.String, NativeType: "STRING"}
			if multi, _ := column["hasMultipleValues"].(bool); multi {
				attr.Type = plywood.SetString
			}
			if c, ok := column["cardinality"].(float64); ok {
				attr.Cardinality = int(c)
			}
			rest = append(rest, attr)
		case "LONG", "FLOAT", "DOUBLE":
			attr := AttributeInfo{Name: name, Type: plywood.Number, NativeType: colType}
			attr.Maker = makerFromAggregator(name, aggregators)
			rest = append(rest, attr)
		default:
			if isOpaqueMetricType(colType) {
				rest = append(rest, AttributeInfo{Name: name, Type: plywood.Null, NativeType: colType, Unsplitable: true})
				continue
			}
			rest = append(rest, AttributeInfo{Name: name, Type: plywood.String, NativeType: colType})
		}
	}

	if timeAttribute == nil {
		return nil, resultErrorf("no %s column found in segmentMetadata response", TimeColumn)
	}
	return append(Attributes{*timeAttribute}, rest...), nil
}

func rangeFromMinMax(column map[string]any) *plywood.TimeRange {
	minV, okMin := inflateTime(column["minValue"]).(time.Time)
	maxV, okMax := inflateTime(column["maxValue"]).(time.Time)
	if !okMin || !okMax {
		return nil
	}
	return &plywood.TimeRange{Start: minV, End: maxV}
}

// makerFromAggregator infers how a numeric metric was rolled up.
func makerFromAggregator(name string, aggregators map[string]any) *Maker {
	agg, ok := aggregators[name].(map[string]any)
	if !ok {
		return nil
	}
	aggType, _ := agg["type"].(string)
	fieldName, _ := agg["fieldName"].(string)
	switch aggType {
	case "count":
		return &Maker{Op: "count"}
	case "longSum":
		if fieldName == "count" {
			return &Maker{Op: "count"}
		}
		return &Maker{Op: "sum", FieldName: fieldName}
	case "doubleSum":
		return &Maker{Op: "sum", FieldName: fieldName}
	case "javascript":
		combine, _ := agg["fnCombine"].(string)
		if strings.Contains(strings.ReplaceAll(combine, " ", ""), "a+b") {
			return &Maker{Op: "sum", FieldName: fieldName}
		}
		return nil
	case "longMin", "doubleMin":
		return &Maker{Op: "min", FieldName: fieldName}
	case "longMax", "doubleMax":
		return &Maker{Op: "max", FieldName: fieldName}
	}
	return nil
}

func isOpaqueMetricType(colType string) bool {
	if colType == "hyperUnique" || colType == "approximateHistogram" {
		return true
	}
	return strings.Contains(colType, "Sketch") || strings.Contains(colType, "COMPLEX")
}
