// Package druid plans plywood algebra expressions into Druid native
// queries and inflates result rows back into the algebra's value space.
//
// File organization:
//   - query.go: native query document types (the wire shapes)
//   - attributes.go: column metadata
//   - external.go: the External planning snapshot and requester contract
//   - planner.go: shape selection and the getQueryAndPostTransform entry point
//   - split.go: split-key lowering (dimensions, extraction fns, virtual columns)
//   - aggregation.go / filter.go / having.go / extraction.go / expression.go:
//     the sub-builders
//   - resplit.go: nested group-by rewrite for re-split aggregates
//   - scan.go / timeboundary.go: shape-specific lowering
//   - inflater.go: post-transform row inflation
//   - introspect.go: segmentMetadata schema discovery
//
// Start with External.GetQueryAndPostTransform in planner.go.
package druid

import (
	"encoding/json"
)

// Query is a Druid native query document. Only the fields belonging to the
// emitted queryType are ever populated; everything else stays at its zero
// value and is omitted from the JSON form.
type Query struct {
	QueryType  string      `json:"queryType"`
	DataSource *DataSource `json:"dataSource,omitempty"`
	Intervals  []string    `json:"intervals,omitempty"`

	Granularity    *Granularity     `json:"granularity,omitempty"`
	Filter         *Filter          `json:"filter,omitempty"`
	VirtualColumns []VirtualColumn  `json:"virtualColumns,omitempty"`
	Aggregations   []Aggregation    `json:"aggregations,omitempty"`
	PostAggs       []PostAggregation `json:"postAggregations,omitempty"`

	// timeseries
	Descending bool `json:"descending,omitempty"`

	// topN
	Dimension *DimensionSpec `json:"dimension,omitempty"`
	Metric    *TopNMetric    `json:"metric,omitempty"`
	Threshold int            `json:"threshold,omitempty"`

	// groupBy
	Dimensions []DimensionSpec `json:"dimensions,omitempty"`
	Having     *HavingSpec     `json:"having,omitempty"`
	LimitSpec  *LimitSpec      `json:"limitSpec,omitempty"`

	// scan
	Columns      []string `json:"columns,omitempty"`
	ResultFormat string   `json:"resultFormat,omitempty"`
	Order        string   `json:"order,omitempty"`
	Limit        int      `json:"limit,omitempty"`

	// timeBoundary
	Bound string `json:"bound,omitempty"`

	// segmentMetadata
	Merge                  bool     `json:"merge,omitempty"`
	AnalysisTypes          []string `json:"analysisTypes,omitempty"`
	LenientAggregatorMerge bool     `json:"lenientAggregatorMerge,omitempty"`

	Context map[string]any `json:"context,omitempty"`
}

// DataSource is either a table name or a nested query.
type DataSource struct {
	Table string
	Query *Query
}

func (d *DataSource) MarshalJSON() ([]byte, error) {
	if d.Query != nil {
		return json.Marshal(map[string]any{"type": "query", "query": d.Query})
	}
	return json.Marshal(d.Table)
}

func (d *DataSource) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &d.Table)
	}
	var wrap struct {
		Query *Query `json:"query"`
	}
	if err := json.Unmarshal(data, &wrap); err != nil {
		return err
	}
	d.Query = wrap.Query
	return nil
}

// TableDataSource names a plain table source.
func TableDataSource(name string) *DataSource { return &DataSource{Table: name} }

// QueryDataSource nests an inner query as the source.
func QueryDataSource(q *Query) *DataSource { return &DataSource{Query: q} }

// Granularity is either a simple keyword ("all", "none") or a period
// granularity object.
type Granularity struct {
	Simple   string
	Period   string
	TimeZone string
	Origin   string
}

func (g *Granularity) MarshalJSON() ([]byte, error) {
	if g.Simple != "" {
		return json.Marshal(g.Simple)
	}
	obj := map[string]any{"type": "period", "period": g.Period}
	if g.TimeZone != "" {
		obj["timeZone"] = g.TimeZone
	}
	if g.Origin != "" {
		obj["origin"] = g.Origin
	}
	return json.Marshal(obj)
}

// GranularityAll and GranularityNone are the simple granularities.
func GranularityAll() *Granularity  { return &Granularity{Simple: "all"} }
func GranularityNone() *Granularity { return &Granularity{Simple: "none"} }

// PeriodGranularity builds a period granularity.
func PeriodGranularity(period, timeZone string) *Granularity {
	return &Granularity{Period: period, TimeZone: timeZone}
}

// Filter is a Druid dimension filter.
type Filter struct {
	Type         string        `json:"type"`
	Dimension    string        `json:"dimension,omitempty"`
	Value        any           `json:"value,omitempty"`
	Values       []any         `json:"values,omitempty"`
	Pattern      string        `json:"pattern,omitempty"`
	Query        *SearchQuery  `json:"query,omitempty"`
	Lower        any           `json:"lower,omitempty"`
	Upper        any           `json:"upper,omitempty"`
	LowerStrict  bool          `json:"lowerStrict,omitempty"`
	UpperStrict  bool          `json:"upperStrict,omitempty"`
	Ordering     string        `json:"ordering,omitempty"`
	Field        *Filter       `json:"field,omitempty"`
	Fields       []*Filter     `json:"fields,omitempty"`
	ExtractionFn *ExtractionFn `json:"extractionFn,omitempty"`
	Intervals    []string      `json:"intervals,omitempty"`
	Expression   string        `json:"expression,omitempty"`
}

// SearchQuery is the query sub-object of a search filter.
type SearchQuery struct {
	Type          string `json:"type"`
	Value         string `json:"value"`
	CaseSensitive bool   `json:"caseSensitive,omitempty"`
}

// ExtractionFn is a dimension extraction function, possibly a cascade.
type ExtractionFn struct {
	Type string `json:"type"`

	// substring
	Index  int  `json:"index,omitempty"`
	Length *int `json:"length,omitempty"`

	// regex
	Expr                    string `json:"expr,omitempty"`
	ReplaceMissingValue     bool   `json:"replaceMissingValue,omitempty"`
	ReplaceMissingValueWith any    `json:"replaceMissingValueWith,omitempty"`

	// registeredLookup
	Lookup             string `json:"lookup,omitempty"`
	RetainMissingValue bool   `json:"retainMissingValue,omitempty"`

	// timeFormat
	Format      string       `json:"format,omitempty"`
	TimeZone    string       `json:"timeZone,omitempty"`
	Locale      string       `json:"locale,omitempty"`
	Granularity *Granularity `json:"granularity,omitempty"`

	// bucket
	Size   float64 `json:"size,omitempty"`
	Offset float64 `json:"offset,omitempty"`

	// javascript
	Function string `json:"function,omitempty"`

	// cascade
	ExtractionFns []*ExtractionFn `json:"extractionFns,omitempty"`
}

// Aggregation is a Druid aggregator. When Raw is set the aggregator is a
// caller-supplied custom aggregation and marshals verbatim (with the
// output name injected).
type Aggregation struct {
	Type       string   `json:"type,omitempty"`
	Name       string   `json:"name,omitempty"`
	FieldName  string   `json:"fieldName,omitempty"`
	FieldNames []string `json:"fieldNames,omitempty"`
	Expression string   `json:"expression,omitempty"`
	ByRow      bool     `json:"byRow,omitempty"`
	Round      bool     `json:"round,omitempty"`

	// javascript aggregator
	FnAggregate string `json:"fnAggregate,omitempty"`
	FnCombine   string `json:"fnCombine,omitempty"`
	FnReset     string `json:"fnReset,omitempty"`

	// quantile sketches
	K          int  `json:"k,omitempty"`
	Resolution int  `json:"resolution,omitempty"`

	// filtered aggregator
	Filter     *Filter      `json:"filter,omitempty"`
	Aggregator *Aggregation `json:"aggregator,omitempty"`

	Raw map[string]any `json:"-"`
}

func (a Aggregation) MarshalJSON() ([]byte, error) {
	if a.Raw != nil {
		obj := make(map[string]any, len(a.Raw)+1)
		for k, v := range a.Raw {
			obj[k] = v
		}
		if a.Name != "" {
			obj["name"] = a.Name
		}
		return json.Marshal(obj)
	}
	type alias Aggregation
	return json.Marshal(alias(a))
}

// PostAggregation is a Druid post-aggregator.
type PostAggregation struct {
	Type        string            `json:"type"`
	Name        string            `json:"name,omitempty"`
	Fn          string            `json:"fn,omitempty"`
	Fields      []PostAggregation `json:"fields,omitempty"`
	Field       *PostAggregation  `json:"field,omitempty"`
	FieldName   string            `json:"fieldName,omitempty"`
	FieldNames  []string          `json:"fieldNames,omitempty"`
	Value       *float64          `json:"value,omitempty"`
	Ordering    string            `json:"ordering,omitempty"`
	Function    string            `json:"function,omitempty"`
	Probability float64           `json:"probability,omitempty"`
	Fraction    float64           `json:"fraction,omitempty"`

	Raw map[string]any `json:"-"`
}

func (p PostAggregation) MarshalJSON() ([]byte, error) {
	if p.Raw != nil {
		obj := make(map[string]any, len(p.Raw)+1)
		for k, v := range p.Raw {
			obj[k] = v
		}
		if p.Name != "" {
			obj["name"] = p.Name
		}
		return json.Marshal(obj)
	}
	type alias PostAggregation
	return json.Marshal(alias(p))
}

// DimensionSpec is a Druid dimension, a filtered wrapper, or an extraction
// dimension.
type DimensionSpec struct {
	Type         string         `json:"type"`
	Dimension    string         `json:"dimension,omitempty"`
	OutputName   string         `json:"outputName,omitempty"`
	OutputType   string         `json:"outputType,omitempty"`
	ExtractionFn *ExtractionFn  `json:"extractionFn,omitempty"`
	Delegate     *DimensionSpec `json:"delegate,omitempty"`
	Values       []string       `json:"values,omitempty"`
	Pattern      string         `json:"pattern,omitempty"`
	IsWhitelist  *bool          `json:"isWhitelist,omitempty"`
}

// VirtualColumn is a backend-computed column defined by a native
// expression formula. Names are always prefixed "v:".
type VirtualColumn struct {
	Type       string `json:"type"`
	Name       string `json:"name"`
	Expression string `json:"expression"`
	OutputType string `json:"outputType,omitempty"`
}

// HavingSpec wraps a filter used as a having clause.
type HavingSpec struct {
	Type   string  `json:"type"`
	Filter *Filter `json:"filter,omitempty"`
}

// LimitSpec orders and truncates groupBy output.
type LimitSpec struct {
	Type    string              `json:"type"`
	Limit   int                 `json:"limit,omitempty"`
	Columns []OrderByColumnSpec `json:"columns"`
}

// OrderByColumnSpec is one ordering column of a limitSpec.
type OrderByColumnSpec struct {
	Dimension      string `json:"dimension"`
	Direction      string `json:"direction,omitempty"`
	DimensionOrder string `json:"dimensionOrder,omitempty"`
}

// TopNMetric is either a plain aggregator name, a dimension ordering, or
// an inverted wrapper around one of those.
type TopNMetric struct {
	Metric   string
	Type     string // "", "dimension", "inverted"
	Ordering string
	Inner    *TopNMetric
}

func (m *TopNMetric) MarshalJSON() ([]byte, error) {
	switch m.Type {
	case "":
		return json.Marshal(m.Metric)
	case "dimension":
		obj := map[string]any{"type": "dimension"}
		if m.Ordering != "" {
			obj["ordering"] = m.Ordering
		}
		return json.Marshal(obj)
	case "inverted":
		return json.Marshal(map[string]any{"type": "inverted", "metric": m.Inner})
	}
	return json.Marshal(map[string]any{"type": m.Type})
}

// Inverted wraps a metric to flip its natural ordering.
func (m *TopNMetric) Inverted() *TopNMetric {
	return &TopNMetric{Type: "inverted", Inner: m}
}
