package druid

import (
	"context"

	"github.com/plesiecki/plywood/plywood/expr"
)

// Mode classifies what one planning pass must produce.
type Mode string

const (
	ModeRaw   Mode = "raw"   // plain rows
	ModeValue Mode = "value" // a single scalar
	ModeTotal Mode = "total" // one row of aggregates
	ModeSplit Mode = "split" // aggregates per group
)

// QuerySelection restricts which native shapes the planner may pick.
type QuerySelection string

const (
	// QuerySelectionAny lets the planner choose freely.
	QuerySelectionAny QuerySelection = "any"
	// QuerySelectionGroupByOnly forbids topN and dimensioned timeseries;
	// everything collapses to groupBy.
	QuerySelectionGroupByOnly QuerySelection = "group-by-only"
)

// Direction values for sorts.
const (
	Ascending  = "ascending"
	Descending = "descending"
)

// Reserved output-name prefixes. Aggregation columns named with
// IgnorePrefix are dropped by the post-transform; output names that would
// collide with backend-reserved "__" names are rewritten with DummyPrefix
// and restored on the way out.
const (
	IgnorePrefix = "!"
	DummyPrefix  = "***"
)

// Applied is one named aggregate expression contributing an output column.
type Applied struct {
	Name       string
	Expression expr.Expression
}

// SplitSpec is the group-by key set of a split-mode pass.
type SplitSpec struct {
	Keys     []expr.SplitKey
	DataName string
}

// SingleKey returns the only key when the split has exactly one.
func (s *SplitSpec) SingleKey() (expr.SplitKey, bool) {
	if s != nil && len(s.Keys) == 1 {
		return s.Keys[0], true
	}
	return expr.SplitKey{}, false
}

// SortSpec orders the result of a split or raw pass.
type SortSpec struct {
	Expression expr.Expression
	Direction  string // Ascending or Descending
}

// RefName returns the referenced name when the sort key is a bare ref.
func (s *SortSpec) RefName() (string, bool) {
	if s == nil {
		return "", false
	}
	r, ok := s.Expression.(*expr.Ref)
	if !ok {
		return "", false
	}
	return r.Name, true
}

// CustomAggregation is a caller-registered native aggregator.
type CustomAggregation struct {
	Aggregation map[string]any // native aggregator document, name injected at emit
	AccessType  string         // post-aggregation accessor type; "" means fieldAccess
}

// CustomTransform is a caller-registered native extraction function.
type CustomTransform struct {
	ExtractionFn *ExtractionFn
}

// External is the immutable configuration snapshot for one planning pass.
type External struct {
	Mode   Mode
	Source string

	Filter          expr.Expression // boolean row filter; nil means TRUE
	Split           *SplitSpec
	Applies         []Applied
	ValueExpression expr.Expression
	Sort            *SortSpec
	Limit           int // 0 means no limit
	HavingFilter    expr.Expression

	DerivedAttributes map[string]expr.Expression
	RawAttributes     Attributes
	Select            []string // attribute names projected in raw mode

	Context       map[string]any
	TimeAttribute string

	CustomAggregations map[string]CustomAggregation
	CustomTransforms   map[string]CustomTransform

	AllowEternity      bool
	AllowSelectQueries bool
	ExactResultsOnly   bool
	QuerySelection     QuerySelection
}

// clone returns a shallow copy for copy-on-change rebuilds.
func (e *External) clone() *External {
	c := *e
	return &c
}

// isTimeRef reports whether x is a nest-0 ref to the time attribute.
func (e *External) isTimeRef(x expr.Expression) bool {
	return expr.IsRefTo(x, e.TimeAttribute)
}

// attributeInfo resolves a non-derived attribute by name.
func (e *External) attributeInfo(name string) (AttributeInfo, bool) {
	return e.RawAttributes.Get(name)
}

// dimensionName maps an attribute name to its native column.
func (e *External) dimensionName(name string) string {
	if name == e.TimeAttribute {
		return TimeColumn
	}
	if a, ok := e.attributeInfo(name); ok && a.NativeType == TimeColumn {
		return TimeColumn
	}
	return name
}

// resolveDerived substitutes derived-attribute refs with their defining
// expressions so the sub-builders only ever see raw columns.
func (e *External) resolveDerived(x expr.Expression) expr.Expression {
	if x == nil || len(e.DerivedAttributes) == 0 {
		return x
	}
	return expr.Substitute(x, func(n expr.Expression) expr.Expression {
		if r, ok := n.(*expr.Ref); ok && r.Nest == 0 {
			if d, ok := e.DerivedAttributes[r.Name]; ok {
				return e.resolveDerived(d)
			}
		}
		return nil
	})
}

// ResponseContext guides the requester and inflater layer.
type ResponseContext struct {
	Timestamp    string // column carrying the bucket timestamp in responses
	IgnorePrefix string
	DummyPrefix  string
}

// QueryAndPostTransform is the product of one planning pass.
type QueryAndPostTransform struct {
	Query         *Query
	Context       ResponseContext
	PostTransform *RowTransform
}

// RowIterator streams native result rows. Dropping the iterator (Close)
// is the only cancellation mechanism at this layer.
type RowIterator interface {
	Next() bool
	Row() map[string]any
	Err() error
	Close()
}

// RequesterQuery is what a Requester receives.
type RequesterQuery struct {
	Query   *Query
	Context map[string]any
}

// Requester issues a native query and yields its row stream. The planner
// is agnostic about the transport behind it.
type Requester func(ctx context.Context, q RequesterQuery) (RowIterator, error)
