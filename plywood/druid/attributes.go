package druid

import (
	"github.com/plesiecki/plywood/plywood"
)

// TimeColumn is the backend's reserved primary time column.
const TimeColumn = "__time"

// Maker records how a rolled-up metric column was produced at ingestion,
// which decides how the column may be re-aggregated.
type Maker struct {
	Op        string // "count", "sum", "min", "max"
	FieldName string // source field for non-count makers
}

// AttributeInfo describes one queryable column.
type AttributeInfo struct {
	Name        string
	Type        plywood.Type
	NativeType  string // backend type: "__time", "STRING", "LONG", "FLOAT", "DOUBLE", "hyperUnique", ...
	Unsplitable bool   // rolled-up metric; cannot be used as a dimension
	Maker       *Maker
	Cardinality int
	Range       *plywood.TimeRange
}

// IsLong reports whether the column holds backend longs, which picks the
// long- over the double-variant of sum/min/max aggregators.
func (a AttributeInfo) IsLong() bool {
	return a.NativeType == "LONG" || a.NativeType == TimeColumn
}

// Attributes is an ordered column list with name lookup.
type Attributes []AttributeInfo

// Get finds an attribute by name.
func (as Attributes) Get(name string) (AttributeInfo, bool) {
	for _, a := range as {
		if a.Name == name {
			return a, true
		}
	}
	return AttributeInfo{}, false
}

// Has reports whether name is a known attribute.
func (as Attributes) Has(name string) bool {
	_, ok := as.Get(name)
	return ok
}
