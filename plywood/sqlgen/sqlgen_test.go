package sqlgen

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plesiecki/plywood/plywood"
	"github.com/plesiecki/plywood/plywood/druid"
	"github.com/plesiecki/plywood/plywood/expr"
)

func testExternal(mode druid.Mode) *druid.External {
	return &druid.External{
		Mode:          mode,
		Source:        "wiki",
		TimeAttribute: "time",
		RawAttributes: druid.Attributes{
			{Name: "time", Type: plywood.Time, NativeType: "__time"},
			{Name: "country", Type: plywood.String, NativeType: "STRING"},
			{Name: "revenue", Type: plywood.Number, NativeType: "DOUBLE"},
		},
	}
}

func TestSplitSQL(t *testing.T) {
	ex := testExternal(druid.ModeSplit)
	ex.Split = &druid.SplitSpec{Keys: []expr.SplitKey{{
		Name:       "country",
		Expression: &expr.Ref{Name: "country", RefType: plywood.String},
	}}}
	ex.Applies = []druid.Applied{{
		Name: "revenue",
		Expression: &expr.Sum{
			Operand:    &expr.Ref{Name: "data", RefType: plywood.Dataset},
			Expression: &expr.Ref{Name: "revenue", RefType: plywood.Number},
		},
	}}
	ex.Filter = &expr.Is{
		Operand:    &expr.Ref{Name: "country", RefType: plywood.String},
		Expression: &expr.Literal{Value: "it", LitType: plywood.String},
	}
	ex.Sort = &druid.SortSpec{
		Expression: &expr.Ref{Name: "revenue", RefType: plywood.Number},
		Direction:  druid.Descending,
	}
	ex.Limit = 5

	sql, err := New(ex).SQL()
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT `country` AS `country`, SUM(`revenue`) AS `revenue` FROM `wiki`"+
			" WHERE (`country` = 'it') GROUP BY 1 ORDER BY `revenue` DESC LIMIT 5",
		sql)
}

func TestValueSQLUsesEmptyGroupBy(t *testing.T) {
	ex := testExternal(druid.ModeValue)
	ex.ValueExpression = &expr.Count{Operand: &expr.Ref{Name: "data", RefType: plywood.Dataset}}

	sql, err := New(ex).SQL()
	require.NoError(t, err)
	assert.Equal(t, "SELECT COUNT(*) AS `value` FROM `wiki` GROUP BY ''", sql)
}

func TestRawSQLSelectsAttributes(t *testing.T) {
	ex := testExternal(druid.ModeRaw)
	ex.Select = []string{"time", "country"}

	sql, err := New(ex).SQL()
	require.NoError(t, err)
	assert.Equal(t, "SELECT `time`, `country` FROM `wiki`", sql)
}

func TestSubQuerySourceGetsWithClause(t *testing.T) {
	ex := testExternal(druid.ModeRaw)
	ex.Source = "SELECT * FROM wiki WHERE page <> ''"
	ex.Select = []string{"country"}

	sql, err := New(ex).SQL()
	require.NoError(t, err)
	assert.Equal(t,
		"WITH __with__ AS (SELECT * FROM wiki WHERE page <> '') SELECT `country` FROM __with__",
		sql)
}

func TestTimeFilterSQL(t *testing.T) {
	ex := testExternal(druid.ModeTotal)
	ex.Applies = nil
	ex.Split = nil
	ex.Applies = []druid.Applied{{
		Name:       "count",
		Expression: &expr.Count{Operand: &expr.Ref{Name: "data", RefType: plywood.Dataset}},
	}}
	ex.Filter = &expr.Overlap{
		Operand: &expr.Ref{Name: "time", RefType: plywood.Time},
		Expression: &expr.Literal{
			Value: plywood.TimeRange{
				Start: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
				End:   time.Date(2020, 2, 1, 0, 0, 0, 0, time.UTC),
			},
			LitType: plywood.TimeRng,
		},
	}

	sql, err := New(ex).SQL()
	require.NoError(t, err)
	assert.Contains(t, sql, "WHERE (`time` >= '2020-01-01T00:00:00Z' AND `time` < '2020-02-01T00:00:00Z')")
	assert.Contains(t, sql, "GROUP BY ''")
}

func TestFilteredAggregateSQL(t *testing.T) {
	ex := testExternal(druid.ModeTotal)
	ex.Applies = []druid.Applied{{
		Name: "it_revenue",
		Expression: &expr.Sum{
			Operand: &expr.FilterOp{
				Operand: &expr.Ref{Name: "data", RefType: plywood.Dataset},
				Expression: &expr.Is{
					Operand:    &expr.Ref{Name: "country", RefType: plywood.String},
					Expression: &expr.Literal{Value: "it", LitType: plywood.String},
				},
			},
			Expression: &expr.Ref{Name: "revenue", RefType: plywood.Number},
		},
	}}

	sql, err := New(ex).SQL()
	require.NoError(t, err)
	assert.Contains(t, sql, "SUM(CASE WHEN (`country` = 'it') THEN `revenue` ELSE NULL END)")
}
