package main

import (
	"fmt"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/plesiecki/plywood/plywood/druid"
)

// formatPlanSummary renders the plan's output columns as a markdown
// table: one row per column with its origin and inflation.
func formatPlanSummary(ex *druid.External, result druid.QueryAndPostTransform) string {
	columns := []string{"column", "origin", "inflater"}

	inflaterFor := map[string]string{}
	for _, inf := range result.PostTransform.Inflaters {
		inflaterFor[inf.Label] = strings.Join(inf.Sources, "|")
		if inflaterFor[inf.Label] == "" {
			inflaterFor[inf.Label] = "direct"
		}
	}

	splitNames := map[string]bool{}
	if ex.Split != nil {
		for _, k := range ex.Split.Keys {
			splitNames[k.Name] = true
		}
	}

	var rows [][]string
	if result.Context.Timestamp != "" {
		rows = append(rows, []string{result.Context.Timestamp, "timestamp", "time"})
	}
	for _, name := range result.PostTransform.Attributes {
		if name == result.Context.Timestamp {
			continue
		}
		origin := "apply"
		if splitNames[name] {
			origin = "split"
		} else if ex.Mode == druid.ModeRaw {
			origin = "column"
		}
		inflater := inflaterFor[name]
		if inflater == "" {
			inflater = "-"
		}
		rows = append(rows, []string{name, origin, inflater})
	}

	alignment := make([]tw.Align, len(columns))
	for i := range alignment {
		alignment[i] = tw.AlignNone
	}

	out := &strings.Builder{}
	table := tablewriter.NewTable(out,
		tablewriter.WithRenderer(renderer.NewMarkdown()),
		tablewriter.WithAlignment(alignment),
		tablewriter.WithHeaderAutoFormat(tw.Off),
	)
	table.Header(columns)
	for _, row := range rows {
		table.Append(row)
	}
	table.Render()
	out.WriteString(fmt.Sprintf("\n_%d output columns_\n", len(rows)))
	return out.String()
}
