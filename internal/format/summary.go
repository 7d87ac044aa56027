package format

import (
	"fmt"
	"io"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/sessionwatch/sessionwatch/internal/metrics"
)

// topTools caps how many tools the usage section of the summary lists.
const topTools = 8

// WriteSummary renders a metrics snapshot as a bordered table. The watch
// command prints one on exit when asked to.
func WriteSummary(w io.Writer, s metrics.Summary) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleRounded)
	tw.Style().Options.SeparateRows = false
	tw.SetTitle("Metrics summary")
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 2, Align: text.AlignRight},
	})

	tw.AppendRows([]table.Row{
		{"Messages", s.Messages},
		{"Tool calls", s.ToolCalls},
		{"Tool errors", s.ToolErrors},
		{"Parse errors", s.ParseErrors},
		{"Sessions started", s.SessionStarts},
		{"Sessions ended", s.SessionEnds},
		{"Active sessions", s.ActiveSessions},
		{"Messages/min", fmt.Sprintf("%.1f", s.MessagesPerMinute)},
		{"Tools/min", fmt.Sprintf("%.1f", s.ToolsPerMinute)},
		{"Tool error rate", fmt.Sprintf("%.1f%%", s.ErrorRate*100)},
	})
	if s.EventsDropped > 0 {
		tw.AppendRow(table.Row{"Events dropped", s.EventsDropped})
	}

	if len(s.ToolUsage) > 0 {
		tw.AppendSeparator()
		for _, name := range topToolNames(s.ToolUsage) {
			tw.AppendRow(table.Row{"  " + name, s.ToolUsage[name]})
		}
	}

	tw.Render()
}

// topToolNames sorts tool names by usage, busiest first, ties by name.
func topToolNames(usage map[string]uint64) []string {
	names := make([]string, 0, len(usage))
	for name := range usage {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if usage[names[i]] != usage[names[j]] {
			return usage[names[i]] > usage[names[j]]
		}
		return names[i] < names[j]
	})
	if len(names) > topTools {
		names = names[:topTools]
	}
	return names
}
