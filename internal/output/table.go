package output

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/keyrelay/keyrelay/internal/core"
)

// TableFormatter renders results as an ASCII table.
type TableFormatter struct{}

// FormatPoolStatus renders pool totals as a two-column table.
func (f *TableFormatter) FormatPoolStatus(status core.PoolStatus) (string, error) {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Window", "Requests"})
	t.AppendRow(table.Row{"last 60 seconds", status.TotalRequestsLastMinute})
	t.AppendRow(table.Row{"today (pool time zone)", status.TotalRequestsToday})
	return t.Render(), nil
}

// FormatKeyReport renders one row per key.
func (f *TableFormatter) FormatKeyReport(report *core.KeyReport) (string, error) {
	if report == nil {
		return "", nil
	}

	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"#", "Key", "Last 60s", "Today", "State", "Cooldown Until"})

	for i, state := range report.Keys {
		t.AppendRow(table.Row{
			i + 1,
			state.Fingerprint,
			state.RequestsLastMinute,
			state.RequestsToday,
			keyStateLabel(state),
			cooldownLabel(state),
		})
	}

	t.AppendFooter(table.Row{
		"",
		fmt.Sprintf("%d/%d available", report.AvailableKeys, report.PoolSize),
		report.Totals.TotalRequestsLastMinute,
		report.Totals.TotalRequestsToday,
		"",
		"",
	})
	return t.Render(), nil
}

// FormatProbeResults renders one row per probed key.
func (f *TableFormatter) FormatProbeResults(results []*core.ProbeResult) (string, error) {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Key", "Model", "Status", "Notes"})

	for _, r := range results {
		if r == nil {
			continue
		}
		t.AppendRow(table.Row{r.Fingerprint, r.Model, probeLabel(r), probeNotes(r)})
	}

	t.AppendFooter(table.Row{"", "", probeSummary(results), ""})
	return t.Render(), nil
}
