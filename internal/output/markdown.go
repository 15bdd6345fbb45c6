package output

import (
	"fmt"
	"strings"

	"github.com/keyrelay/keyrelay/internal/core"
)

// MarkdownFormatter renders results as markdown tables.
type MarkdownFormatter struct{}

// FormatPoolStatus renders pool totals.
func (f *MarkdownFormatter) FormatPoolStatus(status core.PoolStatus) (string, error) {
	var sb strings.Builder
	sb.WriteString("## Pool status\n\n")
	sb.WriteString("| Window | Requests |\n")
	sb.WriteString("|--------|----------|\n")
	sb.WriteString(fmt.Sprintf("| last 60 seconds | %d |\n", status.TotalRequestsLastMinute))
	sb.WriteString(fmt.Sprintf("| today (pool time zone) | %d |\n", status.TotalRequestsToday))
	return sb.String(), nil
}

// FormatKeyReport renders one row per key.
func (f *MarkdownFormatter) FormatKeyReport(report *core.KeyReport) (string, error) {
	if report == nil {
		return "", nil
	}

	var sb strings.Builder
	sb.WriteString("## Keys\n\n")
	sb.WriteString("| Key | Last 60s | Today | State | Cooldown Until |\n")
	sb.WriteString("|-----|----------|-------|-------|----------------|\n")
	for _, state := range report.Keys {
		sb.WriteString(fmt.Sprintf("| %s | %d | %d | %s | %s |\n",
			escapeMarkdownCell(state.Fingerprint),
			state.RequestsLastMinute,
			state.RequestsToday,
			escapeMarkdownCell(keyStateLabel(state)),
			escapeMarkdownCell(cooldownLabel(state)),
		))
	}
	sb.WriteString(fmt.Sprintf("\n**Available**: %d/%d\n", report.AvailableKeys, report.PoolSize))
	return sb.String(), nil
}

// FormatProbeResults renders probe results.
func (f *MarkdownFormatter) FormatProbeResults(results []*core.ProbeResult) (string, error) {
	var sb strings.Builder
	sb.WriteString("## Key probe\n\n")
	sb.WriteString("| Key | Model | Status | Notes |\n")
	sb.WriteString("|-----|-------|--------|-------|\n")
	for _, r := range results {
		if r == nil {
			continue
		}
		sb.WriteString(fmt.Sprintf("| %s | %s | %s | %s |\n",
			escapeMarkdownCell(r.Fingerprint),
			escapeMarkdownCell(r.Model),
			escapeMarkdownCell(probeLabel(r)),
			escapeMarkdownCell(probeNotes(r)),
		))
	}
	sb.WriteString(fmt.Sprintf("\n**Result**: %s\n", probeSummary(results)))
	return sb.String(), nil
}

func escapeMarkdownCell(value string) string {
	return strings.ReplaceAll(value, "|", "\\|")
}
