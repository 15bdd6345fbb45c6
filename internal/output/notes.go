package output

import (
	"fmt"
	"time"

	"github.com/keyrelay/keyrelay/internal/core"
)

func keyStateLabel(state core.KeyState) string {
	if !state.Exhausted {
		return "available"
	}
	if state.CooldownScope != "" {
		return "exhausted (" + state.CooldownScope + ")"
	}
	return "exhausted"
}

func cooldownLabel(state core.KeyState) string {
	if state.CooldownUntil == nil {
		return "-"
	}
	return state.CooldownUntil.Format(time.RFC3339)
}

func probeLabel(result *core.ProbeResult) string {
	switch result.Status {
	case core.ProbeValid:
		return "valid"
	case core.ProbeRateLimited:
		return "rate limited"
	case core.ProbeInvalid:
		return "invalid"
	default:
		return "error"
	}
}

func probeNotes(result *core.ProbeResult) string {
	notes := result.Message
	if result.StatusCode > 0 {
		notes = fmt.Sprintf("HTTP %d: %s", result.StatusCode, notes)
	}
	if latency := result.Latency(); latency > 0 {
		notes += fmt.Sprintf(" (%s)", latency.Round(time.Millisecond))
	}
	return notes
}

func probeSummary(results []*core.ProbeResult) string {
	valid := 0
	total := 0
	for _, result := range results {
		if result == nil {
			continue
		}
		total++
		if result.Status == core.ProbeValid {
			valid++
		}
	}
	return fmt.Sprintf("%d/%d valid", valid, total)
}
