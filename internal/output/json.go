package output

import (
	"encoding/json"

	"github.com/keyrelay/keyrelay/internal/core"
)

// JSONFormatter renders results as JSON.
type JSONFormatter struct {
	Indent bool
}

// FormatPoolStatus renders pool totals with the wire field names.
func (f *JSONFormatter) FormatPoolStatus(status core.PoolStatus) (string, error) {
	return f.marshal(status)
}

// FormatKeyReport renders the per-key report.
func (f *JSONFormatter) FormatKeyReport(report *core.KeyReport) (string, error) {
	if report == nil {
		return "", nil
	}
	return f.marshal(report)
}

// FormatProbeResults renders probe results as an array.
func (f *JSONFormatter) FormatProbeResults(results []*core.ProbeResult) (string, error) {
	if results == nil {
		results = []*core.ProbeResult{}
	}
	return f.marshal(results)
}

func (f *JSONFormatter) marshal(value any) (string, error) {
	var (
		data []byte
		err  error
	)

	if f.Indent {
		data, err = json.MarshalIndent(value, "", "  ")
	} else {
		data, err = json.Marshal(value)
	}
	if err != nil {
		return "", err
	}

	return string(data), nil
}
