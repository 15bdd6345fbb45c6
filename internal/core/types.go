package core

import "time"

// ProbeStatus classifies the outcome of validating one upstream key.
type ProbeStatus string

const (
	ProbeValid       ProbeStatus = "valid"
	ProbeRateLimited ProbeStatus = "rate_limited"
	ProbeInvalid     ProbeStatus = "invalid"
	ProbeError       ProbeStatus = "error"
)

// Provenance captures metadata about how a probe was resolved.
type Provenance struct {
	CheckID     string    `json:"check_id"`
	RequestedAt time.Time `json:"requested_at"`
	ResolvedAt  time.Time `json:"resolved_at"`
	Source      string    `json:"source"`
	Server      string    `json:"server,omitempty"`
	ToolVersion string    `json:"tool_version,omitempty"`
}

// ProbeResult reports whether an upstream key is usable. The key itself is
// never stored, only its fingerprint.
type ProbeResult struct {
	Fingerprint string      `json:"fingerprint"`
	Status      ProbeStatus `json:"status"`
	StatusCode  int         `json:"status_code,omitempty"`
	Model       string      `json:"model,omitempty"`
	Message     string      `json:"message,omitempty"`
	Provenance  Provenance  `json:"provenance"`
}

// Latency returns how long the probe took.
func (r *ProbeResult) Latency() time.Duration {
	if r == nil || r.Provenance.RequestedAt.IsZero() || r.Provenance.ResolvedAt.IsZero() {
		return 0
	}
	return r.Provenance.ResolvedAt.Sub(r.Provenance.RequestedAt)
}

// KeyReport is the detailed pool report served on the per-key status route.
type KeyReport struct {
	PoolSize      int        `json:"pool_size"`
	AvailableKeys int        `json:"available_keys"`
	Totals        PoolStatus `json:"totals"`
	Keys          []KeyState `json:"keys"`
}

// CountAvailable returns how many states are not exhausted.
func CountAvailable(states []KeyState) int {
	available := 0
	for _, state := range states {
		if !state.Exhausted {
			available++
		}
	}
	return available
}
