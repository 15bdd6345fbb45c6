package core

import "time"

// Scope identifies which quota ceiling a key ran into.
type Scope int

const (
	// ScopeMinute is the trailing 60 second request window.
	ScopeMinute Scope = iota
	// ScopeDay is the calendar day in the reference time zone.
	ScopeDay
)

// String returns the lowercase scope name used in logs, metrics and JSON.
func (s Scope) String() string {
	switch s {
	case ScopeDay:
		return "day"
	default:
		return "minute"
	}
}

// QuotaSnapshot is a point-in-time view of one key's counters.
type QuotaSnapshot struct {
	RequestsLastMinute int
	RequestsToday      int
}

// PoolStatus aggregates counters across every key in the pool.
type PoolStatus struct {
	TotalRequestsLastMinute int `json:"total_requests_last_60_seconds"`
	TotalRequestsToday      int `json:"total_requests_today_pacific_time"`
}

// KeyState reports the quota state of a single key, identified by fingerprint.
type KeyState struct {
	Fingerprint        string     `json:"fingerprint"`
	RequestsLastMinute int        `json:"requests_last_60_seconds"`
	RequestsToday      int        `json:"requests_today"`
	Exhausted          bool       `json:"exhausted"`
	CooldownUntil      *time.Time `json:"cooldown_until,omitempty"`
	CooldownScope      string     `json:"cooldown_scope,omitempty"`
}
