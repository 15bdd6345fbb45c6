package engine

import (
	"time"

	"github.com/keyrelay/keyrelay/internal/core"
)

// QuotaWindow is the length of the sliding per-minute request window.
const QuotaWindow = time.Minute

// QuotaLimits holds the per-key request ceilings.
type QuotaLimits struct {
	PerMinute int
	PerDay    int
}

// DefaultQuotaLimits mirrors the free-tier limits of the upstream API.
var DefaultQuotaLimits = QuotaLimits{PerMinute: 60, PerDay: 1000}

// QuotaTracker tracks request counters and cooldown for one upstream key.
//
// A tracker is not safe for concurrent use. KeyPool owns every tracker and only
// touches them while holding its mutex.
type QuotaTracker struct {
	limits   QuotaLimits
	location *time.Location

	window    []time.Time
	dayCount  int
	dayAnchor civilDate

	cooldownUntil time.Time
	cooldownScope core.Scope
}

type civilDate struct {
	year  int
	month time.Month
	day   int
}

// NewQuotaTracker returns a tracker that counts days in loc.
// A nil location falls back to UTC.
func NewQuotaTracker(limits QuotaLimits, loc *time.Location) *QuotaTracker {
	if loc == nil {
		loc = time.UTC
	}
	return &QuotaTracker{limits: limits, location: loc}
}

// IsExhausted reports whether the key must be skipped at now.
//
// An active cooldown wins outright. Otherwise the stale cooldown is cleared,
// the window is pruned, the day counter is rolled and the live counters decide.
// Hitting a ceiling starts a new cooldown for the matching scope.
func (t *QuotaTracker) IsExhausted(now time.Time) bool {
	if t.cooldownActive(now) {
		return true
	}
	t.cooldownUntil = time.Time{}

	t.prune(now)
	t.rollDay(now)

	if t.limits.PerMinute > 0 && len(t.window) >= t.limits.PerMinute {
		t.startCooldown(now, core.ScopeMinute)
		return true
	}
	if t.limits.PerDay > 0 && t.dayCount >= t.limits.PerDay {
		t.startCooldown(now, core.ScopeDay)
		return true
	}
	return false
}

// RecordRequest counts a request issued at now.
func (t *QuotaTracker) RecordRequest(now time.Time) {
	t.rollDay(now)
	t.window = append(t.window, now)
	t.dayCount++
}

// ForceExhaust puts the key in cooldown regardless of local counters. An active
// cooldown that already ends later is left alone.
func (t *QuotaTracker) ForceExhaust(now time.Time, scope core.Scope) {
	previousUntil, previousScope := t.cooldownUntil, t.cooldownScope
	t.startCooldown(now, scope)
	if previousUntil.After(t.cooldownUntil) && now.Before(previousUntil) {
		t.cooldownUntil, t.cooldownScope = previousUntil, previousScope
	}
}

// Snapshot returns the live counters at now. Pruning and the day reset happen
// here too, so an idle key never reports yesterday's count.
func (t *QuotaTracker) Snapshot(now time.Time) core.QuotaSnapshot {
	t.prune(now)
	t.rollDay(now)
	return core.QuotaSnapshot{
		RequestsLastMinute: len(t.window),
		RequestsToday:      t.dayCount,
	}
}

// CooldownUntil returns the end and scope of the current cooldown, if any.
func (t *QuotaTracker) CooldownUntil() (time.Time, core.Scope, bool) {
	if t.cooldownUntil.IsZero() {
		return time.Time{}, t.cooldownScope, false
	}
	return t.cooldownUntil, t.cooldownScope, true
}

func (t *QuotaTracker) cooldownActive(now time.Time) bool {
	return !t.cooldownUntil.IsZero() && now.Before(t.cooldownUntil)
}

func (t *QuotaTracker) startCooldown(now time.Time, scope core.Scope) {
	t.cooldownScope = scope
	if scope == core.ScopeDay {
		t.cooldownUntil = nextMidnight(now, t.location)
		return
	}
	t.cooldownUntil = now.Add(QuotaWindow)
}

// prune drops window entries that are QuotaWindow or more older than now.
// Entries are chronological so the first survivor ends the scan.
func (t *QuotaTracker) prune(now time.Time) {
	cutoff := 0
	for cutoff < len(t.window) && now.Sub(t.window[cutoff]) >= QuotaWindow {
		cutoff++
	}
	if cutoff == 0 {
		return
	}
	t.window = append(t.window[:0], t.window[cutoff:]...)
}

func (t *QuotaTracker) rollDay(now time.Time) {
	today := dateIn(now, t.location)
	if today != t.dayAnchor {
		t.dayAnchor = today
		t.dayCount = 0
	}
}

func dateIn(now time.Time, loc *time.Location) civilDate {
	y, m, d := now.In(loc).Date()
	return civilDate{year: y, month: m, day: d}
}

// nextMidnight returns the start of the day after now in loc. time.Date
// normalizes day overflow and DST shifts.
func nextMidnight(now time.Time, loc *time.Location) time.Time {
	y, m, d := now.In(loc).Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, loc)
}
