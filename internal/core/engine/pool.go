package engine

import (
	"errors"
	"sync"
	"time"
	_ "time/tzdata" // daily quotas need the reference zone even on hosts without zoneinfo

	"github.com/keyrelay/keyrelay/internal/core"
)

// DefaultLocation is the reference zone for daily quotas.
const DefaultLocation = "America/Los_Angeles"

// ErrEmptyPool is returned when no usable key was supplied.
var ErrEmptyPool = errors.New("key pool requires at least one key")

// KeyPool rotates over a fixed set of upstream keys.
//
// Every operation runs under a single mutex that covers the rotation cursor and
// all trackers. The lock guards in-memory bookkeeping only and must never be
// held across an upstream call.
type KeyPool struct {
	mu       sync.Mutex
	keys     []string
	trackers map[string]*QuotaTracker
	cursor   int

	clock    func() time.Time
	location *time.Location
	limits   QuotaLimits
}

// PoolOption configures a KeyPool.
type PoolOption func(*KeyPool)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) PoolOption {
	return func(p *KeyPool) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// WithLocation sets the zone that defines calendar days.
func WithLocation(loc *time.Location) PoolOption {
	return func(p *KeyPool) {
		if loc != nil {
			p.location = loc
		}
	}
}

// WithLimits overrides the per-key ceilings.
func WithLimits(limits QuotaLimits) PoolOption {
	return func(p *KeyPool) {
		p.limits = limits
	}
}

// NewKeyPool builds a pool from keys. Keys are trimmed and de-duplicated.
func NewKeyPool(keys []string, opts ...PoolOption) (*KeyPool, error) {
	normalized := core.NormalizeKeys(keys)
	if len(normalized) == 0 {
		return nil, ErrEmptyPool
	}

	p := &KeyPool{
		keys:   normalized,
		limits: DefaultQuotaLimits,
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.location == nil {
		loc, err := time.LoadLocation(DefaultLocation)
		if err != nil {
			return nil, err
		}
		p.location = loc
	}

	p.trackers = make(map[string]*QuotaTracker, len(normalized))
	for _, key := range normalized {
		p.trackers[key] = NewQuotaTracker(p.limits, p.location)
	}
	return p, nil
}

// Acquire selects the next usable key and counts a request against it.
//
// At most Size() keys are examined starting at the cursor, and the cursor moves
// one position per examined key whether or not it was usable. Selection and
// RecordRequest happen in the same critical section so two callers can never
// both consume the last slot of a key.
func (p *KeyPool) Acquire() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock()
	for range p.keys {
		key := p.keys[p.cursor]
		p.cursor = (p.cursor + 1) % len(p.keys)

		tracker := p.trackers[key]
		if tracker.IsExhausted(now) {
			continue
		}
		tracker.RecordRequest(now)
		return key, true
	}
	return "", false
}

// ReportExhausted marks key exhausted for scope. It returns false when the key
// does not belong to the pool.
func (p *KeyPool) ReportExhausted(key string, scope core.Scope) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	tracker, ok := p.trackers[key]
	if !ok {
		return false
	}
	tracker.ForceExhaust(p.clock(), scope)
	return true
}

// AggregateStatus sums the live counters of every key.
func (p *KeyPool) AggregateStatus() core.PoolStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock()
	var status core.PoolStatus
	for _, key := range p.keys {
		snap := p.trackers[key].Snapshot(now)
		status.TotalRequestsLastMinute += snap.RequestsLastMinute
		status.TotalRequestsToday += snap.RequestsToday
	}
	return status
}

// KeyStates reports per-key counters and cooldowns in pool order.
func (p *KeyPool) KeyStates() []core.KeyState {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock()
	states := make([]core.KeyState, 0, len(p.keys))
	for _, key := range p.keys {
		tracker := p.trackers[key]
		exhausted := tracker.IsExhausted(now)
		snap := tracker.Snapshot(now)

		state := core.KeyState{
			Fingerprint:        core.Fingerprint(key),
			RequestsLastMinute: snap.RequestsLastMinute,
			RequestsToday:      snap.RequestsToday,
			Exhausted:          exhausted,
		}
		if until, scope, ok := tracker.CooldownUntil(); ok && exhausted {
			state.CooldownUntil = &until
			state.CooldownScope = scope.String()
		}
		states = append(states, state)
	}
	return states
}

// Contains reports whether key is one of the pool's upstream keys.
func (p *KeyPool) Contains(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, ok := p.trackers[key]
	return ok
}

// Size returns the number of keys in the pool.
func (p *KeyPool) Size() int {
	return len(p.keys)
}

// Location returns the zone used for daily accounting.
func (p *KeyPool) Location() *time.Location {
	return p.location
}
