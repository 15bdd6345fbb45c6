package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/keyrelay/keyrelay/internal/core"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestPool(t *testing.T, keys []string, clock *fakeClock, limits QuotaLimits) *KeyPool {
	t.Helper()
	pool, err := NewKeyPool(keys, WithClock(clock.Now), WithLocation(pacific(t)), WithLimits(limits))
	require.NoError(t, err)
	return pool
}

func TestNewKeyPoolRejectsEmpty(t *testing.T) {
	_, err := NewKeyPool([]string{"", "  "})
	require.ErrorIs(t, err, ErrEmptyPool)
}

func TestKeyPoolRoundRobin(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC))
	pool := newTestPool(t, []string{"k1", "k2", "k3"}, clock, DefaultQuotaLimits)

	var got []string
	for i := 0; i < 6; i++ {
		key, ok := pool.Acquire()
		require.True(t, ok)
		got = append(got, key)
	}
	require.Equal(t, []string{"k1", "k2", "k3", "k1", "k2", "k3"}, got)
}

func TestKeyPoolSkipsExhaustedKey(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC))
	pool := newTestPool(t, []string{"k1", "k2", "k3"}, clock, DefaultQuotaLimits)

	require.True(t, pool.ReportExhausted("k2", core.ScopeMinute))
	require.False(t, pool.ReportExhausted("unknown", core.ScopeMinute))

	var got []string
	for i := 0; i < 4; i++ {
		key, ok := pool.Acquire()
		require.True(t, ok)
		got = append(got, key)
	}
	require.Equal(t, []string{"k1", "k3", "k1", "k3"}, got)

	clock.Advance(time.Minute)
	key, ok := pool.Acquire()
	require.True(t, ok)
	require.Equal(t, "k1", key)
	key, ok = pool.Acquire()
	require.True(t, ok)
	require.Equal(t, "k2", key)
}

func TestKeyPoolExhausted(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC))
	pool := newTestPool(t, []string{"k1", "k2"}, clock, QuotaLimits{PerMinute: 1, PerDay: 10})

	_, ok := pool.Acquire()
	require.True(t, ok)
	_, ok = pool.Acquire()
	require.True(t, ok)

	key, ok := pool.Acquire()
	require.False(t, ok)
	require.Empty(t, key)

	status := pool.AggregateStatus()
	require.Equal(t, 2, status.TotalRequestsLastMinute)
	require.Equal(t, 2, status.TotalRequestsToday)

	clock.Advance(61 * time.Second)
	_, ok = pool.Acquire()
	require.True(t, ok)
}

func TestKeyPoolAggregateStatusResetsOnNewDay(t *testing.T) {
	loc := pacific(t)
	clock := newFakeClock(time.Date(2025, 5, 1, 23, 59, 0, 0, loc))
	pool := newTestPool(t, []string{"k1", "k2"}, clock, DefaultQuotaLimits)

	for i := 0; i < 4; i++ {
		_, ok := pool.Acquire()
		require.True(t, ok)
	}
	require.Equal(t, core.PoolStatus{TotalRequestsLastMinute: 4, TotalRequestsToday: 4}, pool.AggregateStatus())

	clock.Advance(2 * time.Minute)
	require.Equal(t, core.PoolStatus{}, pool.AggregateStatus())
}

func TestKeyPoolKeyStates(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC))
	pool := newTestPool(t, []string{"k1", "k2"}, clock, DefaultQuotaLimits)

	_, ok := pool.Acquire()
	require.True(t, ok)
	pool.ReportExhausted("k2", core.ScopeDay)

	states := pool.KeyStates()
	require.Len(t, states, 2)

	require.Equal(t, core.Fingerprint("k1"), states[0].Fingerprint)
	require.Equal(t, 1, states[0].RequestsLastMinute)
	require.False(t, states[0].Exhausted)
	require.Nil(t, states[0].CooldownUntil)

	require.True(t, states[1].Exhausted)
	require.Equal(t, "day", states[1].CooldownScope)
	require.NotNil(t, states[1].CooldownUntil)

	require.True(t, pool.Contains("k1"))
	require.False(t, pool.Contains("k3"))
	require.Equal(t, 2, pool.Size())
}

func TestKeyPoolConcurrentAcquireNeverOvershoots(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC))
	pool := newTestPool(t, []string{"k1", "k2", "k3"}, clock, QuotaLimits{PerMinute: 5, PerDay: 100})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted = map[string]int{}
		denied  int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key, ok := pool.Acquire()
			mu.Lock()
			defer mu.Unlock()
			if !ok {
				denied++
				return
			}
			granted[key]++
		}()
	}
	wg.Wait()

	require.Equal(t, 35, denied)
	for _, key := range []string{"k1", "k2", "k3"} {
		require.Equal(t, 5, granted[key])
	}
	require.Equal(t, 15, pool.AggregateStatus().TotalRequestsLastMinute)
}
