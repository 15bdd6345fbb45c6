package engine

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/keyrelay/keyrelay/internal/core"
)

func pacific(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(DefaultLocation)
	require.NoError(t, err)
	return loc
}

func TestQuotaTrackerMinuteCeiling(t *testing.T) {
	loc := pacific(t)
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, loc)
	tracker := NewQuotaTracker(QuotaLimits{PerMinute: 3, PerDay: 100}, loc)

	for i := 0; i < 3; i++ {
		require.False(t, tracker.IsExhausted(now))
		tracker.RecordRequest(now.Add(time.Duration(i) * time.Second))
	}

	require.True(t, tracker.IsExhausted(now.Add(3*time.Second)))
	until, scope, ok := tracker.CooldownUntil()
	require.True(t, ok)
	require.Equal(t, core.ScopeMinute, scope)
	require.Equal(t, now.Add(3*time.Second).Add(time.Minute), until)

	// still cooling down even though the window has drained
	require.True(t, tracker.IsExhausted(now.Add(62*time.Second)))
	require.False(t, tracker.IsExhausted(now.Add(64*time.Second)))
}

func TestQuotaTrackerWindowBoundary(t *testing.T) {
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	tracker := NewQuotaTracker(DefaultQuotaLimits, time.UTC)

	tracker.RecordRequest(now)
	require.Equal(t, 1, tracker.Snapshot(now.Add(59*time.Second)).RequestsLastMinute)
	require.Equal(t, 0, tracker.Snapshot(now.Add(time.Minute)).RequestsLastMinute)
	require.Equal(t, 1, tracker.Snapshot(now.Add(time.Minute)).RequestsToday)
}

func TestQuotaTrackerDayCeiling(t *testing.T) {
	loc := pacific(t)
	now := time.Date(2025, 3, 10, 23, 0, 0, 0, loc)
	tracker := NewQuotaTracker(QuotaLimits{PerMinute: 0, PerDay: 2}, loc)

	tracker.RecordRequest(now)
	tracker.RecordRequest(now.Add(time.Second))

	require.True(t, tracker.IsExhausted(now.Add(2*time.Second)))
	until, scope, ok := tracker.CooldownUntil()
	require.True(t, ok)
	require.Equal(t, core.ScopeDay, scope)
	require.True(t, until.Equal(time.Date(2025, 3, 11, 0, 0, 0, 0, loc)))

	require.True(t, tracker.IsExhausted(now.Add(59*time.Minute)))

	nextDay := time.Date(2025, 3, 11, 0, 0, 1, 0, loc)
	require.False(t, tracker.IsExhausted(nextDay))
	require.Equal(t, 0, tracker.Snapshot(nextDay).RequestsToday)
}

func TestQuotaTrackerForceExhaust(t *testing.T) {
	loc := pacific(t)
	now := time.Date(2025, 7, 4, 12, 0, 0, 0, loc)

	t.Run("minute", func(t *testing.T) {
		tracker := NewQuotaTracker(DefaultQuotaLimits, loc)
		tracker.ForceExhaust(now, core.ScopeMinute)
		require.True(t, tracker.IsExhausted(now.Add(59*time.Second)))
		require.False(t, tracker.IsExhausted(now.Add(time.Minute)))
	})

	t.Run("day", func(t *testing.T) {
		tracker := NewQuotaTracker(DefaultQuotaLimits, loc)
		tracker.ForceExhaust(now, core.ScopeDay)
		require.True(t, tracker.IsExhausted(time.Date(2025, 7, 4, 23, 59, 59, 0, loc)))
		require.False(t, tracker.IsExhausted(time.Date(2025, 7, 5, 0, 0, 0, 0, loc)))
	})

	t.Run("minute does not shorten day cooldown", func(t *testing.T) {
		tracker := NewQuotaTracker(DefaultQuotaLimits, loc)
		tracker.ForceExhaust(now, core.ScopeDay)
		tracker.ForceExhaust(now.Add(time.Second), core.ScopeMinute)

		_, scope, ok := tracker.CooldownUntil()
		require.True(t, ok)
		require.Equal(t, core.ScopeDay, scope)
		require.True(t, tracker.IsExhausted(now.Add(2*time.Hour)))
	})
}

func TestQuotaTrackerDSTMidnight(t *testing.T) {
	loc := pacific(t)
	// 2025-03-09 is the spring-forward day in the Pacific zone.
	now := time.Date(2025, 3, 8, 18, 0, 0, 0, loc)
	tracker := NewQuotaTracker(DefaultQuotaLimits, loc)
	tracker.ForceExhaust(now, core.ScopeDay)

	until, _, ok := tracker.CooldownUntil()
	require.True(t, ok)
	require.True(t, until.Equal(time.Date(2025, 3, 9, 0, 0, 0, 0, loc)))
}

func TestQuotaTrackerDisabledLimits(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tracker := NewQuotaTracker(QuotaLimits{}, nil)
	for i := 0; i < 5000; i++ {
		tracker.RecordRequest(now)
	}
	require.False(t, tracker.IsExhausted(now))
}

func TestQuotaIDFromResponse(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "metadata",
			body: `{"error":{"code":429,"details":[{"@type":"type.googleapis.com/google.rpc.ErrorInfo","metadata":{"quotaId":"GenerateRequestsPerDayPerProjectPerModel-FreeTier"}}]}}`,
			want: "GenerateRequestsPerDayPerProjectPerModel-FreeTier",
		},
		{
			name: "violations",
			body: `{"error":{"code":429,"details":[{"@type":"type.googleapis.com/google.rpc.QuotaFailure","violations":[{"quotaMetric":"m","quotaId":"GenerateRequestsPerMinutePerProjectPerModel-FreeTier"}]}]}}`,
			want: "GenerateRequestsPerMinutePerProjectPerModel-FreeTier",
		},
		{
			name: "streaming array",
			body: `[{"error":{"code":429,"details":[{"violations":[{"quotaId":"PerDayQuota"}]}]}}]`,
			want: "PerDayQuota",
		},
		{name: "no details", body: `{"error":{"code":429,"message":"slow down"}}`},
		{name: "not json", body: `Too Many Requests`},
		{name: "empty", body: ``},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, QuotaIDFromResponse(nil, []byte(tc.body)))
		})
	}
}

func TestQuotaIDFromGzipResponse(t *testing.T) {
	body := gzipBytes(t, `{"error":{"details":[{"metadata":{"quotaId":"RequestsPerDay"}}]}}`)
	header := map[string][]string{"Content-Encoding": {"gzip"}}
	require.Equal(t, "RequestsPerDay", QuotaIDFromResponse(header, body))
}

func TestClassifyQuota(t *testing.T) {
	require.Equal(t, core.ScopeDay, ClassifyQuota("GenerateRequestsPerDayPerProjectPerModel-FreeTier", ""))
	require.Equal(t, core.ScopeMinute, ClassifyQuota("GenerateRequestsPerMinutePerProjectPerModel-FreeTier", ""))
	require.Equal(t, core.ScopeDay, ClassifyQuota("daily-cap", "daily"))
}

func TestRetryPolicy(t *testing.T) {
	require.Equal(t, 4, RetryPolicyFromMax(3).Attempts())
	require.Equal(t, 1, BoundedRetries(-2).Attempts())
	require.True(t, RetryPolicyFromMax(0).Unbounded())
	require.Equal(t, UnboundedAttemptCap, UnboundedRetries().Attempts())
	require.Equal(t, "bounded(3)", BoundedRetries(3).String())
}

func TestRetryAfter(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	wait, raw := RetryAfter(http.Header{}, now)
	require.Zero(t, wait)
	require.Empty(t, raw)

	wait, raw = RetryAfter(http.Header{"Retry-After": []string{"30"}}, now)
	require.Equal(t, 30*time.Second, wait)
	require.Equal(t, "30", raw)

	date := now.Add(2 * time.Minute).Format(http.TimeFormat)
	wait, raw = RetryAfter(http.Header{"Retry-After": []string{date}}, now)
	require.Equal(t, 2*time.Minute, wait)
	require.Equal(t, date, raw)

	wait, raw = RetryAfter(http.Header{"Retry-After": []string{"soon"}}, now)
	require.Zero(t, wait)
	require.Equal(t, "soon", raw)
}
