package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyrelay/keyrelay/internal/core"
)

type stubPool struct {
	status core.PoolStatus
	states []core.KeyState
}

func (s stubPool) AggregateStatus() core.PoolStatus { return s.status }
func (s stubPool) KeyStates() []core.KeyState { return s.states }

func TestStatusHandlerWireFormat(t *testing.T) {
	pool := stubPool{status: core.PoolStatus{TotalRequestsLastMinute: 7, TotalRequestsToday: 42}}

	rec := httptest.NewRecorder()
	StatusHandler(pool)(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"total_requests_last_60_seconds":7,"total_requests_today_pacific_time":42}`, rec.Body.String())
}

func TestKeyStatusHandler(t *testing.T) {
	until := time.Date(2025, 1, 2, 8, 0, 0, 0, time.UTC)
	pool := stubPool{
		status: core.PoolStatus{TotalRequestsLastMinute: 1, TotalRequestsToday: 5},
		states: []core.KeyState{
			{Fingerprint: "aaaa1111", RequestsLastMinute: 1, RequestsToday: 2},
			{Fingerprint: "bbbb2222", RequestsToday: 3, Exhausted: true, CooldownUntil: &until, CooldownScope: "day"},
		},
	}

	rec := httptest.NewRecorder()
	KeyStatusHandler(pool)(rec, httptest.NewRequest(http.MethodGet, "/status/keys", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp core.KeyReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.PoolSize)
	assert.Equal(t, 1, resp.AvailableKeys)
	assert.Equal(t, 5, resp.Totals.TotalRequestsToday)
	require.Len(t, resp.Keys, 2)
	assert.Equal(t, "day", resp.Keys[1].CooldownScope)
	assert.NotContains(t, rec.Body.String(), "cooldown_until\":null")
}

func TestKeyPoolChecker(t *testing.T) {
	healthy := stubPool{states: []core.KeyState{{Fingerprint: "a"}, {Fingerprint: "b", Exhausted: true}}}
	require.NoError(t, KeyPoolChecker(healthy).CheckHealth(context.Background()))

	drained := stubPool{states: []core.KeyState{{Fingerprint: "a", Exhausted: true}}}
	err := KeyPoolChecker(drained).CheckHealth(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDegraded))

	require.Error(t, KeyPoolChecker(stubPool{}).CheckHealth(context.Background()))
}

func TestRootHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	RootHandler(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
