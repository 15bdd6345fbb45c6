package handlers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/keyrelay/keyrelay/internal/core"
	"github.com/keyrelay/keyrelay/internal/metrics"
)

// PoolReporter exposes read-only key pool state.
type PoolReporter interface {
	AggregateStatus() core.PoolStatus
	KeyStates() []core.KeyState
}

// StatusHandler reports request totals across the pool.
func StatusHandler(pool PoolReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := pool.AggregateStatus()
		metrics.SetPoolStatus(status)
		writeJSON(w, http.StatusOK, status)
	}
}

// KeyStatusHandler reports every key by fingerprint.
func KeyStatusHandler(pool PoolReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		states := pool.KeyStates()
		response := core.KeyReport{
			PoolSize:      len(states),
			AvailableKeys: core.CountAvailable(states),
			Totals:        pool.AggregateStatus(),
			Keys:          states,
		}
		writeJSON(w, http.StatusOK, response)
	}
}

// RootHandler answers the bare liveness ping at "/".
func RootHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// KeyPoolChecker reports degraded health while every key is cooling down.
func KeyPoolChecker(pool PoolReporter) HealthChecker {
	return HealthCheckerFunc(func(ctx context.Context) error {
		states := pool.KeyStates()
		if len(states) == 0 {
			return fmt.Errorf("key pool is empty")
		}
		if core.CountAvailable(states) == 0 {
			return fmt.Errorf("all %d keys exhausted: %w", len(states), ErrDegraded)
		}
		return nil
	})
}
