package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyrelay/keyrelay/internal/core"
)

type stubProber struct {
	mu      sync.Mutex
	seen    []string
	active  atomic.Int32
	maxSeen atomic.Int32
	delay   time.Duration
}

func (s *stubProber) Probe(ctx context.Context, key string) (*core.ProbeResult, error) {
	current := s.active.Add(1)
	defer s.active.Add(-1)
	for {
		prev := s.maxSeen.Load()
		if current <= prev || s.maxSeen.CompareAndSwap(prev, current) {
			break
		}
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}

	s.mu.Lock()
	s.seen = append(s.seen, key)
	s.mu.Unlock()

	switch key {
	case "fails":
		return nil, errors.New("probe exploded")
	case "nil":
		return nil, nil
	}
	return &core.ProbeResult{Fingerprint: core.Fingerprint(key), Status: core.ProbeValid}, nil
}

func TestOrchestratorPreservesOrder(t *testing.T) {
	prober := &stubProber{delay: 5 * time.Millisecond}
	orchestrator := &Orchestrator{Prober: prober, Concurrency: 2}

	keys := []string{"a", "b", " c ", "a", "d", "e"}
	results, err := orchestrator.ProbeAll(context.Background(), keys)
	require.NoError(t, err)
	require.Len(t, results, 5)

	for i, key := range []string{"a", "b", "c", "d", "e"} {
		assert.Equal(t, core.Fingerprint(key), results[i].Fingerprint)
		assert.Equal(t, core.ProbeValid, results[i].Status)
	}
	assert.LessOrEqual(t, prober.maxSeen.Load(), int32(2))
	assert.Len(t, prober.seen, 5)
}

func TestOrchestratorConvertsErrors(t *testing.T) {
	fixed := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	orchestrator := &Orchestrator{
		Prober: &stubProber{},
		Clock:  func() time.Time { return fixed },
	}

	results, err := orchestrator.ProbeAll(context.Background(), []string{"fails", "nil", "ok"})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, core.ProbeError, results[0].Status)
	assert.Equal(t, "probe exploded", results[0].Message)
	assert.Equal(t, core.Fingerprint("fails"), results[0].Fingerprint)
	assert.Equal(t, fixed, results[0].Provenance.RequestedAt)

	assert.Equal(t, core.ProbeError, results[1].Status)
	assert.Equal(t, core.ProbeValid, results[2].Status)
}

func TestOrchestratorWithoutProber(t *testing.T) {
	results, err := (&Orchestrator{}).ProbeAll(context.Background(), []string{"a"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, core.ProbeError, results[0].Status)
}

func TestOrchestratorEmptyAndCancelled(t *testing.T) {
	orchestrator := &Orchestrator{Prober: &stubProber{}}

	results, err := orchestrator.ProbeAll(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, results)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = orchestrator.ProbeAll(ctx, []string{"a", "b"})
	assert.ErrorIs(t, err, context.Canceled)
}
