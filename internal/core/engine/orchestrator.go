package engine

import (
	"context"
	"sync"
	"time"

	"github.com/keyrelay/keyrelay/internal/core"
)

// DefaultProbeConcurrency bounds parallel probes.
const DefaultProbeConcurrency = 4

// Prober validates one upstream key.
type Prober interface {
	Probe(ctx context.Context, key string) (*core.ProbeResult, error)
}

// Orchestrator fans key probes out over a bounded set of workers.
type Orchestrator struct {
	Prober      Prober
	Concurrency int
	Clock       func() time.Time
}

type probeJob struct {
	index int
	key   string
}

// ProbeAll probes every key and returns results in key order. A prober error
// becomes an error result for that key; only cancellation stops the run.
func (o *Orchestrator) ProbeAll(ctx context.Context, keys []string) ([]*core.ProbeResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	keys = core.NormalizeKeys(keys)
	results := make([]*core.ProbeResult, len(keys))
	if len(keys) == 0 {
		return results, nil
	}

	jobs := make(chan probeJob)
	var wg sync.WaitGroup

	worker := func() {
		defer wg.Done()
		for job := range jobs {
			results[job.index] = o.probeOne(ctx, job.key)
		}
	}

	concurrency := o.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultProbeConcurrency
	}
	if concurrency > len(keys) {
		concurrency = len(keys)
	}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go worker()
	}

sendLoop:
	for i, key := range keys {
		select {
		case <-ctx.Done():
			break sendLoop
		case jobs <- probeJob{index: i, key: key}:
		}
	}
	close(jobs)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (o *Orchestrator) probeOne(ctx context.Context, key string) *core.ProbeResult {
	if o.Prober == nil {
		return o.errorResult(key, "prober not configured")
	}
	result, err := o.Prober.Probe(ctx, key)
	if err != nil {
		return o.errorResult(key, err.Error())
	}
	if result == nil {
		return o.errorResult(key, "prober returned no result")
	}
	return result
}

func (o *Orchestrator) errorResult(key, message string) *core.ProbeResult {
	now := o.now()
	return &core.ProbeResult{
		Fingerprint: core.Fingerprint(key),
		Status:      core.ProbeError,
		Message:     message,
		Provenance: core.Provenance{
			RequestedAt: now,
			ResolvedAt:  now,
			Source:      "orchestrator",
		},
	}
}

func (o *Orchestrator) now() time.Time {
	if o != nil && o.Clock != nil {
		return o.Clock()
	}
	return time.Now().UTC()
}
