// Package checker validates upstream keys against the live API.
package checker

import (
	"context"

	"github.com/keyrelay/keyrelay/internal/core"
)

// Prober is the interface all key validators implement.
type Prober interface {
	// Probe validates one key and reports the outcome by fingerprint.
	Probe(ctx context.Context, key string) (*core.ProbeResult, error)
}

var _ Prober = (*GeminiProber)(nil)
