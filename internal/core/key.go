package core

import (
	"encoding/hex"
	"hash/fnv"
	"strings"
)

// Fingerprint returns a short stable identifier for an API key.
//
// It is the first 8 hex characters of the FNV-1a 64 hash and exists so keys can
// be told apart in logs and status output without printing them. It is not a
// security primitive.
func Fingerprint(key string) string {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(key))
	return hex.EncodeToString(hasher.Sum(nil))[:8]
}

// NormalizeKeys trims keys, drops empty entries and removes duplicates while
// keeping the first-seen order.
func NormalizeKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}
