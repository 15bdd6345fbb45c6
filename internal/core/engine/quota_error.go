package engine

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/keyrelay/keyrelay/internal/core"
)

// DefaultDayQuotaMarker is the substring that marks a daily quota id, as in
// "GenerateRequestsPerDayPerProjectPerModel-FreeTier".
const DefaultDayQuotaMarker = "PerDay"

// maxErrorBodyBytes caps how much of a compressed 429 body is inflated.
const maxErrorBodyBytes = 1 << 20

type upstreamErrorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Status  string `json:"status"`
		Details []struct {
			Type       string            `json:"@type"`
			Metadata   map[string]string `json:"metadata"`
			Violations []struct {
				QuotaID string `json:"quotaId"`
			} `json:"violations"`
		} `json:"details"`
	} `json:"error"`
}

// QuotaIDFromResponse extracts the quota identifier from an upstream 429 body.
//
// The id is read from error.details[].metadata.quotaId, then from
// error.details[].violations[].quotaId. Streaming endpoints wrap the error in a
// JSON array; the first element is used. An empty string means no id was found.
func QuotaIDFromResponse(header http.Header, body []byte) string {
	payload := decodeContent(header, body)
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return ""
	}

	var parsed upstreamErrorBody
	if payload[0] == '[' {
		var list []upstreamErrorBody
		if err := json.Unmarshal(payload, &list); err != nil || len(list) == 0 {
			return ""
		}
		parsed = list[0]
	} else if err := json.Unmarshal(payload, &parsed); err != nil {
		return ""
	}

	for _, detail := range parsed.Error.Details {
		if id := strings.TrimSpace(detail.Metadata["quotaId"]); id != "" {
			return id
		}
	}
	for _, detail := range parsed.Error.Details {
		for _, violation := range detail.Violations {
			if id := strings.TrimSpace(violation.QuotaID); id != "" {
				return id
			}
		}
	}
	return ""
}

// ClassifyQuota maps a quota id to the scope it exhausts.
func ClassifyQuota(quotaID, dayMarker string) core.Scope {
	if dayMarker == "" {
		dayMarker = DefaultDayQuotaMarker
	}
	if strings.Contains(quotaID, dayMarker) {
		return core.ScopeDay
	}
	return core.ScopeMinute
}

// decodeContent returns body inflated when the upstream gzip-encoded it. The
// caller still receives the original bytes; this copy is only inspected.
func decodeContent(header http.Header, body []byte) []byte {
	if header == nil || !strings.Contains(strings.ToLower(header.Get("Content-Encoding")), "gzip") {
		return body
	}
	reader, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return body
	}
	defer reader.Close() // nolint:errcheck // in-memory reader

	inflated, err := io.ReadAll(io.LimitReader(reader, maxErrorBodyBytes))
	if err != nil {
		return body
	}
	return inflated
}

// RetryAfter reads the Retry-After header as delta seconds or an HTTP date.
// The raw value is returned alongside for logging.
func RetryAfter(header http.Header, now time.Time) (time.Duration, string) {
	raw := strings.TrimSpace(header.Get("Retry-After"))
	if raw == "" {
		return 0, ""
	}
	if seconds, err := time.ParseDuration(raw + "s"); err == nil && seconds >= 0 {
		return seconds, raw
	}
	if at, err := http.ParseTime(raw); err == nil && at.After(now) {
		return at.Sub(now), raw
	}
	return 0, raw
}
