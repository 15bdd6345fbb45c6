package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/fulmenhq/gofulmen/errors"

	"github.com/keyrelay/keyrelay/internal/metrics"
)

// APIKeyHeader and APIKeyQueryParam carry the client credential.
const (
	APIKeyHeader     = "x-goog-api-key"
	APIKeyQueryParam = "key"
)

// KeyValidator reports whether a presented credential may use the proxy.
type KeyValidator func(key string) bool

// ClientKey returns the credential presented by r. The header wins over the
// query parameter.
func ClientKey(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get(APIKeyHeader)); key != "" {
		return key
	}
	return strings.TrimSpace(r.URL.Query().Get(APIKeyQueryParam))
}

// MasterKeyOr accepts master (when set) or any key the fallback accepts.
func MasterKeyOr(master string, fallback KeyValidator) KeyValidator {
	return func(key string) bool {
		if key == "" {
			return false
		}
		if master != "" && subtle.ConstantTimeCompare([]byte(key), []byte(master)) == 1 {
			return true
		}
		return fallback != nil && fallback(key)
	}
}

// RequireAPIKey rejects requests whose credential is missing or unknown with
// a 401 UNAUTHORIZED envelope.
func RequireAPIKey(valid KeyValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := ClientKey(r)
			if key != "" && valid != nil && valid(key) {
				next.ServeHTTP(w, r)
				return
			}

			message := "Invalid API key"
			if key == "" {
				message = "Missing API key"
			}
			env := errors.NewErrorEnvelope("UNAUTHORIZED", message).
				WithCorrelationID(GetRequestID(r.Context()))

			metrics.RecordError(env.Code, http.StatusUnauthorized)
			metrics.RecordErrorByEndpoint(EndpointLabel(r), env.Code)
			writeErrorResponse(w, env, http.StatusUnauthorized)
		})
	}
}
