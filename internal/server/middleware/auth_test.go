package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func poolKeys(keys ...string) KeyValidator {
	return func(key string) bool {
		for _, k := range keys {
			if k == key {
				return true
			}
		}
		return false
	}
}

func TestRequireAPIKey(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	handler := RequestID(RequireAPIKey(MasterKeyOr("master", poolKeys("k1", "k2")))(next))

	tests := []struct {
		name   string
		target string
		header string
		want   int
	}{
		{name: "master via header", target: "/v1beta/models", header: "master", want: http.StatusNoContent},
		{name: "master via query", target: "/v1beta/models?key=master", want: http.StatusNoContent},
		{name: "pool key", target: "/v1beta/models?key=k2", want: http.StatusNoContent},
		{name: "header wins over query", target: "/v1beta/models?key=master", header: "bogus", want: http.StatusUnauthorized},
		{name: "unknown key", target: "/v1beta/models?key=bogus", want: http.StatusUnauthorized},
		{name: "missing key", target: "/v1beta/models", want: http.StatusUnauthorized},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, tc.target, nil)
			if tc.header != "" {
				req.Header.Set(APIKeyHeader, tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestRequireAPIKeyEnvelope(t *testing.T) {
	handler := RequestID(RequireAPIKey(MasterKeyOr("", nil))(http.NotFoundHandler()))

	req := httptest.NewRequest(http.MethodGet, "/v1beta/models", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "UNAUTHORIZED", body.Error.Code)
	assert.Equal(t, "Missing API key", body.Error.Message)
	assert.Equal(t, "req-123", body.Error.RequestID)
}

func TestMasterKeyOrWithoutMaster(t *testing.T) {
	valid := MasterKeyOr("", poolKeys("k1"))
	assert.True(t, valid("k1"))
	assert.False(t, valid(""))
	assert.False(t, valid("master"))
}
