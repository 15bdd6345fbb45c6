package engine

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/keyrelay/keyrelay/internal/core"
)

type upstreamCall struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Host   string
	Body   string
}

type fakeUpstream struct {
	mu        sync.Mutex
	calls     []upstreamCall
	responses []func(w http.ResponseWriter)
}

func (u *fakeUpstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	u.mu.Lock()
	idx := len(u.calls)
	u.calls = append(u.calls, upstreamCall{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.Query(),
		Header: r.Header.Clone(),
		Host:   r.Host,
		Body:   string(body),
	})
	var respond func(w http.ResponseWriter)
	if idx < len(u.responses) {
		respond = u.responses[idx]
	}
	u.mu.Unlock()

	if respond == nil {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
		return
	}
	respond(w)
}

func (u *fakeUpstream) Calls() []upstreamCall {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]upstreamCall(nil), u.calls...)
}

func status(code int, body string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_, _ = w.Write([]byte(body))
	}
}

type recordedSleeps struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordedSleeps) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return ctx.Err()
}

type countingRecorder struct {
	mu          sync.Mutex
	acquired    int
	denied      int
	statuses    []int
	retries     int
	exhaustions []core.Scope
}

func (r *countingRecorder) KeyAcquired(ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ok {
		r.acquired++
	} else {
		r.denied++
	}
}

func (r *countingRecorder) UpstreamResponse(status int, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
}

func (r *countingRecorder) RetryScheduled() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries++
}

func (r *countingRecorder) KeyExhausted(scope core.Scope, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exhaustions = append(r.exhaustions, scope)
}

type forwarderFixture struct {
	upstream *fakeUpstream
	server   *httptest.Server
	pool     *KeyPool
	clock    *fakeClock
	sleeps   *recordedSleeps
	recorder *countingRecorder
	fwd      *Forwarder
}

func newForwarderFixture(t *testing.T, keys []string, responses ...func(w http.ResponseWriter)) *forwarderFixture {
	t.Helper()

	upstream := &fakeUpstream{responses: responses}
	server := httptest.NewServer(upstream)
	t.Cleanup(server.Close)

	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	pool := newTestPool(t, keys, clock, DefaultQuotaLimits)

	fwd, err := NewForwarder(pool, server.URL, server.Client())
	require.NoError(t, err)

	sleeps := &recordedSleeps{}
	recorder := &countingRecorder{}
	fwd.Sleep = sleeps.Sleep
	fwd.Recorder = recorder
	fwd.RetryDelay = 10 * time.Second

	return &forwarderFixture{
		upstream: upstream,
		server:   server,
		pool:     pool,
		clock:    clock,
		sleeps:   sleeps,
		recorder: recorder,
		fwd:      fwd,
	}
}

func generateRequest() *Request {
	return &Request{
		Method: http.MethodPost,
		Path:   "/v1beta/models/gemini-2.0-flash:generateContent",
		Query:  url.Values{"key": {"master"}, "alt": {"sse"}},
		Header: http.Header{
			"Content-Type": {"application/json"},
			"Connection":   {"keep-alive"},
		},
		Body: []byte(`{"contents":[]}`),
	}
}

func TestForwardRewritesRequest(t *testing.T) {
	fx := newForwarderFixture(t, []string{"k1", "k2"})

	resp, err := fx.fwd.Forward(context.Background(), generateRequest())
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"ok":true}`, string(resp.Body))
	require.Equal(t, core.Fingerprint("k1"), resp.KeyFingerprint)
	require.Equal(t, 1, resp.Attempts)

	calls := fx.upstream.Calls()
	require.Len(t, calls, 1)
	call := calls[0]
	require.Equal(t, http.MethodPost, call.Method)
	require.Equal(t, "/v1beta/models/gemini-2.0-flash:generateContent", call.Path)
	require.Equal(t, []string{"k1"}, call.Query["key"])
	require.Equal(t, "sse", call.Query.Get("alt"))
	require.Equal(t, `{"contents":[]}`, call.Body)
	require.Equal(t, "application/json", call.Header.Get("Content-Type"))

	upstreamURL, err := url.Parse(fx.server.URL)
	require.NoError(t, err)
	require.Equal(t, upstreamURL.Host, call.Host)
}

func TestForwardOverwritesAPIKeyHeader(t *testing.T) {
	fx := newForwarderFixture(t, []string{"k1"})

	req := generateRequest()
	req.Query = nil
	req.Header.Set("x-goog-api-key", "master")

	_, err := fx.fwd.Forward(context.Background(), req)
	require.NoError(t, err)

	call := fx.upstream.Calls()[0]
	require.Equal(t, "k1", call.Header.Get("x-goog-api-key"))
	require.Equal(t, []string{"k1"}, call.Query["key"])
}

func TestForwardRetries503OnSameKey(t *testing.T) {
	fx := newForwarderFixture(t, []string{"k1", "k2"},
		status(http.StatusServiceUnavailable, `{"error":{"code":503}}`),
		status(http.StatusServiceUnavailable, `{"error":{"code":503}}`),
		status(http.StatusOK, `{"candidates":[]}`),
	)

	resp, err := fx.fwd.Forward(context.Background(), generateRequest())
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 3, resp.Attempts)

	calls := fx.upstream.Calls()
	require.Len(t, calls, 3)
	for _, call := range calls {
		require.Equal(t, "k1", call.Query.Get("key"))
	}
	require.Equal(t, []time.Duration{10 * time.Second, 10 * time.Second}, fx.sleeps.delays)
	require.Equal(t, 2, fx.recorder.retries)

	// one acquisition for the whole logical request
	require.Equal(t, 1, fx.pool.AggregateStatus().TotalRequestsToday)
}

func TestForwardRetriesExhausted(t *testing.T) {
	unavailable := status(http.StatusServiceUnavailable, `{}`)
	fx := newForwarderFixture(t, []string{"k1"}, unavailable, unavailable, unavailable, unavailable)
	fx.fwd.Retry = BoundedRetries(2)

	_, err := fx.fwd.Forward(context.Background(), generateRequest())
	require.ErrorIs(t, err, ErrRetriesExhausted)
	require.Len(t, fx.upstream.Calls(), 3)
	require.Len(t, fx.sleeps.delays, 2)
}

func TestForwardRetrySleepHonorsContext(t *testing.T) {
	fx := newForwarderFixture(t, []string{"k1"}, status(http.StatusServiceUnavailable, `{}`))
	fx.fwd.Sleep = nil
	fx.fwd.RetryDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := fx.fwd.Forward(ctx, generateRequest())
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, fx.upstream.Calls(), 1)
}

func TestForward429DayQuotaExhaustsKey(t *testing.T) {
	body := `{"error":{"code":429,"status":"RESOURCE_EXHAUSTED","details":[{"@type":"type.googleapis.com/google.rpc.QuotaFailure","violations":[{"quotaId":"GenerateRequestsPerDayPerProjectPerModel-FreeTier"}]}]}}`
	fx := newForwarderFixture(t, []string{"k1", "k2"}, status(http.StatusTooManyRequests, body))

	resp, err := fx.fwd.Forward(context.Background(), generateRequest())
	require.NoError(t, err)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.Equal(t, body, string(resp.Body))
	require.Equal(t, []core.Scope{core.ScopeDay}, fx.recorder.exhaustions)

	states := fx.pool.KeyStates()
	require.True(t, states[0].Exhausted)
	require.Equal(t, "day", states[0].CooldownScope)

	// k1 stays out of rotation for the rest of the day
	for i := 0; i < 3; i++ {
		_, err = fx.fwd.Forward(context.Background(), generateRequest())
		require.NoError(t, err)
	}
	for _, call := range fx.upstream.Calls()[1:] {
		require.Equal(t, "k2", call.Query.Get("key"))
	}
}

func TestForward429MinuteQuotaExhaustsKey(t *testing.T) {
	body := `{"error":{"code":429,"details":[{"metadata":{"quotaId":"GenerateRequestsPerMinutePerProjectPerModel-FreeTier"}}]}}`
	fx := newForwarderFixture(t, []string{"k1"}, status(http.StatusTooManyRequests, body))

	resp, err := fx.fwd.Forward(context.Background(), generateRequest())
	require.NoError(t, err)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	_, err = fx.fwd.Forward(context.Background(), generateRequest())
	require.ErrorIs(t, err, ErrPoolExhausted)
	require.Equal(t, 1, fx.recorder.denied)

	fx.clock.Advance(time.Minute)
	_, err = fx.fwd.Forward(context.Background(), generateRequest())
	require.NoError(t, err)
}

func TestForward429WithoutQuotaIDLeavesKeyUsable(t *testing.T) {
	fx := newForwarderFixture(t, []string{"k1"}, status(http.StatusTooManyRequests, `{"error":{"code":429}}`))

	resp, err := fx.fwd.Forward(context.Background(), generateRequest())
	require.NoError(t, err)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.Empty(t, fx.recorder.exhaustions)
	require.False(t, fx.pool.KeyStates()[0].Exhausted)
}

func TestForwardPassesOtherStatusesThrough(t *testing.T) {
	fx := newForwarderFixture(t, []string{"k1"}, status(http.StatusBadRequest, `{"error":{"code":400}}`))

	resp, err := fx.fwd.Forward(context.Background(), generateRequest())
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.Empty(t, fx.sleeps.delays)
}

func TestForwardTransportError(t *testing.T) {
	fx := newForwarderFixture(t, []string{"k1"})
	fx.server.Close()

	_, err := fx.fwd.Forward(context.Background(), generateRequest())
	var transportErr *TransportError
	require.True(t, errors.As(err, &transportErr))
	require.Equal(t, core.Fingerprint("k1"), transportErr.KeyFingerprint)
	require.Empty(t, fx.sleeps.delays)
}

func TestForwardPoolExhausted(t *testing.T) {
	fx := newForwarderFixture(t, []string{"k1"})
	fx.pool.ReportExhausted("k1", core.ScopeMinute)

	_, err := fx.fwd.Forward(context.Background(), generateRequest())
	require.ErrorIs(t, err, ErrPoolExhausted)
	require.Empty(t, fx.upstream.Calls())
}

func TestParseUpstreamURL(t *testing.T) {
	u, err := ParseUpstreamURL("")
	require.NoError(t, err)
	require.Equal(t, "generativelanguage.googleapis.com", u.Host)

	u, err = ParseUpstreamURL("http://localhost:9000/base/?x=1")
	require.NoError(t, err)
	require.Empty(t, u.RawQuery)

	_, err = ParseUpstreamURL("ftp://example.com")
	require.Error(t, err)
	_, err = ParseUpstreamURL("/relative")
	require.Error(t, err)
}

func TestTargetURLJoinsBasePath(t *testing.T) {
	base, err := ParseUpstreamURL("http://upstream.test/proxy/")
	require.NoError(t, err)
	fwd := &Forwarder{Upstream: base}

	target := fwd.targetURL(&Request{Path: "/v1beta/models", Query: url.Values{"key": {"a", "b"}}}, "k9")
	require.Equal(t, "http://upstream.test/proxy/v1beta/models?key=k9", target)
}

func TestStripHopByHop(t *testing.T) {
	h := http.Header{
		"Connection":   {"X-Session, keep-alive"},
		"X-Session":    {"1"},
		"Keep-Alive":   {"timeout=5"},
		"Content-Type": {"application/json"},
	}
	StripHopByHop(h)
	require.Equal(t, http.Header{"Content-Type": {"application/json"}}, h)
}

func gzipBytes(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}
