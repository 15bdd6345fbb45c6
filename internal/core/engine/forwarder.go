package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/keyrelay/keyrelay/internal/core"
)

// DefaultUpstreamURL is the public Gemini API endpoint.
const DefaultUpstreamURL = "https://generativelanguage.googleapis.com"

// DefaultRetryDelay is the pause between retries of a 503 response.
const DefaultRetryDelay = 10 * time.Second

// DefaultMaxRetries bounds 503 retries when nothing else is configured.
const DefaultMaxRetries = 3

var (
	// ErrPoolExhausted is returned when every key is cooling down or at a ceiling.
	ErrPoolExhausted = errors.New("all upstream keys are exhausted")

	// ErrRetriesExhausted is returned when the upstream kept answering 503.
	ErrRetriesExhausted = errors.New("upstream kept returning 503")
)

// TransportError wraps a failure to reach the upstream or read its response.
type TransportError struct {
	KeyFingerprint string
	Err            error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("upstream transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// HTTPDoer is the subset of *http.Client the forwarder needs.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Recorder receives forwarding events for metrics. Implementations must be
// safe for concurrent use.
type Recorder interface {
	KeyAcquired(ok bool)
	UpstreamResponse(status int, elapsed time.Duration)
	RetryScheduled()
	KeyExhausted(scope core.Scope, source string)
}

// Request is an authenticated inbound call to relay.
type Request struct {
	Method string
	// Path is the escaped inbound path, appended to the upstream base.
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
}

// Response is the upstream answer handed back to the client unchanged.
type Response struct {
	StatusCode     int
	Header         http.Header
	Body           []byte
	KeyFingerprint string
	Attempts       int
}

// Forwarder relays requests to the upstream using keys from a pool.
type Forwarder struct {
	Pool     *KeyPool
	Client   HTTPDoer
	Upstream *url.URL

	RetryDelay     time.Duration
	Retry          RetryPolicy
	DayQuotaMarker string

	// Sleep waits between 503 retries. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error

	Logger   *logging.Logger
	Recorder Recorder
}

// NewForwarder returns a forwarder with default retry settings.
func NewForwarder(pool *KeyPool, upstream string, client HTTPDoer) (*Forwarder, error) {
	if pool == nil {
		return nil, ErrEmptyPool
	}
	base, err := ParseUpstreamURL(upstream)
	if err != nil {
		return nil, err
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Forwarder{
		Pool:           pool,
		Client:         client,
		Upstream:       base,
		RetryDelay:     DefaultRetryDelay,
		Retry:          BoundedRetries(DefaultMaxRetries),
		DayQuotaMarker: DefaultDayQuotaMarker,
	}, nil
}

// ParseUpstreamURL validates an absolute http(s) base URL.
func ParseUpstreamURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = DefaultUpstreamURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid upstream url %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid upstream url %q: missing host", raw)
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}

// Forward acquires a key and relays req until a terminal outcome.
//
// A 503 is retried on the same key after RetryDelay while the retry policy
// allows it. A 429 carrying a quota id marks the key exhausted and is returned
// as is. Every other status is returned verbatim.
func (f *Forwarder) Forward(ctx context.Context, req *Request) (*Response, error) {
	if f.Pool == nil || f.Upstream == nil {
		return nil, errors.New("forwarder is not configured")
	}

	key, ok := f.Pool.Acquire()
	f.recordAcquire(ok)
	if !ok {
		f.warn("No upstream key available", zap.Int("pool_size", f.Pool.Size()))
		return nil, ErrPoolExhausted
	}
	fingerprint := core.Fingerprint(key)

	attempts := f.Retry.Attempts()
	for attempt := 1; attempt <= attempts; attempt++ {
		resp, elapsed, err := f.dispatch(ctx, req, key)
		if err != nil {
			f.warn("Upstream request failed",
				zap.String("key", fingerprint),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return nil, &TransportError{KeyFingerprint: fingerprint, Err: err}
		}
		if f.Recorder != nil {
			f.Recorder.UpstreamResponse(resp.StatusCode, elapsed)
		}
		resp.KeyFingerprint = fingerprint
		resp.Attempts = attempt

		switch resp.StatusCode {
		case http.StatusServiceUnavailable:
			if attempt == attempts {
				continue
			}
			f.debug("Upstream unavailable, retrying",
				zap.String("key", fingerprint),
				zap.Int("attempt", attempt),
				zap.Duration("delay", f.RetryDelay))
			if f.Recorder != nil {
				f.Recorder.RetryScheduled()
			}
			if err := f.sleep(ctx, f.RetryDelay); err != nil {
				return nil, err
			}
			continue
		case http.StatusTooManyRequests:
			f.classifyQuota(key, fingerprint, resp)
		}
		return resp, nil
	}

	f.warn("Upstream retries exhausted",
		zap.String("key", fingerprint),
		zap.Int("attempts", attempts))
	return nil, fmt.Errorf("%w after %d attempts", ErrRetriesExhausted, attempts)
}

func (f *Forwarder) dispatch(ctx context.Context, req *Request, key string) (*Response, time.Duration, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, f.targetURL(req, key), bytes.NewReader(req.Body))
	if err != nil {
		return nil, 0, err
	}
	httpReq.Header = outboundHeader(req.Header, key)
	httpReq.Host = f.Upstream.Host

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}

	start := time.Now()
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, time.Since(start), err
	}
	defer resp.Body.Close() // nolint:errcheck // body fully read below

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, time.Since(start), fmt.Errorf("read upstream body: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
	}, time.Since(start), nil
}

// targetURL joins the upstream base with the inbound path and replaces the key
// query parameter with the acquired key.
func (f *Forwarder) targetURL(req *Request, key string) string {
	base := *f.Upstream
	base.RawQuery = ""
	target := strings.TrimRight(base.String(), "/")

	path := req.Path
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	target += path

	query := url.Values{}
	for name, values := range req.Query {
		if name == "key" {
			continue
		}
		query[name] = append([]string(nil), values...)
	}
	query.Set("key", key)
	return target + "?" + query.Encode()
}

func (f *Forwarder) classifyQuota(key, fingerprint string, resp *Response) {
	quotaID := QuotaIDFromResponse(resp.Header, resp.Body)
	if quotaID == "" {
		fields := []zap.Field{zap.String("key", fingerprint)}
		if _, raw := RetryAfter(resp.Header, time.Now()); raw != "" {
			fields = append(fields, zap.String("retry_after", raw))
		}
		f.debug("Upstream 429 without quota id", fields...)
		return
	}

	scope := ClassifyQuota(quotaID, f.DayQuotaMarker)
	f.Pool.ReportExhausted(key, scope)
	if f.Recorder != nil {
		f.Recorder.KeyExhausted(scope, "upstream")
	}
	f.info("Upstream reported quota exhaustion",
		zap.String("key", fingerprint),
		zap.String("scope", scope.String()),
		zap.String("quota_id", quotaID))
}

func (f *Forwarder) recordAcquire(ok bool) {
	if f.Recorder != nil {
		f.Recorder.KeyAcquired(ok)
	}
}

func (f *Forwarder) sleep(ctx context.Context, d time.Duration) error {
	if f.Sleep != nil {
		return f.Sleep(ctx, d)
	}
	return sleepContext(ctx, d)
}

func (f *Forwarder) debug(msg string, fields ...zap.Field) {
	if f.Logger != nil {
		f.Logger.Debug(msg, fields...)
	}
}

func (f *Forwarder) info(msg string, fields ...zap.Field) {
	if f.Logger != nil {
		f.Logger.Info(msg, fields...)
	}
}

func (f *Forwarder) warn(msg string, fields ...zap.Field) {
	if f.Logger != nil {
		f.Logger.Warn(msg, fields...)
	}
}

// hopByHopHeaders are connection-scoped and never relayed.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// outboundHeader copies the inbound headers for the upstream call. An inbound
// x-goog-api-key carries the client credential and is replaced by key.
func outboundHeader(in http.Header, key string) http.Header {
	out := in.Clone()
	if out == nil {
		out = http.Header{}
	}
	StripHopByHop(out)
	out.Del("Host")
	out.Del("Content-Length")
	if out.Get(APIKeyHeader) != "" {
		out.Set(APIKeyHeader, key)
	}
	return out
}

// APIKeyHeader carries a Gemini API key.
const APIKeyHeader = "X-Goog-Api-Key"

// StripHopByHop removes connection-scoped headers in place, including any
// named by the Connection header.
func StripHopByHop(h http.Header) {
	for _, value := range h.Values("Connection") {
		for _, name := range strings.Split(value, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}
