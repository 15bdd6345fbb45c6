package metrics

import (
	"strconv"
	"time"

	"github.com/keyrelay/keyrelay/internal/core"
	"github.com/keyrelay/keyrelay/internal/observability"
)

// Proxy metrics following Prometheus conventions
const (
	KeyAcquisitionsTotal   = "proxy_key_acquisitions_total"
	UpstreamResponsesTotal = "proxy_upstream_responses_total"
	UpstreamRetriesTotal   = "proxy_upstream_retries_total"
	KeyExhaustionsTotal    = "proxy_key_exhaustions_total"
	UpstreamDuration       = "proxy_upstream_duration_ms"
	PoolRequestsLastMinute = "proxy_pool_requests_last_minute"
	PoolRequestsToday      = "proxy_pool_requests_today"
	ConfiguredKeys         = "proxy_configured_keys"
)

// Application metrics
const (
	HealthCheckTotal     = "app_health_check_total"
	HealthCheckDuration  = "app_health_check_duration_ms"
	ServerStartTime      = "app_server_start_time_seconds"
	ErrorsTotalName      = "errors_total"
	PanicsTotalName      = "panics_total"
	ErrorsByEndpointName = "errors_by_endpoint"
)

// Emission is best effort: every helper is a no-op until InitMetrics ran.

func counter(name string, labels map[string]string) {
	if sys := observability.TelemetrySystem; sys != nil {
		_ = sys.Counter(name, 1, labels)
	}
}

func gauge(name string, value float64, labels map[string]string) {
	if sys := observability.TelemetrySystem; sys != nil {
		_ = sys.Gauge(name, value, labels)
	}
}

func histogram(name string, d time.Duration, labels map[string]string) {
	if sys := observability.TelemetrySystem; sys != nil {
		_ = sys.Histogram(name, d, labels)
	}
}

// RecordKeyAcquisition counts an attempt to take a key from the pool.
func RecordKeyAcquisition(ok bool) {
	result := "acquired"
	if !ok {
		result = "exhausted"
	}
	counter(KeyAcquisitionsTotal, map[string]string{"result": result})
}

// RecordUpstreamResponse records an upstream status code and latency.
func RecordUpstreamResponse(status int, elapsed time.Duration) {
	labels := map[string]string{"status": strconv.Itoa(status)}
	counter(UpstreamResponsesTotal, labels)
	histogram(UpstreamDuration, elapsed, labels)
}

// RecordUpstreamRetry counts a scheduled 503 retry.
func RecordUpstreamRetry() {
	counter(UpstreamRetriesTotal, nil)
}

// RecordKeyExhaustion counts a key entering cooldown. source is "upstream"
// for a classified 429.
func RecordKeyExhaustion(scope core.Scope, source string) {
	counter(KeyExhaustionsTotal, map[string]string{
		"scope":  scope.String(),
		"source": source,
	})
}

// SetPoolStatus publishes the aggregate counters reported by the status route.
func SetPoolStatus(status core.PoolStatus) {
	gauge(PoolRequestsLastMinute, float64(status.TotalRequestsLastMinute), nil)
	gauge(PoolRequestsToday, float64(status.TotalRequestsToday), nil)
}

// SetConfiguredKeys records the pool size.
func SetConfiguredKeys(count int) {
	gauge(ConfiguredKeys, float64(count), nil)
}

// RecordHealthCheck records one health checker run.
func RecordHealthCheck(checkName string, healthy bool, duration time.Duration) {
	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	counter(HealthCheckTotal, map[string]string{"check": checkName, "status": status})
	histogram(HealthCheckDuration, duration, map[string]string{"check": checkName})
}

// SetServerStartTime records the server start time as a Unix timestamp.
func SetServerStartTime(timestamp int64) {
	gauge(ServerStartTime, float64(timestamp), nil)
}

// RecordError counts an error envelope written to a client.
func RecordError(errorCode string, httpStatus int) {
	counter(ErrorsTotalName, map[string]string{
		"error_code":  errorCode,
		"http_status": strconv.Itoa(httpStatus),
	})
}

// RecordErrorByEndpoint counts an error envelope per route label.
func RecordErrorByEndpoint(endpoint string, errorCode string) {
	counter(ErrorsByEndpointName, map[string]string{
		"endpoint":   endpoint,
		"error_code": errorCode,
	})
}

// RecordPanic counts a recovered handler panic.
func RecordPanic() {
	counter(PanicsTotalName, nil)
}

// ProxyRecorder forwards engine events to the telemetry system.
type ProxyRecorder struct{}

func (ProxyRecorder) KeyAcquired(ok bool) { RecordKeyAcquisition(ok) }

func (ProxyRecorder) UpstreamResponse(status int, elapsed time.Duration) {
	RecordUpstreamResponse(status, elapsed)
}

func (ProxyRecorder) RetryScheduled() { RecordUpstreamRetry() }

func (ProxyRecorder) KeyExhausted(scope core.Scope, source string) {
	RecordKeyExhaustion(scope, source)
}
