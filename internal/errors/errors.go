package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/fulmenhq/gofulmen/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/keyrelay/keyrelay/internal/metrics"
	"github.com/keyrelay/keyrelay/internal/observability"
	"github.com/keyrelay/keyrelay/internal/server/middleware"
)

// Error codes used by the proxy and its internal routes.
const (
	CodeInvalidInput             = "INVALID_INPUT"
	CodeNotFound                 = "NOT_FOUND"
	CodeUnauthorized             = "UNAUTHORIZED"
	CodeMethodNotAllowed         = "METHOD_NOT_ALLOWED"
	CodeInternal                 = "INTERNAL_ERROR"
	CodeTimeout                  = "TIMEOUT"
	CodeExternalService          = "EXTERNAL_SERVICE_ERROR"
	CodeServiceUnavailable       = "SERVICE_UNAVAILABLE"
	CodeConfigInvalid            = "CONFIG_INVALID"
	CodeKeyPoolExhausted         = "KEY_POOL_EXHAUSTED"
	CodeUpstreamTransport        = "UPSTREAM_TRANSPORT_ERROR"
	CodeUpstreamRetriesExhausted = "UPSTREAM_RETRIES_EXHAUSTED"
)

// codeStatus maps every code to the HTTP status written for it. Unknown codes
// are served as 500.
var codeStatus = map[string]int{
	CodeInvalidInput:             http.StatusBadRequest,
	CodeNotFound:                 http.StatusNotFound,
	CodeUnauthorized:             http.StatusUnauthorized,
	CodeMethodNotAllowed:         http.StatusMethodNotAllowed,
	CodeInternal:                 http.StatusInternalServerError,
	CodeTimeout:                  http.StatusGatewayTimeout,
	CodeExternalService:          http.StatusBadGateway,
	CodeServiceUnavailable:       http.StatusServiceUnavailable,
	CodeConfigInvalid:            http.StatusInternalServerError,
	CodeKeyPoolExhausted:         http.StatusServiceUnavailable,
	CodeUpstreamTransport:        http.StatusInternalServerError,
	CodeUpstreamRetriesExhausted: http.StatusServiceUnavailable,
}

// New builds an envelope for code with the severity the proxy assigns to it.
func New(code, message string) *errors.ErrorEnvelope {
	return withSeverity(errors.NewErrorEnvelope(code, message))
}

// Wrap builds an envelope for code carrying the request's correlation id. The
// cause is exposed to callers under details.wrapped_error.
func Wrap(ctx context.Context, code string, err error, message string) *errors.ErrorEnvelope {
	correlationID := correlationIDFrom(ctx)
	env := New(code, message).
		WithCorrelationID(correlationID).
		WithTraceID(correlationID)
	if err == nil {
		return env
	}
	if updated, updateErr := env.WithContext(map[string]interface{}{"wrapped_error": err.Error()}); updateErr == nil {
		env = updated
	}
	return env
}

func withSeverity(env *errors.ErrorEnvelope) *errors.ErrorEnvelope {
	var updated *errors.ErrorEnvelope
	var err error
	switch env.Code {
	case CodeInternal, CodeUpstreamTransport, CodeConfigInvalid:
		updated, err = env.WithSeverity(errors.SeverityHigh)
	case CodeKeyPoolExhausted, CodeUpstreamRetriesExhausted, CodeTimeout, CodeExternalService, CodeServiceUnavailable:
		updated, err = env.WithSeverity(errors.SeverityMedium)
	default:
		return env
	}
	if err != nil {
		return env
	}
	return updated
}

func NewInvalidInputError(message string) *errors.ErrorEnvelope {
	return New(CodeInvalidInput, message)
}

func NewNotFoundError(message string) *errors.ErrorEnvelope {
	return New(CodeNotFound, message)
}

func NewMethodNotAllowedError(message string) *errors.ErrorEnvelope {
	return New(CodeMethodNotAllowed, message)
}

func NewInternalError(message string) *errors.ErrorEnvelope {
	return New(CodeInternal, message)
}

func NewConfigInvalidError(message string) *errors.ErrorEnvelope {
	return New(CodeConfigInvalid, message)
}

// NewKeyPoolExhaustedError reports that no upstream key can take another request.
func NewKeyPoolExhaustedError(message string) *errors.ErrorEnvelope {
	return New(CodeKeyPoolExhausted, message)
}

// WrapUpstreamTransport reports a failure to reach the upstream.
func WrapUpstreamTransport(ctx context.Context, err error, message string) *errors.ErrorEnvelope {
	return Wrap(ctx, CodeUpstreamTransport, err, message)
}

// WrapUpstreamRetriesExhausted reports an upstream that kept answering 503.
func WrapUpstreamRetriesExhausted(ctx context.Context, err error, message string) *errors.ErrorEnvelope {
	return Wrap(ctx, CodeUpstreamRetriesExhausted, err, message)
}

func WrapInvalidInput(ctx context.Context, err error, message string) *errors.ErrorEnvelope {
	return Wrap(ctx, CodeInvalidInput, err, message)
}

func WrapInternal(ctx context.Context, err error, message string) *errors.ErrorEnvelope {
	return Wrap(ctx, CodeInternal, err, message)
}

func WrapExternalService(ctx context.Context, err error, message string) *errors.ErrorEnvelope {
	return Wrap(ctx, CodeExternalService, err, message)
}

func WrapTimeout(ctx context.Context, err error, message string) *errors.ErrorEnvelope {
	return Wrap(ctx, CodeTimeout, err, message)
}

func WrapConfigInvalid(ctx context.Context, err error, message string) *errors.ErrorEnvelope {
	return Wrap(ctx, CodeConfigInvalid, err, message)
}

// correlationIDFrom returns the request id stored in ctx or a fresh UUID.
func correlationIDFrom(ctx context.Context) string {
	if ctx != nil {
		if id := middleware.GetRequestID(ctx); id != "" {
			return id
		}
	}
	return uuid.NewString()
}

// EnsureEnvelope normalizes any error into an ErrorEnvelope. Envelopes wrapped
// with %w are unwrapped; anything else becomes INTERNAL_ERROR.
func EnsureEnvelope(err error) *errors.ErrorEnvelope {
	if err == nil {
		env := errors.NewErrorEnvelope(CodeInternal, "unexpected nil error")
		env, _ = env.WithSeverity(errors.SeverityCritical)
		return env
	}

	var envelope *errors.ErrorEnvelope
	if stderrors.As(err, &envelope) && envelope != nil {
		return envelope
	}

	env := New(CodeInternal, "unexpected error")
	env, _ = env.WithContext(map[string]interface{}{"wrapped_error": err.Error()})
	return env
}

// EnsureCorrelationID attaches the request id from ctx when the envelope has
// none yet.
func EnsureCorrelationID(envelope *errors.ErrorEnvelope, ctx context.Context) *errors.ErrorEnvelope {
	if envelope == nil || envelope.CorrelationID != "" {
		return envelope
	}
	return envelope.WithCorrelationID(correlationIDFrom(ctx))
}

// HTTPStatusFromCode resolves the HTTP status written for an error code.
func HTTPStatusFromCode(code string) int {
	if status, ok := codeStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// HTTPStatusFromEnvelope resolves the HTTP status written for an envelope.
func HTTPStatusFromEnvelope(envelope *errors.ErrorEnvelope) int {
	if envelope == nil {
		return http.StatusInternalServerError
	}
	return HTTPStatusFromCode(envelope.Code)
}

// HTTPStatusFromError resolves the HTTP status RespondWithError would write.
func HTTPStatusFromError(err error) int {
	return HTTPStatusFromEnvelope(EnsureEnvelope(err))
}

// ResponseDetails merges envelope details and context into the map exposed to
// callers. Details win on key collisions.
func ResponseDetails(envelope *errors.ErrorEnvelope) map[string]interface{} {
	if envelope == nil {
		return nil
	}

	details := make(map[string]interface{}, len(envelope.Details)+len(envelope.Context))
	for key, value := range envelope.Context {
		details[key] = value
	}
	for key, value := range envelope.Details {
		details[key] = value
	}
	if len(details) == 0 {
		return nil
	}
	return details
}

// HTTPErrorDetail captures the error body returned to callers.
type HTTPErrorDetail struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// HTTPErrorResponse is the JSON body of every error the proxy itself produces.
// Upstream errors are passed through untouched and never use this shape.
type HTTPErrorResponse struct {
	Error HTTPErrorDetail `json:"error"`
}

// RespondWithError normalizes err and writes it as JSON.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	RespondWithEnvelope(w, r, EnsureEnvelope(err))
}

// RespondWithEnvelope writes envelope as JSON, then logs it and counts it.
func RespondWithEnvelope(w http.ResponseWriter, r *http.Request, envelope *errors.ErrorEnvelope) {
	if w == nil {
		return
	}

	var ctx context.Context
	if r != nil {
		ctx = r.Context()
	}
	envelope = EnsureCorrelationID(envelope, ctx)
	status := HTTPStatusFromEnvelope(envelope)

	logHTTPError(r, envelope, status)
	metrics.RecordError(envelope.Code, status)
	if r != nil {
		metrics.RecordErrorByEndpoint(middleware.EndpointLabel(r), envelope.Code)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(HTTPErrorResponse{
		Error: HTTPErrorDetail{
			Code:      envelope.Code,
			Message:   envelope.Message,
			Details:   ResponseDetails(envelope),
			RequestID: envelope.CorrelationID,
		},
	})
}

func logHTTPError(r *http.Request, envelope *errors.ErrorEnvelope, status int) {
	logger := observability.ServerLogger
	if logger == nil {
		return
	}

	fields := []zap.Field{
		zap.String("error_code", envelope.Code),
		zap.Int("http_status", status),
		zap.String("request_id", envelope.CorrelationID),
	}
	if r != nil {
		fields = append(fields, zap.String("method", r.Method), zap.String("path", r.URL.Path))
	}
	if envelope.Severity != "" {
		fields = append(fields, zap.String("severity", string(envelope.Severity)))
	}
	for key, value := range envelope.Context {
		fields = append(fields, zap.Any(key, value))
	}

	switch envelope.Severity {
	case errors.SeverityCritical, errors.SeverityHigh:
		logger.Error(envelope.Message, fields...)
	case errors.SeverityMedium:
		logger.Warn(envelope.Message, fields...)
	default:
		logger.Info(envelope.Message, fields...)
	}
}
