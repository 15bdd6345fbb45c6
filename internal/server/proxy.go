package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/keyrelay/keyrelay/internal/core/engine"
	apperrors "github.com/keyrelay/keyrelay/internal/errors"
	"github.com/keyrelay/keyrelay/internal/observability"
	servermw "github.com/keyrelay/keyrelay/internal/server/middleware"
)

// proxyHandler relays an authenticated request through the forwarder and
// writes the upstream answer back unchanged.
func (s *Server) proxyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes))
		if err != nil {
			HandleError(w, r, apperrors.WrapInvalidInput(r.Context(), err, "Request body too large or unreadable"))
			return
		}

		resp, err := s.opts.Forwarder.Forward(r.Context(), &engine.Request{
			Method: r.Method,
			Path:   r.URL.EscapedPath(),
			Query:  r.URL.Query(),
			Header: r.Header,
			Body:   body,
		})
		if err != nil {
			HandleError(w, r, forwardErrorEnvelope(r.Context(), err))
			return
		}

		writeUpstreamResponse(w, r, resp)
	}
}

func writeUpstreamResponse(w http.ResponseWriter, r *http.Request, resp *engine.Response) {
	header := resp.Header.Clone()
	engine.StripHopByHop(header)
	header.Del("Content-Length")

	dst := w.Header()
	for key, values := range header {
		for _, v := range values {
			dst.Add(key, v)
		}
	}
	dst.Set("Content-Length", strconv.Itoa(len(resp.Body)))

	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(resp.Body); err != nil && observability.ServerLogger != nil {
		observability.ServerLogger.Warn("Failed to write upstream response",
			zap.String("request_id", servermw.GetRequestID(r.Context())),
			zap.Error(err))
	}
}

// forwardErrorEnvelope maps a forwarding failure onto an error envelope. Only
// the inbound request's own context ending counts as a timeout; an upstream
// client timeout is a transport failure.
func forwardErrorEnvelope(ctx context.Context, err error) error {
	var transportErr *engine.TransportError

	switch {
	case errors.Is(err, engine.ErrPoolExhausted):
		env := apperrors.NewKeyPoolExhaustedError("All keys are currently exhausted")
		return apperrors.EnsureCorrelationID(env, ctx)
	case errors.Is(err, engine.ErrRetriesExhausted):
		return apperrors.WrapUpstreamRetriesExhausted(ctx, err, "Model overloaded, all retries failed")
	case ctx.Err() != nil:
		return apperrors.WrapTimeout(ctx, err, "Request ended before the upstream answered")
	case errors.As(err, &transportErr):
		return apperrors.WrapUpstreamTransport(ctx, transportErr.Err, "Upstream request failed")
	default:
		return apperrors.WrapInternal(ctx, err, "Unexpected forwarding error")
	}
}
