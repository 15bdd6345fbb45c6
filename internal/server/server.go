package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/keyrelay/keyrelay/internal/core"
	"github.com/keyrelay/keyrelay/internal/core/engine"
	apperrors "github.com/keyrelay/keyrelay/internal/errors"
	"github.com/keyrelay/keyrelay/internal/observability"
	"github.com/keyrelay/keyrelay/internal/server/handlers"
	servermw "github.com/keyrelay/keyrelay/internal/server/middleware"
)

// DefaultStatusPath serves the aggregate pool counters.
const DefaultStatusPath = "/status"

// DefaultMaxBodyBytes caps buffered request bodies. Inline media keeps Gemini
// payloads large, so the bound is generous.
const DefaultMaxBodyBytes int64 = 64 << 20

// Options configures the HTTP server.
type Options struct {
	Host string
	Port int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// Pool and Forwarder are required.
	Pool      *engine.KeyPool
	Forwarder *engine.Forwarder

	// MasterKey is the client credential; pool keys are accepted as well.
	MasterKey    string
	StatusPath   string
	MaxBodyBytes int64

	// Health defaults to a manager with a key pool checker.
	Health *handlers.HealthManager

	// AdminToken enables POST /admin/signal when set.
	AdminToken string
}

// Server represents the HTTP server
type Server struct {
	router *chi.Mux
	server *http.Server
	opts   Options
	host   string
	port   int
}

// New creates a new HTTP server instance
func New(opts Options) (*Server, error) {
	if opts.Pool == nil || opts.Forwarder == nil {
		return nil, fmt.Errorf("server requires a key pool and a forwarder")
	}
	statusPath, err := NormalizeStatusPath(opts.StatusPath)
	if err != nil {
		return nil, err
	}
	opts.StatusPath = statusPath
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.Health == nil {
		opts.Health = handlers.NewHealthManager(handlers.AppVersion)
		opts.Health.RegisterChecker("key_pool", handlers.KeyPoolChecker(opts.Pool))
	}

	r := chi.NewRouter()

	// Standard chi middleware
	r.Use(middleware.RealIP)

	// RequestID → Metrics → Recovery
	r.Use(servermw.RequestID)
	r.Use(servermw.RequestMetrics)
	r.Use(servermw.Recovery)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		HandleError(w, req, apperrors.NewNotFoundError("The requested resource was not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		HandleError(w, req, apperrors.NewMethodNotAllowedError("The requested method is not allowed for this resource"))
	})

	s := &Server{
		router: r,
		opts:   opts,
		host:   opts.Host,
		port:   opts.Port,
	}

	// Ensure handlers use the centralized error responder
	handlers.SetHTTPErrorResponder(HandleError)

	s.registerRoutes()

	return s, nil
}

// NormalizeStatusPath validates the status route and applies the default.
func NormalizeStatusPath(path string) (string, error) {
	return core.NormalizeRoutePath(path, DefaultStatusPath)
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.host, fmt.Sprintf("%d", s.port))

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		IdleTimeout:  s.opts.IdleTimeout,
	}

	if observability.ServerLogger != nil {
		observability.ServerLogger.Info("Starting HTTP server",
			zap.String("addr", addr),
			zap.String("upstream", s.opts.Forwarder.Upstream.String()),
			zap.Int("keys", s.opts.Pool.Size()),
			zap.String("status_path", s.opts.StatusPath),
			zap.String("retry_policy", s.opts.Forwarder.Retry.String()),
			zap.Duration("retry_delay", s.opts.Forwarder.RetryDelay))
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	if observability.ServerLogger != nil {
		observability.ServerLogger.Info("Shutting down HTTP server")
	}
	return s.server.Shutdown(ctx)
}

// Handler exposes the underlying router for testing and instrumentation
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the configured port
func (s *Server) Port() int {
	return s.port
}

// StatusPath returns the normalized status route
func (s *Server) StatusPath() string {
	return s.opts.StatusPath
}
