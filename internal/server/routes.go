package server

import (
	"github.com/fulmenhq/gofulmen/signals"
	"go.uber.org/zap"

	"github.com/keyrelay/keyrelay/internal/observability"
	"github.com/keyrelay/keyrelay/internal/server/handlers"
	servermw "github.com/keyrelay/keyrelay/internal/server/middleware"
)

// registerRoutes registers all HTTP routes. Anything not claimed here is
// relayed upstream.
func (s *Server) registerRoutes() {
	health := s.opts.Health

	s.router.Get("/", handlers.RootHandler)
	s.router.Get("/health", health.HealthHandler)
	s.router.Get("/health/live", health.LivenessHandler)
	s.router.Get("/health/ready", health.ReadinessHandler)
	s.router.Get("/health/startup", health.StartupHandler)
	s.router.Get("/version", handlers.VersionHandler)
	s.router.Get("/metrics", s.poolMetricsHandler)

	s.router.Get(s.opts.StatusPath, handlers.StatusHandler(s.opts.Pool))

	requireKey := servermw.RequireAPIKey(servermw.MasterKeyOr(s.opts.MasterKey, s.opts.Pool.Contains))
	s.router.With(requireKey).Get(s.opts.StatusPath+"/keys", handlers.KeyStatusHandler(s.opts.Pool))

	s.registerAdminEndpoint()

	s.router.With(requireKey).Handle("/*", s.proxyHandler())
}

// registerAdminEndpoint optionally registers the admin signal endpoint
func (s *Server) registerAdminEndpoint() {
	logger := observability.ServerLogger

	if s.opts.AdminToken == "" {
		if logger != nil {
			logger.Debug("Admin signal endpoint disabled (server.admin_token not set)")
		}
		return
	}

	handler := signals.NewHTTPHandler(signals.HTTPConfig{
		TokenAuth: s.opts.AdminToken,
		RateLimit: 10,  // requests per minute
		RateBurst: 5,
		Manager:   nil, // default global manager
	})
	s.router.Post("/admin/signal", handler.ServeHTTP)

	if logger != nil {
		logger.Info("Admin signal endpoint enabled",
			zap.String("path", "/admin/signal"),
			zap.String("rate_limit", "10/min, burst 5"))
	}
}
