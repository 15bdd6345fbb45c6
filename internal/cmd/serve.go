package cmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"github.com/fulmenhq/gofulmen/signals"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/keyrelay/keyrelay/internal/config"
	"github.com/keyrelay/keyrelay/internal/core/engine"
	errwrap "github.com/keyrelay/keyrelay/internal/errors"
	"github.com/keyrelay/keyrelay/internal/metrics"
	"github.com/keyrelay/keyrelay/internal/observability"
	"github.com/keyrelay/keyrelay/internal/server"
	"github.com/keyrelay/keyrelay/internal/server/handlers"
)

// telemetryHealthChecker ensures telemetry system and exporter are available
type telemetryHealthChecker struct{}

func (telemetryHealthChecker) CheckHealth(ctx context.Context) error {
	if observability.TelemetrySystem == nil || observability.PrometheusExporter == nil {
		return errwrap.NewInternalError("telemetry system not initialized")
	}
	return nil
}

// identityHealthChecker validates app identity metadata
type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (i identityHealthChecker) CheckHealth(ctx context.Context) error {
	switch {
	case i.binaryName == "":
		return errwrap.NewConfigInvalidError("app identity missing binary name")
	case i.envPrefix == "":
		return errwrap.NewConfigInvalidError("app identity missing env prefix")
	case i.configName == "":
		return errwrap.NewConfigInvalidError("app identity missing config name")
	}
	return nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the key-rotating proxy",
	Long: `Start the HTTP proxy. Every request not claimed by an internal route is
relayed upstream with the next available key from the pool.

Signal Handling:
  • Ctrl+C (SIGINT) or SIGTERM: Graceful shutdown
  • Ctrl+C twice within 2s: Force quit
  • SIGHUP: Re-validate the config file (restart to apply changes)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		identity := GetAppIdentity()
		namespace := identity.TelemetryNamespace()

		cfg, err := loadConfig()
		if err != nil {
			return errwrap.WrapConfigInvalid(ctx, err, "config could not be decoded")
		}
		if err := cfg.Validate(); err != nil {
			return errwrap.WrapConfigInvalid(ctx, err, "config is invalid")
		}

		logLevel := cfg.Logging.Level
		if verbose {
			logLevel = "debug"
		}
		observability.InitServerLoggerForEnvironment(identity.BinaryName, logLevel, cfg.Logging.Environment, namespace)
		logger := observability.ServerLogger

		if cfg.Metrics.Enabled {
			if err := observability.InitMetrics(identity.BinaryName, cfg.Metrics.Port, namespace); err != nil {
				logger.Error("Failed to initialize metrics", zap.Error(err))
				return errwrap.WrapInternal(ctx, err, "metrics initialization failed")
			}
		}

		pool, forwarder, err := buildProxy(cfg, logger)
		if err != nil {
			return errwrap.WrapConfigInvalid(ctx, err, "proxy could not be built")
		}

		logger.Info("Initializing server",
			zap.String("service", identity.BinaryName),
			zap.String("namespace", namespace),
			zap.String("version", versionInfo.Version),
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port),
			zap.Bool("metrics_enabled", cfg.Metrics.Enabled),
			zap.Int("metrics_port", observability.GetMetricsPort()),
			zap.Int("keys", pool.Size()),
			zap.String("time_zone", pool.Location().String()),
			zap.Bool("master_key_set", cfg.Proxy.MasterKey != ""))

		health := handlers.NewHealthManager(versionInfo.Version)
		health.RegisterChecker("key_pool", handlers.KeyPoolChecker(pool))
		if cfg.Metrics.Enabled {
			health.RegisterChecker("telemetry", telemetryHealthChecker{})
		}
		health.RegisterChecker("app_identity", identityHealthChecker{
			binaryName: identity.BinaryName,
			envPrefix:  identity.EnvPrefix,
			configName: identity.ConfigName,
		})

		srv, err := server.New(server.Options{
			Host:         cfg.Server.Host,
			Port:         cfg.Server.Port,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
			Pool:         pool,
			Forwarder:    forwarder,
			MasterKey:    cfg.Proxy.MasterKey,
			StatusPath:   cfg.Proxy.StatusPath,
			MaxBodyBytes: cfg.Proxy.MaxBodyBytes,
			Health:       health,
			AdminToken:   cfg.Server.AdminToken,
		})
		if err != nil {
			return errwrap.WrapConfigInvalid(ctx, err, "server could not be built")
		}

		handlers.SetAppIdentity(identity)
		metrics.SetConfiguredKeys(pool.Size())
		metrics.SetServerStartTime(time.Now().Unix())

		shutdownTimeout := cfg.Server.ShutdownTimeout
		if shutdownTimeout <= 0 {
			shutdownTimeout = 10 * time.Second
		}

		// Shutdown handlers run LIFO: the HTTP server stops first, the logger
		// flushes last.
		signals.OnShutdown(func(ctx context.Context) error {
			logger.Info("Flushing logger...")
			if err := logger.Sync(); err != nil {
				logger.Warn("Logger sync returned error (may be benign)", zap.Error(err))
			}
			return nil
		})

		signals.OnShutdown(func(ctx context.Context) error {
			if err := observability.ShutdownMetrics(); err != nil {
				logger.Warn("Metrics exporter stop failed", zap.Error(err))
			}
			return nil
		})

		signals.OnShutdown(func(ctx context.Context) error {
			logger.Info("Shutting down HTTP server...")
			shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				return errwrap.WrapInternal(ctx, err, "server shutdown failed")
			}

			logger.Info("HTTP server stopped gracefully")
			return nil
		})

		signals.OnReload(func(ctx context.Context) error {
			return reloadConfig(ctx, logger)
		})

		if err := signals.EnableDoubleTap(signals.DoubleTapConfig{
			Window:  2 * time.Second,
			Message: "Press Ctrl+C again within 2 seconds to force quit",
		}); err != nil {
			logger.Warn("Failed to enable double-tap force quit", zap.Error(err))
		}

		errChan := make(chan error, 2)
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- err
			}
		}()

		go func() {
			if err := signals.Listen(ctx); err != nil {
				logger.Error("Signal handler error", zap.Error(err))
				errChan <- err
			}
		}()

		if err := <-errChan; err != nil {
			return errwrap.WrapInternal(ctx, err, "server error")
		}
		return nil
	},
}

// buildProxy assembles the key pool and the forwarder from validated config.
func buildProxy(cfg *config.Config, logger *logging.Logger) (*engine.KeyPool, *engine.Forwarder, error) {
	loc, err := cfg.Proxy.Location()
	if err != nil {
		return nil, nil, err
	}

	pool, err := engine.NewKeyPool(cfg.Proxy.Keys,
		engine.WithLocation(loc),
		engine.WithLimits(cfg.Proxy.QuotaLimits()),
	)
	if err != nil {
		return nil, nil, err
	}

	client := &http.Client{Timeout: cfg.Proxy.UpstreamTimeout}
	forwarder, err := engine.NewForwarder(pool, cfg.Proxy.UpstreamURL, client)
	if err != nil {
		return nil, nil, err
	}
	forwarder.RetryDelay = cfg.Proxy.RetryDelay
	forwarder.Retry = cfg.Proxy.RetryPolicy()
	if cfg.Proxy.DayQuotaMarker != "" {
		forwarder.DayQuotaMarker = cfg.Proxy.DayQuotaMarker
	}
	forwarder.Logger = logger
	forwarder.Recorder = metrics.ProxyRecorder{}

	return pool, forwarder, nil
}

// reloadConfig re-reads and validates the config file. The pool and the
// forwarder are immutable, so changes only take effect after a restart.
func reloadConfig(ctx context.Context, logger *logging.Logger) error {
	logger.Info("Received SIGHUP: re-reading configuration")

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			logger.Info("No config file found - using defaults and environment variables")
			return nil
		}
		logger.Error("Failed to reload config file",
			zap.String("file", viper.ConfigFileUsed()),
			zap.Error(err))
		return errwrap.WrapConfigInvalid(ctx, err, "config reload failed")
	}

	cfg, err := loadConfig()
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		logger.Error("Reloaded configuration is invalid", zap.Error(err))
		return errwrap.WrapConfigInvalid(ctx, err, "config reload failed")
	}

	logger.Info("Configuration is valid; restart to apply changes",
		zap.String("file", viper.ConfigFileUsed()),
		zap.Int("keys", len(cfg.Proxy.Keys)))
	return nil
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "", "server host (default 0.0.0.0)")
	serveCmd.Flags().IntP("port", "p", 0, "server port (default 8000)")

	_ = viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	_ = viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
}
