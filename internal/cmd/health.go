package cmd

import (
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/keyrelay/keyrelay/internal/core/engine"
	errwrap "github.com/keyrelay/keyrelay/internal/errors"
	"github.com/keyrelay/keyrelay/internal/observability"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Run self-health check",
	Long:  "Verify the proxy could start: version info, configuration and key pool.",
	Run: func(cmd *cobra.Command, args []string) {
		logger := observability.CLILogger
		logger.Info("Running health check...")

		if versionInfo.Version == "" {
			ExitWithCode(logger, foundry.ExitConfigInvalid, "Version information missing", errwrap.NewConfigInvalidError("Version information missing"))
			return
		}
		logger.Debug("Version check passed", zap.String("version", versionInfo.Version))
		logger.Info("✅ Version information available")

		cfg, err := loadConfig()
		if err != nil {
			ExitWithCode(logger, foundry.ExitConfigInvalid, "Configuration could not be decoded", errwrap.WrapConfigInvalid(cmd.Context(), err, "config decode failed"))
			return
		}
		if err := cfg.Validate(); err != nil {
			ExitWithCode(logger, foundry.ExitConfigInvalid, "Configuration is invalid", errwrap.WrapConfigInvalid(cmd.Context(), err, "config validation failed"))
			return
		}
		logger.Info("✅ Configuration valid")

		pool, forwarder, err := buildProxy(cfg, nil)
		if err != nil {
			ExitWithCode(logger, foundry.ExitConfigInvalid, "Key pool could not be built", errwrap.WrapConfigInvalid(cmd.Context(), err, "pool build failed"))
			return
		}
		logger.Info(fmt.Sprintf("✅ Key pool ready (%d keys, %s)", pool.Size(), pool.Location()),
			zap.Int("keys", pool.Size()))
		logger.Info("✅ Upstream "+forwarder.Upstream.String(),
			zap.String("retry_policy", forwarder.Retry.String()))

		if forwarder.Retry.Unbounded() && forwarder.RetryDelay < engine.DefaultRetryDelay {
			logger.Warn(fmt.Sprintf("⚠️  Unbounded retries with a %s delay can hammer an overloaded upstream", forwarder.RetryDelay))
		}

		logger.Info("")
		logger.Info("✅ All health checks passed")
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
