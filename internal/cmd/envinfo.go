package cmd

import (
	"fmt"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/keyrelay/keyrelay/internal/config"
	"github.com/keyrelay/keyrelay/internal/observability"
)

var envInfoCmd = &cobra.Command{
	Use:   "envinfo",
	Short: "Display environment information",
	Long:  "Display environment, configuration, and version information. Keys are shown as fingerprints.",
	Run: func(cmd *cobra.Command, args []string) {
		logger := observability.CLILogger
		version := crucible.GetVersion()
		identity := GetAppIdentity()

		logger.Info("=== " + identity.BinaryName + " Environment Information ===")
		logger.Info("")

		logger.Info("Application:")
		logger.Info("  Name:       " + identity.BinaryName)
		logger.Info("  Version:    " + versionInfo.Version)
		logger.Info("  Commit:     " + versionInfo.Commit)
		logger.Info("  Built:      " + versionInfo.BuildDate)
		logger.Info("")

		logger.Info("SSOT:")
		logger.Info("  Gofulmen:   "+version.Gofulmen, zap.String("gofulmen_version", version.Gofulmen))
		logger.Info("  Crucible:   "+version.Crucible, zap.String("crucible_version", version.Crucible))
		logger.Info("")

		logger.Info("Runtime:")
		logger.Info("  Go Version: "+runtime.Version(), zap.String("go_version", runtime.Version()))
		logger.Info("  GOOS:       "+runtime.GOOS, zap.String("goos", runtime.GOOS))
		logger.Info("  GOARCH:     "+runtime.GOARCH, zap.String("goarch", runtime.GOARCH))
		logger.Info(fmt.Sprintf("  NumCPU:     %d", runtime.NumCPU()), zap.Int("num_cpu", runtime.NumCPU()))
		logger.Info("")

		cfg, err := loadConfig()
		if err != nil {
			logger.Warn("Config load failed", zap.Error(err))
			return
		}
		redacted := cfg.Redacted()

		logger.Info("Server:")
		logger.Info("  Host:           "+cfg.Server.Host, zap.String("host", cfg.Server.Host))
		logger.Info(fmt.Sprintf("  Port:           %d", cfg.Server.Port), zap.Int("port", cfg.Server.Port))
		logger.Info("  Log Level:      "+cfg.Logging.Level, zap.String("log_level", cfg.Logging.Level))
		logger.Info(fmt.Sprintf("  Metrics:        %t (port %d)", cfg.Metrics.Enabled, cfg.Metrics.Port))
		logger.Info("  Config File:    "+config.DefaultConfigPath(identity.ConfigName), zap.String("config_file", config.DefaultConfigPath(identity.ConfigName)))
		logger.Info("")

		logger.Info("Proxy:")
		logger.Info("  Upstream:       " + cfg.Proxy.UpstreamURL)
		logger.Info(fmt.Sprintf("  Keys:           %d %v", len(redacted.Proxy.Keys), redacted.Proxy.Keys))
		logger.Info("  Master Key:     " + envValueStatus(cfg.Proxy.MasterKey))
		logger.Info("  Retry:          " + cfg.Proxy.RetryPolicy().String() + " every " + cfg.Proxy.RetryDelay.String())
		logger.Info("  Status Path:    " + cfg.Proxy.StatusPath)
		logger.Info("  Time Zone:      " + cfg.Proxy.TimeZone)
		logger.Info(fmt.Sprintf("  Limits:         %d/min, %d/day per key", cfg.Proxy.RequestsPerMinute, cfg.Proxy.RequestsPerDay))
		logger.Info("")

		logger.Info("=== End Environment Information ===")
	},
}

func envValueStatus(value string) string {
	if value == "" {
		return "(not set)"
	}
	return "(set)"
}

func init() {
	rootCmd.AddCommand(envInfoCmd)
}
