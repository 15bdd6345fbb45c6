package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/keyrelay/keyrelay/internal/appid"
	"github.com/keyrelay/keyrelay/internal/config"
	errwrap "github.com/keyrelay/keyrelay/internal/errors"
	"github.com/keyrelay/keyrelay/internal/observability"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long:  "Run diagnostic checks on the system and suggest fixes for common issues.",
	Run: func(cmd *cobra.Command, args []string) {
		logger := observability.CLILogger
		identity := GetAppIdentity()
		logger.Info("=== " + identity.BinaryName + " doctor ===")
		logger.Info("")

		allChecks := true
		totalChecks := 7

		goVersion := runtime.Version()
		if goVersion >= "go1.23" {
			logger.Info(fmt.Sprintf("[1/%d] Checking Go version... ✅ %s", totalChecks, goVersion), zap.String("go_version", goVersion))
		} else {
			logger.Warn(fmt.Sprintf("[1/%d] Checking Go version... ⚠️  %s (recommended: go1.23+)", totalChecks, goVersion), zap.String("go_version", goVersion))
			allChecks = false
		}

		version := crucible.GetVersion()
		if version.Crucible != "" && version.Gofulmen != "" {
			logger.Info(fmt.Sprintf("[2/%d] Checking Gofulmen/Crucible... ✅ v%s / v%s", totalChecks, version.Gofulmen, version.Crucible),
				zap.String("gofulmen_version", version.Gofulmen),
				zap.String("crucible_version", version.Crucible))
		} else {
			ExitWithCode(logger, foundry.ExitExternalServiceUnavailable, "Cannot access Crucible", errwrap.NewInternalError("crucible version unavailable"))
		}

		configPath := config.DefaultConfigPath(identity.ConfigName)
		if configPath == "" {
			logger.Warn(fmt.Sprintf("[3/%d] Checking config directory... ⚠️  cannot resolve config directory", totalChecks))
			allChecks = false
		} else {
			logger.Info(fmt.Sprintf("[3/%d] Checking config file... %s (%s)", totalChecks, configPath, existenceStatus(fileExists(configPath))),
				zap.String("config_path", configPath))
		}

		logger.Info(fmt.Sprintf("[4/%d] Checking environment... ✅ %s/%s", totalChecks, runtime.GOOS, runtime.GOARCH),
			zap.String("os", runtime.GOOS),
			zap.String("arch", runtime.GOARCH))

		cfg, err := loadConfig()
		if err == nil {
			err = cfg.Validate()
		}
		if err != nil {
			logger.Error(fmt.Sprintf("[5/%d] Checking configuration... ❌ invalid", totalChecks), zap.Error(err))
			logger.Info(fmt.Sprintf("[6/%d] Checking key pool... skipped", totalChecks))
			logger.Info(fmt.Sprintf("[7/%d] Checking client auth... skipped", totalChecks))
			allChecks = false
		} else {
			logger.Info(fmt.Sprintf("[5/%d] Checking configuration... ✅ valid", totalChecks))

			if len(cfg.Proxy.Keys) == 1 {
				logger.Warn(fmt.Sprintf("[6/%d] Checking key pool... ⚠️  1 key (rotation needs at least 2)", totalChecks))
			} else {
				logger.Info(fmt.Sprintf("[6/%d] Checking key pool... ✅ %d keys", totalChecks, len(cfg.Proxy.Keys)),
					zap.Int("keys", len(cfg.Proxy.Keys)))
			}

			if cfg.Proxy.MasterKey == "" {
				logger.Warn(fmt.Sprintf("[7/%d] Checking client auth... ⚠️  no master key; clients must present a pool key", totalChecks))
			} else {
				logger.Info(fmt.Sprintf("[7/%d] Checking client auth... ✅ master key set", totalChecks))
			}
		}

		logger.Info("")
		if allChecks {
			logger.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", identity.BinaryName))
		} else {
			logger.Warn("⚠️  Some checks failed. Review the output above for details.")
		}
		logger.Info("")
		logger.Info("=== End Diagnostics ===")
	},
}

var (
	doctorInitForce bool
	doctorInitKeys  string
)

var doctorInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a default config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := cfgFile
		if configPath == "" {
			configPath = config.DefaultConfigPath(GetAppIdentity().ConfigName)
		}
		if configPath == "" {
			return fmt.Errorf("config path not resolved")
		}

		if _, err := os.Stat(configPath); err == nil && !doctorInitForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", configPath)
		}

		keys := strings.TrimSpace(doctorInitKeys)
		if strings.EqualFold(keys, "prompt") {
			value, err := promptForValue("Enter upstream API keys, comma separated (leave blank to skip): ")
			if err != nil {
				return err
			}
			keys = value
		}

		content, err := buildInitConfig(GetAppIdentity().BinaryName, strings.Split(keys, ","))
		if err != nil {
			return err
		}

		if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
		if err := os.WriteFile(configPath, content, 0600); err != nil {
			return fmt.Errorf("write config file: %w", err)
		}

		observability.CLILogger.Info("Config initialized", zap.String("path", configPath))
		return nil
	},
}

var doctorConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Show configuration sources and paths",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := observability.CLILogger
		identity := GetAppIdentity()
		configPath := config.DefaultConfigPath(identity.ConfigName)

		logger.Info("Configuration:")
		logger.Info(fmt.Sprintf("  Default config file: %s (%s)", configPath, existenceStatus(fileExists(configPath))))
		if used := viper.ConfigFileUsed(); used != "" {
			logger.Info(fmt.Sprintf("  Config file in use:  %s (%s)", used, existenceStatus(fileExists(used))))
		}
		logger.Info(fmt.Sprintf("  Env file:            %s (%s)", envFile, existenceStatus(fileExists(envFile))))

		logger.Info("")
		logger.Info("Environment:")
		prefix := appid.EnvPrefix(identity)
		for _, key := range []string{"proxy.keys", "proxy.master_key", "proxy.retry_delay", "proxy.max_retries", "server.port"} {
			for _, name := range config.EnvNames(prefix, key) {
				logger.Info(fmt.Sprintf("  %s: %s", name, envStatus(name)))
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.AddCommand(doctorInitCmd)
	doctorCmd.AddCommand(doctorConfigCmd)

	doctorInitCmd.Flags().BoolVar(&doctorInitForce, "force", false, "overwrite an existing config file")
	doctorInitCmd.Flags().StringVar(&doctorInitKeys, "keys", "", "comma separated upstream keys, or 'prompt' to enter them interactively")
}

// buildInitConfig renders the default configuration as YAML.
func buildInitConfig(binaryName string, keys []string) ([]byte, error) {
	v := viper.New()
	config.SetDefaults(v)
	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}
	cfg.Proxy.Keys = nil
	for _, key := range keys {
		if key = strings.TrimSpace(key); key != "" {
			cfg.Proxy.Keys = append(cfg.Proxy.Keys, key)
		}
	}
	if cfg.Proxy.Keys == nil {
		cfg.Proxy.Keys = []string{}
	}

	body, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	header := fmt.Sprintf("# %s config - created by '%s doctor init'\n", binaryName, binaryName)
	return append([]byte(header), body...), nil
}

func promptForValue(prompt string) (string, error) {
	if _, err := fmt.Fprint(os.Stdout, prompt); err != nil {
		return "", err
	}
	reader := bufio.NewReader(os.Stdin)
	value, err := reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimSpace(value), nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

func existenceStatus(exists bool) string {
	if exists {
		return "exists"
	}
	return "missing"
}

func envStatus(name string) string {
	if strings.TrimSpace(os.Getenv(name)) != "" {
		return "(set)"
	}
	return "(not set)"
}
