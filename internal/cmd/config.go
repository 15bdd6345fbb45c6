package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/keyrelay/keyrelay/internal/config"
)

var (
	configShowFormat   string
	configShowValidate bool
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the effective configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets redacted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if configShowValidate {
			if err := cfg.Validate(); err != nil {
				return err
			}
		}

		rendered, err := renderConfig(cfg.Redacted(), configShowFormat)
		if err != nil {
			return err
		}
		_, err = fmt.Fprint(cmd.OutOrStdout(), rendered)
		return err
	},
}

// renderConfig serializes cfg as yaml or json.
func renderConfig(cfg config.Config, format string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "yaml", "yml":
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return "", err
		}
		return string(data), nil
	case "json":
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return "", err
		}
		return string(data) + "\n", nil
	default:
		return "", fmt.Errorf("unsupported config format: %s", format)
	}
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)

	configShowCmd.Flags().StringVar(&configShowFormat, "format", "yaml", "Output format: yaml|json")
	configShowCmd.Flags().BoolVar(&configShowValidate, "validate", false, "fail when the configuration is invalid")
}
