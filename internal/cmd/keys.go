package cmd

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/keyrelay/keyrelay/internal/config"
	"github.com/keyrelay/keyrelay/internal/core"
	"github.com/keyrelay/keyrelay/internal/core/checker"
	"github.com/keyrelay/keyrelay/internal/core/engine"
	"github.com/keyrelay/keyrelay/internal/observability"
	"github.com/keyrelay/keyrelay/internal/output"
)

var (
	probeModel       string
	probeConcurrency int
	probeTimeout     time.Duration
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Inspect the configured upstream keys",
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured keys by fingerprint",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		report, err := configuredKeyReport(cfg)
		if err != nil {
			return err
		}
		return render(cmd, func(f output.Formatter) (string, error) {
			return f.FormatKeyReport(report)
		})
	},
}

var keysProbeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Validate every configured key against the upstream",
	Long: `Fetch model metadata with each configured key. Fetching a model does not
consume generation quota. Keys are reported as valid, rate_limited, invalid or
error. The command fails when no key is valid.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := resolveOutputFormat(cmd); err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if len(cfg.Proxy.Keys) == 0 {
			return fmt.Errorf("no upstream keys configured (set GEMINI_API_KEYS or proxy.keys)")
		}

		model := probeModel
		if model == "" {
			model = cfg.Proxy.ProbeModel
		}

		orchestrator := &engine.Orchestrator{
			Prober: &checker.GeminiProber{
				Client:      &http.Client{Timeout: probeTimeout},
				BaseURL:     cfg.Proxy.UpstreamURL,
				Model:       model,
				ToolVersion: versionInfo.Version,
			},
			Concurrency: probeConcurrency,
		}

		observability.CLILogger.Debug("Probing keys",
			zap.Int("keys", len(cfg.Proxy.Keys)),
			zap.String("model", model),
			zap.String("upstream", cfg.Proxy.UpstreamURL))

		results, err := orchestrator.ProbeAll(cmd.Context(), cfg.Proxy.Keys)
		if err != nil {
			return err
		}

		err = render(cmd, func(f output.Formatter) (string, error) {
			return f.FormatProbeResults(results)
		})
		if err != nil {
			return err
		}

		if countProbes(results, core.ProbeValid) == 0 {
			return fmt.Errorf("none of the %d keys is valid", len(results))
		}
		return nil
	},
}

// configuredKeyReport describes the configured pool before any traffic.
func configuredKeyReport(cfg *config.Config) (*core.KeyReport, error) {
	if len(cfg.Proxy.Keys) == 0 {
		return &core.KeyReport{Keys: []core.KeyState{}}, nil
	}
	loc, err := cfg.Proxy.Location()
	if err != nil {
		return nil, err
	}
	pool, err := engine.NewKeyPool(cfg.Proxy.Keys, engine.WithLocation(loc), engine.WithLimits(cfg.Proxy.QuotaLimits()))
	if err != nil {
		return nil, err
	}
	states := pool.KeyStates()
	return &core.KeyReport{
		PoolSize:      pool.Size(),
		AvailableKeys: core.CountAvailable(states),
		Totals:        pool.AggregateStatus(),
		Keys:          states,
	}, nil
}

func countProbes(results []*core.ProbeResult, status core.ProbeStatus) int {
	count := 0
	for _, result := range results {
		if result != nil && result.Status == status {
			count++
		}
	}
	return count
}

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysListCmd)
	keysCmd.AddCommand(keysProbeCmd)

	addOutputFlags(keysListCmd)
	addOutputFlags(keysProbeCmd)

	keysProbeCmd.Flags().StringVar(&probeModel, "model", "", "model to fetch (default proxy.probe_model)")
	keysProbeCmd.Flags().IntVar(&probeConcurrency, "concurrency", engine.DefaultProbeConcurrency, "parallel probes")
	keysProbeCmd.Flags().DurationVar(&probeTimeout, "timeout", checker.DefaultProbeTimeout, "per-probe timeout")
}
