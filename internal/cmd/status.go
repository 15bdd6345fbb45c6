package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/keyrelay/keyrelay/internal/core"
	"github.com/keyrelay/keyrelay/internal/output"
	servermw "github.com/keyrelay/keyrelay/internal/server/middleware"
)

var (
	statusURL     string
	statusAPIKey  string
	statusKeys    bool
	statusTimeout time.Duration
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show request totals of a running proxy",
	Long: `Query a running proxy for its request totals. With --keys the per-key
report is fetched too; it requires the master key or a pool key, taken from
--api-key or the local configuration.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		baseURL := statusURL
		if baseURL == "" {
			baseURL = fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
		}
		apiKey := statusAPIKey
		if apiKey == "" {
			apiKey = cfg.Proxy.MasterKey
		}
		if apiKey == "" && len(cfg.Proxy.Keys) > 0 {
			apiKey = cfg.Proxy.Keys[0]
		}

		client := &statusClient{
			HTTP:       &http.Client{Timeout: statusTimeout},
			BaseURL:    baseURL,
			StatusPath: cfg.Proxy.StatusPath,
			APIKey:     apiKey,
		}

		if statusKeys {
			report, err := client.KeyReport(cmd.Context())
			if err != nil {
				return err
			}
			return render(cmd, func(f output.Formatter) (string, error) {
				return f.FormatKeyReport(report)
			})
		}

		status, err := client.PoolStatus(cmd.Context())
		if err != nil {
			return err
		}
		return render(cmd, func(f output.Formatter) (string, error) {
			return f.FormatPoolStatus(status)
		})
	},
}

// statusClient reads the status routes of a running proxy.
type statusClient struct {
	HTTP       *http.Client
	BaseURL    string
	StatusPath string
	APIKey     string
}

// PoolStatus fetches the aggregate counters.
func (c *statusClient) PoolStatus(ctx context.Context) (core.PoolStatus, error) {
	var status core.PoolStatus
	err := c.getJSON(ctx, c.statusPath(), false, &status)
	return status, err
}

// KeyReport fetches the per-key report.
func (c *statusClient) KeyReport(ctx context.Context) (*core.KeyReport, error) {
	var report core.KeyReport
	if err := c.getJSON(ctx, c.statusPath()+"/keys", true, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

func (c *statusClient) statusPath() string {
	if c.StatusPath == "" {
		return "/status"
	}
	return "/" + strings.Trim(c.StatusPath, "/")
}

func (c *statusClient) getJSON(ctx context.Context, path string, authenticated bool, target any) error {
	base, err := url.Parse(strings.TrimRight(c.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return fmt.Errorf("invalid proxy url %q", c.BaseURL)
	}
	endpoint := base.String() + path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if authenticated {
		if c.APIKey == "" {
			return fmt.Errorf("an API key is required for %s (use --api-key)", path)
		}
		req.Header.Set(servermw.APIKeyHeader, c.APIKey)
	}

	client := c.HTTP
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("query %s: %w", endpoint, err)
	}
	defer resp.Body.Close() // nolint:errcheck // best-effort cleanup on HTTP response body

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read %s: %w", endpoint, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %d: %s", endpoint, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("decode %s: %w", endpoint, err)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().StringVar(&statusURL, "url", "", "proxy base URL (default http://127.0.0.1:<server.port>)")
	statusCmd.Flags().StringVar(&statusAPIKey, "api-key", "", "client key for the per-key report")
	statusCmd.Flags().BoolVar(&statusKeys, "keys", false, "fetch the per-key report")
	statusCmd.Flags().DurationVar(&statusTimeout, "timeout", 10*time.Second, "request timeout")
	addOutputFlags(statusCmd)
}
