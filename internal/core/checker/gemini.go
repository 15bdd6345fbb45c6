package checker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/keyrelay/keyrelay/internal/core"
)

const (
	geminiSource = "gemini"

	// DefaultProbeTimeout bounds one probe when the client has no timeout.
	DefaultProbeTimeout = 15 * time.Second
)

// GeminiProber validates upstream keys by fetching model metadata with the
// Gemini SDK. Fetching a model costs no generation quota.
type GeminiProber struct {
	Client      *http.Client
	BaseURL     string
	APIVersion  string
	Model       string
	ToolVersion string
	Clock       func() time.Time
}

// Probe checks one key. Upstream refusals are reported in the result; the
// error return is reserved for misuse.
func (p *GeminiProber) Probe(ctx context.Context, key string) (*core.ProbeResult, error) {
	if p == nil {
		return nil, errors.New("gemini prober is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	key = strings.TrimSpace(key)
	if key == "" {
		return nil, errors.New("key is required")
	}

	requestedAt := p.now()

	client, err := genai.NewClient(ctx, p.clientConfig(key))
	if err != nil {
		return p.result(key, core.ProbeError, 0, fmt.Sprintf("client setup failed: %v", err), requestedAt), nil
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline && (p.Client == nil || p.Client.Timeout == 0) {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultProbeTimeout)
		defer cancel()
	}

	model, err := client.Models.Get(ctx, p.model(), nil)
	if err != nil {
		status, code, message := classifyProbeError(err)
		return p.result(key, status, code, message, requestedAt), nil
	}

	message := "model reachable"
	if model != nil && model.DisplayName != "" {
		message = model.DisplayName + " reachable"
	}
	return p.result(key, core.ProbeValid, http.StatusOK, message, requestedAt), nil
}

func (p *GeminiProber) clientConfig(key string) *genai.ClientConfig {
	cfg := &genai.ClientConfig{
		APIKey:     key,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: p.Client,
	}
	if p.BaseURL != "" {
		cfg.HTTPOptions.BaseURL = strings.TrimRight(p.BaseURL, "/") + "/"
	}
	if p.APIVersion != "" {
		cfg.HTTPOptions.APIVersion = p.APIVersion
	}
	return cfg
}

// classifyProbeError maps an SDK error onto a probe status. A missing model is
// an error, not a bad key.
func classifyProbeError(err error) (core.ProbeStatus, int, string) {
	code, message, ok := apiErrorDetails(err)
	if !ok {
		if errors.Is(err, context.DeadlineExceeded) {
			return core.ProbeError, 0, "probe timed out"
		}
		return core.ProbeError, 0, err.Error()
	}

	switch code {
	case http.StatusTooManyRequests:
		return core.ProbeRateLimited, code, message
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return core.ProbeInvalid, code, message
	default:
		return core.ProbeError, code, message
	}
}

func apiErrorDetails(err error) (int, string, bool) {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code, apiErr.Message, true
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return apiErrPtr.Code, apiErrPtr.Message, true
	}
	return 0, "", false
}

func (p *GeminiProber) result(key string, status core.ProbeStatus, statusCode int, message string, requestedAt time.Time) *core.ProbeResult {
	server := p.BaseURL
	if server == "" {
		server = "https://generativelanguage.googleapis.com"
	}
	return &core.ProbeResult{
		Fingerprint: core.Fingerprint(key),
		Status:      status,
		StatusCode:  statusCode,
		Model:       p.model(),
		Message:     message,
		Provenance: core.Provenance{
			CheckID:     uuid.New().String(),
			RequestedAt: requestedAt,
			ResolvedAt:  p.now(),
			Source:      geminiSource,
			Server:      server,
			ToolVersion: p.ToolVersion,
		},
	}
}

func (p *GeminiProber) model() string {
	if p != nil && strings.TrimSpace(p.Model) != "" {
		return strings.TrimSpace(p.Model)
	}
	return "gemini-2.0-flash"
}

func (p *GeminiProber) now() time.Time {
	if p != nil && p.Clock != nil {
		return p.Clock()
	}
	return time.Now().UTC()
}
