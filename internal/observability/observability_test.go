package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParseLogLevel(t *testing.T) {
	cases := map[string]string{
		"debug":   "DEBUG",
		" WARN ":  "WARN",
		"warning": "WARN",
		"error":   "ERROR",
		"trace":   "TRACE",
		"":        "INFO",
		"bogus":   "INFO",
	}
	for in, want := range cases {
		assert.Equal(t, want, parseLogLevel(in), in)
	}
}

func TestLoggersInitialize(t *testing.T) {
	InitCLILogger("keyrelay-test", true)
	require.NotNil(t, CLILogger)
	CLILogger.Debug("cli logger ready", zap.String("component", "test"))

	InitServerLoggerForEnvironment("keyrelay-test", "debug", "test", "keyrelay")
	require.NotNil(t, ServerLogger)
	ServerLogger.Info("server logger ready", zap.Int("keys", 3))
}

func TestNewServerLoggerDefaultsEnvironment(t *testing.T) {
	logger, err := NewServerLogger(ServerLogOptions{Service: "keyrelay-test", Level: "warn"})
	require.NoError(t, err)
	require.NotNil(t, logger)
	logger.Warn("pool exhausted", zap.Int("pool_size", 2))
}

func TestResolvePort(t *testing.T) {
	port, err := resolvePort("[::]:9091")
	require.NoError(t, err)
	assert.Equal(t, 9091, port)

	_, err = resolvePort("no-port")
	assert.Error(t, err)
}

func TestShutdownMetricsWithoutExporter(t *testing.T) {
	PrometheusExporter = nil
	TelemetrySystem = nil
	require.NoError(t, ShutdownMetrics())
	assert.Nil(t, TelemetrySystem)
}
