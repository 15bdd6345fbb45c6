package observability

import (
	"fmt"
	"os"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/fulmenhq/gofulmen/logging"
)

var (
	// CLILogger is used by CLI commands (SIMPLE profile).
	CLILogger *logging.Logger

	// ServerLogger is used by the proxy server (STRUCTURED profile). Engine
	// components receive it by injection rather than reading this variable.
	ServerLogger *logging.Logger
)

// DefaultEnvironment tags server log records when none is configured.
const DefaultEnvironment = "production"

// ServerLogOptions describes the structured server logger.
type ServerLogOptions struct {
	Service     string
	Level       string
	Environment string
	// Namespace is attached to every record as a static field when set.
	Namespace string
}

var logLevels = map[string]string{
	"trace":   "TRACE",
	"debug":   "DEBUG",
	"info":    "INFO",
	"warn":    "WARN",
	"warning": "WARN",
	"error":   "ERROR",
}

// parseLogLevel maps a config level onto a gofulmen severity. Unknown values
// fall back to INFO.
func parseLogLevel(level string) string {
	if sev, ok := logLevels[strings.ToLower(strings.TrimSpace(level))]; ok {
		return sev
	}
	return "INFO"
}

// NewServerLogger builds a JSON logger writing to stderr with correlation
// middleware enabled.
func NewServerLogger(opts ServerLogOptions) (*logging.Logger, error) {
	environment := opts.Environment
	if environment == "" {
		environment = DefaultEnvironment
	}

	static := map[string]any{}
	if opts.Namespace != "" {
		static["namespace"] = opts.Namespace
	}

	return logging.New(&logging.LoggerConfig{
		Profile:      logging.ProfileStructured,
		DefaultLevel: parseLogLevel(opts.Level),
		Service:      opts.Service,
		Environment:  environment,
		StaticFields: static,
		Middleware: []logging.MiddlewareConfig{
			{Name: "correlation", Enabled: true, Order: 100, Config: map[string]any{}},
		},
		Sinks: []logging.SinkConfig{
			{
				Type:    "console",
				Format:  "json",
				Console: &logging.ConsoleSinkConfig{Stream: "stderr", Colorize: false},
			},
		},
		EnableCaller:     true,
		EnableStacktrace: true,
	})
}

// InitCLILogger sets CLILogger, at DEBUG when verbose.
func InitCLILogger(serviceName string, verbose bool) {
	logger, err := logging.NewCLI(serviceName)
	if err != nil {
		fatal(foundry.ExitConfigInvalid, "Failed to initialize CLI logger", err)
	}
	if verbose {
		logger.SetLevel(logging.DEBUG)
	}
	CLILogger = logger
}

// InitServerLogger sets ServerLogger for the default environment.
func InitServerLogger(serviceName string, logLevel string, namespace ...string) {
	InitServerLoggerForEnvironment(serviceName, logLevel, DefaultEnvironment, namespace...)
}

// InitServerLoggerForEnvironment sets ServerLogger, exiting the process when
// the logger cannot be built.
func InitServerLoggerForEnvironment(serviceName, logLevel, environment string, namespace ...string) {
	opts := ServerLogOptions{Service: serviceName, Level: logLevel, Environment: environment}
	if len(namespace) > 0 {
		opts.Namespace = namespace[0]
	}

	logger, err := NewServerLogger(opts)
	if err != nil {
		fatal(foundry.ExitConfigInvalid, "Failed to initialize server logger", err)
	}
	ServerLogger = logger
}

// fatal reports a logger bootstrap failure on stderr and exits. No logger is
// available yet at this point.
func fatal(code foundry.ExitCode, msg string, err error) {
	fmt.Fprintf(os.Stderr, "FATAL: %s: %v\n", msg, err)
	if info, ok := foundry.GetExitCodeInfo(code); ok {
		fmt.Fprintf(os.Stderr, "Exit Code: %d (%s) - %s\n", info.Code, info.Name, info.Description)
		os.Exit(info.Code)
	}
	os.Exit(int(code))
}
