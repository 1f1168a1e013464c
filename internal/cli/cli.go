package cli

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/vk/watergridgo/internal/app"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// Parse processes command-line arguments. It returns a populated app.Config,
// a boolean indicating if the program should exit cleanly, or an ExitError.
func Parse(args []string, output io.Writer) (*app.Config, bool, error) {
	slog.Debug("CLI parser started.")
	flagSet := flag.NewFlagSet("watergrid", flag.ContinueOnError)
	flagSet.SetOutput(output)

	flagSet.Usage = func() {
		fmt.Fprint(output, `
WaterGrid - A time-stepped water system scenario runner.

Usage:
  watergrid [options]

A data source is required: either -file (an offline JSON network export) or
-url (a Hydra server). Scenario ids select what runs: "1,2" runs scenarios 1
and 2 independently, "1+3" runs them combined as one chain.

Options:
`)
		flagSet.PrintDefaults()
	}

	fileFlag := flagSet.String("file", "", "Path to an offline JSON network export.")
	fFlag := flagSet.String("f", "", "Path to an offline JSON network export (shorthand).")
	urlFlag := flagSet.String("url", "", "Hydra server URL.")
	appFlag := flagSet.String("app", "", "Name of the app, attached to result scenarios.")
	userFlag := flagSet.String("user", "", "Username for the Hydra server.")
	passwordFlag := flagSet.String("password", "", "Password for the Hydra server.")
	sessionFlag := flagSet.String("session-id", "", "Existing Hydra server session id.")
	sourceFlag := flagSet.Int("source-id", 0, "Source id of the model run.")
	networkFlag := flagSet.Int("network-id", 0, "Network id of the model run.")
	templateFlag := flagSet.Int("template-id", 0, "Template id of the model run.")
	scenariosFlag := flagSet.String("scenario-ids", "", "Scenario ids to run: comma-separated runs, '+'-joined chains (e.g. \"1,2+3\").")
	foresightFlag := flagSet.String("foresight", "zero", "Foresight: 'zero' or 'perfect'.")
	workersFlag := flagSet.Int("workers", 4, "Number of concurrent scenario runs.")
	filesPathFlag := flagSet.String("files-path", "", "Root directory for read_external CSV lookups.")
	runStateFlag := flagSet.String("runstate-path", "", "Path to the run-state store (enables cancellation and status).")
	postFlag := flagSet.String("post-url", "", "URL for HTTP progress reports.")
	websocketFlag := flagSet.String("websocket-url", "", "URL for websocket progress reports.")
	socketIOFlag := flagSet.String("socketio-url", "", "URL for socket.io progress reports.")
	socketIONamespaceFlag := flagSet.String("socketio-namespace", "", "Namespace for socket.io progress reports.")
	debugStartFlag := flagSet.String("debug-start", "", "Override the run start date (YYYY-MM-DD).")
	debugLimitFlag := flagSet.Int("debug-limit", 0, "Run at most this many time steps. 0 is unlimited.")
	logFormatFlag := flagSet.String("log-format", "json", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")
	metricsPortFlag := flagSet.Int("metrics-port", 0, "Port for the HTTP metrics and health server. 0 is disabled.")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}
	slog.Debug("Arguments parsed successfully.")

	if len(args) == 0 {
		slog.Debug("No arguments provided, printing usage and exiting.")
		flagSet.Usage()
		return nil, true, nil
	}

	filePath := *fileFlag
	if filePath == "" {
		filePath = *fFlag
	}

	logFormat := strings.ToLower(*logFormatFlag)
	if logFormat != "text" && logFormat != "json" {
		return nil, false, &ExitError{Code: 2, Message: "invalid log-format: must be 'text' or 'json'"}
	}

	logLevel := strings.ToLower(*logLevelFlag)
	switch logLevel {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return nil, false, &ExitError{Code: 2, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
	}

	combos, err := ParseScenarioIDs(*scenariosFlag)
	if err != nil {
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}
	slog.Debug("CLI parameter validation complete.")

	config, err := app.NewConfig(app.Config{
		FilePath:          filePath,
		DataURL:           *urlFlag,
		AppName:           *appFlag,
		Username:          *userFlag,
		Password:          *passwordFlag,
		SessionID:         *sessionFlag,
		SourceID:          *sourceFlag,
		NetworkID:         *networkFlag,
		TemplateID:        *templateFlag,
		ScenarioCombos:    combos,
		Foresight:         strings.ToLower(*foresightFlag),
		Workers:           *workersFlag,
		FilesPath:         *filesPathFlag,
		RunStatePath:      *runStateFlag,
		PostURL:           *postFlag,
		WebsocketURL:      *websocketFlag,
		SocketIOURL:       *socketIOFlag,
		SocketIONamespace: *socketIONamespaceFlag,
		DebugStart:        *debugStartFlag,
		DebugLimit:        *debugLimitFlag,
		LogFormat:         logFormat,
		LogLevel:          logLevel,
		MetricsPort:       *metricsPortFlag,
	})
	if err != nil {
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	slog.Debug("CLI parser finished successfully.")
	return config, false, nil
}

// ParseScenarioIDs parses the scenario-ids flag. Commas separate independent
// runs; '+' joins ids into one run's source chain. "1,2+3" is two runs: one
// of scenario 1, one of the chain 2 then 3.
func ParseScenarioIDs(s string) ([][]int, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var combos [][]int
	for _, group := range strings.Split(s, ",") {
		group = strings.TrimSpace(group)
		if group == "" {
			return nil, fmt.Errorf("invalid scenario-ids %q: empty entry", s)
		}
		var combo []int
		for _, part := range strings.Split(group, "+") {
			id, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil || id <= 0 {
				return nil, fmt.Errorf("invalid scenario-ids %q: %q is not a positive integer", s, part)
			}
			combo = append(combo, id)
		}
		combos = append(combos, combo)
	}
	return combos, nil
}
