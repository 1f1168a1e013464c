package app

import (
	"github.com/vk/watergridgo/internal/syserr"
	"github.com/vk/watergridgo/internal/system"
)

// Config holds everything an App instance needs to run a batch of scenarios.
type Config struct {
	// Data source: exactly one of FilePath (offline JSON export) or DataURL
	// (Hydra server) must be set.
	FilePath  string
	DataURL   string
	AppName   string
	Username  string
	Password  string
	SessionID string

	SourceID       int
	NetworkID      int
	TemplateID     int
	ScenarioCombos [][]int

	Foresight    string
	Workers      int
	FilesPath    string
	RunStatePath string

	PostURL           string
	WebsocketURL      string
	SocketIOURL       string
	SocketIONamespace string

	DebugStart string
	DebugLimit int

	LogFormat   string
	LogLevel    string
	MetricsPort int
}

// NewConfig validates a Config and returns it.
func NewConfig(cfg Config) (*Config, error) {
	if cfg.FilePath == "" && cfg.DataURL == "" {
		return nil, syserr.NewConfiguration("data source", "either a file path or a data URL is required")
	}
	if cfg.FilePath != "" && cfg.DataURL != "" {
		return nil, syserr.NewConfiguration("data source", "file path and data URL are mutually exclusive")
	}
	if cfg.NetworkID == 0 {
		return nil, syserr.NewConfiguration("network-id", "a network id is required")
	}
	if len(cfg.ScenarioCombos) == 0 {
		return nil, syserr.NewConfiguration("scenario-ids", "at least one scenario id is required")
	}
	if cfg.Foresight == "" {
		cfg.Foresight = system.ForesightZero
	}
	if cfg.Foresight != system.ForesightZero && cfg.Foresight != system.ForesightPerfect {
		return nil, syserr.NewConfiguration("foresight", "foresight must be %q or %q", system.ForesightZero, system.ForesightPerfect)
	}
	return &cfg, nil
}
