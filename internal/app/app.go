package app

import (
	"io"
	"log/slog"

	"github.com/vk/watergridgo/internal/connection"
	"github.com/vk/watergridgo/internal/runstate"
)

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	outW     io.Writer
	logger   *slog.Logger
	cfg      *Config
	conn     connection.DataConnection
	runState *runstate.Store

	// closers are resources NewApp opened, closed in reverse order by Close.
	closers []io.Closer
}

// NewApp builds the application's long-lived pieces: the logger, the data
// connection, and the run-state store. Reporters are connected later, in Run,
// once a context exists.
func NewApp(outW io.Writer, cfg *Config) (*App, error) {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, outW)
	logger.Debug("Logger configured successfully.")

	a := &App{outW: outW, logger: logger, cfg: cfg}

	if cfg.FilePath != "" {
		conn, err := connection.OpenFile(cfg.FilePath)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.conn = conn
		logger.Debug("Offline data connection opened.", "path", cfg.FilePath)
	} else {
		hydra := connection.NewHydra(connection.HydraOptions{
			URL:       cfg.DataURL,
			AppName:   cfg.AppName,
			SessionID: cfg.SessionID,
			Username:  cfg.Username,
			Password:  cfg.Password,
		})
		a.conn = hydra
		a.closers = append(a.closers, hydra)
		logger.Debug("Server data connection configured.", "url", cfg.DataURL)
	}

	if cfg.RunStatePath != "" {
		rs, err := runstate.Open(cfg.RunStatePath, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.runState = rs
		a.closers = append(a.closers, rs)
		logger.Debug("Run-state store opened.", "path", cfg.RunStatePath)
	}

	return a, nil
}

// Connection returns the application's data connection. This is primarily
// for testing.
func (a *App) Connection() connection.DataConnection {
	return a.conn
}

// Close releases everything NewApp opened, last first.
func (a *App) Close() error {
	var firstErr error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.closers = nil
	return firstErr
}
