package app

import (
	"context"
	"fmt"
	"io"

	"github.com/vk/watergridgo/internal/ctxlog"
	"github.com/vk/watergridgo/internal/expr"
	"github.com/vk/watergridgo/internal/model"
	"github.com/vk/watergridgo/internal/reporter"
	"github.com/vk/watergridgo/internal/runner"
)

// Run connects the reporters, fans the configured scenario combinations out
// into descriptors, and executes them on the runner's worker pool.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.")

	if a.cfg.MetricsPort > 0 {
		go a.startMetricsServer(a.cfg.MetricsPort)
	}

	reps, err := a.buildReporters(ctx)
	if err != nil {
		return fmt.Errorf("connecting reporters: %w", err)
	}
	defer func() {
		for _, rep := range reps {
			if c, ok := rep.(io.Closer); ok {
				c.Close()
			}
		}
	}()

	descs := runner.Expand(a.cfg.SourceID, a.cfg.NetworkID, a.cfg.TemplateID, a.cfg.ScenarioCombos, nil)
	for i := range descs {
		descs[i].Foresight = a.cfg.Foresight
		descs[i].FilesPath = a.cfg.FilesPath
		descs[i].DebugStart = a.cfg.DebugStart
		descs[i].DebugLimit = a.cfg.DebugLimit
	}
	a.logger.Info("Starting scenario runs.",
		"runs", len(descs), "workers", a.cfg.Workers, "foresight", a.cfg.Foresight)

	r, err := runner.New(runner.Config{
		Conn:     a.conn,
		Cache:    expr.NewCache(),
		Reporter: reporter.Multi(reps),
		RunState: a.runState,
		NewModel: func() model.Model { return model.NewFlowNetwork() },
		Workers:  a.cfg.Workers,
	})
	if err != nil {
		return err
	}

	if err := r.Run(ctx, descs); err != nil {
		return fmt.Errorf("execution failed: %w", err)
	}
	a.logger.Info("All runs finished.")
	return nil
}

// buildReporters connects every reporter the configuration names. The screen
// reporter is always on; the rest are opt-in by URL.
func (a *App) buildReporters(ctx context.Context) ([]reporter.Reporter, error) {
	reps := []reporter.Reporter{reporter.NewScreen()}
	if a.cfg.PostURL != "" {
		reps = append(reps, reporter.NewPost(a.cfg.PostURL))
	}
	if a.cfg.WebsocketURL != "" {
		reps = append(reps, reporter.NewWebsocket(a.cfg.WebsocketURL))
	}
	if a.cfg.SocketIOURL != "" {
		sio, err := reporter.NewSocketIO(ctx, a.cfg.SocketIOURL, a.cfg.SocketIONamespace, a.cfg.SourceID, a.cfg.NetworkID)
		if err != nil {
			return nil, err
		}
		reps = append(reps, sio)
	}
	return reps, nil
}
