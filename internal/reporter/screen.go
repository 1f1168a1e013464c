package reporter

import (
	"context"

	"github.com/vk/watergridgo/internal/ctxlog"
)

// Screen logs progress to the run's logger, deduplicating unchanged step
// progress so long runs don't flood the terminal.
type Screen struct {
	lastProgress int
}

// NewScreen builds a screen reporter.
func NewScreen() *Screen {
	return &Screen{lastProgress: -1}
}

func (s *Screen) Report(ctx context.Context, action string, payload Payload) {
	logger := ctxlog.FromContext(ctx)

	switch action {
	case ActionStep:
		if payload.Progress == s.lastProgress {
			return
		}
		s.lastProgress = payload.Progress
		logger.Info("Run progress.", "status", payload.Status, "progress", payload.Progress, "scenario", payload.ScenarioID)
	case ActionError:
		logger.Error("Run failed.", "scenario", payload.ScenarioID, "detail", payload.ExtraInfo)
	default:
		logger.Info("Run event.", "action", action, "status", payload.Status, "scenario", payload.ScenarioID)
	}
}
