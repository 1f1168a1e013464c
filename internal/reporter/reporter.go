// Package reporter publishes run progress to whoever is watching: the
// terminal, the web API, a socket.io room, or a plain websocket. Reporting is
// strictly best-effort; a reporter failure never fails the run.
package reporter

import (
	"context"
)

// Actions the stepper emits, in roughly the order they occur.
const (
	ActionStart = "start"
	ActionStep  = "step"
	ActionSave  = "save"
	ActionError = "error"
	ActionDone  = "done"
)

// Payload accompanies every report.
type Payload struct {
	Sid        string `json:"sid,omitempty"`
	SourceID   int    `json:"source_id,omitempty"`
	NetworkID  int    `json:"network_id,omitempty"`
	ScenarioID int    `json:"scenario_id"`
	Progress   int    `json:"progress"`
	Status     string `json:"status"`
	ExtraInfo  string `json:"extra_info,omitempty"`
}

// Reporter receives progress events. Implementations must swallow their own
// failures.
type Reporter interface {
	Report(ctx context.Context, action string, payload Payload)
}

// Multi fans a report out to several reporters.
type Multi []Reporter

func (m Multi) Report(ctx context.Context, action string, payload Payload) {
	for _, r := range m {
		r.Report(ctx, action, payload)
	}
}

// Nop is the no-op reporter.
type Nop struct{}

func (Nop) Report(context.Context, string, Payload) {}
