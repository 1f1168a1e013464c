package reporter

import (
	"context"
	"fmt"
	"net/url"

	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"

	"github.com/vk/watergridgo/internal/ctxlog"
)

// progressEvent is the event name the web client listens on.
const progressEvent = "update-network-progress"

// SocketIO streams step and save events into the run's socket.io room. Other
// actions are left to the post reporter.
type SocketIO struct {
	manager *socket.Manager
	io      *socket.Socket
	room    string
}

// NewSocketIO connects a reporter to the socket.io endpoint. The room is
// derived from the source and network the run belongs to.
func NewSocketIO(ctx context.Context, rawURL, namespace string, sourceID, networkID int) (*SocketIO, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing socket.io URL: %w", err)
	}

	opts := socket.DefaultOptions()
	opts.SetPath(parsed.Path)
	opts.SetTransports(types.NewSet(transports.WebSocket))

	baseURL := fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host)
	manager := socket.NewManager(baseURL, opts)
	io := manager.Socket(namespace, opts)

	logger := ctxlog.FromContext(ctx)
	io.On(types.EventName("connect"), func(...any) {
		logger.Debug("Socket.io reporter connected.", "sid", io.Id())
	})
	io.On(types.EventName("connect_error"), func(errs ...any) {
		logger.Warn("Socket.io reporter connection error.", "error", errs)
	})
	io.Connect()

	return &SocketIO{
		manager: manager,
		io:      io,
		room:    fmt.Sprintf("source-%d-network-%d", sourceID, networkID),
	}, nil
}

// Close disconnects the socket.
func (s *SocketIO) Close() error {
	s.io.Disconnect()
	return nil
}

func (s *SocketIO) Report(_ context.Context, action string, payload Payload) {
	if action != ActionStep && action != ActionSave {
		return
	}
	s.io.Emit(progressEvent, map[string]any{
		"room":        s.room,
		"action":      action,
		"sid":         payload.Sid,
		"scenario_id": payload.ScenarioID,
		"network_id":  payload.NetworkID,
		"progress":    payload.Progress,
		"status":      payload.Status,
	})
}
