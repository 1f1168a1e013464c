package reporter

import (
	"context"

	"github.com/gorilla/websocket"

	"github.com/vk/watergridgo/internal/ctxlog"
)

// Websocket posts each event over a short-lived websocket connection,
// matching the server's connect-send-close protocol.
type Websocket struct {
	url    string
	dialer *websocket.Dialer
}

// NewWebsocket builds a websocket reporter.
func NewWebsocket(url string) *Websocket {
	return &Websocket{url: url, dialer: websocket.DefaultDialer}
}

type wsEvent struct {
	Action string  `json:"action"`
	Data   Payload `json:"data"`
}

func (w *Websocket) Report(ctx context.Context, action string, payload Payload) {
	conn, _, err := w.dialer.DialContext(ctx, w.url, nil)
	if err != nil {
		ctxlog.FromContext(ctx).Warn("Failed to reach websocket endpoint.", "action", action, "error", err)
		return
	}
	defer conn.Close()

	if err := conn.WriteJSON(wsEvent{Action: action, Data: payload}); err != nil {
		ctxlog.FromContext(ctx).Warn("Failed to send websocket event.", "action", action, "error", err)
	}
}
