// ABOUTME: WebSocket endpoint for dashboard viewers built on coder/websocket
// ABOUTME: Registers each socket with the hub and answers every inbound frame with a pong

package hub

import (
	"context"
	"errors"
	"net/http"

	"github.com/coder/websocket"
)

const maxViewerFrameBytes = 64 << 10

type wsConn struct {
	conn *websocket.Conn
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	return w.conn.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Close() error {
	return w.conn.Close(websocket.StatusGoingAway, "bye")
}

// ServeHTTP upgrades the request and keeps the viewer registered until the
// socket closes or the request context ends.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	conn.SetReadLimit(maxViewerFrameBytes)

	viewer := &wsConn{conn: conn}
	h.Connect(viewer)
	defer h.Disconnect(viewer)

	ctx := r.Context()
	for {
		// Frame content is not interpreted; any frame counts as a liveness check.
		if _, _, err := conn.Read(ctx); err != nil {
			if status := websocket.CloseStatus(err); status == -1 && !errors.Is(err, context.Canceled) {
				h.logger.Debug("viewer read ended", "error", err)
			}
			return
		}
		if err := h.SendTo(ctx, viewer, Event{Type: EventPong}); err != nil {
			return
		}
	}
}
