package websocket

import (
	"log/slog"
	"net/http"
	"net/url"

	ws "github.com/gorilla/websocket"
	"github.com/m0rjc/WatchBridge/internal/types"
)

// LocalDeviceHandler returns an http.HandlerFunc for GET /ws/local.
//
// The handler upgrades the connection, attaches the device to the hub, and
// runs the read/write pumps. Frames from the device are relayed through
// sender. Authentication is left to middleware.
func LocalDeviceHandler(hub *Hub, sender Sender) http.HandlerFunc {
	upgrader := ws.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     sameHostOrigin,
	}

	return func(w http.ResponseWriter, r *http.Request) {
		// Accept GET only — the upgrader will handle the actual protocol switch.
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrader writes the error response itself.
			slog.Error("websocket.handler.upgrade_failed",
				"component", "websocket",
				"event", "handler.upgrade_error",
				"error", err,
			)
			return
		}

		dc := &deviceConn{
			hub:    hub,
			conn:   conn,
			send:   make(chan types.Message, sendBufferSize),
			remote: r.RemoteAddr,
		}

		if err := hub.register(dc); err != nil {
			conn.WriteMessage(ws.CloseMessage, ws.FormatCloseMessage(ws.CloseGoingAway, "shutting down")) //nolint:errcheck
			conn.Close()
			return
		}

		// writePump runs in a separate goroutine; readPump blocks until the
		// connection closes (and then detaches the device from the hub).
		go dc.writePump()
		dc.readPump(sender)
	}
}

// sameHostOrigin allows native clients (no Origin header) and pages served
// from the bridge's own host.
func sameHostOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}
