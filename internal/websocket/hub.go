package websocket

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/m0rjc/WatchBridge/internal/metrics"
	"github.com/m0rjc/WatchBridge/internal/types"
)

const (
	pingInterval   = 30 * time.Second
	pongTimeout    = 60 * time.Second
	writeTimeout   = 10 * time.Second
	readLimit      = 16 * 1024
	sendBufferSize = 32
)

var (
	// ErrNoLocalDevice is returned by Deliver when no device is attached.
	ErrNoLocalDevice = errors.New("no local device connected")

	// ErrLocalBufferFull is returned by Deliver when the device is not
	// draining its send buffer.
	ErrLocalBufferFull = errors.New("local device send buffer full")

	// ErrHubClosed is returned when registering after Close.
	ErrHubClosed = errors.New("hub closed")
)

// Sender accepts local-origin messages bound for the peer.
// *bridge.Bridge satisfies it.
type Sender interface {
	Send(msg types.Message) error
}

// deviceConn holds the local device's WebSocket connection state.
type deviceConn struct {
	hub    *Hub
	conn   *ws.Conn
	send   chan types.Message
	remote string
}

// Hub holds the single local device attached over WebSocket and is the
// bridge's Sink in websocket mode. A newly attached device replaces the
// previous one.
type Hub struct {
	mu        sync.Mutex
	device    *deviceConn
	linkState types.Message // last {"connected":...} seen, replayed on attach
	closed    bool
}

func NewHub() *Hub {
	return &Hub{}
}

// Deliver queues msg for the attached device without blocking.
func (h *Hub) Deliver(_ context.Context, msg types.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := msg.LinkState(); ok {
		h.linkState = msg
	}

	if h.device == nil {
		return ErrNoLocalDevice
	}
	select {
	case h.device.send <- msg:
		return nil
	default:
		return ErrLocalBufferFull
	}
}

// IsConnected reports whether a device is currently attached.
func (h *Hub) IsConnected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.device != nil
}

// register attaches dc, closing out any previous device. The last link-state
// notification is queued for the new device so it starts with the right flag.
func (h *Hub) register(dc *deviceConn) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHubClosed
	}

	replaced := h.device
	h.device = dc
	if replaced != nil {
		close(replaced.send)
	}
	if !h.linkState.IsZero() {
		dc.send <- h.linkState
	}
	h.mu.Unlock()

	metrics.LocalDeviceConnected.Set(1)
	slog.Info("websocket.hub.device_registered",
		"component", "websocket",
		"event", "hub.register",
		"remote_addr", dc.remote,
		"replaced", replaced != nil,
	)
	return nil
}

// unregister detaches dc. It is connection-aware so a replaced device
// cannot detach its successor.
func (h *Hub) unregister(dc *deviceConn) {
	h.mu.Lock()
	if h.device != dc {
		h.mu.Unlock()
		return
	}
	h.device = nil
	close(dc.send)
	h.mu.Unlock()

	metrics.LocalDeviceConnected.Set(0)
	slog.Info("websocket.hub.device_unregistered",
		"component", "websocket",
		"event", "hub.unregister",
		"remote_addr", dc.remote,
	)
}

// Close detaches the current device and refuses new ones. Safe to call
// multiple times.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	if h.device != nil {
		close(h.device.send)
		h.device = nil
		metrics.LocalDeviceConnected.Set(0)
	}
}

// writePump runs in a goroutine per device. It writes queued messages and
// sends periodic pings; a closed send channel ends the connection.
func (dc *deviceConn) writePump() {
	pingTicker := time.NewTicker(pingInterval)
	defer func() {
		pingTicker.Stop()
		dc.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-dc.send:
			dc.conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
			if !ok {
				dc.conn.WriteMessage(ws.CloseMessage, ws.FormatCloseMessage(ws.CloseNormalClosure, "")) //nolint:errcheck
				return
			}
			if err := dc.conn.WriteMessage(ws.TextMessage, msg.Bytes()); err != nil {
				return
			}

		case <-pingTicker.C:
			dc.conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
			if err := dc.conn.WriteMessage(ws.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump runs in the handler goroutine and hands every valid frame to
// sender. When it returns the device is unregistered.
func (dc *deviceConn) readPump(sender Sender) {
	defer func() {
		dc.hub.unregister(dc)
		dc.conn.Close()
	}()

	dc.conn.SetReadLimit(readLimit)
	dc.conn.SetReadDeadline(time.Now().Add(pongTimeout)) //nolint:errcheck
	dc.conn.SetPongHandler(func(string) error {
		return dc.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		_, data, err := dc.conn.ReadMessage()
		if err != nil {
			if ws.IsUnexpectedCloseError(err, ws.CloseGoingAway, ws.CloseAbnormalClosure, ws.CloseNormalClosure) {
				slog.Warn("websocket.device.unexpected_close",
					"component", "websocket",
					"event", "device.read_error",
					"remote_addr", dc.remote,
					"error", err,
				)
			}
			return
		}
		dc.conn.SetReadDeadline(time.Now().Add(pongTimeout)) //nolint:errcheck

		msg, err := types.ParseMessage(data)
		if err != nil {
			metrics.FramesMalformed.WithLabelValues(metrics.SourceLocalDevice).Inc()
			slog.Warn("websocket.device.malformed_frame",
				"component", "websocket",
				"event", "device.decode_error",
				"remote_addr", dc.remote,
				"bytes", len(data),
				"error", err,
			)
			continue
		}

		if err := sender.Send(msg); err != nil {
			slog.Debug("websocket.device.send_dropped",
				"component", "websocket",
				"event", "device.send_dropped",
				"remote_addr", dc.remote,
				"error", err,
			)
		}
	}
}
