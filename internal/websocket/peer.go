package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/m0rjc/WatchBridge/internal/bridge"
	"github.com/m0rjc/WatchBridge/internal/types"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultPeerReadLimit    = 64 * 1024

	peerSendBufferSize = 64
)

var (
	// ErrPeerClosed is returned by WriteMessage after the connection is closed.
	ErrPeerClosed = errors.New("peer connection closed")

	// ErrPeerBufferFull is returned by WriteMessage when the peer is not
	// draining frames fast enough.
	ErrPeerBufferFull = errors.New("peer send buffer full")
)

// PeerDialer opens WebSocket connections to the remote peer. The zero value
// is not usable; use NewPeerDialer.
type PeerDialer struct {
	HandshakeTimeout time.Duration
	ReadLimit        int64
	PingInterval     time.Duration
	PongTimeout      time.Duration
	WriteTimeout     time.Duration
}

// NewPeerDialer returns a dialer with the package defaults. A non-positive
// handshakeTimeout selects DefaultHandshakeTimeout.
func NewPeerDialer(handshakeTimeout time.Duration) *PeerDialer {
	if handshakeTimeout <= 0 {
		handshakeTimeout = DefaultHandshakeTimeout
	}
	return &PeerDialer{
		HandshakeTimeout: handshakeTimeout,
		ReadLimit:        DefaultPeerReadLimit,
		PingInterval:     pingInterval,
		PongTimeout:      pongTimeout,
		WriteTimeout:     writeTimeout,
	}
}

// Dial performs the WebSocket handshake, offering the endpoint's subprotocol.
func (d *PeerDialer) Dial(ctx context.Context, endpoint types.Endpoint) (bridge.PeerConn, error) {
	dialer := ws.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
		Subprotocols:     []string{endpoint.Subprotocol()},
	}

	conn, resp, err := dialer.DialContext(ctx, endpoint.URI(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: handshake status %d: %w", endpoint, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}

	if got := conn.Subprotocol(); got != endpoint.Subprotocol() {
		// Browsers accept a server that selects no subprotocol, so we do too.
		slog.Debug("websocket.peer.subprotocol_not_selected",
			"component", "websocket",
			"event", "peer.subprotocol",
			"offered", endpoint.Subprotocol(),
			"selected", got,
		)
	}

	return newPeerConn(conn, d), nil
}

// peerConn adapts a gorilla connection to bridge.PeerConn. Writes go through
// a buffered channel drained by writePump, which also sends keepalive pings.
type peerConn struct {
	conn *ws.Conn
	opts *PeerDialer

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newPeerConn(conn *ws.Conn, opts *PeerDialer) *peerConn {
	c := &peerConn{
		conn: conn,
		opts: opts,
		send: make(chan []byte, peerSendBufferSize),
		done: make(chan struct{}),
	}

	conn.SetReadLimit(opts.ReadLimit)
	conn.SetReadDeadline(time.Now().Add(opts.PongTimeout)) //nolint:errcheck
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(opts.PongTimeout))
	})

	go c.writePump()
	return c
}

// ReadMessage returns the next data frame. Any frame type other than text or
// binary is handled by gorilla and never surfaces here.
func (c *peerConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	c.conn.SetReadDeadline(time.Now().Add(c.opts.PongTimeout)) //nolint:errcheck
	return data, nil
}

func (c *peerConn) WriteMessage(data []byte) error {
	select {
	case <-c.done:
		return ErrPeerClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrPeerBufferFull
	}
}

// Close sends a normal closure frame and closes the socket, which unblocks a
// pending ReadMessage.
func (c *peerConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := time.Now().Add(c.opts.WriteTimeout)
		_ = c.conn.WriteControl(ws.CloseMessage, ws.FormatCloseMessage(ws.CloseNormalClosure, ""), deadline)
		err = c.conn.Close()
	})
	return err
}

func (c *peerConn) writePump() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return

		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)) //nolint:errcheck
			if err := c.conn.WriteMessage(ws.TextMessage, data); err != nil {
				slog.Debug("websocket.peer.write_failed",
					"component", "websocket",
					"event", "peer.write_error",
					"error", err,
				)
				// The reader sees the closed socket and reports the loss.
				_ = c.Close()
				return
			}

		case <-ticker.C:
			if err := c.conn.WriteControl(ws.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout)); err != nil {
				_ = c.Close()
				return
			}
		}
	}
}
