package bridge

import (
	"context"

	"github.com/m0rjc/WatchBridge/internal/types"
)

// Dialer opens a transport to the peer.
type Dialer interface {
	Dial(ctx context.Context, endpoint types.Endpoint) (PeerConn, error)
}

// PeerConn is one live transport to the peer.
type PeerConn interface {
	// ReadMessage blocks until the next frame arrives or the connection fails.
	ReadMessage() ([]byte, error)

	// WriteMessage queues one text frame for the peer. It must not block for
	// long; implementations buffer and report a full buffer as an error.
	WriteMessage(data []byte) error

	// Close tears the connection down and unblocks ReadMessage. Safe to call
	// more than once.
	Close() error
}

// Sink receives messages bound for the local side.
// Deliver is called from the bridge's event loop and should return promptly.
type Sink interface {
	Deliver(ctx context.Context, msg types.Message) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, msg types.Message) error

func (f SinkFunc) Deliver(ctx context.Context, msg types.Message) error {
	return f(ctx, msg)
}

// Gate decides whether this process may hold the peer link. Acquire is called
// before every connection attempt and Release after the attempt fails or the
// link is torn down.
//
// The channel returned by Acquire is closed if the grant is lost while held,
// which ends the link. A nil channel means the grant cannot be lost.
type Gate interface {
	Acquire(ctx context.Context) (lost <-chan struct{}, err error)
	Release(ctx context.Context)
}

// Recorder observes link sessions for auditing. Implementations must not block.
type Recorder interface {
	LinkOpened(endpoint types.Endpoint, generation uint64)
	LinkClosed(generation uint64, reason string, stats SessionStats)
}

// SessionStats are the relay counters of a single link session.
type SessionStats struct {
	FramesIn        int64
	FramesOut       int64
	FramesDropped   int64
	FramesMalformed int64
}

type openGate struct{}

func (openGate) Acquire(context.Context) (<-chan struct{}, error) { return nil, nil }
func (openGate) Release(context.Context)                          {}

type nopRecorder struct{}

func (nopRecorder) LinkOpened(types.Endpoint, uint64)       {}
func (nopRecorder) LinkClosed(uint64, string, SessionStats) {}
