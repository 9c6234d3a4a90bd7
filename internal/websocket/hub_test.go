package websocket

import (
	"context"
	"testing"

	"github.com/m0rjc/WatchBridge/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDevice(hub *Hub, buf int) *deviceConn {
	return &deviceConn{hub: hub, send: make(chan types.Message, buf), remote: "127.0.0.1:50000"}
}

func mustMessage(t *testing.T, frame string) types.Message {
	t.Helper()
	msg, err := types.ParseMessage([]byte(frame))
	require.NoError(t, err)
	return msg
}

func TestRegisterUnregister(t *testing.T) {
	hub := NewHub()
	dc := newTestDevice(hub, 1)

	assert.False(t, hub.IsConnected(), "not connected before register")

	require.NoError(t, hub.register(dc))
	assert.True(t, hub.IsConnected(), "connected after register")

	hub.unregister(dc)
	assert.False(t, hub.IsConnected(), "not connected after unregister")

	_, ok := <-dc.send
	assert.False(t, ok, "send channel closed on unregister")
}

func TestRegisterReplaceKeepsMostRecentConnection(t *testing.T) {
	hub := NewHub()
	dcOld := newTestDevice(hub, 1)
	dcNew := newTestDevice(hub, 1)

	require.NoError(t, hub.register(dcOld))
	require.NoError(t, hub.register(dcNew))

	_, ok := <-dcOld.send
	assert.False(t, ok, "replaced device is told to close")

	// Stale unregister must not remove the newer connection.
	hub.unregister(dcOld)
	assert.True(t, hub.IsConnected(), "stale unregister must not disconnect the new connection")

	require.NoError(t, hub.Deliver(context.Background(), mustMessage(t, `{"cmd":"pong"}`)))
	assert.Equal(t, `{"cmd":"pong"}`, (<-dcNew.send).String())

	hub.unregister(dcNew)
	assert.False(t, hub.IsConnected())
}

func TestDeliverWithoutDevice(t *testing.T) {
	hub := NewHub()
	err := hub.Deliver(context.Background(), mustMessage(t, `{"cmd":"pong"}`))
	assert.ErrorIs(t, err, ErrNoLocalDevice)
}

func TestDeliverBufferFull(t *testing.T) {
	hub := NewHub()
	dc := newTestDevice(hub, 1)
	require.NoError(t, hub.register(dc))

	require.NoError(t, hub.Deliver(context.Background(), mustMessage(t, `{"n":1}`)))
	err := hub.Deliver(context.Background(), mustMessage(t, `{"n":2}`))
	assert.ErrorIs(t, err, ErrLocalBufferFull)

	assert.Equal(t, `{"n":1}`, (<-dc.send).String())
}

func TestRegisterReplaysLinkState(t *testing.T) {
	hub := NewHub()

	// Delivered while no device is attached: rejected, but remembered.
	err := hub.Deliver(context.Background(), types.LinkStateMessage(true))
	assert.ErrorIs(t, err, ErrNoLocalDevice)
	err = hub.Deliver(context.Background(), mustMessage(t, `{"cmd":"pong"}`))
	assert.ErrorIs(t, err, ErrNoLocalDevice)

	dc := newTestDevice(hub, 4)
	require.NoError(t, hub.register(dc))

	require.Len(t, dc.send, 1, "only the link state is replayed")
	assert.Equal(t, `{"connected":true}`, (<-dc.send).String())
}

func TestRegisterWithoutLinkStateQueuesNothing(t *testing.T) {
	hub := NewHub()
	dc := newTestDevice(hub, 4)
	require.NoError(t, hub.register(dc))
	assert.Len(t, dc.send, 0)
}

func TestCloseDisconnectsDevice(t *testing.T) {
	hub := NewHub()
	dc := newTestDevice(hub, 1)
	require.NoError(t, hub.register(dc))

	hub.Close()
	hub.Close()

	_, ok := <-dc.send
	assert.False(t, ok, "send channel closed on hub.Close()")
	assert.False(t, hub.IsConnected())

	// The read pump's unregister after Close must be harmless.
	hub.unregister(dc)

	assert.ErrorIs(t, hub.register(newTestDevice(hub, 1)), ErrHubClosed)
}
