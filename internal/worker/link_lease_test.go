package worker

import (
	"context"
	"testing"
	"time"

	"github.com/m0rjc/WatchBridge/internal/bridge"
	"github.com/m0rjc/WatchBridge/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEndpoint(t *testing.T) types.Endpoint {
	t.Helper()
	ep, err := types.NewEndpoint("ws://peer.local:3000/watch", "")
	require.NoError(t, err)
	return ep
}

const leaseKey = "test:watchbridge:link:peer.local:3000/watch"

func TestLinkLease_OneHolderPerPeer(t *testing.T) {
	rc, mr := setupTestRedis(t)
	ctx := context.Background()

	first := NewLinkLease(rc, testEndpoint(t), "instance-1", time.Minute)
	second := NewLinkLease(rc, testEndpoint(t), "instance-2", time.Minute)

	_, err := first.Acquire(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { first.Release(ctx) })

	owner, err := mr.Get(leaseKey)
	require.NoError(t, err)
	assert.Equal(t, "instance-1", owner)

	_, err = second.Acquire(ctx)
	assert.ErrorIs(t, err, bridge.ErrLeaseHeld)

	first.Release(ctx)
	assert.False(t, mr.Exists(leaseKey))

	_, err = second.Acquire(ctx)
	require.NoError(t, err)
	second.Release(ctx)
}

func TestLinkLease_ReleaseByNonOwnerKeepsLease(t *testing.T) {
	rc, mr := setupTestRedis(t)
	ctx := context.Background()

	holder := NewLinkLease(rc, testEndpoint(t), "instance-1", time.Minute)
	other := NewLinkLease(rc, testEndpoint(t), "instance-2", time.Minute)

	_, err := holder.Acquire(ctx)
	require.NoError(t, err)
	defer holder.Release(ctx)

	other.Release(ctx)
	assert.True(t, mr.Exists(leaseKey))
}

func TestLinkLease_RenewsWhileHeld(t *testing.T) {
	rc, mr := setupTestRedis(t)
	ctx := context.Background()

	lease := NewLinkLease(rc, testEndpoint(t), "instance-1", 300*time.Millisecond)
	lost, err := lease.Acquire(ctx)
	require.NoError(t, err)
	defer lease.Release(ctx)

	// miniredis TTLs only move on FastForward, so shorten it by hand and
	// wait for the renewal to restore it.
	mr.SetTTL(leaseKey, time.Millisecond)
	require.Eventually(t, func() bool {
		return mr.TTL(leaseKey) == 300*time.Millisecond
	}, 2*time.Second, 10*time.Millisecond, "lease renewed")

	select {
	case <-lost:
		t.Fatal("lease reported lost while renewing")
	default:
	}
}

func TestLinkLease_StopsRenewingAfterRelease(t *testing.T) {
	rc, mr := setupTestRedis(t)
	ctx := context.Background()

	lease := NewLinkLease(rc, testEndpoint(t), "instance-1", 150*time.Millisecond)
	_, err := lease.Acquire(ctx)
	require.NoError(t, err)
	lease.Release(ctx)

	// Another instance takes over; the released lease must not touch it.
	other := NewLinkLease(rc, testEndpoint(t), "instance-2", time.Minute)
	_, err = other.Acquire(ctx)
	require.NoError(t, err)
	defer other.Release(ctx)

	time.Sleep(200 * time.Millisecond)
	owner, err := mr.Get(leaseKey)
	require.NoError(t, err)
	assert.Equal(t, "instance-2", owner)
	assert.Equal(t, time.Minute, mr.TTL(leaseKey))
}

func TestLinkLease_GatesBridgeConnect(t *testing.T) {
	rc, _ := setupTestRedis(t)
	ctx := context.Background()

	holder := NewLinkLease(rc, testEndpoint(t), "instance-1", time.Minute)
	_, err := holder.Acquire(ctx)
	require.NoError(t, err)
	defer holder.Release(ctx)

	var gate bridge.Gate = NewLinkLease(rc, testEndpoint(t), "", time.Minute)
	_, err = gate.Acquire(ctx)
	assert.ErrorIs(t, err, bridge.ErrLeaseHeld)
}

func TestLinkLease_SignalsLossToNewOwner(t *testing.T) {
	rc, mr := setupTestRedis(t)
	ctx := context.Background()

	lease := NewLinkLease(rc, testEndpoint(t), "instance-1", 150*time.Millisecond)
	lost, err := lease.Acquire(ctx)
	require.NoError(t, err)
	require.NotNil(t, lost)
	defer lease.Release(ctx)

	// The key expires during a stall and another instance takes the peer.
	mr.Del(leaseKey)
	other := NewLinkLease(rc, testEndpoint(t), "instance-2", time.Minute)
	_, err = other.Acquire(ctx)
	require.NoError(t, err)
	defer other.Release(ctx)

	select {
	case <-lost:
	case <-time.After(2 * time.Second):
		t.Fatal("lease loss was not signalled")
	}

	owner, err := mr.Get(leaseKey)
	require.NoError(t, err)
	assert.Equal(t, "instance-2", owner, "the new owner keeps the lease")
}

func TestLinkLease_SignalsLossWhenRedisIsGone(t *testing.T) {
	rc, mr := setupTestRedis(t)
	ctx := context.Background()

	lease := NewLinkLease(rc, testEndpoint(t), "instance-1", 150*time.Millisecond)
	lost, err := lease.Acquire(ctx)
	require.NoError(t, err)

	mr.Close()

	select {
	case <-lost:
	case <-time.After(2 * time.Second):
		t.Fatal("lease loss was not signalled after a TTL without renewal")
	}
	lease.Release(ctx)
}

func TestDefaultInstanceID(t *testing.T) {
	assert.NotEmpty(t, DefaultInstanceID())
}
