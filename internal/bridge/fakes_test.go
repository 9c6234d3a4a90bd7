package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/m0rjc/WatchBridge/internal/types"
	"github.com/stretchr/testify/require"
)

var (
	errRefused    = errors.New("connection refused")
	errConnClosed = errors.New("use of closed connection")
)

// eventLog records the order of observable side effects across fakes.
type eventLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *eventLog) add(entry string) {
	l.mu.Lock()
	l.entries = append(l.entries, entry)
	l.mu.Unlock()
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

func (l *eventLog) indexOf(entry string) int {
	for i, e := range l.snapshot() {
		if e == entry {
			return i
		}
	}
	return -1
}

func (l *eventLog) count(entry string) int {
	n := 0
	for _, e := range l.snapshot() {
		if e == entry {
			n++
		}
	}
	return n
}

// fakeConn is an in-memory PeerConn.
type fakeConn struct {
	dialer    *fakeDialer
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	readErr error
	written []string
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.closed:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.readErr != nil {
			return nil, c.readErr
		}
		return nil, errConnClosed
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	c.mu.Lock()
	c.written = append(c.written, string(data))
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.dialer.open.Add(-1)
	})
	return nil
}

// peerSends simulates the peer writing one frame.
func (c *fakeConn) peerSends(t *testing.T, frame string) {
	t.Helper()
	select {
	case c.inbound <- []byte(frame):
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out sending peer frame %q", frame)
	}
}

// kill simulates a mid-session transport error.
func (c *fakeConn) kill(err error) {
	c.mu.Lock()
	c.readErr = err
	c.mu.Unlock()
	_ = c.Close()
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) writes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.written...)
}

// fakeDialer hands out fakeConns, optionally failing or blocking first.
type fakeDialer struct {
	mu       sync.Mutex
	failures int
	block    chan struct{}
	conns    []*fakeConn

	attempts atomic.Int32
	open     atomic.Int32
	maxOpen  atomic.Int32
}

func (d *fakeDialer) Dial(ctx context.Context, _ types.Endpoint) (PeerConn, error) {
	d.attempts.Add(1)

	d.mu.Lock()
	block := d.block
	d.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failures > 0 {
		d.failures--
		return nil, errRefused
	}

	c := &fakeConn{dialer: d, inbound: make(chan []byte), closed: make(chan struct{})}
	d.conns = append(d.conns, c)
	n := d.open.Add(1)
	for {
		m := d.maxOpen.Load()
		if n <= m || d.maxOpen.CompareAndSwap(m, n) {
			break
		}
	}
	return c, nil
}

func (d *fakeDialer) failNext(n int) {
	d.mu.Lock()
	d.failures = n
	d.mu.Unlock()
}

func (d *fakeDialer) lastConn() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func (d *fakeDialer) unblock() {
	d.mu.Lock()
	if d.block != nil {
		close(d.block)
		d.block = nil
	}
	d.mu.Unlock()
}

// fakeSink records delivered messages.
type fakeSink struct {
	log *eventLog
	got chan types.Message

	mu  sync.Mutex
	err error
}

func newFakeSink(log *eventLog) *fakeSink {
	return &fakeSink{log: log, got: make(chan types.Message, 64)}
}

func (s *fakeSink) Deliver(_ context.Context, msg types.Message) error {
	s.mu.Lock()
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.log.add("deliver:" + msg.String())
	s.got <- msg
	return nil
}

func (s *fakeSink) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// next waits for the next delivered message.
func (s *fakeSink) next(t *testing.T) types.Message {
	t.Helper()
	select {
	case msg := <-s.got:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for local delivery")
		return types.Message{}
	}
}

// fakeClock replaces time.AfterFunc so retries fire only when a test says so.
type fakeClock struct {
	log *eventLog

	mu         sync.Mutex
	timers     []*fakeTimer
	maxPending int
}

type fakeTimer struct {
	delay   time.Duration
	f       func()
	fired   bool
	stopped bool
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) func() bool {
	c.mu.Lock()
	t := &fakeTimer{delay: d, f: f}
	c.timers = append(c.timers, t)
	if p := c.pendingLocked(); p > c.maxPending {
		c.maxPending = p
	}
	c.mu.Unlock()

	c.log.add(fmt.Sprintf("timer:%s", d))

	return func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if t.fired || t.stopped {
			return false
		}
		t.stopped = true
		return true
	}
}

func (c *fakeClock) pendingLocked() int {
	n := 0
	for _, t := range c.timers {
		if !t.fired && !t.stopped {
			n++
		}
	}
	return n
}

func (c *fakeClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingLocked()
}

func (c *fakeClock) scheduled() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

func (c *fakeClock) peak() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxPending
}

// fireNext runs the oldest pending timer.
func (c *fakeClock) fireNext(t *testing.T) *fakeTimer {
	t.Helper()
	c.mu.Lock()
	var next *fakeTimer
	for _, tm := range c.timers {
		if !tm.fired && !tm.stopped {
			next = tm
			break
		}
	}
	if next == nil {
		c.mu.Unlock()
		t.Fatal("no pending timer to fire")
		return nil
	}
	next.fired = true
	c.mu.Unlock()

	next.f()
	return next
}

// fakeGate denies the first deny calls to Acquire. revoke closes the channel
// handed out by the latest successful Acquire.
type fakeGate struct {
	mu       sync.Mutex
	deny     int
	acquired int
	released int
	lost     chan struct{}
}

func (g *fakeGate) Acquire(context.Context) (<-chan struct{}, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.deny > 0 {
		g.deny--
		return nil, fmt.Errorf("lease for test peer: %w", ErrLeaseHeld)
	}
	g.acquired++
	g.lost = make(chan struct{})
	return g.lost, nil
}

func (g *fakeGate) revoke() {
	g.mu.Lock()
	defer g.mu.Unlock()
	close(g.lost)
}

func (g *fakeGate) Release(context.Context) {
	g.mu.Lock()
	g.released++
	g.mu.Unlock()
}

func (g *fakeGate) counts() (acquired, released int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.acquired, g.released
}

type closedSession struct {
	generation uint64
	reason     string
	stats      SessionStats
}

type fakeRecorder struct {
	mu     sync.Mutex
	opened []uint64
	closed []closedSession
}

func (r *fakeRecorder) LinkOpened(_ types.Endpoint, generation uint64) {
	r.mu.Lock()
	r.opened = append(r.opened, generation)
	r.mu.Unlock()
}

func (r *fakeRecorder) LinkClosed(generation uint64, reason string, stats SessionStats) {
	r.mu.Lock()
	r.closed = append(r.closed, closedSession{generation, reason, stats})
	r.mu.Unlock()
}

func (r *fakeRecorder) sessions() ([]uint64, []closedSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.opened...), append([]closedSession(nil), r.closed...)
}

// harness wires a Bridge to fakes and runs it for the duration of a test.
type harness struct {
	bridge *Bridge
	dialer *fakeDialer
	sink   *fakeSink
	clock  *fakeClock
	log    *eventLog
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()

	endpoint, err := types.NewEndpoint("ws://host:3000/watch", "watch")
	require.NoError(t, err)

	log := &eventLog{}
	h := &harness{
		dialer: &fakeDialer{},
		sink:   newFakeSink(log),
		clock:  &fakeClock{log: log},
		log:    log,
	}
	opts = append(opts, func(b *Bridge) { b.afterFunc = h.clock.AfterFunc })
	h.bridge = New(endpoint, h.dialer, h.sink, opts...)
	return h
}

// start runs the bridge in a goroutine and stops it when the test ends.
func (h *harness) start(t *testing.T) {
	t.Helper()

	errCh := make(chan error, 1)
	go func() { errCh <- h.bridge.Run(context.Background()) }()

	t.Cleanup(func() {
		h.bridge.Stop()
		select {
		case err := <-errCh:
			if err != nil {
				t.Errorf("Run returned error: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Errorf("timed out waiting for Run to return")
		}
	})
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.bridge.State() == want },
		2*time.Second, 5*time.Millisecond, "waiting for state %s", want)
}

// waitConnected waits for the link and consumes the {"connected":true} notification.
func (h *harness) waitConnected(t *testing.T) *fakeConn {
	t.Helper()
	h.waitState(t, Connected)
	msg := h.sink.next(t)
	require.Equal(t, `{"connected":true}`, msg.String())

	conn := h.dialer.lastConn()
	require.NotNil(t, conn, "no connection dialled")
	require.False(t, conn.isClosed(), "latest connection already closed")
	return conn
}
