package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/m0rjc/WatchBridge/internal/metrics"
	"github.com/m0rjc/WatchBridge/internal/types"
)

const (
	// DefaultRetryDelay is the fixed pause between a link failure and the next
	// connection attempt. There is no growth and no attempt limit.
	DefaultRetryDelay = time.Second

	eventQueueSize = 64
	deliverTimeout = 2 * time.Second
	releaseTimeout = 2 * time.Second
)

var (
	// ErrStopped is returned by Send after Stop, or once Run has returned.
	ErrStopped = errors.New("bridge stopped")

	// ErrAlreadyRunning is returned by a second call to Run.
	ErrAlreadyRunning = errors.New("bridge already running")

	// ErrNotConnected is returned by Send while there is no peer link.
	// The message is dropped, not queued.
	ErrNotConnected = errors.New("peer not connected")

	// ErrBusy is returned by Send when the event queue is full.
	ErrBusy = errors.New("bridge event queue full")

	// ErrLeaseHeld is returned by a Gate when another instance holds the link.
	ErrLeaseHeld = errors.New("peer link held by another instance")

	// ErrLeaseLost ends a live link whose Gate grant was revoked.
	ErrLeaseLost = errors.New("peer link lease lost")
)

// afterFunc schedules f after d and returns a function that cancels it.
// The cancel function reports whether the call was prevented.
type afterFunc func(d time.Duration, f func()) (stop func() bool)

func timeAfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithRetryDelay overrides DefaultRetryDelay.
func WithRetryDelay(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.retryDelay = d
		}
	}
}

// WithGate makes every connection attempt conditional on g.
func WithGate(g Gate) Option {
	return func(b *Bridge) {
		if g != nil {
			b.gate = g
		}
	}
}

// WithRecorder reports link sessions to r.
func WithRecorder(r Recorder) Option {
	return func(b *Bridge) {
		if r != nil {
			b.recorder = r
		}
	}
}

// Stats are cumulative counters over the lifetime of a Bridge.
type Stats struct {
	ConnectAttempts int64
	FramesIn        int64
	FramesOut       int64
	FramesDropped   int64
	FramesMalformed int64
}

// Bridge relays messages between one peer link and a local sink.
//
// All link state is owned by the goroutine running Run. Transport reads, dial
// results, retry timers and local sends reach it as events, so no two
// transitions ever run concurrently and at most one PeerConn is live at a time.
type Bridge struct {
	endpoint   types.Endpoint
	dialer     Dialer
	sink       Sink
	gate       Gate
	recorder   Recorder
	retryDelay time.Duration
	afterFunc  afterFunc

	events   chan any
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	running  atomic.Bool

	state atomic.Int32

	connectAttempts atomic.Int64
	framesIn        atomic.Int64
	framesOut       atomic.Int64
	framesDropped   atomic.Int64
	framesMalformed atomic.Int64

	// Owned by the Run goroutine.
	generation  uint64
	link        *link
	cancelRetry func() bool
	failures    int
	dials       sync.WaitGroup
	readers     sync.WaitGroup
}

// link is the single live connection and its session counters.
type link struct {
	generation  uint64
	conn        PeerConn
	connectedAt time.Time
	stats       SessionStats
	done        chan struct{}
}

func (l *link) close() {
	close(l.done)
	_ = l.conn.Close()
}

// Events delivered to the Run goroutine.
type (
	connectRequested struct{}
	retryFired       struct{}
	dialResult       struct {
		generation uint64
		conn       PeerConn
		lost       <-chan struct{}
		err        error
	}
	peerFrame struct {
		generation uint64
		data       []byte
	}
	linkLost struct {
		generation uint64
		err        error
	}
	localMessage struct {
		msg types.Message
	}
)

// New creates a Bridge for endpoint. Nothing happens until Run is called.
func New(endpoint types.Endpoint, dialer Dialer, sink Sink, opts ...Option) *Bridge {
	b := &Bridge{
		endpoint:   endpoint,
		dialer:     dialer,
		sink:       sink,
		gate:       openGate{},
		recorder:   nopRecorder{},
		retryDelay: DefaultRetryDelay,
		afterFunc:  timeAfterFunc,
		events:     make(chan any, eventQueueSize),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.setState(Disconnected)
	return b
}

// Endpoint returns the configured peer.
func (b *Bridge) Endpoint() types.Endpoint {
	return b.endpoint
}

// State returns the current link state.
func (b *Bridge) State() State {
	return State(b.state.Load())
}

// Stats returns a snapshot of the cumulative relay counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		ConnectAttempts: b.connectAttempts.Load(),
		FramesIn:        b.framesIn.Load(),
		FramesOut:       b.framesOut.Load(),
		FramesDropped:   b.framesDropped.Load(),
		FramesMalformed: b.framesMalformed.Load(),
	}
}

// Done is closed when Run returns.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// Stop cancels any pending retry and closes the live link. The bridge ends
// Disconnected and never reconnects. Safe to call multiple times, and before
// or after Run.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Connect requests a connection attempt. It is a no-op unless the link is
// Disconnected; a pending retry timer stays armed and will find the link busy.
func (b *Bridge) Connect() error {
	return b.enqueue(connectRequested{})
}

// Send relays a local-origin message to the peer. Messages sent while the
// link is down are dropped and ErrNotConnected is returned. Send never blocks.
func (b *Bridge) Send(msg types.Message) error {
	if msg.IsZero() {
		return fmt.Errorf("%w: empty message", types.ErrMalformedPayload)
	}
	if b.State() != Connected {
		select {
		case <-b.stopCh:
			return ErrStopped
		default:
		}
		b.countLocalDrop("not_connected")
		return ErrNotConnected
	}
	if err := b.enqueue(localMessage{msg: msg}); err != nil {
		if errors.Is(err, ErrBusy) {
			b.countLocalDrop("busy")
		}
		return err
	}
	return nil
}

func (b *Bridge) enqueue(ev any) error {
	select {
	case <-b.stopCh:
		return ErrStopped
	default:
	}
	select {
	case b.events <- ev:
		return nil
	default:
		return ErrBusy
	}
}

// post hands an event from a helper goroutine to the loop. It returns false
// if the loop has shut down.
func (b *Bridge) post(ctx context.Context, ev any) bool {
	select {
	case b.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// Run drives the bridge until Stop is called or ctx is cancelled. It starts
// with a connection attempt and keeps reconnecting after every failure.
func (b *Bridge) Run(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(b.done)
	defer b.Stop()

	select {
	case <-b.stopCh:
		return nil
	default:
	}

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	slog.Info("bridge.started",
		"component", "bridge",
		"event", "bridge.started",
		"peer", b.endpoint.String(),
		"subprotocol", b.endpoint.Subprotocol(),
		"retry_delay", b.retryDelay,
	)

	b.connect(loopCtx)

	for {
		select {
		case <-loopCtx.Done():
			b.shutdown("context cancelled")
			cancel()
			b.drain()
			return nil
		case <-b.stopCh:
			b.shutdown("stopped")
			cancel()
			b.drain()
			return nil
		case ev := <-b.events:
			b.handle(loopCtx, ev)
		}
	}
}

func (b *Bridge) handle(ctx context.Context, ev any) {
	switch ev := ev.(type) {
	case connectRequested:
		b.connect(ctx)
	case retryFired:
		b.onRetryFired(ctx)
	case dialResult:
		b.onDialResult(ctx, ev)
	case peerFrame:
		b.onPeerMessage(ctx, ev)
	case linkLost:
		b.onLinkLost(ctx, ev)
	case localMessage:
		b.onLocalMessage(ev.msg)
	}
}

func (b *Bridge) setState(s State) {
	b.state.Store(int32(s))
	metrics.LinkState.Set(float64(s))
}

// connect starts a dial unless a link already exists or is being established.
func (b *Bridge) connect(ctx context.Context) {
	if s := b.State(); s != Disconnected {
		slog.Debug("bridge.link.connect_ignored",
			"component", "bridge",
			"event", "link.connect_ignored",
			"state", s.String(),
		)
		return
	}

	b.generation++
	b.setState(Connecting)
	b.connectAttempts.Add(1)
	metrics.ConnectAttempts.Inc()

	slog.Debug("bridge.link.connecting",
		"component", "bridge",
		"event", "link.connecting",
		"peer", b.endpoint.String(),
		"generation", b.generation,
	)

	b.dials.Add(1)
	go b.dial(ctx, b.generation)
}

// dial runs in its own goroutine so that a slow handshake never stalls the loop.
func (b *Bridge) dial(ctx context.Context, generation uint64) {
	defer b.dials.Done()

	lost, err := b.gate.Acquire(ctx)
	if err != nil {
		b.post(ctx, dialResult{generation: generation, err: err})
		return
	}

	conn, err := b.dialer.Dial(ctx, b.endpoint)
	if err != nil {
		b.releaseGate()
		b.post(ctx, dialResult{generation: generation, err: err})
		return
	}

	if !b.post(ctx, dialResult{generation: generation, conn: conn, lost: lost}) {
		_ = conn.Close()
		b.releaseGate()
	}
}

func (b *Bridge) onDialResult(ctx context.Context, r dialResult) {
	if r.generation != b.generation || b.State() != Connecting {
		if r.conn != nil {
			_ = r.conn.Close()
			b.releaseGate()
		}
		return
	}
	if r.err != nil {
		b.onConnectFailure(ctx, r.err)
		return
	}
	b.onConnected(ctx, r.conn, r.lost)
}

func (b *Bridge) onConnectFailure(ctx context.Context, err error) {
	b.setState(Disconnected)
	b.failures++

	reason := "dial"
	if errors.Is(err, ErrLeaseHeld) {
		reason = "lease"
	}
	metrics.ConnectFailures.WithLabelValues(reason).Inc()

	// The first failure in a run is worth a warning; the rest repeat every
	// retry delay and only show at debug level.
	level := slog.LevelWarn
	if b.failures > 1 {
		level = slog.LevelDebug
	}
	slog.Log(ctx, level, "bridge.link.connect_failed",
		"component", "bridge",
		"event", "link.connect_failed",
		"peer", b.endpoint.String(),
		"generation", b.generation,
		"consecutive_failures", b.failures,
		"reason", reason,
		"error", err,
	)

	b.scheduleRetry(ctx)
}

func (b *Bridge) onConnected(ctx context.Context, conn PeerConn, lost <-chan struct{}) {
	b.link = &link{
		generation:  b.generation,
		conn:        conn,
		connectedAt: time.Now(),
		done:        make(chan struct{}),
	}
	b.setState(Connected)

	slog.Info("bridge.link.connected",
		"component", "bridge",
		"event", "link.connected",
		"peer", b.endpoint.String(),
		"generation", b.generation,
		"after_failures", b.failures,
	)
	b.failures = 0

	b.recorder.LinkOpened(b.endpoint, b.generation)

	b.readers.Add(1)
	go b.readPump(ctx, b.generation, conn)

	if lost != nil {
		b.readers.Add(1)
		go b.watchGate(ctx, b.generation, lost, b.link.done)
	}

	b.notifyLinkState(ctx, true)
}

// readPump forwards every frame from conn to the loop, tagged with the
// generation it belongs to. It exits on the first read error.
func (b *Bridge) readPump(ctx context.Context, generation uint64, conn PeerConn) {
	defer b.readers.Done()

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			b.post(ctx, linkLost{generation: generation, err: err})
			return
		}
		if !b.post(ctx, peerFrame{generation: generation, data: data}) {
			return
		}
	}
}

// watchGate ends the link if the gate revokes its grant while connected.
func (b *Bridge) watchGate(ctx context.Context, generation uint64, lost, done <-chan struct{}) {
	defer b.readers.Done()

	select {
	case <-lost:
		b.post(ctx, linkLost{generation: generation, err: ErrLeaseLost})
	case <-done:
	case <-ctx.Done():
	}
}

// onPeerMessage relays one peer frame to the local sink. A malformed frame is
// discarded without touching the link.
func (b *Bridge) onPeerMessage(ctx context.Context, f peerFrame) {
	if b.link == nil || f.generation != b.link.generation {
		return
	}

	msg, err := types.ParseMessage(f.data)
	if err != nil {
		b.link.stats.FramesMalformed++
		b.framesMalformed.Add(1)
		metrics.FramesMalformed.WithLabelValues(metrics.SourcePeer).Inc()
		slog.Warn("bridge.relay.malformed_peer_frame",
			"component", "bridge",
			"event", "relay.malformed",
			"generation", f.generation,
			"bytes", len(f.data),
			"error", err,
		)
		return
	}

	b.link.stats.FramesIn++
	b.framesIn.Add(1)
	metrics.FramesRelayed.WithLabelValues(metrics.DirectionPeerToLocal).Inc()
	metrics.FrameSize.WithLabelValues(metrics.DirectionPeerToLocal).Observe(float64(len(f.data)))

	slog.Debug("bridge.relay.peer_to_local",
		"component", "bridge",
		"event", "relay.inbound",
		"generation", f.generation,
		"bytes", len(f.data),
	)

	if err := b.deliverLocal(ctx, msg); err != nil {
		b.link.stats.FramesDropped++
		b.framesDropped.Add(1)
		metrics.FramesDropped.WithLabelValues(metrics.DirectionPeerToLocal, "delivery_failed").Inc()
		slog.Warn("bridge.relay.local_delivery_failed",
			"component", "bridge",
			"event", "relay.delivery_error",
			"generation", f.generation,
			"bytes", len(msg.Bytes()),
			"error", err,
		)
	}
}

// onLocalMessage writes a local-origin message to the live link, or drops it.
func (b *Bridge) onLocalMessage(msg types.Message) {
	if b.link == nil {
		b.countLocalDrop("not_connected")
		return
	}

	if err := b.link.conn.WriteMessage(msg.Bytes()); err != nil {
		b.link.stats.FramesDropped++
		b.countLocalDrop("write_failed")
		slog.Warn("bridge.relay.write_failed",
			"component", "bridge",
			"event", "relay.write_error",
			"generation", b.link.generation,
			"bytes", len(msg.Bytes()),
			"error", err,
		)
		return
	}

	b.link.stats.FramesOut++
	b.framesOut.Add(1)
	metrics.FramesRelayed.WithLabelValues(metrics.DirectionLocalToPeer).Inc()
	metrics.FrameSize.WithLabelValues(metrics.DirectionLocalToPeer).Observe(float64(len(msg.Bytes())))

	slog.Debug("bridge.relay.local_to_peer",
		"component", "bridge",
		"event", "relay.outbound",
		"generation", b.link.generation,
		"bytes", len(msg.Bytes()),
	)
}

// onLinkLost handles both a clean close and a transport error. Events from a
// connection that is no longer current are ignored, so a link is only torn
// down once however many of its goroutines report the failure.
func (b *Bridge) onLinkLost(ctx context.Context, ev linkLost) {
	if b.link == nil || ev.generation != b.link.generation {
		return
	}

	l := b.link
	b.link = nil
	l.close()
	b.setState(Disconnected)
	metrics.LinkDrops.Inc()

	reason := "closed"
	if ev.err != nil {
		reason = ev.err.Error()
	}

	slog.Warn("bridge.link.lost",
		"component", "bridge",
		"event", "link.lost",
		"peer", b.endpoint.String(),
		"generation", l.generation,
		"connected_for", time.Since(l.connectedAt).Round(time.Millisecond),
		"error", ev.err,
	)

	b.recorder.LinkClosed(l.generation, reason, l.stats)
	b.releaseGate()

	b.notifyLinkState(ctx, false)
	b.scheduleRetry(ctx)
}

// scheduleRetry arms the retry timer unless one is already pending.
func (b *Bridge) scheduleRetry(ctx context.Context) {
	if b.cancelRetry != nil {
		return
	}
	select {
	case <-b.stopCh:
		return
	default:
	}

	b.cancelRetry = b.afterFunc(b.retryDelay, func() {
		b.post(ctx, retryFired{})
	})

	slog.Debug("bridge.link.retry_scheduled",
		"component", "bridge",
		"event", "link.retry_scheduled",
		"delay", b.retryDelay,
	)
}

func (b *Bridge) onRetryFired(ctx context.Context) {
	b.cancelRetry = nil
	b.connect(ctx)
}

// deliverLocal hands msg to the sink. A rejected message never affects the link.
func (b *Bridge) deliverLocal(ctx context.Context, msg types.Message) error {
	dctx, cancel := context.WithTimeout(ctx, deliverTimeout)
	defer cancel()
	return b.sink.Deliver(dctx, msg)
}

// notifyLinkState tells the local side the link went up or down. These are
// not relayed frames, so a failure is not counted as a drop.
func (b *Bridge) notifyLinkState(ctx context.Context, connected bool) {
	if err := b.deliverLocal(ctx, types.LinkStateMessage(connected)); err != nil {
		metrics.LinkStateUndelivered.Inc()
		slog.Debug("bridge.link.state_undelivered",
			"component", "bridge",
			"event", "link.state_undelivered",
			"connected", connected,
			"error", err,
		)
	}
}

func (b *Bridge) countLocalDrop(reason string) {
	b.framesDropped.Add(1)
	metrics.FramesDropped.WithLabelValues(metrics.DirectionLocalToPeer, reason).Inc()
	slog.Debug("bridge.relay.local_dropped",
		"component", "bridge",
		"event", "relay.dropped",
		"reason", reason,
	)
}

func (b *Bridge) releaseGate() {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	b.gate.Release(ctx)
}

// shutdown leaves the bridge Disconnected with no timer armed. No link-state
// notification is sent for a deliberate stop.
func (b *Bridge) shutdown(reason string) {
	if b.cancelRetry != nil {
		b.cancelRetry()
		b.cancelRetry = nil
	}

	if l := b.link; l != nil {
		b.link = nil
		l.close()
		b.recorder.LinkClosed(l.generation, reason, l.stats)
		b.releaseGate()
	}
	b.setState(Disconnected)

	slog.Info("bridge.stopped",
		"component", "bridge",
		"event", "bridge.stopped",
		"reason", reason,
	)
}

// drain waits for helper goroutines, which exit once the loop context is
// cancelled, and closes any connection that was dialled but never adopted.
func (b *Bridge) drain() {
	b.dials.Wait()
	b.readers.Wait()
	for {
		select {
		case ev := <-b.events:
			if r, ok := ev.(dialResult); ok && r.conn != nil {
				_ = r.conn.Close()
				b.releaseGate()
			}
		default:
			return
		}
	}
}
