package linksession

import (
	"log/slog"
	"sync"
	"time"

	"github.com/m0rjc/WatchBridge/internal/bridge"
	"github.com/m0rjc/WatchBridge/internal/db"
	"github.com/m0rjc/WatchBridge/internal/types"
)

const recorderQueueSize = 32

type recordOp struct {
	opened     bool
	at         time.Time
	generation uint64
	endpoint   types.Endpoint
	reason     string
	stats      bridge.SessionStats
}

// Recorder writes link sessions to the database. It implements
// bridge.Recorder: callbacks only enqueue, and a single goroutine does the
// writes so the bridge loop never waits on the database. When the queue is
// full the record is dropped and logged.
type Recorder struct {
	conns      *db.Connections
	instanceID string

	ops chan recordOp
	wg  sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	// Owned by the run goroutine.
	ids map[uint64]uint
}

// NewRecorder starts a recorder for sessions held by instanceID. Sessions
// this instance id left open are closed first.
func NewRecorder(conns *db.Connections, instanceID string) *Recorder {
	if n, err := CloseOpenForInstance(conns, instanceID, time.Now(), "abandoned"); err != nil {
		slog.Warn("db.linksession.close_abandoned_failed",
			"component", "linksession",
			"event", "recorder.startup_error",
			"error", err,
		)
	} else if n > 0 {
		slog.Info("db.linksession.closed_abandoned",
			"component", "linksession",
			"event", "recorder.startup",
			"count", n,
		)
	}

	r := &Recorder{
		conns:      conns,
		instanceID: instanceID,
		ops:        make(chan recordOp, recorderQueueSize),
		ids:        make(map[uint64]uint),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

func (r *Recorder) LinkOpened(endpoint types.Endpoint, generation uint64) {
	r.enqueue(recordOp{opened: true, at: time.Now(), generation: generation, endpoint: endpoint})
}

func (r *Recorder) LinkClosed(generation uint64, reason string, stats bridge.SessionStats) {
	r.enqueue(recordOp{at: time.Now(), generation: generation, reason: reason, stats: stats})
}

// Close writes any queued records and stops the recorder. Sessions still
// open afterwards, such as one whose close record was dropped, are closed
// with reason "shutdown". Safe to call multiple times; callbacks after Close
// are ignored.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.ops)
	r.mu.Unlock()

	r.wg.Wait()

	if n, err := CloseOpenForInstance(r.conns, r.instanceID, time.Now(), "shutdown"); err != nil {
		slog.Warn("db.linksession.close_open_failed",
			"component", "linksession",
			"event", "recorder.shutdown_error",
			"error", err,
		)
	} else if n > 0 {
		slog.Info("db.linksession.closed_open",
			"component", "linksession",
			"event", "recorder.shutdown",
			"count", n,
		)
	}
}

func (r *Recorder) enqueue(op recordOp) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.ops <- op:
	default:
		slog.Warn("db.linksession.queue_full",
			"component", "linksession",
			"event", "recorder.drop",
			"generation", op.generation,
			"opened", op.opened,
		)
	}
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for op := range r.ops {
		if op.opened {
			r.recordOpened(op)
		} else {
			r.recordClosed(op)
		}
	}
}

func (r *Recorder) recordOpened(op recordOp) {
	session := &db.LinkSession{
		PeerURI:     op.endpoint.String(),
		Subprotocol: op.endpoint.Subprotocol(),
		InstanceID:  r.instanceID,
		Generation:  op.generation,
		ConnectedAt: op.at,
	}
	if err := Create(r.conns, session); err != nil {
		slog.Error("db.linksession.create_failed",
			"component", "linksession",
			"event", "recorder.write_error",
			"generation", op.generation,
			"error", err,
		)
		return
	}
	r.ids[op.generation] = session.ID
}

func (r *Recorder) recordClosed(op recordOp) {
	id, ok := r.ids[op.generation]
	if !ok {
		// The open record was dropped or failed; nothing to close.
		return
	}
	delete(r.ids, op.generation)

	counters := Counters{
		FramesIn:        op.stats.FramesIn,
		FramesOut:       op.stats.FramesOut,
		FramesDropped:   op.stats.FramesDropped,
		FramesMalformed: op.stats.FramesMalformed,
	}
	if err := MarkClosed(r.conns, id, op.at, op.reason, counters); err != nil {
		slog.Error("db.linksession.close_failed",
			"component", "linksession",
			"event", "recorder.write_error",
			"generation", op.generation,
			"session_id", id,
			"error", err,
		)
	}
}
