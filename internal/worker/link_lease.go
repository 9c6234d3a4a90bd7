package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/m0rjc/WatchBridge/internal/bridge"
	"github.com/m0rjc/WatchBridge/internal/db"
	"github.com/m0rjc/WatchBridge/internal/types"
)

// DefaultLeaseTTL is how long a lease survives without renewal. A crashed
// instance blocks the peer for at most this long.
const DefaultLeaseTTL = 15 * time.Second

// LinkLease is a bridge.Gate backed by a Redis lock, so that only one of
// several bridge instances holds the link to a given peer. While held, the
// lease is renewed in the background at a third of its TTL.
type LinkLease struct {
	lock *RedisLock
	ttl  time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLinkLease creates a lease for endpoint owned by instanceID. An empty
// instanceID is replaced by hostname and pid.
func NewLinkLease(redis *db.RedisClient, endpoint types.Endpoint, instanceID string, ttl time.Duration) *LinkLease {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	if instanceID == "" {
		instanceID = DefaultInstanceID()
	}
	return &LinkLease{
		lock: NewRedisLock(redis, "watchbridge:link:"+endpoint.Key(), instanceID, ttl),
		ttl:  ttl,
	}
}

// DefaultInstanceID identifies this process among bridge instances.
func DefaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// Acquire takes the lease or returns an error wrapping bridge.ErrLeaseHeld.
// The returned channel is closed if the lease is lost while held: another
// instance owns the key, or renewal has failed for a whole TTL.
func (l *LinkLease) Acquire(ctx context.Context) (<-chan struct{}, error) {
	if err := l.lock.Acquire(ctx); err != nil {
		if errors.Is(err, ErrLockNotAcquired) {
			return nil, fmt.Errorf("lease %s: %w", l.lock.Key(), bridge.ErrLeaseHeld)
		}
		return nil, fmt.Errorf("lease %s: %w", l.lock.Key(), err)
	}

	l.stopRenewing()

	lost := make(chan struct{})
	renewCtx, cancel := context.WithCancel(context.Background())
	l.mu.Lock()
	l.cancel = cancel
	l.mu.Unlock()
	l.wg.Add(1)
	go l.renew(renewCtx, lost)

	slog.Debug("worker.link_lease.acquired",
		"component", "worker",
		"event", "lease.acquired",
		"key", l.lock.Key(),
	)
	return lost, nil
}

// Release stops renewal and deletes the lease if this instance still owns it.
func (l *LinkLease) Release(ctx context.Context) {
	l.stopRenewing()

	if err := l.lock.Release(ctx); err != nil {
		level := slog.LevelWarn
		if errors.Is(err, ErrLockNotHeld) {
			level = slog.LevelDebug
		}
		slog.Log(ctx, level, "worker.link_lease.release_failed",
			"component", "worker",
			"event", "lease.release_error",
			"key", l.lock.Key(),
			"error", err,
		)
	}
}

func (l *LinkLease) stopRenewing() {
	l.mu.Lock()
	cancel := l.cancel
	l.cancel = nil
	l.mu.Unlock()

	if cancel != nil {
		cancel()
		l.wg.Wait()
	}
}

// renew extends the lease at a third of its TTL and closes lost when the
// lease can no longer be trusted to be ours.
func (l *LinkLease) renew(ctx context.Context, lost chan<- struct{}) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	renewed := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := l.lock.Extend(ctx, l.ttl)
			if err == nil {
				renewed = time.Now()
				continue
			}
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrLockNotHeld) || time.Since(renewed) >= l.ttl {
				slog.Error("worker.link_lease.lost",
					"component", "worker",
					"event", "lease.lost",
					"key", l.lock.Key(),
					"since_renewed", time.Since(renewed).Round(time.Millisecond),
					"error", err,
				)
				close(lost)
				return
			}
			slog.Warn("worker.link_lease.renew_failed",
				"component", "worker",
				"event", "lease.renew_error",
				"key", l.lock.Key(),
				"error", err,
			)
		}
	}
}
