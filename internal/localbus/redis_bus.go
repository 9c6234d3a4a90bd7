// Package localbus connects the bridge to local processes over Redis pub/sub,
// for deployments where the wearable's companion app is not a WebSocket client.
package localbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/m0rjc/WatchBridge/internal/db"
	"github.com/m0rjc/WatchBridge/internal/metrics"
	"github.com/m0rjc/WatchBridge/internal/types"
)

// Channel names, before the Redis key prefix is applied.
const (
	// InboundChannel carries messages from the peer to local subscribers.
	InboundChannel = "watch:inbound"

	// OutboundChannel carries local messages bound for the peer.
	OutboundChannel = "watch:outbound"
)

// ErrSubscriptionClosed is returned by Run when Redis drops the subscription.
var ErrSubscriptionClosed = errors.New("redis subscription closed")

// Sender accepts local-origin messages bound for the peer.
type Sender interface {
	Send(msg types.Message) error
}

// RedisBus is the bridge's Sink in redis mode and the source of local messages.
type RedisBus struct {
	redis *db.RedisClient
	ready chan struct{}
}

func NewRedisBus(redis *db.RedisClient) *RedisBus {
	return &RedisBus{
		redis: redis,
		ready: make(chan struct{}),
	}
}

// Deliver publishes the message bytes unchanged on InboundChannel. Redis
// pub/sub has no acknowledgement, so delivery with no subscribers succeeds.
func (b *RedisBus) Deliver(ctx context.Context, msg types.Message) error {
	return b.redis.Publish(ctx, InboundChannel, msg.Bytes())
}

// Ready is closed once Run's subscription has been confirmed by Redis.
func (b *RedisBus) Ready() <-chan struct{} {
	return b.ready
}

// Run relays every valid payload published on OutboundChannel to sender
// until ctx is cancelled. Call it at most once.
func (b *RedisBus) Run(ctx context.Context, sender Sender) error {
	pubSub := b.redis.Subscribe(ctx, OutboundChannel)
	defer pubSub.Close()

	if err := pubSub.WaitSubscribed(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe %s: %w", OutboundChannel, err)
	}
	close(b.ready)

	slog.Info("localbus.subscribed",
		"component", "localbus",
		"event", "bus.subscribed",
		"channel", OutboundChannel,
	)

	msgCh := pubSub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil

		case m, ok := <-msgCh:
			if !ok {
				return ErrSubscriptionClosed
			}

			msg, err := types.ParseMessage([]byte(m.Payload))
			if err != nil {
				metrics.FramesMalformed.WithLabelValues(metrics.SourceLocalBus).Inc()
				slog.Warn("localbus.bad_payload",
					"component", "localbus",
					"event", "bus.decode_error",
					"channel", m.Channel,
					"bytes", len(m.Payload),
					"error", err,
				)
				continue
			}

			if err := sender.Send(msg); err != nil {
				slog.Debug("localbus.send_dropped",
					"component", "localbus",
					"event", "bus.send_dropped",
					"error", err,
				)
			}
		}
	}
}
