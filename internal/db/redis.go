package db

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient wraps a go-redis client and applies a key prefix to every key
// and pub/sub channel, so several deployments can share one Redis.
type RedisClient struct {
	client    *redis.Client
	keyPrefix string
}

func NewRedisClient(redisURL string, keyPrefix string) (*RedisClient, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	// Test the connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &RedisClient{
		client:    client,
		keyPrefix: keyPrefix,
	}, nil
}

func (r *RedisClient) Close() error {
	return r.client.Close()
}

// Ping checks the connection. Used by the readiness check.
func (r *RedisClient) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// prefixKey adds the configured prefix to a key
func (r *RedisClient) prefixKey(key string) string {
	if r.keyPrefix == "" {
		return key
	}
	return r.keyPrefix + key
}

// SetNX sets a key if it does not exist with the configured key prefix
func (r *RedisClient) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	return r.client.SetNX(ctx, r.prefixKey(key), value, expiration)
}

// Eval executes a Lua script with the configured key prefix applied to keys
func (r *RedisClient) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	prefixedKeys := make([]string, len(keys))
	for i, key := range keys {
		prefixedKeys[i] = r.prefixKey(key)
	}
	return r.client.Eval(ctx, script, prefixedKeys, args...)
}

// Publish sends payload unchanged to a Redis pub/sub channel.
// Channel names are prefixed the same as keys so that Redis ACL rules apply consistently.
func (r *RedisClient) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := r.client.Publish(ctx, r.prefixKey(channel), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe returns a PubSub handle for the given channels.
// The returned PubSub transparently strips the prefix from received message channel names.
func (r *RedisClient) Subscribe(ctx context.Context, channels ...string) *PubSub {
	prefixed := make([]string, len(channels))
	for i, ch := range channels {
		prefixed[i] = r.prefixKey(ch)
	}
	return &PubSub{
		inner:     r.client.Subscribe(ctx, prefixed...),
		keyPrefix: r.keyPrefix,
	}
}

// PubSub wraps *redis.PubSub applying key-prefix handling transparently.
// Incoming message channel names have the prefix stripped so callers work
// with unprefixed names.
type PubSub struct {
	inner     *redis.PubSub
	keyPrefix string
	once      sync.Once
	ch        chan *redis.Message
}

// WaitSubscribed blocks until Redis confirms the first subscription. Messages
// published after it returns are guaranteed to be received.
func (p *PubSub) WaitSubscribed(ctx context.Context) error {
	for {
		msg, err := p.inner.Receive(ctx)
		if err != nil {
			return fmt.Errorf("failed to confirm subscription: %w", err)
		}
		if _, ok := msg.(*redis.Subscription); ok {
			return nil
		}
	}
}

// Channel returns a channel that receives messages with the key prefix stripped
// from the Channel field.
func (p *PubSub) Channel() <-chan *redis.Message {
	p.once.Do(func() {
		p.ch = make(chan *redis.Message, 100)
		innerCh := p.inner.Channel()
		go func() {
			for msg := range innerCh {
				stripped := *msg
				stripped.Channel = strings.TrimPrefix(stripped.Channel, p.keyPrefix)
				p.ch <- &stripped
			}
			close(p.ch)
		}()
	})
	return p.ch
}

// Close closes the subscription.
func (p *PubSub) Close() error {
	return p.inner.Close()
}
