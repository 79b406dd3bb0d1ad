package broadcast

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisTransport Transport backed by Redis pub/sub.
type RedisTransport struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisTransport creates a RedisTransport. Prefix is optional (e.g., "calls").
func NewRedisTransport(rdb *redis.Client, prefix string) *RedisTransport {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = "calls"
	}

	return &RedisTransport{
		rdb:    rdb,
		prefix: p,
	}
}

func (t *RedisTransport) key(channel string) string {
	return t.prefix + ":" + channel
}

// Publish publishes payload on the channel.
func (t *RedisTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	err := t.rdb.Publish(ctx, t.key(channel), payload).Err()
	if err != nil {
		publishedTotal.WithLabelValues("redis", "error").Inc()
		return fmt.Errorf("failed to publish on %s: %w", channel, err)
	}

	publishedTotal.WithLabelValues("redis", "ok").Inc()
	return nil
}

// Subscribe subscribes to the channel. Returns once Redis has confirmed the subscription.
func (t *RedisTransport) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	pubsub := t.rdb.Subscribe(ctx, t.key(channel))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	s := &redisSubscription{
		pubsub: pubsub,
		send:   make(chan []byte, defaultBufferSize),
		done:   make(chan struct{}),
	}
	go s.pump(channel)
	return s, nil
}

// Close closes the underlying Redis client.
func (t *RedisTransport) Close() error {
	return t.rdb.Close()
}

type redisSubscription struct {
	pubsub *redis.PubSub
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

func (s *redisSubscription) pump(channel string) {
	defer close(s.send)

	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-s.pubsub.Channel():
			if !ok {
				return
			}
			select {
			case s.send <- []byte(msg.Payload):
			case <-s.done:
				return
			default:
				droppedTotal.Inc()
				log.Warn("subscriber buffer full, dropping message", zap.String("channel", channel))
			}
		}
	}
}

func (s *redisSubscription) Messages() <-chan []byte {
	return s.send
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}
