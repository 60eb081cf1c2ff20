package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// ErrBusClosed is returned by operations on a closed bus.
var ErrBusClosed = errors.New("bus closed")

// RedisBus carries topics over Redis pub/sub channels. Used as the
// long-haul "bus" route when peers are not co-located.
type RedisBus struct {
	client *redis.Client

	mu     sync.Mutex
	subs   map[*redisSub]struct{}
	closed bool
}

type redisSub struct {
	bus    *RedisBus
	pubsub *redis.PubSub
	cancel context.CancelFunc
	once   sync.Once
}

// NewRedisBus wraps an existing Redis client. The caller owns the client's
// configuration; the bus owns the subscriptions it creates.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client, subs: make(map[*redisSub]struct{})}
}

// Subscribe starts a Redis subscription for topic and pumps payloads into
// h until unsubscribed or the bus closes.
func (b *RedisBus) Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	pubsub := b.client.Subscribe(ctx, topic)
	pumpCtx, cancel := context.WithCancel(context.Background())
	sub := &redisSub{bus: b, pubsub: pubsub, cancel: cancel}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	// Wait for the subscription to be active so a Publish immediately
	// after Subscribe is not lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		sub.Unsubscribe()
		return nil, err
	}

	go func() {
		ch := pubsub.Channel()
		for {
			select {
			case <-pumpCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				h([]byte(msg.Payload))
			}
		}
	}()
	return sub, nil
}

// Publish sends payload on the Redis channel named topic.
func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrBusClosed
	}
	return b.client.Publish(ctx, topic, payload).Err()
}

// Ping checks Redis reachability.
func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close releases all subscriptions and the client connection.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*redisSub, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[*redisSub]struct{})
	b.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
	return b.client.Close()
}

func (s *redisSub) Unsubscribe() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	s.stop()
}

func (s *redisSub) stop() {
	s.once.Do(func() {
		s.cancel()
		if err := s.pubsub.Close(); err != nil {
			slog.Debug("closing redis subscription", "error", err)
		}
	})
}
