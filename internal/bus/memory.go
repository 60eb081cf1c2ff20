package bus

import (
	"context"
	"sync"
)

// MemoryBus is an in-process Bus. Handlers run on a per-subscription
// goroutine fed by a buffered queue, so a slow subscriber cannot block a
// publisher; when a subscriber's queue overflows the oldest payload is
// dropped (at-most-once).
type MemoryBus struct {
	mu     sync.RWMutex
	topics map[string]map[int]*memorySub
	nextID int
	closed bool
}

const memoryQueueDepth = 256

type memorySub struct {
	bus   *MemoryBus
	topic string
	id    int
	queue chan []byte
	done  chan struct{}
	once  sync.Once
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{topics: make(map[string]map[int]*memorySub)}
}

// Subscribe registers h for topic.
func (b *MemoryBus) Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}

	b.nextID++
	sub := &memorySub{
		bus:   b,
		topic: topic,
		id:    b.nextID,
		queue: make(chan []byte, memoryQueueDepth),
		done:  make(chan struct{}),
	}
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[int]*memorySub)
	}
	b.topics[topic][sub.id] = sub

	go func() {
		for {
			select {
			case <-sub.done:
				return
			case p := <-sub.queue:
				h(p)
			}
		}
	}()
	return sub, nil
}

// Publish enqueues payload for every subscriber of topic.
func (b *MemoryBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	for _, sub := range b.topics[topic] {
		select {
		case sub.queue <- payload:
		default:
			// Queue full: drop the oldest to keep the newest.
			select {
			case <-sub.queue:
			default:
			}
			select {
			case sub.queue <- payload:
			default:
			}
		}
	}
	return nil
}

// Ping always succeeds while the bus is open.
func (b *MemoryBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	return nil
}

// Close releases every subscription.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	subs := []*memorySub{}
	for _, m := range b.topics {
		for _, s := range m {
			subs = append(subs, s)
		}
	}
	b.topics = make(map[string]map[int]*memorySub)
	b.closed = true
	b.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
	return nil
}

func (s *memorySub) Unsubscribe() {
	s.bus.mu.Lock()
	if m := s.bus.topics[s.topic]; m != nil {
		delete(m, s.id)
		if len(m) == 0 {
			delete(s.bus.topics, s.topic)
		}
	}
	s.bus.mu.Unlock()
	s.stop()
}

func (s *memorySub) stop() {
	s.once.Do(func() { close(s.done) })
}
