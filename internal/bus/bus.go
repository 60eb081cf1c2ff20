// Package bus defines the pub/sub substrate carrying peer-channel traffic
// and provides two implementations: an in-process bus for co-located
// agents and tests, and a Redis-backed bus for the long-haul route.
//
// The contract is deliberately weak: best-effort, at-most-once, no
// corruption. Ordering within a (publisher, topic) pair holds for both
// implementations but is a property of the implementations, not the
// contract.
package bus

import "context"

// Handler receives the raw payload published on a topic.
type Handler func(payload []byte)

// Bus is the pub/sub seam between peer channels and the transport.
type Bus interface {
	// Subscribe registers a handler for a topic. The returned
	// Subscription releases it.
	Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error)

	// Publish delivers payload to current subscribers of topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Ping reports whether the bus is reachable right now.
	Ping(ctx context.Context) error

	// Close releases all subscriptions and underlying connections.
	Close() error
}

// Subscription is a handle that releases one topic subscription.
type Subscription interface {
	Unsubscribe()
}
