// Package exchange is the pub/sub fabric runners use to talk across
// controller instances. Delivery is best-effort: per (publisher, key)
// FIFO holds, slow subscribers lose their oldest messages, and nothing
// is replayed. Authoritative state lives in the volatile store; exchange
// messages are notifications only.
package exchange

import "context"

// Delivery is one received message with the routing key it matched.
type Delivery struct {
	Key  string
	Data []byte
}

type Exchange interface {
	// Publish enqueues data for every subscriber bound to key. It never
	// blocks on slow subscribers.
	Publish(ctx context.Context, key string, data []byte) error

	// Subscribe opens a subscription bound to the union of keys.
	Subscribe(ctx context.Context, keys ...string) (Subscription, error)

	Close() error
}

type Subscription interface {
	// C delivers messages for the bound keys. The channel closes when
	// the subscription or the exchange closes.
	C() <-chan Delivery

	Bind(ctx context.Context, keys ...string) error
	Unbind(ctx context.Context, keys ...string) error

	Close() error
}
