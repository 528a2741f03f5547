package messaging

import (
	"context"

	"github.com/glimte/mmate-rpc/contracts"
)

// SubscriptionID identifies one transport-level subscription
type SubscriptionID string

// Delivery represents a message delivered by the transport
type Delivery interface {
	// Payload returns the decoded message body
	Payload() contracts.Payload

	// Options returns the routing metadata of the message
	Options() contracts.Options
}

// DeliveryHandler processes a delivery. Returning nil acknowledges it,
// an error rejects it.
type DeliveryHandler func(ctx context.Context, delivery Delivery) error

// SubscriptionOptions configures a transport subscription
type SubscriptionOptions struct {
	// Exclusive marks a private channel only this subscriber reads
	Exclusive bool

	// AutoDelete removes the underlying queue once the last subscriber leaves
	AutoDelete bool
}

// Transport is the fire-and-forget pub/sub queue the RPC layer runs on
type Transport interface {
	// Publish sends a payload to every subscriber matching pattern
	Publish(ctx context.Context, pattern string, payload contracts.Payload, opts contracts.Options) error

	// Subscribe registers a handler for messages on pattern
	Subscribe(ctx context.Context, pattern string, handler DeliveryHandler, options SubscriptionOptions) (SubscriptionID, error)

	// Unsubscribe removes one subscription from pattern. It must not wait for
	// in-flight handlers of that subscription, since a handler may remove itself.
	Unsubscribe(pattern string, id SubscriptionID) error

	// Close closes all resources
	Close() error
}

// message is a plain Delivery implementation
type message struct {
	payload contracts.Payload
	options contracts.Options
}

// NewDelivery creates a Delivery from a payload and its options
func NewDelivery(payload contracts.Payload, opts contracts.Options) Delivery {
	return &message{payload: payload, options: opts}
}

func (m *message) Payload() contracts.Payload {
	return m.payload
}

func (m *message) Options() contracts.Options {
	return m.options
}
