package messaging

import (
	"context"
	"sync/atomic"

	"github.com/glimte/mmate-rpc/contracts"
)

// Connection is the raw-connection facade. On top of Queue it offers
// one-shot listeners.
type Connection struct {
	*Queue
}

// NewConnection creates a connection facade over transport
func NewConnection(transport Transport, opts ...QueueOption) (*Connection, error) {
	q, err := NewQueue(transport, opts...)
	if err != nil {
		return nil, err
	}
	return &Connection{Queue: q}, nil
}

// PullOnce registers listener for the first request on pattern only. The
// registration removes itself before the listener runs.
func (c *Connection) PullOnce(ctx context.Context, pattern string, listener Listener) (ListenerID, error) {
	if listener == nil {
		return "", ErrNilListener
	}
	return c.PullOnceWithOptions(ctx, pattern, func(ctx context.Context, msg contracts.Payload, _ contracts.Options, respond Responder) {
		listener(ctx, msg, respond)
	})
}

// PullOnceWithOptions is PullOnce for an OptionsListener
func (c *Connection) PullOnceWithOptions(ctx context.Context, pattern string, listener OptionsListener) (ListenerID, error) {
	if listener == nil {
		return "", ErrNilListener
	}

	id := NewListenerID()
	var fired atomic.Bool

	once := func(ctx context.Context, msg contracts.Payload, opts contracts.Options, respond Responder) {
		if !fired.CompareAndSwap(false, true) {
			return
		}
		if err := c.RemoveListener(pattern, id); err != nil {
			c.logger.Warn("failed to remove one-shot listener",
				"pattern", pattern,
				"listenerId", id,
				"error", err,
			)
		}
		listener(ctx, msg, opts, respond)
	}

	return c.PullWithOptions(ctx, pattern, once, AsListener(id))
}
