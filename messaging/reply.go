package messaging

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/glimte/mmate-rpc/contracts"
)

// Responder answers a request. A non-nil err is sent as an encoded error
// payload instead of data. Only the first call publishes; later calls
// return ErrAlreadyResponded.
type Responder func(data contracts.Payload, err error) error

// Listener handles a request and answers it through respond
type Listener func(ctx context.Context, msg contracts.Payload, respond Responder)

// OptionsListener is a Listener that also receives the request's routing options
type OptionsListener func(ctx context.Context, msg contracts.Payload, opts contracts.Options, respond Responder)

// PullOption configures a listener registration
type PullOption func(*pullConfig)

type pullConfig struct {
	listenerID ListenerID
}

// AsListener registers under an existing listener id, so one logical
// listener can serve several patterns
func AsListener(id ListenerID) PullOption {
	return func(c *pullConfig) {
		c.listenerID = id
	}
}

// Pull registers listener for requests on pattern
func (q *Queue) Pull(ctx context.Context, pattern string, listener Listener, opts ...PullOption) (ListenerID, error) {
	if listener == nil {
		return "", ErrNilListener
	}
	return q.PullWithOptions(ctx, pattern, func(ctx context.Context, msg contracts.Payload, _ contracts.Options, respond Responder) {
		listener(ctx, msg, respond)
	}, opts...)
}

// PullWithOptions registers listener for requests on pattern, passing the
// routing options of each request along
func (q *Queue) PullWithOptions(ctx context.Context, pattern string, listener OptionsListener, opts ...PullOption) (ListenerID, error) {
	if pattern == "" {
		return "", ErrInvalidPattern
	}
	if listener == nil {
		return "", ErrNilListener
	}

	config := &pullConfig{}
	for _, opt := range opts {
		opt(config)
	}
	id := config.listenerID
	if id == "" {
		id = NewListenerID()
	}

	if err := q.subscribeListener(ctx, pattern, id, q.requestHandler(pattern, listener)); err != nil {
		return "", err
	}
	return id, nil
}

// requestHandler adapts a listener to a transport handler. Deliveries
// without reply-routing metadata are not requests and are skipped.
func (q *Queue) requestHandler(pattern string, listener OptionsListener) DeliveryHandler {
	return func(ctx context.Context, delivery Delivery) error {
		opts := delivery.Options()
		if !opts.IsRequest() {
			q.logger.Debug("ignoring message without reply routing",
				"pattern", pattern,
				"correlationId", opts.CorrelationID,
				"replyTo", opts.ReplyTo,
			)
			return nil
		}

		msg := delivery.Payload()
		if msg == nil {
			msg = contracts.Payload{}
		}

		listener(ctx, msg, opts.Clone(), q.responder(ctx, pattern, opts))
		return nil
	}
}

// responder publishes the answer to the request's reply pattern
func (q *Queue) responder(ctx context.Context, pattern string, request contracts.Options) Responder {
	// the listener may answer after the delivery context is gone
	ctx = context.WithoutCancel(ctx)
	start := q.clock.Now()
	var responded atomic.Bool

	return func(data contracts.Payload, err error) error {
		if !responded.CompareAndSwap(false, true) {
			return ErrAlreadyResponded
		}

		reply := contracts.EncodeError(err)
		if reply == nil {
			reply = data
		}
		if reply == nil {
			reply = contracts.Payload{}
		}

		q.metrics.RecordHandled(pattern, err == nil, q.clock.Since(start))

		publishErr := q.transport.Publish(ctx, request.ReplyTo, reply, contracts.Options{
			CorrelationID: request.CorrelationID,
		})
		if publishErr != nil {
			q.logger.Error("failed to publish reply",
				"pattern", pattern,
				"replyTo", request.ReplyTo,
				"correlationId", request.CorrelationID,
				"error", publishErr,
			)
			q.notify(Event{
				Kind:          EventRespondFailed,
				Pattern:       request.ReplyTo,
				CorrelationID: request.CorrelationID,
				Err:           publishErr,
			})
			return fmt.Errorf("failed to publish reply to %s: %w", request.ReplyTo, publishErr)
		}

		q.logger.Debug("published reply",
			"pattern", pattern,
			"replyTo", request.ReplyTo,
			"correlationId", request.CorrelationID,
			"error", err,
		)
		return nil
	}
}
