package messaging

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/mmate-rpc/contracts"
)

// PushOption configures a single request
type PushOption func(*pushConfig)

type pushConfig struct {
	correlationID string
	replyTo       string
	headers       map[string]interface{}
	timeout       time.Duration
}

// WithCorrelationID sets the correlation id instead of generating one
func WithCorrelationID(id string) PushOption {
	return func(c *pushConfig) {
		c.correlationID = id
	}
}

// WithReplyTo sets the pattern the responder answers on
func WithReplyTo(pattern string) PushOption {
	return func(c *pushConfig) {
		c.replyTo = pattern
	}
}

// WithHeaders attaches headers to the request
func WithHeaders(headers map[string]interface{}) PushOption {
	return func(c *pushConfig) {
		c.headers = headers
	}
}

// WithTimeout sets a deadline for this request, overriding the queue default
func WithTimeout(timeout time.Duration) PushOption {
	return func(c *pushConfig) {
		c.timeout = timeout
	}
}

// NewCorrelationID returns a random correlation id
func NewCorrelationID() string {
	return uuid.NewString()
}

// Push publishes a request on pattern and returns its correlation id.
// callback fires exactly once: with the reply, with the remote error, or with
// a *PublishError when the transport rejects the request. A nil data sends an
// empty payload and a nil callback discards the outcome.
func (q *Queue) Push(ctx context.Context, pattern string, data contracts.Payload, callback Continuation, opts ...PushOption) string {
	config := &pushConfig{
		timeout: q.requestTimeout,
	}
	for _, opt := range opts {
		opt(config)
	}

	if data == nil {
		data = contracts.Payload{}
	}
	if callback == nil {
		callback = func(contracts.Payload, error) {}
	}

	correlationID := config.correlationID
	if correlationID == "" {
		correlationID = NewCorrelationID()
	}
	replyTo := config.replyTo
	if replyTo == "" {
		replyTo = q.callbackPattern
	}

	if pattern == "" {
		callback(nil, ErrInvalidPattern)
		return correlationID
	}

	// registration happens before publish so a fast reply always finds it
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		callback(nil, ErrQueueClosed)
		return correlationID
	}
	q.table.Register(correlationID, pattern, q.track(pattern, correlationID, callback), config.timeout)
	q.mu.RUnlock()

	q.metrics.RecordRequest(pattern)
	q.metrics.SetPending(q.table.Len())

	q.logger.Debug("publishing request",
		"pattern", pattern,
		"correlationId", correlationID,
		"replyTo", replyTo,
	)

	err := q.transport.Publish(ctx, pattern, data, contracts.Options{
		CorrelationID: correlationID,
		ReplyTo:       replyTo,
		Headers:       config.headers,
	})
	if err != nil {
		publishErr := &PublishError{
			Pattern:       pattern,
			CorrelationID: correlationID,
			Err:           err,
		}
		q.logger.Warn("failed to publish request",
			"pattern", pattern,
			"correlationId", correlationID,
			"error", err,
		)
		q.notify(Event{
			Kind:          EventPublishFailed,
			Pattern:       pattern,
			CorrelationID: correlationID,
			Err:           publishErr,
		})
		q.table.Resolve(correlationID, nil, publishErr)
	}

	return correlationID
}

// track wraps a continuation with metrics and timeout notifications
func (q *Queue) track(pattern, correlationID string, callback Continuation) Continuation {
	start := q.clock.Now()
	return func(reply contracts.Payload, err error) {
		outcome := classifyOutcome(err)
		q.metrics.RecordResolution(pattern, outcome, q.clock.Since(start))
		q.metrics.SetPending(q.table.Len())

		if outcome == OutcomeTimeout {
			q.logger.Warn("request timed out",
				"pattern", pattern,
				"correlationId", correlationID,
			)
			q.notify(Event{
				Kind:          EventRequestTimeout,
				Pattern:       pattern,
				CorrelationID: correlationID,
				Err:           err,
			})
		}

		callback(reply, err)
	}
}

// Call publishes a request and waits for its outcome or for ctx to end.
// When ctx ends first the request is cancelled and ctx.Err() is returned.
func (q *Queue) Call(ctx context.Context, pattern string, data contracts.Payload, opts ...PushOption) (contracts.Payload, error) {
	type result struct {
		reply contracts.Payload
		err   error
	}

	done := make(chan result, 1)
	correlationID := q.Push(ctx, pattern, data, func(reply contracts.Payload, err error) {
		done <- result{reply: reply, err: err}
	}, opts...)

	select {
	case r := <-done:
		return r.reply, r.err
	case <-ctx.Done():
		q.Cancel(correlationID, ctx.Err())
		return nil, ctx.Err()
	}
}

// Cancel resolves an outstanding request with cause, or ErrRequestCanceled
// when cause is nil. It reports whether the request was still outstanding.
func (q *Queue) Cancel(correlationID string, cause error) bool {
	if cause == nil {
		cause = ErrRequestCanceled
	}
	return q.table.Resolve(correlationID, nil, cause)
}
