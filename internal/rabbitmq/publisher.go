package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes messages and waits for the broker to confirm them
type Publisher struct {
	pool           *ChannelPool
	clock          clock.Clock
	confirmTimeout time.Duration
	maxRetries     int
	retryDelay     time.Duration
	logger         *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets how long to wait for a broker confirm
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublishRetries sets how many times a retryable failure is repeated
func WithPublishRetries(retries int, delay time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.maxRetries = retries
		p.retryDelay = delay
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithPublisherClock sets the clock used for confirm timeouts and retry delays
func WithPublisherClock(c clock.Clock) PublisherOption {
	return func(p *Publisher) {
		p.clock = c
	}
}

// NewPublisher creates a publisher drawing channels from pool
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		clock:          clock.New(),
		confirmTimeout: 5 * time.Second,
		maxRetries:     2,
		retryDelay:     200 * time.Millisecond,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish sends msg and waits for its confirm. A mandatory message that no
// queue accepts fails with ErrUnroutable and is not retried.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, mandatory bool, msg amqp.Publishing) error {
	var lastErr error
	attempts := 0

retry:
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-p.clock.After(time.Duration(attempt) * p.retryDelay):
			case <-ctx.Done():
				lastErr = ctx.Err()
				break retry
			}
		}

		attempts++
		lastErr = p.publishWithConfirm(ctx, exchange, routingKey, mandatory, msg)
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) || ctx.Err() != nil {
			break
		}

		p.logger.Warn("publish failed, retrying",
			"exchange", exchange,
			"routingKey", routingKey,
			"attempt", attempt+1,
			"error", lastErr,
		)
	}

	return &PublishError{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Mandatory:  mandatory,
		Attempts:   attempts,
		Err:        lastErr,
		Timestamp:  p.clock.Now(),
	}
}

// publishWithConfirm publishes on one pooled channel and waits for its confirm
func (p *Publisher) publishWithConfirm(ctx context.Context, exchange, routingKey string, mandatory bool, msg amqp.Publishing) error {
	ch, err := p.pool.Get(ctx)
	if err != nil {
		return err
	}

	if err := ch.PublishWithContext(ctx, exchange, routingKey, mandatory, false, msg); err != nil {
		p.pool.Discard(ch)
		return fmt.Errorf("failed to publish: %w", err)
	}

	timer := p.clock.Timer(p.confirmTimeout)
	defer timer.Stop()

	select {
	case confirm, ok := <-ch.confirms:
		if !ok {
			p.pool.Discard(ch)
			return fmt.Errorf("%w: channel closed", ErrPublishNotConfirmed)
		}
		// the broker sends basic.return before the confirm of the same message
		select {
		case ret := <-ch.returns:
			p.pool.Put(ch)
			return fmt.Errorf("%w: %d %s", ErrUnroutable, ret.ReplyCode, ret.ReplyText)
		default:
		}
		p.pool.Put(ch)
		if !confirm.Ack {
			return ErrPublishNotConfirmed
		}
		return nil

	case <-timer.C:
		// a late confirm would be read by the next publisher on this channel
		p.pool.Discard(ch)
		return ErrPublishTimeout

	case <-ctx.Done():
		p.pool.Discard(ch)
		return ctx.Err()
	}
}
