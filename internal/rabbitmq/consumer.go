package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/multierr"
)

// MessageHandler processes a delivery. Returning nil acks it, an error rejects it.
type MessageHandler func(ctx context.Context, delivery amqp.Delivery) error

// Consumer runs consumers, each on its own channel
type Consumer struct {
	pool          *ChannelPool
	prefetchCount int
	requeue       bool
	logger        *slog.Logger

	active sync.Map // consumer tag -> *consumerInfo
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count per consumer
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithRequeueOnError requeues rejected deliveries instead of dropping them
func WithRequeueOnError(requeue bool) ConsumerOption {
	return func(c *Consumer) {
		c.requeue = requeue
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a consumer drawing channels from pool
func NewConsumer(pool *ChannelPool, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		pool:          pool,
		prefetchCount: 10,
		logger:        slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// ConsumeOptions configures a single consumer
type ConsumeOptions struct {
	Exclusive bool
}

type consumerInfo struct {
	queue   string
	tag     string
	channel *PooledChannel
	cancel  context.CancelFunc
	done    chan struct{}
}

// Consume starts delivering messages from queue to handler and returns the
// consumer tag
func (c *Consumer) Consume(ctx context.Context, queue string, handler MessageHandler, opts ConsumeOptions) (string, error) {
	tag := "mmate-rpc-" + uuid.NewString()

	ch, err := c.pool.Get(ctx)
	if err != nil {
		return "", &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "subscribe", Err: err, Timestamp: time.Now()}
	}

	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		c.pool.Discard(ch)
		return "", &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "set qos", Err: err, Timestamp: time.Now()}
	}

	deliveries, err := ch.Consume(queue, tag, false, opts.Exclusive, false, false, nil)
	if err != nil {
		c.pool.Discard(ch)
		return "", &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	// deliveries outlive the subscribing call
	consumerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	info := &consumerInfo{
		queue:   queue,
		tag:     tag,
		channel: ch,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	c.active.Store(tag, info)

	go c.process(consumerCtx, info, deliveries, handler)

	c.logger.Debug("consuming",
		"queue", queue,
		"consumerTag", tag,
		"prefetchCount", c.prefetchCount,
	)

	return tag, nil
}

// process handles deliveries until the consumer is cancelled or its channel closes
func (c *Consumer) process(ctx context.Context, info *consumerInfo, deliveries <-chan amqp.Delivery, handler MessageHandler) {
	defer func() {
		// unacked prefetched deliveries go back to the queue with the channel
		c.pool.Discard(info.channel)
		c.active.CompareAndDelete(info.tag, info)
		close(info.done)
		c.logger.Debug("consumer stopped", "queue", info.queue, "consumerTag", info.tag)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case delivery, ok := <-deliveries:
			if !ok {
				if ctx.Err() == nil {
					c.logger.Warn("delivery channel closed", "queue", info.queue, "consumerTag", info.tag)
				}
				return
			}
			c.handle(ctx, info, delivery, handler)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, info *consumerInfo, delivery amqp.Delivery, handler MessageHandler) {
	err := handler(ctx, delivery)
	if err == nil {
		if ackErr := delivery.Ack(false); ackErr != nil {
			c.logger.Error("failed to ack delivery", "queue", info.queue, "error", ackErr)
		}
		return
	}

	c.logger.Warn("rejecting delivery",
		"queue", info.queue,
		"correlationId", delivery.CorrelationId,
		"requeue", c.requeue,
		"error", err,
	)
	if nackErr := delivery.Nack(false, c.requeue); nackErr != nil {
		c.logger.Error("failed to reject delivery", "queue", info.queue, "error", nackErr)
	}
}

// Cancel stops the consumer with tag. It does not wait for a delivery in
// progress, so a handler may cancel its own consumer; that delivery is still
// acked when the handler returns.
func (c *Consumer) Cancel(tag string) error {
	value, ok := c.active.LoadAndDelete(tag)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConsumer, tag)
	}
	info := value.(*consumerInfo)

	// stop new deliveries first; process closes the channel once idle
	err := info.channel.Cancel(tag, false)
	info.cancel()

	if err != nil && !errors.Is(err, amqp.ErrClosed) {
		return &ConsumerError{Queue: info.queue, ConsumerTag: tag, Op: "cancel", Err: err, Timestamp: time.Now()}
	}
	return nil
}

// CancelAll stops every consumer and waits for them to finish
func (c *Consumer) CancelAll() error {
	var (
		errs error
		done []chan struct{}
	)
	c.active.Range(func(key, value interface{}) bool {
		done = append(done, value.(*consumerInfo).done)
		if err := c.Cancel(key.(string)); err != nil && !errors.Is(err, ErrUnknownConsumer) {
			errs = multierr.Append(errs, err)
		}
		return true
	})
	for _, ch := range done {
		<-ch
	}
	return errs
}

// Done returns a channel closed once the consumer with tag has stopped.
// It reports false for an unknown tag.
func (c *Consumer) Done(tag string) (<-chan struct{}, bool) {
	value, ok := c.active.Load(tag)
	if !ok {
		return nil, false
	}
	return value.(*consumerInfo).done, true
}

// ActiveConsumers returns the tags of the running consumers
func (c *Consumer) ActiveConsumers() []string {
	var tags []string
	c.active.Range(func(key, value interface{}) bool {
		tags = append(tags, key.(string))
		return true
	})
	return tags
}
