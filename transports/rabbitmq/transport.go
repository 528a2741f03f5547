// Package rabbitmq implements messaging.Transport on a RabbitMQ topic exchange.
//
// Every pattern is a queue of the same name bound to the exchange with the
// pattern as binding key, so `*` and `#` wildcards route the way they do on
// the in-memory transport. Subscribers of one pattern compete for its
// messages. Requests are published mandatory: a pattern without a queue
// fails the publish with messaging.ErrNoRoute.
package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/multierr"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/internal/rabbitmq"
	"github.com/glimte/mmate-rpc/messaging"
)

// DefaultExchange is the topic exchange requests and replies are routed through
const DefaultExchange = "mmate.rpc"

// Transport implements messaging.Transport for RabbitMQ
type Transport struct {
	manager    *rabbitmq.ConnectionManager
	pool       *rabbitmq.ChannelPool
	publisher  *rabbitmq.Publisher
	consumer   *rabbitmq.Consumer
	topology   *rabbitmq.TopologyManager
	exchange   string
	autoDelete bool
	logger     *slog.Logger

	mu     sync.Mutex
	subs   map[messaging.SubscriptionID]*subscription
	closed bool
}

type subscription struct {
	id      messaging.SubscriptionID
	pattern string
	handler messaging.DeliveryHandler
	options messaging.SubscriptionOptions
	tag     string
}

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	Exchange          string
	AutoDeleteQueues  bool
	Logger            *slog.Logger
	ConnectionOptions []rabbitmq.ConnectionOption
	PoolOptions       []rabbitmq.ChannelPoolOption
	PublisherOptions  []rabbitmq.PublisherOption
	ConsumerOptions   []rabbitmq.ConsumerOption
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithExchange sets the topic exchange name
func WithExchange(name string) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Exchange = name
	}
}

// WithAutoDeleteQueues controls whether pattern queues are removed once
// their last subscriber leaves. Callback queues are always removed.
func WithAutoDeleteQueues(enabled bool) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.AutoDeleteQueues = enabled
	}
}

// WithLogger sets the logger for the transport and its connection
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithPoolOptions sets channel pool options
func WithPoolOptions(opts ...rabbitmq.ChannelPoolOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PoolOptions = append(cfg.PoolOptions, opts...)
	}
}

// WithPublisherOptions sets publisher options
func WithPublisherOptions(opts ...rabbitmq.PublisherOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PublisherOptions = append(cfg.PublisherOptions, opts...)
	}
}

// WithConsumerOptions sets consumer options
func WithConsumerOptions(opts ...rabbitmq.ConsumerOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConsumerOptions = append(cfg.ConsumerOptions, opts...)
	}
}

func newConfig(options ...TransportOption) *TransportConfig {
	cfg := &TransportConfig{
		Exchange:         DefaultExchange,
		AutoDeleteQueues: true,
		Logger:           slog.Default(),
	}
	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}

// NewTransport connects to the broker at url and declares the exchange
func NewTransport(ctx context.Context, url string, options ...TransportOption) (*Transport, error) {
	cfg := newConfig(options...)

	connOpts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.Logger)}, cfg.ConnectionOptions...)
	manager := rabbitmq.NewConnectionManager(url, connOpts...)
	if err := manager.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	pool, err := rabbitmq.NewChannelPool(manager, cfg.PoolOptions...)
	if err != nil {
		manager.Close()
		return nil, fmt.Errorf("failed to create channel pool: %w", err)
	}

	t := &Transport{
		manager: manager,
		pool:    pool,
		publisher: rabbitmq.NewPublisher(pool,
			append([]rabbitmq.PublisherOption{rabbitmq.WithPublisherLogger(cfg.Logger)}, cfg.PublisherOptions...)...),
		consumer: rabbitmq.NewConsumer(pool,
			append([]rabbitmq.ConsumerOption{rabbitmq.WithConsumerLogger(cfg.Logger)}, cfg.ConsumerOptions...)...),
		topology:   rabbitmq.NewTopologyManager(pool),
		exchange:   cfg.Exchange,
		autoDelete: cfg.AutoDeleteQueues,
		logger:     cfg.Logger,
		subs:       make(map[messaging.SubscriptionID]*subscription),
	}

	if err := t.declareExchange(ctx); err != nil {
		t.Close()
		return nil, err
	}

	manager.AddStateListener(t)

	return t, nil
}

func (t *Transport) declareExchange(ctx context.Context) error {
	return t.topology.DeclareExchange(ctx, rabbitmq.ExchangeDeclaration{
		Name:    t.exchange,
		Type:    amqp.ExchangeTopic,
		Durable: true,
	})
}

// Publish sends payload to the queues bound to pattern
func (t *Transport) Publish(ctx context.Context, pattern string, payload contracts.Payload, opts contracts.Options) error {
	if pattern == "" {
		return messaging.ErrInvalidPattern
	}

	msg, err := encode(payload, opts)
	if err != nil {
		return err
	}

	err = t.publisher.Publish(ctx, t.exchange, pattern, true, msg)
	switch {
	case err == nil:
		return nil
	case isUnroutable(err):
		return fmt.Errorf("%w: %s: %w", messaging.ErrNoRoute, pattern, err)
	default:
		return err
	}
}

// Subscribe declares the queue for pattern and starts consuming from it
func (t *Transport) Subscribe(ctx context.Context, pattern string, handler messaging.DeliveryHandler, options messaging.SubscriptionOptions) (messaging.SubscriptionID, error) {
	if pattern == "" {
		return "", messaging.ErrInvalidPattern
	}

	sub := &subscription{
		id:      messaging.SubscriptionID(uuid.NewString()),
		pattern: pattern,
		handler: handler,
		options: options,
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return "", rabbitmq.ErrConnectionClosed
	}

	if err := t.startLocked(ctx, sub); err != nil {
		return "", err
	}
	t.subs[sub.id] = sub

	return sub.id, nil
}

// startLocked declares the queue and consumer of sub. t.mu must be held.
func (t *Transport) startLocked(ctx context.Context, sub *subscription) error {
	_, err := t.topology.DeclareQueue(ctx, rabbitmq.QueueDeclaration{
		Name:       sub.pattern,
		Exclusive:  sub.options.Exclusive,
		AutoDelete: sub.options.AutoDelete || t.autoDelete,
	}, rabbitmq.Binding{
		Exchange:   t.exchange,
		RoutingKey: sub.pattern,
	})
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", sub.pattern, err)
	}

	tag, err := t.consumer.Consume(ctx, sub.pattern, t.deliveryHandler(sub), rabbitmq.ConsumeOptions{
		Exclusive: sub.options.Exclusive,
	})
	if err != nil {
		return fmt.Errorf("failed to consume %s: %w", sub.pattern, err)
	}
	sub.tag = tag

	return nil
}

func (t *Transport) deliveryHandler(sub *subscription) rabbitmq.MessageHandler {
	return func(ctx context.Context, d amqp.Delivery) error {
		delivery, err := decode(d)
		if err != nil {
			t.logger.Warn("dropping undecodable message",
				"pattern", sub.pattern,
				"correlationId", d.CorrelationId,
				"error", err,
			)
			return err
		}
		return sub.handler(ctx, delivery)
	}
}

// Unsubscribe cancels one subscription without waiting for its handler
func (t *Transport) Unsubscribe(pattern string, id messaging.SubscriptionID) error {
	t.mu.Lock()
	sub, ok := t.subs[id]
	if !ok || sub.pattern != pattern {
		t.mu.Unlock()
		return fmt.Errorf("unknown subscription %s on %s", id, pattern)
	}
	delete(t.subs, id)
	tag := sub.tag
	t.mu.Unlock()

	if tag == "" {
		return nil
	}
	return t.consumer.Cancel(tag)
}

// IsConnected reports whether the broker connection is up
func (t *Transport) IsConnected() bool {
	return t.manager.IsConnected()
}

// OnConnected restarts the subscriptions lost with the previous connection
func (t *Transport) OnConnected() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}

	ctx := context.Background()
	if err := t.declareExchange(ctx); err != nil {
		t.logger.Error("failed to redeclare exchange", "exchange", t.exchange, "error", err)
		return
	}

	for _, sub := range t.subs {
		if sub.tag != "" {
			continue
		}
		if err := t.startLocked(ctx, sub); err != nil {
			t.logger.Error("failed to restore subscription", "pattern", sub.pattern, "error", err)
			continue
		}
		t.logger.Info("restored subscription", "pattern", sub.pattern)
	}
}

// OnDisconnected marks every subscription as lost
func (t *Transport) OnDisconnected(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, sub := range t.subs {
		sub.tag = ""
	}
	if err != nil {
		t.logger.Warn("subscriptions suspended until reconnect", "count", len(t.subs), "error", err)
	}
}

// OnReconnecting does nothing
func (t *Transport) OnReconnecting(attempt int) {}

// Close stops every consumer and closes the connection
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.subs = make(map[messaging.SubscriptionID]*subscription)
	t.mu.Unlock()

	t.manager.RemoveStateListener(t)

	return multierr.Combine(
		t.consumer.CancelAll(),
		t.pool.Close(),
		t.manager.Close(),
	)
}
