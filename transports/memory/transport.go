// Package memory provides an in-process messaging.Transport.
//
// Every published message is delivered, on its own goroutine, to each
// subscription whose pattern matches the routing key. It is meant for tests,
// demos and single-process deployments.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/messaging"
)

var (
	// ErrTransportClosed is returned after Close
	ErrTransportClosed = errors.New("memory: transport is closed")
	// ErrUnknownSubscription is returned when unsubscribing an id that is not registered
	ErrUnknownSubscription = errors.New("memory: unknown subscription")
)

// Transport is an in-process pub/sub bus
type Transport struct {
	mu        sync.RWMutex
	subs      map[string][]*subscription
	closed    bool
	mandatory bool
	logger    *slog.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	inflight  sync.WaitGroup
}

type subscription struct {
	id      messaging.SubscriptionID
	pattern string
	handler messaging.DeliveryHandler
	options messaging.SubscriptionOptions
	active  atomic.Bool
}

// Option configures the transport
type Option func(*Transport)

// WithMandatory makes Publish fail with messaging.ErrNoRoute when no
// subscription matches
func WithMandatory(mandatory bool) Option {
	return func(t *Transport) {
		t.mandatory = mandatory
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// New creates an in-process transport
func New(options ...Option) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		subs:   make(map[string][]*subscription),
		logger: slog.Default(),
		ctx:    ctx,
		cancel: cancel,
	}

	for _, opt := range options {
		opt(t)
	}

	return t
}

// Publish implements messaging.Transport
func (t *Transport) Publish(ctx context.Context, pattern string, payload contracts.Payload, opts contracts.Options) error {
	if pattern == "" {
		return messaging.ErrInvalidPattern
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return ErrTransportClosed
	}

	var targets []*subscription
	for subPattern, subs := range t.subs {
		if MatchPattern(subPattern, pattern) {
			targets = append(targets, subs...)
		}
	}

	if len(targets) == 0 {
		if t.mandatory {
			return fmt.Errorf("%w: %s", messaging.ErrNoRoute, pattern)
		}
		t.logger.Debug("no subscription for pattern", "pattern", pattern)
		return nil
	}

	for _, sub := range targets {
		t.inflight.Add(1)
		go t.deliver(sub, messaging.NewDelivery(payload.Clone(), opts.Clone()))
	}

	return nil
}

func (t *Transport) deliver(sub *subscription, delivery messaging.Delivery) {
	defer t.inflight.Done()

	if !sub.active.Load() {
		return
	}

	if err := sub.handler(t.ctx, delivery); err != nil {
		t.logger.Warn("delivery rejected",
			"pattern", sub.pattern,
			"subscriptionId", sub.id,
			"correlationId", delivery.Options().CorrelationID,
			"error", err,
		)
	}
}

// Subscribe implements messaging.Transport
func (t *Transport) Subscribe(ctx context.Context, pattern string, handler messaging.DeliveryHandler, options messaging.SubscriptionOptions) (messaging.SubscriptionID, error) {
	if pattern == "" {
		return "", messaging.ErrInvalidPattern
	}
	if handler == nil {
		return "", fmt.Errorf("handler cannot be nil")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return "", ErrTransportClosed
	}

	if options.Exclusive && len(t.subs[pattern]) > 0 {
		return "", fmt.Errorf("pattern %s already has a subscriber", pattern)
	}

	sub := &subscription{
		id:      messaging.SubscriptionID(uuid.NewString()),
		pattern: pattern,
		handler: handler,
		options: options,
	}
	sub.active.Store(true)
	t.subs[pattern] = append(t.subs[pattern], sub)

	t.logger.Debug("subscribed", "pattern", pattern, "subscriptionId", sub.id)

	return sub.id, nil
}

// Unsubscribe implements messaging.Transport
func (t *Transport) Unsubscribe(pattern string, id messaging.SubscriptionID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	subs := t.subs[pattern]
	for i, sub := range subs {
		if sub.id != id {
			continue
		}
		sub.active.Store(false)
		subs = append(subs[:i:i], subs[i+1:]...)
		if len(subs) == 0 {
			delete(t.subs, pattern)
		} else {
			t.subs[pattern] = subs
		}
		t.logger.Debug("unsubscribed", "pattern", pattern, "subscriptionId", id)
		return nil
	}

	return fmt.Errorf("%w: %s on %s", ErrUnknownSubscription, id, pattern)
}

// SubscriberCount returns the number of subscriptions registered on pattern
func (t *Transport) SubscriberCount(pattern string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs[pattern])
}

// IsConnected reports whether the transport is still open
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return !t.closed
}

// Close drops every subscription and waits for in-flight deliveries
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	for _, subs := range t.subs {
		for _, sub := range subs {
			sub.active.Store(false)
		}
	}
	t.subs = make(map[string][]*subscription)
	t.mu.Unlock()

	t.cancel()
	t.inflight.Wait()

	t.logger.Debug("memory transport closed")
	return nil
}
