package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/glimte/mmate-rpc/contracts"
)

// DefaultCallbackPrefix prefixes generated callback patterns
const DefaultCallbackPrefix = "__callback"

// Queue adds request/reply semantics on top of a pub/sub Transport.
// All replies for the queue arrive on a single callback pattern and are
// matched to requests by correlation id.
type Queue struct {
	transport       Transport
	table           *CorrelationTable
	callbackPattern string
	callbackSub     SubscriptionID
	requestTimeout  time.Duration
	logger          *slog.Logger
	metrics         MetricsCollector
	notifier        Notifier
	clock           clock.Clock

	listenersMu sync.Mutex
	listeners   map[ListenerID][]ListenerTarget

	mu     sync.RWMutex
	closed bool
}

// QueueConfig holds queue configuration
type QueueConfig struct {
	CallbackPattern   string
	RequestTimeout    time.Duration
	Logger            *slog.Logger
	Metrics           MetricsCollector
	Notifier          Notifier
	Clock             clock.Clock
	ResolvedCacheSize int
}

// QueueOption configures a Queue
type QueueOption func(*QueueConfig)

// WithCallbackPattern sets the pattern replies are received on
func WithCallbackPattern(pattern string) QueueOption {
	return func(c *QueueConfig) {
		c.CallbackPattern = pattern
	}
}

// WithRequestTimeout sets the default deadline for every request. Zero waits forever.
func WithRequestTimeout(timeout time.Duration) QueueOption {
	return func(c *QueueConfig) {
		c.RequestTimeout = timeout
	}
}

// WithQueueLogger sets the logger
func WithQueueLogger(logger *slog.Logger) QueueOption {
	return func(c *QueueConfig) {
		c.Logger = logger
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(metrics MetricsCollector) QueueOption {
	return func(c *QueueConfig) {
		c.Metrics = metrics
	}
}

// WithNotifier sets the receiver of out-of-band events
func WithNotifier(notifier Notifier) QueueOption {
	return func(c *QueueConfig) {
		c.Notifier = notifier
	}
}

// WithQueueClock sets the clock used for request deadlines
func WithQueueClock(c clock.Clock) QueueOption {
	return func(cfg *QueueConfig) {
		cfg.Clock = c
	}
}

// WithResolvedCache sets how many resolved correlation ids are remembered
// to tell duplicate replies from unknown ones
func WithResolvedCache(size int) QueueOption {
	return func(c *QueueConfig) {
		c.ResolvedCacheSize = size
	}
}

// NewCallbackPattern returns a fresh callback pattern
func NewCallbackPattern() string {
	return fmt.Sprintf("%s.%s", DefaultCallbackPrefix, uuid.New().String()[:8])
}

// NewQueue creates a queue and subscribes it to its callback pattern
func NewQueue(transport Transport, opts ...QueueOption) (*Queue, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}

	config := &QueueConfig{
		CallbackPattern:   NewCallbackPattern(),
		Logger:            slog.Default(),
		Metrics:           &NoOpMetricsCollector{},
		Clock:             clock.New(),
		ResolvedCacheSize: DefaultResolvedCacheSize,
	}

	for _, opt := range opts {
		opt(config)
	}

	if config.CallbackPattern == "" {
		return nil, fmt.Errorf("callback %w", ErrInvalidPattern)
	}

	q := &Queue{
		transport: transport,
		table: NewCorrelationTable(
			WithClock(config.Clock),
			WithResolvedCacheSize(config.ResolvedCacheSize),
		),
		callbackPattern: config.CallbackPattern,
		requestTimeout:  config.RequestTimeout,
		logger:          config.Logger,
		metrics:         config.Metrics,
		notifier:        config.Notifier,
		clock:           config.Clock,
		listeners:       make(map[ListenerID][]ListenerTarget),
	}

	sub, err := transport.Subscribe(context.Background(), q.callbackPattern, q.handleReply, SubscriptionOptions{
		Exclusive:  true,
		AutoDelete: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to callback pattern: %w", err)
	}
	q.callbackSub = sub

	q.logger.Debug("queue ready", "callbackPattern", q.callbackPattern)

	return q, nil
}

// CallbackPattern returns the pattern this queue receives replies on
func (q *Queue) CallbackPattern() string {
	return q.callbackPattern
}

// Pending returns the number of outstanding requests
func (q *Queue) Pending() int {
	return q.table.Len()
}

// handleReply demultiplexes replies on the callback pattern by correlation id
func (q *Queue) handleReply(ctx context.Context, delivery Delivery) error {
	opts := delivery.Options()
	payload := delivery.Payload()
	remoteErr := contracts.DecodeError(payload)

	if q.table.Resolve(opts.CorrelationID, payload, remoteErr) {
		return nil
	}

	reason := DropReasonUnknown
	if q.table.RecentlyResolved(opts.CorrelationID) {
		reason = DropReasonDuplicate
	}

	q.logger.Debug("dropped reply",
		"correlationId", opts.CorrelationID,
		"reason", reason,
	)
	q.metrics.RecordDroppedReply(reason)
	q.notify(Event{
		Kind:          EventReplyDropped,
		Pattern:       q.callbackPattern,
		CorrelationID: opts.CorrelationID,
		Reason:        reason,
		Payload:       payload,
	})

	return nil
}

func (q *Queue) notify(event Event) {
	if q.notifier != nil {
		q.notifier.Emit(event)
	}
}

func (q *Queue) isClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}

// Close unsubscribes the callback handler and every listener and fails the
// outstanding requests with ErrQueueClosed. The transport stays open.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	var errs error
	if err := q.transport.Unsubscribe(q.callbackPattern, q.callbackSub); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("failed to unsubscribe from %s: %w", q.callbackPattern, err))
	}

	q.listenersMu.Lock()
	listeners := q.listeners
	q.listeners = make(map[ListenerID][]ListenerTarget)
	q.listenersMu.Unlock()

	for _, targets := range listeners {
		for _, target := range targets {
			if err := q.transport.Unsubscribe(target.Pattern, target.Subscription); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("failed to unsubscribe from %s: %w", target.Pattern, err))
			}
		}
	}

	failed := q.table.FailAll(ErrQueueClosed)
	q.metrics.SetPending(0)

	q.logger.Info("queue closed",
		"callbackPattern", q.callbackPattern,
		"failedRequests", failed,
	)

	return errs
}

func classifyOutcome(err error) Outcome {
	var (
		timeoutErr *TimeoutError
		publishErr *PublishError
		remoteErr  *contracts.RemoteError
	)
	switch {
	case err == nil:
		return OutcomeReply
	case errors.As(err, &timeoutErr):
		return OutcomeTimeout
	case errors.As(err, &publishErr):
		return OutcomePublishFailed
	case errors.As(err, &remoteErr):
		return OutcomeRemoteError
	default:
		return OutcomeCanceled
	}
}
