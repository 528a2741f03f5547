package messaging

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// ListenerID identifies a logical listener registered through Pull
type ListenerID string

// NewListenerID returns a fresh listener id
func NewListenerID() ListenerID {
	return ListenerID(uuid.NewString())
}

// ListenerTarget is one transport subscription owned by a listener
type ListenerTarget struct {
	Pattern      string
	Subscription SubscriptionID
}

// subscribeListener subscribes handler and records it under id. The
// registry lock is held across Subscribe so a delivery that removes its own
// listener always finds the record.
func (q *Queue) subscribeListener(ctx context.Context, pattern string, id ListenerID, handler DeliveryHandler) error {
	q.listenersMu.Lock()
	defer q.listenersMu.Unlock()

	if q.isClosed() {
		return ErrQueueClosed
	}

	sub, err := q.transport.Subscribe(ctx, pattern, handler, SubscriptionOptions{})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", pattern, err)
	}

	q.listeners[id] = append(q.listeners[id], ListenerTarget{
		Pattern:      pattern,
		Subscription: sub,
	})

	q.logger.Info("registered listener",
		"pattern", pattern,
		"listenerId", id,
	)

	return nil
}

// RemoveListener unsubscribes the first registration of id on pattern.
// It is a no-op when there is none.
func (q *Queue) RemoveListener(pattern string, id ListenerID) error {
	q.listenersMu.Lock()
	targets := q.listeners[id]
	index := -1
	for i, target := range targets {
		if target.Pattern == pattern {
			index = i
			break
		}
	}
	if index < 0 {
		q.listenersMu.Unlock()
		return nil
	}

	target := targets[index]
	targets = append(targets[:index:index], targets[index+1:]...)
	if len(targets) == 0 {
		delete(q.listeners, id)
	} else {
		q.listeners[id] = targets
	}
	q.listenersMu.Unlock()

	if err := q.transport.Unsubscribe(pattern, target.Subscription); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", pattern, err)
	}

	q.logger.Info("removed listener",
		"pattern", pattern,
		"listenerId", id,
	)

	return nil
}

// Listeners returns a snapshot of the registered listeners
func (q *Queue) Listeners() map[ListenerID][]ListenerTarget {
	q.listenersMu.Lock()
	defer q.listenersMu.Unlock()

	result := make(map[ListenerID][]ListenerTarget, len(q.listeners))
	for id, targets := range q.listeners {
		result[id] = append([]ListenerTarget(nil), targets...)
	}
	return result
}
