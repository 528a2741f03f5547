package messaging

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-rpc/contracts"
)

// mockTransport records calls and keeps handlers so tests can feed deliveries
type mockTransport struct {
	mock.Mock

	mu       sync.Mutex
	handlers map[SubscriptionID]DeliveryHandler
	patterns map[SubscriptionID]string
	nextID   int
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		handlers: make(map[SubscriptionID]DeliveryHandler),
		patterns: make(map[SubscriptionID]string),
	}
}

func (m *mockTransport) Publish(ctx context.Context, pattern string, payload contracts.Payload, opts contracts.Options) error {
	args := m.Called(ctx, pattern, payload, opts)
	return args.Error(0)
}

func (m *mockTransport) Subscribe(ctx context.Context, pattern string, handler DeliveryHandler, options SubscriptionOptions) (SubscriptionID, error) {
	args := m.Called(ctx, pattern, handler, options)
	if err := args.Error(0); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := SubscriptionID(fmt.Sprintf("sub-%d", m.nextID))
	m.handlers[id] = handler
	m.patterns[id] = pattern
	return id, nil
}

func (m *mockTransport) Unsubscribe(pattern string, id SubscriptionID) error {
	args := m.Called(pattern, id)

	m.mu.Lock()
	delete(m.handlers, id)
	delete(m.patterns, id)
	m.mu.Unlock()

	return args.Error(0)
}

func (m *mockTransport) Close() error {
	args := m.Called()
	return args.Error(0)
}

// deliver hands a message to every handler subscribed on pattern and
// returns how many handlers saw it
func (m *mockTransport) deliver(pattern string, payload contracts.Payload, opts contracts.Options) int {
	m.mu.Lock()
	var targets []DeliveryHandler
	for id, p := range m.patterns {
		if p == pattern {
			targets = append(targets, m.handlers[id])
		}
	}
	m.mu.Unlock()

	for _, handler := range targets {
		_ = handler(context.Background(), NewDelivery(payload, opts))
	}
	return len(targets)
}

func (m *mockTransport) subscriptions(pattern string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, p := range m.patterns {
		if p == pattern {
			count++
		}
	}
	return count
}

// newTestQueue returns a queue over a mock transport that accepts every call
func newTestQueue(t *testing.T, opts ...QueueOption) (*Queue, *mockTransport) {
	t.Helper()

	transport := newMockTransport()
	transport.On("Subscribe", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	transport.On("Unsubscribe", mock.Anything, mock.Anything).Return(nil)

	q, err := NewQueue(transport, append([]QueueOption{WithCallbackPattern("__callback")}, opts...)...)
	require.NoError(t, err)
	return q, transport
}

// recordingMetrics counts metric calls
type recordingMetrics struct {
	mu          sync.Mutex
	requests    map[string]int
	resolutions map[Outcome]int
	dropped     map[string]int
	handled     map[bool]int
	pending     int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		requests:    make(map[string]int),
		resolutions: make(map[Outcome]int),
		dropped:     make(map[string]int),
		handled:     make(map[bool]int),
	}
}

func (r *recordingMetrics) RecordRequest(pattern string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests[pattern]++
}

func (r *recordingMetrics) RecordResolution(pattern string, outcome Outcome, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolutions[outcome]++
}

func (r *recordingMetrics) RecordDroppedReply(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped[reason]++
}

func (r *recordingMetrics) RecordHandled(pattern string, success bool, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handled[success]++
}

func (r *recordingMetrics) SetPending(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = n
}
