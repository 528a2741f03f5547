package messaging

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/glimte/mmate-rpc/contracts"
)

// Continuation completes a pending request. Exactly one of reply or err is set.
type Continuation func(reply contracts.Payload, err error)

// DefaultResolvedCacheSize bounds how many resolved ids are remembered
const DefaultResolvedCacheSize = 1024

// CorrelationTable maps correlation ids to pending continuations.
// Each continuation fires at most once.
type CorrelationTable struct {
	mu       sync.Mutex
	pending  map[string]*pendingRequest
	resolved *lru.Cache[string, struct{}]
	clock    clock.Clock
}

type pendingRequest struct {
	pattern      string
	continuation Continuation
	timer        *clock.Timer
	registeredAt time.Time
}

// CorrelationTableOption configures a CorrelationTable
type CorrelationTableOption func(*correlationTableConfig)

type correlationTableConfig struct {
	clock             clock.Clock
	resolvedCacheSize int
}

// WithClock sets the clock used for request deadlines
func WithClock(c clock.Clock) CorrelationTableOption {
	return func(cfg *correlationTableConfig) {
		cfg.clock = c
	}
}

// WithResolvedCacheSize sets how many resolved ids are remembered. Zero disables it.
func WithResolvedCacheSize(size int) CorrelationTableOption {
	return func(cfg *correlationTableConfig) {
		cfg.resolvedCacheSize = size
	}
}

// NewCorrelationTable creates an empty correlation table
func NewCorrelationTable(opts ...CorrelationTableOption) *CorrelationTable {
	cfg := &correlationTableConfig{
		clock:             clock.New(),
		resolvedCacheSize: DefaultResolvedCacheSize,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	t := &CorrelationTable{
		pending: make(map[string]*pendingRequest),
		clock:   cfg.clock,
	}
	if cfg.resolvedCacheSize > 0 {
		// only fails for a non-positive size
		t.resolved, _ = lru.New[string, struct{}](cfg.resolvedCacheSize)
	}
	return t
}

// Register stores a continuation under id. A reused id replaces the previous
// continuation, which then never fires. A positive timeout arms a deadline
// that resolves the request with a *TimeoutError.
func (t *CorrelationTable) Register(id, pattern string, continuation Continuation, timeout time.Duration) {
	entry := &pendingRequest{
		pattern:      pattern,
		continuation: continuation,
		registeredAt: t.clock.Now(),
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if previous, exists := t.pending[id]; exists && previous.timer != nil {
		previous.timer.Stop()
	}
	if timeout > 0 {
		entry.timer = t.clock.AfterFunc(timeout, func() {
			t.expire(id, entry, timeout)
		})
	}
	t.pending[id] = entry
	if t.resolved != nil {
		t.resolved.Remove(id)
	}
}

// Resolve removes the continuation registered under id and fires it.
// It reports false, without side effects, when no continuation is registered.
func (t *CorrelationTable) Resolve(id string, reply contracts.Payload, err error) bool {
	t.mu.Lock()
	entry, exists := t.pending[id]
	if exists {
		t.remove(id, entry)
	}
	t.mu.Unlock()

	if !exists {
		return false
	}
	fire(entry.continuation, reply, err)
	return true
}

// expire resolves entry with a timeout unless it was already resolved or replaced
func (t *CorrelationTable) expire(id string, entry *pendingRequest, timeout time.Duration) {
	t.mu.Lock()
	current, exists := t.pending[id]
	if !exists || current != entry {
		t.mu.Unlock()
		return
	}
	t.remove(id, entry)
	t.mu.Unlock()

	fire(entry.continuation, nil, &TimeoutError{
		Pattern:       entry.pattern,
		CorrelationID: id,
		Timeout:       timeout,
	})
}

// remove must be called with t.mu held
func (t *CorrelationTable) remove(id string, entry *pendingRequest) {
	delete(t.pending, id)
	if entry.timer != nil {
		entry.timer.Stop()
	}
	if t.resolved != nil {
		t.resolved.Add(id, struct{}{})
	}
}

// FailAll resolves every pending request with err and returns how many there were
func (t *CorrelationTable) FailAll(err error) int {
	t.mu.Lock()
	entries := t.pending
	t.pending = make(map[string]*pendingRequest)
	for id, entry := range entries {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		if t.resolved != nil {
			t.resolved.Add(id, struct{}{})
		}
	}
	t.mu.Unlock()

	for _, entry := range entries {
		fire(entry.continuation, nil, err)
	}
	return len(entries)
}

// Has reports whether id is outstanding
func (t *CorrelationTable) Has(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, exists := t.pending[id]
	return exists
}

// RecentlyResolved reports whether id was resolved within the cache window
func (t *CorrelationTable) RecentlyResolved(id string) bool {
	if t.resolved == nil {
		return false
	}
	return t.resolved.Contains(id)
}

// Len returns the number of outstanding requests
func (t *CorrelationTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Age returns how long id has been outstanding
func (t *CorrelationTable) Age(id string) (time.Duration, bool) {
	t.mu.Lock()
	entry, exists := t.pending[id]
	t.mu.Unlock()
	if !exists {
		return 0, false
	}
	return t.clock.Since(entry.registeredAt), true
}

func fire(continuation Continuation, reply contracts.Payload, err error) {
	if continuation == nil {
		return
	}
	if err != nil {
		continuation(nil, err)
		return
	}
	continuation(reply, nil)
}
