package interceptors

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/glimte/mmate-rpc/contracts"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitOpenError is returned while the breaker rejects requests
type CircuitOpenError struct {
	Name      string
	State     State
	Failures  int
	NextRetry time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %s is %s (failures=%d)", e.Name, e.State, e.Failures)
}

// ErrorName implements contracts.Named
func (e *CircuitOpenError) ErrorName() string {
	return "CircuitOpenError"
}

// StateChangeHandler receives circuit breaker transitions
type StateChangeHandler func(from, to State)

// CircuitBreaker stops calling a failing handler for a while
type CircuitBreaker struct {
	mu              sync.Mutex
	state           State
	failures        int
	successes       int
	halfOpenInUse   int
	lastFailureTime time.Time

	name             string
	failureThreshold int
	successThreshold int
	openTimeout      time.Duration
	halfOpenRequests int
	clock            clock.Clock
	onStateChange    StateChangeHandler
}

// CircuitBreakerOption configures the circuit breaker
type CircuitBreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets how many consecutive failures open the breaker
func WithFailureThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.failureThreshold = threshold
	}
}

// WithSuccessThreshold sets how many half-open successes close the breaker
func WithSuccessThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.successThreshold = threshold
	}
}

// WithOpenTimeout sets how long the breaker stays open
func WithOpenTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.openTimeout = timeout
	}
}

// WithHalfOpenRequests sets how many requests may probe a half-open breaker
func WithHalfOpenRequests(requests int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.halfOpenRequests = requests
	}
}

// WithBreakerName names the breaker in errors
func WithBreakerName(name string) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.name = name
	}
}

// WithBreakerClock sets the clock
func WithBreakerClock(c clock.Clock) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.clock = c
	}
}

// WithStateChangeHandler is called, outside the breaker lock, on every transition
func WithStateChangeHandler(handler StateChangeHandler) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.onStateChange = handler
	}
}

// NewCircuitBreaker creates a closed circuit breaker
func NewCircuitBreaker(options ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:            StateClosed,
		name:             "default",
		failureThreshold: 5,
		successThreshold: 3,
		openTimeout:      30 * time.Second,
		halfOpenRequests: 3,
		clock:            clock.New(),
	}
	for _, opt := range options {
		opt(cb)
	}
	return cb
}

// State returns the current state
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset closes the breaker and clears its counters
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
	cb.halfOpenInUse = 0
	cb.mu.Unlock()

	cb.notify(from, StateClosed)
}

// Execute runs fn unless the breaker is open
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.allow(); err != nil {
		return err
	}
	err := fn()
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	from := cb.state

	switch cb.state {
	case StateOpen:
		nextRetry := cb.lastFailureTime.Add(cb.openTimeout)
		if cb.clock.Now().Before(nextRetry) {
			err := &CircuitOpenError{Name: cb.name, State: cb.state, Failures: cb.failures, NextRetry: nextRetry}
			cb.mu.Unlock()
			return err
		}
		cb.state = StateHalfOpen
		cb.successes = 0
		cb.halfOpenInUse = 1
		cb.mu.Unlock()
		cb.notify(from, StateHalfOpen)
		return nil

	case StateHalfOpen:
		if cb.halfOpenInUse >= cb.halfOpenRequests {
			err := &CircuitOpenError{Name: cb.name, State: cb.state, Failures: cb.failures}
			cb.mu.Unlock()
			return err
		}
		cb.halfOpenInUse++
	}

	cb.mu.Unlock()
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	from := cb.state
	if cb.state == StateHalfOpen && cb.halfOpenInUse > 0 {
		cb.halfOpenInUse--
	}

	if err != nil {
		cb.failures++
		cb.lastFailureTime = cb.clock.Now()
		switch cb.state {
		case StateClosed:
			if cb.failures >= cb.failureThreshold {
				cb.state = StateOpen
			}
		case StateHalfOpen:
			// any failure while probing reopens
			cb.state = StateOpen
			cb.halfOpenInUse = 0
			cb.successes = 0
		}
	} else {
		switch cb.state {
		case StateClosed:
			cb.failures = 0
		case StateHalfOpen:
			cb.successes++
			if cb.successes >= cb.successThreshold {
				cb.state = StateClosed
				cb.failures = 0
				cb.halfOpenInUse = 0
			}
		}
	}

	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)
}

func (cb *CircuitBreaker) notify(from, to State) {
	if from != to && cb.onStateChange != nil {
		cb.onStateChange(from, to)
	}
}

// CircuitBreakerInterceptor guards the rest of the chain with a breaker
type CircuitBreakerInterceptor struct {
	breaker *CircuitBreaker
}

// NewCircuitBreakerInterceptor creates a circuit breaker interceptor
func NewCircuitBreakerInterceptor(breaker *CircuitBreaker) *CircuitBreakerInterceptor {
	return &CircuitBreakerInterceptor{breaker: breaker}
}

// Intercept implements Interceptor
func (i *CircuitBreakerInterceptor) Intercept(ctx context.Context, req *Request, next HandlerFunc) (contracts.Payload, error) {
	var reply contracts.Payload
	err := i.breaker.Execute(func() error {
		var err error
		reply, err = next(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return reply, nil
}

// Name implements Interceptor
func (i *CircuitBreakerInterceptor) Name() string {
	return "CircuitBreakerInterceptor"
}
