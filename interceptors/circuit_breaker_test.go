package interceptors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-rpc/contracts"
)

var errHandler = errors.New("handler failed")

func failing() error    { return errHandler }
func succeeding() error { return nil }

func TestCircuitBreaker(t *testing.T) {
	newBreaker := func(transitions *[]string) (*CircuitBreaker, *clock.Mock) {
		mock := clock.NewMock()
		cb := NewCircuitBreaker(
			WithBreakerName("orders"),
			WithFailureThreshold(2),
			WithSuccessThreshold(2),
			WithHalfOpenRequests(1),
			WithOpenTimeout(time.Minute),
			WithBreakerClock(mock),
			WithStateChangeHandler(func(from, to State) {
				*transitions = append(*transitions, from.String()+"->"+to.String())
			}),
		)
		return cb, mock
	}

	t.Run("opens after consecutive failures", func(t *testing.T) {
		var transitions []string
		cb, _ := newBreaker(&transitions)

		assert.ErrorIs(t, cb.Execute(failing), errHandler)
		assert.Equal(t, StateClosed, cb.State())
		assert.ErrorIs(t, cb.Execute(failing), errHandler)
		assert.Equal(t, StateOpen, cb.State())

		err := cb.Execute(succeeding)
		var openErr *CircuitOpenError
		require.ErrorAs(t, err, &openErr)
		assert.Equal(t, "orders", openErr.Name)
		assert.Equal(t, "CircuitOpenError", contracts.ErrorName(err))
		assert.Equal(t, []string{"closed->open"}, transitions)
	})

	t.Run("success resets the failure count", func(t *testing.T) {
		var transitions []string
		cb, _ := newBreaker(&transitions)

		cb.Execute(failing)
		cb.Execute(succeeding)
		cb.Execute(failing)
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("half-open probes close the breaker", func(t *testing.T) {
		var transitions []string
		cb, mock := newBreaker(&transitions)

		cb.Execute(failing)
		cb.Execute(failing)
		mock.Add(time.Minute)

		require.NoError(t, cb.Execute(succeeding))
		assert.Equal(t, StateHalfOpen, cb.State())
		require.NoError(t, cb.Execute(succeeding))
		assert.Equal(t, StateClosed, cb.State())
		assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
	})

	t.Run("failure while half-open reopens", func(t *testing.T) {
		var transitions []string
		cb, mock := newBreaker(&transitions)

		cb.Execute(failing)
		cb.Execute(failing)
		mock.Add(time.Minute)

		assert.ErrorIs(t, cb.Execute(failing), errHandler)
		assert.Equal(t, StateOpen, cb.State())
	})

	t.Run("reset", func(t *testing.T) {
		var transitions []string
		cb, _ := newBreaker(&transitions)

		cb.Execute(failing)
		cb.Execute(failing)
		cb.Reset()
		assert.Equal(t, StateClosed, cb.State())
		assert.NoError(t, cb.Execute(succeeding))
	})
}

func TestCircuitBreakerInterceptor(t *testing.T) {
	cb := NewCircuitBreaker(WithFailureThreshold(1), WithBreakerClock(clock.NewMock()))
	interceptor := NewCircuitBreakerInterceptor(cb)

	calls := 0
	next := func(ctx context.Context, req *Request) (contracts.Payload, error) {
		calls++
		return nil, errHandler
	}

	_, err := interceptor.Intercept(context.Background(), &Request{}, next)
	assert.ErrorIs(t, err, errHandler)

	_, err = interceptor.Intercept(context.Background(), &Request{}, next)
	var openErr *CircuitOpenError
	assert.ErrorAs(t, err, &openErr)
	assert.Equal(t, 1, calls)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(42).String())
}
