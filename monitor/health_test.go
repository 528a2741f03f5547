package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct{ connected bool }

func (f fakeTransport) IsConnected() bool { return f.connected }

type fakeQueue struct{ pending int }

func (f fakeQueue) Pending() int { return f.pending }

func TestRegistry(t *testing.T) {
	t.Run("healthy when every check passes", func(t *testing.T) {
		registry := NewRegistry(
			TransportChecker(fakeTransport{connected: true}),
			PendingChecker(fakeQueue{pending: 1}, 10),
		)

		health := registry.Check(context.Background())

		assert.Equal(t, StatusHealthy, health.Status)
		assert.Len(t, health.Checks, 2)
		assert.Equal(t, "transport", health.Checks["transport"].Name)
	})

	t.Run("degraded with too many pending requests", func(t *testing.T) {
		registry := NewRegistry(
			TransportChecker(fakeTransport{connected: true}),
			PendingChecker(fakeQueue{pending: 11}, 10),
		)

		health := registry.Check(context.Background())

		assert.Equal(t, StatusDegraded, health.Status)
		assert.Equal(t, 11, health.Checks["pending_requests"].Details["pending"])
	})

	t.Run("unhealthy wins", func(t *testing.T) {
		registry := NewRegistry(
			TransportChecker(fakeTransport{connected: false}),
			PendingChecker(fakeQueue{pending: 11}, 10),
		)

		assert.Equal(t, StatusUnhealthy, registry.Check(context.Background()).Status)
	})

	t.Run("slow check times out", func(t *testing.T) {
		block := make(chan struct{})
		defer close(block)
		registry := NewRegistry(NewCheckerFunc("slow", func(ctx context.Context) CheckResult {
			<-block
			return CheckResult{Status: StatusHealthy}
		}))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		health := registry.Check(ctx)

		assert.Equal(t, StatusUnhealthy, health.Status)
		assert.Contains(t, health.Checks["slow"].Message, "timed out")
	})

	t.Run("unregister", func(t *testing.T) {
		registry := NewRegistry(TransportChecker(fakeTransport{}))
		registry.Unregister("transport")

		assert.Empty(t, registry.Check(context.Background()).Checks)
	})
}

func TestHandler(t *testing.T) {
	t.Run("serves json report", func(t *testing.T) {
		handler := Handler(NewRegistry(TransportChecker(fakeTransport{connected: true})), time.Second)
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		var health OverallHealth
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
		assert.Equal(t, StatusHealthy, health.Status)
	})

	t.Run("unhealthy is 503", func(t *testing.T) {
		handler := Handler(NewRegistry(TransportChecker(fakeTransport{})), time.Second)
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("rejects other methods", func(t *testing.T) {
		handler := Handler(NewRegistry(), time.Second)
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))

		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}
