package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is the outcome of one health check
type CheckResult struct {
	Name     string                 `json:"name"`
	Status   Status                 `json:"status"`
	Message  string                 `json:"message,omitempty"`
	Duration time.Duration          `json:"duration"`
	Details  map[string]interface{} `json:"details,omitempty"`
}

// OverallHealth aggregates every check
type OverallHealth struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

// Checker is a named health check
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

type checkerFunc struct {
	name string
	fn   func(ctx context.Context) CheckResult
}

// NewCheckerFunc adapts fn to a Checker
func NewCheckerFunc(name string, fn func(ctx context.Context) CheckResult) Checker {
	return &checkerFunc{name: name, fn: fn}
}

func (c *checkerFunc) Name() string { return c.name }

func (c *checkerFunc) Check(ctx context.Context) CheckResult { return c.fn(ctx) }

// ConnectionState is implemented by transports that know whether they are connected
type ConnectionState interface {
	IsConnected() bool
}

// TransportChecker is unhealthy while the transport is disconnected
func TransportChecker(transport ConnectionState) Checker {
	return NewCheckerFunc("transport", func(ctx context.Context) CheckResult {
		if transport.IsConnected() {
			return CheckResult{Status: StatusHealthy}
		}
		return CheckResult{Status: StatusUnhealthy, Message: "transport is not connected"}
	})
}

// PendingRequests is implemented by a Queue
type PendingRequests interface {
	Pending() int
}

// PendingChecker is degraded once more than threshold requests wait for a reply
func PendingChecker(queue PendingRequests, threshold int) Checker {
	return NewCheckerFunc("pending_requests", func(ctx context.Context) CheckResult {
		pending := queue.Pending()
		result := CheckResult{
			Status:  StatusHealthy,
			Details: map[string]interface{}{"pending": pending, "threshold": threshold},
		}
		if pending > threshold {
			result.Status = StatusDegraded
			result.Message = fmt.Sprintf("%d requests waiting for a reply", pending)
		}
		return result
	})
}

// Registry runs the registered health checks
type Registry struct {
	mu       sync.RWMutex
	checkers map[string]Checker
}

// NewRegistry creates an empty registry
func NewRegistry(checkers ...Checker) *Registry {
	r := &Registry{checkers: make(map[string]Checker)}
	for _, checker := range checkers {
		r.Register(checker)
	}
	return r
}

// Register adds or replaces a checker
func (r *Registry) Register(checker Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[checker.Name()] = checker
}

// Unregister removes a checker
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.checkers, name)
}

// Check runs every checker concurrently. A checker still running when ctx
// ends is reported unhealthy.
func (r *Registry) Check(ctx context.Context) OverallHealth {
	r.mu.RLock()
	checkers := make([]Checker, 0, len(r.checkers))
	for _, checker := range r.checkers {
		checkers = append(checkers, checker)
	}
	r.mu.RUnlock()

	results := make([]CheckResult, len(checkers))
	var g errgroup.Group
	for i, checker := range checkers {
		g.Go(func() error {
			results[i] = runCheck(ctx, checker)
			return nil
		})
	}
	g.Wait()

	health := OverallHealth{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Checks:    make(map[string]CheckResult, len(results)),
	}
	for _, result := range results {
		health.Checks[result.Name] = result
		switch result.Status {
		case StatusUnhealthy:
			health.Status = StatusUnhealthy
		case StatusDegraded:
			if health.Status == StatusHealthy {
				health.Status = StatusDegraded
			}
		}
	}
	return health
}

func runCheck(ctx context.Context, checker Checker) CheckResult {
	start := time.Now()
	done := make(chan CheckResult, 1)
	go func() {
		done <- checker.Check(ctx)
	}()

	var result CheckResult
	select {
	case result = <-done:
	case <-ctx.Done():
		result = CheckResult{Status: StatusUnhealthy, Message: "check timed out: " + ctx.Err().Error()}
	}
	result.Name = checker.Name()
	result.Duration = time.Since(start)
	return result
}

// Handler serves the health report as JSON. Unhealthy answers 503.
func Handler(registry *Registry, timeout time.Duration) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		health := registry.Check(ctx)

		statusCode := http.StatusOK
		if health.Status == StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)

		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		encoder.Encode(health)
	})
}
