package messaging

import (
	"time"
)

// Outcome classifies how a request was resolved
type Outcome string

const (
	OutcomeReply         Outcome = "reply"
	OutcomeRemoteError   Outcome = "remote_error"
	OutcomePublishFailed Outcome = "publish_failed"
	OutcomeTimeout       Outcome = "timeout"
	OutcomeCanceled      Outcome = "canceled"
)

// Reasons a reply on the callback channel was dropped
const (
	DropReasonDuplicate = "duplicate"
	DropReasonUnknown   = "unknown"
)

// MetricsCollector collects RPC metrics
type MetricsCollector interface {
	// RecordRequest records a request being published
	RecordRequest(pattern string)

	// RecordResolution records how and how fast a request completed
	RecordResolution(pattern string, outcome Outcome, duration time.Duration)

	// RecordDroppedReply records a reply that matched no pending request
	RecordDroppedReply(reason string)

	// RecordHandled records a request answered by a pull listener
	RecordHandled(pattern string, success bool, duration time.Duration)

	// SetPending reports the number of outstanding requests
	SetPending(n int)
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

// RecordRequest does nothing
func (n *NoOpMetricsCollector) RecordRequest(pattern string) {}

// RecordResolution does nothing
func (n *NoOpMetricsCollector) RecordResolution(pattern string, outcome Outcome, duration time.Duration) {
}

// RecordDroppedReply does nothing
func (n *NoOpMetricsCollector) RecordDroppedReply(reason string) {}

// RecordHandled does nothing
func (n *NoOpMetricsCollector) RecordHandled(pattern string, success bool, duration time.Duration) {}

// SetPending does nothing
func (n *NoOpMetricsCollector) SetPending(count int) {}
