package interceptors

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/glimte/mmate-rpc/contracts"
)

// LoggingInterceptor logs request processing
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, req *Request, next HandlerFunc) (contracts.Payload, error) {
	start := time.Now()

	i.logger.Debug("processing request",
		"pattern", req.Pattern,
		"correlationId", req.Options.CorrelationID,
	)

	reply, err := next(ctx, req)
	duration := time.Since(start)

	if err != nil {
		i.logger.Warn("request failed",
			"pattern", req.Pattern,
			"correlationId", req.Options.CorrelationID,
			"duration", duration,
			"error", err,
		)
	} else {
		i.logger.Debug("request processed",
			"pattern", req.Pattern,
			"correlationId", req.Options.CorrelationID,
			"duration", duration,
		)
	}
	return reply, err
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// HandlerTimeoutError is returned when a handler exceeds its deadline
type HandlerTimeoutError struct {
	Pattern string
	Timeout time.Duration
}

func (e *HandlerTimeoutError) Error() string {
	return fmt.Sprintf("handler for %s timed out after %v", e.Pattern, e.Timeout)
}

// ErrorName implements contracts.Named
func (e *HandlerTimeoutError) ErrorName() string {
	return "TimeoutError"
}

// TimeoutInterceptor bounds how long the rest of the chain may take. The
// handler keeps running after the deadline but its answer is discarded.
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

// Intercept implements Interceptor
func (i *TimeoutInterceptor) Intercept(ctx context.Context, req *Request, next HandlerFunc) (contracts.Payload, error) {
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	type result struct {
		reply contracts.Payload
		err   error
	}
	done := make(chan result, 1)
	go func() {
		reply, err := next(ctx, req)
		done <- result{reply: reply, err: err}
	}()

	select {
	case r := <-done:
		return r.reply, r.err
	case <-ctx.Done():
		return nil, &HandlerTimeoutError{Pattern: req.Pattern, Timeout: i.timeout}
	}
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}

// PanicError carries a recovered handler panic
type PanicError struct {
	Value interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panicked: %v", e.Value)
}

// ErrorName implements contracts.Named
func (e *PanicError) ErrorName() string {
	return "PanicError"
}

// RecoveryInterceptor turns a panic in the rest of the chain into an error
// answer. Without it a panicking handler crashes the process.
type RecoveryInterceptor struct{}

// NewRecoveryInterceptor creates a recovery interceptor
func NewRecoveryInterceptor() *RecoveryInterceptor {
	return &RecoveryInterceptor{}
}

// Intercept implements Interceptor
func (i *RecoveryInterceptor) Intercept(ctx context.Context, req *Request, next HandlerFunc) (reply contracts.Payload, err error) {
	defer func() {
		if r := recover(); r != nil {
			reply = nil
			err = errors.WithStack(&PanicError{Value: r})
		}
	}()
	return next(ctx, req)
}

// Name implements Interceptor
func (i *RecoveryInterceptor) Name() string {
	return "RecoveryInterceptor"
}

// ValidationError reports an invalid request payload
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid field %q: %s", e.Field, e.Reason)
}

// ErrorName implements contracts.Named
func (e *ValidationError) ErrorName() string {
	return "ValidationError"
}

// Validator checks a request before it is handled
type Validator func(req *Request) error

// RequireFields is a Validator that rejects payloads missing any of fields
func RequireFields(fields ...string) Validator {
	return func(req *Request) error {
		var missing []string
		for _, field := range fields {
			if _, ok := req.Payload[field]; !ok {
				missing = append(missing, field)
			}
		}
		if len(missing) > 0 {
			return &ValidationError{Field: strings.Join(missing, ","), Reason: "required"}
		}
		return nil
	}
}

// ValidationInterceptor rejects requests its validator refuses
type ValidationInterceptor struct {
	validate Validator
}

// NewValidationInterceptor creates a validation interceptor
func NewValidationInterceptor(validate Validator) *ValidationInterceptor {
	return &ValidationInterceptor{validate: validate}
}

// Intercept implements Interceptor
func (i *ValidationInterceptor) Intercept(ctx context.Context, req *Request, next HandlerFunc) (contracts.Payload, error) {
	if err := i.validate(req); err != nil {
		return nil, err
	}
	return next(ctx, req)
}

// Name implements Interceptor
func (i *ValidationInterceptor) Name() string {
	return "ValidationInterceptor"
}

// ShortCircuitEvaluator may answer a request without the rest of the chain.
// handled reports whether reply and err are the answer.
type ShortCircuitEvaluator func(ctx context.Context, req *Request) (reply contracts.Payload, handled bool, err error)

// ShortCircuitInterceptor answers from its evaluator when it can
type ShortCircuitInterceptor struct {
	evaluate ShortCircuitEvaluator
}

// NewShortCircuitInterceptor creates a short-circuit interceptor
func NewShortCircuitInterceptor(evaluate ShortCircuitEvaluator) *ShortCircuitInterceptor {
	return &ShortCircuitInterceptor{evaluate: evaluate}
}

// Intercept implements Interceptor
func (i *ShortCircuitInterceptor) Intercept(ctx context.Context, req *Request, next HandlerFunc) (contracts.Payload, error) {
	reply, handled, err := i.evaluate(ctx, req)
	if handled {
		return reply, err
	}
	return next(ctx, req)
}

// Name implements Interceptor
func (i *ShortCircuitInterceptor) Name() string {
	return "ShortCircuitInterceptor"
}
