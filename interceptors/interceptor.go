package interceptors

import (
	"context"
	"log/slog"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/messaging"
)

// Request is a single request as seen by the chain
type Request struct {
	Pattern string
	Payload contracts.Payload
	Options contracts.Options
}

// HandlerFunc answers a request synchronously
type HandlerFunc func(ctx context.Context, req *Request) (contracts.Payload, error)

// Interceptor processes a request before it reaches the final handler
type Interceptor interface {
	// Intercept processes a request and calls next to continue the chain
	Intercept(ctx context.Context, req *Request, next HandlerFunc) (contracts.Payload, error)

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, req *Request, next HandlerFunc) (contracts.Payload, error)
}

// NewInterceptorFunc creates a function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, req *Request, next HandlerFunc) (contracts.Payload, error)) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, req *Request, next HandlerFunc) (contracts.Payload, error) {
	return i.fn(ctx, req, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// Chain is an ordered list of interceptors
type Chain struct {
	interceptors []Interceptor
	logger       *slog.Logger
}

// NewChain creates an empty chain
func NewChain(logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{logger: logger}
}

// Add appends an interceptor to the chain
func (c *Chain) Add(interceptor Interceptor) *Chain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Names returns the interceptor names in execution order
func (c *Chain) Names() []string {
	names := make([]string, len(c.interceptors))
	for i, interceptor := range c.interceptors {
		names[i] = interceptor.Name()
	}
	return names
}

// Execute runs req through the chain and then final
func (c *Chain) Execute(ctx context.Context, req *Request, final HandlerFunc) (contracts.Payload, error) {
	handler := final
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = func(ctx context.Context, req *Request) (contracts.Payload, error) {
			return interceptor.Intercept(ctx, req, next)
		}
	}
	return handler(ctx, req)
}

// Listener adapts final, wrapped by the chain, to a listener for pattern.
// The outcome of the chain is the answer to the request.
func (c *Chain) Listener(pattern string, final HandlerFunc) messaging.OptionsListener {
	return func(ctx context.Context, msg contracts.Payload, opts contracts.Options, respond messaging.Responder) {
		reply, err := c.Execute(ctx, &Request{
			Pattern: pattern,
			Payload: msg,
			Options: opts,
		}, final)
		if respondErr := respond(reply, err); respondErr != nil {
			c.logger.Warn("failed to answer request",
				"pattern", pattern,
				"correlationId", opts.CorrelationID,
				"error", respondErr,
			)
		}
	}
}

// Puller is implemented by messaging.Queue and messaging.Connection
type Puller interface {
	PullWithOptions(ctx context.Context, pattern string, listener messaging.OptionsListener, opts ...messaging.PullOption) (messaging.ListenerID, error)
}

// Serve registers final, wrapped by the chain, as a listener on pattern
func (c *Chain) Serve(ctx context.Context, q Puller, pattern string, final HandlerFunc, opts ...messaging.PullOption) (messaging.ListenerID, error) {
	return q.PullWithOptions(ctx, pattern, c.Listener(pattern, final), opts...)
}
