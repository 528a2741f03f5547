// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mmaterpc

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.uber.org/multierr"

	"github.com/glimte/mmate-rpc/internal/rabbitmq"
	"github.com/glimte/mmate-rpc/messaging"
	rabbitmqTransport "github.com/glimte/mmate-rpc/transports/rabbitmq"
)

// RPC is the main entry point: request/reply over a pub/sub transport.
// It is an event emitter and a queue at once, and keeps a second raw
// connection on the same transport for one-shot listeners.
type RPC struct {
	*messaging.Emitter
	*messaging.Queue

	conn      *messaging.Connection
	transport messaging.Transport
	logger    *slog.Logger
}

// rpcConfig holds RPC configuration
type rpcConfig struct {
	logger           *slog.Logger
	callbackPattern  string
	requestTimeout   time.Duration
	metrics          messaging.MetricsCollector
	queueOptions     []messaging.QueueOption
	transportOptions []rabbitmqTransport.TransportOption
}

// Option configures the RPC
type Option func(*rpcConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) Option {
	return func(c *rpcConfig) {
		c.logger = logger
	}
}

// WithCallbackPattern fixes the reply pattern of the queue. The raw
// connection always uses a generated one.
func WithCallbackPattern(pattern string) Option {
	return func(c *rpcConfig) {
		c.callbackPattern = pattern
	}
}

// WithRequestTimeout sets the default request deadline. Zero waits forever.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(c *rpcConfig) {
		c.requestTimeout = timeout
	}
}

// WithMetrics sets the metrics collector shared by both queues
func WithMetrics(metrics messaging.MetricsCollector) Option {
	return func(c *rpcConfig) {
		c.metrics = metrics
	}
}

// WithQueueOptions passes extra options to both queues
func WithQueueOptions(opts ...messaging.QueueOption) Option {
	return func(c *rpcConfig) {
		c.queueOptions = append(c.queueOptions, opts...)
	}
}

// WithTransportOptions passes options to the RabbitMQ transport built by Dial
func WithTransportOptions(opts ...rabbitmqTransport.TransportOption) Option {
	return func(c *rpcConfig) {
		c.transportOptions = append(c.transportOptions, opts...)
	}
}

func newRPCConfig(options ...Option) *rpcConfig {
	cfg := &rpcConfig{
		logger:  slog.Default(),
		metrics: &messaging.NoOpMetricsCollector{},
	}
	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}

// New builds an RPC over transport. Close closes the transport too.
func New(transport messaging.Transport, options ...Option) (*RPC, error) {
	cfg := newRPCConfig(options...)
	emitter := messaging.NewEmitter()

	shared := append([]messaging.QueueOption{
		messaging.WithQueueLogger(cfg.logger),
		messaging.WithMetrics(cfg.metrics),
		messaging.WithNotifier(emitter),
		messaging.WithRequestTimeout(cfg.requestTimeout),
	}, cfg.queueOptions...)

	queueOpts := shared
	if cfg.callbackPattern != "" {
		queueOpts = append(queueOpts[:len(queueOpts):len(queueOpts)], messaging.WithCallbackPattern(cfg.callbackPattern))
	}

	queue, err := messaging.NewQueue(transport, queueOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create queue: %w", err)
	}

	conn, err := messaging.NewConnection(transport, shared...)
	if err != nil {
		queue.Close()
		return nil, fmt.Errorf("failed to create connection: %w", err)
	}

	cfg.logger.Info("rpc ready",
		"callbackPattern", queue.CallbackPattern(),
		"connectionCallbackPattern", conn.CallbackPattern(),
	)

	return &RPC{
		Emitter:   emitter,
		Queue:     queue,
		conn:      conn,
		transport: transport,
		logger:    cfg.logger,
	}, nil
}

// Dial connects to the RabbitMQ broker at url and builds an RPC over it
func Dial(ctx context.Context, url string, options ...Option) (*RPC, error) {
	cfg := newRPCConfig(options...)

	transportOpts := append([]rabbitmqTransport.TransportOption{
		rabbitmqTransport.WithLogger(cfg.logger),
		rabbitmqTransport.WithConnectionOptions(rabbitmq.WithLogger(cfg.logger)),
	}, cfg.transportOptions...)

	transport, err := rabbitmqTransport.NewTransport(ctx, url, transportOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	rpc, err := New(transport, options...)
	if err != nil {
		transport.Close()
		return nil, err
	}
	return rpc, nil
}

// Connection returns the raw connection facade, the one that offers PullOnce
func (r *RPC) Connection() *messaging.Connection {
	return r.conn
}

// Transport returns the underlying transport
func (r *RPC) Transport() messaging.Transport {
	return r.transport
}

// IsConnected reports whether the transport is connected, when it can tell
func (r *RPC) IsConnected() bool {
	if state, ok := r.transport.(interface{ IsConnected() bool }); ok {
		return state.IsConnected()
	}
	return true
}

// Close closes both queues, then the transport
func (r *RPC) Close() error {
	err := multierr.Combine(
		r.Queue.Close(),
		r.conn.Close(),
		r.transport.Close(),
	)
	r.logger.Info("rpc closed", "error", err)
	return err
}
