// Package rabbitmq wraps amqp091-go with the plumbing the RPC transport needs.
//
// This package includes:
//   - ConnectionManager: dials the broker and reconnects with jittered backoff
//   - ChannelPool: hands out confirm-mode channels for publishing
//   - Publisher: mandatory publishes that wait for the broker confirm
//   - Consumer: per-tag consumers that can be cancelled from inside a handler
//   - TopologyManager: declares the topic exchange, queues and bindings
package rabbitmq
