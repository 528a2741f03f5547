// Package monitor exposes the operational state of an RPC node: Prometheus
// metrics for requests and replies, and health checks over HTTP.
package monitor
