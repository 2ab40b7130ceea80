// Package metrics exports registry, service, transport and store statistics
// to Prometheus.
//
// Key metrics:
//   - Values published per data type and book quotes cleared
//   - Open sessions, subscriptions and outbox drops
//   - Feed frames, parse errors and publish errors
//   - Buffered store backlog, flush retries and cache hit rates
package metrics
