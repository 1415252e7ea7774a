// Package messaging implements the broker-agnostic reliability core:
// connection lifecycle, publishing, consumption and dead-letter routing
// over a pluggable wire transport.
//
// Components:
//   - ConnectionManager: owns the logical connection, supervised reconnect
//     loop with exponential backoff and ordered state events
//   - Publisher: validated, rate-limited, circuit-broken, retried sends;
//     batching and best-effort transactions
//   - Consumer: poll loop with prefetch backpressure, bounded worker pool,
//     group-key ordering, visibility heartbeats, graceful draining
//   - DeadLetterRouter: atomic check-and-route for exhausted messages
//
// Delivery is at-least-once throughout. Handlers should be idempotent;
// callers needing dedup attach an idempotency key attribute, which the
// core passes through untouched.
package messaging
