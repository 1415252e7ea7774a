// Package reliability provides the failure-isolation and throttling
// primitives used by the messaging layer.
//
// This package implements:
//   - Circuit Breaker: sliding-window failure counting, single half-open
//     trial, cooldown escalation on repeated trial failures
//   - Retry Policies: exponential backoff with jitter, fixed delay
//   - Token Bucket: lazy-refill rate limiting without a background timer
//
// All implementations are safe for concurrent use. Retry decisions defer to
// the contracts error taxonomy: permanent errors are never retried.
package reliability
