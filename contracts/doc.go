// Package contracts provides the core data model shared by every conduit component.
//
// This package defines:
//   - Message: the unit of delivery, with attributes, attempt tracking and visibility
//   - QueueSpec: the immutable queue/topic descriptor
//   - The error taxonomy (TransientError, PermanentError, TimeoutError,
//     CircuitOpenError, LockContentionError, MaxAttemptsError)
//   - ObservabilitySink: the fire-and-forget event sink
//
// Retry decisions throughout the core go through IsTransient/IsPermanent
// rather than string matching on error text.
package contracts
