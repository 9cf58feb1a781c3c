// Package progress provides the event primitives, non-blocking hub, and emitter
// interface used to report batch, fetch, host and schedule milestones. Events
// are batched on a background goroutine and fanned out to sinks such as
// Prometheus metrics or structured logs.
package progress
