// Package progress provides the event primitives, non-blocking hub, and
// emitter interfaces the capture pipeline uses to report per-run activity. It
// batches events on a background goroutine and fans them out to pluggable
// sinks such as Prometheus metrics or the run activity table.
package progress
