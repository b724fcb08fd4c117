// Package queue provides the capture task queue implementations. The memory
// subpackage backs single-process deployments; the Pub/Sub queue in this
// package distributes tasks across instances.
package queue

import "errors"

// ErrClosed is returned by Dequeue once the queue is closed and drained.
var ErrClosed = errors.New("queue: closed")
