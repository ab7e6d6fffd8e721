// Package scheduler provides the per-session serialization queue and the
// session checkpoint manager. Tasks queued for the same session execute
// one at a time in FIFO order — the mechanical guarantee that at most one
// tick mutates a session at any moment — while distinct sessions run in
// parallel.
package scheduler

import "errors"

// Sentinel errors for the scheduler package.
var (
	// ErrSessionClosed is returned when enqueueing onto a closed session
	// queue.
	ErrSessionClosed = errors.New("session queue closed")

	// ErrQueueFull is returned when the session queue is at capacity.
	ErrQueueFull = errors.New("run queue full")

	// ErrTaskCancelled is delivered as a task's result when the task
	// panicked. Cancel does not deliver it.
	ErrTaskCancelled = errors.New("task cancelled")
)
