/*
Package worker provides the bounded pool that drives task generation.

	Submit (non-blocking)
	     ↓
	queue (buffered channel, FIFO)
	     ↓
	W workers ──► TaskRunner.Run(ctx, taskID)

Capacity is the queue buffer: when it is full, Submit answers
queue-full immediately instead of blocking the caller. The pool never
touches the metadata store; everything a task does to rows, files, and
the progress bus happens inside the runner.

Each run gets its own context derived from the pool's base context.
Cancel cancels a running task's context directly; for a task still in
the queue it marks the entry, and the worker that eventually dequeues
it starts the runner with an already-canceled context so the task is
finalized as canceled through the ordinary path. Shutdown cancels the
base context, which sweeps every in-flight run at once, then waits for
the workers within the caller's deadline.
*/
package worker
