/*
Package manager owns the task lifecycle from submission to terminal
state. It is the single writer for task rows and the only publisher of
progress events; everything else reads.

# State Machine

	          submit                    worker picks up
	(none) ──────────► queued ──────────────────────► processing
	                     │                                 │ image landed
	                     │ cancel before start             │ (upsert row, bump
	                     ▼                                 │  counter, progress)
	               failed("canceled")                      ▼
	                                          ┌── all landed ──► completed
	                                          ├── some landed ─► partial
	                                          └── none landed ─► failed

A task is created with its placeholder image rows in one transaction
and enqueued afterwards; when the queue rejects the submission, those
rows are rolled back so a queue-full answer leaves no trace. Each image
is one upstream call: transient failures burn the adapter's retry
budget, and once exhausted that image flips to failed while the task
keeps going. Cancellation (client delete, per-task deadline, shutdown)
interrupts at the next upstream I/O boundary; landed images stay,
still-pending placeholders are swept, and the row records why it
stopped.

Row mutations are serialized per task through a keyed mutex, so counter
updates never race between the runner and a concurrent delete.
Cross-task operations run concurrently.

Deleting a non-terminal task only requests cancellation; the runner
finalizes it as failed("canceled") with its landed images intact.
Deleting a terminal task cascades rows and byte files. Both converge
when repeated.
*/
package manager
