/*
Package reconciler finalizes tasks interrupted by a process restart.

The pass runs once before the HTTP listener opens, and again during
shutdown for tasks the drain window could not finish:

	scan queued + processing
	     ↓
	per task:
	  pending placeholder → sweep stray bytes, delete row
	  landed image        → keep
	     ↓
	task → failed, reason "restart"

Nothing is resumed. Generation state lives only in process memory, so
after a restart the conservative truth is that every in-flight task
failed; landed images remain visible in the gallery and the row records
why the task stopped. Re-running the pass converges: a second scan
finds no non-terminal tasks.
*/
package reconciler
