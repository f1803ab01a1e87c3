/*
Package server assembles the backend process and owns its lifecycle.

Construction opens the stores and builds the component graph; Run binds
the listener, settles any rows a previous process left mid-flight, and
serves until the context cancels:

	                 New(cfg)
	                    │
	   bbolt store ◄────┼────► file store
	                    │
	  bus ── registry ── manager ── worker pool
	                    │
	                 api.Server
	                    │
	                 Run(ctx)
	                    │
	     registry reload → reconcile → pool start
	                    │
	          ┌─────────┴──────────┐
	          │ HTTP serve         │ parent monitor (stdin EOF)
	          │ config watcher     │ ctx cancellation
	          └─────────┬──────────┘
	                    │ shutdown
	   stop intake → drain grace → restart sweep → close stores

The shutdown order matters: the pool stops accepting and cancels
in-flight tasks first, the drain gets a bounded grace window, and a
final reconciliation pass records anything still unfinished as
interrupted, so the next boot (and this boot's last persisted state)
never shows a task stuck in queued or processing.

Parent monitoring covers the desktop case where a UI shell owns the
backend: the shell holds the child's stdin pipe, and closing it is the
shutdown signal that survives the shell crashing.
*/
package server
