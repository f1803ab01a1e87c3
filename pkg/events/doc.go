/*
Package events provides the in-memory progress bus for task streams.

Each task gets its own topic, opened at creation and torn down a grace
window after the terminal event. Subscribers attach per task and read a
monotonic stream: start, zero or more progress events, then exactly one
complete or error.

# Delivery Guarantees

	Publisher (task manager, single writer per task)
	     ↓
	Topic (one lock, held only to enqueue)
	     ↓ non-blocking fan-out
	Subscriber channels (buffered)

Intermediate progress is best-effort: a subscriber whose buffer is full
misses events and is marked dropped. Terminal delivery is guaranteed in
two steps: a dropped subscriber first gets the newest progress resent,
then everyone gets the terminal event, each send blocking up to a short
timeout before the channel closes. A reader that stopped consuming
entirely forfeits delivery after the timeout.

Late subscribers inside the grace window receive the terminal event as
a one-item replay and an immediate close. After the grace window the
topic is gone and Subscribe returns false; callers synthesize a final
status from persisted state instead.

Events carry their kind out of band so the HTTP layer can map it to the
SSE event name; the struct's JSON form is the data payload only.
*/
package events
