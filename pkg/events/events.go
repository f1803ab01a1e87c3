package events

import (
	"sync"
	"time"

	"github.com/cuemby/imagegend/pkg/metrics"
	"github.com/cuemby/imagegend/pkg/types"
)

// Kind represents the type of progress event
type Kind string

const (
	KindStart    Kind = "start"
	KindProgress Kind = "progress"
	KindComplete Kind = "complete"
	KindError    Kind = "error"
)

// Event is one entry in a task's progress stream. Kind travels out of
// band (the SSE event name); the remaining fields form the payload.
type Event struct {
	Kind        Kind         `json:"-"`
	TaskID      string       `json:"task_id"`
	Total       int          `json:"total,omitempty"`
	Completed   int          `json:"completed,omitempty"`
	Image       *types.Image `json:"image,omitempty"`
	ImagesCount int          `json:"images_count,omitempty"`
	Message     string       `json:"message,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
}

// Terminal reports whether the event closes its topic
func (e *Event) Terminal() bool {
	return e.Kind == KindComplete || e.Kind == KindError
}

// Start builds the event emitted when a task begins processing
func Start(taskID string, total int) *Event {
	return &Event{Kind: KindStart, TaskID: taskID, Total: total}
}

// Progress builds the event emitted after each image attempt settles
func Progress(taskID string, completed, total int, image *types.Image) *Event {
	return &Event{Kind: KindProgress, TaskID: taskID, Completed: completed, Total: total, Image: image}
}

// Complete builds the terminal event for a fully successful task
func Complete(taskID string, imagesCount int) *Event {
	return &Event{Kind: KindComplete, TaskID: taskID, ImagesCount: imagesCount}
}

// Error builds the terminal event for a failed or partial task
func Error(taskID string, message string) *Event {
	return &Event{Kind: KindError, TaskID: taskID, Message: message}
}

// terminalSendTimeout bounds the blocking send that guarantees terminal
// delivery to a slow subscriber before its channel closes
const terminalSendTimeout = time.Second

// Subscription is one reader of a task topic. The channel closes after
// the terminal event is delivered or the subscriber is removed.
type Subscription struct {
	ch chan *Event

	// dropped is true when the newest progress event was not enqueued,
	// meaning the buffer holds a stale view. Guarded by the topic lock.
	dropped bool
}

// Events returns the subscriber's receive channel
func (s *Subscription) Events() <-chan *Event {
	return s.ch
}

// topic fans one task's events out to its subscribers. One lock per
// topic; publishes hold it only long enough to enqueue.
type topic struct {
	mu           sync.Mutex
	subs         map[*Subscription]struct{}
	lastProgress *Event
	terminal     *Event
}

// Bus routes progress events to per-task topics. Intermediate progress
// delivery is best-effort; the last progress before a terminal event and
// the terminal event itself are guaranteed (bounded by a send timeout
// for subscribers that stopped reading).
type Bus struct {
	mu     sync.Mutex
	topics map[string]*topic

	buffer int
	grace  time.Duration
}

// NewBus creates a bus. buffer is the per-subscriber channel depth and
// grace is how long a finished topic lingers for late subscribers;
// non-positive values fall back to 64 and 30s.
func NewBus(buffer int, grace time.Duration) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	if grace <= 0 {
		grace = 30 * time.Second
	}
	return &Bus{
		topics: make(map[string]*topic),
		buffer: buffer,
		grace:  grace,
	}
}

// Open creates the topic for a task. Called at task creation so
// subscribers arriving before the first event still attach.
func (b *Bus) Open(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.topics[taskID]; !ok {
		b.topics[taskID] = &topic{subs: make(map[*Subscription]struct{})}
	}
}

// Subscribe attaches to a task topic. The second return is false when
// the topic no longer exists (grace window passed or task unknown); the
// caller then derives a final status from persisted state. Subscribing
// to a live topic replays the most recent progress; subscribing during
// the grace window replays the terminal event and closes immediately.
func (b *Bus) Subscribe(taskID string) (*Subscription, bool) {
	b.mu.Lock()
	t, ok := b.topics[taskID]
	b.mu.Unlock()
	if !ok {
		return nil, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	sub := &Subscription{ch: make(chan *Event, b.buffer)}

	if t.terminal != nil {
		sub.ch <- t.terminal
		close(sub.ch)
		return sub, true
	}

	if t.lastProgress != nil {
		sub.ch <- t.lastProgress
	}
	t.subs[sub] = struct{}{}
	return sub, true
}

// Unsubscribe detaches a subscriber and closes its channel. Safe to call
// after the topic already closed the channel.
func (b *Bus) Unsubscribe(taskID string, sub *Subscription) {
	b.mu.Lock()
	t, ok := b.topics[taskID]
	b.mu.Unlock()
	if !ok || sub == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, attached := t.subs[sub]; attached {
		delete(t.subs, sub)
		close(sub.ch)
	}
}

// Publish routes an event to its task topic. Events for unknown topics
// are discarded. Terminal events close every subscriber channel and
// start the grace countdown for the topic itself.
func (b *Bus) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.Lock()
	t, ok := b.topics[event.TaskID]
	b.mu.Unlock()
	if !ok {
		return
	}

	if event.Terminal() {
		t.finish(event)
		time.AfterFunc(b.grace, func() { b.drop(event.TaskID) })
		return
	}

	t.broadcast(event)
}

func (t *topic) broadcast(event *Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.terminal != nil {
		return
	}
	if event.Kind == KindProgress || event.Kind == KindStart {
		t.lastProgress = event
	}

	for sub := range t.subs {
		select {
		case sub.ch <- event:
			sub.dropped = false
		default:
			sub.dropped = true
			metrics.EventsDropped.Inc()
		}
	}
}

// finish delivers the terminal event. Subscribers whose buffers dropped
// progress get the last progress resent first, blocking up to the send
// timeout, so every surviving reader sees the final counts.
func (t *topic) finish(event *Event) {
	t.mu.Lock()
	if t.terminal != nil {
		t.mu.Unlock()
		return
	}
	t.terminal = event
	last := t.lastProgress
	subs := make([]*Subscription, 0, len(t.subs))
	for sub := range t.subs {
		subs = append(subs, sub)
		delete(t.subs, sub)
	}
	t.mu.Unlock()

	for _, sub := range subs {
		if sub.dropped && last != nil {
			sendWithTimeout(sub.ch, last)
		}
		if !sendWithTimeout(sub.ch, event) {
			metrics.EventsDropped.Inc()
		}
		close(sub.ch)
	}
}

func sendWithTimeout(ch chan *Event, event *Event) bool {
	timer := time.NewTimer(terminalSendTimeout)
	defer timer.Stop()
	select {
	case ch <- event:
		return true
	case <-timer.C:
		return false
	}
}

// drop removes a topic after its grace window, detaching any readers
// still waiting on a replay.
func (b *Bus) drop(taskID string) {
	b.mu.Lock()
	t, ok := b.topics[taskID]
	delete(b.topics, taskID)
	b.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for sub := range t.subs {
		delete(t.subs, sub)
		close(sub.ch)
	}
}

// Discard tears down a topic without a terminal event. Used when task
// creation rolls back before any subscriber could be promised delivery.
func (b *Bus) Discard(taskID string) {
	b.drop(taskID)
}

// Close tears down every topic. Pending subscribers are closed without a
// terminal event; callers are expected to have finalized tasks first.
func (b *Bus) Close() {
	b.mu.Lock()
	topics := b.topics
	b.topics = make(map[string]*topic)
	b.mu.Unlock()

	for _, t := range topics {
		t.mu.Lock()
		for sub := range t.subs {
			delete(t.subs, sub)
			close(sub.ch)
		}
		t.mu.Unlock()
	}
}

// SubscriberCount returns the number of active subscribers on a topic
func (b *Bus) SubscriberCount(taskID string) int {
	b.mu.Lock()
	t, ok := b.topics[taskID]
	b.mu.Unlock()
	if !ok {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}
