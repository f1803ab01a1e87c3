package framework

import (
	"bytes"
	"os"

	"github.com/cuemby/imagegend/pkg/events"
	"github.com/cuemby/imagegend/pkg/imaging"
	"github.com/cuemby/imagegend/pkg/types"
)

// Assertions provides test assertion helpers
type Assertions struct {
	t TestingT
}

// NewAssertions creates a new Assertions instance
func NewAssertions(t TestingT) *Assertions {
	return &Assertions{t: t}
}

// TaskStatus asserts that a task is in the given status
func (a *Assertions) TaskStatus(task *types.Task, want types.TaskStatus) {
	a.t.Helper()

	if task.Status != want {
		a.t.Fatalf("Task %s has status %s, expected %s", task.ID, task.Status, want)
	}
}

// TaskFailedWith asserts that a task failed for the given reason
func (a *Assertions) TaskFailedWith(task *types.Task, reason string) {
	a.t.Helper()

	if task.Status != types.TaskStatusFailed {
		a.t.Fatalf("Task %s has status %s, expected failed", task.ID, task.Status)
	}
	if task.ErrorMessage != reason {
		a.t.Fatalf("Task %s failed with %q, expected %q", task.ID, task.ErrorMessage, reason)
	}
}

// SuccessImages asserts that a task carries exactly want success images
func (a *Assertions) SuccessImages(item *types.TaskWithImages, want int) {
	a.t.Helper()

	got := 0
	for _, img := range item.Images {
		if img.Status == types.ImageStatusSuccess {
			got++
		}
	}
	if got != want {
		a.t.Fatalf("Task %s has %d success images, expected %d", item.Task.ID, got, want)
	}
}

// CountersSettled asserts that a terminal task's progress counter agrees
// with its persisted rows: every remaining row is terminal and the
// counter equals the row count
func (a *Assertions) CountersSettled(item *types.TaskWithImages) {
	a.t.Helper()

	if !item.Task.Status.IsTerminal() {
		a.t.Fatalf("Task %s is still %s, counters settle only on terminal tasks", item.Task.ID, item.Task.Status)
	}
	for _, img := range item.Images {
		if !img.Status.IsTerminal() {
			a.t.Fatalf("Task %s still has a %s image row after finishing", item.Task.ID, img.Status)
		}
	}
	if item.Task.CompletedCount != len(item.Images) {
		a.t.Fatalf("Task %s reports completedCount=%d but has %d image rows",
			item.Task.ID, item.Task.CompletedCount, len(item.Images))
	}
}

// EventOrdering asserts the per-task stream contract over a recorded
// sequence: a start only at the head, exactly one terminal event, the
// terminal event last, and progress counters that never move backwards.
// Streams attached after the task began legitimately miss the start.
func (a *Assertions) EventOrdering(evts []*events.Event) {
	a.t.Helper()

	if len(evts) == 0 {
		a.t.Fatalf("No events received")
	}

	terminals := 0
	lastCompleted := 0
	for i, ev := range evts {
		switch ev.Kind {
		case events.KindStart:
			if i != 0 {
				a.t.Fatalf("Event %d is a start, expected it only at the head", i)
			}
		case events.KindProgress:
			if ev.Completed < lastCompleted {
				a.t.Fatalf("Progress went backwards: %d after %d", ev.Completed, lastCompleted)
			}
			lastCompleted = ev.Completed
		case events.KindComplete, events.KindError:
			terminals++
			if i != len(evts)-1 {
				a.t.Fatalf("Terminal event %s at position %d, expected it last", ev.Kind, i)
			}
		default:
			a.t.Fatalf("Unknown event kind %q", ev.Kind)
		}
	}
	if terminals != 1 {
		a.t.Fatalf("Saw %d terminal events, expected exactly one", terminals)
	}
}

// ImageDimensions asserts that encoded image bytes decode to the given
// size and that both edges are positive multiples of 8
func (a *Assertions) ImageDimensions(data []byte, wantWidth, wantHeight int) {
	a.t.Helper()

	info, err := imaging.Probe(data)
	if err != nil {
		a.t.Fatalf("Image bytes do not decode: %v", err)
	}
	if info.Width != wantWidth || info.Height != wantHeight {
		a.t.Fatalf("Image is %dx%d, expected %dx%d", info.Width, info.Height, wantWidth, wantHeight)
	}
	if info.Width <= 0 || info.Width%8 != 0 || info.Height <= 0 || info.Height%8 != 0 {
		a.t.Fatalf("Image edges %dx%d are not positive multiples of 8", info.Width, info.Height)
	}
}

// BytesEqual asserts that two byte payloads are identical
func (a *Assertions) BytesEqual(want, got []byte, what string) {
	a.t.Helper()

	if !bytes.Equal(want, got) {
		a.t.Fatalf("%s: payload differs (%d bytes vs %d bytes)", what, len(want), len(got))
	}
}

// FileExists asserts that a path resolves to a regular file
func (a *Assertions) FileExists(path string) {
	a.t.Helper()

	info, err := os.Stat(path)
	if err != nil {
		a.t.Fatalf("Expected file %s: %v", path, err)
	}
	if info.IsDir() {
		a.t.Fatalf("Expected file %s, found a directory", path)
	}
}

// FileMissing asserts that nothing exists at the given path
func (a *Assertions) FileMissing(path string) {
	a.t.Helper()

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		a.t.Fatalf("Expected %s to be gone (err: %v)", path, err)
	}
}

// NoError asserts that the error is nil
func (a *Assertions) NoError(err error, msg string) {
	a.t.Helper()

	if err != nil {
		a.t.Fatalf("%s: %v", msg, err)
	}
}

// Error asserts that the error is not nil
func (a *Assertions) Error(err error, msg string) {
	a.t.Helper()

	if err == nil {
		a.t.Fatalf("%s: expected error but got nil", msg)
	}
}

// Equal asserts that two values are equal
func (a *Assertions) Equal(expected, actual interface{}, msg string) {
	a.t.Helper()

	if expected != actual {
		a.t.Fatalf("%s: expected %v, got %v", msg, expected, actual)
	}
}

// True asserts that a condition is true
func (a *Assertions) True(condition bool, msg string) {
	a.t.Helper()

	if !condition {
		a.t.Fatalf("%s: expected true, got false", msg)
	}
}
