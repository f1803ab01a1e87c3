package framework

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/imagegend/pkg/types"
)

// Waiter provides utilities for waiting on conditions with timeouts
type Waiter struct {
	timeout  time.Duration
	interval time.Duration
}

// NewWaiter creates a new Waiter with the given timeout and polling interval
func NewWaiter(timeout, interval time.Duration) *Waiter {
	return &Waiter{
		timeout:  timeout,
		interval: interval,
	}
}

// DefaultWaiter returns a waiter tuned for an in-process backend
// (15s timeout, 25ms interval)
func DefaultWaiter() *Waiter {
	return NewWaiter(15*time.Second, 25*time.Millisecond)
}

// WaitFor waits for a condition to become true
func (w *Waiter) WaitFor(ctx context.Context, condition func() bool, description string) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Check immediately
	if condition() {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for: %s (timeout: %v)", description, w.timeout)
		case <-ticker.C:
			if condition() {
				return nil
			}
		}
	}
}

// WaitForTaskStatus waits for a task to reach a specific status
func (w *Waiter) WaitForTaskStatus(ctx context.Context, client *Client, taskID string, status types.TaskStatus) error {
	return w.WaitFor(ctx, func() bool {
		item, err := client.GetTask(ctx, taskID)
		if err != nil {
			return false
		}
		return item.Task.Status == status
	}, fmt.Sprintf("task %s to reach status %s", taskID, status))
}

// WaitForTaskTerminal waits for a task to reach any terminal status
func (w *Waiter) WaitForTaskTerminal(ctx context.Context, client *Client, taskID string) error {
	return w.WaitFor(ctx, func() bool {
		item, err := client.GetTask(ctx, taskID)
		if err != nil {
			return false
		}
		return item.Task.Status.IsTerminal()
	}, fmt.Sprintf("task %s to finish", taskID))
}

// WaitForCompletedCount waits for a task's progress counter to reach n
func (w *Waiter) WaitForCompletedCount(ctx context.Context, client *Client, taskID string, n int) error {
	return w.WaitFor(ctx, func() bool {
		item, err := client.GetTask(ctx, taskID)
		if err != nil {
			return false
		}
		return item.Task.CompletedCount >= n
	}, fmt.Sprintf("task %s to process %d images", taskID, n))
}

// WaitForTaskGone waits for a task to stop resolving
func (w *Waiter) WaitForTaskGone(ctx context.Context, client *Client, taskID string) error {
	return w.WaitFor(ctx, func() bool {
		_, err := client.GetTask(ctx, taskID)
		return err != nil
	}, fmt.Sprintf("task %s to be deleted", taskID))
}
