package metrics

import (
	"time"

	"github.com/cuemby/imagegend/pkg/types"
)

// TaskLister provides the task queries the collector polls. Implemented
// by the metadata store; an interface keeps this package free of storage
// imports.
type TaskLister interface {
	ListTasksByStatus(statuses ...types.TaskStatus) ([]*types.Task, error)
}

// Collector periodically refreshes task-count gauges from the store
type Collector struct {
	tasks  TaskLister
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(tasks TaskLister) *Collector {
	return &Collector{
		tasks:  tasks,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	statuses := []types.TaskStatus{
		types.TaskStatusQueued,
		types.TaskStatusProcessing,
		types.TaskStatusCompleted,
		types.TaskStatusPartial,
		types.TaskStatusFailed,
	}

	tasks, err := c.tasks.ListTasksByStatus(statuses...)
	if err != nil {
		return
	}

	counts := make(map[types.TaskStatus]int)
	for _, task := range tasks {
		counts[task.Status]++
	}

	// Set every status explicitly so gauges fall back to zero when the
	// last task of a status disappears
	for _, status := range statuses {
		TasksTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
