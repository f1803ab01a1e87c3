package storage

import (
	"github.com/cuemby/imagegend/pkg/types"
)

// Store defines the interface for task and image metadata storage
// This will be implemented by BoltDB-backed storage
type Store interface {
	// Tasks
	CreateTask(task *types.Task) error
	CreateTaskWithImages(task *types.Task, images []*types.Image) error
	GetTask(id string) (*types.Task, error)
	UpdateTask(task *types.Task) error
	ListTasks(filter types.TaskFilter) ([]*types.Task, int, error)
	ListTasksByStatus(statuses ...types.TaskStatus) ([]*types.Task, error)
	DeleteTaskCascade(id string) error

	// Images
	UpsertImage(image *types.Image) error
	GetImage(id string) (*types.Image, error)
	ListImagesByTask(taskID string) ([]*types.Image, error)
	DeleteImage(id string) (taskDeleted bool, err error)
	DeleteImageRow(id string) error

	// Provider configs
	UpsertProviderConfig(cfg *types.ProviderConfig) error
	GetProviderConfig(name string) (*types.ProviderConfig, error)
	ListProviderConfigs() ([]*types.ProviderConfig, error)
	DeleteProviderConfig(name string) error

	// Utility
	Close() error
}
