package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/imagegend/pkg/errdefs"
	"github.com/cuemby/imagegend/pkg/types"
)

var (
	// Bucket names
	bucketTasks           = []byte("tasks")
	bucketImages          = []byte("images")
	bucketProviderConfigs = []byte("provider_configs")
)

const (
	// DefaultPageSize applies when a list filter omits pageSize
	DefaultPageSize = 20

	// MaxPageSize caps a single listing response
	MaxPageSize = 100
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "imagegend.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketTasks,
			bucketImages,
			bucketProviderConfigs,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Task operations
func (s *BoltStore) CreateTask(task *types.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data, err := json.Marshal(task)
		if err != nil {
			return err
		}
		return b.Put([]byte(task.ID), data)
	})
}

// CreateTaskWithImages persists a task and its placeholder image rows in
// one transaction, so a crash never leaves a task without its rows.
func (s *BoltStore) CreateTaskWithImages(task *types.Task, images []*types.Image) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		tb := tx.Bucket(bucketTasks)
		data, err := json.Marshal(task)
		if err != nil {
			return err
		}
		if err := tb.Put([]byte(task.ID), data); err != nil {
			return err
		}

		ib := tx.Bucket(bucketImages)
		for _, image := range images {
			data, err := json.Marshal(image)
			if err != nil {
				return err
			}
			if err := ib.Put([]byte(image.ID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) GetTask(id string) (*types.Task, error) {
	var task types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data := b.Get([]byte(id))
		if data == nil {
			return errdefs.Ef(errdefs.KindNotFound, "task not found: %s", id)
		}
		return json.Unmarshal(data, &task)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *BoltStore) UpdateTask(task *types.Task) error {
	return s.CreateTask(task) // Same as create (upsert)
}

// ListTasks returns one page of tasks matching the filter, newest first,
// along with the total match count before paging.
func (s *BoltStore) ListTasks(filter types.TaskFilter) ([]*types.Task, int, error) {
	var tasks []*types.Task
	keyword := strings.ToLower(filter.Keyword)

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		return b.ForEach(func(k, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			if keyword != "" && !strings.Contains(strings.ToLower(task.Prompt), keyword) {
				return nil
			}
			if len(filter.Statuses) > 0 && !statusIn(task.Status, filter.Statuses) {
				return nil
			}
			tasks = append(tasks, &task)
			return nil
		})
	})
	if err != nil {
		return nil, 0, err
	}

	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID > tasks[j].ID
		}
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})

	total := len(tasks)

	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}

	start := (page - 1) * pageSize
	if start >= total {
		return []*types.Task{}, total, nil
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return tasks[start:end], total, nil
}

func (s *BoltStore) ListTasksByStatus(statuses ...types.TaskStatus) ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		return b.ForEach(func(k, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			if statusIn(task.Status, statuses) {
				tasks = append(tasks, &task)
			}
			return nil
		})
	})
	return tasks, err
}

// DeleteTaskCascade removes a task row and every image row it owns in one
// transaction. A missing task is not an error; re-running converges.
func (s *BoltStore) DeleteTaskCascade(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		ib := tx.Bucket(bucketImages)

		var stale [][]byte
		err := ib.ForEach(func(k, v []byte) error {
			var image types.Image
			if err := json.Unmarshal(v, &image); err != nil {
				return err
			}
			if image.TaskID == id {
				key := make([]byte, len(k))
				copy(key, k)
				stale = append(stale, key)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, key := range stale {
			if err := ib.Delete(key); err != nil {
				return err
			}
		}

		return tx.Bucket(bucketTasks).Delete([]byte(id))
	})
}

// Image operations
func (s *BoltStore) UpsertImage(image *types.Image) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketImages)
		data, err := json.Marshal(image)
		if err != nil {
			return err
		}
		return b.Put([]byte(image.ID), data)
	})
}

func (s *BoltStore) GetImage(id string) (*types.Image, error) {
	var image types.Image
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketImages)
		data := b.Get([]byte(id))
		if data == nil {
			return errdefs.Ef(errdefs.KindNotFound, "image not found: %s", id)
		}
		return json.Unmarshal(data, &image)
	})
	if err != nil {
		return nil, err
	}
	return &image, nil
}

// ListImagesByTask returns a task's images ordered by index
func (s *BoltStore) ListImagesByTask(taskID string) ([]*types.Image, error) {
	var images []*types.Image
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketImages)
		return b.ForEach(func(k, v []byte) error {
			var image types.Image
			if err := json.Unmarshal(v, &image); err != nil {
				return err
			}
			if image.TaskID == taskID {
				images = append(images, &image)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(images, func(i, j int) bool {
		return images[i].Index < images[j].Index
	})
	return images, nil
}

// DeleteImage removes an image row; when it was the owning task's last
// image, the task row goes with it. Deleting a missing image is a no-op.
func (s *BoltStore) DeleteImage(id string) (bool, error) {
	taskDeleted := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketImages)
		data := b.Get([]byte(id))
		if data == nil {
			return nil
		}
		var image types.Image
		if err := json.Unmarshal(data, &image); err != nil {
			return err
		}
		if err := b.Delete([]byte(id)); err != nil {
			return err
		}

		remaining := 0
		err := b.ForEach(func(k, v []byte) error {
			var sibling types.Image
			if err := json.Unmarshal(v, &sibling); err != nil {
				return err
			}
			if sibling.TaskID == image.TaskID {
				remaining++
			}
			return nil
		})
		if err != nil {
			return err
		}

		if remaining == 0 {
			if err := tx.Bucket(bucketTasks).Delete([]byte(image.TaskID)); err != nil {
				return err
			}
			taskDeleted = true
		}
		return nil
	})
	return taskDeleted, err
}

// DeleteImageRow removes one image row without the last-image cascade.
// Placeholder sweeps use it so a finalized task keeps its row even when
// no image ever landed.
func (s *BoltStore) DeleteImageRow(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketImages).Delete([]byte(id))
	})
}

// Provider config operations
func (s *BoltStore) UpsertProviderConfig(cfg *types.ProviderConfig) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProviderConfigs)
		data, err := json.Marshal(cfg)
		if err != nil {
			return err
		}
		return b.Put([]byte(cfg.Name), data)
	})
}

func (s *BoltStore) GetProviderConfig(name string) (*types.ProviderConfig, error) {
	var cfg types.ProviderConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProviderConfigs)
		data := b.Get([]byte(name))
		if data == nil {
			return errdefs.Ef(errdefs.KindNotFound, "provider config not found: %s", name)
		}
		return json.Unmarshal(data, &cfg)
	})
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *BoltStore) ListProviderConfigs() ([]*types.ProviderConfig, error) {
	var configs []*types.ProviderConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProviderConfigs)
		return b.ForEach(func(k, v []byte) error {
			var cfg types.ProviderConfig
			if err := json.Unmarshal(v, &cfg); err != nil {
				return err
			}
			configs = append(configs, &cfg)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(configs, func(i, j int) bool {
		return configs[i].Name < configs[j].Name
	})
	return configs, nil
}

func (s *BoltStore) DeleteProviderConfig(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProviderConfigs)
		return b.Delete([]byte(name))
	})
}

func statusIn(status types.TaskStatus, set []types.TaskStatus) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}
