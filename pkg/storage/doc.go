/*
Package storage persists imagegend state: task and image metadata in an
embedded BoltDB file, and image bytes as plain files under the working
directory.

The metadata side implements the Store interface using BoltDB, providing
ACID transactions for tasks, image rows, and provider configurations. All
data is serialized as JSON and stored in separate buckets. The byte side
is the FileStore, a write-once file layout whose relative paths double as
URL paths under the /storage/ static route.

# Architecture

	┌──────────────────── STORAGE LAYOUT ───────────────────────┐
	│                                                             │
	│  <workDir>/imagegend.db            BoltDB metadata          │
	│  ┌─────────────────────────────────────────────┐           │
	│  │ tasks            (Task ID → JSON)           │           │
	│  │ images           (Image ID → JSON)          │           │
	│  │ provider_configs (name → JSON)              │           │
	│  └─────────────────────────────────────────────┘           │
	│                                                             │
	│  <workDir>/storage/local/          byte store               │
	│  ┌─────────────────────────────────────────────┐           │
	│  │ <taskID>_<index>.<ext>         originals    │           │
	│  │ thumb_<taskID>_<index>.<ext>   thumbnails   │           │
	│  └─────────────────────────────────────────────┘           │
	│                                                             │
	│  Transactions: db.View() concurrent reads,                  │
	│  db.Update() serialized writes, fsync on commit.            │
	└─────────────────────────────────────────────────────────────┘

# Transactional Boundaries

Task creation writes the task row and its placeholder image rows in one
transaction (CreateTaskWithImages), so a crash never produces a task
whose rows are missing. Cascade deletes remove every image row and the
task row in one transaction (DeleteTaskCascade); byte files are removed
by the caller before the row transaction, and both sides tolerate
re-runs, so a partially failed cascade converges when repeated.

DeleteImage removes a single image row and, when it was the owning
task's last row, takes the task row with it in the same transaction.
Deleting an already-deleted image is a no-op success.

# Listing

ListTasks filters on prompt keyword and status, orders newest first, and
returns one page plus the total match count. Filters scan the full
bucket; a local single-user dataset stays small enough that secondary
indexes are not worth their complexity.

# Usage

	store, err := storage.NewBoltStore("/data/imagegend")
	if err != nil {
		return err
	}
	defer store.Close()

	files, err := storage.NewFileStore("/data/imagegend")
	if err != nil {
		return err
	}

	rel, err := files.Put(storage.FileName(task.ID, 0, "png"), bytes)
	// rel == "storage/local/<taskID>_0.png"

# Design Patterns

Upsert Pattern:
  - Create and Update use the same Put; no separate exists check

Idempotent Deletes:
  - Missing keys and missing files are not errors; cleanup re-runs
    converge

Write-Once Files:
  - Identifiers are unique, so no generated file is ever overwritten;
    Put stages through a temp file and renames for atomicity

Filter Pattern:
  - List all, filter in memory; datasets are single-user sized

# See Also

  - pkg/manager for the single-writer task lifecycle
  - pkg/types for all entity definitions
  - pkg/reconciler for startup state repair
  - BoltDB documentation: https://github.com/etcd-io/bbolt
*/
package storage
