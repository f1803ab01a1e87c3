/*
Package types defines the core data structures used throughout imagegend.

This package contains the fundamental types of the generation domain: tasks,
images, provider configurations, adapter parameters, and the request/response
shapes shared between the manager, the worker pool, and the HTTP transport.
All other packages depend on it; it depends on nothing but the standard
library.

# Core Types

Task Lifecycle:
  - Task: one client submission to generate N images from a prompt
  - TaskStatus: queued, processing, completed, partial, failed
  - TaskFilter / TaskPage: list queries and their paginated results

Artifacts:
  - Image: one produced artifact with persisted bytes and dimensions
  - ImageStatus: pending (placeholder), success, failed
  - RefImage: a reference-image descriptor (local path or inline bytes)

Providers:
  - ProviderConfig: persisted settings for one upstream (URL, key, limits)
  - ProviderInfo: the descriptor served to clients
  - GenerateParams / GenerateResult: the adapter call contract

# State Machine

Tasks follow a fixed state machine with exactly five states:

	(submit) → queued → processing → completed
	                        │      ↘ partial
	                        └──────→ failed

Terminal states are completed, partial, and failed. A task that was
non-terminal when the process died is reconciled to failed at startup.

Image rows move pending → success (bytes landed) or pending → failed and
are immutable afterwards except for deletion.

# Validation

Enumerations use typed string constants with Valid() helpers. The aspect
ratio and resolution sets are closed; counts are clamped into
[MinImageCount, MaxImageCount] before a task is accepted.

# Thread Safety

Types here carry no locks. The task manager serializes all task mutations;
everything else treats instances as read-only snapshots.
*/
package types
