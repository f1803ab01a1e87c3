package types

import (
	"encoding/json"
	"time"
)

// Task represents one client submission to generate N images from a prompt
type Task struct {
	ID             string          `json:"id"`
	Prompt         string          `json:"prompt"`
	Provider       string          `json:"provider"`
	Model          string          `json:"model"`
	TimeoutSeconds int             `json:"timeoutSeconds,omitempty"`
	AspectRatio    AspectRatio     `json:"aspectRatio"`
	Resolution     Resolution      `json:"imageSize"`
	Count          int             `json:"count"`
	RefImages      []RefImage      `json:"refImages,omitempty"`
	Status         TaskStatus      `json:"status"`
	ErrorMessage   string          `json:"errorMessage,omitempty"`
	TotalCount     int             `json:"totalCount"`
	CompletedCount int             `json:"completedCount"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`
	ConfigSnapshot json.RawMessage `json:"configSnapshot,omitempty"`
}

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	TaskStatusQueued     TaskStatus = "queued"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusPartial    TaskStatus = "partial"
	TaskStatusFailed     TaskStatus = "failed"
)

// Valid reports whether s is one of the five task statuses
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusQueued, TaskStatusProcessing, TaskStatusCompleted,
		TaskStatusPartial, TaskStatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions are allowed from s
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusPartial, TaskStatusFailed:
		return true
	}
	return false
}

// AspectRatio is the closed set of supported output shapes
type AspectRatio string

const (
	AspectRatioSquare         AspectRatio = "1:1"
	AspectRatioWide           AspectRatio = "16:9"
	AspectRatioTall           AspectRatio = "9:16"
	AspectRatioLandscape      AspectRatio = "4:3"
	AspectRatioPortrait       AspectRatio = "3:4"
	AspectRatioClassicPortrait AspectRatio = "2:3"
)

// AspectRatios lists every supported ratio in display order
func AspectRatios() []AspectRatio {
	return []AspectRatio{
		AspectRatioSquare,
		AspectRatioWide,
		AspectRatioTall,
		AspectRatioLandscape,
		AspectRatioPortrait,
		AspectRatioClassicPortrait,
	}
}

// Valid reports whether r is a supported aspect ratio
func (r AspectRatio) Valid() bool {
	for _, known := range AspectRatios() {
		if r == known {
			return true
		}
	}
	return false
}

// Resolution is the closed set of output resolution classes
type Resolution string

const (
	Resolution1K Resolution = "1K"
	Resolution2K Resolution = "2K"
	Resolution4K Resolution = "4K"
)

// Valid reports whether r is a supported resolution class
func (r Resolution) Valid() bool {
	switch r {
	case Resolution1K, Resolution2K, Resolution4K:
		return true
	}
	return false
}

// Count bounds for a single task
const (
	MinImageCount = 1
	MaxImageCount = 100
)

// ClampCount forces n into [MinImageCount, MaxImageCount]
func ClampCount(n int) int {
	if n < MinImageCount {
		return MinImageCount
	}
	if n > MaxImageCount {
		return MaxImageCount
	}
	return n
}

// RefImage is one reference-image descriptor on a task. Exactly one of
// Path or Data is set.
type RefImage struct {
	Path string `json:"path,omitempty"`
	Data []byte `json:"data,omitempty"`
	MIME string `json:"mime,omitempty"`
}

// Image represents one produced artifact belonging to a task
type Image struct {
	ID          string      `json:"id"`
	TaskID      string      `json:"taskId"`
	Index       int         `json:"index"`
	ContentPath string      `json:"contentPath,omitempty"`
	ThumbPath   string      `json:"thumbPath,omitempty"`
	Size        int64       `json:"size"`
	Width       int         `json:"width"`
	Height      int         `json:"height"`
	MIME        string      `json:"mime,omitempty"`
	Status      ImageStatus `json:"status"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// ImageStatus represents the state of a single image row
type ImageStatus string

const (
	ImageStatusPending ImageStatus = "pending"
	ImageStatusSuccess ImageStatus = "success"
	ImageStatusFailed  ImageStatus = "failed"
)

// IsTerminal reports whether the image row will not change again
func (s ImageStatus) IsTerminal() bool {
	return s == ImageStatusSuccess || s == ImageStatusFailed
}

// ProviderConfig holds the persisted settings for one upstream provider
type ProviderConfig struct {
	Name           string            `json:"name"`
	DisplayName    string            `json:"displayName"`
	BaseURL        string            `json:"baseUrl"`
	APIKey         string            `json:"apiKey,omitempty"`
	Extra          map[string]string `json:"extra,omitempty"`
	Enabled        bool              `json:"enabled"`
	TimeoutSeconds int               `json:"timeoutSeconds"`
	MaxRetries     int               `json:"maxRetries"`
}

// ProviderInfo is the adapter descriptor exposed to clients
type ProviderInfo struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
	Enabled     bool   `json:"enabled"`
	Configured  bool   `json:"configured"`
}

// GenerateParams carries the validated parameters handed to an adapter
type GenerateParams struct {
	Prompt      string      `json:"prompt"`
	Model       string      `json:"model_id"`
	AspectRatio AspectRatio `json:"aspectRatio"`
	Resolution  Resolution  `json:"imageSize"`
	Count       int         `json:"count"`
	RefImages   []RefData   `json:"-"`
}

// RefData is one in-memory reference image passed to an adapter
type RefData struct {
	Data []byte
	MIME string
}

// GeneratedImage is one image returned by an adapter
type GeneratedImage struct {
	Data   []byte
	MIME   string
	Width  int
	Height int
}

// GenerateResult is the adapter response for one generate call
type GenerateResult struct {
	Images []GeneratedImage
	Meta   map[string]string
}

// GenerateRequest is the JSON body of a text-to-image submission.
// RefPaths carries local path references from the multipart form; they
// must resolve inside the configured reference root.
type GenerateRequest struct {
	Provider       string         `json:"provider"`
	Model          string         `json:"model_id"`
	TimeoutSeconds int            `json:"timeoutSeconds,omitempty"`
	RefPaths       []string       `json:"refPaths,omitempty"`
	Params         GenerateParams `json:"params"`
}

// TaskFilter selects and pages tasks for list queries
type TaskFilter struct {
	Page     int
	PageSize int
	Keyword  string
	Statuses []TaskStatus
}

// TaskWithImages bundles a task with its image rows for responses
type TaskWithImages struct {
	Task   *Task    `json:"task"`
	Images []*Image `json:"images"`
}

// TaskPage is one page of a task listing
type TaskPage struct {
	Items    []*TaskWithImages `json:"items"`
	Total    int               `json:"total"`
	Page     int               `json:"page"`
	PageSize int               `json:"pageSize"`
}

// Template is one entry of the read-only template catalog
type Template struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Category    string   `json:"category"`
	Prompt      string   `json:"prompt"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	PreviewURL  string   `json:"previewUrl,omitempty"`
}

// TemplateMeta describes a template catalog snapshot
type TemplateMeta struct {
	Total     int       `json:"total"`
	UpdatedAt time.Time `json:"updatedAt"`
	Source    string    `json:"source"`
}
