package ingest

import (
	"context"
	"encoding/json"
	"time"
)

// TaskStore persists task lifecycle state.
type TaskStore interface {
	// CreateTask inserts a queued task. Implementations must reject a second
	// non-terminal task for the same (tenant, kind) with ErrTaskInFlight.
	CreateTask(ctx context.Context, task Task) error
	// GetTask loads a task by ID or returns ErrNotFound.
	GetTask(ctx context.Context, taskID string) (Task, error)
	// FindActiveTask returns the non-terminal task for (tenant, kind), or
	// ErrNotFound when none is pending.
	FindActiveTask(ctx context.Context, tenantID string, kind TaskKind) (Task, error)
	// UpdateTaskStatus applies a lifecycle transition.
	UpdateTaskStatus(ctx context.Context, taskID string, status TaskStatus, stage string, progress int) error
	// CompleteTask records the terminal state with result or error.
	CompleteTask(ctx context.Context, taskID string, status TaskStatus, result *TaskResult, taskErr *TaskError) error
	// ListTasks returns recent tasks for a tenant, newest first.
	ListTasks(ctx context.Context, tenantID string, limit, offset int) ([]Task, error)
}

// RecordStore persists externally sourced records. The dedup key
// (tenant_id, source, external_id) is enforced by the store, not by callers.
type RecordStore interface {
	// InsertRecord persists one record; inserted is false when the dedup key
	// already exists (a skip, not an error).
	InsertRecord(ctx context.Context, tenantID string, rec Record, at time.Time) (inserted bool, err error)
	// ListRecords pages through stored records for one source.
	ListRecords(ctx context.Context, q RecordQuery) ([]StoredRecord, error)
	// DeleteRecord removes one record by row ID or returns ErrNotFound.
	DeleteRecord(ctx context.Context, tenantID, id string) error
}

// RecordQuery selects and orders stored records.
type RecordQuery struct {
	TenantID string
	Source   Source
	PostType string
	SortBy   string // "ingested_at" | "posted_at" | "likes"
	SortDesc bool
	Limit    int
	Offset   int
}

// Renderer drives a browser to produce a ScrapeResult for one URL.
type Renderer interface {
	Render(ctx context.Context, url string, screenshot bool) (ScrapeResult, error)
}

// ActorClient invokes a named third-party long-running job and returns its
// output items once the run reaches a terminal state.
type ActorClient interface {
	Run(ctx context.Context, actorName string, input any, timeout time.Duration) ([]json.RawMessage, error)
}

// PageDiscoverer collects same-domain page URLs reachable from a start URL.
type PageDiscoverer interface {
	Discover(ctx context.Context, startURL string) ([]string, error)
}

// Structurer turns scrape signals into the product's page/block draft. It is
// an external collaborator consumed opaquely.
type Structurer interface {
	Structure(ctx context.Context, tenantID string, res ScrapeResult) (SiteDraft, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes task completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Authorizer checks whether the caller identified by a session token owns the
// tenant it is writing to.
type Authorizer interface {
	Authorize(ctx context.Context, token, tenantID string) (bool, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces task and record IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher computes digests for content-addressed blob paths.
type Hasher interface {
	Hash(data []byte) (string, error)
}
