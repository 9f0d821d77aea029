// Package searchindex defines the query-time index interface the hub
// publishes into, plus its snapshot repository protocol. The hub core
// never talks to a concrete search engine directly; the syncer, the
// inspector and the snapshot module all go through these interfaces.
package searchindex

import (
	"context"

	"github.com/bioforge/datahub/internal/docstore"
)

// BulkAction selects the semantics of one bulk indexing call.
type BulkAction string

const (
	// ActionIndex upserts each document.
	ActionIndex BulkAction = "index"
	// ActionCreate indexes only documents whose id is absent.
	ActionCreate BulkAction = "create"
	// ActionUpdate replaces only documents whose id exists.
	ActionUpdate BulkAction = "update"
)

// BulkStats summarizes one bulk call.
type BulkStats struct {
	Indexed int
	// Skipped counts create-on-existing and update-on-missing documents.
	Skipped int
}

// IDExists pairs a document id with its presence in the index.
type IDExists struct {
	ID     string
	Exists bool
}

// Index is one named search index.
type Index interface {
	Name() string

	Create(ctx context.Context, settings, mappings map[string]any) error
	Delete(ctx context.Context) error
	Exists(ctx context.Context) (bool, error)

	Mapping(ctx context.Context) (map[string]any, error)
	PutMapping(ctx context.Context, mapping map[string]any) error

	Count(ctx context.Context) (int, error)
	Bulk(ctx context.Context, action BulkAction, docs []docstore.Doc) (BulkStats, error)
	Get(ctx context.Context, id string) (docstore.Doc, error)
	GetDocs(ctx context.Context, ids []string) ([]docstore.Doc, error)
	MExists(ctx context.Context, ids []string) ([]IDExists, error)
	DeleteDocs(ctx context.Context, ids []string) (int, error)

	// Scroll iterates the whole index in batches; fn returning an error
	// aborts the scroll.
	Scroll(ctx context.Context, batchSize int, fn func(docs []docstore.Doc) error) error
}

// TaskState reports an asynchronous backend task (reindex, restore).
type TaskState struct {
	ID        string
	Completed bool
	Total     int
	Done      int
	Err       string
}

// Backend is a search engine endpoint hosting many indices.
type Backend interface {
	OpenIndex(name string) Index
	ListIndices(ctx context.Context) ([]string, error)
	// Reindex copies src into dst server-side and returns a task id that
	// can be polled with TaskStatus.
	Reindex(ctx context.Context, src, dst string) (string, error)
	TaskStatus(ctx context.Context, taskID string) (TaskState, error)
}

// SnapshotStatus reports one snapshot's lifecycle.
type SnapshotStatus struct {
	Repository string
	Snapshot   string
	State      string // IN_PROGRESS, SUCCESS, FAILED
	Indices    []string
}

// Repository is the snapshot API of a backend.
type Repository interface {
	GetRepository(ctx context.Context, name string) (map[string]any, error)
	CreateRepository(ctx context.Context, name string, settings map[string]any) error
	// CreateSnapshot captures the given indices into repo/name.
	CreateSnapshot(ctx context.Context, repo, name string, indices []string) error
	DeleteSnapshot(ctx context.Context, repo, name string) error
	GetSnapshotStatus(ctx context.Context, repo, name string) (SnapshotStatus, error)
	// Restore recreates an index from a snapshot; the restored index keeps
	// the snapshotted name.
	Restore(ctx context.Context, repo, name, index string) error
	GetRestoreStatus(ctx context.Context, index string) (TaskState, error)
}
