// Package snapshot publishes build targets: it indexes a target
// collection into a search index and drives the index's snapshot and
// restore lifecycle through the repository protocol.
package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/bioforge/datahub/internal/docstore"
	"github.com/bioforge/datahub/internal/foundation"
	"github.com/bioforge/datahub/internal/searchindex"
)

// IndexOptions modify one index build.
type IndexOptions struct {
	BatchSize int // default 1000
	// Purge deletes an existing index of the same name before creation.
	Purge    bool
	Settings map[string]any
	Mapping  map[string]any
}

// SnapshotOptions modify one snapshot capture.
type SnapshotOptions struct {
	// Purge deletes an existing snapshot of the same name first.
	Purge bool
	// RepoSettings configures the repository when it does not exist yet.
	RepoSettings map[string]any
	// PollInterval between status checks; default one second.
	PollInterval time.Duration
}

// RestoreOptions modify one snapshot restore.
type RestoreOptions struct {
	// Purge deletes an existing index of the restored name first.
	Purge        bool
	PollInterval time.Duration
}

// Publisher runs the publish pipeline against one search backend.
type Publisher struct {
	backend searchindex.Backend
	repo    searchindex.Repository
}

// NewPublisher wires a publisher. repo may be nil when only indexing is
// used.
func NewPublisher(backend searchindex.Backend, repo searchindex.Repository) *Publisher {
	return &Publisher{backend: backend, repo: repo}
}

// BuildIndex creates the named index and fills it from the collection.
// An existing index of the same name is a conflict unless purge is
// requested. Returns the number of indexed documents.
func (p *Publisher) BuildIndex(ctx context.Context, col docstore.Collection, name string, opts IndexOptions) (int, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1000
	}
	index := p.backend.OpenIndex(name)
	exists, err := index.Exists(ctx)
	if err != nil {
		return 0, err
	}
	if exists {
		if !opts.Purge {
			return 0, foundation.ResourceConflict("index already exists").
				WithContext("index", name).Build()
		}
		if err := index.Delete(ctx); err != nil {
			return 0, err
		}
	}
	if err := index.Create(ctx, opts.Settings, opts.Mapping); err != nil {
		return 0, err
	}

	total := 0
	err = col.IDs(ctx, opts.BatchSize, func(ids []string) error {
		docs, err := col.FindMany(ctx, ids)
		if err != nil {
			return err
		}
		stats, err := index.Bulk(ctx, searchindex.ActionIndex, docs)
		if err != nil {
			return err
		}
		total += stats.Indexed
		return ctx.Err()
	})
	if err != nil {
		return total, err
	}
	return total, nil
}

// Snapshot captures the index into repo/name, creating the repository on
// first use, and waits for the capture to finish.
func (p *Publisher) Snapshot(ctx context.Context, repo, name, index string, opts SnapshotOptions) error {
	if p.repo == nil {
		return foundation.NotReady("no snapshot repository configured").Build()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	settings, err := p.repo.GetRepository(ctx, repo)
	if err != nil {
		return err
	}
	if settings == nil {
		if err := p.repo.CreateRepository(ctx, repo, opts.RepoSettings); err != nil {
			return err
		}
	}
	if opts.Purge {
		if _, err := p.repo.GetSnapshotStatus(ctx, repo, name); err == nil {
			if err := p.repo.DeleteSnapshot(ctx, repo, name); err != nil {
				return err
			}
		}
	}
	if err := p.repo.CreateSnapshot(ctx, repo, name, []string{index}); err != nil {
		return err
	}
	return p.waitSnapshot(ctx, repo, name, opts.PollInterval)
}

func (p *Publisher) waitSnapshot(ctx context.Context, repo, name string, interval time.Duration) error {
	for {
		status, err := p.repo.GetSnapshotStatus(ctx, repo, name)
		if err != nil {
			return err
		}
		switch status.State {
		case "SUCCESS":
			return nil
		case "FAILED":
			return foundation.TransientIO("snapshot failed").
				WithContext("repository", repo).WithContext("snapshot", name).Build()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Restore recreates an index from a snapshot and waits for completion.
// A live index of the same name is a conflict unless purge is requested.
func (p *Publisher) Restore(ctx context.Context, repo, name, index string, opts RestoreOptions) error {
	if p.repo == nil {
		return foundation.NotReady("no snapshot repository configured").Build()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	target := p.backend.OpenIndex(index)
	exists, err := target.Exists(ctx)
	if err != nil {
		return err
	}
	if exists {
		if !opts.Purge {
			return foundation.ResourceConflict("index already exists, restore needs purge").
				WithContext("index", index).Build()
		}
		if err := target.Delete(ctx); err != nil {
			return err
		}
	}
	if err := p.repo.Restore(ctx, repo, name, index); err != nil {
		return err
	}
	for {
		state, err := p.repo.GetRestoreStatus(ctx, index)
		if err != nil {
			return err
		}
		if state.Completed {
			if state.Err != "" {
				return foundation.TransientIO(fmt.Sprintf("restore failed: %s", state.Err)).
					WithContext("index", index).Build()
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(opts.PollInterval):
		}
	}
}
