package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bioforge/datahub/internal/builder"
	"github.com/bioforge/datahub/internal/docstore"
	"github.com/bioforge/datahub/internal/events"
	"github.com/bioforge/datahub/internal/jobmanager"
	"github.com/bioforge/datahub/internal/logfields"
	"github.com/bioforge/datahub/internal/metrics"
)

// PublishOptions drive one full publish: index build plus snapshot.
type PublishOptions struct {
	Index    IndexOptions
	Snapshot SnapshotOptions
	// Repo and SnapshotName; SnapshotName defaults to the index name.
	Repo         string
	SnapshotName string
}

// Manager runs index builds and snapshot captures through the job
// manager.
type Manager struct {
	jm  *jobmanager.Manager
	bus *events.Bus
	rec metrics.Recorder
	pub *Publisher
}

// NewManager wires a snapshot manager. bus may be nil; rec defaults to
// noop.
func NewManager(jm *jobmanager.Manager, bus *events.Bus, rec metrics.Recorder, pub *Publisher) *Manager {
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Manager{jm: jm, bus: bus, rec: rec, pub: pub}
}

// BuildIndex defers an index build into the heavy pool. When a build
// configuration is given, its last successful build entry is folded into
// the mapping's _meta before the index is created. The future resolves
// with the indexed document count.
func (m *Manager) BuildIndex(ctx context.Context, col docstore.Collection, indexName string, b *builder.Builder, opts IndexOptions) *jobmanager.Future {
	pinfo := jobmanager.PInfo{
		Category:    jobmanager.CategoryIndex,
		Source:      indexName,
		Step:        "index",
		Description: fmt.Sprintf("index %s from %s", indexName, col.Name()),
		Predicates: []jobmanager.Predicate{
			jobmanager.NoCategoryForSource(jobmanager.CategoryIndex, indexName),
		},
	}
	return m.jm.DeferHeavy(ctx, pinfo, func(ctx context.Context) (any, error) {
		started := time.Now()
		m.publish("index_started", indexName, nil)
		if b != nil {
			last, err := b.LastSuccess(ctx)
			if err != nil {
				return nil, err
			}
			opts.Mapping = builder.EnrichMapping(opts.Mapping, last)
		}
		count, err := m.pub.BuildIndex(ctx, col, indexName, opts)
		m.rec.ObserveOpDuration("index", indexName, time.Since(started))
		if err != nil {
			m.rec.IncOpResult("index", "failure")
			m.publish("index_failed", indexName, map[string]any{"err": err.Error()})
			return nil, err
		}
		m.rec.IncOpResult("index", "success")
		m.publish("index_done", indexName, map[string]any{"count": count})
		slog.Info("Index built", logfields.Target(indexName), logfields.Count(count))
		return count, nil
	})
}

// Snapshot defers a snapshot capture into the light pool: the capture is
// driven by the backend, the hub only polls.
func (m *Manager) Snapshot(ctx context.Context, repo, name, index string, opts SnapshotOptions) *jobmanager.Future {
	pinfo := jobmanager.PInfo{
		Category:    jobmanager.CategoryIndex,
		Source:      index,
		Step:        "snapshot",
		Description: fmt.Sprintf("snapshot %s into %s/%s", index, repo, name),
		Predicates: []jobmanager.Predicate{
			jobmanager.NoCategoryForSource(jobmanager.CategoryIndex, index),
		},
	}
	return m.jm.DeferLight(ctx, pinfo, func(ctx context.Context) (any, error) {
		started := time.Now()
		m.publish("snapshot_started", name, map[string]any{"repository": repo, "index": index})
		err := m.pub.Snapshot(ctx, repo, name, index, opts)
		m.rec.ObserveOpDuration("snapshot", name, time.Since(started))
		if err != nil {
			m.rec.IncOpResult("snapshot", "failure")
			m.publish("snapshot_failed", name, map[string]any{"err": err.Error()})
			return nil, err
		}
		m.rec.IncOpResult("snapshot", "success")
		m.publish("snapshot_done", name, map[string]any{"repository": repo, "index": index})
		return name, nil
	})
}

// Restore defers a snapshot restore into the light pool.
func (m *Manager) Restore(ctx context.Context, repo, name, index string, opts RestoreOptions) *jobmanager.Future {
	pinfo := jobmanager.PInfo{
		Category:    jobmanager.CategoryIndex,
		Source:      index,
		Step:        "restore",
		Description: fmt.Sprintf("restore %s/%s into %s", repo, name, index),
		Predicates: []jobmanager.Predicate{
			jobmanager.NoCategoryForSource(jobmanager.CategoryIndex, index),
		},
	}
	return m.jm.DeferLight(ctx, pinfo, func(ctx context.Context) (any, error) {
		started := time.Now()
		m.publish("restore_started", name, map[string]any{"repository": repo, "index": index})
		err := m.pub.Restore(ctx, repo, name, index, opts)
		m.rec.ObserveOpDuration("restore", name, time.Since(started))
		if err != nil {
			m.rec.IncOpResult("restore", "failure")
			m.publish("restore_failed", name, map[string]any{"err": err.Error()})
			return nil, err
		}
		m.rec.IncOpResult("restore", "success")
		m.publish("restore_done", name, map[string]any{"repository": repo, "index": index})
		return index, nil
	})
}

func (m *Manager) publish(eventType, name string, fields map[string]any) {
	if m.bus != nil {
		m.bus.Publish(context.Background(), eventType, name, fields)
	}
}
