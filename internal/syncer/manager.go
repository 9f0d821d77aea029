package syncer

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/bioforge/datahub/internal/docstore"
	"github.com/bioforge/datahub/internal/events"
	"github.com/bioforge/datahub/internal/jobmanager"
	"github.com/bioforge/datahub/internal/metrics"
	"github.com/bioforge/datahub/internal/searchindex"
)

// Manager runs diff replays through the job manager. A sync mutates its
// target, so the same diff folder must not be replayed twice at once.
type Manager struct {
	jm  *jobmanager.Manager
	bus *events.Bus
	rec metrics.Recorder
}

// NewManager wires a sync manager. bus may be nil; rec defaults to noop.
func NewManager(jm *jobmanager.Manager, bus *events.Bus, rec metrics.Recorder) *Manager {
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Manager{jm: jm, bus: bus, rec: rec}
}

// SyncToStore defers a replay of the diff folder against a document
// store collection. The future resolves with the sync result.
func (m *Manager) SyncToStore(ctx context.Context, s *Syncer, target docstore.Collection, opts Options) *jobmanager.Future {
	return m.deferSync(ctx, s, TargetMongo, func(ctx context.Context) (*Result, error) {
		return s.SyncToStore(ctx, target, opts)
	})
}

// SyncToIndex defers a replay of the diff folder against a search index.
func (m *Manager) SyncToIndex(ctx context.Context, s *Syncer, index searchindex.Index, opts Options) *jobmanager.Future {
	return m.deferSync(ctx, s, TargetES, func(ctx context.Context) (*Result, error) {
		return s.SyncToIndex(ctx, index, opts)
	})
}

func (m *Manager) deferSync(ctx context.Context, s *Syncer, target string, run func(ctx context.Context) (*Result, error)) *jobmanager.Future {
	folder := filepath.Base(s.folder)
	pinfo := jobmanager.PInfo{
		Category:    jobmanager.CategorySync,
		Source:      folder,
		Step:        target,
		Description: fmt.Sprintf("sync %s to %s", folder, target),
		Predicates: []jobmanager.Predicate{
			jobmanager.NoCategoryForSource(jobmanager.CategorySync, folder),
		},
	}
	return m.jm.DeferHeavy(ctx, pinfo, func(ctx context.Context) (any, error) {
		started := time.Now()
		m.publish("sync_started", folder, map[string]any{"target": target})
		res, err := run(ctx)
		m.rec.ObserveOpDuration("sync", folder, time.Since(started))
		if err != nil {
			m.rec.IncOpResult("sync", "failure")
			m.publish("sync_failed", folder, map[string]any{"target": target, "err": err.Error()})
			return nil, err
		}
		m.rec.IncOpResult("sync", "success")
		m.publish("sync_done", folder, map[string]any{
			"target":  target,
			"added":   res.Added,
			"updated": res.Updated,
			"deleted": res.Deleted,
			"skipped": res.Skipped,
		})
		return res, nil
	})
}

func (m *Manager) publish(eventType, name string, fields map[string]any) {
	if m.bus != nil {
		m.bus.Publish(context.Background(), eventType, name, fields)
	}
}
