package differ

import (
	"context"
	"fmt"
	"time"

	"github.com/bioforge/datahub/internal/docstore"
	"github.com/bioforge/datahub/internal/events"
	"github.com/bioforge/datahub/internal/jobmanager"
	"github.com/bioforge/datahub/internal/metrics"
)

// Manager runs diffs through the job manager. Diffs read two frozen
// collections, so only the pair itself is exclusive: the same pair must
// not be diffed twice concurrently.
type Manager struct {
	jm  *jobmanager.Manager
	bus *events.Bus
	rec metrics.Recorder
	d   *Differ
}

// NewManager wires a diff manager. bus may be nil; rec defaults to noop.
func NewManager(jm *jobmanager.Manager, bus *events.Bus, rec metrics.Recorder, d *Differ) *Manager {
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Manager{jm: jm, bus: bus, rec: rec, d: d}
}

// Diff defers a diff between two collections into the heavy pool. The
// future resolves with the diff metadata.
func (m *Manager) Diff(ctx context.Context, oldCol, newCol docstore.Collection, opts Options) *jobmanager.Future {
	pair := oldCol.Name() + "_vs_" + newCol.Name()
	pinfo := jobmanager.PInfo{
		Category:    jobmanager.CategoryDiff,
		Source:      pair,
		Step:        "content",
		Description: fmt.Sprintf("diff %s against %s", newCol.Name(), oldCol.Name()),
		Predicates: []jobmanager.Predicate{
			jobmanager.NoCategoryForSource(jobmanager.CategoryDiff, pair),
		},
	}
	return m.jm.DeferHeavy(ctx, pinfo, func(ctx context.Context) (any, error) {
		started := time.Now()
		m.publish("diff_started", pair, nil)
		meta, err := m.d.Diff(ctx, oldCol, newCol, opts)
		m.rec.ObserveOpDuration("diff", pair, time.Since(started))
		if err != nil {
			m.rec.IncOpResult("diff", "failure")
			m.publish("diff_failed", pair, map[string]any{"err": err.Error()})
			return nil, err
		}
		m.rec.IncOpResult("diff", "success")
		m.publish("diff_done", pair, map[string]any{
			"add":    meta.Stats.Add,
			"update": meta.Stats.Update,
			"delete": meta.Stats.Delete,
		})
		return meta, nil
	})
}

func (m *Manager) publish(eventType, name string, fields map[string]any) {
	if m.bus != nil {
		m.bus.Publish(context.Background(), eventType, name, fields)
	}
}
