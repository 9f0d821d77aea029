package inspector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bioforge/datahub/internal/docstore"
	"github.com/bioforge/datahub/internal/events"
	"github.com/bioforge/datahub/internal/jobmanager"
	"github.com/bioforge/datahub/internal/logfields"
	"github.com/bioforge/datahub/internal/metrics"
)

// Report is the outcome of one collection inspection.
type Report struct {
	Collection string         `json:"collection"`
	Mode       Mode           `json:"mode"`
	Inspected  int            `json:"inspected"`
	Result     map[string]any `json:"result"`
}

// Options modify one inspection run.
type Options struct {
	BatchSize int // default 1000
	// Limit bounds the number of documents walked; zero means all.
	Limit int
}

// InspectCollection walks a collection's documents into a fresh tree and
// renders the report for the requested mode.
func InspectCollection(ctx context.Context, col docstore.Collection, mode Mode, opts Options) (*Report, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1000
	}
	insp := New(mode)
	err := col.IDs(ctx, opts.BatchSize, func(ids []string) error {
		docs, err := col.FindMany(ctx, ids)
		if err != nil {
			return err
		}
		for _, doc := range docs {
			if opts.Limit > 0 && insp.Inspected() >= opts.Limit {
				return nil
			}
			if err := insp.Inspect(doc); err != nil {
				return err
			}
		}
		return ctx.Err()
	})
	if err != nil {
		return nil, err
	}

	report := &Report{Collection: col.Name(), Mode: mode, Inspected: insp.Inspected()}
	switch mode {
	case ModeType:
		report.Result = insp.TypeReport()
	case ModeStats, ModeDeepStats:
		report.Result = insp.StatsReport()
	case ModeMapping:
		mapping, err := insp.Mapping()
		if err != nil {
			return nil, err
		}
		report.Result = mapping
	default:
		return nil, fmt.Errorf("unknown inspection mode %q", mode)
	}
	slog.Info("Inspection finished", logfields.Collection(col.Name()),
		logfields.Count(insp.Inspected()), slog.String("mode", string(mode)))
	return report, nil
}

// Manager runs inspections through the job manager.
type Manager struct {
	jm  *jobmanager.Manager
	bus *events.Bus
	rec metrics.Recorder
}

// NewManager wires an inspect manager. bus may be nil; rec defaults to noop.
func NewManager(jm *jobmanager.Manager, bus *events.Bus, rec metrics.Recorder) *Manager {
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Manager{jm: jm, bus: bus, rec: rec}
}

// Inspect defers a collection inspection into the heavy pool. The future
// resolves with the report.
func (m *Manager) Inspect(ctx context.Context, col docstore.Collection, mode Mode, opts Options) *jobmanager.Future {
	name := col.Name()
	pinfo := jobmanager.PInfo{
		Category:    jobmanager.CategoryInspect,
		Source:      name,
		Step:        string(mode),
		Description: fmt.Sprintf("inspect %s (%s)", name, mode),
		Predicates: []jobmanager.Predicate{
			jobmanager.NoCategoryForSource(jobmanager.CategoryInspect, name),
		},
	}
	return m.jm.DeferHeavy(ctx, pinfo, func(ctx context.Context) (any, error) {
		started := time.Now()
		m.publish("inspect_started", name, map[string]any{"mode": string(mode)})
		report, err := InspectCollection(ctx, col, mode, opts)
		m.rec.ObserveOpDuration("inspect", name, time.Since(started))
		if err != nil {
			m.rec.IncOpResult("inspect", "failure")
			m.publish("inspect_failed", name, map[string]any{"mode": string(mode), "err": err.Error()})
			return nil, err
		}
		m.rec.IncOpResult("inspect", "success")
		m.publish("inspect_done", name, map[string]any{"mode": string(mode), "inspected": report.Inspected})
		return report, nil
	})
}

func (m *Manager) publish(eventType, name string, fields map[string]any) {
	if m.bus != nil {
		m.bus.Publish(context.Background(), eventType, name, fields)
	}
}
