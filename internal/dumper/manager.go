package dumper

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bioforge/datahub/internal/events"
	"github.com/bioforge/datahub/internal/foundation"
	"github.com/bioforge/datahub/internal/jobmanager"
	"github.com/bioforge/datahub/internal/logfields"
	"github.com/bioforge/datahub/internal/metrics"
)

// Manager owns the registered dumpers and runs dumps through the job
// manager. A dump is gated on no upload running for the same source.
type Manager struct {
	jm  *jobmanager.Manager
	bus *events.Bus
	rec metrics.Recorder

	mu      sync.RWMutex
	dumpers map[string]*Dumper
	handles map[string]*jobmanager.Handle
}

// NewManager wires a dump manager. bus may be nil; rec defaults to noop.
func NewManager(jm *jobmanager.Manager, bus *events.Bus, rec metrics.Recorder) *Manager {
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Manager{
		jm:      jm,
		bus:     bus,
		rec:     rec,
		dumpers: map[string]*Dumper{},
		handles: map[string]*jobmanager.Handle{},
	}
}

// Register adds (or replaces) a dumper and arms its schedule when it has
// one.
func (m *Manager) Register(d *Dumper) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	src := d.Source()
	if h, ok := m.handles[src]; ok {
		h.Cancel()
		delete(m.handles, src)
	}
	m.dumpers[src] = d
	if sched := d.Schedule(); sched != "" {
		h, err := m.jm.Submit("dump_"+src, func(ctx context.Context) error {
			_, err := m.Dump(ctx, src, Options{}).Wait(ctx)
			return err
		}, sched)
		if err != nil {
			return fmt.Errorf("failed to schedule dump for %s: %w", src, err)
		}
		m.handles[src] = h
	}
	return nil
}

// Unregister removes a dumper and cancels its schedule.
func (m *Manager) Unregister(source string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.handles[source]; ok {
		h.Cancel()
		delete(m.handles, source)
	}
	delete(m.dumpers, source)
}

// Sources lists registered source names, sorted.
func (m *Manager) Sources() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.dumpers))
	for src := range m.dumpers {
		out = append(out, src)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) dumper(source string) (*Dumper, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.dumpers[source]
	if !ok {
		return nil, foundation.NotReady("no dumper registered").
			WithContext("source", source).Build()
	}
	return d, nil
}

// Dump defers a dump for one source into the light pool. The future
// resolves with the new release string.
func (m *Manager) Dump(ctx context.Context, source string, opts Options) *jobmanager.Future {
	pinfo := jobmanager.PInfo{
		Category:    jobmanager.CategoryDump,
		Source:      source,
		Step:        "dump",
		Description: fmt.Sprintf("dump %s", source),
		Predicates: []jobmanager.Predicate{
			jobmanager.NoCategoryForSource(jobmanager.CategoryUpload, source),
		},
	}
	return m.jm.DeferLight(ctx, pinfo, func(ctx context.Context) (any, error) {
		d, err := m.dumper(source)
		if err != nil {
			return nil, err
		}
		started := time.Now()
		m.publish("dump_started", source, nil)
		release, err := d.Dump(ctx, opts)
		m.rec.ObserveOpDuration("dump", source, time.Since(started))
		if err != nil {
			m.rec.IncOpResult("dump", "failure")
			m.publish("dump_failed", source, map[string]any{"err": err.Error()})
			return nil, err
		}
		m.rec.IncOpResult("dump", "success")
		if !opts.CheckOnly {
			m.publish("dump_done", source, map[string]any{"release": release})
		}
		return release, nil
	})
}

// DumpAll checks every registered source and dumps the stale ones.
func (m *Manager) DumpAll(ctx context.Context, force bool) []*jobmanager.Future {
	var futs []*jobmanager.Future
	for _, src := range m.Sources() {
		futs = append(futs, m.Dump(ctx, src, Options{Force: force}))
	}
	return futs
}

// Check runs the check step only, returning the new release per stale
// source without downloading anything.
func (m *Manager) Check(ctx context.Context, source string) (string, error) {
	res, err := m.Dump(ctx, source, Options{Steps: []string{StepCheck}, CheckOnly: true}).Wait(ctx)
	if err != nil {
		return "", err
	}
	release, _ := res.(string)
	if release != "" {
		slog.Info("New release available", logfields.Source(source), logfields.Release(release))
	}
	return release, nil
}

func (m *Manager) publish(eventType, source string, fields map[string]any) {
	if m.bus != nil {
		m.bus.Publish(context.Background(), eventType, source, fields)
	}
}
