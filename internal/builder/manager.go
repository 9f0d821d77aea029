package builder

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bioforge/datahub/internal/events"
	"github.com/bioforge/datahub/internal/foundation"
	"github.com/bioforge/datahub/internal/hubdb"
	"github.com/bioforge/datahub/internal/jobmanager"
	"github.com/bioforge/datahub/internal/logfields"
	"github.com/bioforge/datahub/internal/metrics"
)

// Manager owns the registered builders and runs merges through the job
// manager. A build excludes every uploader globally: the builder reads
// all source collections and must see them consistently.
type Manager struct {
	jm       *jobmanager.Manager
	bus      *events.Bus
	rec      metrics.Recorder
	srcBuild hubdb.Collection

	mu       sync.RWMutex
	builders map[string]*Builder
	pollStop *jobmanager.Handle
}

// NewManager wires a build manager. bus may be nil; rec defaults to noop.
func NewManager(jm *jobmanager.Manager, bus *events.Bus, rec metrics.Recorder, srcBuild hubdb.Collection) *Manager {
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Manager{jm: jm, bus: bus, rec: rec, srcBuild: srcBuild, builders: map[string]*Builder{}}
}

// Register adds (or replaces) a builder.
func (m *Manager) Register(b *Builder) {
	m.mu.Lock()
	m.builders[b.Name()] = b
	m.mu.Unlock()
}

// Builds lists registered build configuration names, sorted.
func (m *Manager) Builds() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.builders))
	for name := range m.builders {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) builder(name string) (*Builder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.builders[name]
	if !ok {
		return nil, foundation.NotReady("no build configuration registered").
			WithContext("build", name).Build()
	}
	return b, nil
}

// Merge defers a build into the heavy pool. The future resolves with the
// target collection name.
func (m *Manager) Merge(ctx context.Context, name string, opts Options) *jobmanager.Future {
	pinfo := jobmanager.PInfo{
		Category:    jobmanager.CategoryBuild,
		Source:      name,
		Step:        "merge",
		Description: fmt.Sprintf("build %s", name),
		Predicates: []jobmanager.Predicate{
			jobmanager.NoCategoryRunning(jobmanager.CategoryUpload),
			jobmanager.NoCategoryForSource(jobmanager.CategoryBuild, name),
		},
	}
	return m.jm.DeferHeavy(ctx, pinfo, func(ctx context.Context) (any, error) {
		b, err := m.builder(name)
		if err != nil {
			return nil, err
		}
		started := time.Now()
		m.publish("build_started", name, nil)
		target, err := b.Merge(ctx, opts)
		m.rec.ObserveOpDuration("build", name, time.Since(started))
		if err != nil {
			m.rec.IncOpResult("build", "failure")
			m.publish("build_failed", name, map[string]any{"err": err.Error()})
			return nil, err
		}
		m.rec.IncOpResult("build", "success")
		m.publish("build_done", name, map[string]any{"target_name": target})
		return target, nil
	})
}

// StartPolling periodically scans for build configs flagged
// pending_to_build and triggers them. The flag is consumed before the
// merge is deferred so a slow build is not retriggered every poll.
func (m *Manager) StartPolling(interval time.Duration) error {
	h, err := m.jm.Every("build_poll", interval, func(ctx context.Context) error {
		recs, err := m.srcBuild.Find(ctx, hubdb.Filter{"pending_to_build": true})
		if err != nil {
			return err
		}
		for _, rec := range recs {
			name, _ := rec["_id"].(string)
			if name == "" {
				continue
			}
			if _, err := m.builder(name); err != nil {
				continue
			}
			if err := m.srcBuild.UpdateOne(ctx, hubdb.Filter{"_id": name},
				hubdb.Mutation{Unset: []string{"pending_to_build"}}, false); err != nil {
				return err
			}
			slog.Info("Triggering pending build", logfields.BuildName(name))
			m.Merge(ctx, name, Options{})
		}
		return nil
	})
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.pollStop = h
	m.mu.Unlock()
	return nil
}

// StopPolling cancels the pending_to_build poll.
func (m *Manager) StopPolling() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pollStop != nil {
		m.pollStop.Cancel()
		m.pollStop = nil
	}
}

func (m *Manager) publish(eventType, name string, fields map[string]any) {
	if m.bus != nil {
		m.bus.Publish(context.Background(), eventType, name, fields)
	}
}
