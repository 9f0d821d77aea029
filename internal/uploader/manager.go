package uploader

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

// Manager owns the registered uploaders grouped by source and runs loads
// through the job manager. An upload is gated on no dump running for the
// same source and no build running anywhere.
type Manager struct {
	jm  *jobmanager.Manager
	bus *events.Bus
	rec metrics.Recorder

	mu        sync.RWMutex
	uploaders map[string][]*Uploader // source -> sub-uploaders
	pollStop  *jobmanager.Handle
}

// NewManager wires an upload manager. bus may be nil; rec defaults to
// noop.
func NewManager(jm *jobmanager.Manager, bus *events.Bus, rec metrics.Recorder) *Manager {
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Manager{jm: jm, bus: bus, rec: rec, uploaders: map[string][]*Uploader{}}
}

// Register adds an uploader under its source; a same-named sub-source is
// replaced.
func (m *Manager) Register(u *Uploader) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.uploaders[u.Source()]
	for i, existing := range subs {
		if existing.Name() == u.Name() {
			subs[i] = u
			return
		}
	}
	m.uploaders[u.Source()] = append(subs, u)
}

// Unregister removes every uploader of a source.
func (m *Manager) Unregister(source string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.uploaders, source)
}

// Sources lists registered source names, sorted.
func (m *Manager) Sources() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.uploaders))
	for src := range m.uploaders {
		out = append(out, src)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) subUploaders(source string) ([]*Uploader, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	subs := m.uploaders[source]
	if len(subs) == 0 {
		return nil, foundation.NotReady("no uploader registered").
			WithContext("source", source).Build()
	}
	return append([]*Uploader(nil), subs...), nil
}

// Upload defers every sub-uploader of a source into the heavy pool. The
// futures resolve with per-sub document counts.
func (m *Manager) Upload(ctx context.Context, source string, opts Options) ([]*jobmanager.Future, error) {
	subs, err := m.subUploaders(source)
	if err != nil {
		return nil, err
	}
	futs := make([]*jobmanager.Future, 0, len(subs))
	for _, sub := range subs {
		pinfo := jobmanager.PInfo{
			Category:    jobmanager.CategoryUpload,
			Source:      source,
			Step:        sub.Name(),
			Description: fmt.Sprintf("upload %s.%s", source, sub.Name()),
			Predicates: []jobmanager.Predicate{
				jobmanager.NoCategoryForSource(jobmanager.CategoryDump, source),
				jobmanager.NoCategoryRunning(jobmanager.CategoryBuild),
			},
		}
		futs = append(futs, m.jm.DeferHeavy(ctx, pinfo, func(ctx context.Context) (any, error) {
			started := time.Now()
			m.publish("upload_started", source, map[string]any{"sub_source": sub.Name()})
			count, err := sub.Load(ctx, opts)
			m.rec.ObserveOpDuration("upload", source, time.Since(started))
			if err != nil {
				m.rec.IncOpResult("upload", "failure")
				m.publish("upload_failed", source, map[string]any{
					"sub_source": sub.Name(), "err": err.Error(),
				})
				return nil, err
			}
			m.rec.IncOpResult("upload", "success")
			m.rec.ObserveStoredDocs(source, count)
			m.publish("upload_done", source, map[string]any{
				"sub_source": sub.Name(), "count": count,
			})
			return count, nil
		}))
	}
	return futs, nil
}

// UploadAndWait uploads a source and blocks until all sub-uploads finish,
// returning the summed count.
func (m *Manager) UploadAndWait(ctx context.Context, source string, opts Options) (int, error) {
	futs, err := m.Upload(ctx, source, opts)
	if err != nil {
		return 0, err
	}
	total := 0
	var firstErr error
	for _, fut := range futs {
		res, err := fut.Wait(ctx)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if n, ok := res.(int); ok {
			total += n
		}
	}
	return total, firstErr
}

// StartPolling periodically scans dump records for sources flagged
// pending upload (set by a successful auto-upload dump) and triggers
// them. The flag is consumed before the load is deferred so a slow
// upload is not retriggered every poll.
func (m *Manager) StartPolling(srcDump hubdb.Collection, interval time.Duration) error {
	h, err := m.jm.Every("upload_poll", interval, func(ctx context.Context) error {
		recs, err := srcDump.Find(ctx, hubdb.Filter{})
		if err != nil {
			return err
		}
		for _, rec := range recs {
			source, _ := rec["_id"].(string)
			if source == "" || !pendingUpload(rec) {
				continue
			}
			if _, err := m.subUploaders(source); err != nil {
				continue
			}
			if err := srcDump.UpdateOne(ctx, hubdb.Filter{"_id": source},
				hubdb.Mutation{Pull: map[string]any{"pending": "upload"}}, false); err != nil {
				return err
			}
			slog.Info("Triggering pending upload", logfields.Source(source))
			if _, err := m.Upload(ctx, source, Options{}); err != nil {
				return err
			}
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

// StopPolling cancels the pending-upload poll.
func (m *Manager) StopPolling() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pollStop != nil {
		m.pollStop.Cancel()
		m.pollStop = nil
	}
}

func pendingUpload(rec hubdb.Record) bool {
	list, _ := rec["pending"].([]any)
	for _, e := range list {
		if e == "upload" {
			return true
		}
	}
	return false
}

func (m *Manager) publish(eventType, source string, fields map[string]any) {
	if m.bus != nil {
		m.bus.Publish(context.Background(), eventType, source, fields)
	}
}
