package searchindex

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/bioforge/datahub/internal/docstore"
	"github.com/bioforge/datahub/internal/foundation"
)

// MemoryBackend is an in-process search backend. It implements Backend
// and Repository and exists for tests and single-node deployments; docs
// are deep-copied on the way in and out so callers cannot alias internal
// state.
type MemoryBackend struct {
	mu      sync.RWMutex
	indices map[string]*memIndexState
	tasks   map[string]TaskState
	repos   map[string]map[string]any
	// snapshots[repo][name] -> index name -> docs+mapping
	snapshots map[string]map[string]map[string]memSnapshot
}

type memIndexState struct {
	docs     map[string]docstore.Doc
	settings map[string]any
	mapping  map[string]any
}

type memSnapshot struct {
	docs     map[string]docstore.Doc
	settings map[string]any
	mapping  map[string]any
}

// NewMemoryBackend creates an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		indices:   map[string]*memIndexState{},
		tasks:     map[string]TaskState{},
		repos:     map[string]map[string]any{},
		snapshots: map[string]map[string]map[string]memSnapshot{},
	}
}

func cloneDoc(doc docstore.Doc) docstore.Doc {
	raw, _ := json.Marshal(doc)
	var out docstore.Doc
	_ = json.Unmarshal(raw, &out)
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	raw, _ := json.Marshal(m)
	var out map[string]any
	_ = json.Unmarshal(raw, &out)
	return out
}

// OpenIndex returns a handle; the index may not exist yet.
func (b *MemoryBackend) OpenIndex(name string) Index {
	return &memIndex{backend: b, name: name}
}

// ListIndices returns existing index names, sorted.
func (b *MemoryBackend) ListIndices(ctx context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.indices))
	for name := range b.indices {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// Reindex copies src into dst synchronously and returns a completed task.
func (b *MemoryBackend) Reindex(ctx context.Context, src, dst string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.indices[src]
	if !ok {
		return "", fmt.Errorf("index %s does not exist", src)
	}
	target, ok := b.indices[dst]
	if !ok {
		target = &memIndexState{docs: map[string]docstore.Doc{}, mapping: cloneMap(state.mapping)}
		b.indices[dst] = target
	}
	for id, doc := range state.docs {
		target.docs[id] = cloneDoc(doc)
	}
	id := uuid.NewString()
	b.tasks[id] = TaskState{ID: id, Completed: true, Total: len(state.docs), Done: len(state.docs)}
	return id, nil
}

// TaskStatus reports a previously returned task id.
func (b *MemoryBackend) TaskStatus(ctx context.Context, taskID string) (TaskState, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st, ok := b.tasks[taskID]
	if !ok {
		return TaskState{}, fmt.Errorf("unknown task %s", taskID)
	}
	return st, nil
}

type memIndex struct {
	backend *MemoryBackend
	name    string
}

func (i *memIndex) Name() string { return i.name }

func (i *memIndex) state() (*memIndexState, bool) {
	st, ok := i.backend.indices[i.name]
	return st, ok
}

func (i *memIndex) Create(ctx context.Context, settings, mappings map[string]any) error {
	i.backend.mu.Lock()
	defer i.backend.mu.Unlock()
	if _, ok := i.backend.indices[i.name]; ok {
		return foundation.ResourceConflict("index already exists").
			WithContext("index", i.name).Build()
	}
	i.backend.indices[i.name] = &memIndexState{
		docs:     map[string]docstore.Doc{},
		settings: cloneMap(settings),
		mapping:  cloneMap(mappings),
	}
	return nil
}

func (i *memIndex) Delete(ctx context.Context) error {
	i.backend.mu.Lock()
	defer i.backend.mu.Unlock()
	if _, ok := i.backend.indices[i.name]; !ok {
		return fmt.Errorf("index %s does not exist", i.name)
	}
	delete(i.backend.indices, i.name)
	return nil
}

func (i *memIndex) Exists(ctx context.Context) (bool, error) {
	i.backend.mu.RLock()
	defer i.backend.mu.RUnlock()
	_, ok := i.state()
	return ok, nil
}

func (i *memIndex) Mapping(ctx context.Context) (map[string]any, error) {
	i.backend.mu.RLock()
	defer i.backend.mu.RUnlock()
	st, ok := i.state()
	if !ok {
		return nil, fmt.Errorf("index %s does not exist", i.name)
	}
	return cloneMap(st.mapping), nil
}

func (i *memIndex) PutMapping(ctx context.Context, mapping map[string]any) error {
	i.backend.mu.Lock()
	defer i.backend.mu.Unlock()
	st, ok := i.state()
	if !ok {
		return fmt.Errorf("index %s does not exist", i.name)
	}
	st.mapping = cloneMap(mapping)
	return nil
}

func (i *memIndex) Count(ctx context.Context) (int, error) {
	i.backend.mu.RLock()
	defer i.backend.mu.RUnlock()
	st, ok := i.state()
	if !ok {
		return 0, fmt.Errorf("index %s does not exist", i.name)
	}
	return len(st.docs), nil
}

func (i *memIndex) Bulk(ctx context.Context, action BulkAction, docs []docstore.Doc) (BulkStats, error) {
	i.backend.mu.Lock()
	defer i.backend.mu.Unlock()
	st, ok := i.state()
	if !ok {
		return BulkStats{}, fmt.Errorf("index %s does not exist", i.name)
	}
	var stats BulkStats
	for _, doc := range docs {
		id, err := docstore.ID(doc)
		if err != nil {
			return stats, err
		}
		_, exists := st.docs[id]
		switch action {
		case ActionCreate:
			if exists {
				stats.Skipped++
				continue
			}
		case ActionUpdate:
			if !exists {
				stats.Skipped++
				continue
			}
		case ActionIndex:
		default:
			return stats, fmt.Errorf("unknown bulk action %q", action)
		}
		st.docs[id] = cloneDoc(doc)
		stats.Indexed++
	}
	return stats, nil
}

func (i *memIndex) Get(ctx context.Context, id string) (docstore.Doc, error) {
	i.backend.mu.RLock()
	defer i.backend.mu.RUnlock()
	st, ok := i.state()
	if !ok {
		return nil, fmt.Errorf("index %s does not exist", i.name)
	}
	doc, ok := st.docs[id]
	if !ok {
		return nil, nil
	}
	return cloneDoc(doc), nil
}

func (i *memIndex) GetDocs(ctx context.Context, ids []string) ([]docstore.Doc, error) {
	i.backend.mu.RLock()
	defer i.backend.mu.RUnlock()
	st, ok := i.state()
	if !ok {
		return nil, fmt.Errorf("index %s does not exist", i.name)
	}
	out := make([]docstore.Doc, 0, len(ids))
	for _, id := range ids {
		if doc, ok := st.docs[id]; ok {
			out = append(out, cloneDoc(doc))
		}
	}
	return out, nil
}

func (i *memIndex) MExists(ctx context.Context, ids []string) ([]IDExists, error) {
	i.backend.mu.RLock()
	defer i.backend.mu.RUnlock()
	st, ok := i.state()
	if !ok {
		return nil, fmt.Errorf("index %s does not exist", i.name)
	}
	out := make([]IDExists, 0, len(ids))
	for _, id := range ids {
		_, exists := st.docs[id]
		out = append(out, IDExists{ID: id, Exists: exists})
	}
	return out, nil
}

func (i *memIndex) DeleteDocs(ctx context.Context, ids []string) (int, error) {
	i.backend.mu.Lock()
	defer i.backend.mu.Unlock()
	st, ok := i.state()
	if !ok {
		return 0, fmt.Errorf("index %s does not exist", i.name)
	}
	n := 0
	for _, id := range ids {
		if _, ok := st.docs[id]; ok {
			delete(st.docs, id)
			n++
		}
	}
	return n, nil
}

// Scroll iterates a point-in-time id snapshot in sorted batches, so
// concurrent writes do not skip or duplicate documents within one scroll.
func (i *memIndex) Scroll(ctx context.Context, batchSize int, fn func(docs []docstore.Doc) error) error {
	if batchSize <= 0 {
		batchSize = 1000
	}
	i.backend.mu.RLock()
	st, ok := i.state()
	if !ok {
		i.backend.mu.RUnlock()
		return fmt.Errorf("index %s does not exist", i.name)
	}
	ids := make([]string, 0, len(st.docs))
	for id := range st.docs {
		ids = append(ids, id)
	}
	i.backend.mu.RUnlock()
	sort.Strings(ids)

	for start := 0; start < len(ids); start += batchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+batchSize, len(ids))
		i.backend.mu.RLock()
		batch := make([]docstore.Doc, 0, end-start)
		if st, ok := i.state(); ok {
			for _, id := range ids[start:end] {
				if doc, present := st.docs[id]; present {
					batch = append(batch, cloneDoc(doc))
				}
			}
		}
		i.backend.mu.RUnlock()
		if len(batch) == 0 {
			continue
		}
		if err := fn(batch); err != nil {
			return err
		}
	}
	return nil
}
