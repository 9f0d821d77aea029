package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store used by tests and by components that
// need a scratch document store. Documents are deep-copied on the way in
// and out so callers cannot alias internal state.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]Doc
}

// NewMemory creates an empty in-memory document store.
func NewMemory() *MemoryStore {
	return &MemoryStore{collections: map[string]map[string]Doc{}}
}

func deepCopy(doc Doc) Doc {
	if doc == nil {
		return nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		// Doc values are JSON-shaped by construction.
		panic(fmt.Sprintf("docstore: unmarshalable document: %v", err))
	}
	var out Doc
	_ = json.Unmarshal(raw, &out)
	return out
}

func (s *MemoryStore) Collection(name string) Collection {
	return &memoryCollection{store: s, name: name}
}

func (s *MemoryStore) ListCollections(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.collections))
	for name := range s.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemoryStore) Close() error { return nil }

type memoryCollection struct {
	store *MemoryStore
	name  string
}

func (c *memoryCollection) Name() string { return c.name }

func (c *memoryCollection) FindOne(ctx context.Context, id string) (Doc, error) {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	doc, ok := c.store.collections[c.name][id]
	if !ok {
		return nil, nil
	}
	return deepCopy(doc), nil
}

func (c *memoryCollection) FindMany(ctx context.Context, ids []string) ([]Doc, error) {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	col := c.store.collections[c.name]
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	var docs []Doc
	for _, id := range sorted {
		if doc, ok := col[id]; ok {
			docs = append(docs, deepCopy(doc))
		}
	}
	return docs, nil
}

func (c *memoryCollection) Count(ctx context.Context) (int, error) {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	return len(c.store.collections[c.name]), nil
}

func (c *memoryCollection) IDs(ctx context.Context, batchSize int, fn func(ids []string) error) error {
	if batchSize <= 0 {
		batchSize = 1000
	}
	c.store.mu.RLock()
	col := c.store.collections[c.name]
	all := make([]string, 0, len(col))
	for id := range col {
		all = append(all, id)
	}
	c.store.mu.RUnlock()
	sort.Strings(all)

	for start := 0; start < len(all); start += batchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start + batchSize
		if end > len(all) {
			end = len(all)
		}
		if err := fn(all[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (c *memoryCollection) InsertMany(ctx context.Context, docs []Doc) (int, error) {
	ops := make([]BulkOp, 0, len(docs))
	for _, doc := range docs {
		id, err := ID(doc)
		if err != nil {
			return 0, err
		}
		ops = append(ops, BulkOp{Kind: OpInsertOne, ID: id, Doc: doc})
	}
	res, err := c.BulkWrite(ctx, ops)
	return res.NInserted, err
}

func (c *memoryCollection) BulkWrite(ctx context.Context, ops []BulkOp) (BulkResult, error) {
	var res BulkResult
	if len(ops) == 0 {
		return res, nil
	}

	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	col, ok := c.store.collections[c.name]
	if !ok {
		col = map[string]Doc{}
		c.store.collections[c.name] = col
	}

	var writeErrors []WriteError
	for i, op := range ops {
		switch op.Kind {
		case OpInsertOne:
			if _, exists := col[op.ID]; exists {
				writeErrors = append(writeErrors, WriteError{
					Index: i, ID: op.ID, Duplicate: true,
					Message: fmt.Sprintf("duplicate key %q", op.ID),
				})
				continue
			}
			col[op.ID] = deepCopy(op.Doc)
			res.NInserted++
		case OpUpdateOne:
			if existing, exists := col[op.ID]; exists {
				for k, v := range deepCopy(op.Doc) {
					existing[k] = v
				}
				res.NModified++
			}
		case OpReplaceOne:
			col[op.ID] = deepCopy(op.Doc)
			res.NModified++
		case OpDeleteOne:
			if _, exists := col[op.ID]; exists {
				delete(col, op.ID)
				res.NDeleted++
			}
		default:
			return res, fmt.Errorf("unknown bulk op kind %q", op.Kind)
		}
	}

	if len(writeErrors) > 0 {
		return res, &BulkWriteError{Result: res, WriteErrors: writeErrors}
	}
	return res, nil
}

func (c *memoryCollection) ReplaceOne(ctx context.Context, id string, doc Doc) error {
	_, err := c.BulkWrite(ctx, []BulkOp{{Kind: OpReplaceOne, ID: id, Doc: doc}})
	return err
}

func (c *memoryCollection) DeleteMany(ctx context.Context, ids []string) (int, error) {
	ops := make([]BulkOp, 0, len(ids))
	for _, id := range ids {
		ops = append(ops, BulkOp{Kind: OpDeleteOne, ID: id})
	}
	res, err := c.BulkWrite(ctx, ops)
	return res.NDeleted, err
}

func (c *memoryCollection) Drop(ctx context.Context) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	delete(c.store.collections, c.name)
	return nil
}

func (c *memoryCollection) Rename(ctx context.Context, newName string, dropTarget bool) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	if _, exists := c.store.collections[newName]; exists && !dropTarget {
		return fmt.Errorf("rename target %q already exists", newName)
	}
	col, exists := c.store.collections[c.name]
	if !exists {
		return fmt.Errorf("collection %q does not exist", c.name)
	}
	c.store.collections[newName] = col
	delete(c.store.collections, c.name)
	c.name = newName
	return nil
}
