package storage

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"

	"github.com/bioforge/datahub/internal/docstore"
)

// AsListOfDictKey is the per-document hint controlling how a sub-array of
// objects merges: the named first-level key is coerced to a list of
// objects on both sides before the union.
const AsListOfDictKey = "__aslistofdict__"

// MergeStorage retries duplicate-key failures by deep-merging the new
// document into the existing one and re-emitting it as an update.
type MergeStorage struct {
	col  docstore.Collection
	opts Options
}

func (s *MergeStorage) Process(ctx context.Context, docs <-chan docstore.Doc, batchSize int) (int, error) {
	total := 0
	for batchNum := 0; ; batchNum++ {
		if s.opts.MaxBatchNum > 0 && batchNum >= s.opts.MaxBatchNum {
			return total, nil
		}
		batch, more, err := readBatch(ctx, docs, batchSize, s.opts)
		if err != nil {
			return total, err
		}
		if len(batch) > 0 {
			n, err := s.processBatch(ctx, batch, s.mergeDoc)
			total += n
			if err != nil {
				return total, err
			}
		}
		if !more {
			return total, nil
		}
	}
}

type mergeFn func(existing, incoming docstore.Doc) docstore.Doc

// processBatch inserts a batch and converts duplicate failures into merges.
func (s *MergeStorage) processBatch(ctx context.Context, batch []docstore.Doc, merge mergeFn) (int, error) {
	n, err := s.col.InsertMany(ctx, batch)
	if err == nil {
		return n, nil
	}
	var bwe *docstore.BulkWriteError
	if !errors.As(err, &bwe) {
		return n, err
	}

	byID := map[string]docstore.Doc{}
	for _, doc := range batch {
		id, idErr := docstore.ID(doc)
		if idErr != nil {
			return n, idErr
		}
		byID[id] = doc
	}

	var ops []docstore.BulkOp
	for _, id := range bwe.DuplicateIDs() {
		existing, ferr := s.col.FindOne(ctx, id)
		if ferr != nil {
			return n, ferr
		}
		if existing == nil {
			// Raced away between insert and fetch; re-emit as replace.
			ops = append(ops, docstore.BulkOp{Kind: docstore.OpReplaceOne, ID: id, Doc: byID[id]})
			continue
		}
		merged := merge(existing, byID[id])
		ops = append(ops, docstore.BulkOp{Kind: docstore.OpUpdateOne, ID: id, Doc: merged})
	}
	res, err := s.col.BulkWrite(ctx, ops)
	return n + res.NModified, err
}

// mergeDoc deep-merges incoming into existing: maps merge recursively,
// arrays union, differing scalars become lists.
func (s *MergeStorage) mergeDoc(existing, incoming docstore.Doc) docstore.Doc {
	hint, _ := incoming[AsListOfDictKey].(string)
	out := docstore.Doc{}
	for k, v := range existing {
		out[k] = v
	}
	for k, v := range incoming {
		if k == AsListOfDictKey {
			continue
		}
		if k == "_id" {
			out[k] = v
			continue
		}
		if k == hint {
			out[k] = unionLists(asList(out[k]), asList(v))
			continue
		}
		prev, exists := out[k]
		if !exists {
			out[k] = v
			continue
		}
		out[k] = mergeValues(prev, v)
	}
	return out
}

func mergeValues(a, b any) any {
	am, aIsMap := a.(map[string]any)
	bm, bIsMap := b.(map[string]any)
	if aIsMap && bIsMap {
		out := map[string]any{}
		for k, v := range am {
			out[k] = v
		}
		for k, v := range bm {
			if prev, ok := out[k]; ok {
				out[k] = mergeValues(prev, v)
			} else {
				out[k] = v
			}
		}
		return out
	}
	aList, aIsList := a.([]any)
	bList, bIsList := b.([]any)
	switch {
	case aIsList && bIsList:
		return unionLists(aList, bList)
	case aIsList:
		return unionLists(aList, []any{b})
	case bIsList:
		return unionLists([]any{a}, bList)
	}
	if sameValue(a, b) {
		return a
	}
	return []any{a, b}
}

func asList(v any) []any {
	if v == nil {
		return nil
	}
	if l, ok := v.([]any); ok {
		return l
	}
	return []any{v}
}

// unionLists appends elements of b not already present in a.
func unionLists(a, b []any) []any {
	out := append([]any(nil), a...)
	for _, e := range b {
		found := false
		for _, have := range out {
			if sameValue(have, e) {
				found = true
				break
			}
		}
		if !found {
			out = append(out, e)
		}
	}
	return out
}

// sameValue compares possibly-nested values structurally, tolerating the
// int/float64 drift of a JSON round trip.
func sameValue(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	ar, errA := json.Marshal(a)
	br, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ar) == string(br)
}

// RootKeyMergeStorage merges only first-level keys on duplicate; same-key
// collisions become lists rather than recursive merges.
type RootKeyMergeStorage struct {
	Col  docstore.Collection
	Opts Options
}

func (s *RootKeyMergeStorage) Process(ctx context.Context, docs <-chan docstore.Doc, batchSize int) (int, error) {
	inner := &MergeStorage{col: s.Col, opts: s.Opts}
	total := 0
	for batchNum := 0; ; batchNum++ {
		if s.Opts.MaxBatchNum > 0 && batchNum >= s.Opts.MaxBatchNum {
			return total, nil
		}
		batch, more, err := readBatch(ctx, docs, batchSize, s.Opts)
		if err != nil {
			return total, err
		}
		if len(batch) > 0 {
			n, err := inner.processBatch(ctx, batch, rootKeyMerge)
			total += n
			if err != nil {
				return total, err
			}
		}
		if !more {
			return total, nil
		}
	}
}

func rootKeyMerge(existing, incoming docstore.Doc) docstore.Doc {
	out := docstore.Doc{}
	for k, v := range existing {
		out[k] = v
	}
	for k, v := range incoming {
		if k == "_id" {
			out[k] = v
			continue
		}
		prev, exists := out[k]
		if !exists {
			out[k] = v
			continue
		}
		out[k] = unionLists(asList(prev), asList(v))
	}
	return out
}
