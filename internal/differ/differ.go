// Package differ computes batched JSON-patch diffs between two versions
// of a collection, written as framed files into a per-pair diff folder.
// The folder is the unit the syncer later replays against a live store.
package differ

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	jsonpatch "gomodules.xyz/jsonpatch/v2"
	"golang.org/x/sync/errgroup"

	"github.com/bioforge/datahub/internal/docstore"
	"github.com/bioforge/datahub/internal/foundation"
	"github.com/bioforge/datahub/internal/logfields"
)

// Step names for the diff operation.
const (
	StepCount   = "count"
	StepContent = "content"
)

// Options modify one diff invocation.
type Options struct {
	Steps     []string // default: count, content
	BatchSize int      // default 10000
	// Purge clears an existing non-empty diff folder instead of failing.
	Purge bool
	// Exclude lists dotted attribute paths left out of update patches.
	Exclude []string
	// SelfContained embeds added documents; otherwise only their ids are
	// recorded and the syncer fetches them from the new collection.
	SelfContained bool
	// MaxWorkers bounds concurrent batch workers; zero means 4.
	MaxWorkers int
}

// Differ computes diffs under a root folder.
type Differ struct {
	diffRoot string
}

// New creates a differ writing under diffRoot.
func New(diffRoot string) *Differ { return &Differ{diffRoot: diffRoot} }

// Folder returns the deterministic diff folder for a collection pair.
func (d *Differ) Folder(oldName, newName string) string {
	return filepath.Join(d.diffRoot, oldName+"_vs_"+newName)
}

// Diff computes the differences between two collections and returns the
// final metadata. The diff folder is single-writer: a second differ on
// the same pair fails to acquire the folder lock.
func (d *Differ) Diff(ctx context.Context, oldCol, newCol docstore.Collection, opts Options) (*Metadata, error) {
	steps := opts.Steps
	if len(steps) == 0 {
		steps = []string{StepCount, StepContent}
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10000
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 4
	}

	folder := d.Folder(oldCol.Name(), newCol.Name())
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return nil, err
	}
	lock := flock.New(filepath.Join(folder, ".lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, foundation.ResourceConflict("diff folder is locked by another differ").
			WithPath(folder).Build()
	}
	defer lock.Unlock()

	if err := d.prepareFolder(folder, opts.Purge); err != nil {
		return nil, err
	}

	variant := VariantPatchOnly
	if opts.SelfContained {
		variant = VariantSelfContained
	}
	meta := &Metadata{
		Old:       oldCol.Name(),
		New:       newCol.Name(),
		Variant:   variant,
		Algorithm: Algorithm{Type: "jsondiff", Exclude: opts.Exclude},
		BatchSize: opts.BatchSize,
		StartedAt: time.Now().UTC().Format(time.RFC3339),
	}
	// initial write so a crashed diff leaves an inspectable folder
	if err := SaveMetadata(folder, meta); err != nil {
		return nil, err
	}

	for _, step := range steps {
		switch step {
		case StepCount:
			counts, err := d.countKeys(ctx, newCol, opts.BatchSize)
			if err != nil {
				return nil, err
			}
			meta.KeyCounts = counts
		case StepContent:
			if err := d.content(ctx, folder, oldCol, newCol, opts, meta); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("unknown diff step %q", step)
		}
	}

	meta.FinishedAt = time.Now().UTC().Format(time.RFC3339)
	if err := SaveMetadata(folder, meta); err != nil {
		return nil, err
	}
	slog.Info("Diff finished", logfields.Collection(newCol.Name()),
		logfields.Count(meta.Stats.Add+meta.Stats.Update+meta.Stats.Delete))
	return meta, nil
}

// prepareFolder enforces the single-diff-per-pair rule: any existing diff
// content is a conflict unless purge was requested.
func (d *Differ) prepareFolder(folder string, purge bool) error {
	entries, err := os.ReadDir(folder)
	if err != nil {
		return err
	}
	var stale []string
	for _, entry := range entries {
		if entry.Name() == ".lock" {
			continue
		}
		stale = append(stale, entry.Name())
	}
	if len(stale) == 0 {
		return nil
	}
	if !purge {
		return foundation.ResourceConflict("diff folder already contains a diff").
			WithPath(folder).Build()
	}
	for _, name := range stale {
		if err := os.RemoveAll(filepath.Join(folder, name)); err != nil {
			return err
		}
	}
	return nil
}

// countKeys tallies top-level key presence across the new collection.
func (d *Differ) countKeys(ctx context.Context, col docstore.Collection, batchSize int) (map[string]int, error) {
	counts := map[string]int{}
	err := col.IDs(ctx, batchSize, func(ids []string) error {
		docs, err := col.FindMany(ctx, ids)
		if err != nil {
			return err
		}
		for _, doc := range docs {
			for key := range doc {
				counts[key]++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

// content runs the two-sided batched diff and records one file per
// non-empty batch.
func (d *Differ) content(ctx context.Context, folder string, oldCol, newCol docstore.Collection, opts Options, meta *Metadata) error {
	var mu sync.Mutex // guards meta and the batch counter
	batchNum := 0

	record := func(p *Payload) error {
		if p.Empty() {
			return nil
		}
		mu.Lock()
		defer mu.Unlock()
		name := fmt.Sprintf("%d.bin", batchNum)
		batchNum++
		md5sum, err := WriteFile(filepath.Join(folder, name), p)
		if err != nil {
			return err
		}
		// the file is fully written before it is visible in the metadata
		meta.Files = append(meta.Files, FileInfo{Name: name, MD5: md5sum, Count: p.Count()})
		meta.Stats.Add += len(p.Add) + len(p.AddIDs)
		meta.Stats.Update += len(p.Update)
		meta.Stats.Delete += len(p.Delete)
		return SaveMetadata(folder, meta)
	}

	// pass 1: adds and updates, driven by the new collection's ids
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.MaxWorkers)
	err := newCol.IDs(ctx, opts.BatchSize, func(ids []string) error {
		batch := append([]string(nil), ids...)
		g.Go(func() error {
			p, err := diffBatch(gctx, oldCol, newCol, batch, opts)
			if err != nil {
				return err
			}
			return record(p)
		})
		return gctx.Err()
	})
	if werr := g.Wait(); err == nil {
		err = werr
	}
	if err != nil {
		return err
	}

	// pass 2: deletes, driven by the old collection's ids
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(opts.MaxWorkers)
	err = oldCol.IDs(ctx, opts.BatchSize, func(ids []string) error {
		batch := append([]string(nil), ids...)
		g.Go(func() error {
			deleted, err := deletedIDs(gctx, newCol, batch)
			if err != nil {
				return err
			}
			return record(&Payload{Delete: deleted})
		})
		return gctx.Err()
	})
	if werr := g.Wait(); err == nil {
		err = werr
	}
	return err
}

// diffBatch compares one batch of new-side ids against the old side.
func diffBatch(ctx context.Context, oldCol, newCol docstore.Collection, ids []string, opts Options) (*Payload, error) {
	newDocs, err := newCol.FindMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	oldDocs, err := oldCol.FindMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	oldByID := make(map[string]docstore.Doc, len(oldDocs))
	for _, doc := range oldDocs {
		if id, err := docstore.ID(doc); err == nil {
			oldByID[id] = doc
		}
	}

	p := &Payload{}
	for _, doc := range newDocs {
		id, err := docstore.ID(doc)
		if err != nil {
			return nil, err
		}
		oldDoc, ok := oldByID[id]
		if !ok {
			if opts.SelfContained {
				p.Add = append(p.Add, doc)
			} else {
				p.AddIDs = append(p.AddIDs, id)
			}
			continue
		}
		patch, err := diffDocs(oldDoc, doc, opts.Exclude)
		if err != nil {
			return nil, fmt.Errorf("diff %s: %w", id, err)
		}
		if patch != nil {
			p.Update = append(p.Update, PatchOp{ID: id, Patch: patch})
		}
	}
	sort.Strings(p.AddIDs)
	return p, nil
}

// diffDocs computes the RFC 6902 patch between two documents, dropping
// operations under excluded paths. Nil means no difference.
func diffDocs(oldDoc, newDoc docstore.Doc, exclude []string) (json.RawMessage, error) {
	oldRaw, err := json.Marshal(oldDoc)
	if err != nil {
		return nil, err
	}
	newRaw, err := json.Marshal(newDoc)
	if err != nil {
		return nil, err
	}
	ops, err := jsonpatch.CreatePatch(oldRaw, newRaw)
	if err != nil {
		return nil, err
	}
	if len(exclude) > 0 {
		kept := ops[:0]
		for _, op := range ops {
			if !excluded(op.Path, exclude) {
				kept = append(kept, op)
			}
		}
		ops = kept
	}
	if len(ops) == 0 {
		return nil, nil
	}
	return json.Marshal(ops)
}

// excluded reports whether a JSON-pointer path falls under any excluded
// dotted attribute path.
func excluded(pointer string, exclude []string) bool {
	for _, attr := range exclude {
		prefix := "/" + strings.ReplaceAll(attr, ".", "/")
		if pointer == prefix || strings.HasPrefix(pointer, prefix+"/") {
			return true
		}
	}
	return false
}

// deletedIDs returns the old-side ids absent from the new collection.
func deletedIDs(ctx context.Context, newCol docstore.Collection, ids []string) ([]string, error) {
	newDocs, err := newCol.FindMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	present := make(map[string]bool, len(newDocs))
	for _, doc := range newDocs {
		if id, err := docstore.ID(doc); err == nil {
			present[id] = true
		}
	}
	var deleted []string
	for _, id := range ids {
		if !present[id] {
			deleted = append(deleted, id)
		}
	}
	sort.Strings(deleted)
	return deleted, nil
}
