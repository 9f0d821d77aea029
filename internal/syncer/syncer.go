// Package syncer replays a diff folder against a live target: either a
// document store collection or a search index. Applied files are marked
// per target in the diff metadata, so an interrupted sync can be retried
// without reapplying changes.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/bioforge/datahub/internal/differ"
	"github.com/bioforge/datahub/internal/docstore"
	"github.com/bioforge/datahub/internal/foundation"
	"github.com/bioforge/datahub/internal/logfields"
	"github.com/bioforge/datahub/internal/searchindex"
)

// Target backends a diff can be applied to.
const (
	TargetMongo = "mongo" // document store
	TargetES    = "es"    // search index
)

// Options modify one sync invocation.
type Options struct {
	BatchSize int
	// Force reapplies files already marked synced for the target.
	Force bool
}

// Result summarizes an applied diff.
type Result struct {
	Added   int
	Updated int
	Deleted int
	// Skipped counts already-applied changes (patch conflicts and
	// create-on-existing).
	Skipped int
	Files   int
}

// Syncer applies diff folders.
type Syncer struct {
	folder string
	// NewSource provides the new-side collection for patch-only diffs,
	// resolved by collection name. Required for patch-only folders.
	NewSource docstore.Collection
}

// New creates a syncer over one diff folder.
func New(folder string) *Syncer { return &Syncer{folder: folder} }

// SyncToStore applies the diff folder to a document store collection
// (normally a snapshot of the old collection, which afterwards equals
// the new one).
func (s *Syncer) SyncToStore(ctx context.Context, target docstore.Collection, opts Options) (*Result, error) {
	return s.sync(ctx, TargetMongo, opts, func(ctx context.Context, p *differ.Payload, res *Result) error {
		return s.applyToStore(ctx, target, p, res)
	})
}

// SyncToIndex applies the diff folder to a search index.
func (s *Syncer) SyncToIndex(ctx context.Context, index searchindex.Index, opts Options) (*Result, error) {
	return s.sync(ctx, TargetES, opts, func(ctx context.Context, p *differ.Payload, res *Result) error {
		return s.applyToIndex(ctx, index, p, res)
	})
}

type applyFn func(ctx context.Context, p *differ.Payload, res *Result) error

func (s *Syncer) sync(ctx context.Context, target string, opts Options, apply applyFn) (*Result, error) {
	meta, err := differ.LoadMetadata(s.folder)
	if err != nil {
		return nil, fmt.Errorf("read diff metadata: %w", err)
	}
	if meta.Variant == differ.VariantPatchOnly && s.NewSource == nil {
		return nil, foundation.NotReady("patch-only diff requires access to the new collection").
			WithPath(s.folder).Build()
	}

	res := &Result{}
	for i := range meta.Files {
		fi := &meta.Files[i]
		if fi.Synced[target] && !opts.Force {
			continue
		}
		payload, err := differ.ReadFile(s.folder + "/" + fi.Name)
		if err != nil {
			return nil, err
		}
		if err := apply(ctx, payload, res); err != nil {
			return nil, fmt.Errorf("apply %s: %w", fi.Name, err)
		}
		if fi.Synced == nil {
			fi.Synced = map[string]bool{}
		}
		fi.Synced[target] = true
		// rewrite after each file so a crash loses at most one marker
		if err := differ.SaveMetadata(s.folder, meta); err != nil {
			return nil, err
		}
		res.Files++
	}
	slog.Info("Sync finished", slog.String("target", target),
		logfields.Path(s.folder), logfields.Count(res.Added+res.Updated+res.Deleted))
	return res, nil
}

// resolveAdds returns the documents to add, fetching them from the new
// collection for patch-only diffs.
func (s *Syncer) resolveAdds(ctx context.Context, p *differ.Payload) ([]docstore.Doc, error) {
	if len(p.Add) > 0 {
		return p.Add, nil
	}
	if len(p.AddIDs) == 0 {
		return nil, nil
	}
	return s.NewSource.FindMany(ctx, p.AddIDs)
}

func (s *Syncer) applyToStore(ctx context.Context, target docstore.Collection, p *differ.Payload, res *Result) error {
	adds, err := s.resolveAdds(ctx, p)
	if err != nil {
		return err
	}
	if len(adds) > 0 {
		ops := make([]docstore.BulkOp, 0, len(adds))
		for _, doc := range adds {
			id, err := docstore.ID(doc)
			if err != nil {
				return err
			}
			ops = append(ops, docstore.BulkOp{Kind: docstore.OpReplaceOne, ID: id, Doc: doc})
		}
		bulkRes, err := target.BulkWrite(ctx, ops)
		if err != nil {
			return err
		}
		res.Added += bulkRes.NInserted + bulkRes.NModified
	}

	for _, update := range p.Update {
		doc, err := target.FindOne(ctx, update.ID)
		if err != nil {
			return err
		}
		if doc == nil {
			res.Skipped++
			continue
		}
		patched, conflict, err := applyPatch(doc, update.Patch)
		if err != nil {
			return fmt.Errorf("patch %s: %w", update.ID, err)
		}
		if conflict {
			res.Skipped++
			continue
		}
		if err := target.ReplaceOne(ctx, update.ID, patched); err != nil {
			return err
		}
		res.Updated++
	}

	if len(p.Delete) > 0 {
		n, err := target.DeleteMany(ctx, p.Delete)
		if err != nil {
			return err
		}
		res.Deleted += n
		res.Skipped += len(p.Delete) - n
	}
	return nil
}

func (s *Syncer) applyToIndex(ctx context.Context, index searchindex.Index, p *differ.Payload, res *Result) error {
	adds, err := s.resolveAdds(ctx, p)
	if err != nil {
		return err
	}
	if len(adds) > 0 {
		stats, err := index.Bulk(ctx, searchindex.ActionCreate, adds)
		if err != nil {
			return err
		}
		res.Added += stats.Indexed
		res.Skipped += stats.Skipped
	}

	for _, update := range p.Update {
		doc, err := index.Get(ctx, update.ID)
		if err != nil {
			return err
		}
		if doc == nil {
			res.Skipped++
			continue
		}
		patched, conflict, err := applyPatch(doc, update.Patch)
		if err != nil {
			return fmt.Errorf("patch %s: %w", update.ID, err)
		}
		if conflict {
			res.Skipped++
			continue
		}
		if _, err := index.Bulk(ctx, searchindex.ActionIndex, []docstore.Doc{patched}); err != nil {
			return err
		}
		res.Updated++
	}

	if len(p.Delete) > 0 {
		n, err := index.DeleteDocs(ctx, p.Delete)
		if err != nil {
			return err
		}
		res.Deleted += n
		res.Skipped += len(p.Delete) - n
	}
	return nil
}

// applyPatch applies an RFC 6902 patch to a document. A test-op failure
// means the change landed already; it is reported as a conflict, not an
// error. Anything else (including a missing parent path) is structural
// divergence and fails the sync.
func applyPatch(doc docstore.Doc, patch json.RawMessage) (docstore.Doc, bool, error) {
	p, err := jsonpatch.DecodePatch(patch)
	if err != nil {
		return nil, false, err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, false, err
	}
	patched, err := p.Apply(raw)
	if err != nil {
		if errors.Is(err, jsonpatch.ErrTestFailed) {
			return nil, true, nil
		}
		return nil, false, err
	}
	var out docstore.Doc
	if err := json.Unmarshal(patched, &out); err != nil {
		return nil, false, err
	}
	return out, false, nil
}

