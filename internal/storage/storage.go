// Package storage implements the pluggable write policies used by
// uploaders to land parsed documents in a source collection. All
// strategies consume a document stream in batches and report how many
// documents ended up in the target (inserted plus updated).
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/bioforge/datahub/internal/docstore"
	"github.com/bioforge/datahub/internal/logfields"
)

// Policy names the duplicate-handling behavior declared by plugins.
type Policy string

const (
	PolicyError  Policy = "error"
	PolicyIgnore Policy = "ignore"
	PolicyMerge  Policy = "merge"
)

// Storage lands a stream of parsed documents into a collection.
type Storage interface {
	// Process drains docs and returns the number of documents that ended
	// up in the target collection.
	Process(ctx context.Context, docs <-chan docstore.Doc, batchSize int) (int, error)
}

// Options tune a strategy independently of its duplicate policy.
type Options struct {
	// MaxBatchNum caps the number of processed batches; zero means no cap.
	// Used to bound work in tests and dry runs.
	MaxBatchNum int
	// MaxDocBytes drops documents larger than this with a warning instead
	// of failing the whole load. Zero disables the check.
	MaxDocBytes int
}

// New returns the strategy for a duplicate policy.
func New(col docstore.Collection, policy Policy, opts Options) Storage {
	switch policy {
	case PolicyIgnore:
		return &IgnoreDuplicatedStorage{col: col, opts: opts}
	case PolicyMerge:
		return &MergeStorage{col: col, opts: opts}
	default:
		return &BasicStorage{col: col, opts: opts}
	}
}

// readBatch pulls up to batchSize docs off the channel, applying the
// document size check when configured.
func readBatch(ctx context.Context, docs <-chan docstore.Doc, batchSize int, opts Options) ([]docstore.Doc, bool, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	batch := make([]docstore.Doc, 0, batchSize)
	for len(batch) < batchSize {
		select {
		case <-ctx.Done():
			return batch, false, ctx.Err()
		case doc, ok := <-docs:
			if !ok {
				return batch, false, nil
			}
			if opts.MaxDocBytes > 0 {
				raw, err := json.Marshal(doc)
				if err == nil && len(raw) > opts.MaxDocBytes {
					id, _ := docstore.ID(doc)
					slog.Warn("Dropping document exceeding store size limit",
						slog.String("id", id), slog.Int("bytes", len(raw)))
					continue
				}
			}
			batch = append(batch, doc)
		}
	}
	return batch, true, nil
}

// BasicStorage performs plain batched inserts; any duplicate _id is fatal.
type BasicStorage struct {
	col  docstore.Collection
	opts Options
}

func (s *BasicStorage) Process(ctx context.Context, docs <-chan docstore.Doc, batchSize int) (int, error) {
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
			n, err := s.col.InsertMany(ctx, batch)
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

// IgnoreDuplicatedStorage counts and discards per-batch duplicate errors.
type IgnoreDuplicatedStorage struct {
	col  docstore.Collection
	opts Options
}

func (s *IgnoreDuplicatedStorage) Process(ctx context.Context, docs <-chan docstore.Doc, batchSize int) (int, error) {
	total, skipped := 0, 0
	for batchNum := 0; ; batchNum++ {
		if s.opts.MaxBatchNum > 0 && batchNum >= s.opts.MaxBatchNum {
			break
		}
		batch, more, err := readBatch(ctx, docs, batchSize, s.opts)
		if err != nil {
			return total, err
		}
		if len(batch) > 0 {
			n, err := s.col.InsertMany(ctx, batch)
			total += n
			var bwe *docstore.BulkWriteError
			switch {
			case err == nil:
			case errors.As(err, &bwe):
				skipped += len(bwe.DuplicateIDs())
			default:
				return total, err
			}
		}
		if !more {
			break
		}
	}
	if skipped > 0 {
		slog.Debug("Skipped duplicated documents", logfields.Collection(s.col.Name()), logfields.Count(skipped))
	}
	return total, nil
}

// NoBatchIgnoreDuplicatedStorage inserts one document at a time, for
// order-preserving pathological inputs where a batch would reorder
// duplicate resolution.
type NoBatchIgnoreDuplicatedStorage struct {
	Col  docstore.Collection
	Opts Options
}

func (s *NoBatchIgnoreDuplicatedStorage) Process(ctx context.Context, docs <-chan docstore.Doc, batchSize int) (int, error) {
	inner := &IgnoreDuplicatedStorage{col: s.Col, opts: s.Opts}
	return inner.Process(ctx, docs, 1)
}

// UpsertStorage replaces documents keyed by _id.
type UpsertStorage struct {
	Col  docstore.Collection
	Opts Options
}

func (s *UpsertStorage) Process(ctx context.Context, docs <-chan docstore.Doc, batchSize int) (int, error) {
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
			ops := make([]docstore.BulkOp, 0, len(batch))
			for _, doc := range batch {
				id, err := docstore.ID(doc)
				if err != nil {
					return total, err
				}
				ops = append(ops, docstore.BulkOp{Kind: docstore.OpReplaceOne, ID: id, Doc: doc})
			}
			res, err := s.Col.BulkWrite(ctx, ops)
			total += res.NModified
			if err != nil {
				return total, err
			}
		}
		if !more {
			return total, nil
		}
	}
}

// NoStorage discards its input; used by mapping-only plugins that exist to
// register a mapper rather than documents.
type NoStorage struct{}

func (NoStorage) Process(ctx context.Context, docs <-chan docstore.Doc, batchSize int) (int, error) {
	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case _, ok := <-docs:
			if !ok {
				return 0, nil
			}
		}
	}
}
