// Package docstore defines the abstract document store the hub core is
// written against, plus embedded adapters. Source and target collections
// hold schemaless documents keyed by a unique "_id" string.
package docstore

import (
	"context"
	"fmt"
)

// Doc is a schemaless document. The "_id" field must be a non-empty string.
type Doc = map[string]any

// ID extracts the document id, flagging absence or wrong type.
func ID(doc Doc) (string, error) {
	raw, ok := doc["_id"]
	if !ok {
		return "", fmt.Errorf("document has no _id")
	}
	id, ok := raw.(string)
	if !ok || id == "" {
		return "", fmt.Errorf("document _id is not a non-empty string: %v", raw)
	}
	return id, nil
}

// OpKind enumerates bulk operation kinds.
type OpKind string

const (
	OpInsertOne  OpKind = "insert_one"
	OpUpdateOne  OpKind = "update_one"  // merge top-level fields; no-op when the id is absent
	OpReplaceOne OpKind = "replace_one" // upsert by id
	OpDeleteOne  OpKind = "delete_one"
)

// BulkOp is one operation within a BulkWrite call.
type BulkOp struct {
	Kind OpKind
	ID   string
	Doc  Doc // unused for DeleteOne
}

// BulkResult summarizes a bulk write.
type BulkResult struct {
	NInserted int
	NModified int
	NDeleted  int
}

// WriteError describes one failed op inside a bulk write.
type WriteError struct {
	Index     int
	ID        string
	Message   string
	Duplicate bool
}

// BulkWriteError is the structured partial-failure error surfaced by
// InsertMany and BulkWrite. Successful ops are reflected in Result.
type BulkWriteError struct {
	Result      BulkResult
	WriteErrors []WriteError
}

func (e *BulkWriteError) Error() string {
	return fmt.Sprintf("bulk write: %d inserted, %d write errors", e.Result.NInserted, len(e.WriteErrors))
}

// DuplicateIDs returns the ids of duplicate-key failures.
func (e *BulkWriteError) DuplicateIDs() []string {
	var ids []string
	for _, we := range e.WriteErrors {
		if we.Duplicate {
			ids = append(ids, we.ID)
		}
	}
	return ids
}

// Collection provides document operations over one named collection.
// Collections are created lazily on first write; reading a missing
// collection behaves as reading an empty one.
type Collection interface {
	Name() string

	FindOne(ctx context.Context, id string) (Doc, error) // nil when absent
	FindMany(ctx context.Context, ids []string) ([]Doc, error)
	Count(ctx context.Context) (int, error)
	// IDs streams all document ids in batches of at most batchSize.
	// Returning an error from fn stops the iteration.
	IDs(ctx context.Context, batchSize int, fn func(ids []string) error) error

	InsertMany(ctx context.Context, docs []Doc) (int, error)
	BulkWrite(ctx context.Context, ops []BulkOp) (BulkResult, error)
	ReplaceOne(ctx context.Context, id string, doc Doc) error
	DeleteMany(ctx context.Context, ids []string) (int, error)

	Drop(ctx context.Context) error
	Rename(ctx context.Context, newName string, dropTarget bool) error
}

// Store hands out collections by name.
type Store interface {
	Collection(name string) Collection
	ListCollections(ctx context.Context) ([]string, error)
	Close() error
}
