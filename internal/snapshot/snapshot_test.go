package snapshot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bioforge/datahub/internal/docstore"
	"github.com/bioforge/datahub/internal/foundation"
	"github.com/bioforge/datahub/internal/searchindex"
)

func seedCollection(t *testing.T, docs ...docstore.Doc) docstore.Collection {
	t.Helper()
	col := docstore.NewMemory().Collection("demo_build")
	_, err := col.InsertMany(context.Background(), docs)
	require.NoError(t, err)
	return col
}

func TestBuildIndex(t *testing.T) {
	col := seedCollection(t,
		docstore.Doc{"_id": "g1", "symbol": "TP53"},
		docstore.Doc{"_id": "g2", "symbol": "BRCA1"},
	)
	backend := searchindex.NewMemoryBackend()
	pub := NewPublisher(backend, backend)
	ctx := context.Background()

	count, err := pub.BuildIndex(ctx, col, "demo", IndexOptions{
		Mapping: map[string]any{"properties": map[string]any{"symbol": map[string]any{"type": "keyword"}}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	index := backend.OpenIndex("demo")
	n, err := index.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	mapping, err := index.Mapping(ctx)
	require.NoError(t, err)
	assert.Contains(t, mapping, "properties")

	// rebuilding needs purge
	_, err = pub.BuildIndex(ctx, col, "demo", IndexOptions{})
	assert.ErrorIs(t, err, foundation.ErrResourceConflict)
	count, err = pub.BuildIndex(ctx, col, "demo", IndexOptions{Purge: true})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestSnapshotAndRestore(t *testing.T) {
	col := seedCollection(t, docstore.Doc{"_id": "g1", "symbol": "TP53"})
	backend := searchindex.NewMemoryBackend()
	pub := NewPublisher(backend, backend)
	ctx := context.Background()

	_, err := pub.BuildIndex(ctx, col, "demo", IndexOptions{})
	require.NoError(t, err)
	require.NoError(t, pub.Snapshot(ctx, "backups", "snap1", "demo", SnapshotOptions{}))

	// same snapshot name again: conflict without purge
	err = pub.Snapshot(ctx, "backups", "snap1", "demo", SnapshotOptions{})
	assert.ErrorIs(t, err, foundation.ErrResourceConflict)
	require.NoError(t, pub.Snapshot(ctx, "backups", "snap1", "demo", SnapshotOptions{Purge: true}))

	// restore over the live index: conflict without purge
	err = pub.Restore(ctx, "backups", "snap1", "demo", RestoreOptions{})
	assert.ErrorIs(t, err, foundation.ErrResourceConflict)
	require.NoError(t, pub.Restore(ctx, "backups", "snap1", "demo", RestoreOptions{Purge: true}))

	index := backend.OpenIndex("demo")
	doc, err := index.Get(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, "TP53", doc["symbol"])
}

func TestRestoreIntoFreshIndex(t *testing.T) {
	col := seedCollection(t, docstore.Doc{"_id": "g1", "symbol": "TP53"})
	backend := searchindex.NewMemoryBackend()
	pub := NewPublisher(backend, backend)
	ctx := context.Background()

	_, err := pub.BuildIndex(ctx, col, "demo", IndexOptions{})
	require.NoError(t, err)
	require.NoError(t, pub.Snapshot(ctx, "backups", "snap1", "demo", SnapshotOptions{}))
	require.NoError(t, backend.OpenIndex("demo").Delete(ctx))

	require.NoError(t, pub.Restore(ctx, "backups", "snap1", "demo", RestoreOptions{}))
	n, err := backend.OpenIndex("demo").Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
