package searchindex

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bioforge/datahub/internal/docstore"
	"github.com/bioforge/datahub/internal/foundation"
)

func newIndex(t *testing.T, b *MemoryBackend, name string, docs ...docstore.Doc) Index {
	t.Helper()
	idx := b.OpenIndex(name)
	require.NoError(t, idx.Create(context.Background(), nil, map[string]any{"properties": map[string]any{}}))
	if len(docs) > 0 {
		_, err := idx.Bulk(context.Background(), ActionIndex, docs)
		require.NoError(t, err)
	}
	return idx
}

func TestBulkActions(t *testing.T) {
	b := NewMemoryBackend()
	idx := newIndex(t, b, "genes",
		docstore.Doc{"_id": "g1", "symbol": "TP53"},
	)
	ctx := context.Background()

	stats, err := idx.Bulk(ctx, ActionCreate, []docstore.Doc{
		{"_id": "g1", "symbol": "CLOBBER"},
		{"_id": "g2", "symbol": "BRCA1"},
	})
	require.NoError(t, err)
	assert.Equal(t, BulkStats{Indexed: 1, Skipped: 1}, stats)

	doc, err := idx.Get(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, "TP53", doc["symbol"], "create must not clobber existing docs")

	stats, err = idx.Bulk(ctx, ActionUpdate, []docstore.Doc{
		{"_id": "g2", "symbol": "BRCA1", "chrom": "17"},
		{"_id": "g9", "symbol": "GHOST"},
	})
	require.NoError(t, err)
	assert.Equal(t, BulkStats{Indexed: 1, Skipped: 1}, stats)

	n, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestMExistsAndDelete(t *testing.T) {
	b := NewMemoryBackend()
	idx := newIndex(t, b, "genes",
		docstore.Doc{"_id": "a"}, docstore.Doc{"_id": "b"},
	)
	ctx := context.Background()

	pairs, err := idx.MExists(ctx, []string{"a", "x", "b"})
	require.NoError(t, err)
	assert.Equal(t, []IDExists{{"a", true}, {"x", false}, {"b", true}}, pairs)

	n, err := idx.DeleteDocs(ctx, []string{"a", "x"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestScrollBatches(t *testing.T) {
	b := NewMemoryBackend()
	docs := make([]docstore.Doc, 25)
	for i := range docs {
		docs[i] = docstore.Doc{"_id": string(rune('a'+i%26)) + string(rune('0'+i/26)), "n": i}
	}
	idx := newIndex(t, b, "bulkload", docs...)

	var batches, total int
	err := idx.Scroll(context.Background(), 10, func(batch []docstore.Doc) error {
		batches++
		total += len(batch)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, batches)
	assert.Equal(t, 25, total)
}

func TestCreateConflict(t *testing.T) {
	b := NewMemoryBackend()
	newIndex(t, b, "genes")
	err := b.OpenIndex("genes").Create(context.Background(), nil, nil)
	assert.ErrorIs(t, err, foundation.ErrResourceConflict)
}

func TestReindex(t *testing.T) {
	b := NewMemoryBackend()
	newIndex(t, b, "src", docstore.Doc{"_id": "1"}, docstore.Doc{"_id": "2"})
	ctx := context.Background()

	taskID, err := b.Reindex(ctx, "src", "dst")
	require.NoError(t, err)
	st, err := b.TaskStatus(ctx, taskID)
	require.NoError(t, err)
	assert.True(t, st.Completed)
	assert.Equal(t, 2, st.Done)

	n, err := b.OpenIndex("dst").Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSnapshotAndRestore(t *testing.T) {
	b := NewMemoryBackend()
	idx := newIndex(t, b, "genes", docstore.Doc{"_id": "g1", "v": 1.0})
	ctx := context.Background()

	require.NoError(t, b.CreateRepository(ctx, "backups", map[string]any{"location": "/snapshots"}))
	require.NoError(t, b.CreateSnapshot(ctx, "backups", "weekly", []string{"genes"}))

	err := b.CreateSnapshot(ctx, "backups", "weekly", []string{"genes"})
	assert.ErrorIs(t, err, foundation.ErrResourceConflict, "same snapshot name without purge")

	status, err := b.GetSnapshotStatus(ctx, "backups", "weekly")
	require.NoError(t, err)
	assert.Equal(t, "SUCCESS", status.State)

	// mutate then restore into a fresh spot
	_, err = idx.Bulk(ctx, ActionIndex, []docstore.Doc{{"_id": "g2"}})
	require.NoError(t, err)
	require.NoError(t, idx.Delete(ctx))
	require.NoError(t, b.Restore(ctx, "backups", "weekly", "genes"))

	n, err := b.OpenIndex("genes").Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "restore reflects snapshot-time content")

	st, err := b.GetRestoreStatus(ctx, "genes")
	require.NoError(t, err)
	assert.True(t, st.Completed)
}
