package syncer

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bioforge/datahub/internal/differ"
	"github.com/bioforge/datahub/internal/docstore"
	"github.com/bioforge/datahub/internal/searchindex"
)

func seed(t *testing.T, store docstore.Store, name string, docs ...docstore.Doc) docstore.Collection {
	t.Helper()
	col := store.Collection(name)
	if len(docs) > 0 {
		_, err := col.InsertMany(context.Background(), docs)
		require.NoError(t, err)
	}
	return col
}

var (
	oldDocs = []docstore.Doc{
		{"_id": "g1", "symbol": "TP53"},
		{"_id": "g2", "symbol": "BRCA1"},
		{"_id": "g3", "symbol": "GONE"},
	}
	newDocs = []docstore.Doc{
		{"_id": "g1", "symbol": "TP53"},
		{"_id": "g2", "symbol": "BRCA1", "chrom": "17"},
		{"_id": "g4", "symbol": "NEW"},
	}
)

// makeDiff builds a diff folder between the canonical old and new sets.
func makeDiff(t *testing.T, selfContained bool) (string, docstore.Collection) {
	t.Helper()
	store := docstore.NewMemory()
	oldCol := seed(t, store, "v1", oldDocs...)
	newCol := seed(t, store, "v2", newDocs...)
	d := differ.New(t.TempDir())
	_, err := d.Diff(context.Background(), oldCol, newCol,
		differ.Options{SelfContained: selfContained})
	require.NoError(t, err)
	return d.Folder("v1", "v2"), newCol
}

func assertConverged(t *testing.T, col docstore.Collection) {
	t.Helper()
	ctx := context.Background()
	n, err := col.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(newDocs), n)
	for _, want := range newDocs {
		got, err := col.FindOne(ctx, want["_id"].(string))
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestSyncToStoreSelfContained(t *testing.T) {
	folder, _ := makeDiff(t, true)
	target := seed(t, docstore.NewMemory(), "live", oldDocs...)

	res, err := New(folder).SyncToStore(context.Background(), target, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Added)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 1, res.Deleted)
	assertConverged(t, target)
}

func TestSyncToStorePatchOnly(t *testing.T) {
	folder, newCol := makeDiff(t, false)
	target := seed(t, docstore.NewMemory(), "live", oldDocs...)

	s := New(folder)
	s.NewSource = newCol
	res, err := s.SyncToStore(context.Background(), target, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Added)
	assertConverged(t, target)
}

func TestSyncPatchOnlyWithoutSourceFails(t *testing.T) {
	folder, _ := makeDiff(t, false)
	target := seed(t, docstore.NewMemory(), "live", oldDocs...)
	_, err := New(folder).SyncToStore(context.Background(), target, Options{})
	require.Error(t, err)
}

func TestSyncIdempotent(t *testing.T) {
	folder, _ := makeDiff(t, true)
	target := seed(t, docstore.NewMemory(), "live", oldDocs...)
	ctx := context.Background()

	s := New(folder)
	_, err := s.SyncToStore(ctx, target, Options{})
	require.NoError(t, err)

	// second run: every file is marked synced, nothing is applied
	res, err := s.SyncToStore(ctx, target, Options{})
	require.NoError(t, err)
	assert.Zero(t, res.Files)
	assertConverged(t, target)

	// force reapplies; conflicts count as skipped, state stays converged
	res, err = s.SyncToStore(ctx, target, Options{Force: true})
	require.NoError(t, err)
	assert.Greater(t, res.Files, 0)
	assertConverged(t, target)
}

func TestSyncToIndex(t *testing.T) {
	folder, _ := makeDiff(t, true)
	backend := searchindex.NewMemoryBackend()
	index := backend.OpenIndex("genes")
	ctx := context.Background()
	require.NoError(t, index.Create(ctx, nil, nil))
	_, err := index.Bulk(ctx, searchindex.ActionIndex, oldDocs)
	require.NoError(t, err)

	res, err := New(folder).SyncToIndex(ctx, index, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Added)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 1, res.Deleted)

	n, err := index.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	doc, err := index.Get(ctx, "g2")
	require.NoError(t, err)
	assert.Equal(t, "17", doc["chrom"])
	gone, err := index.Get(ctx, "g3")
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestPatchTestFailureIsConflict(t *testing.T) {
	doc := docstore.Doc{"_id": "g1", "symbol": "TP53"}
	patch := json.RawMessage(`[{"op": "test", "path": "/symbol", "value": "OLD"}]`)

	_, conflict, err := applyPatch(doc, patch)
	require.NoError(t, err)
	assert.True(t, conflict, "failed test op means the change already landed")
}

func TestPatchMissingParentFails(t *testing.T) {
	doc := docstore.Doc{"_id": "g1", "symbol": "TP53"}
	patch := json.RawMessage(`[{"op": "add", "path": "/annotations/clinvar", "value": "x"}]`)

	_, conflict, err := applyPatch(doc, patch)
	require.Error(t, err, "structural divergence must surface, not be skipped")
	assert.False(t, conflict)
}
