package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bioforge/datahub/internal/docstore"
)

func feed(docs ...docstore.Doc) <-chan docstore.Doc {
	ch := make(chan docstore.Doc, len(docs))
	for _, d := range docs {
		ch <- d
	}
	close(ch)
	return ch
}

func TestBasicStorageInserts(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	s := New(store.Collection("demo"), PolicyError, Options{})

	n, err := s.Process(ctx, feed(
		docstore.Doc{"_id": "1", "v": 1},
		docstore.Doc{"_id": "2", "v": 2},
		docstore.Doc{"_id": "3", "v": 3},
	), 2)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestBasicStorageDuplicateIsFatal(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	s := New(store.Collection("demo"), PolicyError, Options{})

	_, err := s.Process(ctx, feed(
		docstore.Doc{"_id": "1"},
		docstore.Doc{"_id": "1"},
	), 10)
	assert.Error(t, err)
}

func TestIgnoreDuplicatedStorage(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	s := New(store.Collection("demo"), PolicyIgnore, Options{})

	n, err := s.Process(ctx, feed(
		docstore.Doc{"_id": "1", "v": 1},
		docstore.Doc{"_id": "1", "v": 2},
		docstore.Doc{"_id": "2", "v": 3},
	), 10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	doc, err := store.Collection("demo").FindOne(ctx, "1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, doc["v"], "first write wins under ignore policy")
}

func TestMergeStorageDeepMerges(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	s := New(store.Collection("demo"), PolicyMerge, Options{})

	n, err := s.Process(ctx, feed(
		docstore.Doc{"_id": "1", "gene": map[string]any{"symbol": "TP53", "taxid": 9606}},
		docstore.Doc{"_id": "1", "gene": map[string]any{"name": "tumor protein p53", "taxid": 9606}, "aliases": []any{"p53"}},
	), 10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	doc, err := store.Collection("demo").FindOne(ctx, "1")
	require.NoError(t, err)
	gene := doc["gene"].(map[string]any)
	assert.Equal(t, "TP53", gene["symbol"])
	assert.Equal(t, "tumor protein p53", gene["name"])
	assert.EqualValues(t, 9606, gene["taxid"])
	assert.Equal(t, []any{"p53"}, doc["aliases"])
}

func TestMergeStorageScalarConflictBecomesList(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	s := New(store.Collection("demo"), PolicyMerge, Options{})

	_, err := s.Process(ctx, feed(
		docstore.Doc{"_id": "1", "symbol": "A"},
		docstore.Doc{"_id": "1", "symbol": "B"},
	), 10)
	require.NoError(t, err)

	doc, err := store.Collection("demo").FindOne(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, []any{"A", "B"}, doc["symbol"])
}

func TestMergeStorageArrayUnion(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	s := New(store.Collection("demo"), PolicyMerge, Options{})

	_, err := s.Process(ctx, feed(
		docstore.Doc{"_id": "1", "xrefs": []any{"a", "b"}},
		docstore.Doc{"_id": "1", "xrefs": []any{"b", "c"}},
	), 10)
	require.NoError(t, err)

	doc, err := store.Collection("demo").FindOne(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b", "c"}, doc["xrefs"])
}

func TestMergeStorageAsListOfDictHint(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	s := New(store.Collection("demo"), PolicyMerge, Options{})

	_, err := s.Process(ctx, feed(
		docstore.Doc{"_id": "1", "variants": map[string]any{"rs": "rs1"}},
		docstore.Doc{"_id": "1", "variants": map[string]any{"rs": "rs2"}, AsListOfDictKey: "variants"},
	), 10)
	require.NoError(t, err)

	doc, err := store.Collection("demo").FindOne(ctx, "1")
	require.NoError(t, err)
	variants, ok := doc["variants"].([]any)
	require.True(t, ok, "hinted key must become a list of objects, got %T", doc["variants"])
	assert.Len(t, variants, 2)
}

func TestRootKeyMergeCollisionsBecomeLists(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	s := &RootKeyMergeStorage{Col: store.Collection("demo")}

	_, err := s.Process(ctx, feed(
		docstore.Doc{"_id": "1", "anno": map[string]any{"a": 1}},
		docstore.Doc{"_id": "1", "anno": map[string]any{"b": 2}},
	), 10)
	require.NoError(t, err)

	doc, err := store.Collection("demo").FindOne(ctx, "1")
	require.NoError(t, err)
	anno, ok := doc["anno"].([]any)
	require.True(t, ok, "root key collision must become a list, got %T", doc["anno"])
	assert.Len(t, anno, 2)
}

func TestUpsertStorage(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	s := &UpsertStorage{Col: store.Collection("demo")}

	n, err := s.Process(ctx, feed(
		docstore.Doc{"_id": "1", "v": 1},
		docstore.Doc{"_id": "1", "v": 2},
	), 10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	doc, _ := store.Collection("demo").FindOne(ctx, "1")
	assert.EqualValues(t, 2, doc["v"], "last write wins under upsert")
}

func TestNoStorageDiscards(t *testing.T) {
	n, err := NoStorage{}.Process(context.Background(), feed(docstore.Doc{"_id": "1"}), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestMaxBatchNumCapsWork(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	s := New(store.Collection("demo"), PolicyError, Options{MaxBatchNum: 1})

	n, err := s.Process(ctx, feed(
		docstore.Doc{"_id": "1"},
		docstore.Doc{"_id": "2"},
		docstore.Doc{"_id": "3"},
	), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "only one batch of two processed")
}

func TestOversizedDocumentDropped(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	s := New(store.Collection("demo"), PolicyError, Options{MaxDocBytes: 64})

	big := make([]any, 50)
	for i := range big {
		big[i] = "xxxxxxxxxx"
	}
	n, err := s.Process(ctx, feed(
		docstore.Doc{"_id": "small"},
		docstore.Doc{"_id": "big", "payload": big},
	), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
