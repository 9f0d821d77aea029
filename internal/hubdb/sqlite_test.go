package hubdb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *SQLiteDB {
	t.Helper()
	db, err := NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestInsertAndFindByID(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	col := db.Collection(ColSrcDump)

	require.NoError(t, col.InsertOne(ctx, Record{"_id": "demo", "download": map[string]any{"status": "success"}}))

	doc, err := col.FindOne(ctx, Filter{"_id": "demo"})
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "demo", doc["_id"])

	got, ok := getPath(doc, "download.status")
	require.True(t, ok)
	assert.Equal(t, "success", got)
}

func TestInsertDuplicateFails(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	col := db.Collection(ColDataPlugin)

	require.NoError(t, col.InsertOne(ctx, Record{"_id": "p1"}))
	assert.Error(t, col.InsertOne(ctx, Record{"_id": "p1"}))
}

func TestFindByNestedFilter(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	col := db.Collection(ColSrcDump)

	require.NoError(t, col.InsertOne(ctx, Record{"_id": "a", "download": map[string]any{"status": "failed"}}))
	require.NoError(t, col.InsertOne(ctx, Record{"_id": "b", "download": map[string]any{"status": "success"}}))

	docs, err := col.Find(ctx, Filter{"download.status": "failed"})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "a", docs[0]["_id"])
}

func TestUpdateOneMutations(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	col := db.Collection(ColSrcDump)

	require.NoError(t, col.InsertOne(ctx, Record{"_id": "demo"}))

	mut := Mutation{
		Set:      map[string]any{"download.status": "downloading", "download.release": "2026-08-01"},
		AddToSet: map[string]any{"pending": "upload"},
	}
	require.NoError(t, col.UpdateOne(ctx, Filter{"_id": "demo"}, mut, false))
	// AddToSet twice must not duplicate.
	require.NoError(t, col.UpdateOne(ctx, Filter{"_id": "demo"}, Mutation{AddToSet: map[string]any{"pending": "upload"}}, false))

	doc, err := col.FindOne(ctx, Filter{"_id": "demo"})
	require.NoError(t, err)
	status, _ := getPath(doc, "download.status")
	assert.Equal(t, "downloading", status)
	pending, _ := doc["pending"].([]any)
	assert.Equal(t, []any{"upload"}, pending)

	// Unset and Pop.
	require.NoError(t, col.UpdateOne(ctx, Filter{"_id": "demo"}, Mutation{
		Unset: []string{"download.release"},
		Pop:   map[string]int{"pending": 1},
	}, false))
	doc, err = col.FindOne(ctx, Filter{"_id": "demo"})
	require.NoError(t, err)
	_, ok := getPath(doc, "download.release")
	assert.False(t, ok)
	pending, _ = doc["pending"].([]any)
	assert.Empty(t, pending)
}

func TestUpdateOneUpsert(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	col := db.Collection(ColSrcBuild)

	require.NoError(t, col.UpdateOne(ctx, Filter{"_id": "demo_build"},
		Mutation{Set: map[string]any{"sources": []any{"demo"}}}, true))

	doc, err := col.FindOne(ctx, Filter{"_id": "demo_build"})
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, []any{"demo"}, doc["sources"])
}

func TestPushBuildsHistory(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	col := db.Collection(ColSrcBuild)

	require.NoError(t, col.InsertOne(ctx, Record{"_id": "b"}))
	for _, status := range []string{"building", "success"} {
		require.NoError(t, col.UpdateOne(ctx, Filter{"_id": "b"},
			Mutation{Push: map[string]any{"build": map[string]any{"status": status}}}, false))
	}

	doc, err := col.FindOne(ctx, Filter{"_id": "b"})
	require.NoError(t, err)
	history, _ := doc["build"].([]any)
	require.Len(t, history, 2)
}

func TestRemoveAndCount(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	col := db.Collection(ColCmd)

	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, col.InsertOne(ctx, Record{"_id": id, "name": "dump"}))
	}
	n, err := col.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	removed, err := col.Remove(ctx, Filter{"_id": "2"})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	n, err = col.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSurvivesReopen(t *testing.T) {
	path := t.TempDir() + "/hub.db"
	db, err := NewSQLite(path)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, db.Collection(ColHubConfig).InsertOne(ctx, Record{"_id": "k", "value": "v"}))
	require.NoError(t, db.Close())

	db2, err := NewSQLite(path)
	require.NoError(t, err)
	defer db2.Close()
	doc, err := db2.Collection(ColHubConfig).FindOne(ctx, Filter{"_id": "k"})
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "v", doc["value"])
}

func TestFilterOnListValue(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	col := db.Collection(ColSrcDump)

	require.NoError(t, col.InsertOne(ctx, Record{"_id": "a", "pending": []any{"upload"}}))

	doc, err := col.FindOne(ctx, Filter{"pending": []any{"upload"}})
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "a", doc["_id"])

	doc, err = col.FindOne(ctx, Filter{"pending": []any{"other"}})
	require.NoError(t, err)
	assert.Nil(t, doc)
}
