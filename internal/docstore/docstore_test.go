package docstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Both adapters must satisfy the same behavior; each test runs against both.
func stores(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]Store{"sqlite": sq, "memory": NewMemory()}
}

func TestInsertManyAndCount(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			col := store.Collection("demo")
			n, err := col.InsertMany(ctx, []Doc{
				{"_id": "1", "v": 1},
				{"_id": "2", "v": 2},
			})
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			count, err := col.Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, count)
		})
	}
}

func TestInsertManyDuplicateSurfacesBulkWriteError(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			col := store.Collection("demo")
			_, err := col.InsertMany(ctx, []Doc{{"_id": "1", "v": 1}})
			require.NoError(t, err)

			n, err := col.InsertMany(ctx, []Doc{
				{"_id": "1", "v": 9},
				{"_id": "2", "v": 2},
			})
			var bwe *BulkWriteError
			require.True(t, errors.As(err, &bwe), "expected BulkWriteError, got %v", err)
			assert.Equal(t, 1, n)
			assert.Equal(t, 1, bwe.Result.NInserted)
			assert.Equal(t, []string{"1"}, bwe.DuplicateIDs())

			// The duplicate insert must not have clobbered the original.
			doc, err := col.FindOne(ctx, "1")
			require.NoError(t, err)
			assert.EqualValues(t, 1, doc["v"])
		})
	}
}

func TestUpdateOnlyDoesNotCreate(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			col := store.Collection("demo")
			res, err := col.BulkWrite(ctx, []BulkOp{
				{Kind: OpUpdateOne, ID: "ghost", Doc: Doc{"_id": "ghost"}},
			})
			require.NoError(t, err)
			assert.Equal(t, 0, res.NModified)
			count, _ := col.Count(ctx)
			assert.Equal(t, 0, count)
		})
	}
}

func TestReplaceUpserts(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			col := store.Collection("demo")
			require.NoError(t, col.ReplaceOne(ctx, "x", Doc{"_id": "x", "v": 1}))
			require.NoError(t, col.ReplaceOne(ctx, "x", Doc{"_id": "x", "v": 2}))

			doc, err := col.FindOne(ctx, "x")
			require.NoError(t, err)
			assert.EqualValues(t, 2, doc["v"])
		})
	}
}

func TestIDsStreamsInBatches(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			col := store.Collection("demo")
			var docs []Doc
			for _, id := range []string{"a", "b", "c", "d", "e"} {
				docs = append(docs, Doc{"_id": id})
			}
			_, err := col.InsertMany(ctx, docs)
			require.NoError(t, err)

			var batches [][]string
			require.NoError(t, col.IDs(ctx, 2, func(ids []string) error {
				batches = append(batches, append([]string(nil), ids...))
				return nil
			}))
			require.Len(t, batches, 3)
			assert.Equal(t, []string{"a", "b"}, batches[0])
			assert.Equal(t, []string{"e"}, batches[2])
		})
	}
}

func TestRenameOverProduction(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			prod := store.Collection("demo")
			_, err := prod.InsertMany(ctx, []Doc{{"_id": "old"}})
			require.NoError(t, err)

			temp := store.Collection("demo_temp_abc")
			_, err = temp.InsertMany(ctx, []Doc{{"_id": "new1"}, {"_id": "new2"}})
			require.NoError(t, err)

			// Archive the production collection, then promote temp.
			require.NoError(t, store.Collection("demo").Rename(ctx, "demo_archive_1", false))
			require.NoError(t, temp.Rename(ctx, "demo", true))

			count, err := store.Collection("demo").Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, count)

			names, err := store.ListCollections(ctx)
			require.NoError(t, err)
			assert.Contains(t, names, "demo_archive_1")
			assert.NotContains(t, names, "demo_temp_abc")
		})
	}
}

func TestDeleteMany(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			col := store.Collection("demo")
			_, err := col.InsertMany(ctx, []Doc{{"_id": "1"}, {"_id": "2"}, {"_id": "3"}})
			require.NoError(t, err)

			n, err := col.DeleteMany(ctx, []string{"1", "3", "missing"})
			require.NoError(t, err)
			assert.Equal(t, 2, n)
		})
	}
}

func TestMissingCollectionReadsAsEmpty(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			col := store.Collection("nope")
			doc, err := col.FindOne(ctx, "x")
			require.NoError(t, err)
			assert.Nil(t, doc)
			count, err := col.Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, 0, count)
		})
	}
}

func TestIDValidation(t *testing.T) {
	_, err := ID(Doc{"v": 1})
	assert.Error(t, err)
	_, err = ID(Doc{"_id": 42})
	assert.Error(t, err)
	id, err := ID(Doc{"_id": "ok"})
	require.NoError(t, err)
	assert.Equal(t, "ok", id)
}
