package builder

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bioforge/datahub/internal/docstore"
	"github.com/bioforge/datahub/internal/foundation"
	"github.com/bioforge/datahub/internal/hubdb"
)

type fixture struct {
	source   docstore.Store
	target   docstore.Store
	srcBuild hubdb.Collection
	srcDump  hubdb.Collection
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := hubdb.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &fixture{
		source:   docstore.NewMemory(),
		target:   docstore.NewMemory(),
		srcBuild: db.Collection(hubdb.ColSrcBuild),
		srcDump:  db.Collection(hubdb.ColSrcDump),
	}
}

func (fx *fixture) seed(t *testing.T, col string, docs ...docstore.Doc) {
	t.Helper()
	_, err := fx.source.Collection(col).InsertMany(context.Background(), docs)
	require.NoError(t, err)
}

func (fx *fixture) builder(cfg Config) *Builder {
	if cfg.Name == "" {
		cfg.Name = "demo_build"
	}
	return New(cfg, fx.source, fx.target, fx.srcBuild, fx.srcDump, nil)
}

func TestMergeRootAndEnrich(t *testing.T) {
	fx := newFixture(t)
	fx.seed(t, "genes",
		docstore.Doc{"_id": "g1", "symbol": "TP53"},
		docstore.Doc{"_id": "g2", "symbol": "BRCA1"},
	)
	// annotations enrich existing docs only; a3 has no root doc
	fx.seed(t, "annotations",
		docstore.Doc{"_id": "g1", "go_terms": []any{"GO:1"}},
		docstore.Doc{"_id": "a3", "go_terms": []any{"GO:9"}},
	)
	b := fx.builder(Config{
		Sources: []string{"genes", "annotations"},
		Root:    []string{"genes"},
	})
	ctx := context.Background()

	target, err := b.Merge(ctx, Options{TargetName: "demo_t1"})
	require.NoError(t, err)
	assert.Equal(t, "demo_t1", target)

	col := fx.target.Collection("demo_t1")
	n, err := col.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "non-root sources cannot create documents")

	doc, err := col.FindOne(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, []any{"GO:1"}, doc["go_terms"])

	missing, err := col.FindOne(ctx, "a3")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestMergeRegexSources(t *testing.T) {
	fx := newFixture(t)
	fx.seed(t, "genes_human", docstore.Doc{"_id": "h1"})
	fx.seed(t, "genes_mouse", docstore.Doc{"_id": "m1"})
	b := fx.builder(Config{Sources: []string{"genes_.*"}})

	target, err := b.Merge(context.Background(), Options{})
	require.NoError(t, err)

	n, err := fx.target.Collection(target).Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestMergeUnresolvableSource(t *testing.T) {
	fx := newFixture(t)
	b := fx.builder(Config{Sources: []string{"ghost"}})
	_, err := b.Merge(context.Background(), Options{})
	assert.ErrorIs(t, err, foundation.ErrNotReady)
}

func TestNegatedRoots(t *testing.T) {
	roots, err := expandRoots([]string{"!annotations"}, []string{"genes", "annotations", "variants"})
	require.NoError(t, err)
	assert.True(t, roots["genes"])
	assert.True(t, roots["variants"])
	assert.False(t, roots["annotations"])

	_, err = expandRoots([]string{"genes", "!annotations"}, []string{"genes"})
	assert.ErrorIs(t, err, foundation.ErrPluginSpec)
}

func TestMapperApplied(t *testing.T) {
	fx := newFixture(t)
	fx.seed(t, "genes", docstore.Doc{"_id": "g1", "symbol": "tp53"})
	mappers := NewMapperRegistry()
	mappers.Register("upper", func(ctx context.Context, docs []docstore.Doc) ([]docstore.Doc, error) {
		for _, doc := range docs {
			if s, ok := doc["symbol"].(string); ok {
				doc["symbol"] = "UP:" + s
			}
		}
		return docs, nil
	})
	b := New(Config{
		Name:    "demo_build",
		Sources: []string{"genes"},
		Mapper:  map[string]string{"genes": "upper"},
	}, fx.source, fx.target, fx.srcBuild, fx.srcDump, mappers)

	target, err := b.Merge(context.Background(), Options{})
	require.NoError(t, err)
	doc, err := fx.target.Collection(target).FindOne(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, "UP:tp53", doc["symbol"])
}

func TestBuildHistoryRecorded(t *testing.T) {
	fx := newFixture(t)
	fx.seed(t, "genes", docstore.Doc{"_id": "g1"})
	require.NoError(t, fx.srcDump.UpdateOne(context.Background(), hubdb.Filter{"_id": "genes"},
		hubdb.Mutation{Set: map[string]any{"download.release": "2026-08-01"}}, true))
	b := fx.builder(Config{Sources: []string{"genes"}})
	ctx := context.Background()

	_, err := b.Merge(ctx, Options{})
	require.NoError(t, err)

	last, err := b.LastSuccess(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "success", last["status"])
	stats := last["stats"].(map[string]any)
	assert.EqualValues(t, 1, stats["genes"])
	versions := last["src_version"].(map[string]any)
	assert.Equal(t, "2026-08-01", versions["genes"])
}

func TestBuildHistoryCapped(t *testing.T) {
	fx := newFixture(t)
	fx.seed(t, "genes", docstore.Doc{"_id": "g1"})
	b := fx.builder(Config{Sources: []string{"genes"}, BuildHistory: 3})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := b.Merge(ctx, Options{})
		require.NoError(t, err)
	}
	rec, err := fx.srcBuild.FindOne(ctx, hubdb.Filter{"_id": "demo_build"})
	require.NoError(t, err)
	assert.Len(t, rec["build"], 3)
}

func TestFailedMergeRecorded(t *testing.T) {
	fx := newFixture(t)
	b := fx.builder(Config{Sources: []string{"ghost"}})
	ctx := context.Background()

	_, err := b.Merge(ctx, Options{})
	require.Error(t, err)

	rec, err := fx.srcBuild.FindOne(ctx, hubdb.Filter{"_id": "demo_build"})
	require.NoError(t, err)
	list := rec["build"].([]any)
	entry := list[len(list)-1].(map[string]any)
	assert.Equal(t, "failed", entry["status"])
	assert.NotEmpty(t, entry["err"])
}

func TestEnrichMapping(t *testing.T) {
	mapping := map[string]any{"properties": map[string]any{}}
	last := map[string]any{
		"target_name": "demo_t9",
		"stats":       map[string]any{"genes": 2},
		"src_version": map[string]any{"genes": "2026-08-01"},
	}
	out := EnrichMapping(mapping, last)
	meta := out["_meta"].(map[string]any)
	assert.Equal(t, "demo_t9", meta["build_version"])
	assert.NotNil(t, meta["stats"])
	assert.NotNil(t, meta["src_version"])
	_, ok := mapping["_meta"]
	assert.False(t, ok, "input mapping not mutated")
}

func TestCleanTargetsScopedToConfig(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	// the middle name belongs to a sibling config and must survive the sweep
	for _, name := range []string{
		"demo_20260101_000000_aaaaaaaa",
		"demo_20260102_000000_bbbbbbbb",
		"demo_v2_20260103_000000_cccccccc",
	} {
		_, err := fx.target.Collection(name).InsertMany(ctx, []docstore.Doc{{"_id": "x"}})
		require.NoError(t, err)
	}
	b := fx.builder(Config{Name: "demo", Sources: []string{"genes"}, KeepTargets: 1})

	require.NoError(t, b.cleanTargets(ctx))

	names, err := fx.target.ListCollections(ctx)
	require.NoError(t, err)
	assert.NotContains(t, names, "demo_20260101_000000_aaaaaaaa")
	assert.Contains(t, names, "demo_20260102_000000_bbbbbbbb")
	assert.Contains(t, names, "demo_v2_20260103_000000_cccccccc")
}
