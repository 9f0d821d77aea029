package plugin

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bioforge/datahub/internal/docstore"
	"github.com/bioforge/datahub/internal/dumper"
	"github.com/bioforge/datahub/internal/foundation"
	"github.com/bioforge/datahub/internal/hubdb"
	"github.com/bioforge/datahub/internal/jobmanager"
	"github.com/bioforge/datahub/internal/uploader"
)

func newRegistry(t *testing.T, pluginRoot string) *Registry {
	t.Helper()
	db, err := hubdb.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewRegistry(db.Collection(hubdb.ColDataPlugin), db.Collection(hubdb.ColSrcDump), pluginRoot)
}

func TestRegisterConflict(t *testing.T) {
	r := newRegistry(t, t.TempDir())
	ctx := context.Background()
	require.NoError(t, r.Register(ctx, "demo", "local:///plugins/demo"))
	err := r.Register(ctx, "demo", "local:///plugins/demo")
	assert.ErrorIs(t, err, foundation.ErrResourceConflict)
}

func TestURLType(t *testing.T) {
	assert.Equal(t, TypeLocal, urlType("local:///plugins/demo"))
	assert.Equal(t, TypeGithub, urlType("https://github.com/org/demo.git"))
}

func TestCanonicalRename(t *testing.T) {
	r := newRegistry(t, t.TempDir())
	ctx := context.Background()
	require.NoError(t, r.Register(ctx, "tmp_name", "local:///plugins/demo"))
	require.NoError(t, r.srcDump.UpdateOne(ctx, hubdb.Filter{"_id": "tmp_name"},
		hubdb.Mutation{Set: map[string]any{"download.status": "success"}}, true))

	require.NoError(t, r.Rename(ctx, "tmp_name", "demo"))

	info, err := r.Get(ctx, "demo")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "local:///plugins/demo", info.URL)

	gone, err := r.Get(ctx, "tmp_name")
	require.NoError(t, err)
	assert.Nil(t, gone)

	dump, err := r.srcDump.FindOne(ctx, hubdb.Filter{"_id": "demo"})
	require.NoError(t, err)
	require.NotNil(t, dump, "source state follows the rename")
}

func TestMaterializeLocal(t *testing.T) {
	folder := t.TempDir()
	r := newRegistry(t, t.TempDir())
	ctx := context.Background()
	require.NoError(t, r.Register(ctx, "demo", LocalURL(folder)))

	got, err := r.Materialize(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, folder, got)

	info, err := r.Get(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, folder, info.DataFolder)
}

func newLoader(t *testing.T, pluginRoot string) *Loader {
	t.Helper()
	jm, err := jobmanager.New(jobmanager.Options{})
	require.NoError(t, err)
	jm.Start(context.Background())
	t.Cleanup(func() { _ = jm.Stop(context.Background()) })

	db, err := hubdb.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	reg := NewRegistry(db.Collection(hubdb.ColDataPlugin), db.Collection(hubdb.ColSrcDump), pluginRoot)
	return NewLoader(LoaderDeps{
		Registry:    reg,
		Parsers:     uploader.NewParserRegistry(),
		Store:       docstore.NewMemory(),
		SrcDump:     db.Collection(hubdb.ColSrcDump),
		SrcMaster:   db.Collection(hubdb.ColSrcMaster),
		DumpMgr:     dumper.NewManager(jm, nil, nil),
		UploadMgr:   uploader.NewManager(jm, nil, nil),
		ArchiveRoot: t.TempDir(),
	})
}

func writeManifest(t *testing.T, root, dir, content string) {
	t.Helper()
	folder := filepath.Join(root, dir)
	require.NoError(t, os.MkdirAll(folder, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(folder, "manifest.json"), []byte(content), 0o644))
}

func TestScanDiscoversAndLoads(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, "genes", `{
		"dumper": {"data_url": "https://example.org/genes.tsv"},
		"uploader": {"parser": "tabfile"}
	}`)
	// a folder without plugin layout is skipped
	require.NoError(t, os.MkdirAll(filepath.Join(root, "scratch"), 0o755))

	l := newLoader(t, root)
	added, err := l.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"genes"}, added)
	assert.Equal(t, []string{"genes"}, l.dumpMgr.Sources())
	assert.Equal(t, []string{"genes"}, l.uploadMgr.Sources())

	// idempotent: a second scan re-registers nothing
	added, err = l.Scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, added)
}

func TestLoadRenamesToCanonicalName(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, "demo_dir", `{
		"name": "demo",
		"dumper": {"data_url": "https://example.org/x"},
		"uploader": {"parser": "ndjson"}
	}`)
	l := newLoader(t, root)
	ctx := context.Background()
	require.NoError(t, l.registry.Register(ctx, "demo_dir", LocalURL(filepath.Join(root, "demo_dir"))))

	asm, err := l.Load(ctx, "demo_dir")
	require.NoError(t, err)
	assert.Equal(t, "demo", asm.Name)

	info, err := l.registry.Get(ctx, "demo")
	require.NoError(t, err)
	require.NotNil(t, info)
	gone, err := l.registry.Get(ctx, "demo_dir")
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestAssembleClients(t *testing.T) {
	m := &Manifest{
		Dumper:   &DumperSection{DataURL: StringList{"ftp://ftp.example.org/pub/data.txt"}},
		Uploader: &UploaderSection{Parser: "tabfile"},
	}
	asm, err := Assemble("demo", m, AssembleOptions{})
	require.NoError(t, err)
	ftpClient, ok := asm.Client.(*dumper.FTPClient)
	require.True(t, ok)
	assert.Equal(t, "ftp.example.org", ftpClient.Host)
	assert.Equal(t, "/pub/data.txt", ftpClient.FirstPath)

	m.Dumper.DataURL = StringList{"docker://biodata/genes:v42"}
	asm, err = Assemble("demo", m, AssembleOptions{})
	require.NoError(t, err)
	dockerClient, ok := asm.Client.(*dumper.DockerClient)
	require.True(t, ok)
	assert.Equal(t, "biodata/genes", dockerClient.Image)
	assert.Equal(t, "v42", dockerClient.Tag)
}

func TestAssembleUnknownHook(t *testing.T) {
	m := &Manifest{
		Dumper:   &DumperSection{DataURL: StringList{"https://a/x"}, Release: "ghost"},
		Uploader: &UploaderSection{Parser: "tabfile"},
	}
	_, err := Assemble("demo", m, AssembleOptions{})
	assert.ErrorIs(t, err, foundation.ErrPluginSpec)
}
