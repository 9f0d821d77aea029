package dumper

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bioforge/datahub/internal/hubdb"
)

// fakeClient serves fixed content and a fixed release.
type fakeClient struct {
	mu       sync.Mutex
	release  string
	better   bool
	content  map[string]string // remote -> body
	fetched  []string
	checkErr error
}

func (c *fakeClient) Release(ctx context.Context) (string, error) {
	if c.checkErr != nil {
		return "", c.checkErr
	}
	return c.release, nil
}

func (c *fakeClient) RemoteIsBetter(ctx context.Context, remote, local string) (bool, error) {
	return c.better, nil
}

func (c *fakeClient) Download(ctx context.Context, remote, local string) error {
	c.mu.Lock()
	c.fetched = append(c.fetched, remote)
	c.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return err
	}
	return os.WriteFile(local, []byte(c.content[remote]), 0o644)
}

func testCollection(t *testing.T) hubdb.Collection {
	t.Helper()
	db, err := hubdb.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db.Collection(hubdb.ColSrcDump)
}

func TestDumpSuccess(t *testing.T) {
	col := testCollection(t)
	root := t.TempDir()
	client := &fakeClient{
		release: "2026-08-01",
		better:  true,
		content: map[string]string{"http://x/genes.tsv": "id\tsymbol\n"},
	}
	d := New(Config{
		Source:     "genes",
		URLs:       []string{"http://x/genes.tsv"},
		Archive:    true,
		AutoUpload: true,
	}, client, col, root)

	release, err := d.Dump(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, "2026-08-01", release)

	data, err := os.ReadFile(filepath.Join(root, "genes", "2026-08-01", "genes.tsv"))
	require.NoError(t, err)
	assert.Equal(t, "id\tsymbol\n", string(data))

	rec, err := col.FindOne(context.Background(), hubdb.Filter{"_id": "genes"})
	require.NoError(t, err)
	dl := rec["download"].(map[string]any)
	assert.Equal(t, StatusSuccess, dl["status"])
	assert.Equal(t, "2026-08-01", dl["release"])
	assert.Contains(t, rec["pending"], "upload")
}

func TestDumpNothingNew(t *testing.T) {
	col := testCollection(t)
	client := &fakeClient{release: "2026-08-01", better: false}
	d := New(Config{Source: "genes", URLs: []string{"http://x/a"}}, client, col, t.TempDir())

	_, err := d.Dump(context.Background(), Options{})
	require.NoError(t, err)
	assert.Empty(t, client.fetched)
}

func TestCheckOnly(t *testing.T) {
	col := testCollection(t)
	client := &fakeClient{release: "2026-09-01", better: true}
	d := New(Config{Source: "genes", URLs: []string{"http://x/a"}}, client, col, t.TempDir())

	release, err := d.Dump(context.Background(), Options{CheckOnly: true})
	require.NoError(t, err)
	assert.Equal(t, "2026-09-01", release)
	assert.Empty(t, client.fetched, "check_only must not download")

	// Mark the source current; a second check reports nothing new.
	require.NoError(t, col.UpdateOne(context.Background(), hubdb.Filter{"_id": "genes"},
		hubdb.Mutation{Set: map[string]any{"download.release": "2026-09-01"}}, true))
	release, err = d.Dump(context.Background(), Options{CheckOnly: true})
	require.NoError(t, err)
	assert.Empty(t, release)
}

func TestFailedStatusForcesNextRun(t *testing.T) {
	col := testCollection(t)
	require.NoError(t, col.UpdateOne(context.Background(), hubdb.Filter{"_id": "genes"},
		hubdb.Mutation{Set: map[string]any{"download.status": StatusFailed}}, true))

	client := &fakeClient{release: "2026-08-01", better: false,
		content: map[string]string{"http://x/a": "x"}}
	d := New(Config{Source: "genes", URLs: []string{"http://x/a"}}, client, col, t.TempDir())

	_, err := d.Dump(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"http://x/a"}, client.fetched, "failed status implies force")
}

func TestDumpFailureRecordsStatus(t *testing.T) {
	col := testCollection(t)
	client := &fakeClient{checkErr: os.ErrDeadlineExceeded}
	d := New(Config{Source: "genes", URLs: []string{"http://x/a"}}, client, col, t.TempDir())

	_, err := d.Dump(context.Background(), Options{})
	require.Error(t, err)

	rec, err := col.FindOne(context.Background(), hubdb.Filter{"_id": "genes"})
	require.NoError(t, err)
	dl := rec["download"].(map[string]any)
	assert.Equal(t, StatusFailed, dl["status"])
	assert.NotEmpty(t, dl["err"])
}

func TestDataFolderArchival(t *testing.T) {
	col := testCollection(t)
	archived := New(Config{Source: "s", Archive: true}, &fakeClient{}, col, "/data")
	flat := New(Config{Source: "s"}, &fakeClient{}, col, "/data")
	assert.Equal(t, filepath.Join("/data", "s", "2026-08-01"), archived.DataFolder("2026-08-01"))
	assert.Equal(t, filepath.Join("/data", "s", "latest"), flat.DataFolder("2026-08-01"))
}

func TestRemoteFilename(t *testing.T) {
	assert.Equal(t, "genes.tsv.gz", remoteFilename("https://host/pub/genes.tsv.gz?x=1"))
	assert.Equal(t, "file.txt", remoteFilename("/local/dir/file.txt"))
}
