package uploader

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bioforge/datahub/internal/docstore"
	"github.com/bioforge/datahub/internal/foundation"
)

func runParser(t *testing.T, p Parser, req ParseRequest) []docstore.Doc {
	t.Helper()
	out := make(chan docstore.Doc, 256)
	err := p(context.Background(), req, out)
	close(out)
	require.NoError(t, err)
	var docs []docstore.Doc
	for doc := range out {
		docs = append(docs, doc)
	}
	return docs
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseTabFileLists(t *testing.T) {
	path := writeFile(t, "genes.tsv",
		"gene_id\tsymbol\taliases\ng1\tTP53\tp53|LFS1\ng2\tBRCA1\t\n")
	docs := runParser(t, ParseTabFile, ParseRequest{DataPath: path})
	require.Len(t, docs, 2)
	assert.Equal(t, "g1", docs[0]["_id"])
	assert.Equal(t, []any{"p53", "LFS1"}, docs[0]["aliases"])
	_, ok := docs[1]["aliases"]
	assert.False(t, ok, "empty cells are omitted")
}

func TestParseNDJSON(t *testing.T) {
	path := writeFile(t, "docs.ndjson",
		`{"_id":"a","n":1}`+"\n\n"+`{"_id":"b","n":2}`+"\n")
	docs := runParser(t, ParseNDJSON, ParseRequest{DataPath: path})
	require.Len(t, docs, 2)
	assert.Equal(t, "b", docs[1]["_id"])
}

func TestParseJSONFileArray(t *testing.T) {
	path := writeFile(t, "docs.json", `[{"_id":"a"},{"_id":"b"}]`)
	docs := runParser(t, ParseJSONFile, ParseRequest{DataPath: path})
	assert.Len(t, docs, 2)
}

func TestParseXMLFile(t *testing.T) {
	path := writeFile(t, "genes.xml", `<genes>
  <gene id="g1"><symbol>TP53</symbol><alias>p53</alias><alias>LFS1</alias></gene>
  <gene id="g2"><symbol>BRCA1</symbol></gene>
</genes>`)
	docs := runParser(t, ParseXMLFile, ParseRequest{
		DataPath: path,
		Kwargs:   map[string]any{"record_tag": "gene"},
	})
	require.Len(t, docs, 2)
	assert.Equal(t, "g1", docs[0]["_id"])
	assert.Equal(t, "TP53", docs[0]["symbol"])
	assert.Equal(t, []any{"p53", "LFS1"}, docs[0]["alias"])
}

func TestResolveModuleFunctionRef(t *testing.T) {
	reg := NewParserRegistry()
	p, err := reg.Resolve("datahub.parsers:ndjson")
	require.NoError(t, err)
	assert.NotNil(t, p)

	_, err = reg.Resolve("nope:missing")
	assert.ErrorIs(t, err, foundation.ErrPluginSpec)
}
