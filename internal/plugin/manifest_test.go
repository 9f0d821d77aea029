package plugin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bioforge/datahub/internal/foundation"
)

func parseJSON(t *testing.T, raw string) (*Manifest, error) {
	t.Helper()
	return parseManifest([]byte(raw), true)
}

func TestManifestMinimal(t *testing.T) {
	m, err := parseJSON(t, `{
		"dumper": {"data_url": "https://example.org/data.tsv.gz"},
		"uploader": {"parser": "tabfile"}
	}`)
	require.NoError(t, err)
	assert.Equal(t, StringList{"https://example.org/data.tsv.gz"}, m.Dumper.DataURL)
}

func TestManifestYAMLWithUploaders(t *testing.T) {
	raw := `
name: demo
dumper:
  data_url:
    - https://example.org/a.json
    - https://example.org/b.json
  uncompress: true
uploaders:
  - name: demo_a
    parser: jsonfile
  - name: demo_b
    parser: ndjson
    on_duplicates: merge
`
	m, err := parseManifest([]byte(raw), false)
	require.NoError(t, err)
	assert.Equal(t, "demo", m.Name)
	require.Len(t, m.Uploaders, 2)
	assert.Equal(t, "merge", m.Uploaders[1].OnDuplicates)
}

func TestManifestErrorTaxonomy(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		path string
	}{
		{"missing sections", `{"name": "x"}`, ""},
		{"mutually exclusive", `{
			"uploader": {"parser": "p"},
			"uploaders": [{"name": "a", "parser": "p"}]
		}`, ""},
		{"empty uploaders", `{"uploaders": []}`, "uploaders"},
		{"bad scheme", `{
			"dumper": {"data_url": "gopher://example.org/x"},
			"uploader": {"parser": "p"}
		}`, "dumper.data_url[0]"},
		{"mixed schemes", `{
			"dumper": {"data_url": ["https://a/x", "ftp://b/y"]},
			"uploader": {"parser": "p"}
		}`, "dumper.data_url[1]"},
		{"missing parser", `{"uploader": {"on_duplicates": "ignore"}}`, "uploader.parser"},
		{"bad policy", `{"uploader": {"parser": "p", "on_duplicates": "explode"}}`, "uploader.on_duplicates"},
		{"unknown property", `{"uploader": {"parser": "p"}, "shiny": true}`, "shiny"},
		{"unknown dumper property", `{
			"dumper": {"data_url": "https://a/x", "compression": "gz"},
			"uploader": {"parser": "p"}
		}`, "dumper.compression"},
		{"duplicate sub-source", `{"uploaders": [
			{"name": "a", "parser": "p"},
			{"name": "a", "parser": "p"}
		]}`, "uploaders[1].name"},
		{"uploaders entry without name", `{"uploaders": [{"parser": "p"}]}`, "uploaders[0].name"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseJSON(t, tc.raw)
			require.Error(t, err)
			assert.ErrorIs(t, err, foundation.ErrPluginSpec)
			var cerr *foundation.ClassifiedError
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, tc.path, cerr.Path)
		})
	}
}

func TestHTTPAndHTTPSAreOneFamily(t *testing.T) {
	_, err := parseJSON(t, `{
		"dumper": {"data_url": ["http://a/x", "https://a/y"]},
		"uploader": {"parser": "p"}
	}`)
	assert.NoError(t, err)
}
