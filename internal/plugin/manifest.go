// Package plugin loads data plugins: self-contained descriptions of how
// to fetch, parse and index one source. Manifest-driven plugins declare
// everything in a manifest.json or manifest.yaml; code-driven plugins
// register an assembly function compiled into the hub.
package plugin

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/bioforge/datahub/internal/foundation"
)

// Manifest filenames probed in a plugin folder, in order.
var manifestNames = []string{"manifest.json", "manifest.yaml", "manifest.yml"}

// Manifest is the declarative description of one data plugin.
type Manifest struct {
	Name         string            `json:"name,omitempty" yaml:"name,omitempty"`
	DisplayName  string            `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	BiothingType string            `json:"biothing_type,omitempty" yaml:"biothing_type,omitempty"`
	Requires     []string          `json:"requires,omitempty" yaml:"requires,omitempty"`
	Dumper       *DumperSection    `json:"dumper,omitempty" yaml:"dumper,omitempty"`
	Uploader     *UploaderSection  `json:"uploader,omitempty" yaml:"uploader,omitempty"`
	Uploaders    []UploaderSection `json:"uploaders,omitempty" yaml:"uploaders,omitempty"`
}

// DumperSection declares how the source is fetched.
type DumperSection struct {
	// DataURL accepts one URL or a list; all entries must share one
	// scheme out of http, https, ftp, docker.
	DataURL    StringList `json:"data_url" yaml:"data_url"`
	Release    string     `json:"release,omitempty" yaml:"release,omitempty"`
	Schedule   string     `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Uncompress bool       `json:"uncompress,omitempty" yaml:"uncompress,omitempty"`
	Disabled   bool       `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	Class      string     `json:"class,omitempty" yaml:"class,omitempty"`
}

// UploaderSection declares how dumped data becomes a source collection.
type UploaderSection struct {
	Name         string         `json:"name,omitempty" yaml:"name,omitempty"`
	Parser       string         `json:"parser" yaml:"parser"`
	ParserKwargs map[string]any `json:"parser_kwargs,omitempty" yaml:"parser_kwargs,omitempty"`
	OnDuplicates string         `json:"on_duplicates,omitempty" yaml:"on_duplicates,omitempty"`
	Keylookup    map[string]any `json:"keylookup,omitempty" yaml:"keylookup,omitempty"`
	Parallelizer string         `json:"parallelizer,omitempty" yaml:"parallelizer,omitempty"`
	Mapping      string         `json:"mapping,omitempty" yaml:"mapping,omitempty"`
}

// StringList unmarshals a scalar string or a list of strings.
type StringList []string

func (s *StringList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*s = StringList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("expected string or list of strings")
	}
	*s = many
	return nil
}

func (s *StringList) UnmarshalYAML(node *yaml.Node) error {
	var one string
	if err := node.Decode(&one); err == nil {
		*s = StringList{one}
		return nil
	}
	var many []string
	if err := node.Decode(&many); err != nil {
		return fmt.Errorf("expected string or list of strings")
	}
	*s = many
	return nil
}

// HasManifest reports whether folder contains a manifest file.
func HasManifest(folder string) bool {
	for _, name := range manifestNames {
		if _, err := os.Stat(filepath.Join(folder, name)); err == nil {
			return true
		}
	}
	return false
}

// ReadManifest parses and validates the manifest in a plugin folder.
func ReadManifest(folder string) (*Manifest, error) {
	for _, name := range manifestNames {
		path := filepath.Join(folder, name)
		raw, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return parseManifest(raw, filepath.Ext(name) == ".json")
	}
	return nil, foundation.PluginSpec("no manifest file found").
		WithPath(folder).Build()
}

func parseManifest(raw []byte, isJSON bool) (*Manifest, error) {
	// A generic decode first, so unknown properties can be flagged with
	// their exact location before the typed decode loses them.
	var generic map[string]any
	var m Manifest
	if isJSON {
		if err := json.Unmarshal(raw, &generic); err != nil {
			return nil, foundation.PluginSpec("manifest is not valid JSON").WithCause(err).Build()
		}
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, foundation.PluginSpec("manifest does not match schema").WithCause(err).Build()
		}
	} else {
		if err := yaml.Unmarshal(raw, &generic); err != nil {
			return nil, foundation.PluginSpec("manifest is not valid YAML").WithCause(err).Build()
		}
		if err := yaml.Unmarshal(raw, &m); err != nil {
			return nil, foundation.PluginSpec("manifest does not match schema").WithCause(err).Build()
		}
	}
	if err := validateManifest(&m, generic); err != nil {
		return nil, err
	}
	return &m, nil
}
