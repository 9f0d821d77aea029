package plugin

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/bioforge/datahub/internal/foundation"
)

// URL schemes a manifest dumper may declare.
var allowedSchemes = map[string]bool{
	"http": true, "https": true, "ftp": true, "docker": true,
}

// Duplicate policies a manifest uploader may declare.
var allowedPolicies = map[string]bool{
	"": true, "error": true, "ignore": true, "merge": true,
}

// Known manifest properties per level, used to flag unknown additional
// properties with their JSON path.
var (
	knownTop      = keySet("name", "display_name", "biothing_type", "requires", "dumper", "uploader", "uploaders")
	knownDumper   = keySet("data_url", "release", "schedule", "uncompress", "disabled", "class")
	knownUploader = keySet("name", "parser", "parser_kwargs", "on_duplicates", "keylookup", "parallelizer", "mapping")
)

func keySet(keys ...string) map[string]bool {
	set := make(map[string]bool, len(keys))
	for _, k := range keys {
		set[k] = true
	}
	return set
}

func specErr(path, msg string) error {
	return foundation.PluginSpec(msg).WithPath(path).Build()
}

// validateManifest classifies every schema violation into the manifest
// error taxonomy, each message carrying the exact JSON path.
func validateManifest(m *Manifest, generic map[string]any) error {
	if err := unknownKeys(generic, knownTop, ""); err != nil {
		return err
	}

	// an explicit empty uploaders array is a minItems violation, not a
	// missing section
	if raw, ok := generic["uploaders"]; ok {
		if arr, ok := raw.([]any); ok && len(arr) == 0 {
			return specErr("uploaders", "array must not be empty")
		}
	}
	if m.Dumper == nil && m.Uploader == nil && len(m.Uploaders) == 0 {
		return specErr("", "missing required property: one of dumper, uploader, uploaders")
	}
	if m.Uploader != nil && len(m.Uploaders) > 0 {
		return specErr("", "mutually exclusive properties: uploader, uploaders")
	}

	if m.Dumper != nil {
		if err := validateDumper(m.Dumper, subMap(generic, "dumper")); err != nil {
			return err
		}
	}
	if m.Uploader != nil {
		if err := validateUploader(m.Uploader, subMap(generic, "uploader"), "uploader", false); err != nil {
			return err
		}
	}
	seen := map[string]bool{}
	for i := range m.Uploaders {
		path := fmt.Sprintf("uploaders[%d]", i)
		var gen map[string]any
		if arr, ok := generic["uploaders"].([]any); ok && i < len(arr) {
			gen, _ = arr[i].(map[string]any)
		}
		if err := validateUploader(&m.Uploaders[i], gen, path, true); err != nil {
			return err
		}
		if seen[m.Uploaders[i].Name] {
			return specErr(path+".name", fmt.Sprintf("duplicate sub-source name %q", m.Uploaders[i].Name))
		}
		seen[m.Uploaders[i].Name] = true
	}
	return nil
}

func validateDumper(d *DumperSection, generic map[string]any) error {
	if err := unknownKeys(generic, knownDumper, "dumper"); err != nil {
		return err
	}
	if len(d.DataURL) == 0 {
		return specErr("dumper.data_url", "missing required property: data_url")
	}
	scheme := ""
	for i, raw := range d.DataURL {
		path := fmt.Sprintf("dumper.data_url[%d]", i)
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" {
			return specErr(path, fmt.Sprintf("type mismatch: %q is not a URL", raw))
		}
		if !allowedSchemes[u.Scheme] {
			return specErr(path, fmt.Sprintf("value %q outside enumerated set: http, https, ftp, docker", u.Scheme))
		}
		// http and https count as one protocol family
		family := u.Scheme
		if family == "https" {
			family = "http"
		}
		if scheme == "" {
			scheme = family
		} else if scheme != family {
			return specErr(path, "all data_url entries must share one scheme")
		}
	}
	return nil
}

func validateUploader(u *UploaderSection, generic map[string]any, path string, needName bool) error {
	if err := unknownKeys(generic, knownUploader, path); err != nil {
		return err
	}
	if needName && u.Name == "" {
		return specErr(path+".name", "missing required property: name")
	}
	if u.Parser == "" {
		return specErr(path+".parser", "missing required property: parser")
	}
	if !allowedPolicies[u.OnDuplicates] {
		return specErr(path+".on_duplicates",
			fmt.Sprintf("value %q outside enumerated set: error, ignore, merge", u.OnDuplicates))
	}
	return nil
}

func unknownKeys(generic map[string]any, known map[string]bool, path string) error {
	var bad []string
	for k := range generic {
		if !known[k] {
			bad = append(bad, k)
		}
	}
	if len(bad) == 0 {
		return nil
	}
	sort.Strings(bad)
	loc := bad[0]
	if path != "" {
		loc = path + "." + loc
	}
	return specErr(loc, fmt.Sprintf("unknown additional property: %s", strings.Join(bad, ", ")))
}

func subMap(generic map[string]any, key string) map[string]any {
	m, _ := generic[key].(map[string]any)
	return m
}
