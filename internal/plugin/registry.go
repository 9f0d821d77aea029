package plugin

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5"

	"github.com/bioforge/datahub/internal/foundation"
	"github.com/bioforge/datahub/internal/hubdb"
)

// Plugin URL types.
const (
	TypeLocal  = "local"
	TypeGithub = "github"
)

// LocalURL builds the registration URL for a plugin folder on disk.
func LocalURL(folder string) string { return "local://" + folder }

// Registry persists the plugin records in HubDB and materializes plugin
// folders (cloning remote plugins under the plugin root).
type Registry struct {
	col        hubdb.Collection // data_plugin
	srcDump    hubdb.Collection // renamed alongside the plugin record
	pluginRoot string
}

// NewRegistry wires a registry over the data_plugin collection.
func NewRegistry(col, srcDump hubdb.Collection, pluginRoot string) *Registry {
	return &Registry{col: col, srcDump: srcDump, pluginRoot: pluginRoot}
}

// Info is one registered plugin record.
type Info struct {
	Name       string
	URL        string
	Type       string
	Active     bool
	DataFolder string
}

func urlType(rawURL string) string {
	if strings.HasPrefix(rawURL, "local://") {
		return TypeLocal
	}
	return TypeGithub
}

// Register records a plugin. Registering an existing name is a conflict.
func (r *Registry) Register(ctx context.Context, name, rawURL string) error {
	existing, err := r.col.FindOne(ctx, hubdb.Filter{"_id": name})
	if err != nil {
		return err
	}
	if existing != nil {
		return foundation.ResourceConflict("plugin already registered").
			WithContext("plugin", name).Build()
	}
	return r.col.InsertOne(ctx, hubdb.Record{
		"_id": name,
		"plugin": map[string]any{
			"url":    rawURL,
			"type":   urlType(rawURL),
			"active": true,
		},
	})
}

// Unregister removes a plugin record; the source's dump/upload state is
// kept so re-registration resumes where it left off.
func (r *Registry) Unregister(ctx context.Context, name string) error {
	n, err := r.col.Remove(ctx, hubdb.Filter{"_id": name})
	if err != nil {
		return err
	}
	if n == 0 {
		return foundation.NotReady("plugin is not registered").
			WithContext("plugin", name).Build()
	}
	return nil
}

// Get reads one plugin record.
func (r *Registry) Get(ctx context.Context, name string) (*Info, error) {
	rec, err := r.col.FindOne(ctx, hubdb.Filter{"_id": name})
	if err != nil || rec == nil {
		return nil, err
	}
	return recordInfo(rec), nil
}

// List returns all registered plugins sorted by name.
func (r *Registry) List(ctx context.Context) ([]Info, error) {
	recs, err := r.col.Find(ctx, nil)
	if err != nil {
		return nil, err
	}
	out := make([]Info, 0, len(recs))
	for _, rec := range recs {
		out = append(out, *recordInfo(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func recordInfo(rec hubdb.Record) *Info {
	info := &Info{}
	info.Name, _ = rec["_id"].(string)
	if p, ok := rec["plugin"].(map[string]any); ok {
		info.URL, _ = p["url"].(string)
		info.Type, _ = p["type"].(string)
		info.Active, _ = p["active"].(bool)
	}
	if dl, ok := rec["download"].(map[string]any); ok {
		info.DataFolder, _ = dl["data_folder"].(string)
	}
	return info
}

// Rename moves a plugin record (and its source state) to the canonical
// name declared in the manifest: insert under the new id first, then
// remove the old, so a crash never loses the record.
func (r *Registry) Rename(ctx context.Context, oldName, newName string) error {
	if oldName == newName {
		return nil
	}
	rec, err := r.col.FindOne(ctx, hubdb.Filter{"_id": oldName})
	if err != nil {
		return err
	}
	if rec == nil {
		return foundation.NotReady("plugin is not registered").
			WithContext("plugin", oldName).Build()
	}
	if existing, err := r.col.FindOne(ctx, hubdb.Filter{"_id": newName}); err != nil {
		return err
	} else if existing != nil {
		return foundation.ResourceConflict("canonical plugin name already taken").
			WithContext("plugin", newName).Build()
	}

	rec["_id"] = newName
	if err := r.col.InsertOne(ctx, rec); err != nil {
		return err
	}
	if _, err := r.col.Remove(ctx, hubdb.Filter{"_id": oldName}); err != nil {
		return err
	}

	if dump, err := r.srcDump.FindOne(ctx, hubdb.Filter{"_id": oldName}); err == nil && dump != nil {
		dump["_id"] = newName
		if err := r.srcDump.InsertOne(ctx, dump); err != nil {
			return err
		}
		if _, err := r.srcDump.Remove(ctx, hubdb.Filter{"_id": oldName}); err != nil {
			return err
		}
	}
	return nil
}

// Materialize makes the plugin's folder available on disk and records it:
// local plugins resolve to their path, github plugins are cloned (or
// pulled) under the plugin root.
func (r *Registry) Materialize(ctx context.Context, name string) (string, error) {
	info, err := r.Get(ctx, name)
	if err != nil {
		return "", err
	}
	if info == nil {
		return "", foundation.NotReady("plugin is not registered").
			WithContext("plugin", name).Build()
	}

	var folder string
	switch info.Type {
	case TypeLocal:
		folder = strings.TrimPrefix(info.URL, "local://")
	case TypeGithub:
		folder = filepath.Join(r.pluginRoot, name)
		repo, err := git.PlainOpen(folder)
		if err == git.ErrRepositoryNotExists {
			if _, err := git.PlainCloneContext(ctx, folder, false, &git.CloneOptions{URL: info.URL}); err != nil {
				return "", fmt.Errorf("clone plugin %s: %w", name, err)
			}
		} else if err != nil {
			return "", err
		} else {
			wt, err := repo.Worktree()
			if err != nil {
				return "", err
			}
			if err := wt.PullContext(ctx, &git.PullOptions{}); err != nil && err != git.NoErrAlreadyUpToDate {
				return "", fmt.Errorf("update plugin %s: %w", name, err)
			}
		}
	default:
		return "", foundation.PluginSpec("unknown plugin type").
			WithContext("type", info.Type).Build()
	}

	err = r.col.UpdateOne(ctx, hubdb.Filter{"_id": name},
		hubdb.Mutation{Set: map[string]any{"download.data_folder": folder}}, false)
	return folder, err
}

// SetDetails stores manifest-declared display metadata on the record.
func (r *Registry) SetDetails(ctx context.Context, name, displayName, biothingType string) error {
	set := map[string]any{}
	if displayName != "" {
		set["plugin.display_name"] = displayName
	}
	if biothingType != "" {
		set["plugin.biothing_type"] = biothingType
	}
	if len(set) == 0 {
		return nil
	}
	return r.col.UpdateOne(ctx, hubdb.Filter{"_id": name}, hubdb.Mutation{Set: set}, false)
}
