package plugin

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bioforge/datahub/internal/dumper"
	"github.com/bioforge/datahub/internal/foundation"
	"github.com/bioforge/datahub/internal/storage"
	"github.com/bioforge/datahub/internal/uploader"
)

// Assembly is what a loaded plugin contributes to the hub: one dumper
// configuration (nil for upload-only plugins) and one uploader
// configuration per sub-source.
type Assembly struct {
	Name         string
	DisplayName  string
	BiothingType string
	Dumper       *dumper.Config
	Client       dumper.Client
	Uploaders    []uploader.Config
}

// Hooks resolves manifest hook references ("module:function" strings) to
// compiled-in implementations.
type Hooks struct {
	Release       map[string]func(ctx context.Context) (string, error)
	Parallelizers map[string]func(ctx context.Context, dataFolder string) ([]uploader.ParseRequest, error)
	Mappings      map[string]func(ctx context.Context) (map[string]any, error)
}

// AssembleOptions tune the synthesized components.
type AssembleOptions struct {
	HTTPTimeout time.Duration
	FTPTimeout  time.Duration
	AutoUpload  bool
	Hooks       Hooks
}

// Assemble synthesizes dumper and uploader configurations from a
// validated manifest.
func Assemble(name string, m *Manifest, opts AssembleOptions) (*Assembly, error) {
	if m.Name != "" {
		name = m.Name
	}
	asm := &Assembly{
		Name:         name,
		DisplayName:  m.DisplayName,
		BiothingType: m.BiothingType,
	}

	if m.Dumper != nil && !m.Dumper.Disabled {
		cfg, client, err := assembleDumper(name, m.Dumper, opts)
		if err != nil {
			return nil, err
		}
		asm.Dumper = cfg
		asm.Client = client
	}

	sections := m.Uploaders
	if m.Uploader != nil {
		sections = []UploaderSection{*m.Uploader}
	}
	for _, section := range sections {
		cfg, err := assembleUploader(name, section, opts)
		if err != nil {
			return nil, err
		}
		asm.Uploaders = append(asm.Uploaders, cfg)
	}
	return asm, nil
}

func assembleDumper(name string, section *DumperSection, opts AssembleOptions) (*dumper.Config, dumper.Client, error) {
	cfg := &dumper.Config{
		Source:     name,
		URLs:       section.DataURL,
		Archive:    true,
		Uncompress: section.Uncompress,
		Schedule:   section.Schedule,
		AutoUpload: opts.AutoUpload,
	}

	first, err := url.Parse(section.DataURL[0])
	if err != nil {
		return nil, nil, foundation.PluginSpec("invalid data_url").
			WithCause(err).WithPath("dumper.data_url[0]").Build()
	}

	var client dumper.Client
	switch first.Scheme {
	case "http", "https":
		hc := dumper.NewHTTPClient(opts.HTTPTimeout)
		hc.FirstURL = section.DataURL[0]
		client = hc
	case "ftp":
		client = &dumper.FTPClient{
			Host:      first.Host,
			Timeout:   opts.FTPTimeout,
			FirstPath: first.Path,
		}
	case "docker":
		image := strings.TrimPrefix(first.Host+first.Path, "/")
		tag := ""
		if idx := strings.LastIndex(image, ":"); idx > 0 {
			image, tag = image[:idx], image[idx+1:]
		}
		client = &dumper.DockerClient{Image: image, Tag: tag}
	default:
		return nil, nil, foundation.PluginSpec("unsupported data_url scheme").
			WithContext("scheme", first.Scheme).WithPath("dumper.data_url[0]").Build()
	}

	if section.Release != "" {
		hook, ok := opts.Hooks.Release[section.Release]
		if !ok {
			return nil, nil, foundation.PluginSpec("unknown release hook").
				WithContext("hook", section.Release).WithPath("dumper.release").Build()
		}
		client = &hookedClient{Client: client, release: hook}
	}
	return cfg, client, nil
}

func assembleUploader(name string, section UploaderSection, opts AssembleOptions) (uploader.Config, error) {
	cfg := uploader.Config{
		Source:       name,
		SubSource:    section.Name,
		ParserRef:    section.Parser,
		ParserKwargs: section.ParserKwargs,
		OnDuplicates: storage.Policy(section.OnDuplicates),
	}
	if section.Parallelizer != "" {
		hook, ok := opts.Hooks.Parallelizers[section.Parallelizer]
		if !ok {
			return cfg, foundation.PluginSpec("unknown parallelizer hook").
				WithContext("hook", section.Parallelizer).Build()
		}
		cfg.Jobs = hook
	}
	if section.Mapping != "" {
		hook, ok := opts.Hooks.Mappings[section.Mapping]
		if !ok {
			return cfg, foundation.PluginSpec("unknown mapping hook").
				WithContext("hook", section.Mapping).Build()
		}
		cfg.Mapping = hook
	}
	return cfg, nil
}

// hookedClient overrides release derivation with a manifest hook.
type hookedClient struct {
	dumper.Client
	release func(ctx context.Context) (string, error)
}

func (c *hookedClient) Release(ctx context.Context) (string, error) {
	return c.release(ctx)
}

// AssembleFunc builds an assembly for a code-driven plugin from its data
// folder.
type AssembleFunc func(folder string, opts AssembleOptions) (*Assembly, error)

var (
	codeMu      sync.RWMutex
	codePlugins = map[string]AssembleFunc{}
)

// RegisterCode registers a compiled-in plugin under a name. Code-driven
// plugins take over folders that carry no manifest.
func RegisterCode(name string, fn AssembleFunc) {
	codeMu.Lock()
	codePlugins[name] = fn
	codeMu.Unlock()
}

// codePlugin looks up a compiled-in plugin.
func codePlugin(name string) (AssembleFunc, bool) {
	codeMu.RLock()
	defer codeMu.RUnlock()
	fn, ok := codePlugins[name]
	return fn, ok
}
