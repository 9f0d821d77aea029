package plugin

import (
	"context"
	"log/slog"

	"github.com/bioforge/datahub/internal/docstore"
	"github.com/bioforge/datahub/internal/dumper"
	"github.com/bioforge/datahub/internal/foundation"
	"github.com/bioforge/datahub/internal/hubdb"
	"github.com/bioforge/datahub/internal/logfields"
	"github.com/bioforge/datahub/internal/uploader"
)

// Loader turns registered plugins into live dumpers and uploaders.
type Loader struct {
	registry  *Registry
	parsers   *uploader.ParserRegistry
	store     docstore.Store
	srcDump   hubdb.Collection
	srcMaster hubdb.Collection
	dumpMgr   *dumper.Manager
	uploadMgr *uploader.Manager

	archiveRoot string
	opts        AssembleOptions
}

// LoaderDeps carries everything a loader needs to wire assemblies in.
type LoaderDeps struct {
	Registry    *Registry
	Parsers     *uploader.ParserRegistry
	Store       docstore.Store
	SrcDump     hubdb.Collection
	SrcMaster   hubdb.Collection
	DumpMgr     *dumper.Manager
	UploadMgr   *uploader.Manager
	ArchiveRoot string
	Assemble    AssembleOptions
}

// NewLoader creates a loader.
func NewLoader(deps LoaderDeps) *Loader {
	return &Loader{
		registry:    deps.Registry,
		parsers:     deps.Parsers,
		store:       deps.Store,
		srcDump:     deps.SrcDump,
		srcMaster:   deps.SrcMaster,
		dumpMgr:     deps.DumpMgr,
		uploadMgr:   deps.UploadMgr,
		archiveRoot: deps.ArchiveRoot,
		opts:        deps.Assemble,
	}
}

// Load materializes one plugin, assembles it and registers its dumper
// and uploaders with the managers. When the manifest declares a name
// different from the registration id, the plugin record is renamed to the
// canonical name first.
func (l *Loader) Load(ctx context.Context, name string) (*Assembly, error) {
	folder, err := l.registry.Materialize(ctx, name)
	if err != nil {
		return nil, err
	}

	var asm *Assembly
	switch {
	case HasManifest(folder):
		m, err := ReadManifest(folder)
		if err != nil {
			return nil, err
		}
		asm, err = Assemble(name, m, l.opts)
		if err != nil {
			return nil, err
		}
	default:
		fn, ok := codePlugin(name)
		if !ok {
			return nil, foundation.PluginSpec("folder has neither a manifest nor a registered code plugin").
				WithContext("plugin", name).WithPath(folder).Build()
		}
		asm, err = fn(folder, l.opts)
		if err != nil {
			return nil, err
		}
	}

	if asm.Name != name {
		slog.Info("Renaming plugin to its canonical name",
			logfields.Plugin(name), slog.String("canonical", asm.Name))
		if err := l.registry.Rename(ctx, name, asm.Name); err != nil {
			return nil, err
		}
	}
	if err := l.registry.SetDetails(ctx, asm.Name, asm.DisplayName, asm.BiothingType); err != nil {
		return nil, err
	}

	if asm.Dumper != nil {
		if err := l.dumpMgr.Register(dumper.New(*asm.Dumper, asm.Client, l.srcDump, l.archiveRoot)); err != nil {
			return nil, err
		}
	}
	for _, cfg := range asm.Uploaders {
		l.uploadMgr.Register(uploader.New(cfg, l.parsers, l.store, l.srcDump, l.srcMaster))
	}
	slog.Info("Plugin loaded", logfields.Plugin(asm.Name),
		logfields.Count(len(asm.Uploaders)))
	return asm, nil
}

// Unload removes a plugin's dumper and uploaders from the managers.
func (l *Loader) Unload(name string) {
	l.dumpMgr.Unregister(name)
	l.uploadMgr.Unregister(name)
}

// LoadAll loads every active registered plugin; individual failures are
// logged and skipped so one broken plugin cannot take the hub down.
func (l *Loader) LoadAll(ctx context.Context) error {
	infos, err := l.registry.List(ctx)
	if err != nil {
		return err
	}
	for _, info := range infos {
		if !info.Active {
			continue
		}
		if _, err := l.Load(ctx, info.Name); err != nil {
			slog.Error("Failed to load plugin", logfields.Plugin(info.Name), logfields.Error(err))
		}
	}
	return nil
}
