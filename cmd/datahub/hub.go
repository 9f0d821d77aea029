package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bioforge/datahub/internal/builder"
	"github.com/bioforge/datahub/internal/config"
	"github.com/bioforge/datahub/internal/differ"
	"github.com/bioforge/datahub/internal/docstore"
	"github.com/bioforge/datahub/internal/dumper"
	"github.com/bioforge/datahub/internal/events"
	"github.com/bioforge/datahub/internal/foundation"
	"github.com/bioforge/datahub/internal/hubdb"
	"github.com/bioforge/datahub/internal/inspector"
	"github.com/bioforge/datahub/internal/jobmanager"
	"github.com/bioforge/datahub/internal/metrics"
	"github.com/bioforge/datahub/internal/plugin"
	"github.com/bioforge/datahub/internal/searchindex"
	"github.com/bioforge/datahub/internal/snapshot"
	"github.com/bioforge/datahub/internal/syncer"
	"github.com/bioforge/datahub/internal/uploader"
)

// hub wires every manager over shared state. One hub instance serves
// both the daemon and the one-shot verbs.
type hub struct {
	cfg *config.Config

	db     *hubdb.SQLiteDB
	source docstore.Store
	target docstore.Store

	jm  *jobmanager.Manager
	bus *events.Bus
	rec metrics.Recorder

	parsers  *uploader.ParserRegistry
	registry *plugin.Registry
	loader   *plugin.Loader

	dumpMgr    *dumper.Manager
	uploadMgr  *uploader.Manager
	buildMgr   *builder.Manager
	diffMgr    *differ.Manager
	syncMgr    *syncer.Manager
	inspectMgr *inspector.Manager
	snapMgr    *snapshot.Manager

	backend *searchindex.MemoryBackend
	differ  *differ.Differ
}

func openHub(ctx context.Context, cfg *config.Config) (*hub, error) {
	for _, dir := range []string{cfg.DataDir, cfg.ArchiveRoot, cfg.PluginRoot, cfg.DiffRoot, cfg.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := hubdb.NewSQLite(cfg.HubDB.Path)
	if err != nil {
		return nil, err
	}
	source, err := docstore.NewSQLite(cfg.Store.Source)
	if err != nil {
		return nil, err
	}
	target, err := docstore.NewSQLite(cfg.Store.Target)
	if err != nil {
		return nil, err
	}

	jm, err := jobmanager.New(jobmanager.Options{
		LightWorkers:  cfg.Jobs.LightWorkers,
		HeavyWorkers:  cfg.Jobs.HeavyWorkers,
		QueueSize:     cfg.Jobs.QueueSize,
		PredicatePoll: cfg.Jobs.PredicatePoll,
	})
	if err != nil {
		return nil, err
	}
	jm.Start(ctx)

	bus := events.NewBus().WithStore(db.Collection(hubdb.ColEvent))
	if cfg.Events.NATSURL != "" {
		if _, err := bus.WithNATS(cfg.Events.NATSURL, cfg.Events.SubjectPrefix); err != nil {
			return nil, fmt.Errorf("connect event fan-out: %w", err)
		}
	}
	rec := metrics.NewPrometheusRecorder(nil)

	h := &hub{
		cfg:     cfg,
		db:      db,
		source:  source,
		target:  target,
		jm:      jm,
		bus:     bus,
		rec:     rec,
		parsers: uploader.NewParserRegistry(),
		backend: searchindex.NewMemoryBackend(),
		differ:  differ.New(cfg.DiffRoot),
	}

	h.dumpMgr = dumper.NewManager(jm, bus, rec)
	h.uploadMgr = uploader.NewManager(jm, bus, rec)
	h.buildMgr = builder.NewManager(jm, bus, rec, db.Collection(hubdb.ColSrcBuild))
	h.diffMgr = differ.NewManager(jm, bus, rec, h.differ)
	h.syncMgr = syncer.NewManager(jm, bus, rec)
	h.inspectMgr = inspector.NewManager(jm, bus, rec)
	h.snapMgr = snapshot.NewManager(jm, bus, rec, snapshot.NewPublisher(h.backend, h.backend))

	h.registry = plugin.NewRegistry(db.Collection(hubdb.ColDataPlugin), db.Collection(hubdb.ColSrcDump), cfg.PluginRoot)
	h.loader = plugin.NewLoader(plugin.LoaderDeps{
		Registry:    h.registry,
		Parsers:     h.parsers,
		Store:       source,
		SrcDump:     db.Collection(hubdb.ColSrcDump),
		SrcMaster:   db.Collection(hubdb.ColSrcMaster),
		DumpMgr:     h.dumpMgr,
		UploadMgr:   h.uploadMgr,
		ArchiveRoot: cfg.ArchiveRoot,
		Assemble: plugin.AssembleOptions{
			HTTPTimeout: cfg.Jobs.HTTPTimeout,
			FTPTimeout:  cfg.Jobs.FTPTimeout,
			AutoUpload:  cfg.AutoUpload,
		},
	})
	return h, nil
}

func (h *hub) close(ctx context.Context) {
	_ = h.jm.Stop(ctx)
	h.bus.Close()
	_ = h.source.Close()
	_ = h.target.Close()
	_ = h.db.Close()
}

// builderFor builds a merge engine from the named src_build record.
func (h *hub) builderFor(ctx context.Context, name string) (*builder.Builder, error) {
	rec, err := h.db.Collection(hubdb.ColSrcBuild).FindOne(ctx, hubdb.Filter{"_id": name})
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, foundation.NotReady("no build configuration record").
			WithContext("build", name).Build()
	}
	cfg := builder.Config{
		Name:         name,
		Sources:      stringList(rec["sources"]),
		Root:         stringList(rec["root"]),
		KeepTargets:  h.cfg.KeepArchives,
		BuildHistory: h.cfg.BuildHistory,
	}
	return builder.New(cfg, h.source, h.target,
		h.db.Collection(hubdb.ColSrcBuild), h.db.Collection(hubdb.ColSrcDump), nil), nil
}

// resolveCollection resolves "source:genes" / "target:demo_build" specs;
// a bare name addresses the target store.
func (h *hub) resolveCollection(spec string) docstore.Collection {
	scope, name, found := strings.Cut(spec, ":")
	if !found {
		return h.target.Collection(spec)
	}
	if scope == "source" {
		return h.source.Collection(name)
	}
	return h.target.Collection(name)
}

// recordCommand appends one operator invocation to the command history.
func (h *hub) recordCommand(ctx context.Context, verb string, args []string, started time.Time, cmdErr error) {
	rec := hubdb.Record{
		"_id":         fmt.Sprintf("%d_%s", started.UnixNano(), verb),
		"cmd":         verb,
		"args":        args,
		"started_at":  started.UTC().Format(time.RFC3339),
		"finished_at": time.Now().UTC().Format(time.RFC3339),
		"outcome":     "success",
	}
	if cmdErr != nil {
		rec["outcome"] = "failed"
		rec["err"] = cmdErr.Error()
	}
	_ = h.db.Collection(hubdb.ColCmd).InsertOne(ctx, rec)
}

func stringList(v any) []string {
	list, _ := v.([]any)
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
