package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/bioforge/datahub/internal/builder"
	"github.com/bioforge/datahub/internal/config"
	"github.com/bioforge/datahub/internal/differ"
	"github.com/bioforge/datahub/internal/dumper"
	"github.com/bioforge/datahub/internal/foundation"
	"github.com/bioforge/datahub/internal/hubdb"
	"github.com/bioforge/datahub/internal/inspector"
	"github.com/bioforge/datahub/internal/jobmanager"
	"github.com/bioforge/datahub/internal/snapshot"
	"github.com/bioforge/datahub/internal/syncer"
	"github.com/bioforge/datahub/internal/uploader"
)

var CLI struct {
	Config  string `short:"c" help:"Configuration file path" default:"config.yaml"`
	Verbose bool   `short:"v" help:"Enable verbose logging"`

	Daemon struct{} `cmd:"" help:"Run the hub: scheduled dumps, plugin discovery, build polling"`

	Dump struct {
		Source string `arg:"" help:"Source name, or 'all'"`
		Force  bool   `help:"Dump even when the remote release is not newer"`
	} `cmd:"" help:"Download a source's data files"`

	Check struct {
		Source string `arg:"" help:"Source name"`
	} `cmd:"" help:"Check a source for a new remote release without downloading"`

	Upload struct {
		Source string `arg:"" help:"Source name"`
		Force  bool   `help:"Upload even without a successful dump"`
	} `cmd:"" help:"Parse a source's data files into its collection"`

	Build struct {
		Name   string   `arg:"" help:"Build configuration name"`
		Target string   `help:"Target collection name (generated when empty)"`
		Source []string `help:"Override the configured source list"`
	} `cmd:"" help:"Merge source collections into a target collection"`

	Diff struct {
		Old           string   `arg:"" help:"Old collection ('source:' or 'target:' prefix, target default)"`
		New           string   `arg:"" help:"New collection"`
		Purge         bool     `help:"Clear an existing diff folder for this pair"`
		SelfContained bool     `help:"Embed added documents instead of their ids"`
		Exclude       []string `help:"Dotted attribute paths left out of update patches"`
	} `cmd:"" help:"Compute the batched diff between two collections"`

	Sync struct {
		Old   string `arg:"" help:"Old collection the diff applies to"`
		New   string `arg:"" help:"New collection the diff was computed against"`
		Dest  string `help:"Target backend" enum:"mongo,es" default:"mongo"`
		Index string `help:"Search index name for --dest=es (defaults to the old name)"`
		Force bool   `help:"Reapply files already marked synced"`
	} `cmd:"" help:"Apply a computed diff to a live target"`

	Inspect struct {
		Collection string `arg:"" help:"Collection to inspect"`
		Mode       string `help:"Report kind" enum:"type,stats,deepstats,mapping" default:"mapping"`
		Limit      int    `help:"Bound the number of documents walked"`
	} `cmd:"" help:"Infer the structure of a collection"`

	Index struct {
		Collection string `arg:"" help:"Collection to index"`
		Name       string `arg:"" help:"Index name"`
		Build      string `help:"Build configuration whose metadata enriches the mapping"`
		Purge      bool   `help:"Replace an existing index of the same name"`
	} `cmd:"" help:"Create a search index from a collection"`

	Snapshot struct {
		Repo  string `arg:"" help:"Snapshot repository"`
		Name  string `arg:"" help:"Snapshot name"`
		Index string `arg:"" help:"Index to capture"`
		Purge bool   `help:"Replace an existing snapshot of the same name"`
	} `cmd:"" help:"Capture an index into a snapshot repository"`

	Restore struct {
		Repo  string `arg:"" help:"Snapshot repository"`
		Name  string `arg:"" help:"Snapshot name"`
		Index string `arg:"" help:"Index to recreate"`
		Purge bool   `help:"Delete an existing index of the same name first"`
	} `cmd:"" help:"Recreate an index from a snapshot"`

	Plugin struct {
		Register struct {
			Name string `arg:"" help:"Plugin name"`
			URL  string `arg:"" help:"Plugin location (https git URL or local:// folder)"`
		} `cmd:"" help:"Register and load a data plugin"`
		Unregister struct {
			Name     string `arg:"" help:"Plugin name"`
			WithData bool   `help:"Also drop the plugin's source collections and state"`
		} `cmd:"" help:"Remove a data plugin"`
		List struct{} `cmd:"" help:"List registered plugins"`
	} `cmd:"" help:"Manage data plugins"`

	Status struct {
		Source string `arg:"" optional:"" help:"Source name (all sources when empty)"`
	} `cmd:"" help:"Show persisted per-source state"`
}

func main() {
	kctx := kong.Parse(&CLI)

	level := slog.LevelInfo
	if CLI.Verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := loadConfig(CLI.Config)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	h, err := openHub(ctx, cfg)
	if err != nil {
		slog.Error("Failed to open hub", "error", err)
		os.Exit(2)
	}

	started := time.Now()
	runErr := run(ctx, h, kctx.Command())
	h.recordCommand(context.Background(), kctx.Command(), os.Args[1:], started, runErr)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	h.close(stopCtx)
	stopCancel()

	if runErr != nil {
		slog.Error("Command failed", "error", runErr)
		os.Exit(exitCode(runErr))
	}
}

func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); err != nil {
		return config.Default(), nil
	}
	return config.Load(path)
}

// exitCode maps failures onto the operator conventions: 1 for invalid
// input (including plugin validation), 2 for everything else.
func exitCode(err error) int {
	if errors.Is(err, foundation.ErrPluginSpec) {
		return 1
	}
	return 2
}

func run(ctx context.Context, h *hub, command string) error {
	switch {
	case command == "daemon":
		return runDaemon(ctx, h)

	case strings.HasPrefix(command, "dump"):
		if err := h.loader.LoadAll(ctx); err != nil {
			return err
		}
		if CLI.Dump.Source == "all" {
			for _, fut := range h.dumpMgr.DumpAll(ctx, CLI.Dump.Force) {
				if _, err := fut.Wait(ctx); err != nil {
					return err
				}
			}
			return nil
		}
		release, err := h.dumpMgr.Dump(ctx, CLI.Dump.Source, dumper.Options{Force: CLI.Dump.Force}).Wait(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("dumped %s release %v\n", CLI.Dump.Source, release)
		return nil

	case strings.HasPrefix(command, "check"):
		if err := h.loader.LoadAll(ctx); err != nil {
			return err
		}
		release, err := h.dumpMgr.Check(ctx, CLI.Check.Source)
		if err != nil {
			return err
		}
		if release == "" {
			fmt.Printf("%s is up to date\n", CLI.Check.Source)
		} else {
			fmt.Printf("%s has new release %s\n", CLI.Check.Source, release)
		}
		return nil

	case strings.HasPrefix(command, "upload"):
		if err := h.loader.LoadAll(ctx); err != nil {
			return err
		}
		count, err := h.uploadMgr.UploadAndWait(ctx, CLI.Upload.Source, uploader.Options{Force: CLI.Upload.Force})
		if err != nil {
			return err
		}
		fmt.Printf("uploaded %s: %d documents\n", CLI.Upload.Source, count)
		return nil

	case strings.HasPrefix(command, "build"):
		b, err := h.builderFor(ctx, CLI.Build.Name)
		if err != nil {
			return err
		}
		h.buildMgr.Register(b)
		target, err := h.buildMgr.Merge(ctx, CLI.Build.Name, builder.Options{
			Sources:    CLI.Build.Source,
			TargetName: CLI.Build.Target,
		}).Wait(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("built %v\n", target)
		return nil

	case strings.HasPrefix(command, "diff"):
		oldCol := h.resolveCollection(CLI.Diff.Old)
		newCol := h.resolveCollection(CLI.Diff.New)
		res, err := h.diffMgr.Diff(ctx, oldCol, newCol, differ.Options{
			Purge:         CLI.Diff.Purge,
			SelfContained: CLI.Diff.SelfContained,
			Exclude:       CLI.Diff.Exclude,
		}).Wait(ctx)
		if err != nil {
			return err
		}
		meta := res.(*differ.Metadata)
		fmt.Printf("diff %s: add=%d update=%d delete=%d files=%d\n",
			h.differ.Folder(oldCol.Name(), newCol.Name()),
			meta.Stats.Add, meta.Stats.Update, meta.Stats.Delete, len(meta.Files))
		return nil

	case strings.HasPrefix(command, "sync"):
		oldCol := h.resolveCollection(CLI.Sync.Old)
		newCol := h.resolveCollection(CLI.Sync.New)
		s := syncer.New(h.differ.Folder(oldCol.Name(), newCol.Name()))
		s.NewSource = newCol
		opts := syncer.Options{Force: CLI.Sync.Force}

		var fut *jobmanager.Future
		if CLI.Sync.Dest == "es" {
			index := CLI.Sync.Index
			if index == "" {
				index = oldCol.Name()
			}
			fut = h.syncMgr.SyncToIndex(ctx, s, h.backend.OpenIndex(index), opts)
		} else {
			fut = h.syncMgr.SyncToStore(ctx, s, oldCol, opts)
		}
		res, err := fut.Wait(ctx)
		if err != nil {
			return err
		}
		sr := res.(*syncer.Result)
		fmt.Printf("synced: added=%d updated=%d deleted=%d skipped=%d\n",
			sr.Added, sr.Updated, sr.Deleted, sr.Skipped)
		return nil

	case strings.HasPrefix(command, "inspect"):
		col := h.resolveCollection(CLI.Inspect.Collection)
		res, err := h.inspectMgr.Inspect(ctx, col, inspector.Mode(CLI.Inspect.Mode),
			inspector.Options{Limit: CLI.Inspect.Limit}).Wait(ctx)
		if err != nil {
			return err
		}
		return printJSON(res)

	case strings.HasPrefix(command, "index"):
		col := h.resolveCollection(CLI.Index.Collection)
		var b *builder.Builder
		if CLI.Index.Build != "" {
			var err error
			if b, err = h.builderFor(ctx, CLI.Index.Build); err != nil {
				return err
			}
		}
		count, err := h.snapMgr.BuildIndex(ctx, col, CLI.Index.Name, b,
			snapshot.IndexOptions{Purge: CLI.Index.Purge}).Wait(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("indexed %v documents into %s\n", count, CLI.Index.Name)
		return nil

	case strings.HasPrefix(command, "snapshot"):
		_, err := h.snapMgr.Snapshot(ctx, CLI.Snapshot.Repo, CLI.Snapshot.Name, CLI.Snapshot.Index,
			snapshot.SnapshotOptions{Purge: CLI.Snapshot.Purge}).Wait(ctx)
		return err

	case strings.HasPrefix(command, "restore"):
		_, err := h.snapMgr.Restore(ctx, CLI.Restore.Repo, CLI.Restore.Name, CLI.Restore.Index,
			snapshot.RestoreOptions{Purge: CLI.Restore.Purge}).Wait(ctx)
		return err

	case strings.HasPrefix(command, "plugin register"):
		if err := h.registry.Register(ctx, CLI.Plugin.Register.Name, CLI.Plugin.Register.URL); err != nil {
			return err
		}
		_, err := h.loader.Load(ctx, CLI.Plugin.Register.Name)
		return err

	case strings.HasPrefix(command, "plugin unregister"):
		return unregisterPlugin(ctx, h, CLI.Plugin.Unregister.Name, CLI.Plugin.Unregister.WithData)

	case strings.HasPrefix(command, "plugin list"):
		infos, err := h.registry.List(ctx)
		if err != nil {
			return err
		}
		for _, info := range infos {
			fmt.Printf("%s\t%s\tactive=%t\n", info.Name, info.URL, info.Active)
		}
		return nil

	case strings.HasPrefix(command, "status"):
		return runStatus(ctx, h, CLI.Status.Source)
	}
	return fmt.Errorf("unknown command %q", command)
}

// unregisterPlugin removes the plugin record; withData also drops its
// source collections and dump state.
func unregisterPlugin(ctx context.Context, h *hub, name string, withData bool) error {
	h.loader.Unload(name)
	if err := h.registry.Unregister(ctx, name); err != nil {
		return err
	}
	if !withData {
		return nil
	}
	names, err := h.source.ListCollections(ctx)
	if err != nil {
		return err
	}
	for _, col := range names {
		if col == name || strings.HasPrefix(col, name+"_") {
			if err := h.source.Collection(col).Drop(ctx); err != nil {
				return err
			}
		}
	}
	if _, err := h.db.Collection(hubdb.ColSrcDump).Remove(ctx, hubdb.Filter{"_id": name}); err != nil {
		return err
	}
	_, err = h.db.Collection(hubdb.ColSrcMaster).Remove(ctx, hubdb.Filter{"_id": name})
	return err
}

func runStatus(ctx context.Context, h *hub, source string) error {
	col := h.db.Collection(hubdb.ColSrcDump)
	if source != "" {
		rec, err := col.FindOne(ctx, hubdb.Filter{"_id": source})
		if err != nil {
			return err
		}
		if rec == nil {
			return foundation.NotReady("no state recorded for source").
				WithContext("source", source).Build()
		}
		return printJSON(rec)
	}
	recs, err := col.Find(ctx, hubdb.Filter{})
	if err != nil {
		return err
	}
	return printJSON(recs)
}

// runDaemon loads every plugin and keeps the hub alive: schedules fire,
// the plugin root is watched, pending builds and uploads are polled.
func runDaemon(ctx context.Context, h *hub) error {
	if err := h.loader.LoadAll(ctx); err != nil {
		return err
	}
	if h.cfg.AutoDiscover {
		if _, err := h.loader.Scan(ctx); err != nil {
			return err
		}
		go func() {
			if err := h.loader.Watch(ctx); err != nil && ctx.Err() == nil {
				slog.Error("Plugin watcher stopped", "error", err)
			}
		}()
	}
	if err := h.buildMgr.StartPolling(time.Minute); err != nil {
		return err
	}
	defer h.buildMgr.StopPolling()
	if err := h.uploadMgr.StartPolling(h.db.Collection(hubdb.ColSrcDump), time.Minute); err != nil {
		return err
	}
	defer h.uploadMgr.StopPolling()

	slog.Info("Hub running", "plugins", len(h.dumpMgr.Sources()))
	<-ctx.Done()
	slog.Info("Shutdown signal received, stopping hub")
	return nil
}

func printJSON(v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(raw))
	return nil
}
