// Package uploader turns dumped source data into a production source
// collection. One uploader owns one (source, sub-source) pair: it parses
// the dumped files through a registered parser, lands documents through a
// duplicate-policy storage strategy into a temp collection, and promotes
// the temp over production only on full success.
package uploader

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/bioforge/datahub/internal/docstore"
	"github.com/bioforge/datahub/internal/foundation"
	"github.com/bioforge/datahub/internal/hubdb"
	"github.com/bioforge/datahub/internal/logfields"
	"github.com/bioforge/datahub/internal/storage"
)

// Step names for the load operation.
const (
	StepData   = "data"
	StepMaster = "master"
	StepPost   = "post"
	StepClean  = "clean"
)

// Config declares one (source, sub-source) load behavior.
type Config struct {
	Source string
	// SubSource distinguishes uploaders of a multi-uploader source; empty
	// for single-uploader sources.
	SubSource string

	ParserRef    string
	ParserKwargs map[string]any
	OnDuplicates storage.Policy
	BatchSize    int
	MaxBatchNum  int
	MaxDocBytes  int

	// IDType and SrcMeta are recorded in the master document.
	IDType  string
	SrcMeta map[string]any
	// Mapping produces the static search-index mapping stored in the
	// master document; nil means no mapping.
	Mapping func(ctx context.Context) (map[string]any, error)

	// Jobs returns per-worker parse requests for parallelized loads; nil
	// means one request covering the whole data folder. All jobs land in
	// the same temp collection.
	Jobs func(ctx context.Context, dataFolder string) ([]ParseRequest, error)

	// PostUpdateData runs after promotion, against the production
	// collection.
	PostUpdateData func(ctx context.Context, col docstore.Collection) error

	// KeepArchives bounds retained archived collections; zero means 10.
	KeepArchives int
}

// Options select and modify steps for one invocation.
type Options struct {
	Steps     []string // default: data, master, post, clean
	BatchSize int
	Force     bool
}

// Uploader drives one sub-source's loads.
type Uploader struct {
	cfg       Config
	registry  *ParserRegistry
	store     docstore.Store
	srcDump   hubdb.Collection
	srcMaster hubdb.Collection
}

// New creates an uploader for one sub-source.
func New(cfg Config, registry *ParserRegistry, store docstore.Store, srcDump, srcMaster hubdb.Collection) *Uploader {
	if cfg.KeepArchives <= 0 {
		cfg.KeepArchives = 10
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	return &Uploader{cfg: cfg, registry: registry, store: store, srcDump: srcDump, srcMaster: srcMaster}
}

// Source returns the owning source id.
func (u *Uploader) Source() string { return u.cfg.Source }

// Name returns the production collection name: the sub-source when one is
// declared, otherwise the source itself.
func (u *Uploader) Name() string {
	if u.cfg.SubSource != "" {
		return u.cfg.SubSource
	}
	return u.cfg.Source
}

func (u *Uploader) statusKey(field string) string {
	return "upload.jobs." + u.Name() + "." + field
}

func (u *Uploader) setStatus(ctx context.Context, fields map[string]any) error {
	set := make(map[string]any, len(fields))
	for k, v := range fields {
		set[u.statusKey(k)] = v
	}
	return u.srcDump.UpdateOne(ctx, hubdb.Filter{"_id": u.cfg.Source}, hubdb.Mutation{Set: set}, true)
}

// jobStatus reads this sub-source's upload status sub-document.
func (u *Uploader) jobStatus(ctx context.Context) (map[string]any, error) {
	rec, err := u.srcDump.FindOne(ctx, hubdb.Filter{"_id": u.cfg.Source})
	if err != nil || rec == nil {
		return nil, err
	}
	upload, _ := rec["upload"].(map[string]any)
	jobs, _ := upload["jobs"].(map[string]any)
	job, _ := jobs[u.Name()].(map[string]any)
	return job, nil
}

// Load runs the selected steps and returns the accepted document count.
func (u *Uploader) Load(ctx context.Context, opts Options) (count int, err error) {
	steps := opts.Steps
	if len(steps) == 0 {
		steps = []string{StepData, StepMaster, StepPost, StepClean}
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = u.cfg.BatchSize
	}
	started := time.Now()

	prev, err := u.jobStatus(ctx)
	if err != nil {
		return 0, err
	}

	defer func() {
		if err != nil {
			_ = u.setStatus(ctx, map[string]any{
				"status": "failed",
				"err":    err.Error(),
				"time":   time.Since(started).String(),
			})
		}
	}()

	dataFolder, err := u.precondition(ctx, opts.Force)
	if err != nil {
		return 0, err
	}

	startFields := map[string]any{
		"status":          "uploading",
		"step_started_at": started.UTC().Format(time.RFC3339),
		"started_at":      started.UTC().Format(time.RFC3339),
		"pid":             os.Getpid(),
		"logfile":         "",
		"err":             "",
	}
	// carry the previous success forward so freshness can be computed
	if prev != nil {
		if st, _ := prev["status"].(string); st == "success" {
			if at, ok := prev["started_at"]; ok {
				startFields["last_success"] = at
			}
		} else if ls, ok := prev["last_success"]; ok {
			startFields["last_success"] = ls
		}
	}
	if err := u.setStatus(ctx, startFields); err != nil {
		return 0, err
	}

	for _, step := range steps {
		switch step {
		case StepData:
			count, err = u.data(ctx, dataFolder, batchSize)
			if err != nil {
				return 0, err
			}
		case StepMaster:
			if err := u.master(ctx); err != nil {
				return 0, err
			}
		case StepPost:
			if u.cfg.PostUpdateData != nil {
				if err := u.cfg.PostUpdateData(ctx, u.store.Collection(u.Name())); err != nil {
					return 0, fmt.Errorf("post-update hook: %w", err)
				}
			}
		case StepClean:
			if err := u.clean(ctx); err != nil {
				return 0, err
			}
		default:
			return 0, fmt.Errorf("unknown upload step %q", step)
		}
	}

	if err := u.setStatus(ctx, map[string]any{
		"status":    "success",
		"time":      time.Since(started).String(),
		"time_in_s": int(time.Since(started).Seconds()),
		"count":     count,
	}); err != nil {
		return 0, err
	}
	// the pending flag is consumed once an upload goes through
	_ = u.srcDump.UpdateOne(ctx, hubdb.Filter{"_id": u.cfg.Source},
		hubdb.Mutation{Pull: map[string]any{"pending": "upload"}}, false)
	slog.Info("Upload finished", logfields.Source(u.cfg.Source),
		logfields.SubSource(u.Name()), logfields.Count(count))
	return count, nil
}

// precondition verifies the source has a successful dump and a data
// folder; force bypasses the dump status check but not a missing folder
// when one is recorded.
func (u *Uploader) precondition(ctx context.Context, force bool) (string, error) {
	rec, err := u.srcDump.FindOne(ctx, hubdb.Filter{"_id": u.cfg.Source})
	if err != nil {
		return "", err
	}
	var status, folder string
	if rec != nil {
		if dl, ok := rec["download"].(map[string]any); ok {
			status, _ = dl["status"].(string)
			folder, _ = dl["data_folder"].(string)
		}
	}
	if status != "success" && !force {
		return "", foundation.NotReady("no successful dump to upload").
			WithContext("source", u.cfg.Source).
			WithContext("dump_status", status).Build()
	}
	if folder != "" {
		if _, err := os.Stat(folder); err != nil {
			return "", foundation.NotReady("data folder does not exist").
				WithContext("source", u.cfg.Source).
				WithPath(folder).Build()
		}
	}
	return folder, nil
}

// data runs the parser/storage pipeline into a temp collection and
// promotes it over production.
func (u *Uploader) data(ctx context.Context, dataFolder string, batchSize int) (int, error) {
	parser, err := u.registry.Resolve(u.cfg.ParserRef)
	if err != nil {
		return 0, err
	}

	tempName := fmt.Sprintf("%s_temp_%s", u.Name(), shortID())
	temp := u.store.Collection(tempName)
	if err := temp.Drop(ctx); err != nil {
		return 0, err
	}

	reqs := []ParseRequest{{DataPath: dataFolder, Kwargs: u.cfg.ParserKwargs}}
	if u.cfg.Jobs != nil {
		reqs, err = u.cfg.Jobs(ctx, dataFolder)
		if err != nil {
			return 0, fmt.Errorf("jobs hook: %w", err)
		}
		if len(reqs) == 0 {
			return 0, foundation.NotReady("parallelizer returned no jobs").
				WithContext("source", u.cfg.Source).Build()
		}
	}

	opts := storage.Options{MaxBatchNum: u.cfg.MaxBatchNum, MaxDocBytes: u.cfg.MaxDocBytes}
	counts := make([]int, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	for i, req := range reqs {
		g.Go(func() error {
			docs := make(chan docstore.Doc, batchSize)
			strg := storage.New(temp, u.cfg.OnDuplicates, opts)

			perr := make(chan error, 1)
			go func() {
				defer close(docs)
				perr <- parser(gctx, req, docs)
			}()
			n, err := strg.Process(gctx, docs, batchSize)
			if err != nil {
				return err
			}
			if err := <-perr; err != nil {
				return fmt.Errorf("parser failed: %w", err)
			}
			counts[i] = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		_ = temp.Drop(ctx)
		return 0, err
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	if err := u.promote(ctx, temp); err != nil {
		return 0, err
	}
	return total, nil
}

// promote renames the temp collection over production, archiving the
// previous production collection first.
func (u *Uploader) promote(ctx context.Context, temp docstore.Collection) error {
	name := u.Name()
	existing, err := u.store.ListCollections(ctx)
	if err != nil {
		return err
	}
	for _, colName := range existing {
		if colName == name {
			archiveName := fmt.Sprintf("%s_archive_%s_%s", name,
				time.Now().UTC().Format("20060102150405"), shortID())
			if err := u.store.Collection(name).Rename(ctx, archiveName, false); err != nil {
				return fmt.Errorf("archive %s: %w", name, err)
			}
			break
		}
	}
	if err := temp.Rename(ctx, name, true); err != nil {
		return fmt.Errorf("promote %s: %w", temp.Name(), err)
	}
	return nil
}

// master writes the master document, merged over any prior one.
func (u *Uploader) master(ctx context.Context) error {
	doc := hubdb.Record{
		"_id":       u.Name(),
		"name":      u.Name(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if u.cfg.IDType != "" {
		doc["id_type"] = u.cfg.IDType
	}
	if len(u.cfg.SrcMeta) > 0 {
		doc["src_meta"] = u.cfg.SrcMeta
	}
	if u.cfg.Mapping != nil {
		mapping, err := u.cfg.Mapping(ctx)
		if err != nil {
			return fmt.Errorf("mapping hook: %w", err)
		}
		doc["mapping"] = mapping
	}

	prior, err := u.srcMaster.FindOne(ctx, hubdb.Filter{"_id": u.Name()})
	if err != nil {
		return err
	}
	if prior != nil {
		for k, v := range prior {
			if _, ok := doc[k]; !ok {
				doc[k] = v
			}
		}
	}
	return u.srcMaster.ReplaceOne(ctx, hubdb.Filter{"_id": u.Name()}, doc)
}

// clean drops stale temp collections and archives beyond the keep bound.
func (u *Uploader) clean(ctx context.Context) error {
	names, err := u.store.ListCollections(ctx)
	if err != nil {
		return err
	}
	var archives []string
	for _, name := range names {
		switch {
		case strings.HasPrefix(name, u.Name()+"_temp_"):
			if err := u.store.Collection(name).Drop(ctx); err != nil {
				return err
			}
		case strings.HasPrefix(name, u.Name()+"_archive_"):
			archives = append(archives, name)
		}
	}
	// archive names embed a timestamp, so lexical order is age order
	sort.Sort(sort.Reverse(sort.StringSlice(archives)))
	for _, name := range archives[min(u.cfg.KeepArchives, len(archives)):] {
		slog.Debug("Dropping archived collection", logfields.Collection(name))
		if err := u.store.Collection(name).Drop(ctx); err != nil {
			return err
		}
	}
	return nil
}

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
