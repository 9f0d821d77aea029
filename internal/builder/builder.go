// Package builder merges source collections into a target collection.
// Root sources are merged first with upsert semantics; non-root sources
// only enrich documents that already exist. Build runs are recorded as a
// capped history on the build configuration record.
package builder

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/bioforge/datahub/internal/docstore"
	"github.com/bioforge/datahub/internal/foundation"
	"github.com/bioforge/datahub/internal/hubdb"
	"github.com/bioforge/datahub/internal/logfields"
)

// Config is one build configuration.
type Config struct {
	// Name is the build configuration id (src_build._id).
	Name string
	// Sources are collection names or regexes resolved against existing
	// source collections.
	Sources []string
	// Root restricts which sources may create documents. Entries may all
	// be negated with a leading "!" (everything except these); mixing
	// negated and plain entries is an error. Empty means every source is
	// a root source.
	Root []string
	// Mapper names the document transform applied per source; empty means
	// the transparent mapper.
	Mapper map[string]string // source -> mapper name

	// BatchSize is the id-scan batch; MergeBatchSize the per-worker merge
	// batch. Zeroes mean 10000 and 1000.
	BatchSize      int
	MergeBatchSize int
	// MaxMergeWorkers bounds concurrent merge batches; zero means 4.
	MaxMergeWorkers int
	// KeepTargets bounds retained archived target collections.
	KeepTargets int
	// BuildHistory caps the build list on the config record; zero means 100.
	BuildHistory int
}

// Options modify one merge invocation.
type Options struct {
	// Sources overrides the configured source list.
	Sources []string
	// TargetName overrides the generated target collection name.
	TargetName string
	Force      bool
}

// Mapper transforms a batch of source documents before merging; it may
// expand or drop documents.
type Mapper func(ctx context.Context, docs []docstore.Doc) ([]docstore.Doc, error)

// MapperRegistry resolves mapper names.
type MapperRegistry struct {
	mappers map[string]Mapper
}

// NewMapperRegistry creates a registry with the transparent mapper only.
func NewMapperRegistry() *MapperRegistry {
	return &MapperRegistry{mappers: map[string]Mapper{}}
}

// Register adds a named mapper.
func (r *MapperRegistry) Register(name string, m Mapper) { r.mappers[name] = m }

// Resolve returns the named mapper; the empty name is transparent.
func (r *MapperRegistry) Resolve(name string) (Mapper, error) {
	if name == "" {
		return func(ctx context.Context, docs []docstore.Doc) ([]docstore.Doc, error) {
			return docs, nil
		}, nil
	}
	m, ok := r.mappers[name]
	if !ok {
		return nil, foundation.PluginSpec("unknown mapper").
			WithContext("mapper", name).Build()
	}
	return m, nil
}

// Builder merges one build configuration.
type Builder struct {
	cfg      Config
	source   docstore.Store
	target   docstore.Store
	srcBuild hubdb.Collection
	srcDump  hubdb.Collection
	mappers  *MapperRegistry

	// Finalize runs against the target after all sources merged.
	Finalize func(ctx context.Context, col docstore.Collection) error
	// PostMerge runs after finalize, outside the target write path.
	PostMerge func(ctx context.Context, buildName string) error
}

// New creates a builder for one configuration.
func New(cfg Config, source, target docstore.Store, srcBuild, srcDump hubdb.Collection, mappers *MapperRegistry) *Builder {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10000
	}
	if cfg.MergeBatchSize <= 0 {
		cfg.MergeBatchSize = 1000
	}
	if cfg.MaxMergeWorkers <= 0 {
		cfg.MaxMergeWorkers = 4
	}
	if cfg.KeepTargets <= 0 {
		cfg.KeepTargets = 10
	}
	if cfg.BuildHistory <= 0 {
		cfg.BuildHistory = 100
	}
	if mappers == nil {
		mappers = NewMapperRegistry()
	}
	return &Builder{cfg: cfg, source: source, target: target, srcBuild: srcBuild, srcDump: srcDump, mappers: mappers}
}

// Name returns the build configuration id.
func (b *Builder) Name() string { return b.cfg.Name }

// Merge runs a full build and returns the target collection name.
func (b *Builder) Merge(ctx context.Context, opts Options) (targetName string, err error) {
	started := time.Now()
	targetName = opts.TargetName
	if targetName == "" {
		targetName = fmt.Sprintf("%s_%s_%s", b.cfg.Name,
			time.Now().UTC().Format("20060102_150405"), shortID())
	}

	defer func() {
		if err != nil {
			// no partial rollback of the target: the next run replaces it
			_ = b.recordBuild(ctx, targetName, "failed", nil, nil, time.Since(started), err)
		}
	}()

	sources, roots, err := b.resolveSources(ctx, opts.Sources)
	if err != nil {
		return "", err
	}

	target := b.target.Collection(targetName)
	if err := target.Drop(ctx); err != nil {
		return "", err
	}

	counts := map[string]int{}
	// root sources create documents, so they go first
	for _, src := range sources {
		if !roots[src] {
			continue
		}
		n, err := b.mergeSource(ctx, src, target, true)
		if err != nil {
			return "", err
		}
		counts[src] = n
	}
	for _, src := range sources {
		if roots[src] {
			continue
		}
		n, err := b.mergeSource(ctx, src, target, false)
		if err != nil {
			return "", err
		}
		counts[src] = n
	}

	if b.Finalize != nil {
		if err := b.Finalize(ctx, target); err != nil {
			return "", fmt.Errorf("finalize hook: %w", err)
		}
	}
	if b.PostMerge != nil {
		if err := b.PostMerge(ctx, targetName); err != nil {
			return "", fmt.Errorf("post-merge hook: %w", err)
		}
	}

	releases, err := b.sourceReleases(ctx, sources)
	if err != nil {
		return "", err
	}
	if err := b.recordBuild(ctx, targetName, "success", counts, releases, time.Since(started), nil); err != nil {
		return "", err
	}
	if err := b.cleanTargets(ctx); err != nil {
		return "", err
	}
	slog.Info("Build finished", logfields.BuildName(b.cfg.Name),
		logfields.Target(targetName), logfields.DurationMS(float64(time.Since(started).Milliseconds())))
	return targetName, nil
}

// resolveSources expands the source list (regex entries included) against
// existing source collections and computes the root set.
func (b *Builder) resolveSources(ctx context.Context, override []string) ([]string, map[string]bool, error) {
	patterns := override
	if len(patterns) == 0 {
		patterns = b.cfg.Sources
	}
	if len(patterns) == 0 {
		return nil, nil, foundation.NotReady("build configuration has no sources").
			WithContext("build", b.cfg.Name).Build()
	}
	existing, err := b.source.ListCollections(ctx)
	if err != nil {
		return nil, nil, err
	}

	seen := map[string]bool{}
	var resolved []string
	for _, pattern := range patterns {
		matches, err := resolvePattern(pattern, existing)
		if err != nil {
			return nil, nil, err
		}
		if len(matches) == 0 {
			return nil, nil, foundation.NotReady("source does not resolve to any collection").
				WithContext("build", b.cfg.Name).
				WithContext("source", pattern).Build()
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				resolved = append(resolved, m)
			}
		}
	}

	roots, err := expandRoots(b.cfg.Root, resolved)
	if err != nil {
		return nil, nil, err
	}
	return resolved, roots, nil
}

// resolvePattern matches one source entry against existing collections.
// Exact names pass through even when the collection is missing from the
// listing at resolve time only if they match; otherwise regex semantics.
func resolvePattern(pattern string, existing []string) ([]string, error) {
	re, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		return nil, foundation.PluginSpec("invalid source pattern").
			WithCause(err).WithContext("pattern", pattern).Build()
	}
	var matches []string
	for _, name := range existing {
		// archived and temp collections never participate in builds
		if strings.Contains(name, "_archive_") || strings.Contains(name, "_temp_") {
			continue
		}
		if re.MatchString(name) {
			matches = append(matches, name)
		}
	}
	sort.Strings(matches)
	return matches, nil
}

// expandRoots computes the per-source root flag from the configured root
// list. All-negated lists mean "every source except these".
func expandRoots(root, resolved []string) (map[string]bool, error) {
	roots := map[string]bool{}
	if len(root) == 0 {
		for _, src := range resolved {
			roots[src] = true
		}
		return roots, nil
	}
	negated := strings.HasPrefix(root[0], "!")
	set := map[string]bool{}
	for _, entry := range root {
		if strings.HasPrefix(entry, "!") != negated {
			return nil, foundation.PluginSpec("root list mixes negated and plain entries").
				WithContext("root", strings.Join(root, ",")).Build()
		}
		set[strings.TrimPrefix(entry, "!")] = true
	}
	for _, src := range resolved {
		if negated {
			roots[src] = !set[src]
		} else {
			roots[src] = set[src]
		}
	}
	return roots, nil
}

// mergeSource streams one source's ids and merges them into the target in
// bounded parallel batches. Returns the number of documents written.
func (b *Builder) mergeSource(ctx context.Context, src string, target docstore.Collection, isRoot bool) (int, error) {
	mapper, err := b.mappers.Resolve(b.cfg.Mapper[src])
	if err != nil {
		return 0, err
	}
	col := b.source.Collection(src)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.MaxMergeWorkers)
	var total atomic.Int64

	err = col.IDs(ctx, b.cfg.BatchSize, func(ids []string) error {
		for start := 0; start < len(ids); start += b.cfg.MergeBatchSize {
			end := min(start+b.cfg.MergeBatchSize, len(ids))
			batch := append([]string(nil), ids[start:end]...)
			g.Go(func() error {
				n, err := b.mergeBatch(gctx, col, target, mapper, batch, isRoot)
				if err != nil {
					return err
				}
				total.Add(int64(n))
				return nil
			})
		}
		return gctx.Err()
	})
	if werr := g.Wait(); err == nil {
		err = werr
	}
	if err != nil {
		return 0, fmt.Errorf("merge %s: %w", src, err)
	}
	n := int(total.Load())
	slog.Debug("Source merged", logfields.BuildName(b.cfg.Name),
		logfields.Source(src), logfields.Count(n))
	return n, nil
}

func (b *Builder) mergeBatch(ctx context.Context, src, target docstore.Collection, mapper Mapper, ids []string, isRoot bool) (int, error) {
	docs, err := src.FindMany(ctx, ids)
	if err != nil {
		return 0, err
	}
	docs, err = mapper(ctx, docs)
	if err != nil {
		return 0, fmt.Errorf("mapper: %w", err)
	}
	ops := make([]docstore.BulkOp, 0, len(docs))
	for _, doc := range docs {
		id, err := docstore.ID(doc)
		if err != nil {
			return 0, err
		}
		kind := docstore.OpReplaceOne // upsert
		if !isRoot {
			kind = docstore.OpUpdateOne // enrich only
		}
		ops = append(ops, docstore.BulkOp{Kind: kind, ID: id, Doc: doc})
	}
	res, err := target.BulkWrite(ctx, ops)
	if err != nil {
		return 0, err
	}
	return res.NInserted + res.NModified, nil
}

// sourceReleases captures each merged source's dump release version.
func (b *Builder) sourceReleases(ctx context.Context, sources []string) (map[string]string, error) {
	releases := map[string]string{}
	for _, src := range sources {
		// sub-sources report under their main source's dump record
		main := src
		if idx := strings.Index(src, "."); idx > 0 {
			main = src[:idx]
		}
		rec, err := b.srcDump.FindOne(ctx, hubdb.Filter{"_id": main})
		if err != nil {
			return nil, err
		}
		if rec == nil {
			continue
		}
		if dl, ok := rec["download"].(map[string]any); ok {
			if release, _ := dl["release"].(string); release != "" {
				releases[src] = release
			}
		}
	}
	return releases, nil
}

// recordBuild appends a run to the config's capped build history.
func (b *Builder) recordBuild(ctx context.Context, targetName, status string, counts map[string]int, releases map[string]string, took time.Duration, buildErr error) error {
	entry := map[string]any{
		"target_name": targetName,
		"status":      status,
		"started_at":  time.Now().UTC().Add(-took).Format(time.RFC3339),
		"time":        took.String(),
		"time_in_s":   int(took.Seconds()),
	}
	if len(counts) > 0 {
		stats := map[string]any{}
		for src, n := range counts {
			stats[src] = n
		}
		entry["stats"] = stats
	}
	if len(releases) > 0 {
		versions := map[string]any{}
		for src, release := range releases {
			versions[src] = release
		}
		entry["src_version"] = versions
	}
	if buildErr != nil {
		entry["err"] = buildErr.Error()
	}

	if err := b.srcBuild.UpdateOne(ctx, hubdb.Filter{"_id": b.cfg.Name},
		hubdb.Mutation{Push: map[string]any{"build": entry}}, true); err != nil {
		return err
	}
	// cap the history from the front
	rec, err := b.srcBuild.FindOne(ctx, hubdb.Filter{"_id": b.cfg.Name})
	if err != nil {
		return err
	}
	if list, ok := rec["build"].([]any); ok && len(list) > b.cfg.BuildHistory {
		return b.srcBuild.UpdateOne(ctx, hubdb.Filter{"_id": b.cfg.Name},
			hubdb.Mutation{Set: map[string]any{"build": list[len(list)-b.cfg.BuildHistory:]}}, false)
	}
	return nil
}

// LastSuccess returns the most recent successful build entry, nil when
// none exists.
func (b *Builder) LastSuccess(ctx context.Context) (map[string]any, error) {
	rec, err := b.srcBuild.FindOne(ctx, hubdb.Filter{"_id": b.cfg.Name})
	if err != nil || rec == nil {
		return nil, err
	}
	list, _ := rec["build"].([]any)
	for i := len(list) - 1; i >= 0; i-- {
		if entry, ok := list[i].(map[string]any); ok {
			if status, _ := entry["status"].(string); status == "success" {
				return entry, nil
			}
		}
	}
	return nil, nil
}

// cleanTargets drops archived target collections beyond the keep bound.
// Only generated names of this configuration are swept; a sibling config
// whose name extends this one must not be caught by a bare prefix match.
func (b *Builder) cleanTargets(ctx context.Context) error {
	names, err := b.target.ListCollections(ctx)
	if err != nil {
		return err
	}
	generated := regexp.MustCompile("^" + regexp.QuoteMeta(b.cfg.Name) + `_\d{8}_\d{6}_[0-9a-f]{8}$`)
	var targets []string
	for _, name := range names {
		if generated.MatchString(name) {
			targets = append(targets, name)
		}
	}
	// names embed a timestamp, lexical order is age order
	sort.Sort(sort.Reverse(sort.StringSlice(targets)))
	for _, name := range targets[min(b.cfg.KeepTargets, len(targets)):] {
		slog.Debug("Dropping archived target", logfields.Collection(name))
		if err := b.target.Collection(name).Drop(ctx); err != nil {
			return err
		}
	}
	return nil
}

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
