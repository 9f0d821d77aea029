// Package dumper implements the per-source download state machine and its
// protocol drivers. A dump walks check -> download -> post and persists
// every transition to the HubDB src_dump record, so a crashed or failed
// run re-checks with force on the next invocation.
package dumper

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/bioforge/datahub/internal/archive"
	"github.com/bioforge/datahub/internal/foundation"
	"github.com/bioforge/datahub/internal/hubdb"
	"github.com/bioforge/datahub/internal/logfields"
)

// Step names for the dump operation.
const (
	StepCheck    = "check"
	StepDownload = "download"
	StepPost     = "post"
)

// Status values persisted under download.status.
const (
	StatusChecking    = "checking"
	StatusDownloading = "downloading"
	StatusPost        = "post"
	StatusSuccess     = "success"
	StatusFailed      = "failed"
)

// Entry pairs one remote object with its local destination.
type Entry struct {
	Remote string
	Local  string
}

// Client abstracts protocol specifics: release derivation, freshness
// comparison and transfer.
type Client interface {
	// Release derives the release tag from the remote origin.
	Release(ctx context.Context) (string, error)
	// RemoteIsBetter reports whether the remote object should be
	// downloaded over the existing local file.
	RemoteIsBetter(ctx context.Context, remote, local string) (bool, error)
	// Download fetches one remote object into the local path.
	Download(ctx context.Context, remote, local string) error
}

// Config declares one source's dump behavior.
type Config struct {
	Source string
	URLs   []string
	// Archive keeps one folder per release; otherwise a single "latest"
	// folder is reused.
	Archive bool
	// Uncompress expands every archive under the new data folder during
	// the post step.
	Uncompress bool
	// AutoUpload flags the source pending upload after a successful dump.
	AutoUpload bool
	// Schedule is an optional cron expression for recurring dumps.
	Schedule string
	// MaxParallel bounds concurrent transfers; zero means 3.
	MaxParallel int

	// PostDownload runs after each file transfer (integrity hook).
	PostDownload func(ctx context.Context, localFile string) error
	// PostDump runs once after all transfers, before uncompress.
	PostDump func(ctx context.Context, dataFolder string) error
}

// Options select and modify steps for one invocation.
type Options struct {
	Steps     []string // default: check, download, post
	Force     bool
	CheckOnly bool
}

// Dumper drives one source's downloads.
type Dumper struct {
	cfg         Config
	client      Client
	srcDump     hubdb.Collection
	archiveRoot string
}

// New creates a dumper for one source.
func New(cfg Config, client Client, srcDump hubdb.Collection, archiveRoot string) *Dumper {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 3
	}
	return &Dumper{cfg: cfg, client: client, srcDump: srcDump, archiveRoot: archiveRoot}
}

// Source returns the source id this dumper owns.
func (d *Dumper) Source() string { return d.cfg.Source }

// Schedule returns the configured cron expression, empty for none.
func (d *Dumper) Schedule() string { return d.cfg.Schedule }

// DataFolder derives the folder for a release under archival rules.
func (d *Dumper) DataFolder(release string) string {
	if d.cfg.Archive {
		return filepath.Join(d.archiveRoot, d.cfg.Source, release)
	}
	return filepath.Join(d.archiveRoot, d.cfg.Source, "latest")
}

func (d *Dumper) record(ctx context.Context) (hubdb.Record, error) {
	return d.srcDump.FindOne(ctx, hubdb.Filter{"_id": d.cfg.Source})
}

func (d *Dumper) setStatus(ctx context.Context, set map[string]any) error {
	return d.srcDump.UpdateOne(ctx, hubdb.Filter{"_id": d.cfg.Source}, hubdb.Mutation{Set: set}, true)
}

// Dump runs the selected steps. With CheckOnly it returns the new release
// string (empty when the source is already current) without downloading.
func (d *Dumper) Dump(ctx context.Context, opts Options) (newRelease string, err error) {
	steps := opts.Steps
	if len(steps) == 0 {
		steps = []string{StepCheck, StepDownload, StepPost}
	}
	started := time.Now()

	defer func() {
		if err != nil {
			// The local folder is not rolled back; status=failed implies
			// force on the next run, which re-checks and re-downloads.
			_ = d.setStatus(ctx, map[string]any{
				"download.status": StatusFailed,
				"download.err":    err.Error(),
				"download.time":   time.Since(started).String(),
			})
		}
	}()

	rec, err := d.record(ctx)
	if err != nil {
		return "", err
	}
	force := opts.Force
	if rec != nil {
		if dl, ok := rec["download"].(map[string]any); ok {
			if st, _ := dl["status"].(string); st == StatusDownloading || st == StatusFailed {
				force = true
			}
		}
	}

	var release, dataFolder string
	var toDump []Entry

	for _, step := range steps {
		switch step {
		case StepCheck:
			release, toDump, err = d.check(ctx, rec, force)
			if err != nil {
				return "", foundation.TransientIO("release check failed").
					WithCause(err).WithContext("source", d.cfg.Source).Build()
			}
			dataFolder = d.DataFolder(release)
			if opts.CheckOnly {
				current := currentRelease(rec)
				if release != current && len(toDump) > 0 {
					return release, nil
				}
				return "", nil
			}
		case StepDownload:
			if release == "" {
				// download without a prior check reuses the current state
				release = currentRelease(rec)
				dataFolder = d.DataFolder(release)
			}
			if err := d.download(ctx, release, dataFolder, toDump, started); err != nil {
				return "", err
			}
		case StepPost:
			if dataFolder == "" {
				// post-only invocation reuses the current data folder
				dataFolder = currentDataFolder(rec)
				if dataFolder == "" {
					return "", foundation.NotReady("no data folder to post-process").
						WithContext("source", d.cfg.Source).Build()
				}
			}
			if err := d.post(ctx, dataFolder); err != nil {
				return "", err
			}
		default:
			return "", fmt.Errorf("unknown dump step %q", step)
		}
	}

	set := map[string]any{
		"download.status":    StatusSuccess,
		"download.time":      time.Since(started).String(),
		"download.time_in_s": int(time.Since(started).Seconds()),
		"download.err":       "",
	}
	if release != "" {
		set["download.release"] = release
		set["download.data_folder"] = d.DataFolder(release)
	}
	if err := d.setStatus(ctx, set); err != nil {
		return "", err
	}
	if d.cfg.AutoUpload {
		if err := d.srcDump.UpdateOne(ctx, hubdb.Filter{"_id": d.cfg.Source},
			hubdb.Mutation{AddToSet: map[string]any{"pending": "upload"}}, true); err != nil {
			return "", err
		}
	}
	slog.Info("Dump finished", logfields.Source(d.cfg.Source), logfields.Release(release))
	return release, nil
}

func currentRelease(rec hubdb.Record) string {
	if rec == nil {
		return ""
	}
	if dl, ok := rec["download"].(map[string]any); ok {
		r, _ := dl["release"].(string)
		return r
	}
	return ""
}

func currentDataFolder(rec hubdb.Record) string {
	if rec == nil {
		return ""
	}
	if dl, ok := rec["download"].(map[string]any); ok {
		f, _ := dl["data_folder"].(string)
		return f
	}
	return ""
}

// check derives the release and builds the to-download list.
func (d *Dumper) check(ctx context.Context, rec hubdb.Record, force bool) (string, []Entry, error) {
	if err := d.setStatus(ctx, map[string]any{
		"download.status":     StatusChecking,
		"download.started_at": time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		return "", nil, err
	}

	release, err := d.client.Release(ctx)
	if err != nil {
		return "", nil, err
	}
	folder := d.DataFolder(release)

	var toDump []Entry
	for _, raw := range d.cfg.URLs {
		local := filepath.Join(folder, remoteFilename(raw))
		if force {
			toDump = append(toDump, Entry{Remote: raw, Local: local})
			continue
		}
		better, err := d.client.RemoteIsBetter(ctx, raw, local)
		if err != nil {
			return "", nil, err
		}
		if better {
			toDump = append(toDump, Entry{Remote: raw, Local: local})
		}
	}
	slog.Debug("Dump check complete", logfields.Source(d.cfg.Source),
		logfields.Release(release), logfields.Count(len(toDump)))
	return release, toDump, nil
}

// download transfers all entries with bounded parallelism and joins them
// before returning.
func (d *Dumper) download(ctx context.Context, release, folder string, toDump []Entry, started time.Time) error {
	if len(toDump) == 0 {
		slog.Info("Nothing to download", logfields.Source(d.cfg.Source), logfields.Release(release))
		return nil
	}
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return err
	}
	if err := d.setStatus(ctx, map[string]any{
		"download.status":      StatusDownloading,
		"download.data_folder": folder,
		"download.release":     release,
		"download.logfile":     filepath.Join(folder, "dump.log"),
	}); err != nil {
		return err
	}

	sem := semaphore.NewWeighted(int64(d.cfg.MaxParallel))
	g, gctx := errgroup.WithContext(ctx)
	for _, entry := range toDump {
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			if err := d.client.Download(gctx, entry.Remote, entry.Local); err != nil {
				return foundation.TransientIO("download failed").
					WithCause(err).
					WithContext("remote", entry.Remote).Build()
			}
			if info, err := os.Stat(entry.Local); err == nil {
				slog.Info("Downloaded", logfields.Source(d.cfg.Source),
					logfields.URL(entry.Remote),
					slog.String("size", humanize.Bytes(uint64(info.Size()))))
			}
			if d.cfg.PostDownload != nil {
				if err := d.cfg.PostDownload(gctx, entry.Local); err != nil {
					return fmt.Errorf("post-download hook for %s: %w", entry.Local, err)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// post runs the state-preserving post_dump hook and optional uncompress.
func (d *Dumper) post(ctx context.Context, folder string) error {
	if err := d.setStatus(ctx, map[string]any{"download.status": StatusPost}); err != nil {
		return err
	}
	if d.cfg.PostDump != nil {
		if err := d.cfg.PostDump(ctx, folder); err != nil {
			return fmt.Errorf("post-dump hook: %w", err)
		}
	}
	if d.cfg.Uncompress {
		n, err := archive.UncompressAll(folder)
		if err != nil {
			return err
		}
		if n > 0 {
			slog.Debug("Uncompressed archives", logfields.Source(d.cfg.Source), logfields.Count(n))
		}
	}
	return nil
}

// remoteFilename extracts a destination filename from a raw URL.
func remoteFilename(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		if name := path.Base(u.Path); name != "/" && name != "." {
			return name
		}
	}
	return path.Base(raw)
}
