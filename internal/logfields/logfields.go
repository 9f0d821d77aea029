package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeySource     = "source"
	KeySubSource  = "sub_source"
	KeyRelease    = "release"
	KeyStep       = "step"
	KeyJobID      = "job_id"
	KeyJobType    = "job_type"
	KeyBuildName  = "build_name"
	KeyTarget     = "target"
	KeyCollection = "collection"
	KeyPlugin     = "plugin"
	KeyBackend    = "backend"
	KeyURL        = "url"
	KeyPath       = "path"
	KeyCount      = "count"
	KeyBatch      = "batch"
	KeyDurationMS = "duration_ms"
	KeyError      = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func Source(s string) slog.Attr       { return slog.String(KeySource, s) }
func SubSource(s string) slog.Attr    { return slog.String(KeySubSource, s) }
func Release(r string) slog.Attr      { return slog.String(KeyRelease, r) }
func Step(s string) slog.Attr         { return slog.String(KeyStep, s) }
func JobID(id string) slog.Attr       { return slog.String(KeyJobID, id) }
func JobType(t string) slog.Attr      { return slog.String(KeyJobType, t) }
func BuildName(n string) slog.Attr    { return slog.String(KeyBuildName, n) }
func Target(t string) slog.Attr       { return slog.String(KeyTarget, t) }
func Collection(c string) slog.Attr   { return slog.String(KeyCollection, c) }
func Plugin(p string) slog.Attr       { return slog.String(KeyPlugin, p) }
func Backend(b string) slog.Attr      { return slog.String(KeyBackend, b) }
func URL(u string) slog.Attr          { return slog.String(KeyURL, u) }
func Path(p string) slog.Attr         { return slog.String(KeyPath, p) }
func Count(n int) slog.Attr           { return slog.Int(KeyCount, n) }
func Batch(n int) slog.Attr           { return slog.Int(KeyBatch, n) }
func DurationMS(ms float64) slog.Attr { return slog.Float64(KeyDurationMS, ms) }

func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
