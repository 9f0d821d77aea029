// Package metrics provides observability hooks for hub operations.
// Components receive a Recorder through dependency injection; the default
// NoopRecorder makes metrics strictly optional.
package metrics

import "time"

// ResultLabel enumerates operation result categories for counters.
type ResultLabel string

const (
	ResultSuccess  ResultLabel = "success"
	ResultFailed   ResultLabel = "failed"
	ResultCanceled ResultLabel = "canceled"
)

// Recorder defines observability hooks for hub operations. Implementations
// must be safe to call from multiple goroutines.
type Recorder interface {
	ObserveOpDuration(op, source string, d time.Duration)
	IncOpResult(op string, result ResultLabel)
	ObserveStoredDocs(source string, n int)
	SetLiveJobs(category string, n int)
	IncDiffFiles(n int)
	IncSyncApplied(target string, n int)
}

// NoopRecorder is a Recorder that does nothing (default when metrics are
// not configured).
type NoopRecorder struct{}

func (NoopRecorder) ObserveOpDuration(string, string, time.Duration) {}
func (NoopRecorder) IncOpResult(string, ResultLabel)                 {}
func (NoopRecorder) ObserveStoredDocs(string, int)                   {}
func (NoopRecorder) SetLiveJobs(string, int)                         {}
func (NoopRecorder) IncDiffFiles(int)                                {}
func (NoopRecorder) IncSyncApplied(string, int)                      {}
