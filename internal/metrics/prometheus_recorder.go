package metrics

import (
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	once        sync.Once
	opDuration  *prom.HistogramVec
	opResults   *prom.CounterVec
	storedDocs  *prom.CounterVec
	liveJobs    *prom.GaugeVec
	diffFiles   prom.Counter
	syncApplied *prom.CounterVec
}

// NewPrometheusRecorder constructs and registers Prometheus metrics (idempotent).
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{}
	pr.once.Do(func() {
		pr.opDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "datahub",
			Name:      "op_duration_seconds",
			Help:      "Duration of hub operations (dump, upload, build, diff, sync)",
			Buckets:   prom.DefBuckets,
		}, []string{"op", "source"})
		pr.opResults = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "datahub",
			Name:      "op_results_total",
			Help:      "Operation outcomes by result",
		}, []string{"op", "result"})
		pr.storedDocs = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "datahub",
			Name:      "stored_documents_total",
			Help:      "Documents landed in source collections per source",
		}, []string{"source"})
		pr.liveJobs = prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: "datahub",
			Name:      "live_jobs",
			Help:      "Jobs currently tracked by the job manager",
		}, []string{"category"})
		pr.diffFiles = prom.NewCounter(prom.CounterOpts{
			Namespace: "datahub",
			Name:      "diff_files_total",
			Help:      "Diff files written",
		})
		pr.syncApplied = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "datahub",
			Name:      "sync_applied_total",
			Help:      "Diff operations applied per sync target backend",
		}, []string{"target"})
		reg.MustRegister(pr.opDuration, pr.opResults, pr.storedDocs, pr.liveJobs, pr.diffFiles, pr.syncApplied)
	})
	return pr
}

func (p *PrometheusRecorder) ObserveOpDuration(op, source string, d time.Duration) {
	if p == nil || p.opDuration == nil {
		return
	}
	p.opDuration.WithLabelValues(op, source).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncOpResult(op string, result ResultLabel) {
	if p == nil || p.opResults == nil {
		return
	}
	p.opResults.WithLabelValues(op, string(result)).Inc()
}

func (p *PrometheusRecorder) ObserveStoredDocs(source string, n int) {
	if p == nil || p.storedDocs == nil {
		return
	}
	p.storedDocs.WithLabelValues(source).Add(float64(n))
}

func (p *PrometheusRecorder) SetLiveJobs(category string, n int) {
	if p == nil || p.liveJobs == nil {
		return
	}
	p.liveJobs.WithLabelValues(category).Set(float64(n))
}

func (p *PrometheusRecorder) IncDiffFiles(n int) {
	if p == nil || p.diffFiles == nil {
		return
	}
	p.diffFiles.Add(float64(n))
}

func (p *PrometheusRecorder) IncSyncApplied(target string, n int) {
	if p == nil || p.syncApplied == nil {
		return
	}
	p.syncApplied.WithLabelValues(target).Add(float64(n))
}
