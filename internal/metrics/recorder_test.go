package metrics

import (
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

// TestNoopRecorderIsSafe ensures all noop methods can be called freely.
func TestNoopRecorderIsSafe(t *testing.T) {
	var r Recorder = NoopRecorder{}
	r.ObserveOpDuration("dump", "demo", time.Second)
	r.IncOpResult("dump", ResultSuccess)
	r.ObserveStoredDocs("demo", 10)
	r.SetLiveJobs("upload", 2)
	r.IncDiffFiles(1)
	r.IncSyncApplied("es", 5)
}

func TestPrometheusRecorderRegisters(t *testing.T) {
	reg := prom.NewRegistry()
	r := NewPrometheusRecorder(reg)
	r.ObserveOpDuration("build", "demo_build", 2*time.Second)
	r.IncOpResult("build", ResultFailed)
	r.ObserveStoredDocs("demo", 100)
	r.IncDiffFiles(3)

	families, err := reg.Gather()
	assert.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["datahub_op_duration_seconds"])
	assert.True(t, names["datahub_op_results_total"])
	assert.True(t, names["datahub_diff_files_total"])
}

func TestNilPrometheusRecorderIsSafe(t *testing.T) {
	var r *PrometheusRecorder
	r.ObserveOpDuration("dump", "x", time.Second)
	r.IncOpResult("dump", ResultSuccess)
	r.SetLiveJobs("dump", 1)
	r.IncSyncApplied("mongo", 1)
}
