package jobmanager

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	if opts.PredicatePoll == 0 {
		opts.PredicatePoll = 10 * time.Millisecond
	}
	m, err := New(opts)
	require.NoError(t, err)
	m.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Stop(ctx)
	})
	return m
}

func TestDeferLightResolvesResult(t *testing.T) {
	m := newTestManager(t, Options{})
	fut := m.DeferLight(context.Background(), PInfo{Category: CategoryDump, Source: "demo"},
		func(ctx context.Context) (any, error) { return 42, nil })

	res, err := fut.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, res)
}

func TestWorkerErrorPropagatesThroughFuture(t *testing.T) {
	m := newTestManager(t, Options{})
	boom := errors.New("boom")
	fut := m.DeferHeavy(context.Background(), PInfo{Category: CategoryBuild},
		func(ctx context.Context) (any, error) { return nil, boom })

	_, err := fut.Wait(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestBoundedParallelism(t *testing.T) {
	m := newTestManager(t, Options{HeavyWorkers: 2})

	var concurrent, peak int32
	block := make(chan struct{})
	var futs []*Future
	for i := 0; i < 5; i++ {
		futs = append(futs, m.DeferHeavy(context.Background(), PInfo{Category: CategoryBuild},
			func(ctx context.Context) (any, error) {
				cur := atomic.AddInt32(&concurrent, 1)
				for {
					old := atomic.LoadInt32(&peak)
					if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
						break
					}
				}
				<-block
				atomic.AddInt32(&concurrent, -1)
				return nil, nil
			}))
	}
	time.Sleep(100 * time.Millisecond)
	close(block)
	for _, f := range futs {
		_, err := f.Wait(context.Background())
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, peak, int32(2))
}

func TestPredicateGatingDefersExecution(t *testing.T) {
	m := newTestManager(t, Options{})

	release := make(chan struct{})
	dumper := m.DeferLight(context.Background(), PInfo{Category: CategoryDump, Source: "x"},
		func(ctx context.Context) (any, error) {
			<-release
			return nil, nil
		})

	// Give the dumper time to be admitted.
	require.Eventually(t, func() bool {
		for _, j := range m.Running() {
			if j.Category == CategoryDump && j.Status == StatusRunning {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	var uploadStarted atomic.Bool
	upload := m.DeferHeavy(context.Background(), PInfo{
		Category:   CategoryUpload,
		Source:     "x",
		Predicates: []Predicate{NoCategoryForSource(CategoryDump, "x")},
	}, func(ctx context.Context) (any, error) {
		uploadStarted.Store(true)
		return nil, nil
	})

	time.Sleep(50 * time.Millisecond)
	assert.False(t, uploadStarted.Load(), "upload must wait for the dumper")

	close(release)
	_, err := dumper.Wait(context.Background())
	require.NoError(t, err)
	_, err = upload.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, uploadStarted.Load())
}

func TestPredicateSoundnessNeverBothRunning(t *testing.T) {
	m := newTestManager(t, Options{LightWorkers: 4, HeavyWorkers: 4})

	check := func() {
		running := map[Category]bool{}
		for _, j := range m.Running() {
			if j.Status == StatusRunning && j.Source == "s" {
				running[j.Category] = true
			}
		}
		assert.False(t, running[CategoryDump] && running[CategoryUpload],
			"dump and upload for the same source must never run concurrently")
	}

	var futs []*Future
	for i := 0; i < 3; i++ {
		futs = append(futs, m.DeferLight(context.Background(), PInfo{
			Category:   CategoryDump,
			Source:     "s",
			Predicates: []Predicate{NoCategoryForSource(CategoryUpload, "s")},
		}, func(ctx context.Context) (any, error) {
			check()
			time.Sleep(5 * time.Millisecond)
			check()
			return nil, nil
		}))
		futs = append(futs, m.DeferHeavy(context.Background(), PInfo{
			Category:   CategoryUpload,
			Source:     "s",
			Predicates: []Predicate{NoCategoryForSource(CategoryDump, "s")},
		}, func(ctx context.Context) (any, error) {
			check()
			time.Sleep(5 * time.Millisecond)
			check()
			return nil, nil
		}))
	}
	for _, f := range futs {
		_, err := f.Wait(context.Background())
		require.NoError(t, err)
	}
}

func TestPanickingPredicateRetries(t *testing.T) {
	m := newTestManager(t, Options{})

	var calls atomic.Int32
	fut := m.DeferLight(context.Background(), PInfo{
		Category: CategoryDiff,
		Predicates: []Predicate{func(running []JobInfo) bool {
			if calls.Add(1) < 3 {
				panic("flaky predicate")
			}
			return true
		}},
	}, func(ctx context.Context) (any, error) { return "ok", nil })

	res, err := fut.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", res)
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestCancellationIsCooperative(t *testing.T) {
	m := newTestManager(t, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	fut := m.DeferLight(ctx, PInfo{Category: CategoryDump},
		func(ctx context.Context) (any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})
	<-started
	cancel()
	_, err := fut.Wait(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSubmitOneShot(t *testing.T) {
	m := newTestManager(t, Options{})
	done := make(chan struct{})
	_, err := m.Submit("once", func(ctx context.Context) error {
		close(done)
		return nil
	}, "")
	require.NoError(t, err)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("one-shot task never ran")
	}
}

func TestSubmitBadCron(t *testing.T) {
	m := newTestManager(t, Options{})
	_, err := m.Submit("bad", func(ctx context.Context) error { return nil }, "not a cron expr")
	assert.Error(t, err)
}
