// Package jobmanager is the single point that turns a request for work
// into a running unit. It maintains two bounded pools (light for blocking
// IO, heavy for compute), a live job table used for introspection and
// predicate-based admission control, and an optional cron scheduler for
// recurring tasks.
package jobmanager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"github.com/bioforge/datahub/internal/logfields"
)

// Category names the kind of work a job performs; predicates key on it.
type Category string

const (
	CategoryDump    Category = "dump"
	CategoryUpload  Category = "upload"
	CategoryBuild   Category = "build"
	CategoryDiff    Category = "diff"
	CategorySync    Category = "sync"
	CategoryIndex   Category = "index"
	CategoryInspect Category = "inspect"
)

// PInfo describes a unit of work for live introspection and gating.
type PInfo struct {
	Category    Category
	Source      string
	Step        string
	Description string
	// Predicates must all return true against the live job table before
	// the job is admitted. A panicking predicate counts as "not ready".
	Predicates []Predicate
}

// Predicate is a boolean function over the currently running jobs.
type Predicate func(running []JobInfo) bool

// JobStatus tracks a job through the manager.
type JobStatus string

const (
	StatusPending JobStatus = "pending" // waiting on a slot or predicates
	StatusRunning JobStatus = "running"
	StatusDone    JobStatus = "done"
	StatusFailed  JobStatus = "failed"
)

// JobInfo is a snapshot row of the live job table.
type JobInfo struct {
	ID          string
	Category    Category
	Source      string
	Step        string
	Description string
	Status      JobStatus
	StartedAt   time.Time
}

// Future resolves with a worker's result or rejects with its error.
type Future struct {
	done   chan struct{}
	result any
	err    error
}

func newFuture() *Future { return &Future{done: make(chan struct{})} }

func (f *Future) resolve(result any, err error) {
	f.result = result
	f.err = err
	close(f.done)
}

// Done returns a channel closed when the future resolves.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the future resolves or ctx expires.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.done:
		return f.result, f.err
	}
}

// WorkerFn is the unit of work run in a pool. The context is cancelled
// on manager shutdown or handle cancellation; running code is expected to
// honor it cooperatively.
type WorkerFn func(ctx context.Context) (any, error)

// Options tunes a manager.
type Options struct {
	LightWorkers  int
	HeavyWorkers  int
	QueueSize     int
	PredicatePoll time.Duration
}

// Manager owns the pools, the live job table and the scheduler.
type Manager struct {
	light *pool
	heavy *pool

	mu   sync.Mutex
	jobs map[string]*JobInfo

	scheduler gocron.Scheduler
	poll      time.Duration

	baseCtx    context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup
	stopping   bool
}

type pool struct {
	slots chan struct{}
}

func newPool(n int) *pool { return &pool{slots: make(chan struct{}, n)} }

func (p *pool) acquire(ctx context.Context) error {
	select {
	case p.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pool) release() { <-p.slots }

// New creates a stopped manager; call Start before deferring work.
func New(opts Options) (*Manager, error) {
	if opts.LightWorkers <= 0 {
		opts.LightWorkers = 8
	}
	if opts.HeavyWorkers <= 0 {
		opts.HeavyWorkers = 4
	}
	if opts.PredicatePoll <= 0 {
		opts.PredicatePoll = time.Second
	}
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	return &Manager{
		light:     newPool(opts.LightWorkers),
		heavy:     newPool(opts.HeavyWorkers),
		jobs:      map[string]*JobInfo{},
		scheduler: sched,
		poll:      opts.PredicatePoll,
	}, nil
}

// Start begins the scheduler and arms the base context.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	m.baseCtx, m.cancelBase = context.WithCancel(ctx)
	m.stopping = false
	m.mu.Unlock()
	m.scheduler.Start()
	slog.Info("Job manager started")
}

// Stop shuts the scheduler down, cancels pending work and waits for
// in-flight workers, bounded by ctx.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	m.stopping = true
	cancel := m.cancelBase
	m.mu.Unlock()
	if err := m.scheduler.Shutdown(); err != nil {
		slog.Warn("Scheduler shutdown failed", logfields.Error(err))
	}
	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DeferLight runs fn in the light (blocking-IO) pool.
func (m *Manager) DeferLight(ctx context.Context, pinfo PInfo, fn WorkerFn) *Future {
	return m.defer_(ctx, m.light, pinfo, fn)
}

// DeferHeavy runs fn in the heavy (compute) pool.
func (m *Manager) DeferHeavy(ctx context.Context, pinfo PInfo, fn WorkerFn) *Future {
	return m.defer_(ctx, m.heavy, pinfo, fn)
}

func (m *Manager) defer_(ctx context.Context, p *pool, pinfo PInfo, fn WorkerFn) *Future {
	fut := newFuture()

	m.mu.Lock()
	if m.stopping || m.baseCtx == nil {
		m.mu.Unlock()
		fut.resolve(nil, fmt.Errorf("job manager is not running"))
		return fut
	}
	base := m.baseCtx
	job := &JobInfo{
		ID:          uuid.NewString(),
		Category:    pinfo.Category,
		Source:      pinfo.Source,
		Step:        pinfo.Step,
		Description: pinfo.Description,
		Status:      StatusPending,
	}
	m.jobs[job.ID] = job
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.jobs, job.ID)
			m.mu.Unlock()
		}()

		runCtx, cancel := mergeContexts(base, ctx)
		defer cancel()

		if err := m.admit(runCtx, p, job, pinfo.Predicates); err != nil {
			fut.resolve(nil, err)
			return
		}
		defer p.release()
		defer func() {
			m.mu.Lock()
			if fut.err != nil {
				job.Status = StatusFailed
			} else {
				job.Status = StatusDone
			}
			m.mu.Unlock()
		}()

		result, err := fn(runCtx)
		fut.resolve(result, err)
	}()
	return fut
}

// admit acquires a pool slot and then atomically verifies predicates
// against the running set before marking the job running. A slot is never
// held while predicates are unsatisfied.
func (m *Manager) admit(ctx context.Context, p *pool, job *JobInfo, preds []Predicate) error {
	for {
		if err := p.acquire(ctx); err != nil {
			return err
		}
		m.mu.Lock()
		if m.predicatesPassLocked(job.ID, preds) {
			job.Status = StatusRunning
			job.StartedAt = time.Now()
			m.mu.Unlock()
			return nil
		}
		m.mu.Unlock()
		p.release()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.poll):
		}
	}
}

func (m *Manager) predicatesPassLocked(selfID string, preds []Predicate) bool {
	if len(preds) == 0 {
		return true
	}
	var running []JobInfo
	for id, j := range m.jobs {
		if id != selfID && j.Status == StatusRunning {
			running = append(running, *j)
		}
	}
	for _, pred := range preds {
		if !safePredicate(pred, running) {
			return false
		}
	}
	return true
}

// safePredicate treats a panicking predicate as "not ready, retry".
func safePredicate(pred Predicate, running []JobInfo) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("Predicate panicked, treating as not ready", slog.Any("panic", r))
			ok = false
		}
	}()
	return pred(running)
}

// Running returns a snapshot of all tracked jobs.
func (m *Manager) Running() []JobInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]JobInfo, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, *j)
	}
	return out
}

// Submit runs task once, or on a cron schedule when schedule is non-empty.
// The returned Handle cancels future (and pending) invocations.
func (m *Manager) Submit(name string, task func(ctx context.Context) error, schedule string) (*Handle, error) {
	m.mu.Lock()
	if m.baseCtx == nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("job manager is not running")
	}
	base := m.baseCtx
	m.mu.Unlock()

	ctx, cancel := context.WithCancel(base)
	h := &Handle{name: name, cancel: cancel}

	run := func() {
		if ctx.Err() != nil {
			return
		}
		if err := task(ctx); err != nil && ctx.Err() == nil {
			slog.Error("Submitted task failed", slog.String("task", name), logfields.Error(err))
		}
	}

	if schedule == "" {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			run()
		}()
		return h, nil
	}

	job, err := m.scheduler.NewJob(
		gocron.CronJob(schedule, false),
		gocron.NewTask(run),
		gocron.WithName(name),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to schedule task %q: %w", name, err)
	}
	h.jobID = job.ID().String()
	h.removeJob = func() { _ = m.scheduler.RemoveJob(job.ID()) }
	return h, nil
}

// Every runs task at a fixed interval; used by polling loops.
func (m *Manager) Every(name string, interval time.Duration, task func(ctx context.Context) error) (*Handle, error) {
	m.mu.Lock()
	if m.baseCtx == nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("job manager is not running")
	}
	base := m.baseCtx
	m.mu.Unlock()

	ctx, cancel := context.WithCancel(base)
	h := &Handle{name: name, cancel: cancel}
	job, err := m.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if ctx.Err() != nil {
				return
			}
			if err := task(ctx); err != nil && ctx.Err() == nil {
				slog.Error("Polling task failed", slog.String("task", name), logfields.Error(err))
			}
		}),
		gocron.WithName(name),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to schedule polling task %q: %w", name, err)
	}
	h.jobID = job.ID().String()
	h.removeJob = func() { _ = m.scheduler.RemoveJob(job.ID()) }
	return h, nil
}

// Handle identifies a submitted task.
type Handle struct {
	name      string
	jobID     string
	cancel    context.CancelFunc
	removeJob func()
}

// Cancel signals workers cooperatively and removes any schedule. Already
// running worker code is not forcefully terminated.
func (h *Handle) Cancel() {
	if h.removeJob != nil {
		h.removeJob()
	}
	h.cancel()
}

// Name returns the task name given at submission.
func (h *Handle) Name() string { return h.name }

// mergeContexts returns a context cancelled when either parent is.
func mergeContexts(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	if b == nil {
		return ctx, cancel
	}
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
