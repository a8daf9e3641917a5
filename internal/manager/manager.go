// Package manager owns the attachment download queue at runtime.
//
// One scheduler goroutine makes every decision: on each tick (and on wake-ups
// from immediate enqueues, visibility changes, retry deadlines and finished
// jobs) it asks the store for the highest-priority eligible jobs, marks them
// active and hands each to the runner on its own goroutine. Runner outcomes
// come back over a channel and are applied on the scheduler goroutine, so the
// in-memory active set has a single writer.
//
// Job lifecycle:
//
//	pending ──► active ──► finished            (row removed)
//	               │
//	               └─────► retry-pending ──► pending   (attempts++, retryAfter set)
//	                           │
//	                           └──► dropped     (attempts >= maxAttempts, row removed)
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/snehjoshi/attachq/internal/backoff"
	"github.com/snehjoshi/attachq/internal/retrytimer"
	"github.com/snehjoshi/attachq/internal/runner"
	"github.com/snehjoshi/attachq/internal/storage"
	"github.com/snehjoshi/attachq/internal/types"
	"github.com/snehjoshi/attachq/internal/visibility"
)

// ErrInvalidJob is returned by AddJob for jobs that could never succeed.
var ErrInvalidJob = types.ErrInvalidJob

// JobRunner executes one job. *runner.Runner implements it.
type JobRunner interface {
	Run(ctx context.Context, job *types.Job, isVisible bool) (runner.Result, error)
}

// Status is how a single run of a job ended.
type Status uint8

const (
	// StatusFinished means the run succeeded and the row was removed (or
	// replaced by its follow-up job).
	StatusFinished Status = iota
	// StatusRetry means the run failed and the job was rescheduled.
	StatusRetry
	// StatusDropped means the run failed and the job ran out of attempts.
	StatusDropped
)

// String returns a human-readable representation of the status.
func (s Status) String() string {
	switch s {
	case StatusFinished:
		return "finished"
	case StatusRetry:
		return "retry"
	case StatusDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Outcome describes the end of one run.
type Outcome struct {
	// Job is the job as dispatched; Job.Attempts identifies the run.
	Job    *types.Job
	Status Status
	// Result is set when Status is StatusFinished.
	Result runner.Result
	// Err is the runner error when Status is StatusRetry or StatusDropped.
	Err error
	// RetryAfter is the next eligible time (UTC ms) for StatusRetry.
	RetryAfter int64
}

// Options configures a Manager. Store and Runner are required.
type Options struct {
	Store  storage.JobStore
	Runner JobRunner

	// MaxConcurrentJobs caps in-flight runs. Default 3.
	MaxConcurrentJobs int

	// TickInterval is the regular scheduling cadence. Default 1s.
	TickInterval time.Duration

	// RetryConfig is consulted on every failed run. Default backoff.Default.
	RetryConfig func() backoff.Config

	// ShouldHoldOff, when it returns true, skips a tick entirely (e.g. while
	// a call is active). Default never.
	ShouldHoldOff func() bool

	Logger *slog.Logger

	// Now is the clock. Default time.Now.
	Now func() time.Time
}

type runKey struct {
	key      types.JobKey
	attempts int
}

type completion struct {
	job    *types.Job
	result runner.Result
	err    error
}

// Manager schedules attachment download jobs. All exported methods are safe
// for concurrent use.
type Manager struct {
	store         storage.JobStore
	runner        JobRunner
	maxConcurrent int
	tickInterval  time.Duration
	retryConfig   func() backoff.Config
	holdOff       func() bool
	logger        *slog.Logger
	now           func() time.Time

	visible *visibility.Tracker

	// wake (cap 1) requests an out-of-band scheduling pass.
	wake        chan struct{}
	completions chan completion

	mu sync.Mutex
	// active is written only by the scheduler goroutine; mu lets other
	// goroutines read it.
	active map[types.JobKey]*types.Job
	// addSeq counts AddJob upserts. lastAdd holds the addSeq of the latest
	// upsert per key and readSeq the addSeq seen by the store read that
	// dispatched an active key. lastAdd > readSeq means the row was reset
	// after the running copy was read.
	addSeq      uint64
	lastAdd     map[types.JobKey]uint64
	readSeq     map[types.JobKey]uint64
	startWait   map[runKey][]chan struct{}
	doneWait    map[runKey][]chan Outcome
	onAdded     []func(*types.Job, types.Urgency)
	onStarted   []func(*types.Job)
	onCompleted []func(Outcome)

	// addMu is held shared by AddJob across its upsert and addSeq bump, and
	// exclusively by tick across its store read, so every upsert lands
	// wholly before or wholly after a read. Acquired before mu.
	addMu sync.RWMutex

	lifecycle sync.Mutex
	running   bool
	stop      chan struct{}
	done      chan struct{}
	timer     *retrytimer.Timer
}

// New builds a Manager. Call Start to begin scheduling.
func New(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("manager: store is required")
	}
	if opts.Runner == nil {
		return nil, errors.New("manager: runner is required")
	}
	if opts.MaxConcurrentJobs <= 0 {
		opts.MaxConcurrentJobs = 3
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.RetryConfig == nil {
		opts.RetryConfig = backoff.Default
	}
	if opts.ShouldHoldOff == nil {
		opts.ShouldHoldOff = func() bool { return false }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Manager{
		store:         opts.Store,
		runner:        opts.Runner,
		maxConcurrent: opts.MaxConcurrentJobs,
		tickInterval:  opts.TickInterval,
		retryConfig:   opts.RetryConfig,
		holdOff:       opts.ShouldHoldOff,
		logger:        opts.Logger,
		now:           opts.Now,
		visible:       visibility.NewTracker(),
		wake:          make(chan struct{}, 1),
		completions:   make(chan completion, opts.MaxConcurrentJobs),
		active:        make(map[types.JobKey]*types.Job),
		lastAdd:       make(map[types.JobKey]uint64),
		readSeq:       make(map[types.JobKey]uint64),
		startWait:     make(map[runKey][]chan struct{}),
		doneWait:      make(map[runKey][]chan Outcome),
	}, nil
}

// ─── Public API ───────────────────────────────────────────────────────────────

// AddJob persists job, resetting attempts and retryAfter if a job with the
// same key already exists. UrgencyImmediate triggers a scheduling pass right
// away; UrgencyStandard waits for the next tick. AddJob works whether or not
// the Manager is started.
func (m *Manager) AddJob(ctx context.Context, job *types.Job, urgency types.Urgency) error {
	if job == nil {
		return fmt.Errorf("%w: nil job", ErrInvalidJob)
	}
	if err := job.Validate(); err != nil {
		return err
	}
	key := job.Key()

	m.addMu.RLock()
	if err := m.store.UpsertJob(ctx, job); err != nil {
		m.addMu.RUnlock()
		return fmt.Errorf("manager: add job %s: %w", key, err)
	}
	m.mu.Lock()
	m.addSeq++
	m.lastAdd[key] = m.addSeq
	observers := m.onAdded
	timer := m.timer
	m.mu.Unlock()
	m.addMu.RUnlock()

	// The reset row is eligible now; an armed retry wake-up is stale.
	if timer != nil {
		timer.Disarm(key.String())
	}
	m.logger.Info("download job added", "key", key.String(), "urgency", urgency.String())
	for _, fn := range observers {
		fn(job.Clone(), urgency)
	}

	if urgency == types.UrgencyImmediate {
		m.poke()
	}
	return nil
}

// UpdateVisibleTimelineMessages replaces the set of on-screen message ids.
// A change triggers a scheduling pass so visible attachments jump the queue.
func (m *Manager) UpdateVisibleTimelineMessages(messageIDs []string) {
	if m.visible.Replace(messageIDs) {
		m.poke()
	}
}

// WaitForJobToBeStarted returns a channel closed when the run of job
// identified by (job.Key(), job.Attempts) is marked active.
func (m *Manager) WaitForJobToBeStarted(job *types.Job) <-chan struct{} {
	ch := make(chan struct{})
	rk := runKey{key: job.Key(), attempts: job.Attempts}
	m.mu.Lock()
	m.startWait[rk] = append(m.startWait[rk], ch)
	m.mu.Unlock()
	return ch
}

// WaitForJobToBeCompleted returns a channel that receives the Outcome of the
// run identified by (job.Key(), job.Attempts), whether it finished, was
// rescheduled or was dropped.
func (m *Manager) WaitForJobToBeCompleted(job *types.Job) <-chan Outcome {
	ch := make(chan Outcome, 1)
	rk := runKey{key: job.Key(), attempts: job.Attempts}
	m.mu.Lock()
	m.doneWait[rk] = append(m.doneWait[rk], ch)
	m.mu.Unlock()
	return ch
}

// OnJobAdded registers fn to run on the caller's goroutine after each
// successful AddJob. fn must not block.
func (m *Manager) OnJobAdded(fn func(*types.Job, types.Urgency)) {
	m.mu.Lock()
	m.onAdded = append(m.onAdded, fn)
	m.mu.Unlock()
}

// OnJobStarted registers fn to run on the scheduler goroutine each time a job
// is marked active. fn must not block.
func (m *Manager) OnJobStarted(fn func(*types.Job)) {
	m.mu.Lock()
	m.onStarted = append(m.onStarted, fn)
	m.mu.Unlock()
}

// OnJobCompleted registers fn to run on the scheduler goroutine each time a
// run ends. fn must not block.
func (m *Manager) OnJobCompleted(fn func(Outcome)) {
	m.mu.Lock()
	m.onCompleted = append(m.onCompleted, fn)
	m.mu.Unlock()
}

// ActiveJobs returns copies of the jobs currently running.
func (m *Manager) ActiveJobs() []*types.Job {
	m.mu.Lock()
	out := make([]*types.Job, 0, len(m.active))
	for _, job := range m.active {
		out = append(out, job.Clone())
	}
	m.mu.Unlock()
	types.SortByPriority(out, m.visible.Contains)
	return out
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	Running           bool `json:"running"`
	Active            int  `json:"active"`
	MaxConcurrentJobs int  `json:"max_concurrent_jobs"`
	Visible           int  `json:"visible"`
	HoldingOff        bool `json:"holding_off"`
	// RetriesArmed counts backed-off jobs with a pending wake-up.
	RetriesArmed int `json:"retries_armed"`
}

// Stats returns a snapshot of scheduler state.
func (m *Manager) Stats() Stats {
	m.lifecycle.Lock()
	running := m.loopAlive()
	m.lifecycle.Unlock()

	m.mu.Lock()
	active := len(m.active)
	timer := m.timer
	m.mu.Unlock()

	armed := 0
	if timer != nil {
		armed = timer.Len()
	}
	return Stats{
		Running:           running,
		Active:            active,
		MaxConcurrentJobs: m.maxConcurrent,
		Visible:           m.visible.Len(),
		HoldingOff:        m.holdOff(),
		RetriesArmed:      armed,
	}
}

// Start clears stale active flags left by a previous process, then launches
// the scheduler goroutine. Calling Start on a running Manager is a no-op.
func (m *Manager) Start(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if m.loopAlive() {
		return nil
	}
	if m.running {
		// The loop exited on its own when the previous Start ctx ended.
		m.timer.Stop()
		m.running = false
	}

	n, err := m.store.ResetActive(ctx)
	if err != nil {
		return fmt.Errorf("manager: reset active jobs: %w", err)
	}
	if n > 0 {
		m.logger.Info("download jobs recovered from previous run", "count", n)
	}

	timer := retrytimer.New()
	timer.Start(ctx, func(string) { m.poke() })
	m.mu.Lock()
	m.timer = timer
	m.mu.Unlock()

	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	m.running = true

	go m.run(ctx, m.stop, m.done)
	m.poke()
	m.logger.Info("download manager started",
		"max_concurrent_jobs", m.maxConcurrent,
		"tick_interval", m.tickInterval.String(),
	)
	return nil
}

// Stop halts scheduling and waits for in-flight runs to finish and be
// recorded. Runs are never cancelled mid-flight. Stop on a stopped Manager is
// a no-op.
func (m *Manager) Stop() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if !m.running {
		return
	}
	close(m.stop)
	<-m.done
	m.timer.Stop()
	m.running = false
	m.logger.Info("download manager stopped")
}

// loopAlive reports whether the scheduler goroutine is running. The loop also
// exits when the ctx given to Start is cancelled. Callers hold lifecycle.
func (m *Manager) loopAlive() bool {
	if !m.running {
		return false
	}
	select {
	case <-m.done:
		return false
	default:
		return true
	}
}

// ─── Scheduler goroutine ──────────────────────────────────────────────────────

func (m *Manager) poke() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) run(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	// Runs and their bookkeeping outlive Stop and ctx cancellation.
	jobCtx := context.WithoutCancel(ctx)

	ticker := time.NewTicker(m.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.drain(jobCtx)
			return
		case <-stop:
			m.drain(jobCtx)
			return
		case <-ticker.C:
			m.tick(ctx, jobCtx)
		case <-m.wake:
			m.tick(ctx, jobCtx)
		case c := <-m.completions:
			m.complete(jobCtx, c)
			m.tick(ctx, jobCtx)
		}
	}
}

// drain records every in-flight run without starting new ones.
func (m *Manager) drain(jobCtx context.Context) {
	for m.activeCount() > 0 {
		m.complete(jobCtx, <-m.completions)
	}
}

func (m *Manager) activeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// tick is one scheduling pass. It only ever runs on the scheduler goroutine,
// so two passes can never overlap.
func (m *Manager) tick(ctx, jobCtx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if m.holdOff() {
		m.logger.Debug("download manager holding off")
		return
	}

	m.addMu.Lock()
	m.mu.Lock()
	available := m.maxConcurrent - len(m.active)
	exclude := make(map[types.JobKey]struct{}, len(m.active))
	for key := range m.active {
		exclude[key] = struct{}{}
	}
	// Upserts recorded so far can only matter to runs already in flight.
	for key := range m.lastAdd {
		if _, running := m.active[key]; !running {
			delete(m.lastAdd, key)
		}
	}
	seq := m.addSeq
	m.mu.Unlock()
	if available <= 0 {
		m.addMu.Unlock()
		return
	}

	visible := m.visible.Snapshot()
	jobs, err := m.store.GetNextJobs(ctx, storage.NextJobsOptions{
		Limit:   available,
		NowMs:   m.now().UnixMilli(),
		Visible: visible.IDs(),
		Exclude: exclude,
	})
	m.addMu.Unlock()
	if err != nil {
		m.logger.Error("download manager: fetch next jobs", "err", err)
		return
	}

	for _, job := range jobs {
		if _, dup := exclude[job.Key()]; dup {
			continue
		}
		if err := m.dispatch(ctx, jobCtx, job, visible.Contains(job.MessageID), seq); err != nil {
			m.logger.Error("download manager: start job", "key", job.Key().String(), "err", err)
		}
	}
}

func (m *Manager) dispatch(ctx, jobCtx context.Context, job *types.Job, isVisible bool, seq uint64) error {
	key := job.Key()
	if err := m.store.MarkJobActive(ctx, key, true); err != nil {
		return err
	}
	job.Active = true
	job.LastAttemptTimestamp = m.now().UnixMilli()

	m.mu.Lock()
	m.active[key] = job
	m.readSeq[key] = seq
	rk := runKey{key: key, attempts: job.Attempts}
	waiters := m.startWait[rk]
	delete(m.startWait, rk)
	observers := m.onStarted
	m.mu.Unlock()

	m.logger.Info("download job started",
		"key", key.String(),
		"attempts", job.Attempts,
		"visible", isVisible,
	)
	for _, ch := range waiters {
		close(ch)
	}
	for _, fn := range observers {
		fn(job.Clone())
	}

	go func(job *types.Job) {
		res, err := m.runner.Run(jobCtx, job, isVisible)
		m.completions <- completion{job: job, result: res, err: err}
	}(job.Clone())
	return nil
}

// complete applies one runner outcome to the store and the active set.
// Whenever the store write that ends a run fails, the row's active flag is
// cleared instead so the next tick can pick the job up again.
func (m *Manager) complete(ctx context.Context, c completion) {
	job := c.job
	key := job.Key()

	m.mu.Lock()
	delete(m.active, key)
	readded := m.lastAdd[key] > m.readSeq[key]
	delete(m.readSeq, key)
	delete(m.lastAdd, key)
	timer := m.timer
	m.mu.Unlock()

	out := Outcome{Job: job, Result: c.result, Err: c.err}
	log := m.logger.With("key", key.String(), "attempts", job.Attempts)

	switch {
	case readded:
		// AddJob reset the row while this run was in flight. The fresh row
		// wins whatever the run did; it only needs its active flag cleared.
		out.Status = StatusRetry
		if c.err == nil {
			out.Status = StatusFinished
		}
		m.release(ctx, key, log)
		log.Info("download job re-added while running, fresh row kept",
			"status", out.Status.String(), "err", c.err)

	case c.err == nil:
		out.Status = StatusFinished
		if timer != nil {
			timer.Disarm(key.String())
		}
		m.finish(ctx, job, c.result, log)

	default:
		cfg := m.retryConfig()
		attempts := job.Attempts + 1
		if cfg.Exhausted(attempts) {
			out.Status = StatusDropped
			if timer != nil {
				timer.Disarm(key.String())
			}
			if err := m.store.RemoveJob(ctx, key); err != nil && !errors.Is(err, storage.ErrNotFound) {
				log.Error("download job: remove dropped job", "err", err)
				m.release(ctx, key, log)
			}
			log.Warn("download job dropped after max attempts", "max_attempts", cfg.MaxAttempts, "err", c.err)
			break
		}

		now := m.now()
		delay := backoff.NextRetryDelay(attempts, cfg)
		next := job.Clone()
		next.Active = false
		next.Attempts = attempts
		next.RetryAfter = now.Add(delay).UnixMilli()
		next.LastAttemptTimestamp = now.UnixMilli()

		out.Status = StatusRetry
		if err := m.store.UpdateJob(ctx, next); err != nil {
			log.Error("download job: persist retry", "run_err", c.err, "err", err)
			m.release(ctx, key, log)
			break
		}
		out.RetryAfter = next.RetryAfter
		if timer != nil {
			timer.Arm(key.String(), next.RetryAfter)
		}
		log.Warn("download job failed, will retry", "retry_in", delay.String(), "err", c.err)
	}

	rk := runKey{key: key, attempts: job.Attempts}
	m.mu.Lock()
	waiters := m.doneWait[rk]
	delete(m.doneWait, rk)
	observers := m.onCompleted
	m.mu.Unlock()

	for _, ch := range waiters {
		ch <- out
	}
	for _, fn := range observers {
		fn(out)
	}
}

func (m *Manager) finish(ctx context.Context, job *types.Job, res runner.Result, log *slog.Logger) {
	key := job.Key()
	if res.OnlyAttemptedBackupThumbnail && res.Job != nil {
		// Keep the row with the thumbnail recorded; the next run goes
		// straight for full resolution.
		if err := m.store.UpsertJob(ctx, res.Job); err != nil {
			log.Error("download job: queue full-size follow-up", "err", err)
			m.release(ctx, key, log)
			return
		}
		log.Info("download job fetched backup thumbnail, full size queued")
		return
	}
	if err := m.store.RemoveJob(ctx, key); err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.Error("download job: remove finished job", "err", err)
		m.release(ctx, key, log)
		return
	}
	log.Info("download job finished", "variant", res.Variant.String())
}

// release clears the active flag of a row no run owns any more.
func (m *Manager) release(ctx context.Context, key types.JobKey, log *slog.Logger) {
	if err := m.store.MarkJobActive(ctx, key, false); err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.Error("download job: clear active flag", "err", err)
	}
}
