// Package worker executes queued quantization jobs under a fixed
// concurrency limit.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"quantforge/backend/features/job"
	"quantforge/backend/internal/engine"
	"quantforge/backend/internal/middleware"
	"quantforge/backend/internal/notify"
	"quantforge/backend/internal/queue"
)

type Jobs interface {
	Get(ctx context.Context, id string) (*job.Job, error)
	MarkProcessing(ctx context.Context, id string) (*job.Job, error)
	Complete(ctx context.Context, id, outputRef string, quantizedSize int64) (*job.Job, error)
	Fail(ctx context.Context, id, reason string) (*job.Job, error)
	UpdateProgress(ctx context.Context, id string, pct int) error
}

type Queue interface {
	Enqueue(ctx context.Context, jobID string, tier queue.Tier) error
	Dequeue(ctx context.Context) (string, bool, error)
}

type Storage interface {
	Fetch(ctx context.Context, ref, destDir string) (string, error)
	Store(ctx context.Context, localPath string) (string, error)
}

type Notifier interface {
	Notify(ctx context.Context, ownerID, event string, payload any) error
}

// Pool pulls job ids from the queue and runs each one through fetch,
// engine, store and the terminal transition. At most maxConcurrent jobs are
// processing at any moment.
type Pool struct {
	jobs     Jobs
	queue    Queue
	engine   engine.Engine
	storage  Storage
	notifier Notifier
	inflight *InFlight
	logger   *slog.Logger

	maxConcurrent int
	pollInterval  time.Duration
	jobTimeout    time.Duration
	workDir       string

	slots *semaphore.Weighted
}

type Option func(*Pool)

func WithMaxConcurrent(n int) Option {
	return func(p *Pool) { p.maxConcurrent = n }
}

func WithPollInterval(d time.Duration) Option {
	return func(p *Pool) { p.pollInterval = d }
}

func WithJobTimeout(d time.Duration) Option {
	return func(p *Pool) { p.jobTimeout = d }
}

// WithWorkDir sets the parent of the per-job scratch directories.
func WithWorkDir(dir string) Option {
	return func(p *Pool) { p.workDir = dir }
}

func NewPool(jobs Jobs, q Queue, eng engine.Engine, storage Storage, notifier Notifier, inflight *InFlight, logger *slog.Logger, opts ...Option) *Pool {
	p := &Pool{
		jobs:          jobs,
		queue:         q,
		engine:        eng,
		storage:       storage,
		notifier:      notifier,
		inflight:      inflight,
		logger:        logger,
		maxConcurrent: 2,
		pollInterval:  5 * time.Second,
		jobTimeout:    time.Hour,
		workDir:       filepath.Join(os.TempDir(), "quantforge"),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.maxConcurrent < 1 {
		p.maxConcurrent = 1
	}
	p.slots = semaphore.NewWeighted(int64(p.maxConcurrent))
	return p
}

// Run dispatches jobs until ctx is cancelled, then waits for the jobs it
// already started. Running jobs are not cancelled by ctx; each is bounded
// by the job timeout instead.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.InfoContext(ctx, "worker pool starting",
		"max_concurrent", p.maxConcurrent, "poll_interval", p.pollInterval, "job_timeout", p.jobTimeout)

	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		p.logger.Info("worker pool stopped")
	}()

	jobCtx := context.WithoutCancel(ctx)
	for {
		if err := p.slots.Acquire(ctx, 1); err != nil {
			return nil
		}

		id, ok, err := p.queue.Dequeue(ctx)
		if err != nil || !ok {
			p.slots.Release(1)
			if err != nil && ctx.Err() == nil {
				p.logger.ErrorContext(ctx, "dequeue failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(p.pollInterval):
			}
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer p.slots.Release(1)
			p.process(jobCtx, id)
		}()
	}
}

// process handles one dequeued id. Errors and panics never escape: each
// outcome ends in a terminal transition, a requeue or a logged skip.
func (p *Pool) process(ctx context.Context, id string) {
	ctx = middleware.WithJobID(middleware.WithCorrelationID(ctx, id), id)

	claimed := false
	defer func() {
		if r := recover(); r != nil {
			p.logger.ErrorContext(ctx, "job panic", "panic", r, "stack", string(debug.Stack()))
			if claimed {
				p.failAfterPanic(ctx, id, r)
			}
		}
	}()

	if !p.inflight.TryAdd(id) {
		p.logger.WarnContext(ctx, "job already in flight, skipping")
		return
	}
	claimed = true
	defer p.inflight.Remove(id)

	workDir := filepath.Join(p.workDir, id)
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			p.logger.WarnContext(ctx, "cleanup work dir", "error", err, "dir", workDir)
		}
	}()

	j, err := p.jobs.MarkProcessing(ctx, id)
	if err != nil {
		// Cancelled or already picked up elsewhere: not ours to run.
		if errors.Is(err, job.ErrInvalidTransition) || errors.Is(err, job.ErrNotFound) {
			p.logger.InfoContext(ctx, "skipping job", "reason", err.Error())
			return
		}
		p.logger.ErrorContext(ctx, "mark processing", "error", err)
		p.requeue(ctx, id)
		return
	}

	start := time.Now()
	outputRef, size, err := p.execute(ctx, j, workDir)
	if err != nil {
		p.logger.ErrorContext(ctx, "job execution failed", "error", err, "engine_error", engine.IsEngineError(err))
		p.fail(ctx, id, err.Error())
		return
	}

	done, err := p.jobs.Complete(ctx, id, outputRef, size)
	if err != nil {
		// The monitor may have failed the job while the engine was running.
		p.logger.WarnContext(ctx, "complete rejected", "error", err, "output_ref", outputRef)
		return
	}
	p.logger.InfoContext(ctx, "job completed", "duration", time.Since(start), "output_ref", outputRef,
		"quantized_size", size, "reduction_percent", *done.ReductionPercent)
	p.notify(ctx, done, notify.EventJobCompleted)
}

// requeue puts a job back after a transient failure to claim it, so a
// dequeued job is never left queued in the store but absent from the queue.
// The stored priority is used when readable, otherwise the lowest tier.
func (p *Pool) requeue(ctx context.Context, id string) {
	// Hold the slot for a poll interval so a failing store is not hammered.
	time.Sleep(p.pollInterval)

	tier := queue.TierLow
	j, err := p.jobs.Get(ctx, id)
	switch {
	case errors.Is(err, job.ErrNotFound):
		return
	case err != nil:
		p.logger.WarnContext(ctx, "read job for requeue", "error", err)
	case j.Status != job.StatusQueued:
		return
	case queue.Tier(j.Priority).Valid():
		tier = queue.Tier(j.Priority)
	}
	if err := p.queue.Enqueue(ctx, id, tier); err != nil {
		p.logger.ErrorContext(ctx, "requeue failed", "error", err, "tier", tier.String())
		return
	}
	p.logger.InfoContext(ctx, "job requeued", "tier", tier.String())
}

func (p *Pool) execute(ctx context.Context, j *job.Job, workDir string) (string, int64, error) {
	outDir := filepath.Join(workDir, "output")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", 0, fmt.Errorf("prepare work dir: %w", err)
	}

	// One deadline covers fetch, engine and store, so the monitor's
	// processing timeout always exceeds a whole run.
	runCtx, cancel := context.WithTimeout(ctx, p.jobTimeout)
	defer cancel()

	input, err := p.storage.Fetch(runCtx, j.InputFileRef, workDir)
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return "", 0, fmt.Errorf("timeout: fetching input did not finish within %s", p.jobTimeout)
		}
		return "", 0, fmt.Errorf("fetch input: %w", err)
	}

	params, err := engine.ParamsFor(string(j.Method))
	if err != nil {
		return "", 0, err
	}

	req := engine.Request{
		JobID:        j.ID,
		InputPath:    input,
		OutputDir:    outDir,
		Method:       string(j.Method),
		OutputFormat: string(j.OutputFormat),
		Params:       params,
		Progress:     p.progressReporter(ctx, j.ID),
	}

	type outcome struct {
		res engine.Result
		err error
	}
	// Buffered so an engine that returns after the deadline does not block.
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.logger.ErrorContext(ctx, "engine panic", "panic", r, "stack", string(debug.Stack()))
				ch <- outcome{err: fmt.Errorf("engine panic: %v", r)}
			}
		}()
		res, err := p.engine.Run(runCtx, req)
		ch <- outcome{res: res, err: err}
	}()

	var o outcome
	select {
	case o = <-ch:
	case <-runCtx.Done():
		o.err = runCtx.Err()
	}
	if errors.Is(o.err, context.DeadlineExceeded) {
		return "", 0, fmt.Errorf("timeout: engine did not finish within %s", p.jobTimeout)
	}
	if o.err != nil {
		return "", 0, o.err
	}

	ref, err := p.storage.Store(runCtx, o.res.OutputPath)
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return "", 0, fmt.Errorf("timeout: storing output did not finish within %s", p.jobTimeout)
		}
		return "", 0, fmt.Errorf("store output: %w", err)
	}
	return ref, o.res.OutputSizeBytes, nil
}

// progressReporter maps engine progress onto [10,95]; 10 is set on start
// and 100 only on completion.
func (p *Pool) progressReporter(ctx context.Context, id string) func(int) {
	var mu sync.Mutex
	last := 10
	return func(pct int) {
		v := 10 + min(max(pct, 0), 100)*85/100
		mu.Lock()
		if v <= last {
			mu.Unlock()
			return
		}
		last = v
		mu.Unlock()
		if err := p.jobs.UpdateProgress(ctx, id, v); err != nil && !errors.Is(err, job.ErrInvalidTransition) {
			p.logger.WarnContext(ctx, "update progress", "error", err, "progress", v)
		}
	}
}

func (p *Pool) fail(ctx context.Context, id, reason string) {
	failed, err := p.jobs.Fail(ctx, id, reason)
	if err != nil {
		if errors.Is(err, job.ErrAlreadyTerminal) {
			p.logger.InfoContext(ctx, "job already terminal, failure not recorded", "reason", reason)
			return
		}
		p.logger.ErrorContext(ctx, "record job failure", "error", err, "reason", reason)
		return
	}
	p.notify(ctx, failed, notify.EventJobFailed)
}

// failAfterPanic records a recovered panic as the job's failure. The store
// itself may be what panicked, so a second panic is only logged.
func (p *Pool) failAfterPanic(ctx context.Context, id string, r any) {
	defer func() {
		if r2 := recover(); r2 != nil {
			p.logger.ErrorContext(ctx, "record failure after panic", "panic", r2)
		}
	}()
	p.fail(ctx, id, fmt.Sprintf("internal error: %v", r))
}

func (p *Pool) notify(ctx context.Context, j *job.Job, event string) {
	if p.notifier == nil {
		return
	}
	if err := p.notifier.Notify(ctx, j.OwnerID, event, j); err != nil {
		p.logger.WarnContext(ctx, "notification failed", "error", err, "event", event)
	}
}
