// Package monitor fails jobs left in processing by a worker that died or
// lost track of them.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"quantforge/backend/features/job"
	"quantforge/backend/internal/notify"
)

const StuckReason = "stuck: exceeded processing timeout"

type Jobs interface {
	Stuck(ctx context.Context, idle time.Duration) ([]job.Job, error)
	Fail(ctx context.Context, id, reason string) (*job.Job, error)
}

type Notifier interface {
	Notify(ctx context.Context, ownerID, event string, payload any) error
}

type Monitor struct {
	jobs              Jobs
	notifier          Notifier
	logger            *slog.Logger
	sweepInterval     time.Duration
	processingTimeout time.Duration
	workDir           string
}

func New(jobs Jobs, notifier Notifier, logger *slog.Logger, sweepInterval, processingTimeout time.Duration, workDir string) *Monitor {
	return &Monitor{
		jobs:              jobs,
		notifier:          notifier,
		logger:            logger,
		sweepInterval:     sweepInterval,
		processingTimeout: processingTimeout,
		workDir:           workDir,
	}
}

// Run sweeps every sweepInterval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.InfoContext(ctx, "stuck job monitor starting",
		"sweep_interval", m.sweepInterval, "processing_timeout", m.processingTimeout)

	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("stuck job monitor stopped")
			return nil
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil && ctx.Err() == nil {
				m.logger.ErrorContext(ctx, "stuck job sweep failed", "error", err)
			}
		}
	}
}

// Sweep fails every processing job idle for longer than the processing
// timeout and returns how many it failed. A job that reached a terminal
// state in the meantime is left alone.
func (m *Monitor) Sweep(ctx context.Context) (int, error) {
	stuck, err := m.jobs.Stuck(ctx, m.processingTimeout)
	if err != nil {
		return 0, err
	}

	failed := 0
	for _, s := range stuck {
		j, err := m.jobs.Fail(ctx, s.ID, StuckReason)
		switch {
		case errors.Is(err, job.ErrAlreadyTerminal), errors.Is(err, job.ErrInvalidTransition), errors.Is(err, job.ErrNotFound):
			continue
		case err != nil:
			m.logger.ErrorContext(ctx, "fail stuck job", "error", err, "job_id", s.ID)
			continue
		}
		failed++
		m.logger.WarnContext(ctx, "failed stuck job", "job_id", s.ID, "last_update", s.UpdatedAt)

		dir := filepath.Join(m.workDir, s.ID)
		if err := os.RemoveAll(dir); err != nil {
			m.logger.WarnContext(ctx, "remove stuck job work dir", "error", err, "dir", dir)
		}
		if m.notifier != nil {
			if err := m.notifier.Notify(ctx, j.OwnerID, notify.EventJobFailed, j); err != nil {
				m.logger.WarnContext(ctx, "notification failed", "error", err, "job_id", s.ID)
			}
		}
	}
	return failed, nil
}
