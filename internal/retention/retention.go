// Package retention periodically deletes old terminal jobs and abandoned
// scratch directories.
package retention

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser supports standard 5-field cron and descriptors like "@every 1h".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

type Jobs interface {
	PurgeTerminal(ctx context.Context, age time.Duration) (int64, error)
}

type InFlight interface {
	Contains(id string) bool
}

type Result struct {
	JobsDeleted int64
	DirsRemoved int
	DirsSkipped int
}

type Sweeper struct {
	jobs     Jobs
	inflight InFlight
	logger   *slog.Logger
	schedule cronlib.Schedule
	workDir  string
	jobAge   time.Duration
	tempAge  time.Duration
	now      func() time.Time
}

// New parses schedule and returns a Sweeper that deletes terminal jobs
// older than jobAge and work-dir entries older than tempAge.
func New(jobs Jobs, inflight InFlight, logger *slog.Logger, schedule, workDir string, jobAge, tempAge time.Duration) (*Sweeper, error) {
	sched, err := cronParser.Parse(schedule)
	if err != nil {
		return nil, fmt.Errorf("retention: parse schedule %q: %w", schedule, err)
	}
	return &Sweeper{
		jobs:     jobs,
		inflight: inflight,
		logger:   logger,
		schedule: sched,
		workDir:  workDir,
		jobAge:   jobAge,
		tempAge:  tempAge,
		now:      time.Now,
	}, nil
}

// Run sweeps at every scheduled time until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	for {
		next := s.schedule.Next(s.now())
		s.logger.InfoContext(ctx, "retention sweep scheduled", "next", next)

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("retention sweeper stopped")
			return nil
		case <-timer.C:
		}

		res, err := s.Sweep(ctx)
		if err != nil {
			s.logger.ErrorContext(ctx, "retention sweep failed", "error", err)
			continue
		}
		s.logger.InfoContext(ctx, "retention sweep done",
			"jobs_deleted", res.JobsDeleted, "dirs_removed", res.DirsRemoved, "dirs_skipped", res.DirsSkipped)
	}
}

// Sweep runs both cleanups once. A failure in one does not stop the other.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	var res Result
	var errs []error

	n, err := s.jobs.PurgeTerminal(ctx, s.jobAge)
	if err != nil {
		errs = append(errs, fmt.Errorf("purge jobs: %w", err))
	}
	res.JobsDeleted = n

	removed, skipped, err := s.sweepWorkDir(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("sweep work dir: %w", err))
	}
	res.DirsRemoved, res.DirsSkipped = removed, skipped

	return res, errors.Join(errs...)
}

// sweepWorkDir removes entries directly under workDir whose mtime is older
// than tempAge. Entries named after an in-flight job are kept regardless.
func (s *Sweeper) sweepWorkDir(ctx context.Context) (removed, skipped int, err error) {
	entries, err := os.ReadDir(s.workDir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}

	cutoff := s.now().Add(-s.tempAge)
	for _, e := range entries {
		if ctx.Err() != nil {
			return removed, skipped, ctx.Err()
		}
		if s.inflight != nil && s.inflight.Contains(e.Name()) {
			skipped++
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(s.workDir, e.Name())
		if err := os.RemoveAll(path); err != nil {
			s.logger.WarnContext(ctx, "remove stale work dir entry", "error", err, "path", path)
			continue
		}
		removed++
	}
	return removed, skipped, nil
}
