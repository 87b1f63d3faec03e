package job

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"quantforge/backend/features/billing"
	"quantforge/backend/features/modelfile"
	"quantforge/backend/internal/queue"
)

// maxCASAttempts bounds re-reads when another writer moved the status first.
const maxCASAttempts = 5

type Admission interface {
	CheckAndReserve(ctx context.Context, ownerID string, cost int, jobRef string) error
	Refund(ctx context.Context, ownerID string, amount int, reason string) error
	Tier(ctx context.Context, ownerID string) (queue.Tier, error)
}

type ModelFiles interface {
	Get(ctx context.Context, id string) (*modelfile.File, error)
}

type Queue interface {
	Enqueue(ctx context.Context, jobID string, tier queue.Tier) error
	Remove(ctx context.Context, jobID string) error
}

type SubmitRequest struct {
	OwnerID      string
	FileRef      string
	Name         string
	Method       Method
	OutputFormat Format
}

type Service struct {
	repo      Repository
	files     ModelFiles
	admission Admission
	queue     Queue
	logger    *slog.Logger
	now       func() time.Time
}

func NewService(repo Repository, files ModelFiles, admission Admission, q Queue, logger *slog.Logger) *Service {
	return &Service{repo: repo, files: files, admission: admission, queue: q, logger: logger, now: time.Now}
}

// Submit admits, persists and enqueues a job, in that order. Credits are
// consumed before the row is written and refunded only if the write fails.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Job, error) {
	name := strings.TrimSpace(req.Name)
	if n := utf8.RuneCountInString(name); n < 1 || n > 100 {
		return nil, ErrInvalidName
	}
	if !req.Method.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMethod, req.Method)
	}

	file, err := s.files.Get(ctx, req.FileRef)
	if err != nil {
		return nil, err
	}
	if file.OwnerID != req.OwnerID {
		return nil, ErrFileNotOwned
	}
	if !Compatible(Format(file.Format), req.Method, req.OutputFormat) {
		return nil, fmt.Errorf("%w: %s -> %s via %s", ErrInvalidCombination, file.Format, req.OutputFormat, req.Method)
	}

	cost, err := billing.Cost(string(req.Method), file.SizeBytes)
	if err != nil {
		return nil, err
	}
	tier, err := s.admission.Tier(ctx, req.OwnerID)
	if err != nil {
		return nil, err
	}

	j := New(req.OwnerID, name, req.Method, Format(file.Format), req.OutputFormat, file.StorageRef, file.SizeBytes, cost, int(tier), s.now().UTC())
	if err := s.admission.CheckAndReserve(ctx, req.OwnerID, cost, j.ID); err != nil {
		return nil, err
	}

	if err := s.repo.Create(ctx, j); err != nil {
		if rerr := s.admission.Refund(ctx, req.OwnerID, cost, "job creation failed"); rerr != nil {
			s.logger.ErrorContext(ctx, "refund after failed job creation", "error", rerr, "owner_id", req.OwnerID, "amount", cost)
		}
		return nil, err
	}

	// The row is the source of truth; a job that misses the queue here is
	// re-enqueued by RequeueQueued on the next start.
	if err := s.queue.Enqueue(ctx, j.ID, tier); err != nil {
		s.logger.ErrorContext(ctx, "enqueue submitted job", "error", err, "job_id", j.ID)
	}

	s.logger.InfoContext(ctx, "job submitted", "job_id", j.ID, "owner_id", j.OwnerID, "method", j.Method, "tier", tier.String(), "credits", cost)
	return j, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, ownerID string, f ListFilter) ([]Job, error) {
	if f.Status != nil && !f.Status.Valid() {
		return nil, fmt.Errorf("job: unknown status filter %q", *f.Status)
	}
	return s.repo.List(ctx, ownerID, f.Normalize())
}

// Cancel only succeeds for queued jobs. The queue entry is dropped so it
// does not count toward queue size; a worker that still dequeues it is
// rejected by MarkProcessing.
func (s *Service) Cancel(ctx context.Context, id string) error {
	if _, err := s.transition(ctx, id, func(j *Job) error { return j.Cancel(s.now().UTC()) }); err != nil {
		return err
	}
	if err := s.queue.Remove(ctx, id); err != nil {
		s.logger.WarnContext(ctx, "remove cancelled job from queue", "error", err, "job_id", id)
	}
	s.logger.InfoContext(ctx, "job cancelled", "job_id", id)
	return nil
}

func (s *Service) MarkProcessing(ctx context.Context, id string) (*Job, error) {
	return s.transition(ctx, id, func(j *Job) error { return j.Start(s.now().UTC()) })
}

func (s *Service) Complete(ctx context.Context, id, outputRef string, quantizedSize int64) (*Job, error) {
	return s.transition(ctx, id, func(j *Job) error { return j.Complete(s.now().UTC(), outputRef, quantizedSize) })
}

func (s *Service) Fail(ctx context.Context, id, reason string) (*Job, error) {
	return s.transition(ctx, id, func(j *Job) error { return j.Fail(s.now().UTC(), reason) })
}

func (s *Service) UpdateProgress(ctx context.Context, id string, pct int) error {
	_, err := s.transition(ctx, id, func(j *Job) error { return j.SetProgress(s.now().UTC(), pct) })
	return err
}

// VerifyDownloadToken reports whether token unlocks the job's output.
func (s *Service) VerifyDownloadToken(ctx context.Context, id, token string) (bool, error) {
	j, err := s.repo.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare([]byte(j.DownloadToken), []byte(token)) == 1, nil
}

// RequeueQueued re-enqueues every persisted queued job with its stored tier.
func (s *Service) RequeueQueued(ctx context.Context) (int, error) {
	jobs, err := s.repo.ListQueued(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, j := range jobs {
		tier := queue.Tier(j.Priority)
		if !tier.Valid() {
			tier = queue.TierLow
		}
		if err := s.queue.Enqueue(ctx, j.ID, tier); err != nil {
			return n, fmt.Errorf("requeue %s: %w", j.ID, err)
		}
		n++
	}
	return n, nil
}

func (s *Service) CountByStatus(ctx context.Context) (map[Status]int, error) {
	return s.repo.CountByStatus(ctx)
}

// Stuck lists processing jobs not updated for longer than idle.
func (s *Service) Stuck(ctx context.Context, idle time.Duration) ([]Job, error) {
	return s.repo.FindStuck(ctx, s.now().UTC().Add(-idle))
}

// PurgeTerminal deletes terminal jobs that finished more than age ago.
func (s *Service) PurgeTerminal(ctx context.Context, age time.Duration) (int64, error) {
	return s.repo.DeleteTerminalBefore(ctx, s.now().UTC().Add(-age))
}

// transition applies fn to a fresh copy of the job and persists it with
// compare-and-swap. On a concurrent status change it re-reads, so the
// caller sees fn's own rejection of the new state.
func (s *Service) transition(ctx context.Context, id string, fn func(*Job) error) (*Job, error) {
	for range maxCASAttempts {
		cur, err := s.repo.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		expected := cur.Status
		if err := fn(cur); err != nil {
			return nil, err
		}
		err = s.repo.CompareAndSwap(ctx, expected, cur)
		if errors.Is(err, ErrStatusConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return cur, nil
	}
	return nil, ErrStatusConflict
}
