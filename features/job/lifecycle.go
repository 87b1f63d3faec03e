package job

import (
	"fmt"
	"time"
)

// Transitions mutate the receiver only when they succeed. Persisting the result is the
// caller's business (see Service.transition and Repository.CompareAndSwap).
//
//	queued ──► processing ──► completed
//	  │  │          └───────► failed
//	  │  └──────────────────► failed (forced)
//	  └─────────────────────► cancelled

// Start moves a queued job to processing.
func (j *Job) Start(now time.Time) error {
	if j.Status != StatusQueued {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, StatusProcessing)
	}
	j.Status = StatusProcessing
	j.StartedAt = &now
	j.Progress = 10
	j.UpdatedAt = now
	return nil
}

// Complete records a successful run. Only a processing job can complete.
func (j *Job) Complete(now time.Time, outputRef string, quantizedSize int64) error {
	switch {
	case j.Status.Terminal():
		return fmt.Errorf("%w: %s", ErrAlreadyTerminal, j.Status)
	case j.Status != StatusProcessing:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, StatusCompleted)
	}
	reduction := ReductionPercent(j.OriginalSize, quantizedSize)
	j.Status = StatusCompleted
	j.OutputFileRef = outputRef
	j.QuantizedSize = &quantizedSize
	j.ReductionPercent = &reduction
	j.Progress = 100
	j.CompletedAt = &now
	if j.StartedAt != nil {
		j.ProcessingDuration = now.Sub(*j.StartedAt)
	}
	j.UpdatedAt = now
	return nil
}

// Fail records a failure reason. Allowed from queued or processing.
func (j *Job) Fail(now time.Time, reason string) error {
	if j.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrAlreadyTerminal, j.Status)
	}
	if reason == "" {
		reason = "unknown error"
	}
	j.Status = StatusFailed
	j.ErrorMessage = reason
	j.CompletedAt = &now
	if j.StartedAt != nil {
		j.ProcessingDuration = now.Sub(*j.StartedAt)
	}
	j.UpdatedAt = now
	return nil
}

// Cancel is user-initiated and only legal while the job waits in the queue.
func (j *Job) Cancel(now time.Time) error {
	if j.Status != StatusQueued {
		return fmt.Errorf("%w: status is %s", ErrNotCancellable, j.Status)
	}
	j.Status = StatusCancelled
	j.CompletedAt = &now
	j.UpdatedAt = now
	return nil
}

// SetProgress clamps pct to [0,100]. Only a processing job reports progress.
func (j *Job) SetProgress(now time.Time, pct int) error {
	if j.Status != StatusProcessing {
		return fmt.Errorf("%w: progress on %s job", ErrInvalidTransition, j.Status)
	}
	j.Progress = min(max(pct, 0), 100)
	j.UpdatedAt = now
	return nil
}
