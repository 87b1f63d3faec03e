package job

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo keeps jobs in process. Each job is guarded by its own mutex so
// compare-and-swap on one job never blocks another.
type MemoryRepo struct {
	mu   sync.RWMutex
	jobs map[string]*memoryEntry
}

type memoryEntry struct {
	mu  sync.Mutex
	job Job
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{jobs: make(map[string]*memoryEntry)}
}

func (r *MemoryRepo) entry(id string) (*memoryEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.jobs[id]
	return e, ok
}

func (r *MemoryRepo) snapshot() []Job {
	r.mu.RLock()
	entries := make([]*memoryEntry, 0, len(r.jobs))
	for _, e := range r.jobs {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]Job, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.job)
		e.mu.Unlock()
	}
	return out
}

func (r *MemoryRepo) Create(_ context.Context, j *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[j.ID]; ok {
		return ErrDuplicateToken
	}
	for _, e := range r.jobs {
		if e.job.DownloadToken == j.DownloadToken {
			return ErrDuplicateToken
		}
	}
	r.jobs[j.ID] = &memoryEntry{job: *j}
	return nil
}

func (r *MemoryRepo) Get(_ context.Context, id string) (*Job, error) {
	e, ok := r.entry(id)
	if !ok {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	j := e.job
	return &j, nil
}

func (r *MemoryRepo) List(_ context.Context, ownerID string, f ListFilter) ([]Job, error) {
	f = f.Normalize()
	var matched []Job
	for _, j := range r.snapshot() {
		if j.OwnerID != ownerID {
			continue
		}
		if f.Status != nil && j.Status != *f.Status {
			continue
		}
		matched = append(matched, j)
	}
	sort.Slice(matched, func(a, b int) bool { return matched[a].CreatedAt.After(matched[b].CreatedAt) })

	start := (f.Page - 1) * f.PerPage
	if start >= len(matched) {
		return nil, nil
	}
	end := min(start+f.PerPage, len(matched))
	return matched[start:end], nil
}

func (r *MemoryRepo) CompareAndSwap(_ context.Context, expected Status, next *Job) error {
	e, ok := r.entry(next.ID)
	if !ok {
		return ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.job.Status != expected {
		return ErrStatusConflict
	}
	// Identity and billing columns are immutable.
	stored := e.job
	e.job = *next
	e.job.OwnerID = stored.OwnerID
	e.job.CreditsCharged = stored.CreditsCharged
	e.job.DownloadToken = stored.DownloadToken
	e.job.CreatedAt = stored.CreatedAt
	return nil
}

func (r *MemoryRepo) FindStuck(_ context.Context, cutoff time.Time) ([]Job, error) {
	var out []Job
	for _, j := range r.snapshot() {
		if j.Status == StatusProcessing && j.UpdatedAt.Before(cutoff) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].UpdatedAt.Before(out[b].UpdatedAt) })
	return out, nil
}

func (r *MemoryRepo) ListQueued(_ context.Context) ([]Job, error) {
	var out []Job
	for _, j := range r.snapshot() {
		if j.Status == StatusQueued {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}

func (r *MemoryRepo) CountByStatus(_ context.Context) (map[Status]int, error) {
	counts := make(map[Status]int, len(Statuses))
	for _, s := range Statuses {
		counts[s] = 0
	}
	for _, j := range r.snapshot() {
		counts[j.Status]++
	}
	return counts, nil
}

func (r *MemoryRepo) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, e := range r.jobs {
		e.mu.Lock()
		expired := e.job.Status.Terminal() && e.job.CompletedAt != nil && e.job.CompletedAt.Before(cutoff)
		e.mu.Unlock()
		if expired {
			delete(r.jobs, id)
			n++
		}
	}
	return n, nil
}
