package queue

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"
)

// PriorityQueue is the in-process queue. One FIFO list per tier plus an
// index for idempotent enqueue and O(1) removal.
type PriorityQueue struct {
	mu    sync.Mutex
	tiers map[Tier]*list.List
	index map[string]*list.Element
	now   func() time.Time
}

func NewPriorityQueue() *PriorityQueue {
	q := &PriorityQueue{
		tiers: make(map[Tier]*list.List, len(Tiers)),
		index: make(map[string]*list.Element),
		now:   time.Now,
	}
	for _, t := range Tiers {
		q.tiers[t] = list.New()
	}
	return q
}

// Enqueue is a no-op when jobID is already queued.
func (q *PriorityQueue) Enqueue(_ context.Context, jobID string, tier Tier) error {
	if !tier.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidTier, tier)
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.index[jobID]; ok {
		return nil
	}
	q.index[jobID] = q.tiers[tier].PushBack(Entry{JobID: jobID, Tier: tier, EnqueuedAt: q.now()})
	return nil
}

func (q *PriorityQueue) Dequeue(_ context.Context) (string, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, t := range Tiers {
		l := q.tiers[t]
		if front := l.Front(); front != nil {
			e := l.Remove(front).(Entry)
			delete(q.index, e.JobID)
			return e.JobID, true, nil
		}
	}
	return "", false, nil
}

// Size counts entries in the given tiers, or in all tiers when none are given.
func (q *PriorityQueue) Size(_ context.Context, tiers ...Tier) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(tiers) == 0 {
		return len(q.index), nil
	}
	n := 0
	for _, t := range tiers {
		if l, ok := q.tiers[t]; ok {
			n += l.Len()
		}
	}
	return n, nil
}

func (q *PriorityQueue) Remove(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	el, ok := q.index[jobID]
	if !ok {
		return nil
	}
	e := el.Value.(Entry)
	q.tiers[e.Tier].Remove(el)
	delete(q.index, jobID)
	return nil
}
