package worker

import "sync"

// InFlight is the set of job ids a pool is executing right now. It is owned
// by the pool and shared by reference with whoever needs to read it (stats,
// temp-file retention).
type InFlight struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func NewInFlight() *InFlight {
	return &InFlight{ids: make(map[string]struct{})}
}

// TryAdd claims id. It returns false if id is already claimed.
func (s *InFlight) TryAdd(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	return true
}

func (s *InFlight) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ids, id)
}

func (s *InFlight) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[id]
	return ok
}

func (s *InFlight) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}
