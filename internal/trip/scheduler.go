package trip

import (
	"sort"
	"sync"
	"time"
)

// Scheduler keeps pending deadlines. It never starts timers itself; the
// owner polls Due with the current time, so tests drive it with a fake clock.
type Scheduler struct {
	mu      sync.Mutex
	pending map[string]time.Time
}

func NewScheduler() *Scheduler {
	return &Scheduler{pending: make(map[string]time.Time)}
}

// Schedule registers or moves the deadline for key.
func (s *Scheduler) Schedule(key string, at time.Time) {
	s.mu.Lock()
	s.pending[key] = at
	s.mu.Unlock()
}

func (s *Scheduler) Cancel(key string) {
	s.mu.Lock()
	delete(s.pending, key)
	s.mu.Unlock()
}

// Due removes and returns the keys whose deadline is at or before now,
// earliest first.
func (s *Scheduler) Due(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []string
	for k, at := range s.pending {
		if !at.After(now) {
			due = append(due, k)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		a, b := s.pending[due[i]], s.pending[due[j]]
		if a.Equal(b) {
			return due[i] < due[j]
		}
		return a.Before(b)
	})
	for _, k := range due {
		delete(s.pending, k)
	}
	return due
}

// Pending reports the deadline registered for key.
func (s *Scheduler) Pending(key string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.pending[key]
	return at, ok
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
