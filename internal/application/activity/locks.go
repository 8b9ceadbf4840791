package activity

import (
	"sync"

	"github.com/google/uuid"
)

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

// lockSet hands out one mutex per activity. Entries are dropped when the
// last holder releases so idle activities cost nothing.
type lockSet struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*keyedLock
}

func newLockSet() *lockSet {
	return &lockSet{locks: make(map[uuid.UUID]*keyedLock)}
}

// Lock blocks until the caller holds the mutex for id and returns its release.
func (s *lockSet) Lock(id uuid.UUID) func() {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &keyedLock{}
		s.locks[id] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, id)
		}
		s.mu.Unlock()
	}
}

func (s *lockSet) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}
