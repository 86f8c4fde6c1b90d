package scheduler

import "sync"

// InFlightSet tracks message ids currently dispatched to a delivery worker.
// Implementations must be safe for concurrent use; the scheduler consults it
// from the poll loop while dispatch completions clear entries concurrently.
type InFlightSet interface {
	// Add records the id and reports whether it was newly added. A false
	// return means a delivery for the id is already in flight.
	Add(id string) bool
	// Remove clears the id. Removing an absent id is a no-op.
	Remove(id string)
	// Contains reports whether the id is currently in flight.
	Contains(id string) bool
	// Len returns the number of ids in flight.
	Len() int
}

// memoryInFlight is the default mutex-guarded InFlightSet.
type memoryInFlight struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

// NewInFlightSet returns an empty in-memory InFlightSet.
func NewInFlightSet() InFlightSet {
	return &memoryInFlight{ids: make(map[string]struct{})}
}

func (s *memoryInFlight) Add(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	return true
}

func (s *memoryInFlight) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ids, id)
}

func (s *memoryInFlight) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[id]
	return ok
}

func (s *memoryInFlight) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}
