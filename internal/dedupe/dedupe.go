// Package dedupe suppresses repeated deliveries of the same event arriving over
// independent paths.
package dedupe

import "sync"

// Gate admits an id unless it equals the most recently admitted one.
type Gate struct {
	mu   sync.Mutex
	last string
}

// Admit reports whether id should be surfaced, recording it as the latest.
func (g *Gate) Admit(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if id == "" || id == g.last {
		return false
	}

	g.last = id
	return true
}

// Last returns the most recently admitted id.
func (g *Gate) Last() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

// Set remembers up to a fixed number of ids, evicting the oldest first.
type Set struct {
	mu    sync.Mutex
	max   int
	order []string
	seen  map[string]struct{}
}

// NewSet creates a Set holding at most max ids.
func NewSet(max int) *Set {
	if max < 1 {
		max = 1
	}

	return &Set{
		max:   max,
		order: make([]string, 0, max),
		seen:  make(map[string]struct{}, max),
	}
}

// Add records id and reports whether it was new. Empty ids are never recorded.
func (s *Set) Add(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id == "" {
		return true
	}
	if _, ok := s.seen[id]; ok {
		return false
	}

	if len(s.order) == s.max {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.seen, oldest)
	}

	s.order = append(s.order, id)
	s.seen[id] = struct{}{}
	return true
}

// Contains reports whether id is remembered.
func (s *Set) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.seen[id]
	return ok
}

// Len number of remembered ids.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}
