package notifyclient

import "sync"

// seenSet remembers the last size ids. Add reports whether id is new.
type seenSet struct {
	mu   sync.Mutex
	ring []string
	pos  int
	set  map[string]struct{}
}

func newSeenSet(size int) *seenSet {
	if size <= 0 {
		size = 512
	}
	return &seenSet{ring: make([]string, size), set: make(map[string]struct{}, size)}
}

func (s *seenSet) Add(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.set[id]; ok {
		return false
	}
	if old := s.ring[s.pos]; old != "" {
		delete(s.set, old)
	}
	s.ring[s.pos] = id
	s.set[id] = struct{}{}
	s.pos = (s.pos + 1) % len(s.ring)
	return true
}

func (s *seenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.set)
}
