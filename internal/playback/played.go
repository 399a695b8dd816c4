package playback

import "sync"

// PlayedSet tracks the IDs requested during one walk.
type PlayedSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

// NewPlayedSet creates an empty set.
func NewPlayedSet() *PlayedSet {
	return &PlayedSet{ids: make(map[string]struct{})}
}

func (s *PlayedSet) Add(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids[id] = struct{}{}
}

func (s *PlayedSet) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[id]
	return ok
}

func (s *PlayedSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}

// Clear forgets every ID.
func (s *PlayedSet) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.ids)
}
