// Package checks holds the canonical table of validation checks for a run.
package checks

import (
	"sync"

	"controlroom/internal/domain"
)

// Store keeps one record per check ID in first-seen order. Records are
// replaced in place, never appended twice and never deleted individually.
type Store struct {
	mu    sync.RWMutex
	index map[string]int
	items []domain.Check
}

func NewStore() *Store {
	return &Store{index: make(map[string]int)}
}

// Upsert replaces the record sharing c.ID or inserts it. It reports whether
// a new record was created.
func (s *Store) Upsert(c domain.Check) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertLocked(c)
}

func (s *Store) upsertLocked(c domain.Check) bool {
	if i, ok := s.index[c.ID]; ok {
		s.items[i] = c
		return false
	}
	s.index[c.ID] = len(s.items)
	s.items = append(s.items, c)
	return true
}

// ReplaceAll drops the current set and loads checks in the given order.
func (s *Store) ReplaceAll(checks []domain.Check) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
	for _, c := range checks {
		s.upsertLocked(c)
	}
}

// Reset clears the store at the start of a run.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

func (s *Store) resetLocked() {
	s.index = make(map[string]int)
	s.items = nil
}

func (s *Store) Get(id string) (domain.Check, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[id]
	if !ok {
		return domain.Check{}, false
	}
	return s.items[i], true
}

// All returns a copy of the current records.
func (s *Store) All() []domain.Check {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Check, len(s.items))
	copy(out, s.items)
	return out
}

func (s *Store) ByCategory(name string) []domain.Check {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Check
	for _, c := range s.items {
		if c.Category == name {
			out = append(out, c)
		}
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
