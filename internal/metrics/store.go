package metrics

import (
	"sort"
	"sync"
)

// Entry pairs a project's metrics with the lock that guards them. Edits and
// the snapshot-then-reset of a flush both hold Mu, so no edit can land
// between the two.
type Entry struct {
	Mu      sync.Mutex
	Metrics *ProjectMetrics
}

// Store maps project names to their entries. Entries are created lazily and
// never removed.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{entries: make(map[string]*Entry)}
}

// Entry returns the entry for p.Name, creating it with a window opening at
// now when absent.
func (s *Store) Entry(p Project, now int64) *Entry {
	s.mu.RLock()
	e, ok := s.entries[p.Name]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[p.Name]; ok {
		return e
	}
	e = &Entry{Metrics: NewProjectMetrics(p, now)}
	s.entries[p.Name] = e
	return e
}

// Lookup returns the entry for name, if any.
func (s *Store) Lookup(name string) (*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[name]
	return e, ok
}

// Names returns every known project name in sorted order.
func (s *Store) Names() []string {
	s.mu.RLock()
	names := make([]string, 0, len(s.entries))
	for n := range s.entries {
		names = append(names, n)
	}
	s.mu.RUnlock()
	sort.Strings(names)
	return names
}
