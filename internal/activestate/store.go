// Package activestate holds the process-wide, insertion-ordered view of
// calls currently ringing or connected, plus the latest extension presence
// map. It is written exclusively by the Correlator's background task and
// read by concurrent HTTP handlers; the one mutex here is the only thing
// that makes that safe.
package activestate

import (
	"sort"
	"sync"

	"github.com/ucmmonitor/ucmmonitor/internal/correlator"
)

// Store is safe for concurrent use. Snapshot reads never block on network
// or database I/O — they copy out under the mutex and return immediately.
type Store struct {
	mu       sync.Mutex
	active   map[string]correlator.CallSnapshot
	order    map[string]int
	seq      int
	presence map[string]string
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		active:   make(map[string]correlator.CallSnapshot),
		order:    make(map[string]int),
		presence: make(map[string]string),
	}
}

// Upsert implements correlator.ActiveCallStore.
func (s *Store) Upsert(snap correlator.CallSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.order[snap.CorrelationID]; !exists {
		s.seq++
		s.order[snap.CorrelationID] = s.seq
	}
	s.active[snap.CorrelationID] = snap
}

// Remove implements correlator.ActiveCallStore.
func (s *Store) Remove(correlationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, correlationID)
	delete(s.order, correlationID)
}

// SetPresence implements correlator.ActiveCallStore.
func (s *Store) SetPresence(extension, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presence[extension] = status
}

// Reset implements correlator.ActiveCallStore.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = make(map[string]correlator.CallSnapshot)
	s.order = make(map[string]int)
	s.seq = 0
}

// Snapshot returns all active calls in insertion order.
func (s *Store) Snapshot() []correlator.CallSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return s.order[ids[i]] < s.order[ids[j]] })

	out := make([]correlator.CallSnapshot, len(ids))
	for i, id := range ids {
		snap := s.active[id]
		snap.Extensions = append([]string(nil), snap.Extensions...)
		out[i] = snap
	}
	return out
}

// Presence returns a copy of the extension presence map.
func (s *Store) Presence() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.presence))
	for k, v := range s.presence {
		out[k] = v
	}
	return out
}

// ActiveCallCount returns the number of currently active calls, for metrics.
func (s *Store) ActiveCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}
