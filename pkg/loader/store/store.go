// Package store implements the tri-state container tracking in-flight and
// finished pipeline work per module name. It is deliberately a dumb, fast
// primitive: it enforces no state-transition rules. Callers own the
// invariant that a name occupies at most one state at a time and perform
// transitions as remove-then-set.
package store

import "sync"

// State tags the lifecycle position of a stored item.
type State string

const (
	// StateLoading holds an in-flight fetch; the item is a pending future.
	StateLoading State = "loading"
	// StatePending holds a meta whose dependencies are not yet resolved.
	StatePending State = "pending"
	// StateLoaded holds a fully pipelined meta, ready for compile.
	StateLoaded State = "loaded"
)

// States lists every state in lifecycle order.
var States = []State{StateLoading, StatePending, StateLoaded}

// Store is a keyed tri-state container. The zero value is not usable; use
// New. All methods are safe for concurrent use.
type Store struct {
	mu    sync.RWMutex
	items map[State]map[string]any
}

// New creates an empty store.
func New() *Store {
	items := make(map[State]map[string]any, len(States))
	for _, st := range States {
		items[st] = make(map[string]any)
	}
	return &Store{items: items}
}

// HasItem reports whether any state currently holds name.
func (s *Store) HasItem(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, st := range States {
		if _, ok := s.items[st][name]; ok {
			return true
		}
	}
	return false
}

// HasItemWithState reports whether the given state holds name.
func (s *Store) HasItemWithState(state State, name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.items[state][name]
	return ok
}

// GetItem returns the item stored under (state, name). Missing entries
// return the zero value and false, never panic.
func (s *Store) GetItem(state State, name string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[state][name]
	return item, ok
}

// SetItem stores item under (state, name), silently overwriting any
// previous item in that state, and returns the item.
func (s *Store) SetItem(state State, name string, item any) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.items[state]
	if !ok {
		bucket = make(map[string]any)
		s.items[state] = bucket
	}
	bucket[name] = item
	return item
}

// RemoveItem deletes name from whichever state holds it and returns the
// removed item, or the zero value and false when the name is unknown.
func (s *Store) RemoveItem(name string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range States {
		if item, ok := s.items[st][name]; ok {
			delete(s.items[st], name)
			return item, true
		}
	}
	return nil, false
}

// GetState returns which state currently holds name.
func (s *Store) GetState(name string) (State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, st := range States {
		if _, ok := s.items[st][name]; ok {
			return st, true
		}
	}
	return "", false
}

// Len returns the number of names held in the given state.
func (s *Store) Len(state State) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items[state])
}
