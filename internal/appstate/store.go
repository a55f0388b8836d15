package appstate

import "sync"

// Observer is called after every transition that changed the state.
type Observer func(prev, next State, ev Event)

// Store holds the current State. Apply is meant to be called from a single
// goroutine; Snapshot is safe from any goroutine.
type Store struct {
	mu        sync.RWMutex
	state     State
	observers []Observer
}

// NewStore creates a store starting at initial.
func NewStore(initial State) *Store {
	return &Store{state: initial.Clone()}
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}

// Observe registers fn. Observers run on the goroutine calling Apply, in
// registration order, and must not call Apply.
func (s *Store) Observe(fn Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Apply runs ev through Transition, stores the result and notifies
// observers when anything changed. It returns the commands to execute.
func (s *Store) Apply(ev Event) (State, []Command) {
	s.mu.Lock()
	prev := s.state
	next, cmds := Transition(prev, ev)
	s.state = next
	observers := append([]Observer(nil), s.observers...)
	s.mu.Unlock()

	if !Equal(prev, next) {
		for _, fn := range observers {
			fn(prev.Clone(), next.Clone(), ev)
		}
	}
	return next.Clone(), cmds
}

// Equal reports whether a and b hold the same values.
func Equal(a, b State) bool {
	if a.Relay != b.Relay || a.Peer != b.Peer || a.Discovery != b.Discovery ||
		a.Message != b.Message || a.LocalID != b.LocalID || a.RemoteID != b.RemoteID {
		return false
	}
	if len(a.Discovered) != len(b.Discovered) {
		return false
	}
	for i := range a.Discovered {
		if a.Discovered[i] != b.Discovered[i] {
			return false
		}
	}
	return true
}
