// Package status provides a small finite-state machine driven by an explicit
// transition table.
package status

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// ErrInvalidTransition is returned (wrapped) when a transition is not in the table.
var ErrInvalidTransition = errors.New("invalid transition")

// Transitions maps a state to the states reachable from it. A state with no
// entry, or an empty entry, is terminal.
type Transitions[S ~string] map[S][]S

// Change is passed to the change hook after every successful transition.
type Change[S ~string] struct {
	From S
	To   S
}

// Machine tracks and enforces state transitions.
type Machine[S ~string] struct {
	mu          sync.RWMutex
	current     S
	transitions Transitions[S]
	onChange    func(Change[S])
}

// NewMachine creates a machine in the initial state. onChange may be nil; it is
// called outside the machine's lock.
func NewMachine[S ~string](initial S, transitions Transitions[S], onChange func(Change[S])) *Machine[S] {
	return &Machine[S]{
		current:     initial,
		transitions: transitions,
		onChange:    onChange,
	}
}

// Current returns the current state.
func (m *Machine[S]) Current() S {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Can reports whether a transition from the current state to `to` is allowed.
func (m *Machine[S]) Can(to S) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Contains(m.transitions[m.current], to)
}

// Terminal reports whether the current state has no outgoing transitions.
func (m *Machine[S]) Terminal() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.transitions[m.current]) == 0
}

// Transition attempts to move to a new state. Returns an error wrapping
// ErrInvalidTransition if the table does not allow it.
func (m *Machine[S]) Transition(to S) error {
	m.mu.Lock()
	if !slices.Contains(m.transitions[m.current], to) {
		from := m.current
		m.mu.Unlock()
		return fmt.Errorf("%w from %s to %s", ErrInvalidTransition, from, to)
	}
	from := m.current
	m.current = to
	m.mu.Unlock()

	if m.onChange != nil {
		m.onChange(Change[S]{From: from, To: to})
	}
	return nil
}

// Reset forces the machine into state s without consulting the table.
func (m *Machine[S]) Reset(s S) {
	m.mu.Lock()
	m.current = s
	m.mu.Unlock()
}
