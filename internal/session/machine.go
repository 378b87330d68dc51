// Package session tracks each user's position in the register/login/predict
// flow. State lives only in memory: a restart puts every user back to Idle,
// while the durable login flag survives in the credential store.
package session

import (
	"errors"
	"fmt"
	"sync"

	"tg_classifier_bot/internal/domain"
	"tg_classifier_bot/internal/lockmap"
)

// ErrIllegalTransition is returned for edges missing from the transition table.
var ErrIllegalTransition = errors.New("illegal session transition")

// transitions enumerates every permitted edge. Self-loops cover the rows that
// keep the current state (wrong secret, non-image while awaiting an image).
var transitions = map[domain.SessionState][]domain.SessionState{
	domain.StateIdle: {
		domain.StateIdle,
		domain.StateAwaitingRegistrationSecret,
		domain.StateAwaitingLoginSecret,
		domain.StateAwaitingImage,
	},
	domain.StateAwaitingRegistrationSecret: {
		domain.StateIdle,
		domain.StateAwaitingRegistrationSecret,
	},
	domain.StateAwaitingLoginSecret: {
		domain.StateIdle,
		domain.StateAwaitingLoginSecret,
	},
	domain.StateAwaitingImage: {
		domain.StateIdle,
		domain.StateAwaitingImage,
	},
}

// Allowed reports whether from -> to is in the transition table.
func Allowed(from, to domain.SessionState) bool {
	for _, next := range transitions[normalize(from)] {
		if next == normalize(to) {
			return true
		}
	}
	return false
}

// Machine holds the current state per user id. Absent entries are Idle.
type Machine struct {
	locks *lockmap.Map

	mu     sync.RWMutex
	states map[int64]domain.SessionState
}

// NewMachine returns a machine with every user in Idle.
func NewMachine() *Machine {
	return &Machine{
		locks:  lockmap.New(),
		states: make(map[int64]domain.SessionState),
	}
}

// Lock serializes event handling for one user. Callers hold it across the
// state read, any credential mutation and the final Transition.
func (m *Machine) Lock(userID int64) (unlock func()) {
	return m.locks.Lock(userID)
}

// State returns the current state of userID.
func (m *Machine) State(userID int64) domain.SessionState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if s, ok := m.states[userID]; ok {
		return s
	}
	return domain.StateIdle
}

// Transition moves userID to the next state when the edge is permitted.
func (m *Machine) Transition(userID int64, next domain.SessionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := domain.StateIdle
	if s, ok := m.states[userID]; ok {
		current = s
	}

	if !Allowed(current, next) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, current, next)
	}

	m.setLocked(userID, next)
	return nil
}

// Reset puts userID back to Idle, abandoning any pending flow.
func (m *Machine) Reset(userID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.states, userID)
}

// Pending returns the number of users in a non-Idle state.
func (m *Machine) Pending() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.states)
}

func (m *Machine) setLocked(userID int64, next domain.SessionState) {
	if normalize(next) == domain.StateIdle {
		delete(m.states, userID)
		return
	}
	m.states[userID] = next
}

func normalize(s domain.SessionState) domain.SessionState {
	if s == "" {
		return domain.StateIdle
	}
	return s
}
