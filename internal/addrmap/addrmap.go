// Package addrmap implements the Address Map (C3): a registry enforcing
// "at most one protocol actor in flight per CFD" without taking a lock
// around the protocol's own execution. A slot is Entry-API-style: callers
// either find it Vacant and claim it, or find it Occupied and back off.
package addrmap

import (
	"fmt"
	"sync"
)

// Handle identifies the protocol actor occupying a slot, for diagnostics.
type Handle string

// Map is a concurrency-safe registry of at-most-one-occupant slots, keyed
// by CFD id (or any other string key the dispatcher/process manager use).
type Map struct {
	mu   sync.Mutex
	slots map[string]Handle
}

// New returns an empty Map.
func New() *Map {
	return &Map{slots: make(map[string]Handle)}
}

// ErrOccupied is returned by Claim when the slot already has an occupant.
type ErrOccupied struct {
	Key      string
	Occupant Handle
}

func (e *ErrOccupied) Error() string {
	return fmt.Sprintf("addrmap: slot %q already occupied by %q", e.Key, e.Occupant)
}

// Claim atomically transitions a Vacant slot to Occupied(by), or returns
// *ErrOccupied if another handle already holds it (I: at-most-one-protocol-
// per-cfd). The returned release func must be called exactly once, whether
// the protocol succeeds or fails, to return the slot to Vacant.
func (m *Map) Claim(key string, by Handle) (release func(), err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if occupant, ok := m.slots[key]; ok {
		return nil, &ErrOccupied{Key: key, Occupant: occupant}
	}
	m.slots[key] = by

	var once sync.Once
	release = func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.slots, key)
		})
	}
	return release, nil
}

// Occupant reports the current occupant of a slot, if any.
func (m *Map) Occupant(key string) (Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.slots[key]
	return h, ok
}

// Len returns the number of currently occupied slots.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}
