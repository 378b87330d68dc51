// Package lockmap provides a registry of mutexes keyed by user id.
package lockmap

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Map hands out one mutex per key. Entries are reference counted and dropped
// once no goroutine holds or waits for them, so the registry does not grow
// with the number of users ever seen.
type Map struct {
	mu      sync.Mutex
	entries map[int64]*entry
}

// New returns an empty lock registry.
func New() *Map {
	return &Map{entries: make(map[int64]*entry)}
}

// Lock blocks until the mutex for key is held and returns its release func.
// The release func is safe to call more than once.
func (m *Map) Lock(key int64) (unlock func()) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{}
		m.entries[key] = e
	}
	e.refs++
	m.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()

			m.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(m.entries, key)
			}
			m.mu.Unlock()
		})
	}
}

// Len returns the number of keys currently locked or waited on.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
