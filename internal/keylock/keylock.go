// ABOUTME: Per-key mutual exclusion with reference counting
// ABOUTME: Serializes mutations for one thread or user while other keys run in parallel

package keylock

import "sync"

type slot struct {
	mu   sync.Mutex
	refs int
}

// Map hands out one mutex per key. Mutexes are created on first use and
// dropped once nobody holds or waits on them. The zero value is ready to use.
type Map struct {
	mu    sync.Mutex
	slots map[string]*slot
}

// Lock blocks until key is held by the caller and returns the release func.
func (m *Map) Lock(key string) (unlock func()) {
	m.mu.Lock()
	if m.slots == nil {
		m.slots = make(map[string]*slot)
	}
	s, ok := m.slots[key]
	if !ok {
		s = &slot{}
		m.slots[key] = s
	}
	s.refs++
	m.mu.Unlock()

	s.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Unlock()
			m.mu.Lock()
			s.refs--
			if s.refs == 0 {
				delete(m.slots, key)
			}
			m.mu.Unlock()
		})
	}
}

// Len returns how many keys are currently held or awaited.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}
