package entitlement

import "sync"

// KeyedMutex serializes work on a single ledger key. The reconciler and the sweeper
// share one instance so a grant cannot interleave with a revocation of the same key.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[Key]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[Key]*keyLock)}
}

// Lock blocks until k is free and returns the matching unlock function.
func (m *KeyedMutex) Lock(k Key) (unlock func()) {
	m.mu.Lock()
	l, ok := m.locks[k]
	if !ok {
		l = &keyLock{}
		m.locks[k] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, k)
		}
		m.mu.Unlock()
	}
}

// held is used by tests to check that released keys do not accumulate.
func (m *KeyedMutex) held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
