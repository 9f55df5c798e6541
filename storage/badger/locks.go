package badger

import "sync"

// namespaceLocks serializes writers within a namespace. Entries are
// reference counted and removed when the last holder unlocks.
type namespaceLocks struct {
	mu    sync.Mutex
	locks map[namespaceHash]*namespaceLock
}

type namespaceLock struct {
	mu   sync.Mutex
	refs int
}

func newNamespaceLocks() *namespaceLocks {
	return &namespaceLocks{locks: make(map[namespaceHash]*namespaceLock)}
}

// lock acquires the write lock of ns and returns its release function.
func (l *namespaceLocks) lock(ns namespaceHash) func() {
	l.mu.Lock()
	nl, ok := l.locks[ns]
	if !ok {
		nl = &namespaceLock{}
		l.locks[ns] = nl
	}
	nl.refs++
	l.mu.Unlock()

	nl.mu.Lock()
	return func() {
		nl.mu.Unlock()
		l.mu.Lock()
		nl.refs--
		if nl.refs == 0 {
			delete(l.locks, ns)
		}
		l.mu.Unlock()
	}
}
