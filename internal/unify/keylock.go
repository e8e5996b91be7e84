package unify

import "sync"

// keyLock serializes work per string key. Merges for different customers
// proceed in parallel; merges for the same email queue up.
type keyLock struct {
	mu    sync.Mutex
	locks map[string]*keyEntry
}

type keyEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyLock() *keyLock {
	return &keyLock{locks: make(map[string]*keyEntry)}
}

// Lock acquires the lock for key and returns its unlock func. Entries are
// reference counted so the map does not grow with the customer base.
func (kl *keyLock) Lock(key string) func() {
	kl.mu.Lock()
	e, ok := kl.locks[key]
	if !ok {
		e = &keyEntry{}
		kl.locks[key] = e
	}
	e.refs++
	kl.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()
		kl.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(kl.locks, key)
		}
		kl.mu.Unlock()
	}
}
