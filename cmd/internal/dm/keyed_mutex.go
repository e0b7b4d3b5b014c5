package dm

import "sync"

// keyedMutex serializes work per key while leaving different keys fully
// independent. The DM core uses it to serialize appends and fan-out within a
// room without coupling unrelated rooms.
//
// Entries are reference-counted and removed when idle so long-running
// processes do not accumulate a lock per room ever seen.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedMutexEntry
}

type keyedMutexEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedMutexEntry)}
}

// Lock acquires the mutex for key, blocking until it is available.
func (k *keyedMutex) Lock(key string) {
	k.mu.Lock()
	e := k.locks[key]
	if e == nil {
		e = &keyedMutexEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
}

// Unlock releases the mutex for key.
func (k *keyedMutex) Unlock(key string) {
	k.mu.Lock()
	e := k.locks[key]
	if e == nil {
		k.mu.Unlock()
		panic("dm: unlock of unheld keyed mutex: " + key)
	}
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()

	e.mu.Unlock()
}
