package devices

import (
	"sync"

	"github.com/warp/device-ledger/generic"
)

// keyLocks serializes mutations per (participant, column) within a process.
// Entries are reference counted and dropped once no caller holds or waits.
type keyLocks struct {
	mu    sync.Mutex
	locks map[generic.HistoryKey]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[generic.HistoryKey]*keyLock)}
}

// lock blocks until key is free and returns its unlock func.
func (k *keyLocks) lock(key generic.HistoryKey) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyLocks) len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
