package memory

import (
	"sort"
	"sync"
)

// KeyLocks provides per-key mutual exclusion for memory entries.
// Each key gets its own mutex, so read-modify-write cycles on different keys
// run concurrently while cycles on the same key are serialized.
type KeyLocks struct {
	mu    sync.Mutex             // guards the locks map itself
	locks map[string]*sync.Mutex // per-key mutexes
}

// NewKeyLocks creates a new KeyLocks.
func NewKeyLocks() *KeyLocks {
	return &KeyLocks{
		locks: make(map[string]*sync.Mutex),
	}
}

// Lock acquires the mutex for key, creating it on first access.
func (k *KeyLocks) Lock(key string) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	// Block outside the map lock so other keys stay available.
	l.Lock()
}

// Unlock releases the mutex for key. Unknown keys are ignored.
func (k *KeyLocks) Unlock(key string) {
	k.mu.Lock()
	l, ok := k.locks[key]
	k.mu.Unlock()

	if ok {
		l.Unlock()
	}
}

// LockAll acquires the mutexes of all keys in lexicographic order, so two
// callers locking overlapping sets cannot deadlock. Duplicates are locked once.
func (k *KeyLocks) LockAll(keys []string) {
	for _, key := range sortedUnique(keys) {
		k.Lock(key)
	}
}

// UnlockAll releases the mutexes taken by LockAll, in reverse order.
func (k *KeyLocks) UnlockAll(keys []string) {
	sorted := sortedUnique(keys)
	for i := len(sorted) - 1; i >= 0; i-- {
		k.Unlock(sorted[i])
	}
}

func sortedUnique(keys []string) []string {
	if len(keys) == 0 {
		return nil
	}
	sorted := make([]string, len(keys))
	copy(sorted, keys)
	sort.Strings(sorted)

	out := sorted[:1]
	for _, key := range sorted[1:] {
		if key != out[len(out)-1] {
			out = append(out, key)
		}
	}
	return out
}
