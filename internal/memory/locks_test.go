package memory

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeyLocks_SameKeyBlocks(t *testing.T) {
	locks := NewKeyLocks()
	order := make(chan int, 2)

	locks.Lock("design")
	go func() {
		locks.Lock("design")
		order <- 2
		locks.Unlock("design")
	}()

	time.Sleep(20 * time.Millisecond)
	order <- 1
	locks.Unlock("design")

	if first, second := <-order, <-order; first != 1 || second != 2 {
		t.Errorf("order = [%d, %d], want [1, 2]", first, second)
	}
}

func TestKeyLocks_DifferentKeysConcurrent(t *testing.T) {
	locks := NewKeyLocks()
	var wg sync.WaitGroup
	var held atomic.Int32
	var overlap atomic.Bool

	for _, key := range []string{"a", "b"} {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			locks.Lock(key)
			if held.Add(1) == 2 {
				overlap.Store(true)
			}
			time.Sleep(30 * time.Millisecond)
			held.Add(-1)
			locks.Unlock(key)
		}(key)
	}
	wg.Wait()

	if !overlap.Load() {
		t.Error("locks on different keys did not overlap")
	}
}

func TestKeyLocks_LockAllOrdering(t *testing.T) {
	locks := NewKeyLocks()
	var wg sync.WaitGroup

	sets := [][]string{{"b", "a", "c"}, {"c", "a", "b", "a"}}
	for i := 0; i < 20; i++ {
		for _, set := range sets {
			wg.Add(1)
			go func(set []string) {
				defer wg.Done()
				locks.LockAll(set)
				time.Sleep(time.Millisecond)
				locks.UnlockAll(set)
			}(set)
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("deadlock: LockAll did not order acquisition")
	}
}

func TestKeyLocks_UnlockAllReleasesAll(t *testing.T) {
	locks := NewKeyLocks()
	keys := []string{"a", "b", "c", "b"}
	locks.LockAll(keys)
	locks.UnlockAll(keys)

	acquired := make(chan struct{})
	go func() {
		locks.LockAll(keys)
		locks.UnlockAll(keys)
		close(acquired)
	}()

	select {
	case <-acquired:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("UnlockAll left keys locked")
	}
}

func TestKeyLocks_EmptyAndUnknown(t *testing.T) {
	locks := NewKeyLocks()
	locks.LockAll(nil)
	locks.UnlockAll([]string{})
	locks.Unlock("never-locked")
}
