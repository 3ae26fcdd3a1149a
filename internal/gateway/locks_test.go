package gateway

import (
	"sync"
	"testing"
	"time"
)

func TestKeyedLocks_SerializesPerKey(t *testing.T) {
	locks := newKeyedLocks()

	var mu sync.Mutex
	var order []int

	unlock := locks.Lock("s1")
	done := make(chan struct{})
	go func() {
		defer close(done)
		u := locks.Lock("s1")
		defer u()
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
	}()

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	order = append(order, 1)
	mu.Unlock()
	unlock()

	<-done
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("order = %v, want [1 2]", order)
	}
}

func TestKeyedLocks_IndependentKeys(t *testing.T) {
	locks := newKeyedLocks()

	unlock := locks.Lock("s1")
	defer unlock()

	// A different session must not be held up.
	done := make(chan struct{})
	go func() {
		u := locks.Lock("s2")
		u()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on s2 blocked behind s1")
	}
}

func TestKeyedLocks_EntriesAreReclaimed(t *testing.T) {
	locks := newKeyedLocks()

	for i := 0; i < 100; i++ {
		unlock := locks.Lock("s1")
		unlock()
	}

	locks.mu.Lock()
	n := len(locks.locks)
	locks.mu.Unlock()
	if n != 0 {
		t.Fatalf("lock map holds %d entries after release, want 0", n)
	}
}
