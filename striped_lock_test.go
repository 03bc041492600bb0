package ixmp

import (
	"sync"
	"testing"
)

func TestStripedLocksSerializeSameKey(t *testing.T) {
	sl := newStripedLocks(8)

	const workers = 16
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				unlock := sl.Lock("runs/1.json")
				counter++
				unlock()
			}
		}()
	}
	wg.Wait()
	if counter != workers*100 {
		t.Fatalf("counter = %d, want %d", counter, workers*100)
	}
}

func TestStripedLocksReadersShareKey(t *testing.T) {
	sl := newStripedLocks(8)

	u1 := sl.RLock("registry.json")
	u2 := sl.RLock("registry.json")
	u1()
	u2()

	done := make(chan struct{})
	go func() {
		unlock := sl.Lock("registry.json")
		unlock()
		close(done)
	}()
	<-done
}

func TestStripedLocksDefaultCount(t *testing.T) {
	sl := newStripedLocks(0)
	if sl.count != 32 {
		t.Fatalf("count = %d, want 32", sl.count)
	}
	unlock := sl.Lock("any")
	unlock()
}
