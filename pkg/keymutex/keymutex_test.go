package keymutex

import (
	"sync"
	"testing"
)

func TestLockSerializesSameKey(t *testing.T) {
	km := New()

	const workers = 50
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			km.Lock("license-1")
			counter++
			km.Unlock("license-1")
		}()
	}
	wg.Wait()

	if counter != workers {
		t.Fatalf("expected %d, got %d", workers, counter)
	}
	if len(km.locks) != 0 {
		t.Fatalf("expected lock table drained, got %d entries", len(km.locks))
	}
}

func TestDifferentKeysDoNotBlock(t *testing.T) {
	km := New()
	km.Lock("a")

	done := make(chan struct{})
	go func() {
		km.Lock("b")
		km.Unlock("b")
		close(done)
	}()
	<-done

	km.Unlock("a")
}

func TestUnlockUnknownKeyIsNoOp(t *testing.T) {
	km := New()
	km.Unlock("never-locked")
}
