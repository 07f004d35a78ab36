package mirror

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pgregory.net/rapid"
)

func TestKeyedMutex_DifferentKeysDoNotBlock(t *testing.T) {
	km := newKeyedMutex()
	unlockA, err := km.Lock(context.Background(), "acme/api")
	if err != nil {
		t.Fatal(err)
	}
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	unlockB, err := km.Lock(ctx, "acme/web")
	if err != nil {
		t.Fatalf("locking a different key blocked: %v", err)
	}
	unlockB()
}

func TestKeyedMutex_SameKeyWaitsAndHonorsContext(t *testing.T) {
	km := newKeyedMutex()
	unlock, err := km.Lock(context.Background(), "acme/api")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := km.Lock(ctx, "acme/api"); err == nil {
		t.Fatal("second Lock on a held key succeeded")
	}

	unlock()
	unlock() // double release is a no-op
	if n := km.size(); n != 0 {
		t.Errorf("size() = %d after release, want 0", n)
	}
}

func TestKeyedMutex_MutualExclusionProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		km := newKeyedMutex()
		numKeys := rapid.IntRange(1, 4).Draw(rt, "numKeys")
		workers := rapid.IntRange(2, 16).Draw(rt, "workers")

		holders := make([]int32, numKeys)
		var violations int32
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			key := i % numKeys
			wg.Add(1)
			go func() {
				defer wg.Done()
				unlock, err := km.Lock(context.Background(), fmt.Sprintf("k%d", key))
				if err != nil {
					return
				}
				if atomic.AddInt32(&holders[key], 1) != 1 {
					atomic.AddInt32(&violations, 1)
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&holders[key], -1)
				unlock()
			}()
		}
		wg.Wait()

		if violations != 0 {
			rt.Fatalf("%d workers held the same key concurrently", violations)
		}
		if n := km.size(); n != 0 {
			rt.Fatalf("size() = %d after all workers finished", n)
		}
	})
}
