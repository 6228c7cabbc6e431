package store

import (
	"context"
	"testing"
	"time"
)

func TestHashLockSetMutualExclusion(t *testing.T) {
	hs := NewHashLockSet()

	guard, err := hs.Acquire(context.Background(), "k")
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := hs.TryAcquire("k"); ok {
		t.Fatal("expected TryAcquire to fail while the lock is held")
	}

	guard.Release()

	guard2, ok := hs.TryAcquire("k")
	if !ok {
		t.Fatal("expected TryAcquire to succeed after Release")
	}
	guard2.Release()
}

func TestHashLockSetDistinctKeysDoNotContend(t *testing.T) {
	hs := NewHashLockSet()

	g1, err := hs.Acquire(context.Background(), "a")
	if err != nil {
		t.Fatal(err)
	}
	defer g1.Release()

	done := make(chan struct{})
	go func() {
		g2, err := hs.Acquire(context.Background(), "b")
		if err != nil {
			t.Error(err)
			return
		}
		g2.Release()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("acquiring an unrelated key should not block behind an unrelated held lock")
	}
}

func TestHashLockSetAcquireRespectsCancellation(t *testing.T) {
	hs := NewHashLockSet()

	guard, err := hs.Acquire(context.Background(), "k")
	if err != nil {
		t.Fatal(err)
	}
	defer guard.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = hs.Acquire(ctx, "k")
	if err == nil {
		t.Fatal("expected Acquire to fail once the context is cancelled")
	}
}

func TestHashLockSetReleaseIsIdempotent(t *testing.T) {
	hs := NewHashLockSet()
	guard, err := hs.Acquire(context.Background(), "k")
	if err != nil {
		t.Fatal(err)
	}
	guard.Release()
	guard.Release() // must not panic or double-unlock
}

func TestHashLockSetEntryCleanupAfterRelease(t *testing.T) {
	hs := NewHashLockSet()
	guard, err := hs.Acquire(context.Background(), "k")
	if err != nil {
		t.Fatal(err)
	}
	guard.Release()

	shard := hs.shardFor("k")
	shard.mu.Lock()
	_, present := shard.entries["k"]
	shard.mu.Unlock()
	if present {
		t.Fatal("expected the lock entry to be cleaned up once no holders/waiters remain")
	}
}
