package sessions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestSessionLockManager_Acquire(t *testing.T) {
	locks := NewSessionLockManager()

	release, err := locks.Acquire(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !locks.IsLocked("s1") {
		t.Fatal("s1 should be locked")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := locks.Acquire(ctx, "s1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Acquire on a held lock = %v, want deadline exceeded", err)
	}

	other, err := locks.Acquire(context.Background(), "s2")
	if err != nil {
		t.Fatalf("independent key should not be blocked: %v", err)
	}
	other()

	release()
	release()
	if locks.IsLocked("s1") {
		t.Fatal("s1 still locked after release")
	}
	if len(locks.locks) != 0 {
		t.Fatalf("entries leaked: %d", len(locks.locks))
	}
}

func TestSessionLockManager_ContextCancel(t *testing.T) {
	locks := NewSessionLockManager()
	release, err := locks.Acquire(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := locks.Acquire(ctx, "s1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Acquire error = %v, want deadline exceeded", err)
	}
}

func TestSessionLockManager_Serializes(t *testing.T) {
	locks := NewSessionLockManager()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := locks.Acquire(context.Background(), "shared")
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			active++
			maxSeen = max(maxSeen, active)
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()
	if maxSeen != 1 {
		t.Fatalf("max concurrent holders = %d, want 1", maxSeen)
	}
}
