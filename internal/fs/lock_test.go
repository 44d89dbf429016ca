package fs

import (
	"errors"
	"sync/atomic"
	"syscall"
	"testing"
)

func TestTryLockAndRelease(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	locker := NewLocker()

	lock, err := locker.TryLock(dir)
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}

	if closeErr := lock.Close(); closeErr != nil {
		t.Fatalf("Close: %v", closeErr)
	}

	// Close is idempotent.
	if closeErr := lock.Close(); closeErr != nil {
		t.Errorf("second Close: %v", closeErr)
	}

	// The lock is re-acquirable after release.
	lock, err = locker.TryLock(dir)
	if err != nil {
		t.Fatalf("TryLock after release: %v", err)
	}

	_ = lock.Close()
}

func TestTryLockMissingPath(t *testing.T) {
	t.Parallel()

	locker := NewLocker()

	if _, err := locker.TryLock("/definitely/not/a/path"); err == nil {
		t.Fatal("TryLock on missing path succeeded")
	}
}

func TestTryLockContention(t *testing.T) {
	t.Parallel()

	// flock locks are per-open-file, so same-process contention is not
	// observable through two TryLocks. Simulate the other process with an
	// injected flock that reports EWOULDBLOCK.
	locker := &Locker{flock: func(_, _ int) error {
		return syscall.EWOULDBLOCK
	}}

	_, err := locker.TryLock(t.TempDir())
	if !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("TryLock under contention = %v, want ErrWouldBlock", err)
	}
}

func TestFlockRetriesEINTR(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	flock := func(_, _ int) error {
		if calls.Add(1) < 3 {
			return syscall.EINTR
		}

		return nil
	}

	if err := flockRetryEINTR(flock, 0, syscall.LOCK_EX); err != nil {
		t.Fatalf("flockRetryEINTR: %v", err)
	}

	if calls.Load() != 3 {
		t.Errorf("flock called %d times, want 3", calls.Load())
	}
}
