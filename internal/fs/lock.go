// Package fs provides the small filesystem helpers ringboard needs beyond
// the standard library: flock-based advisory locking with EINTR handling.
package fs

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
)

// ErrWouldBlock is returned by TryLock when another process holds the lock.
var ErrWouldBlock = errors.New("lock would block")

// Locker provides file-based locking using flock(2).
//
// flock locks an inode (the open file), not a pathname. Callers should lock
// a stable path (ringboard locks the data directory itself) and avoid
// replacing it while locks may be held.
type Locker struct {
	flock func(fd int, how int) error
}

// NewLocker creates a Locker backed by the real flock syscall.
func NewLocker() *Locker {
	return &Locker{flock: syscall.Flock}
}

// Lock represents a held file lock. Call [Lock.Close] to release it.
type Lock struct {
	mu    sync.Mutex
	file  *os.File
	flock func(fd int, how int) error
}

// Close releases the lock and closes the underlying file descriptor.
// Idempotent.
func (lk *Lock) Close() error {
	lk.mu.Lock()
	defer lk.mu.Unlock()

	if lk.file == nil {
		return nil
	}

	fd := int(lk.file.Fd())

	unlockErr := flockRetryEINTR(lk.flock, fd, syscall.LOCK_UN)
	closeErr := lk.file.Close()
	lk.file = nil

	if unlockErr != nil {
		return fmt.Errorf("unlocking lock: %w", unlockErr)
	}

	if closeErr != nil {
		return fmt.Errorf("closing lock fd: %w", closeErr)
	}

	return nil
}

// TryLock attempts to acquire an exclusive lock on the file or directory at
// path without blocking.
//
// Returns immediately with [ErrWouldBlock] if the lock is held by another
// process.
func (l *Locker) TryLock(path string) (*Lock, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening lock path: %w", err)
	}

	flags := syscall.LOCK_EX | syscall.LOCK_NB

	if flockErr := flockRetryEINTR(l.flock, int(file.Fd()), flags); flockErr != nil {
		_ = file.Close()

		if isWouldBlock(flockErr) {
			return nil, ErrWouldBlock
		}

		return nil, flockErr
	}

	return &Lock{file: file, flock: l.flock}, nil
}

func isWouldBlock(err error) bool {
	return errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EAGAIN)
}

// flockRetryEINTR wraps flock, retrying on EINTR.
//
// Signals like SIGCHLD or timers can interrupt any blocking syscall; the
// call didn't fail, it just needs to be retried. Retries are capped to
// avoid spinning forever under a pathological signal storm.
func flockRetryEINTR(flock func(fd int, how int) error, fd int, how int) error {
	const maxEINTRRetries = 10000

	var err error
	for range maxEINTRRetries {
		err = flock(fd, how)
		if err == nil || !errors.Is(err, syscall.EINTR) {
			return err
		}
	}

	return err
}
