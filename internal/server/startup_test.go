package server

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func TestClaimOwnershipFreshDirectory(t *testing.T) {
	t.Parallel()

	dataDir := t.TempDir()

	guard, err := ClaimOwnership(dataDir, false)
	if err != nil {
		t.Fatalf("ClaimOwnership: %v", err)
	}

	content, readErr := os.ReadFile(filepath.Join(dataDir, LockFileName))
	if readErr != nil {
		t.Fatalf("lock file unreadable: %v", readErr)
	}

	if string(content) != strconv.Itoa(os.Getpid()) {
		t.Errorf("lock file = %q, want our pid", content)
	}

	if shutdownErr := guard.Shutdown(); shutdownErr != nil {
		t.Fatalf("Shutdown: %v", shutdownErr)
	}

	if _, statErr := os.Stat(filepath.Join(dataDir, LockFileName)); !errors.Is(statErr, os.ErrNotExist) {
		t.Error("lock file survived Shutdown")
	}
}

func TestClaimOwnershipLivePid(t *testing.T) {
	t.Parallel()

	dataDir := t.TempDir()

	// Our own pid is definitely alive.
	writeErr := os.WriteFile(filepath.Join(dataDir, LockFileName), []byte(strconv.Itoa(os.Getpid())), 0o600)
	if writeErr != nil {
		t.Fatalf("WriteFile: %v", writeErr)
	}

	_, err := ClaimOwnership(dataDir, false)

	var running *ServerAlreadyRunningError
	if !errors.As(err, &running) {
		t.Fatalf("expected ServerAlreadyRunningError, got %v", err)
	}

	if running.Pid != os.Getpid() {
		t.Errorf("reported pid %d, want %d", running.Pid, os.Getpid())
	}
}

func TestClaimOwnershipStalePid(t *testing.T) {
	t.Parallel()

	dataDir := t.TempDir()

	// PIDs wrap below ~4 million by default; this one cannot be alive.
	writeErr := os.WriteFile(filepath.Join(dataDir, LockFileName), []byte("999999999"), 0o600)
	if writeErr != nil {
		t.Fatalf("WriteFile: %v", writeErr)
	}

	guard, err := ClaimOwnership(dataDir, false)
	if err != nil {
		t.Fatalf("ClaimOwnership over stale pid: %v", err)
	}

	_ = guard.Shutdown()
}

func TestClaimOwnershipEmptyLockFile(t *testing.T) {
	t.Parallel()

	dataDir := t.TempDir()

	writeErr := os.WriteFile(filepath.Join(dataDir, LockFileName), nil, 0o600)
	if writeErr != nil {
		t.Fatalf("WriteFile: %v", writeErr)
	}

	_, err := ClaimOwnership(dataDir, false)
	if !errors.Is(err, ErrUncleanShutdown) {
		t.Fatalf("expected ErrUncleanShutdown, got %v", err)
	}

	// Recovery retries with force.
	guard, err := ClaimOwnership(dataDir, true)
	if err != nil {
		t.Fatalf("forced ClaimOwnership: %v", err)
	}

	_ = guard.Shutdown()
}

func TestClaimOwnershipGarbageLockFile(t *testing.T) {
	t.Parallel()

	dataDir := t.TempDir()

	writeErr := os.WriteFile(filepath.Join(dataDir, LockFileName), []byte("not-a-pid"), 0o600)
	if writeErr != nil {
		t.Fatalf("WriteFile: %v", writeErr)
	}

	_, err := ClaimOwnership(dataDir, false)

	var invalid *InvalidPidError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidPidError, got %v", err)
	}
}

func TestListenSocketReplacesStaleSocket(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "socket")

	fd, err := ListenSocket(path)
	if err != nil {
		t.Fatalf("ListenSocket: %v", err)
	}

	closeErr := closeFd(fd)
	if closeErr != nil {
		t.Fatalf("close: %v", closeErr)
	}

	// The socket file is still on disk; a second bind must replace it.
	fd, err = ListenSocket(path)
	if err != nil {
		t.Fatalf("ListenSocket over stale socket: %v", err)
	}

	_ = closeFd(fd)
}
