package server

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/natefinch/atomic"
	"golang.org/x/sys/unix"

	"github.com/calvinalkan/ringboard/internal/fs"
)

// LockFileName is the server ownership file inside the data directory. It
// holds the owning server's PID in plain text. An existing but empty file
// is the operator's signal that the previous shutdown was unclean.
const LockFileName = "server.lock"

// ErrUncleanShutdown reports a present-but-empty server lock file.
var ErrUncleanShutdown = errors.New("the server was shutdown unexpectedly and may have corrupted the database")

// ServerAlreadyRunningError reports a live server owning the database.
type ServerAlreadyRunningError struct {
	Pid      int
	LockFile string
}

func (e *ServerAlreadyRunningError) Error() string {
	return fmt.Sprintf("the server is already running (PID %d)", e.Pid)
}

// InvalidPidError reports a lock file whose contents are not a PID.
type InvalidPidError struct {
	Err     error
	Context string
}

func (e *InvalidPidError) Error() string {
	return e.Context + ": " + e.Err.Error()
}

func (e *InvalidPidError) Unwrap() error { return e.Err }

// InternalError reports a violated reactor invariant.
type InternalError struct {
	Context string
	Err     error
}

func (e *InternalError) Error() string {
	if e.Err == nil {
		return "internal error: " + e.Context
	}

	return "internal error: " + e.Context + ": " + e.Err.Error()
}

func (e *InternalError) Unwrap() error { return e.Err }

// Guard represents claimed server ownership. Shutdown releases it.
type Guard struct {
	lockFile string
}

var pidLocker = fs.NewLocker()

// ClaimOwnership makes this process the database's server by publishing its
// PID into the lock file. The check-and-claim runs under a flock on the
// data directory so two simultaneous starts cannot both win.
//
// Returns [ErrUncleanShutdown] when the lock file exists but is empty; the
// caller runs recovery and retries with force set.
func ClaimOwnership(dataDir string, force bool) (*Guard, error) {
	lockFile := filepath.Join(dataDir, LockFileName)

	dirLock, err := pidLocker.TryLock(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to lock data directory %q: %w", dataDir, err)
	}
	defer dirLock.Close()

	content, readErr := os.ReadFile(lockFile)

	switch {
	case errors.Is(readErr, os.ErrNotExist):
		// First start; fall through to claim.
	case readErr != nil:
		return nil, fmt.Errorf("failed to read lock file %q: %w", lockFile, readErr)
	default:
		claimable, checkErr := checkStaleLock(lockFile, strings.TrimSpace(string(content)), force)
		if checkErr != nil {
			return nil, checkErr
		}

		if !claimable {
			return nil, &InternalError{Context: "stale lock not claimable"}
		}
	}

	pid := strconv.Itoa(os.Getpid())

	writeErr := atomic.WriteFile(lockFile, strings.NewReader(pid))
	if writeErr != nil {
		return nil, fmt.Errorf("failed to write lock file %q: %w", lockFile, writeErr)
	}

	return &Guard{lockFile: lockFile}, nil
}

// checkStaleLock decides whether an existing lock file may be taken over.
func checkStaleLock(lockFile, content string, force bool) (bool, error) {
	if content == "" {
		if force {
			return true, nil
		}

		return false, ErrUncleanShutdown
	}

	pid, parseErr := strconv.Atoi(content)
	if parseErr != nil || pid <= 0 {
		return false, &InvalidPidError{
			Err:     parseErr,
			Context: fmt.Sprintf("lock file %q does not contain a valid PID (%q)", lockFile, content),
		}
	}

	if pidAlive(pid) {
		return false, &ServerAlreadyRunningError{Pid: pid, LockFile: lockFile}
	}

	return true, nil
}

// pidAlive reports whether a process with the given pid exists. EPERM means
// it exists but belongs to someone else.
func pidAlive(pid int) bool {
	err := unix.Kill(pid, 0)

	return err == nil || errors.Is(err, unix.EPERM)
}

// Shutdown releases ownership by removing the lock file.
func (g *Guard) Shutdown() error {
	removeErr := os.Remove(g.lockFile)
	if removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
		return fmt.Errorf("failed to remove lock file %q: %w", g.lockFile, removeErr)
	}

	return nil
}

// ListenSocket binds the SOCK_SEQPACKET server socket at path. A stale
// socket left by a previous owner is unlinked first; ownership was settled
// by [ClaimOwnership] before this runs.
func ListenSocket(path string) (int, error) {
	mkdirErr := os.MkdirAll(filepath.Dir(path), 0o755)
	if mkdirErr != nil {
		return -1, fmt.Errorf("failed to create socket directory for %q: %w", path, mkdirErr)
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("failed to create socket: %w", err)
	}

	addr := &unix.SockaddrUnix{Name: path}

	bindErr := unix.Bind(fd, addr)
	if errors.Is(bindErr, unix.EADDRINUSE) {
		removeErr := os.Remove(path)
		if removeErr != nil {
			_ = unix.Close(fd)

			return -1, fmt.Errorf("failed to remove stale socket %q: %w", path, removeErr)
		}

		bindErr = unix.Bind(fd, addr)
	}

	if bindErr != nil {
		_ = unix.Close(fd)

		return -1, fmt.Errorf("failed to bind socket %q: %w", path, bindErr)
	}

	listenErr := unix.Listen(fd, MaxClients)
	if listenErr != nil {
		_ = unix.Close(fd)

		return -1, fmt.Errorf("failed to listen on %q: %w", path, listenErr)
	}

	return fd, nil
}
