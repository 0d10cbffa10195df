package daemon

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/knownrules/known/internal/fileutil"
)

var (
	// ErrAlreadyRunning is returned by AcquireLock when a live process holds
	// the lock.
	ErrAlreadyRunning = errors.New("known daemon is already running")

	// ErrNotRunning is returned by StopDaemon when no live daemon holds the
	// lock.
	ErrNotRunning = errors.New("known daemon is not running")

	errInvalidLock = errors.New("lock file does not contain a process ID")
)

// held records the lock paths owned by this process. A lock file naming our
// own PID that is not in held was left by an earlier process that had the
// same PID, typically before a reboot or container restart.
var (
	heldMu sync.Mutex
	held   = make(map[string]bool)
)

func heldKey(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}

// Lock is the system-wide exclusivity token held by a running daemon.
type Lock struct {
	path       string
	key        string
	pid        int
	acquiredAt time.Time

	once       sync.Once
	releaseErr error
}

func (l *Lock) Path() string          { return l.path }
func (l *Lock) PID() int              { return l.pid }
func (l *Lock) AcquiredAt() time.Time { return l.acquiredAt }

// AcquireLock creates the lock file at path holding the current PID.
//
// Creation is an exclusive create-or-fail: the PID is written to a private
// temp file which is then hard-linked to path, so the lock file never exists
// without its content. If path already exists and its holder is no longer
// alive, the stale file is discarded and the acquisition is retried exactly
// once. A file naming this process's PID is stale unless this process holds
// it, and so is an unreadable one. Otherwise ErrAlreadyRunning is returned.
func AcquireLock(path string) (*Lock, error) {
	if err := fileutil.EnsureParentDir(path); err != nil {
		return nil, fmt.Errorf("failed to create lock directory for %s: %w", path, err)
	}

	pid := os.Getpid()
	key := heldKey(path)

	heldMu.Lock()
	defer heldMu.Unlock()
	if held[key] {
		return nil, alreadyRunning(pid)
	}

	err := createExclusive(path, pid)
	if err == nil {
		return newLock(path, key, pid), nil
	}
	if !errors.Is(err, fs.ErrExist) {
		return nil, err
	}

	holder, err := ReadLockPID(path)
	switch {
	case err == nil && holder == 0:
		// Released between our attempt and the read.
	case err == nil && holder != pid && IsProcessRunning(holder):
		return nil, alreadyRunning(holder)
	case err != nil && !errors.Is(err, errInvalidLock):
		return nil, err
	default:
		if err := discardStale(path); err != nil {
			return nil, err
		}
	}

	if err := createExclusive(path, pid); err != nil {
		if errors.Is(err, fs.ErrExist) {
			holder, _ := ReadLockPID(path)
			return nil, alreadyRunning(holder)
		}
		return nil, err
	}
	return newLock(path, key, pid), nil
}

// newLock must be called with heldMu held.
func newLock(path, key string, pid int) *Lock {
	held[key] = true
	return &Lock{path: path, key: key, pid: pid, acquiredAt: time.Now()}
}

func alreadyRunning(pid int) error {
	if pid <= 0 {
		return ErrAlreadyRunning
	}
	return fmt.Errorf("%w (PID %d)", ErrAlreadyRunning, pid)
}

// Release deletes the lock file if it still holds this lock's PID. Only the
// first call has an effect.
func (l *Lock) Release() error {
	l.once.Do(func() {
		heldMu.Lock()
		defer heldMu.Unlock()
		delete(held, l.key)

		pid, err := ReadLockPID(l.path)
		if err != nil || pid != l.pid {
			// Gone, unreadable or taken over: not ours to delete.
			return
		}
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			l.releaseErr = fmt.Errorf("failed to remove lock file %s: %w", l.path, err)
		}
	})
	return l.releaseErr
}

// ReadLockPID reads the PID stored in the lock file at path.
//
// Return values:
//   - (0, nil):   no lock file
//   - (pid, nil): the lock file holds pid
//   - (0, error): the lock file is unreadable or does not hold a PID
//
// It does not check whether the process is alive.
func ReadLockPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read lock file %s: %w", path, err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("%w: %s", errInvalidLock, path)
	}
	return pid, nil
}

// RunningPID returns the PID of the live lock holder, or 0 when the lock is
// free or stale. Unlike AcquireLock it never modifies the lock file.
func RunningPID(path string) (int, error) {
	pid, err := ReadLockPID(path)
	if err != nil {
		if errors.Is(err, errInvalidLock) {
			return 0, nil
		}
		return 0, err
	}
	if pid == 0 || !IsProcessRunning(pid) {
		return 0, nil
	}
	return pid, nil
}

// createExclusive atomically creates path with pid as its content. It returns
// an error matching fs.ErrExist when path is already present.
func createExclusive(path string, pid int) error {
	tmp := fmt.Sprintf("%s.%s.tmp", path, uuid.NewString())
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write lock file: %w", err)
	}
	defer os.Remove(tmp)

	if err := os.Link(tmp, path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return err
		}
		return fmt.Errorf("failed to create lock file %s: %w", path, err)
	}
	return nil
}

// discardStale removes a stale lock file. The file is first moved aside under
// a unique name, so that a concurrent process that already replaced it with
// its own live lock gets it back instead of losing it.
func discardStale(path string) error {
	grave := fmt.Sprintf("%s.stale-%s", path, uuid.NewString())
	if err := os.Rename(path, grave); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to remove stale lock file %s: %w", path, err)
	}
	defer os.Remove(grave)

	pid, err := ReadLockPID(grave)
	if err == nil && pid != os.Getpid() && IsProcessRunning(pid) {
		if err := os.Link(grave, path); err != nil && !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("failed to restore lock file %s: %w", path, err)
		}
		return alreadyRunning(pid)
	}
	return nil
}
