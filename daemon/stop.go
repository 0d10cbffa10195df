package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const stopPollEvery = 100 * time.Millisecond

// StopDaemon requests the daemon holding the lock at lockPath to shut down and
// waits for its process to exit or ctx to be done. It returns the stopped PID.
//
// When the lock is absent or stale it returns ErrNotRunning; a stale lock file
// is removed on the way.
func StopDaemon(ctx context.Context, stateDir, lockPath string) (int, error) {
	pid, err := ReadLockPID(lockPath)
	if err != nil && !errors.Is(err, errInvalidLock) {
		return 0, err
	}
	if pid == 0 || !IsProcessRunning(pid) {
		if err != nil || pid != 0 {
			if err := discardStale(lockPath); err != nil {
				return 0, err
			}
		}
		return 0, ErrNotRunning
	}

	if err := StopProcess(stateDir, pid); err != nil {
		if !IsProcessRunning(pid) {
			return pid, nil
		}
		return 0, err
	}

	ticker := time.NewTicker(stopPollEvery)
	defer ticker.Stop()
	for IsProcessRunning(pid) {
		select {
		case <-ctx.Done():
			return 0, fmt.Errorf("known daemon (PID %d) did not exit: %w", pid, ctx.Err())
		case <-ticker.C:
		}
	}
	return pid, nil
}
