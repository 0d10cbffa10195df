// Package daemon provides the lifecycle of the known synchronization daemon.
//
// It covers the exclusivity lock that keeps a single daemon per user, process
// spawning and stopping, the ready marker used by "known start", and the
// Runner that drives the watch/synchronize loop.
//
// # Basic Usage
//
// Start a background process:
//
//	pid, exitCh, err := daemon.SpawnBackground(paths.Log, []string{"run-daemon"})
//	if err != nil {
//	    return err
//	}
//	// exitCh receives when the child exits (detects early failures)
//
// Check if the daemon is running:
//
//	pid, err := daemon.RunningPID(paths.Lock)
//	if pid > 0 {
//	    fmt.Printf("known daemon is running (PID %d)\n", pid)
//	}
//
// Stop it:
//
//	pid, err := daemon.StopDaemon(ctx, paths.StateDir, paths.Lock)
//
// # Lock File Format
//
// The lock file contains a single line with the process ID as a decimal
// integer. It is created atomically with its content, so a reader never sees
// an empty lock file.
//
// # Platform Support
//
// Unix-like systems (Linux, macOS) and Windows. Platform-specific behavior is
// implemented in daemon_unix.go and daemon_windows.go.
package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/knownrules/known/internal/fileutil"
)

// EnvBackground is set to "1" in the environment of a daemon spawned by
// SpawnBackground.
const EnvBackground = "KNOWN_BACKGROUND"

// IsBackground reports whether this process was spawned by SpawnBackground.
func IsBackground() bool {
	return os.Getenv(EnvBackground) == "1"
}

// WriteReadyFile writes the ready marker to indicate the daemon has finished
// its initial synchronization and is watching.
func WriteReadyFile(path string) error {
	content := fmt.Sprintf("ready\n%d\n", os.Getpid())
	if err := fileutil.WriteFileAtomically(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write ready file: %w", err)
	}
	return nil
}

// RemoveReadyFile removes the ready marker.
func RemoveReadyFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove ready file: %w", err)
	}
	return nil
}

// IsReady checks if the ready marker exists.
func IsReady(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// SpawnBackground re-executes the current binary as a detached background
// process.
//
// The child gets:
//   - stdout/stderr appended to logPath
//   - no stdin
//   - KNOWN_BACKGROUND=1 in its environment
//   - its own process group (Unix only)
//
// Returns the child PID and a channel that is closed when the child exits, so
// callers can detect early failures without relying on kill(0), which cannot
// distinguish zombie processes.
func SpawnBackground(logPath string, args []string) (int, <-chan struct{}, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return 0, nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	executable, err := os.Executable()
	if err != nil {
		return 0, nil, fmt.Errorf("failed to get executable path: %w", err)
	}

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to open log file: %w", err)
	}

	liveness, err := newLivenessCheck()
	if err != nil {
		logFile.Close()
		return 0, nil, err
	}

	cmd := exec.Command(executable, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Stdin = nil
	cmd.Env = append(os.Environ(), EnvBackground+"=1")
	cmd.SysProcAttr = sysProcAttr()
	liveness.configureCmd(cmd)

	if err := cmd.Start(); err != nil {
		logFile.Close()
		liveness.cleanup()
		return 0, nil, fmt.Errorf("failed to start background process: %w", err)
	}

	logFile.Close()
	exitCh := liveness.start(cmd.Process.Pid)

	return cmd.Process.Pid, exitCh, nil
}

// IsProcessRunning checks if a process with the given PID is running.
// Platform-specific implementations are in daemon_unix.go and daemon_windows.go.

// StopProcess asks the process with the given PID to shut down gracefully.
//
// On Unix this sends SIGTERM. On Windows it writes a sentinel stop file in
// stateDir that the daemon polls for.
//
// It returns immediately after sending the request; callers poll
// IsProcessRunning to wait for the exit.

// StopChannel returns a channel that is closed when a stop request arrives
// through the platform's non-signal mechanism. It never fires on Unix, where
// signals are handled via os/signal.
