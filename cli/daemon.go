package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/knownrules/known/autostart"
	"github.com/knownrules/known/daemon"
	"github.com/knownrules/known/registry"
)

const (
	startupTimeout  = 30 * time.Second
	startupPoll     = 250 * time.Millisecond
	shutdownTimeout = 30 * time.Second
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the synchronization daemon in the background",
	Long: `Start the known daemon as a background process and wait until it has
synchronized every registered directory.

Logs are appended to the daemon log file (see 'known status'). Only one daemon
runs per user; starting a second one fails with exit status 2.`,
	Args: cobra.NoArgs,
	RunE: runStart,
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	Args:  cobra.NoArgs,
	RunE:  runStop,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the daemon is running",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var runDaemonCmd = &cobra.Command{
	Use:   "run-daemon",
	Short: "Run the synchronization daemon in the foreground",
	Long: `Run the known daemon in the foreground until interrupted.

This is what 'known start' and the autostart entry execute. Use it directly to
watch the daemon's log output in a terminal.`,
	Args: cobra.NoArgs,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(startCmd, stopCmd, statusCmd, runDaemonCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	env, err := loadEnvironment()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	pid, err := daemon.RunningPID(env.paths.Lock)
	if err != nil {
		return fmt.Errorf("failed to check running status: %w", err)
	}
	if pid > 0 {
		return fmt.Errorf("%w (PID %d)\nUse 'known stop' to stop it", daemon.ErrAlreadyRunning, pid)
	}

	// Left behind by a daemon that did not shut down cleanly.
	if err := daemon.RemoveReadyFile(env.paths.Ready); err != nil {
		return err
	}

	childPID, exitCh, err := daemon.SpawnBackground(env.paths.Log, []string{runDaemonCmd.Name()})
	if err != nil {
		return fmt.Errorf("failed to start background process: %w", err)
	}

	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		if daemon.IsReady(env.paths.Ready) {
			fmt.Fprintln(out, successStyle.Render(fmt.Sprintf("known daemon started (PID %d)", childPID)))
			fmt.Fprintf(out, "Logs: %s\n", env.paths.Log)
			return nil
		}

		select {
		case <-exitCh:
			// Another start may have won the race for the lock.
			if other, _ := daemon.RunningPID(env.paths.Lock); other > 0 && other != childPID {
				return fmt.Errorf("%w (PID %d)", daemon.ErrAlreadyRunning, other)
			}
			return fmt.Errorf("background process failed to start (check logs at %s)", env.paths.Log)
		default:
		}

		time.Sleep(startupPoll)
	}

	return fmt.Errorf("timeout waiting for the daemon to become ready after %v (check logs at %s)", startupTimeout, env.paths.Log)
}

func runStop(cmd *cobra.Command, args []string) error {
	env, err := loadEnvironment()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	ctx, cancel := context.WithTimeout(cmd.Context(), shutdownTimeout)
	defer cancel()

	pid, err := daemon.StopDaemon(ctx, env.paths.StateDir, env.paths.Lock)
	if err != nil {
		if errors.Is(err, daemon.ErrNotRunning) {
			fmt.Fprintln(out, "known daemon is not running")
			return &ExitError{Code: ExitNotRunning}
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w\nCheck logs at: %s", err, env.paths.Log)
		}
		return err
	}

	fmt.Fprintln(out, successStyle.Render(fmt.Sprintf("known daemon stopped (PID %d)", pid)))
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	env, err := loadEnvironment()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	pid, err := daemon.RunningPID(env.paths.Lock)
	if err != nil {
		return fmt.Errorf("failed to read lock file: %w", err)
	}
	if pid > 0 {
		field(out, "Status", successStyle.Render("running"))
		field(out, "PID", fmt.Sprint(pid))
	} else {
		field(out, "Status", dimStyle.Render("not running"))
	}

	dirs, err := env.store().List()
	switch {
	case errors.Is(err, registry.ErrCorrupt):
		field(out, "Projects", errorStyle.Render("registry is corrupt"))
	case err != nil:
		field(out, "Projects", errorStyle.Render(err.Error()))
	default:
		field(out, "Projects", fmt.Sprint(len(dirs)))
	}

	if enabled, err := autostart.IsEnabled(); err == nil {
		field(out, "Autostart", yesNo(enabled))
	}
	field(out, "Registry", env.paths.Registry)
	field(out, "Log", env.paths.Log)
	return nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	env, err := newEnvironment(true)
	if err != nil {
		return err
	}
	defer env.logger.Sync()

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	stopCh := daemon.StopChannel(env.paths.StateDir)
	go func() {
		select {
		case <-stopCh:
			env.logger.Info("stop requested")
			cancel()
		case <-ctx.Done():
		}
	}()

	runner := daemon.NewRunner(daemon.Options{
		LockPath:        env.paths.Lock,
		ReadyPath:       env.paths.Ready,
		Store:           env.store(),
		Synchronizer:    env.synchronizer(),
		Logger:          env.logger,
		ConfigDebounce:  time.Duration(env.settings.ConfigDebounceMs) * time.Millisecond,
		SyncParallelism: env.settings.SyncParallelism,
	})
	return runner.Run(ctx)
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
