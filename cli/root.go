package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/knownrules/known/config"
	"github.com/knownrules/known/daemon"
	"github.com/knownrules/known/internal/logging"
	"github.com/knownrules/known/linksync"
	"github.com/knownrules/known/registry"
)

// Version is set at build time with -ldflags "-X".
var Version = "dev"

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "known",
	Short: "Keep project rules in sync across coding tools",
	Long: `known keeps the rule files of a project in one canonical .rules directory
and mirrors them, as symlinks, into the directories each coding tool reads
(.cursor/rules, .windsurf/rules, ...).

A single background daemon does this for every registered project:

  known symlink        adopt existing rules and register the current directory
  known start          start the daemon
  known list           show registered directories
  known stop           stop the daemon`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		printError(os.Stderr, err)
		return ExitCode(err)
	}
	return ExitOK
}

// environment holds what every command needs: the well-known paths, the user
// settings and a logger configured from them.
type environment struct {
	paths    config.Paths
	settings *config.Settings
	logger   *zap.Logger
}

// loadEnvironment reads paths and settings. Only the daemon logs at the
// configured level; other commands report to the user directly and log
// errors only, unless --verbose is given.
func loadEnvironment() (*environment, error) {
	return newEnvironment(false)
}

func newEnvironment(daemonMode bool) (*environment, error) {
	paths, err := config.DefaultPaths()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve known directories: %w", err)
	}

	settings, err := config.LoadSettings(paths.Settings)
	if err != nil {
		return nil, err
	}

	level := "error"
	if daemonMode {
		level = settings.LogLevel
	}
	if verbose {
		level = "debug"
	}
	logger, err := logging.New(logging.Options{Level: level, Format: logFormat(settings.LogFormat, daemonMode)})
	if err != nil {
		return nil, err
	}

	return &environment{paths: paths, settings: settings, logger: logger}, nil
}

// logFormat resolves "auto" to JSON for a daemon spawned by start, whose
// stderr is the log file.
func logFormat(format string, daemonMode bool) string {
	if daemonMode && daemon.IsBackground() && (format == "" || strings.EqualFold(format, "auto")) {
		return "json"
	}
	return format
}

func (e *environment) store() *registry.Store {
	return registry.NewStore(e.paths.Registry, registry.WithLegacyPath(e.paths.LegacyRegistry))
}

func (e *environment) synchronizer() *linksync.Synchronizer {
	return linksync.New(
		linksync.WithTargets(e.settings.Targets...),
		linksync.WithIgnorePatterns(e.settings.Ignore...),
		linksync.WithLogger(e.logger),
	)
}

// projectDirs returns the absolute directories named by args, or the current
// directory when there are none.
func projectDirs(args []string) ([]string, error) {
	if len(args) == 0 {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current directory: %w", err)
		}
		return []string{cwd}, nil
	}
	return args, nil
}
