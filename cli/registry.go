package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/knownrules/known/config"
	"github.com/knownrules/known/daemon"
	"github.com/knownrules/known/registry"
)

var addCmd = &cobra.Command{
	Use:   "add [dir...]",
	Short: "Register directories with the daemon",
	Long: `Register one or more project directories (default: the current directory).

A running daemon notices the change, synchronizes the new directories and
starts watching their .rules directory. Adding a directory that is already
registered asks the daemon to look at it again.`,
	RunE: runAdd,
}

var removeCmd = &cobra.Command{
	Use:     "remove [dir...]",
	Aliases: []string{"rm"},
	Short:   "Deregister directories",
	Long: `Deregister one or more project directories (default: the current directory).

The daemon stops watching them. Links it already created are left in place.`,
	RunE: runRemove,
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List registered directories",
	Args:    cobra.NoArgs,
	RunE:    runList,
}

func init() {
	rootCmd.AddCommand(addCmd, removeCmd, listCmd)
}

func runAdd(cmd *cobra.Command, args []string) error {
	env, err := loadEnvironment()
	if err != nil {
		return err
	}
	dirs, err := projectDirs(args)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	store := env.store()

	for _, dir := range dirs {
		added, err := store.Add(cmd.Context(), dir)
		if err != nil {
			return fmt.Errorf("failed to add %s: %w", dir, err)
		}
		canonical, _ := registry.Canonicalize(dir)
		if added {
			fmt.Fprintf(out, "%s %s\n", successStyle.Render("Added"), canonical)
		} else {
			if err := store.Touch(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(out, "%s is already registered\n", canonical)
		}
		if !hasRulesDir(canonical) {
			printWarning(out, "%s has no %s directory yet; run 'known symlink' there to create it", canonical, config.RulesDir)
		}
	}

	hintIfNotRunning(cmd, env)
	return nil
}

func runRemove(cmd *cobra.Command, args []string) error {
	env, err := loadEnvironment()
	if err != nil {
		return err
	}
	dirs, err := projectDirs(args)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	store := env.store()

	for _, dir := range dirs {
		removed, err := store.Remove(cmd.Context(), dir)
		if err != nil {
			return fmt.Errorf("failed to remove %s: %w", dir, err)
		}
		if removed {
			fmt.Fprintf(out, "%s %s\n", successStyle.Render("Removed"), dir)
		} else {
			fmt.Fprintf(out, "%s is not registered\n", dir)
		}
	}
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	env, err := loadEnvironment()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	dirs, err := env.store().List()
	if err != nil {
		var corrupt *registry.CorruptError
		if errors.As(err, &corrupt) {
			printWarning(cmd.ErrOrStderr(), "the registry at %s cannot be read; fix or delete it", corrupt.Path)
		}
		return err
	}

	if len(dirs) == 0 {
		fmt.Fprintln(out, "No directories registered. Run 'known add' in a project to register it.")
		return nil
	}

	fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("Registered directories (%d):", len(dirs))))
	for _, dir := range dirs {
		note := ""
		if _, err := os.Stat(dir); err != nil {
			note = warnStyle.Render(" (missing)")
		} else if !hasRulesDir(dir) {
			note = dimStyle.Render(fmt.Sprintf(" (no %s)", config.RulesDir))
		}
		fmt.Fprintf(out, "  %s%s\n", dir, note)
	}
	return nil
}

func hasRulesDir(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, config.RulesDir))
	return err == nil && info.IsDir()
}

func hintIfNotRunning(cmd *cobra.Command, env *environment) {
	if pid, err := daemon.RunningPID(env.paths.Lock); err == nil && pid == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), dimStyle.Render("The daemon is not running. Start it with 'known start'."))
	}
}
