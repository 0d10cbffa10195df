package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/knownrules/known/agents"
	"github.com/knownrules/known/linksync"
)

var symlinkCmd = &cobra.Command{
	Use:   "symlink",
	Short: "Synchronize the current directory once and register it",
	Long: `Set up the current directory for known:

- Create the .rules directory if needed
- Move rule files found in the tool directories (.cursor/rules, ...) into .rules
- Link every .rules entry into each tool directory
- Point CLAUDE.md and GEMINI.md at AGENTS.md, when AGENTS.md exists
- Register the directory so the daemon keeps it in sync`,
	Args: cobra.NoArgs,
	RunE: runSymlink,
}

func init() {
	rootCmd.AddCommand(symlinkCmd)
}

func runSymlink(cmd *cobra.Command, args []string) error {
	env, err := loadEnvironment()
	if err != nil {
		return err
	}
	dirs, err := projectDirs(nil)
	if err != nil {
		return err
	}
	dir := dirs[0]
	out := cmd.OutOrStdout()
	sync := env.synchronizer()

	adopted, err := sync.Adopt(dir)
	if err != nil {
		return err
	}
	for _, path := range adopted.Adopted {
		fmt.Fprintf(out, "Adopted %s\n", path)
	}
	printProblems(out, adopted)

	rep, err := sync.FullSync(dir)
	if err != nil {
		return err
	}
	printProblems(out, rep)
	fmt.Fprintf(out, "%s %d created, %d removed\n", successStyle.Render("Links:"), len(rep.Created), len(rep.Removed))

	links, err := agents.LinkInstructionFiles(dir)
	switch {
	case errors.Is(err, agents.ErrNoAgentsFile):
		fmt.Fprintln(out, dimStyle.Render("No AGENTS.md found; run 'known init' to create one."))
	case err != nil:
		return err
	default:
		for _, link := range links {
			fmt.Fprintf(out, "Linked %s -> %s\n", link, agents.AgentsFileName)
		}
	}

	store := env.store()
	added, err := store.Add(cmd.Context(), dir)
	if err != nil {
		printWarning(out, "failed to register %s: %v", dir, err)
	} else if added {
		fmt.Fprintf(out, "%s %s\n", successStyle.Render("Registered"), dir)
	} else if err := store.Touch(cmd.Context()); err != nil {
		printWarning(out, "failed to notify the daemon: %v", err)
	}

	if n := len(rep.Failures) + len(adopted.Failures); n > 0 {
		return fmt.Errorf("%d entries could not be synchronized", n)
	}
	return nil
}

func printProblems(w io.Writer, rep *linksync.Report) {
	for _, c := range rep.Conflicts {
		printWarning(w, "%s", c)
	}
	for _, f := range rep.Failures {
		printWarning(w, "%s", f)
	}
}
