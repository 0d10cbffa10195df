package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/knownrules/known/agents"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create AGENTS.md and the .rules directory in the current directory",
	Long: `Initialize known in the current directory.

This command will:
- Keep an existing AGENTS.md as is
- Otherwise rename a lone CLAUDE.md or GEMINI.md to AGENTS.md
- Otherwise create AGENTS.md with default guidance
- Create the .rules directory

When both CLAUDE.md and GEMINI.md exist, an empty AGENTS.md is created and
their content is left for you to merge.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get current directory: %w", err)
	}
	out := cmd.OutOrStdout()

	res, err := agents.Init(cwd)
	if err != nil {
		return fmt.Errorf("error creating %s: %w", agents.AgentsFileName, err)
	}

	switch res.Action {
	case agents.AlreadyPresent:
		fmt.Fprintf(out, "%s already exists: %s\n", agents.AgentsFileName, res.Path)
	case agents.Migrated:
		fmt.Fprintf(out, "Renamed %s to %s\n", res.From, agents.AgentsFileName)
	case agents.CreatedEmpty:
		fmt.Fprintf(out, "Found both %s and %s in the directory.\n", agents.ClaudeFileName, agents.GeminiFileName)
		fmt.Fprintf(out, "An empty %s file has been created.\n", agents.AgentsFileName)
		fmt.Fprintf(out, "Please copy the content from %s and %s into %s as needed.\n",
			agents.ClaudeFileName, agents.GeminiFileName, agents.AgentsFileName)
	}

	fmt.Fprintln(out, successStyle.Render("Successfully initialized project with "+agents.AgentsFileName))
	return nil
}
