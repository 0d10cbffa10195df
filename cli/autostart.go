package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/knownrules/known/autostart"
)

var autostartCmd = &cobra.Command{
	Use:   "autostart",
	Short: "Start the daemon automatically at login",
}

var autostartEnableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Register the daemon to start at login",
	Args:  cobra.NoArgs,
	RunE:  runAutostartEnable,
}

var autostartDisableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Remove the login registration",
	Args:  cobra.NoArgs,
	RunE:  runAutostartDisable,
}

var autostartStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the daemon starts at login",
	Args:  cobra.NoArgs,
	RunE:  runAutostartStatus,
}

func init() {
	autostartCmd.AddCommand(autostartEnableCmd, autostartDisableCmd, autostartStatusCmd)
	rootCmd.AddCommand(autostartCmd)
}

func runAutostartEnable(cmd *cobra.Command, args []string) error {
	entry, err := autostart.NewEntry("")
	if err != nil {
		return err
	}
	if err := autostart.Enable(entry); err != nil {
		return err
	}
	loc, _ := autostart.Location()
	fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render("Autostart enabled"))
	fmt.Fprintf(cmd.OutOrStdout(), "Entry: %s\nCommand: %s\n", loc, entry.CommandLine())
	return nil
}

func runAutostartDisable(cmd *cobra.Command, args []string) error {
	if err := autostart.Disable(); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Autostart disabled")
	return nil
}

func runAutostartStatus(cmd *cobra.Command, args []string) error {
	enabled, err := autostart.IsEnabled()
	if err != nil {
		return err
	}
	loc, _ := autostart.Location()
	field(cmd.OutOrStdout(), "Autostart", yesNo(enabled))
	field(cmd.OutOrStdout(), "Entry", loc)
	return nil
}
