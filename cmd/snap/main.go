package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// defaultConfigPath is the config file every command reads by default.
const defaultConfigPath = "snapline.yaml"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snap",
		Short: "Snapline: card-driven script and voice pipeline",
		Long: "Snapline turns labelled Trello cards into reviewed scripts and delivered voice-overs.\n" +
			"Run 'snap serve' for the webhook API and 'snap worker' for the stage workers, or 'snap run' for both.",
		SilenceUsage: true,
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newWorkerCmd())
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newResetCmd())
	cmd.AddCommand(newChannelsCmd())
	cmd.AddCommand(newJobsCmd())
	cmd.AddCommand(newDBCmd())
	cmd.AddCommand(newWebhookCmd())
	cmd.AddCommand(newMaintenanceCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "snap %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
