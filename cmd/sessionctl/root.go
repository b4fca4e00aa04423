package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var dbPathFlag string

var rootCmd = &cobra.Command{
	Use:   "sessionctl",
	Short: "Session orchestrator for autonomous multi-phase coding projects",
	Long: `sessionctl plans and executes autonomous, multi-phase code-generation
projects.

For each project it runs an initializer session that emits a roadmap
(epics -> tasks -> tests), then drives coding sessions one at a time
until the roadmap is exhausted, a stop is requested, or a gated epic
blocks on failing tests.

Available commands:
  project create   Register a new project
  project init     Run the initializer session
  project code      Start the auto-continue coding loop
  project stop      Request a graceful stop between iterations
  project cancel    Hard-cancel the active session
  project status    Show roadmap progress and the active session
  project delete    Delete a project and everything under it
  serve             Run the composition root and block (reaper + HTTP metrics)
  watch             Live TUI dashboard over a project's event stream

Use "sessionctl [command] --help" for more information about a command.`,
}

func init() {
	rootCmd.Version = Version()
	rootCmd.PersistentFlags().StringVar(&dbPathFlag, "db", "", "path to the sessionctl SQLite database (default: XDG data dir)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(projectCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(watchCmd)
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
