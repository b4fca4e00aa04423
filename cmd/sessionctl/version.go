package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/waypoint-labs/sessionctl/internal/version"
)

// Version returns the current version string.
func Version() string {
	return version.Get()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("sessionctl version %s\n", Version())
	},
}
