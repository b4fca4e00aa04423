package main

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/waypoint-labs/sessionctl/internal/tui"
)

var watchCmd = &cobra.Command{
	Use:   "watch <project-id>",
	Short: "Live TUI dashboard over a project's event stream",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		events, unsubscribe := a.orch.Subscribe(args[0])
		model := tui.New(args[0], events, unsubscribe)

		p := tea.NewProgram(model)
		_, err = p.Run()
		return err
	},
}
