package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/waypoint-labs/sessionctl/internal/model"
	"github.com/waypoint-labs/sessionctl/internal/orchestrator"
	"github.com/waypoint-labs/sessionctl/internal/registry"
	"github.com/waypoint-labs/sessionctl/internal/store"
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage sessionctl projects",
}

var (
	flagSpecFile         string
	flagEpicTestingMode  string
	flagSandboxType      string
	flagInitializerModel string
	flagCodingModel      string
	flagMaxIterations    int
)

func init() {
	createCmd.Flags().StringVar(&flagSpecFile, "spec", "", "path to the spec file (required)")
	createCmd.Flags().StringVar(&flagEpicTestingMode, "epic-testing-mode", "strict", "strict or autonomous")
	createCmd.Flags().StringVar(&flagSandboxType, "sandbox", "local", "docker or local")
	createCmd.MarkFlagRequired("spec")

	initCmd.Flags().StringVar(&flagInitializerModel, "initializer-model", "", "model override for the initializer session")

	codeCmd.Flags().StringVar(&flagCodingModel, "coding-model", "", "model override for coding sessions")
	codeCmd.Flags().IntVar(&flagMaxIterations, "max-iterations", 0, "stop after this many coding sessions (0 = unbounded)")

	projectCmd.AddCommand(createCmd, initCmd, cancelInitCmd, codeCmd, stopCmd, cancelCmd, statusCmd, sessionsCmd, deleteCmd)
}

var createCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Register a new project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		specBytes, err := os.ReadFile(flagSpecFile)
		if err != nil {
			return fmt.Errorf("read spec file: %w", err)
		}

		project, err := a.orch.CreateProject(args[0], string(specBytes), orchestrator.CreateProjectOptions{
			EpicTestingMode:  model.EpicTestingMode(flagEpicTestingMode),
			SandboxType:      flagSandboxType,
			InitializerModel: flagInitializerModel,
			CodingModel:      flagCodingModel,
		})
		if err != nil {
			if errors.Is(err, store.ErrAlreadyExists) {
				return fmt.Errorf("project %q already exists", args[0])
			}
			return err
		}

		color.Green("created project %s (%s)", project.Name, project.ID)
		return nil
	},
}

var initCmd = &cobra.Command{
	Use:   "init <project-id>",
	Short: "Run the initializer session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		sess, err := a.orch.Initialize(args[0], orchestrator.InitializeOptions{InitializerModel: flagInitializerModel})
		if err != nil {
			return describeOrchestratorError(err)
		}
		fmt.Printf("session %d (%s) running\n", sess.SessionNumber, sess.Type)
		return nil
	},
}

var cancelInitCmd = &cobra.Command{
	Use:   "cancel-init <project-id>",
	Short: "Cancel the running initializer session and purge its partial roadmap",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.orch.CancelInitialize(args[0])
		if err != nil {
			return describeOrchestratorError(err)
		}
		fmt.Printf("purged %d epics, %d tasks, %d tests\n", result.EpicsDeleted, result.TasksDeleted, result.TestsDeleted)
		return nil
	},
}

var codeCmd = &cobra.Command{
	Use:   "code <project-id>",
	Short: "Start the auto-continue coding loop",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.orch.StartCoding(args[0], orchestrator.StartCodingOptions{
			MaxIterations: flagMaxIterations,
			CodingModel:   flagCodingModel,
		}); err != nil {
			return describeOrchestratorError(err)
		}
		fmt.Println("status: started")
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop <project-id>",
	Short: "Request a graceful stop between iterations",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		a.orch.StopCoding(args[0])
		fmt.Println("status: stopping")
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <project-id>",
	Short: "Hard-cancel the active session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		a.orch.CancelSession(args[0])
		fmt.Println("status: cancelling")
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <project-id>",
	Short: "Delete a project and everything under it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		counts, err := a.orch.DeleteProject(args[0])
		if err != nil {
			return describeOrchestratorError(err)
		}
		fmt.Printf("status: deleted (epics=%d tasks=%d tests=%d sessions=%d)\n",
			counts.EpicsDeleted, counts.TasksDeleted, counts.TestsDeleted, counts.SessionsDeleted)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <project-id>",
	Short: "Show roadmap progress and the active session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.orch.Status(args[0])
		if err != nil {
			return describeOrchestratorError(err)
		}

		fmt.Printf("project %s (initialized=%v, mode=%s)\n", result.Project.Name, result.Project.Initialized, result.Project.EpicTestingMode)
		fmt.Printf("epics: %d total, %d completed, %d blocked\n", result.Progress.EpicsTotal, result.Progress.EpicsCompleted, result.Progress.EpicsBlocked)
		fmt.Printf("tasks: %d/%d done\n", result.Progress.TasksDone, result.Progress.TasksTotal)
		if result.NextTask != nil {
			nextID := ""
			if result.NextTask.Task != nil {
				nextID = result.NextTask.Task.ID
			} else if result.NextTask.Epic != nil {
				nextID = result.NextTask.Epic.ID
			}
			fmt.Printf("next: %s (%s)\n", result.NextTask.Kind, nextID)
		} else {
			color.Green("roadmap complete")
		}
		if result.ActiveSession != nil {
			fmt.Printf("active session: %s (%s)\n", result.ActiveSession.SessionID, result.ActiveSession.Kind)
		} else {
			fmt.Println("active session: none")
		}
		return nil
	},
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions <project-id>",
	Short: "List a project's sessions, most recent first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		sessions, err := a.orch.ListSessions(args[0])
		if err != nil {
			return describeOrchestratorError(err)
		}
		if len(sessions) == 0 {
			fmt.Println("no sessions")
			return nil
		}
		for _, s := range sessions {
			line := fmt.Sprintf("#%d %s %s %s (tools=%d cost=$%.4f)",
				s.SessionNumber, s.Type, s.Status, s.ID, s.Metrics.ToolUses, s.Metrics.CostUSD)
			switch s.Status {
			case model.SessionFailed:
				color.Red("%s reason=%s", line, s.FailureReason)
			case model.SessionCompleted:
				color.Green("%s", line)
			default:
				fmt.Println(line)
			}
		}
		return nil
	},
}

// describeOrchestratorError maps the typed errors the orchestrator
// surface returns to the stable CLI-facing messages.
func describeOrchestratorError(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("not found")
	case errors.Is(err, store.ErrAlreadyInitialized):
		return fmt.Errorf("already initialized")
	case errors.Is(err, store.ErrNotInitialized):
		return fmt.Errorf("not initialized")
	case errors.Is(err, registry.ErrBusy):
		return fmt.Errorf("busy: a session is already active for this project")
	default:
		return err
	}
}
