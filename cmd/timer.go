package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/staffwatch/agent/internal/models"
	"github.com/staffwatch/agent/internal/output"
	"github.com/staffwatch/agent/internal/store"
	"github.com/staffwatch/agent/internal/tracker"
)

var timerCmd = &cobra.Command{
	Use:   "timer",
	Short: "Start and stop session tracking",
	RunE: func(cmd *cobra.Command, args []string) error {
		return timerTodayRun(cmd.Context())
	},
}

var timerStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Open a work session for the current project",
	RunE: func(cmd *cobra.Command, args []string) error {
		return timerStartRun(cmd.Context())
	},
}

var timerStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Close the active work session",
	RunE: func(cmd *cobra.Command, args []string) error {
		return timerStopRun(cmd.Context())
	},
}

var timerTodayCmd = &cobra.Command{
	Use:   "today",
	Short: "Show total time worked today",
	RunE: func(cmd *cobra.Command, args []string) error {
		return timerTodayRun(cmd.Context())
	},
}

func init() {
	timerCmd.AddCommand(timerStartCmd)
	timerCmd.AddCommand(timerStopCmd)
	timerCmd.AddCommand(timerTodayCmd)
	rootCmd.AddCommand(timerCmd)
}

// requireProject resolves the logged-in user's current project.
func requireProject(ctx context.Context, s store.Store) (*models.User, string, error) {
	user, err := s.GetUser(ctx)
	if err != nil {
		return nil, "", err
	}
	if user == nil {
		return nil, "", fmt.Errorf("not logged in (run 'staffwatch auth login')")
	}
	if user.CurrentProjectID == "" {
		return nil, "", fmt.Errorf("no project selected (run 'staffwatch project use <id>')")
	}
	return user, user.CurrentProjectID, nil
}

func timerStartRun(ctx context.Context) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	user, projectID, err := requireProject(ctx, s)
	if err != nil {
		return err
	}

	manager := tracker.NewManager(s)
	session, err := manager.Start(ctx, projectID)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	ui.Success("Tracking %s (session %s)", output.Cyan(user.ProjectName(projectID)), shortUUID(session.UUID))
	return nil
}

func timerStopRun(ctx context.Context) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	_, projectID, err := requireProject(ctx, s)
	if err != nil {
		return err
	}

	active, err := s.ActiveSession(ctx, projectID)
	if err != nil {
		return err
	}
	if active == nil {
		ui.Info("No active session.")
		return nil
	}

	manager := tracker.NewManager(s)
	if err := manager.Stop(ctx, projectID); err != nil {
		return fmt.Errorf("stop session: %w", err)
	}
	ui.Success("Session %s closed.", shortUUID(active.UUID))
	return nil
}

func timerTodayRun(ctx context.Context) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	user, projectID, err := requireProject(ctx, s)
	if err != nil {
		return err
	}

	manager := tracker.NewManager(s)
	total, err := manager.TodayTotal(ctx, projectID)
	if err != nil {
		return err
	}

	ui.Info("Worked today on %s: %s", output.Cyan(user.ProjectName(projectID)), output.Green(tracker.FormatDuration(total)))
	return nil
}

func shortUUID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
