package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/staffwatch/agent/internal/output"
	"github.com/staffwatch/agent/internal/tracker"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the local tracking and sync state",
	Long: `Show the logged-in user, the active session, today's total, and the
outbox backlog waiting for the next sync cycle.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return statusRun(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func statusRun(ctx context.Context) error {
	s, err := getStore()
	if err != nil {
		return err
	}

	user, err := s.GetUser(ctx)
	if err != nil {
		return err
	}
	if user == nil {
		ui.Info("Not logged in.")
		return nil
	}

	ui.Info("User: %s <%s>", output.Cyan(displayName(user)), user.Email)
	if user.CurrentProjectID == "" {
		ui.Info("No project selected.")
		return nil
	}
	projectID := user.CurrentProjectID
	ui.Info("Project: %s", output.Cyan(user.ProjectName(projectID)))

	manager := tracker.NewManager(s)
	total, err := manager.TodayTotal(ctx, projectID)
	if err != nil {
		return err
	}
	ui.Info("Worked today: %s", output.Green(tracker.FormatDuration(total)))

	active, err := s.ActiveSession(ctx, projectID)
	if err != nil {
		return err
	}

	now := time.Now()
	if active != nil {
		table := ui.Table([]string{"Session", "State", "Elapsed", "Idle", "Deducted", "Sync"})
		table.Append([]string{
			shortUUID(active.UUID),
			output.SessionColor("active"),
			tracker.FormatDuration(int64(active.Duration(now).Seconds())),
			fmt.Sprintf("%ds", active.IdleSeconds),
			fmt.Sprintf("%ds", active.DeductedSeconds),
			output.SyncColor(string(active.SyncStatus)),
		})
		table.Render()
	} else {
		ui.Info("No active session.")
	}

	pending, err := s.PendingSessions(ctx)
	if err != nil {
		return err
	}
	shots, err := s.PendingScreenshots(ctx)
	if err != nil {
		return err
	}
	ui.Info("Outbox: %d session(s), %d screenshot(s) pending", len(pending), len(shots))
	return nil
}
