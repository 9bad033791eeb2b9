package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/staffwatch/agent/internal/output"
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "List and select assigned projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		return projectListRun(cmd.Context())
	},
}

var projectListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List projects assigned to the logged-in user",
	RunE: func(cmd *cobra.Command, args []string) error {
		return projectListRun(cmd.Context())
	},
}

var projectUseCmd = &cobra.Command{
	Use:   "use <project-id>",
	Short: "Select the project new sessions are recorded against",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return projectUseRun(cmd.Context(), args[0])
	},
}

func init() {
	projectCmd.AddCommand(projectListCmd)
	projectCmd.AddCommand(projectUseCmd)
	rootCmd.AddCommand(projectCmd)
}

func projectListRun(ctx context.Context) error {
	s, err := getStore()
	if err != nil {
		return err
	}

	user, err := s.GetUser(ctx)
	if err != nil {
		return err
	}
	if user == nil {
		return fmt.Errorf("not logged in (run 'staffwatch auth login')")
	}
	if len(user.Projects) == 0 {
		ui.Info("No projects assigned.")
		return nil
	}

	table := ui.Table([]string{"ID", "Name", "Current"})
	for _, p := range user.Projects {
		current := ""
		if p.ID == user.CurrentProjectID {
			current = output.Green("*")
		}
		table.Append([]string{p.ID, output.Cyan(p.Name), current})
	}
	table.Render()
	return nil
}

func projectUseRun(ctx context.Context, projectID string) error {
	s, err := getStore()
	if err != nil {
		return err
	}

	user, err := s.GetUser(ctx)
	if err != nil {
		return err
	}
	if user == nil {
		return fmt.Errorf("not logged in (run 'staffwatch auth login')")
	}

	found := false
	for _, p := range user.Projects {
		if p.ID == projectID {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("project %q is not assigned to this user", projectID)
	}

	if err := s.SetCurrentProject(ctx, projectID); err != nil {
		return fmt.Errorf("set current project: %w", err)
	}
	ui.Success("Current project: %s", output.Cyan(user.ProjectName(projectID)))
	return nil
}
