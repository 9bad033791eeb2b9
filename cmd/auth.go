package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/staffwatch/agent/internal/models"
	"github.com/staffwatch/agent/internal/output"
)

var (
	loginUUID     string
	loginName     string
	loginEmail    string
	loginToken    string
	loginProjects []string
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage the local login",
	RunE: func(cmd *cobra.Command, args []string) error {
		return whoamiRun(cmd.Context())
	},
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store the user profile and API token on this machine",
	Long: `Store the authenticated user profile locally. The profile wholesale
replaces any previously stored user, projects included.

Projects are given as id=name pairs:

  staffwatch auth login --uuid u1 --name Ada --email ada@example.com \
      --token tok --project p1="Acme Site" --project p2="Internal Tools"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return loginRun(cmd.Context())
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Erase the stored user and all local tracking data",
	RunE: func(cmd *cobra.Command, args []string) error {
		return logoutRun(cmd.Context())
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the logged-in user",
	RunE: func(cmd *cobra.Command, args []string) error {
		return whoamiRun(cmd.Context())
	},
}

func init() {
	loginCmd.Flags().StringVar(&loginUUID, "uuid", "", "User UUID")
	loginCmd.Flags().StringVar(&loginName, "name", "", "Display name")
	loginCmd.Flags().StringVar(&loginEmail, "email", "", "Email address")
	loginCmd.Flags().StringVar(&loginToken, "token", "", "API token")
	loginCmd.Flags().StringArrayVar(&loginProjects, "project", nil, "Assigned project as id=name (repeatable)")
	_ = loginCmd.MarkFlagRequired("uuid")
	_ = loginCmd.MarkFlagRequired("token")

	authCmd.AddCommand(loginCmd)
	authCmd.AddCommand(logoutCmd)
	authCmd.AddCommand(whoamiCmd)
	rootCmd.AddCommand(authCmd)
}

func loginRun(ctx context.Context) error {
	s, err := getStore()
	if err != nil {
		return err
	}

	projects, err := parseProjectFlags(loginProjects)
	if err != nil {
		return err
	}

	user := &models.User{
		UUID:     loginUUID,
		Name:     loginName,
		Email:    loginEmail,
		Token:    loginToken,
		Projects: projects,
	}
	// Keep the previous project selection when it is still assigned.
	if prev, err := s.GetUser(ctx); err == nil && prev != nil {
		for _, p := range projects {
			if p.ID == prev.CurrentProjectID {
				user.CurrentProjectID = prev.CurrentProjectID
				break
			}
		}
	}
	if user.CurrentProjectID == "" && len(projects) == 1 {
		user.CurrentProjectID = projects[0].ID
	}

	if err := s.SaveUser(ctx, user); err != nil {
		return fmt.Errorf("save user: %w", err)
	}

	ui.Success("Logged in as %s", output.Cyan(displayName(user)))
	if user.CurrentProjectID != "" {
		ui.Info("Current project: %s", output.Cyan(user.ProjectName(user.CurrentProjectID)))
	} else if len(projects) > 1 {
		ui.Info("Select a project with 'staffwatch project use <id>'.")
	}
	return nil
}

func logoutRun(ctx context.Context) error {
	s, err := getStore()
	if err != nil {
		return err
	}

	if err := s.ClearUser(ctx); err != nil {
		return fmt.Errorf("clear user: %w", err)
	}
	ui.Success("Logged out. Local tracking data erased.")
	return nil
}

func whoamiRun(ctx context.Context) error {
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

	ui.Info("Logged in as %s <%s>", output.Cyan(displayName(user)), user.Email)
	if user.CurrentProjectID != "" {
		ui.Info("Current project: %s", output.Cyan(user.ProjectName(user.CurrentProjectID)))
	}
	return nil
}

// parseProjectFlags parses repeated id=name flag values.
func parseProjectFlags(values []string) ([]models.Project, error) {
	projects := make([]models.Project, 0, len(values))
	for _, v := range values {
		id, name, ok := strings.Cut(v, "=")
		if !ok || id == "" {
			return nil, fmt.Errorf("invalid --project value %q (want id=name)", v)
		}
		if name == "" {
			name = id
		}
		projects = append(projects, models.Project{ID: id, Name: name})
	}
	return projects, nil
}

func displayName(u *models.User) string {
	if u.Name != "" {
		return u.Name
	}
	return u.UUID
}
