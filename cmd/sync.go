package cmd

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/staffwatch/agent/internal/syncer"
)

var syncPullOnly bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync cycle now",
	Long: `Upload every pending session and screenshot, then pull today's
sessions from the server and merge them into the local store. This is
the same cycle the background agent runs on its own schedule.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return syncRun(cmd.Context())
	},
}

func init() {
	syncCmd.Flags().BoolVar(&syncPullOnly, "pull-only", false, "Skip the upload pass and only pull today's sessions")
	rootCmd.AddCommand(syncCmd)
}

func syncRun(ctx context.Context) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	eng := newEngine(s)

	if !syncPullOnly {
		if err := eng.Cycle(ctx); err != nil {
			if errors.Is(err, syncer.ErrAuthExpired) {
				return errors.New("authentication expired; run 'staffwatch auth login'")
			}
			return err
		}
		ui.Success("Upload cycle complete.")
	}

	if err := eng.PullToday(ctx); err != nil {
		return err
	}
	ui.Success("Pulled today's sessions from the server.")
	return nil
}
