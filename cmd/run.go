package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	agentpkg "github.com/staffwatch/agent/internal/agent"
	"github.com/staffwatch/agent/internal/api"
	"github.com/staffwatch/agent/internal/capture"
	"github.com/staffwatch/agent/internal/daemon"
	"github.com/staffwatch/agent/internal/outbox"
	"github.com/staffwatch/agent/internal/scheduler"
	"github.com/staffwatch/agent/internal/store"
	"github.com/staffwatch/agent/internal/syncer"
	"github.com/staffwatch/agent/internal/tracker"
)

var runStartTracking bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the background agent",
	Long: `Run the agent loops: session heartbeat, idle detection, activity
sampling, screenshot capture, and the sync/pull cycles. Only one agent
instance runs per machine; a PID file guards against double starts.

The agent keeps running until interrupted (Ctrl-C or SIGTERM).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAgent(cmd.Context())
	},
}

func init() {
	runCmd.Flags().BoolVar(&runStartTracking, "start-tracking", false, "Begin tracking immediately instead of waiting for 'timer start'")
	rootCmd.AddCommand(runCmd)
}

func runAgent(ctx context.Context) error {
	s, err := getStore()
	if err != nil {
		return err
	}

	pf := daemon.NewPIDFile(viper.GetString("pid_path"))
	if err := pf.Acquire(); err != nil {
		return err
	}
	defer pf.Release()

	a := buildAgent(s)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if runStartTracking {
		if err := a.StartTracking(ctx); err != nil {
			ui.Warning("start tracking: %v", err)
		}
	}

	ui.Info("Agent running. Press Ctrl-C to stop.")
	if err := a.Run(ctx); err != nil {
		return fmt.Errorf("agent run: %w", err)
	}

	// Close any session that was active when the signal arrived.
	shutdownCtx := context.Background()
	if err := a.StopTracking(shutdownCtx); err != nil {
		ui.Warning("stop tracking on shutdown: %v", err)
	}
	ui.Success("Agent stopped.")
	return nil
}

// buildAgent wires the store, sync engine, scheduler state, and capture
// sources into a configured agent.
func buildAgent(s store.Store) *agentpkg.Agent {
	state := scheduler.NewState()
	eng := newEngine(s)

	cfg := agentpkg.DefaultConfig()
	cfg.HeartbeatInterval = viper.GetDuration("intervals.heartbeat")
	cfg.ActivityInterval = viper.GetDuration("intervals.activity")
	cfg.SyncInterval = viper.GetDuration("intervals.sync")
	cfg.PullInterval = viper.GetDuration("intervals.pull")
	cfg.CaptureCheckInterval = viper.GetDuration("capture.check_interval")
	cfg.CaptureMinDelay = viper.GetDuration("capture.min_delay")
	cfg.CaptureMaxDelay = viper.GetDuration("capture.max_delay")
	cfg.CaptureEnabled = viper.GetBool("capture.enabled")
	cfg.MaxSessionSpan = viper.GetDuration("session.max_duration")
	cfg.IdleThreshold = viper.GetDuration("idle.threshold")
	cfg.DefaultDecision = tracker.Decision(viper.GetString("idle.decision"))

	return agentpkg.New(s, state, eng,
		cfg,
		capture.NopActivitySource{},
		capture.NopWindowSource{},
		capture.NopScreenSource{},
		nil,
	)
}

// newEngine builds a sync engine against the configured API endpoint.
func newEngine(s store.Store) *syncer.Engine {
	client := api.NewClient(viper.GetString("api.base_url"))
	return syncer.New(s, outbox.New(s), client, func() {
		ui.Warning("Session expired; logged out. Run 'staffwatch auth login' to continue.")
	})
}
