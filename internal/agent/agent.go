// Package agent wires the background loops together: heartbeat, activity
// sampling, screenshot capture, idle handling, and the two sync loops. Each
// loop polls on its own interval and never blocks on another loop; errors
// are logged and the schedule continues.
package agent

import (
	"context"
	"math/rand"
	"os"
	"time"

	"github.com/charmbracelet/log"

	"github.com/staffwatch/agent/internal/capture"
	"github.com/staffwatch/agent/internal/models"
	"github.com/staffwatch/agent/internal/outbox"
	"github.com/staffwatch/agent/internal/scheduler"
	"github.com/staffwatch/agent/internal/store"
	"github.com/staffwatch/agent/internal/syncer"
	"github.com/staffwatch/agent/internal/tracker"
)

// Config carries the loop intervals and capture settings.
type Config struct {
	HeartbeatInterval    time.Duration
	ActivityInterval     time.Duration
	SyncInterval         time.Duration
	PullInterval         time.Duration
	CaptureCheckInterval time.Duration
	CaptureMinDelay      time.Duration
	CaptureMaxDelay      time.Duration
	CaptureEnabled       bool

	// MaxSessionSpan and IdleThreshold override the tracker defaults when
	// positive.
	MaxSessionSpan time.Duration
	IdleThreshold  time.Duration

	// DefaultDecision resolves idle gaps when no interactive prompter is
	// wired (headless runs).
	DefaultDecision tracker.Decision
}

// DefaultConfig returns the stock loop timings.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:    time.Second,
		ActivityInterval:     5 * time.Second,
		SyncInterval:         2 * time.Minute,
		PullInterval:         10 * time.Minute,
		CaptureCheckInterval: 10 * time.Second,
		CaptureMinDelay:      5 * time.Minute,
		CaptureMaxDelay:      10 * time.Minute,
		CaptureEnabled:       true,
		MaxSessionSpan:       tracker.MaxSessionSpan,
		IdleThreshold:        tracker.IdleThreshold,
		DefaultDecision:      tracker.DecisionKeep,
	}
}

// Decider resolves an idle gap to keep or discard. The interactive
// presentation layer implements this; headless runs use a fixed policy.
type Decider func(gap time.Duration) tracker.Decision

// Agent owns the background loop lifecycles.
type Agent struct {
	store      store.Store
	manager    *tracker.Manager
	reconciler *tracker.Reconciler
	queue      *outbox.Queue
	engine     *syncer.Engine
	state      *scheduler.State

	activity capture.ActivitySource
	window   capture.WindowSource
	screen   capture.ScreenSource

	decide Decider
	logger *log.Logger
	cfg    Config

	idleCh chan time.Duration
}

// New assembles an agent. Any capture source may be the package's no-op
// fallback; the affected loop then simply records nothing.
func New(s store.Store, st *scheduler.State, eng *syncer.Engine, cfg Config,
	activity capture.ActivitySource, window capture.WindowSource, screen capture.ScreenSource,
	decide Decider) *Agent {

	manager := tracker.NewManager(s)
	manager.SetMaxSpan(cfg.MaxSessionSpan)
	reconciler := tracker.NewReconciler(s, manager, st)
	reconciler.SetThreshold(cfg.IdleThreshold)
	a := &Agent{
		store:      s,
		manager:    manager,
		reconciler: reconciler,
		queue:      outbox.New(s),
		engine:     eng,
		state:      st,
		activity:   activity,
		window:     window,
		screen:     screen,
		decide:     decide,
		logger:     log.NewWithOptions(os.Stderr, log.Options{Prefix: "agent"}),
		cfg:        cfg,
		idleCh:     make(chan time.Duration, 1),
	}
	if a.decide == nil {
		a.decide = func(time.Duration) tracker.Decision { return cfg.DefaultDecision }
	}
	return a
}

// Manager exposes the session manager for command-level use.
func (a *Agent) Manager() *tracker.Manager { return a.manager }

// Run starts every loop and blocks until the context is canceled. On
// startup any session left active by a crash is closed, then one eager
// sync and pull run so queued evidence drains immediately after login.
func (a *Agent) Run(ctx context.Context) error {
	if pid := a.currentProject(ctx); pid != "" {
		if err := a.manager.Stop(ctx, pid); err != nil {
			a.logger.Warn("close stale session on startup", "err", err)
		}
	}

	if err := a.engine.Cycle(ctx); err != nil {
		a.logger.Warn("startup sync", "err", err)
	}
	if err := a.engine.PullToday(ctx); err != nil {
		a.logger.Warn("startup pull", "err", err)
	}

	if err := a.activity.Start(a.onInput); err != nil {
		a.logger.Warn("activity source unavailable", "err", err)
	}
	defer a.activity.Stop()

	go a.heartbeatLoop(ctx)
	go a.syncLoop(ctx)
	go a.pullLoop(ctx)
	go a.idleLoop(ctx)

	<-ctx.Done()
	return nil
}

// StartTracking opens a session for the user's current project and arms the
// gated loops. No-op when already tracking, or when no project is selected.
func (a *Agent) StartTracking(ctx context.Context) error {
	pid := a.currentProject(ctx)
	if pid == "" {
		return nil
	}

	if _, err := a.manager.Start(ctx, pid); err != nil {
		return err
	}

	a.state.SetMonitoring(true)
	a.state.TouchActivity(time.Now())
	a.state.ResetCounters()

	a.startActivityLoop(ctx)
	if a.cfg.CaptureEnabled {
		a.startCaptureLoop(ctx)
	}
	a.logger.Info("tracking started", "project", pid)
	return nil
}

// StopTracking closes the active session and drops the monitoring flag; the
// gated loops observe the flag and exit at their next tick.
func (a *Agent) StopTracking(ctx context.Context) error {
	pid := a.currentProject(ctx)
	a.state.SetMonitoring(false)
	if pid == "" {
		return nil
	}
	if err := a.manager.Stop(ctx, pid); err != nil {
		return err
	}
	a.logger.Info("tracking stopped", "project", pid)
	return nil
}

// onInput receives pulses from the activity source. A detected idle gap is
// handed to the idle loop; the channel is buffered and drops duplicates so
// a burst of pulses cannot queue redundant gap events.
func (a *Agent) onInput(kind capture.InputKind) {
	gap, detected := a.reconciler.Pulse(kind, time.Now())
	if !detected {
		return
	}
	select {
	case a.idleCh <- gap:
	default:
	}
}

// idleLoop consumes detected gaps: stop tracking first (so the heartbeat
// loop cannot extend the session under us), ask for a decision, apply the
// adjustment, and resume.
func (a *Agent) idleLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case gap := <-a.idleCh:
			pid := a.currentProject(ctx)
			if pid == "" {
				continue
			}
			if err := a.StopTracking(ctx); err != nil {
				a.logger.Error("stop on idle gap", "err", err)
				continue
			}

			decision := a.decide(gap)
			a.logger.Info("idle gap resolved", "gap", gap, "decision", decision)

			if err := a.reconciler.Resolve(ctx, pid, gap, decision); err != nil {
				a.logger.Error("resolve idle gap", "err", err)
				continue
			}
			// Resolve restarted the session; re-arm the loops and flags.
			if err := a.StartTracking(ctx); err != nil {
				a.logger.Error("resume after idle gap", "err", err)
			}
		}
	}
}

// heartbeatLoop advances the active session once per tick and handles
// forced rotation. Runs for the agent's lifetime; it is a no-op while no
// session is active.
func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pid := a.currentProject(ctx)
			if pid == "" {
				continue
			}
			active, err := a.store.ActiveSession(ctx, pid)
			if err != nil || active == nil {
				continue
			}
			keyboard, mouse := a.state.Counters()
			rotated, err := a.manager.Heartbeat(ctx, active.UUID, keyboard, mouse)
			if err != nil {
				a.logger.Warn("heartbeat", "err", err)
				continue
			}
			if rotated != nil {
				a.state.ResetCounters()
				a.logger.Info("session rotated", "session", rotated.UUID)
			}
		}
	}
}

// startActivityLoop samples the focused window while monitoring is on. The
// guard makes repeated starts no-ops; the loop clears its own guard when
// the monitoring flag drops.
func (a *Agent) startActivityLoop(ctx context.Context) {
	if !a.state.TryStart(scheduler.LoopActivity) {
		return
	}

	go func() {
		defer a.state.Stop(scheduler.LoopActivity)
		ticker := time.NewTicker(a.cfg.ActivityInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !a.state.Monitoring() {
					return
				}
				a.sampleActivity(ctx)
			}
		}
	}()
}

func (a *Agent) sampleActivity(ctx context.Context) {
	pid := a.currentProject(ctx)
	if pid == "" {
		return
	}
	active, err := a.store.ActiveSession(ctx, pid)
	if err != nil || active == nil {
		return
	}
	snap, err := a.window.ActiveWindow()
	if err != nil {
		return
	}
	logEntry := &models.ActivityLog{
		SessionUUID: active.UUID,
		ProjectID:   pid,
		Timestamp:   time.Now().UnixMilli(),
		AppName:     snap.AppName,
		WindowTitle: snap.WindowTitle,
		URL:         snap.URL,
	}
	if err := a.queue.EnqueueActivityLog(ctx, logEntry); err != nil {
		a.logger.Warn("enqueue activity log", "err", err)
	}
}

// startCaptureLoop schedules screenshots at randomized delays while
// monitoring is on. Same guard discipline as the activity loop.
func (a *Agent) startCaptureLoop(ctx context.Context) {
	if !a.state.TryStart(scheduler.LoopCapture) {
		return
	}

	go func() {
		defer a.state.Stop(scheduler.LoopCapture)
		ticker := time.NewTicker(a.cfg.CaptureCheckInterval)
		defer ticker.Stop()

		next := time.Now().Add(a.captureDelay())
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !a.state.Monitoring() {
					return
				}
				if time.Now().Before(next) {
					continue
				}
				a.captureScreenshot(ctx)
				next = time.Now().Add(a.captureDelay())
			}
		}
	}()
}

func (a *Agent) captureDelay() time.Duration {
	min, max := a.cfg.CaptureMinDelay, a.cfg.CaptureMaxDelay
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

func (a *Agent) captureScreenshot(ctx context.Context) {
	pid := a.currentProject(ctx)
	if pid == "" {
		return
	}
	active, err := a.store.ActiveSession(ctx, pid)
	if err != nil || active == nil {
		return
	}
	image, ext, err := a.screen.CaptureScreen()
	if err != nil {
		a.logger.Warn("screen capture", "err", err)
		return
	}
	shot := &models.PendingScreenshot{
		SessionUUID: active.UUID,
		ProjectID:   pid,
		Timestamp:   time.Now().UnixMilli(),
		Image:       image,
		FileExt:     ext,
	}
	if err := a.queue.EnqueueScreenshot(ctx, shot); err != nil {
		a.logger.Warn("enqueue screenshot", "err", err)
	}
}

// syncLoop drains the outbox on a fixed interval. It is deliberately not
// gated by the monitoring flag: queued evidence must reach the server even
// while tracking is paused.
func (a *Agent) syncLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.engine.Cycle(ctx); err != nil {
				a.logger.Warn("sync cycle", "err", err)
			}
		}
	}
}

// pullLoop periodically merges the server's view of today into the local
// store. Also not gated by monitoring.
func (a *Agent) pullLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.PullInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.engine.PullToday(ctx); err != nil {
				a.logger.Warn("pull reconciliation", "err", err)
			}
		}
	}
}

// currentProject resolves the logged-in user's selected project, or "".
// Absence is not an error: no project simply means tracking is inactive.
func (a *Agent) currentProject(ctx context.Context) string {
	user, err := a.store.GetUser(ctx)
	if err != nil || user == nil {
		return ""
	}
	return user.CurrentProjectID
}
