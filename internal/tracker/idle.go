package tracker

import (
	"context"
	"fmt"
	"time"

	"github.com/staffwatch/agent/internal/capture"
	"github.com/staffwatch/agent/internal/scheduler"
)

// IdleThreshold is the gap between input pulses beyond which the user is
// considered idle.
const IdleThreshold = 5 * time.Minute

// Decision is the user's verdict on an idle gap.
type Decision string

const (
	DecisionKeep    Decision = "keep"    // gap counts as worked time
	DecisionDiscard Decision = "discard" // gap is deducted from worked time
)

// Reconciler turns input pulses and idle-gap decisions into session-time
// adjustments. It shares the scheduler state with the capture loops and
// applies adjustments through the session manager's store.
type Reconciler struct {
	store     SessionStore
	manager   *Manager
	state     *scheduler.State
	threshold time.Duration
}

// NewReconciler creates a reconciler with the default idle threshold.
func NewReconciler(s SessionStore, m *Manager, st *scheduler.State) *Reconciler {
	return &Reconciler{
		store:     s,
		manager:   m,
		state:     st,
		threshold: IdleThreshold,
	}
}

// SetThreshold overrides the idle threshold. Non-positive values are
// ignored.
func (r *Reconciler) SetThreshold(d time.Duration) {
	if d > 0 {
		r.threshold = d
	}
}

// Pulse records one observed input event. It updates the activity counters
// and the last-activity marker, and reports a detected idle gap when the
// interval since the previous pulse reached the threshold while monitoring
// was enabled.
func (r *Reconciler) Pulse(kind capture.InputKind, at time.Time) (time.Duration, bool) {
	if !r.state.Monitoring() {
		return 0, false
	}

	gap := r.state.MarkActivity(at)
	switch kind {
	case capture.KindKeyboard:
		r.state.CountKeyboard()
	default:
		r.state.CountMouse()
	}

	if gap >= r.threshold {
		return gap, true
	}
	return 0, false
}

// Resolve applies the user's decision for an idle gap. The session is
// assumed already stopped (the gap handler stops it before prompting, to
// avoid racing the heartbeat loop). The gap is always recorded as idle time
// on the most recently started session; a discard additionally deducts it
// from worked time. Tracking is then restarted for the project.
func (r *Reconciler) Resolve(ctx context.Context, projectID string, gap time.Duration, d Decision) error {
	idle := int64(gap.Seconds())
	var deducted int64
	if d == DecisionDiscard {
		deducted = idle
	}

	if err := r.store.AddIdleToLatest(ctx, projectID, idle, deducted); err != nil {
		return fmt.Errorf("apply idle adjustment: %w", err)
	}

	if _, err := r.manager.Start(ctx, projectID); err != nil {
		return fmt.Errorf("restart after idle: %w", err)
	}
	return nil
}
