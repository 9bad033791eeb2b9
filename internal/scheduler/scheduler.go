// Package scheduler holds the shared mutable state the background loops
// coordinate through: the monitoring flag, activity counters, and one-shot
// guards that keep at most one instance of each loop running.
package scheduler

import (
	"sync/atomic"
	"time"
)

// Loop identifies a guarded background loop.
type Loop int

const (
	LoopCapture Loop = iota
	LoopActivity
	loopCount
)

// State is passed by handle to every loop at startup; all fields are
// atomics, so loops read and write without locking. Counters are
// informational and reset at well-defined points (session start, idle-gap
// resolution), not invariant-bearing records.
type State struct {
	monitoring   atomic.Bool
	lastActivity atomic.Int64 // unix seconds
	keyboard     atomic.Int64
	mouse        atomic.Int64

	running [loopCount]atomic.Bool
}

// NewState returns a State with the last-activity marker primed to now so a
// freshly started agent does not immediately detect a bogus idle gap.
func NewState() *State {
	s := &State{}
	s.lastActivity.Store(time.Now().Unix())
	return s
}

// SetMonitoring flips the monitoring flag. Gated loops observe the flag at
// their own polling granularity and exit when it drops.
func (s *State) SetMonitoring(on bool) { s.monitoring.Store(on) }

// Monitoring reports whether tracking is currently enabled.
func (s *State) Monitoring() bool { return s.monitoring.Load() }

// TryStart claims the guard for a loop. It returns false if the loop is
// already running, making repeated start calls no-ops.
func (s *State) TryStart(l Loop) bool { return s.running[l].CompareAndSwap(false, true) }

// Stop releases a loop's guard; each loop clears its own guard on exit.
func (s *State) Stop(l Loop) { s.running[l].Store(false) }

// Running reports whether the loop's guard is held.
func (s *State) Running(l Loop) bool { return s.running[l].Load() }

// CountKeyboard increments the keyboard event counter for the current
// session segment.
func (s *State) CountKeyboard() { s.keyboard.Add(1) }

// CountMouse increments the mouse event counter.
func (s *State) CountMouse() { s.mouse.Add(1) }

// Counters returns the current keyboard and mouse event counts.
func (s *State) Counters() (keyboard, mouse int64) {
	return s.keyboard.Load(), s.mouse.Load()
}

// ResetCounters zeroes both event counters, done when a session segment
// starts.
func (s *State) ResetCounters() {
	s.keyboard.Store(0)
	s.mouse.Store(0)
}

// MarkActivity records an input pulse at the given time and returns the gap
// since the previous pulse. The swap makes gap measurement race-free across
// concurrent sources.
func (s *State) MarkActivity(at time.Time) time.Duration {
	now := at.Unix()
	last := s.lastActivity.Swap(now)
	if last <= 0 || now <= last {
		return 0
	}
	return time.Duration(now-last) * time.Second
}

// TouchActivity resets the last-activity marker without measuring a gap,
// used when monitoring (re)starts.
func (s *State) TouchActivity(at time.Time) {
	s.lastActivity.Store(at.Unix())
}
