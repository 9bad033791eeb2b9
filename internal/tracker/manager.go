package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/staffwatch/agent/internal/models"
)

// MaxSessionSpan is the forced-rotation threshold: a session running longer
// than this is closed and replaced so a crash loses at most one span of
// unsynced heartbeats.
const MaxSessionSpan = 10 * time.Minute

// SessionStore is the subset of store.Store needed to manage sessions.
type SessionStore interface {
	CreateSession(ctx context.Context, projectID string, startMs int64) (*models.Session, error)
	ActiveSession(ctx context.Context, projectID string) (*models.Session, error)
	CloseSession(ctx context.Context, projectID string, endMs int64) error
	RotateSession(ctx context.Context, projectID string, atMs int64) (*models.Session, error)
	HeartbeatSession(ctx context.Context, uuid string, endMs, keyboard, mouse int64) error
	GetSessionByUUID(ctx context.Context, uuid string) (*models.Session, error)
	LatestSession(ctx context.Context, projectID string) (*models.Session, error)
	SessionsStartedSince(ctx context.Context, projectID string, sinceMs int64) ([]*models.Session, error)
	AddIdleToLatest(ctx context.Context, projectID string, idleSecs, deductedSecs int64) error
}

// Manager owns the session lifecycle for the device: start, stop, heartbeat,
// forced rotation, and the daily total. All mutations are serialized through
// one mutex so concurrent loops can never open two active sessions for the
// same project.
type Manager struct {
	mu      sync.Mutex
	store   SessionStore
	maxSpan time.Duration

	// now is replaceable in tests.
	now func() time.Time
}

// NewManager creates a session manager with the default rotation threshold.
func NewManager(s SessionStore) *Manager {
	return &Manager{
		store:   s,
		maxSpan: MaxSessionSpan,
		now:     time.Now,
	}
}

// SetMaxSpan overrides the forced-rotation threshold. Non-positive values
// are ignored.
func (m *Manager) SetMaxSpan(d time.Duration) {
	if d > 0 {
		m.maxSpan = d
	}
}

// Start opens a new active session for the project. If one is already
// active it is returned unchanged: starting twice is a no-op.
func (m *Manager) Start(ctx context.Context, projectID string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	active, err := m.store.ActiveSession(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return active, nil
	}

	sess, err := m.store.CreateSession(ctx, projectID, m.now().UnixMilli())
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Stop closes the active session for the project; no-op when none is
// active.
func (m *Manager) Stop(ctx context.Context, projectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.store.CloseSession(ctx, projectID, m.now().UnixMilli())
}

// Heartbeat advances a session's end marker to now and overwrites its event
// counters. If the session's span exceeds the rotation threshold it is
// closed and replaced first; the replacement (with counters zeroed) is
// returned so the caller can reset its shared counters. Returns nil when no
// rotation happened.
func (m *Manager) Heartbeat(ctx context.Context, sessionUUID string, keyboard, mouse int64) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.store.GetSessionByUUID(ctx, sessionUUID)
	if err != nil {
		return nil, err
	}
	if sess == nil || !sess.IsActive {
		return nil, nil
	}

	now := m.now()
	nowMs := now.UnixMilli()

	if time.Duration(nowMs-sess.StartTime)*time.Millisecond > m.maxSpan {
		replacement, err := m.store.RotateSession(ctx, sess.ProjectID, nowMs)
		if err != nil {
			return nil, fmt.Errorf("rotate session: %w", err)
		}
		// The heartbeat applies to the fresh segment with counters reset.
		if err := m.store.HeartbeatSession(ctx, replacement.UUID, nowMs, 0, 0); err != nil {
			return nil, err
		}
		return replacement, nil
	}

	if err := m.store.HeartbeatSession(ctx, sessionUUID, nowMs, keyboard, mouse); err != nil {
		return nil, err
	}
	return nil, nil
}

// TodayTotal sums effective worked seconds over all sessions for the
// project that started within the current local calendar day. The still-open
// session is measured against now; deducted idle is subtracted per session
// and floored at zero.
func (m *Manager) TodayTotal(ctx context.Context, projectID string) (int64, error) {
	now := m.now()
	year, month, day := now.Date()
	startOfDay := time.Date(year, month, day, 0, 0, 0, 0, now.Location())

	sessions, err := m.store.SessionsStartedSince(ctx, projectID, startOfDay.UnixMilli())
	if err != nil {
		return 0, err
	}

	nowMs := now.UnixMilli()
	var total int64
	for _, sess := range sessions {
		var secs int64
		if sess.IsActive {
			// Live duration off the wall clock, not the last heartbeat,
			// so the displayed total ticks smoothly.
			if nowMs > sess.StartTime {
				secs = (nowMs - sess.StartTime) / 1000
			}
		} else if sess.EndTime != nil && *sess.EndTime > sess.StartTime {
			secs = (*sess.EndTime - sess.StartTime) / 1000
		}
		secs -= sess.DeductedSeconds
		if secs > 0 {
			total += secs
		}
	}
	return total, nil
}

// FormatDuration renders whole seconds as HH:MM:SS.
func FormatDuration(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d:%02d", seconds/3600, (seconds%3600)/60, seconds%60)
}
