package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/staffwatch/agent/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	err = s.Migrate(context.Background())
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })
	return s
}

func testUser() *models.User {
	return &models.User{
		UUID:  "user-1",
		Name:  "Ada",
		Email: "ada@example.com",
		Token: "tok-1",
		Projects: []models.Project{
			{ID: "p1", Name: "Acme Site"},
			{ID: "p2", Name: "Internal Tools"},
		},
		CurrentProjectID: "p1",
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "subdir", "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(filepath.Join(dir, "subdir"))
	assert.NoError(t, err, "should create parent directory")
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Running migrate again should be a no-op
	err := s.Migrate(ctx)
	assert.NoError(t, err)
}

// --- User ---

func TestSaveUser_ReplacesWholesale(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveUser(ctx, testUser()))

	// Logging in again replaces the user and the project list completely.
	replacement := &models.User{
		UUID:  "user-2",
		Name:  "Grace",
		Email: "grace@example.com",
		Token: "tok-2",
		Projects: []models.Project{
			{ID: "p9", Name: "New Project"},
		},
	}
	require.NoError(t, s.SaveUser(ctx, replacement))

	got, err := s.GetUser(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "user-2", got.UUID)
	require.Len(t, got.Projects, 1)
	assert.Equal(t, "p9", got.Projects[0].ID)
}

func TestGetUser_LoggedOut(t *testing.T) {
	s := newTestStore(t)

	got, err := s.GetUser(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestClearUser_WipesEverything(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveUser(ctx, testUser()))
	sess, err := s.CreateSession(ctx, "p1", 1000)
	require.NoError(t, err)
	require.NoError(t, s.AddActivityLog(ctx, &models.ActivityLog{
		SessionUUID: sess.UUID, ProjectID: "p1", Timestamp: 1500, AppName: "editor",
	}))
	require.NoError(t, s.AddScreenshot(ctx, &models.PendingScreenshot{
		SessionUUID: sess.UUID, ProjectID: "p1", Timestamp: 1500, Image: "aGVsbG8=",
	}))

	require.NoError(t, s.ClearUser(ctx))

	got, err := s.GetUser(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	sessions, err := s.PendingSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, sessions)

	shots, err := s.PendingScreenshots(ctx)
	require.NoError(t, err)
	assert.Empty(t, shots)
}

func TestSetCurrentProject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveUser(ctx, testUser()))
	require.NoError(t, s.SetCurrentProject(ctx, "p2"))

	got, err := s.GetUser(ctx)
	require.NoError(t, err)
	assert.Equal(t, "p2", got.CurrentProjectID)
}

func TestUpdateToken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveUser(ctx, testUser()))
	require.NoError(t, s.UpdateToken(ctx, "fresh-token"))

	got, err := s.GetUser(ctx)
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", got.Token)
}

// --- Sessions ---

func TestCreateAndActiveSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "p1", 5000)
	require.NoError(t, err)
	assert.NotEmpty(t, sess.UUID)
	assert.True(t, sess.IsActive)
	assert.Equal(t, models.SyncPending, sess.SyncStatus)

	active, err := s.ActiveSession(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, sess.UUID, active.UUID)
	assert.Equal(t, int64(5000), active.StartTime)
	assert.Nil(t, active.EndTime)

	// Other projects see nothing.
	other, err := s.ActiveSession(ctx, "p2")
	require.NoError(t, err)
	assert.Nil(t, other)
}

func TestCloseSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "p1", 5000)
	require.NoError(t, err)

	require.NoError(t, s.CloseSession(ctx, "p1", 9000))

	active, err := s.ActiveSession(ctx, "p1")
	require.NoError(t, err)
	assert.Nil(t, active)

	closed, err := s.GetSessionByUUID(ctx, sess.UUID)
	require.NoError(t, err)
	require.NotNil(t, closed.EndTime)
	assert.Equal(t, int64(9000), *closed.EndTime)
	assert.False(t, closed.IsActive)
}

func TestCloseSession_NoActive(t *testing.T) {
	s := newTestStore(t)

	// Closing with nothing active is a no-op, not an error.
	assert.NoError(t, s.CloseSession(context.Background(), "p1", 9000))
}

func TestRotateSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old, err := s.CreateSession(ctx, "p1", 1000)
	require.NoError(t, err)

	replacement, err := s.RotateSession(ctx, "p1", 7000)
	require.NoError(t, err)
	assert.NotEqual(t, old.UUID, replacement.UUID)
	assert.Equal(t, int64(7000), replacement.StartTime)

	// Old session is closed at the rotation instant.
	closed, err := s.GetSessionByUUID(ctx, old.UUID)
	require.NoError(t, err)
	assert.False(t, closed.IsActive)
	require.NotNil(t, closed.EndTime)
	assert.Equal(t, int64(7000), *closed.EndTime)

	// Exactly one active session remains.
	active, err := s.ActiveSession(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, replacement.UUID, active.UUID)
}

func TestHeartbeatSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "p1", 1000)
	require.NoError(t, err)

	require.NoError(t, s.HeartbeatSession(ctx, sess.UUID, 2000, 12, 34))

	got, err := s.GetSessionByUUID(ctx, sess.UUID)
	require.NoError(t, err)
	require.NotNil(t, got.EndTime)
	assert.Equal(t, int64(2000), *got.EndTime)
	assert.Equal(t, int64(12), got.KeyboardEvents)
	assert.Equal(t, int64(34), got.MouseEvents)
	// Heartbeat advances the end marker without closing the session.
	assert.True(t, got.IsActive)
}

func TestLatestSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	none, err := s.LatestSession(ctx, "p1")
	require.NoError(t, err)
	assert.Nil(t, none)

	_, err = s.CreateSession(ctx, "p1", 1000)
	require.NoError(t, err)
	require.NoError(t, s.CloseSession(ctx, "p1", 2000))

	newer, err := s.CreateSession(ctx, "p1", 3000)
	require.NoError(t, err)

	latest, err := s.LatestSession(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, newer.UUID, latest.UUID)
}

func TestSessionsStartedSince(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateSession(ctx, "p1", 1000)
	require.NoError(t, err)
	require.NoError(t, s.CloseSession(ctx, "p1", 1500))
	_, err = s.CreateSession(ctx, "p1", 3000)
	require.NoError(t, err)
	require.NoError(t, s.CloseSession(ctx, "p1", 3500))
	_, err = s.CreateSession(ctx, "p2", 4000)
	require.NoError(t, err)

	sessions, err := s.SessionsStartedSince(ctx, "p1", 2000)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, int64(3000), sessions[0].StartTime)
}

func TestAddIdleToLatest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateSession(ctx, "p1", 1000)
	require.NoError(t, err)
	require.NoError(t, s.CloseSession(ctx, "p1", 2000))
	latest, err := s.CreateSession(ctx, "p1", 3000)
	require.NoError(t, err)

	// Keep: idle increments, nothing is deducted.
	require.NoError(t, s.AddIdleToLatest(ctx, "p1", 360, 0))
	// Discard: both counters grow.
	require.NoError(t, s.AddIdleToLatest(ctx, "p1", 420, 420))

	got, err := s.GetSessionByUUID(ctx, latest.UUID)
	require.NoError(t, err)
	assert.Equal(t, int64(780), got.IdleSeconds)
	assert.Equal(t, int64(420), got.DeductedSeconds)

	// The older session is untouched.
	sessions, err := s.SessionsStartedSince(ctx, "p1", 0)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Zero(t, sessions[0].IdleSeconds)
}

func TestInsertSyncedSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	end := int64(9000)
	require.NoError(t, s.InsertSyncedSession(ctx, &models.Session{
		UUID:            "remote-1",
		ProjectID:       "p1",
		StartTime:       5000,
		EndTime:         &end,
		IdleSeconds:     60,
		DeductedSeconds: 30,
	}))

	got, err := s.GetSessionByUUID(ctx, "remote-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.SyncDone, got.SyncStatus)
	assert.Equal(t, int64(60), got.IdleSeconds)

	// Already-confirmed rows never enter the outbox.
	pending, err := s.PendingSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestInsertSyncedSession_NeverClaimsActiveSlot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	local, err := s.CreateSession(ctx, "p1", 1000)
	require.NoError(t, err)

	// A pulled row may claim to be active on another device; it must not
	// compete with this device's own tracking for the active slot.
	require.NoError(t, s.InsertSyncedSession(ctx, &models.Session{
		UUID:      "remote-1",
		ProjectID: "p1",
		StartTime: 2000,
		IsActive:  true,
	}))

	active, err := s.ActiveSession(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, local.UUID, active.UUID)

	got, err := s.GetSessionByUUID(ctx, "remote-1")
	require.NoError(t, err)
	assert.False(t, got.IsActive)
}

func TestReplaceSessionFromRemote_PreservesCounters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "p1", 1000)
	require.NoError(t, err)
	require.NoError(t, s.HeartbeatSession(ctx, sess.UUID, 2000, 50, 60))

	end := int64(8000)
	require.NoError(t, s.ReplaceSessionFromRemote(ctx, &models.Session{
		UUID:        sess.UUID,
		ProjectID:   "p1",
		StartTime:   1000,
		EndTime:     &end,
		IsActive:    true,
		IdleSeconds: 120,
	}))

	got, err := s.GetSessionByUUID(ctx, sess.UUID)
	require.NoError(t, err)
	assert.Equal(t, int64(8000), *got.EndTime)
	assert.Equal(t, int64(120), got.IdleSeconds)
	assert.Equal(t, models.SyncDone, got.SyncStatus)
	assert.False(t, got.IsActive)
	// Event counters survive the overwrite.
	assert.Equal(t, int64(50), got.KeyboardEvents)
	assert.Equal(t, int64(60), got.MouseEvents)
}

// --- Outbox ---

func TestActivityLogs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "p1", 1000)
	require.NoError(t, err)

	l := &models.ActivityLog{
		SessionUUID: sess.UUID,
		ProjectID:   "p1",
		Timestamp:   1500,
		AppName:     "editor",
		WindowTitle: "main.go",
	}
	require.NoError(t, s.AddActivityLog(ctx, l))
	assert.NotEmpty(t, l.ID, "should assign a ULID")

	logs, err := s.ActivityLogsForSession(ctx, sess.UUID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "editor", logs[0].AppName)
}

func TestAddScreenshot_DefaultExt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := &models.PendingScreenshot{
		SessionUUID: "s1",
		ProjectID:   "p1",
		Timestamp:   1500,
		Image:       "aGVsbG8=",
	}
	require.NoError(t, s.AddScreenshot(ctx, p))

	shots, err := s.PendingScreenshots(ctx)
	require.NoError(t, err)
	require.Len(t, shots, 1)
	assert.Equal(t, "webp", shots[0].FileExt)
}

func TestDeleteScreenshot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := &models.PendingScreenshot{SessionUUID: "s1", ProjectID: "p1", Timestamp: 1, Image: "x"}
	require.NoError(t, s.AddScreenshot(ctx, p))
	require.NoError(t, s.DeleteScreenshot(ctx, p.ID))

	shots, err := s.PendingScreenshots(ctx)
	require.NoError(t, err)
	assert.Empty(t, shots)
}

func TestCommitSync(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	confirmed, err := s.CreateSession(ctx, "p1", 1000)
	require.NoError(t, err)
	require.NoError(t, s.CloseSession(ctx, "p1", 2000))
	unconfirmed, err := s.CreateSession(ctx, "p1", 3000)
	require.NoError(t, err)

	require.NoError(t, s.AddActivityLog(ctx, &models.ActivityLog{
		SessionUUID: confirmed.UUID, ProjectID: "p1", Timestamp: 1500, AppName: "editor",
	}))
	require.NoError(t, s.AddActivityLog(ctx, &models.ActivityLog{
		SessionUUID: unconfirmed.UUID, ProjectID: "p1", Timestamp: 3500, AppName: "browser",
	}))

	shot := &models.PendingScreenshot{SessionUUID: confirmed.UUID, ProjectID: "p1", Timestamp: 1, Image: "x"}
	require.NoError(t, s.AddScreenshot(ctx, shot))
	kept := &models.PendingScreenshot{SessionUUID: unconfirmed.UUID, ProjectID: "p1", Timestamp: 2, Image: "y"}
	require.NoError(t, s.AddScreenshot(ctx, kept))

	require.NoError(t, s.CommitSync(ctx, []string{confirmed.UUID}, []string{shot.ID}))

	// Confirmed session flipped to done and shed its logs.
	got, err := s.GetSessionByUUID(ctx, confirmed.UUID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncDone, got.SyncStatus)

	logs, err := s.ActivityLogsForSession(ctx, confirmed.UUID)
	require.NoError(t, err)
	assert.Empty(t, logs)

	// Unconfirmed evidence stays queued.
	pending, err := s.PendingSessions(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, unconfirmed.UUID, pending[0].UUID)

	logs, err = s.ActivityLogsForSession(ctx, unconfirmed.UUID)
	require.NoError(t, err)
	assert.Len(t, logs, 1)

	shots, err := s.PendingScreenshots(ctx)
	require.NoError(t, err)
	require.Len(t, shots, 1)
	assert.Equal(t, kept.ID, shots[0].ID)
}

func TestCommitSync_Empty(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.CommitSync(context.Background(), nil, nil))
}

func TestStorageError_Wrapping(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Duplicate primary key surfaces as a StorageError.
	require.NoError(t, s.InsertSyncedSession(ctx, &models.Session{UUID: "dup", ProjectID: "p1", StartTime: 1}))
	err := s.InsertSyncedSession(ctx, &models.Session{UUID: "dup", ProjectID: "p1", StartTime: 1})
	require.Error(t, err)
	assert.True(t, IsStorage(err))
}

func TestPendingSessions_IncludesActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	active, err := s.CreateSession(ctx, "p1", time.Now().UnixMilli())
	require.NoError(t, err)

	pending, err := s.PendingSessions(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, active.UUID, pending[0].UUID)
	assert.True(t, pending[0].IsActive)
}
