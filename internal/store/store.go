package store

import (
	"context"

	"github.com/staffwatch/agent/internal/models"
)

// Store defines the persistence interface for the tracking agent. The local
// database is the offline source of truth: sessions and captured evidence
// stay here until the remote service confirms receipt.
type Store interface {
	// User (single-tenant: at most one row)
	SaveUser(ctx context.Context, u *models.User) error
	GetUser(ctx context.Context) (*models.User, error) // nil when logged out
	ClearUser(ctx context.Context) error
	SetCurrentProject(ctx context.Context, projectID string) error
	UpdateToken(ctx context.Context, token string) error

	// Sessions
	CreateSession(ctx context.Context, projectID string, startMs int64) (*models.Session, error)
	ActiveSession(ctx context.Context, projectID string) (*models.Session, error) // nil when none
	CloseSession(ctx context.Context, projectID string, endMs int64) error
	RotateSession(ctx context.Context, projectID string, atMs int64) (*models.Session, error)
	HeartbeatSession(ctx context.Context, uuid string, endMs, keyboard, mouse int64) error
	LatestSession(ctx context.Context, projectID string) (*models.Session, error) // nil when none
	SessionsStartedSince(ctx context.Context, projectID string, sinceMs int64) ([]*models.Session, error)
	AddIdleToLatest(ctx context.Context, projectID string, idleSecs, deductedSecs int64) error
	GetSessionByUUID(ctx context.Context, uuid string) (*models.Session, error) // nil when none
	InsertSyncedSession(ctx context.Context, s *models.Session) error
	ReplaceSessionFromRemote(ctx context.Context, s *models.Session) error

	// Outbox
	AddActivityLog(ctx context.Context, l *models.ActivityLog) error
	AddScreenshot(ctx context.Context, p *models.PendingScreenshot) error
	PendingScreenshots(ctx context.Context) ([]*models.PendingScreenshot, error)
	PendingSessions(ctx context.Context) ([]*models.Session, error)
	ActivityLogsForSession(ctx context.Context, sessionUUID string) ([]*models.ActivityLog, error)
	DeleteScreenshot(ctx context.Context, id string) error
	CommitSync(ctx context.Context, sessionUUIDs, screenshotIDs []string) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
