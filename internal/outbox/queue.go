// Package outbox stages captured evidence (screenshots, activity logs,
// session snapshots) in local storage until the remote service confirms
// receipt. Rows are only ever deleted after a confirmed upload, which is
// what gives the sync protocol its at-least-once guarantee.
package outbox

import (
	"context"

	"github.com/staffwatch/agent/internal/models"
)

// Store is the subset of store.Store the queue needs.
type Store interface {
	AddActivityLog(ctx context.Context, l *models.ActivityLog) error
	AddScreenshot(ctx context.Context, p *models.PendingScreenshot) error
	PendingScreenshots(ctx context.Context) ([]*models.PendingScreenshot, error)
	PendingSessions(ctx context.Context) ([]*models.Session, error)
	ActivityLogsForSession(ctx context.Context, sessionUUID string) ([]*models.ActivityLog, error)
	DeleteScreenshot(ctx context.Context, id string) error
	CommitSync(ctx context.Context, sessionUUIDs, screenshotIDs []string) error
}

// Queue is the append/drain surface over the evidence tables.
type Queue struct {
	store Store
}

// New creates a queue over the given store.
func New(s Store) *Queue {
	return &Queue{store: s}
}

// EnqueueScreenshot stages an encoded screenshot for upload.
func (q *Queue) EnqueueScreenshot(ctx context.Context, p *models.PendingScreenshot) error {
	return q.store.AddScreenshot(ctx, p)
}

// EnqueueActivityLog stages a window/app observation for upload with its
// session.
func (q *Queue) EnqueueActivityLog(ctx context.Context, l *models.ActivityLog) error {
	return q.store.AddActivityLog(ctx, l)
}

// PendingScreenshots returns all staged screenshots, oldest first.
func (q *Queue) PendingScreenshots(ctx context.Context) ([]*models.PendingScreenshot, error) {
	return q.store.PendingScreenshots(ctx)
}

// PendingSessions returns every session not yet confirmed by the server,
// active ones included.
func (q *Queue) PendingSessions(ctx context.Context) ([]*models.Session, error) {
	return q.store.PendingSessions(ctx)
}

// SessionLogs returns the staged activity logs for one session.
func (q *Queue) SessionLogs(ctx context.Context, sessionUUID string) ([]*models.ActivityLog, error) {
	return q.store.ActivityLogsForSession(ctx, sessionUUID)
}

// MarkSessionsDone flips the given sessions to synced and deletes their
// activity logs, atomically: the logs are evidence only needed until the
// parent session is confirmed.
func (q *Queue) MarkSessionsDone(ctx context.Context, sessionUUIDs []string) error {
	return q.store.CommitSync(ctx, sessionUUIDs, nil)
}

// DeleteScreenshot removes a single staged screenshot after its upload was
// acknowledged.
func (q *Queue) DeleteScreenshot(ctx context.Context, id string) error {
	return q.store.DeleteScreenshot(ctx, id)
}

// Commit applies the results of a whole sync cycle in one transaction:
// confirmed sessions are marked done (shedding their logs) and acknowledged
// screenshots are deleted.
func (q *Queue) Commit(ctx context.Context, sessionUUIDs, screenshotIDs []string) error {
	return q.store.CommitSync(ctx, sessionUUIDs, screenshotIDs)
}
