// Package syncer reconciles the local store with the remote service: it
// drains the evidence outbox upward and pulls server-held sessions downward.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/staffwatch/agent/internal/api"
	"github.com/staffwatch/agent/internal/models"
	"github.com/staffwatch/agent/internal/outbox"
)

// ErrAuthExpired means a 401 survived the one permitted token refresh; the
// device has been logged out and local state wiped.
var ErrAuthExpired = errors.New("authentication expired")

// Store is the subset of store.Store the engine needs beyond the outbox.
type Store interface {
	GetUser(ctx context.Context) (*models.User, error)
	UpdateToken(ctx context.Context, token string) error
	ClearUser(ctx context.Context) error
	GetSessionByUUID(ctx context.Context, uuid string) (*models.Session, error)
	InsertSyncedSession(ctx context.Context, s *models.Session) error
	ReplaceSessionFromRemote(ctx context.Context, s *models.Session) error
}

// Engine runs the bidirectional synchronization protocol. Upload cycles and
// pull reconciliation are independent: either can fail without affecting
// the other, and both are retried by their own loop interval.
type Engine struct {
	store  Store
	queue  *outbox.Queue
	client *api.Client
	logger *log.Logger

	// onLogout notifies the presentation layer of a forced logout. May be
	// nil.
	onLogout func()

	// now is replaceable in tests.
	now func() time.Time
}

// New creates a sync engine.
func New(s Store, q *outbox.Queue, c *api.Client, onLogout func()) *Engine {
	return &Engine{
		store:    s,
		queue:    q,
		client:   c,
		logger:   log.NewWithOptions(os.Stderr, log.Options{Prefix: "sync"}),
		onLogout: onLogout,
		now:      time.Now,
	}
}

// SetLogger replaces the engine's logger.
func (e *Engine) SetLogger(l *log.Logger) { e.logger = l }

// Cycle runs one upload pass: snapshot the outbox, bulk-upload pending
// sessions (with a single auth-refresh retry on 401), upload screenshots
// concurrently, then commit every confirmed item in one local transaction.
// Evidence is deleted only after the server acknowledged it, never before.
func (e *Engine) Cycle(ctx context.Context) error {
	user, err := e.store.GetUser(ctx)
	if err != nil {
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if user == nil {
		return nil // not logged in
	}
	token := user.Token

	sessions, err := e.queue.PendingSessions(ctx)
	if err != nil {
		return fmt.Errorf("sync snapshot: %w", err)
	}
	shots, err := e.queue.PendingScreenshots(ctx)
	if err != nil {
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if len(sessions) == 0 && len(shots) == 0 {
		return nil
	}

	var confirmedSessions []string
	if len(sessions) > 0 {
		batch := make([]api.SessionRecord, 0, len(sessions))
		for _, sess := range sessions {
			rec := toRecord(sess)
			logs, err := e.queue.SessionLogs(ctx, sess.UUID)
			if err != nil {
				return fmt.Errorf("sync snapshot: %w", err)
			}
			for _, l := range logs {
				rec.ActivityLogs = append(rec.ActivityLogs, api.ActivityLogRecord{
					Timestamp:   l.Timestamp,
					AppName:     l.AppName,
					WindowTitle: l.WindowTitle,
					URL:         l.URL,
				})
			}
			batch = append(batch, rec)
		}

		uploadErr := e.client.UploadSessions(ctx, token, batch)
		if api.IsUnauthorized(uploadErr) {
			token, uploadErr = e.retryAfterRefresh(ctx, token, batch)
			if errors.Is(uploadErr, ErrAuthExpired) {
				return uploadErr
			}
		}

		switch {
		case uploadErr == nil:
			for _, sess := range sessions {
				confirmedSessions = append(confirmedSessions, sess.UUID)
			}
		default:
			// Sessions stay pending; screenshots still get their chance.
			e.logger.Warn("session batch upload failed", "sessions", len(batch), "err", uploadErr)
		}
	}

	confirmedShots := e.uploadScreenshots(ctx, token, shots)

	if len(confirmedSessions) == 0 && len(confirmedShots) == 0 {
		return nil
	}
	if err := e.queue.Commit(ctx, confirmedSessions, confirmedShots); err != nil {
		return fmt.Errorf("sync commit: %w", err)
	}
	e.logger.Info("sync cycle committed",
		"sessions", len(confirmedSessions), "screenshots", len(confirmedShots))
	return nil
}

// retryAfterRefresh performs the single permitted token refresh and batch
// retry. A refresh failure or a second 401 forces a logout and wipes local
// state.
func (e *Engine) retryAfterRefresh(ctx context.Context, token string, batch []api.SessionRecord) (string, error) {
	newToken, err := e.client.RefreshToken(ctx, token)
	if err != nil {
		e.logger.Warn("token refresh failed, logging out", "err", err)
		e.forceLogout(ctx)
		return token, ErrAuthExpired
	}
	if err := e.store.UpdateToken(ctx, newToken); err != nil {
		return token, fmt.Errorf("persist refreshed token: %w", err)
	}

	err = e.client.UploadSessions(ctx, newToken, batch)
	if api.IsUnauthorized(err) {
		e.logger.Warn("session upload rejected after refresh, logging out")
		e.forceLogout(ctx)
		return newToken, ErrAuthExpired
	}
	return newToken, err
}

func (e *Engine) forceLogout(ctx context.Context) {
	if e.onLogout != nil {
		e.onLogout()
	}
	if err := e.store.ClearUser(ctx); err != nil {
		e.logger.Error("clear local state on logout", "err", err)
	}
}

// uploadScreenshots POSTs each staged screenshot concurrently and returns
// the IDs the server acknowledged. Individual failures are isolated: they
// neither block siblings nor invalidate the cycle.
func (e *Engine) uploadScreenshots(ctx context.Context, token string, shots []*models.PendingScreenshot) []string {
	if len(shots) == 0 {
		return nil
	}

	var (
		mu        sync.Mutex
		confirmed []string
		wg        sync.WaitGroup
	)
	for _, shot := range shots {
		wg.Add(1)
		go func(shot *models.PendingScreenshot) {
			defer wg.Done()
			rec := api.ScreenshotRecord{
				SessionUUID: shot.SessionUUID,
				ProjectID:   shot.ProjectID,
				Timestamp:   shot.Timestamp,
				Image:       shot.Image,
				FileExt:     shot.FileExt,
			}
			if err := e.client.UploadScreenshot(ctx, token, rec); err != nil {
				e.logger.Warn("screenshot upload failed", "id", shot.ID, "err", err)
				return
			}
			mu.Lock()
			confirmed = append(confirmed, shot.ID)
			mu.Unlock()
		}(shot)
	}
	wg.Wait()
	return confirmed
}

// PullToday merges the server's view of today's sessions into the local
// store. Unknown sessions are inserted as already synced; known sessions
// are overwritten only when the remote's estimated duration is strictly
// greater than the local one, so a partially synced local session is never
// clobbered by a shorter, stale remote view.
func (e *Engine) PullToday(ctx context.Context) error {
	user, err := e.store.GetUser(ctx)
	if err != nil {
		return fmt.Errorf("pull snapshot: %w", err)
	}
	if user == nil {
		return nil
	}

	remote, err := e.client.TodaySessions(ctx, user.Token)
	if err != nil {
		return fmt.Errorf("pull today: %w", err)
	}

	nowMs := e.now().UnixMilli()
	for _, rec := range remote {
		local, err := e.store.GetSessionByUUID(ctx, rec.UUID)
		if err != nil {
			return fmt.Errorf("pull merge: %w", err)
		}

		incoming := fromRecord(rec)
		if local == nil {
			if err := e.store.InsertSyncedSession(ctx, incoming); err != nil {
				return fmt.Errorf("pull merge: %w", err)
			}
			continue
		}

		if estimateMs(incoming, nowMs) > estimateMs(local, nowMs) {
			if err := e.store.ReplaceSessionFromRemote(ctx, incoming); err != nil {
				return fmt.Errorf("pull merge: %w", err)
			}
		}
	}
	return nil
}

// estimateMs is the merge precedence metric: elapsed span in milliseconds,
// with now standing in for a missing end.
func estimateMs(s *models.Session, nowMs int64) int64 {
	end := nowMs
	if s.EndTime != nil {
		end = *s.EndTime
	}
	if end <= s.StartTime {
		return 0
	}
	return end - s.StartTime
}

func toRecord(s *models.Session) api.SessionRecord {
	return api.SessionRecord{
		UUID:            s.UUID,
		ProjectID:       s.ProjectID,
		StartTime:       s.StartTime,
		EndTime:         s.EndTime,
		IsActive:        s.IsActive,
		IdleSeconds:     s.IdleSeconds,
		DeductedSeconds: s.DeductedSeconds,
		KeyboardEvents:  s.KeyboardEvents,
		MouseEvents:     s.MouseEvents,
	}
}

// fromRecord converts a pulled session to its local form. The remote
// isActive flag is dropped: only this device's own tracking may hold the
// active slot, and a row stored as already-synced must never be one the
// heartbeat loop picks up.
func fromRecord(r api.SessionRecord) *models.Session {
	return &models.Session{
		UUID:            r.UUID,
		ProjectID:       r.ProjectID,
		StartTime:       r.StartTime,
		EndTime:         r.EndTime,
		IsActive:        false,
		IdleSeconds:     r.IdleSeconds,
		DeductedSeconds: r.DeductedSeconds,
		SyncStatus:      models.SyncDone,
	}
}
