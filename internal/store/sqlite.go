package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/staffwatch/agent/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. Limiting to a single
	// connection serializes all DB access through Go's connection pool, so
	// the background loops never contend on the file lock: each operation
	// checks a connection out and returns it, the Go analogue of an
	// open-per-operation handle.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// newULID generates a new ULID string for local-only row IDs.
func newULID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- User ---

// SaveUser replaces the cached account wholesale: the user row and the
// project list are wiped and re-inserted in one transaction (single-user
// device, login replaces everything).
func (s *SQLiteStore) SaveUser(ctx context.Context, u *models.User) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("save user: begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM projects"); err != nil {
		return storageErr("save user: clear projects", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM users"); err != nil {
		return storageErr("save user: clear users", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO users (uuid, name, email, token, current_project_id) VALUES (?, ?, ?, ?, ?)`,
		u.UUID, u.Name, u.Email, u.Token, u.CurrentProjectID,
	)
	if err != nil {
		return storageErr("save user: insert user", err)
	}

	for _, p := range u.Projects {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO projects (id, name) VALUES (?, ?)", p.ID, p.Name); err != nil {
			return storageErr("save user: insert project", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storageErr("save user: commit", err)
	}
	return nil
}

// GetUser returns the cached account, or nil if nobody is logged in.
func (s *SQLiteStore) GetUser(ctx context.Context) (*models.User, error) {
	u := &models.User{}
	err := s.db.QueryRowContext(ctx,
		"SELECT uuid, name, email, token, current_project_id FROM users LIMIT 1",
	).Scan(&u.UUID, &u.Name, &u.Email, &u.Token, &u.CurrentProjectID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get user", err)
	}

	rows, err := s.db.QueryContext(ctx, "SELECT id, name FROM projects ORDER BY name")
	if err != nil {
		return nil, storageErr("get user: projects", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var p models.Project
		if err := rows.Scan(&p.ID, &p.Name); err != nil {
			return nil, storageErr("get user: scan project", err)
		}
		u.Projects = append(u.Projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("get user: projects", err)
	}
	return u, nil
}

// ClearUser wipes the account and every locally held record, including the
// outbox. Used on logout and on forced logout after an auth failure.
func (s *SQLiteStore) ClearUser(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("clear user: begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"projects", "users", "sessions", "activity_logs", "pending_screenshots"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return storageErr("clear user: "+table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storageErr("clear user: commit", err)
	}
	return nil
}

func (s *SQLiteStore) SetCurrentProject(ctx context.Context, projectID string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE users SET current_project_id = ?", projectID)
	return storageErr("set current project", err)
}

func (s *SQLiteStore) UpdateToken(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE users SET token = ?", token)
	return storageErr("update token", err)
}

// --- Sessions ---

const sessionColumns = `uuid, project_id, start_time, end_time, is_active,
	idle_seconds, deducted_seconds, sync_status, keyboard_events, mouse_events`

func scanSession(row interface{ Scan(...any) error }) (*models.Session, error) {
	sess := &models.Session{}
	var endTime sql.NullInt64
	var status string
	err := row.Scan(&sess.UUID, &sess.ProjectID, &sess.StartTime, &endTime,
		&sess.IsActive, &sess.IdleSeconds, &sess.DeductedSeconds, &status,
		&sess.KeyboardEvents, &sess.MouseEvents)
	if err != nil {
		return nil, err
	}
	if endTime.Valid {
		sess.EndTime = &endTime.Int64
	}
	sess.SyncStatus = models.SyncStatus(status)
	return sess, nil
}

// CreateSession opens a new active session for the project. The caller is
// responsible for the one-active-session invariant (see RotateSession for
// the atomic close-then-open variant).
func (s *SQLiteStore) CreateSession(ctx context.Context, projectID string, startMs int64) (*models.Session, error) {
	sess := &models.Session{
		UUID:       uuid.NewString(),
		ProjectID:  projectID,
		StartTime:  startMs,
		IsActive:   true,
		SyncStatus: models.SyncPending,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (uuid, project_id, start_time, is_active, sync_status)
		VALUES (?, ?, ?, 1, ?)`,
		sess.UUID, sess.ProjectID, sess.StartTime, string(sess.SyncStatus),
	)
	if err != nil {
		return nil, storageErr("create session", err)
	}
	return sess, nil
}

// ActiveSession returns the active session for a project, or nil.
func (s *SQLiteStore) ActiveSession(ctx context.Context, projectID string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		WHERE project_id = ? AND is_active = 1 LIMIT 1`, projectID)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("active session", err)
	}
	return sess, nil
}

// CloseSession ends the active session for a project. No-op when none is
// active.
func (s *SQLiteStore) CloseSession(ctx context.Context, projectID string, endMs int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET is_active = 0, end_time = ? WHERE project_id = ? AND is_active = 1",
		endMs, projectID)
	return storageErr("close session", err)
}

// RotateSession closes the active session and opens its replacement as one
// atomic unit, so no observer ever sees two active sessions (or a gap) for
// the project.
func (s *SQLiteStore) RotateSession(ctx context.Context, projectID string, atMs int64) (*models.Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("rotate session: begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		"UPDATE sessions SET is_active = 0, end_time = ? WHERE project_id = ? AND is_active = 1",
		atMs, projectID); err != nil {
		return nil, storageErr("rotate session: close", err)
	}

	sess := &models.Session{
		UUID:       uuid.NewString(),
		ProjectID:  projectID,
		StartTime:  atMs,
		IsActive:   true,
		SyncStatus: models.SyncPending,
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (uuid, project_id, start_time, is_active, sync_status)
		VALUES (?, ?, ?, 1, ?)`,
		sess.UUID, sess.ProjectID, sess.StartTime, string(sess.SyncStatus)); err != nil {
		return nil, storageErr("rotate session: open", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, storageErr("rotate session: commit", err)
	}
	return sess, nil
}

// HeartbeatSession advances a session's end marker and overwrites its event
// counters. End time tracks "up to now" so a crash loses at most one
// heartbeat interval.
func (s *SQLiteStore) HeartbeatSession(ctx context.Context, uuid string, endMs, keyboard, mouse int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET end_time = ?, keyboard_events = ?, mouse_events = ? WHERE uuid = ?",
		endMs, keyboard, mouse, uuid)
	return storageErr("heartbeat session", err)
}

// LatestSession returns the most recently started session for a project,
// open or closed, or nil.
func (s *SQLiteStore) LatestSession(ctx context.Context, projectID string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		WHERE project_id = ? ORDER BY start_time DESC LIMIT 1`, projectID)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("latest session", err)
	}
	return sess, nil
}

func (s *SQLiteStore) SessionsStartedSince(ctx context.Context, projectID string, sinceMs int64) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		WHERE project_id = ? AND start_time >= ? ORDER BY start_time`,
		projectID, sinceMs)
	if err != nil {
		return nil, storageErr("sessions started since", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, storageErr("sessions started since: scan", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("sessions started since", err)
	}
	return sessions, nil
}

// AddIdleToLatest applies an idle-gap adjustment to the most recently
// started session for the project. Targeting the latest row (rather than a
// caller-held id) tolerates the session having just been closed by the same
// idle event.
func (s *SQLiteStore) AddIdleToLatest(ctx context.Context, projectID string, idleSecs, deductedSecs int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions
		SET idle_seconds = idle_seconds + ?, deducted_seconds = deducted_seconds + ?
		WHERE uuid = (SELECT uuid FROM sessions WHERE project_id = ? ORDER BY start_time DESC LIMIT 1)`,
		idleSecs, deductedSecs, projectID)
	return storageErr("add idle to latest", err)
}

func (s *SQLiteStore) GetSessionByUUID(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE uuid = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get session by uuid", err)
	}
	return sess, nil
}

// InsertSyncedSession records a session that originated remotely (another
// device or a prior install). It arrives already confirmed, so it is stored
// with sync_status done and never re-uploaded. It is always stored inactive:
// the active slot belongs to this device's own tracking, and a second
// is_active row would let the heartbeat loop latch onto a row that is never
// re-uploaded.
func (s *SQLiteStore) InsertSyncedSession(ctx context.Context, sess *models.Session) error {
	var endTime any
	if sess.EndTime != nil {
		endTime = *sess.EndTime
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (uuid, project_id, start_time, end_time, is_active,
			idle_seconds, deducted_seconds, sync_status, keyboard_events, mouse_events)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?, 0, 0)`,
		sess.UUID, sess.ProjectID, sess.StartTime, endTime,
		sess.IdleSeconds, sess.DeductedSeconds, string(models.SyncDone))
	return storageErr("insert synced session", err)
}

// ReplaceSessionFromRemote overwrites a local session's span and idle
// bookkeeping with the remote view. Local event counters are preserved (the
// remote snapshot does not carry them) and the row is marked done and
// inactive, whatever the remote claims: a confirmed row must never hold the
// project's active slot.
func (s *SQLiteStore) ReplaceSessionFromRemote(ctx context.Context, sess *models.Session) error {
	var endTime any
	if sess.EndTime != nil {
		endTime = *sess.EndTime
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET project_id = ?, start_time = ?, end_time = ?, is_active = 0,
			idle_seconds = ?, deducted_seconds = ?, sync_status = ?
		WHERE uuid = ?`,
		sess.ProjectID, sess.StartTime, endTime,
		sess.IdleSeconds, sess.DeductedSeconds, string(models.SyncDone), sess.UUID)
	return storageErr("replace session from remote", err)
}

// --- Outbox ---

func (s *SQLiteStore) AddActivityLog(ctx context.Context, l *models.ActivityLog) error {
	if l.ID == "" {
		l.ID = newULID()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO activity_logs (id, session_uuid, project_id, timestamp, app_name, window_title, url)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.SessionUUID, l.ProjectID, l.Timestamp, l.AppName, l.WindowTitle, l.URL)
	return storageErr("add activity log", err)
}

func (s *SQLiteStore) AddScreenshot(ctx context.Context, p *models.PendingScreenshot) error {
	if p.ID == "" {
		p.ID = newULID()
	}
	if p.FileExt == "" {
		p.FileExt = "webp"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_screenshots (id, session_uuid, project_id, timestamp, image, file_ext)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.SessionUUID, p.ProjectID, p.Timestamp, p.Image, p.FileExt)
	return storageErr("add screenshot", err)
}

func (s *SQLiteStore) PendingScreenshots(ctx context.Context) ([]*models.PendingScreenshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_uuid, project_id, timestamp, image, file_ext
		FROM pending_screenshots ORDER BY timestamp`)
	if err != nil {
		return nil, storageErr("pending screenshots", err)
	}
	defer func() { _ = rows.Close() }()

	var shots []*models.PendingScreenshot
	for rows.Next() {
		p := &models.PendingScreenshot{}
		if err := rows.Scan(&p.ID, &p.SessionUUID, &p.ProjectID, &p.Timestamp, &p.Image, &p.FileExt); err != nil {
			return nil, storageErr("pending screenshots: scan", err)
		}
		shots = append(shots, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("pending screenshots", err)
	}
	return shots, nil
}

// PendingSessions returns every session not yet confirmed by the server,
// including the currently active one (active sessions sync incrementally).
func (s *SQLiteStore) PendingSessions(ctx context.Context) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		WHERE sync_status = ? ORDER BY start_time`, string(models.SyncPending))
	if err != nil {
		return nil, storageErr("pending sessions", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, storageErr("pending sessions: scan", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("pending sessions", err)
	}
	return sessions, nil
}

func (s *SQLiteStore) ActivityLogsForSession(ctx context.Context, sessionUUID string) ([]*models.ActivityLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_uuid, project_id, timestamp, app_name, window_title, url
		FROM activity_logs WHERE session_uuid = ? ORDER BY timestamp`, sessionUUID)
	if err != nil {
		return nil, storageErr("activity logs for session", err)
	}
	defer func() { _ = rows.Close() }()

	var logs []*models.ActivityLog
	for rows.Next() {
		l := &models.ActivityLog{}
		if err := rows.Scan(&l.ID, &l.SessionUUID, &l.ProjectID, &l.Timestamp, &l.AppName, &l.WindowTitle, &l.URL); err != nil {
			return nil, storageErr("activity logs for session: scan", err)
		}
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("activity logs for session", err)
	}
	return logs, nil
}

func (s *SQLiteStore) DeleteScreenshot(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM pending_screenshots WHERE id = ?", id)
	return storageErr("delete screenshot", err)
}

// CommitSync applies the local side of a successful upload in one
// transaction: confirmed sessions flip to done and shed their activity logs,
// acknowledged screenshots are deleted. Either everything commits or the
// evidence stays queued for the next cycle.
func (s *SQLiteStore) CommitSync(ctx context.Context, sessionUUIDs, screenshotIDs []string) error {
	if len(sessionUUIDs) == 0 && len(screenshotIDs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("commit sync: begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	if len(sessionUUIDs) > 0 {
		placeholders, args := inArgs(sessionUUIDs)

		markArgs := append([]any{string(models.SyncDone)}, args...)
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("UPDATE sessions SET sync_status = ? WHERE uuid IN (%s)", placeholders),
			markArgs...); err != nil {
			return storageErr("commit sync: mark sessions", err)
		}

		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM activity_logs WHERE session_uuid IN (%s)", placeholders),
			args...); err != nil {
			return storageErr("commit sync: delete logs", err)
		}
	}

	if len(screenshotIDs) > 0 {
		placeholders, args := inArgs(screenshotIDs)
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM pending_screenshots WHERE id IN (%s)", placeholders),
			args...); err != nil {
			return storageErr("commit sync: delete screenshots", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storageErr("commit sync: commit", err)
	}
	return nil
}

// inArgs builds a "?, ?, ?" placeholder list and matching args slice.
func inArgs(ids []string) (string, []any) {
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	return strings.Join(placeholders, ","), args
}
