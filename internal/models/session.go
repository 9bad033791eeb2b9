package models

import "time"

// SyncStatus tracks whether a session has been confirmed by the server.
type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncDone    SyncStatus = "done"
)

// Session is one continuous (or rotated) span of tracked work on a project.
// Timestamps are unix milliseconds; idle/deducted accumulators are whole
// seconds.
type Session struct {
	UUID            string
	ProjectID       string
	StartTime       int64
	EndTime         *int64
	IsActive        bool
	IdleSeconds     int64
	DeductedSeconds int64
	SyncStatus      SyncStatus
	KeyboardEvents  int64
	MouseEvents     int64
}

// Duration returns the session's elapsed span. An open session is measured
// against now.
func (s *Session) Duration(now time.Time) time.Duration {
	end := now.UnixMilli()
	if s.EndTime != nil {
		end = *s.EndTime
	}
	if end <= s.StartTime {
		return 0
	}
	return time.Duration(end-s.StartTime) * time.Millisecond
}

// WorkedSeconds is the effective worked time: elapsed seconds minus deducted
// idle, floored at zero. IdleSeconds is informational and not subtracted.
func (s *Session) WorkedSeconds(now time.Time) int64 {
	secs := int64(s.Duration(now).Seconds()) - s.DeductedSeconds
	if secs < 0 {
		return 0
	}
	return secs
}

// ActivityLog is one sampled window/app observation tied to a session.
// Rows are append-only and deleted together once the parent session syncs.
type ActivityLog struct {
	ID          string
	SessionUUID string
	ProjectID   string
	Timestamp   int64
	AppName     string
	WindowTitle string
	URL         string
}

// PendingScreenshot is an encoded screenshot staged for upload. Rows are
// deleted individually once the server acknowledges the upload.
type PendingScreenshot struct {
	ID          string
	SessionUUID string
	ProjectID   string
	Timestamp   int64
	Image       string // base64-encoded payload
	FileExt     string
}
