// Package api is the HTTP client for the remote tracking service.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// StatusError is a non-2xx response from the service.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned status %d", e.StatusCode)
}

// IsUnauthorized reports whether err is a 401 response, meaning the auth
// token has expired and a refresh should be attempted.
func IsUnauthorized(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusUnauthorized
}

// SessionRecord is the wire representation of a session, used both for
// bulk upload and for pull reconciliation. Timestamps are unix
// milliseconds.
type SessionRecord struct {
	UUID            string              `json:"uuid"`
	ProjectID       string              `json:"projectId"`
	StartTime       int64               `json:"startTime"`
	EndTime         *int64              `json:"endTime,omitempty"`
	IsActive        bool                `json:"isActive"`
	IdleSeconds     int64               `json:"idleSeconds"`
	DeductedSeconds int64               `json:"deductedSeconds"`
	KeyboardEvents  int64               `json:"keyboardEvents"`
	MouseEvents     int64               `json:"mouseEvents"`
	ActivityLogs    []ActivityLogRecord `json:"activityLogs,omitempty"`
}

// ActivityLogRecord is one window observation inside a session upload.
type ActivityLogRecord struct {
	Timestamp   int64  `json:"timestamp"`
	AppName     string `json:"appName"`
	WindowTitle string `json:"windowTitle"`
	URL         string `json:"url,omitempty"`
}

// ScreenshotRecord is the per-item screenshot upload payload.
type ScreenshotRecord struct {
	SessionUUID string `json:"sessionUuid"`
	ProjectID   string `json:"projectId"`
	Timestamp   int64  `json:"timestamp"`
	Image       string `json:"image"`
	FileExt     string `json:"fileExt"`
}

// Client talks to the remote service. All methods classify non-2xx
// responses as *StatusError; transport failures come back as wrapped
// net/http errors.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// UploadSessions POSTs the full pending batch to the sessions endpoint.
// A 2xx means every session in the batch was accepted.
func (c *Client) UploadSessions(ctx context.Context, token string, batch []SessionRecord) error {
	return c.post(ctx, token, "/client/sessions", batch, nil)
}

// UploadScreenshot POSTs one screenshot payload.
func (c *Client) UploadScreenshot(ctx context.Context, token string, shot ScreenshotRecord) error {
	return c.post(ctx, token, "/client/screenshots", shot, nil)
}

// RefreshToken exchanges the expiring token for a fresh one. The current
// token itself is the credential; there is no separate refresh secret.
func (c *Client) RefreshToken(ctx context.Context, token string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.post(ctx, token, "/auth/refresh-token", nil, &resp); err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", fmt.Errorf("refresh token: empty token in response")
	}
	return resp.Token, nil
}

// TodaySessions fetches the server-held sessions for the current day, used
// by pull reconciliation.
func (c *Client) TodaySessions(ctx context.Context, token string) ([]SessionRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/client/sessions/today", nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("today sessions: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}

	var sessions []SessionRecord
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		return nil, fmt.Errorf("decode today sessions: %w", err)
	}
	return sessions, nil
}

func (c *Client) post(ctx context.Context, token, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return nil
}
