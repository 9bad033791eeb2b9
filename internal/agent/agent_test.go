package agent

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/staffwatch/agent/internal/api"
	"github.com/staffwatch/agent/internal/capture"
	"github.com/staffwatch/agent/internal/models"
	"github.com/staffwatch/agent/internal/outbox"
	"github.com/staffwatch/agent/internal/scheduler"
	"github.com/staffwatch/agent/internal/store"
	"github.com/staffwatch/agent/internal/syncer"
)

func newTestAgent(t *testing.T) (*Agent, *store.SQLiteStore, *scheduler.State) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	state := scheduler.NewState()
	// The engine is never exercised in these tests; the URL is unreachable
	// on purpose.
	eng := syncer.New(s, outbox.New(s), api.NewClient("http://127.0.0.1:0"), nil)

	a := New(s, state, eng, DefaultConfig(),
		capture.NopActivitySource{}, capture.NopWindowSource{}, capture.NopScreenSource{}, nil)
	return a, s, state
}

func loginTestUser(t *testing.T, s *store.SQLiteStore) {
	t.Helper()
	require.NoError(t, s.SaveUser(context.Background(), &models.User{
		UUID:             "user-1",
		Token:            "tok-1",
		Projects:         []models.Project{{ID: "p1", Name: "Acme"}},
		CurrentProjectID: "p1",
	}))
}

func TestStartTracking_NoUser(t *testing.T) {
	a, _, state := newTestAgent(t)

	require.NoError(t, a.StartTracking(context.Background()))
	assert.False(t, state.Monitoring(), "nothing to track without a login")
}

func TestStartStopTracking(t *testing.T) {
	a, s, state := newTestAgent(t)
	loginTestUser(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, a.StartTracking(ctx))
	assert.True(t, state.Monitoring())

	active, err := s.ActiveSession(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, active)

	require.NoError(t, a.StopTracking(ctx))
	assert.False(t, state.Monitoring())

	active, err = s.ActiveSession(ctx, "p1")
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestStartTracking_Twice(t *testing.T) {
	a, s, _ := newTestAgent(t)
	loginTestUser(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, a.StartTracking(ctx))
	first, err := s.ActiveSession(ctx, "p1")
	require.NoError(t, err)

	// Second start keeps the existing session.
	require.NoError(t, a.StartTracking(ctx))
	second, err := s.ActiveSession(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, first.UUID, second.UUID)
}

func TestOnInput_QueuesIdleGap(t *testing.T) {
	a, s, state := newTestAgent(t)
	loginTestUser(t, s)

	state.SetMonitoring(true)
	state.TouchActivity(time.Now().Add(-10 * time.Minute))

	a.onInput(capture.KindKeyboard)

	select {
	case gap := <-a.idleCh:
		assert.GreaterOrEqual(t, gap, 9*time.Minute)
	default:
		t.Fatal("idle gap should have been queued")
	}
}

func TestOnInput_NoGapWhileActive(t *testing.T) {
	a, _, state := newTestAgent(t)

	state.SetMonitoring(true)
	state.TouchActivity(time.Now())

	a.onInput(capture.KindMouse)

	select {
	case <-a.idleCh:
		t.Fatal("no gap expected for a fresh pulse")
	default:
	}

	_, mouse := state.Counters()
	assert.Equal(t, int64(1), mouse)
}

func TestCaptureDelay_Bounds(t *testing.T) {
	a, _, _ := newTestAgent(t)

	for i := 0; i < 50; i++ {
		d := a.captureDelay()
		assert.GreaterOrEqual(t, d, a.cfg.CaptureMinDelay)
		assert.Less(t, d, a.cfg.CaptureMaxDelay)
	}

	// Degenerate range collapses to the minimum.
	a.cfg.CaptureMaxDelay = a.cfg.CaptureMinDelay
	assert.Equal(t, a.cfg.CaptureMinDelay, a.captureDelay())
}
