package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMonitoringFlag(t *testing.T) {
	s := NewState()
	assert.False(t, s.Monitoring())

	s.SetMonitoring(true)
	assert.True(t, s.Monitoring())

	s.SetMonitoring(false)
	assert.False(t, s.Monitoring())
}

func TestLoopGuard_SingleAcquisition(t *testing.T) {
	s := NewState()

	assert.True(t, s.TryStart(LoopCapture))
	assert.False(t, s.TryStart(LoopCapture), "second claim must fail")
	assert.True(t, s.Running(LoopCapture))

	// Guards are independent per loop.
	assert.True(t, s.TryStart(LoopActivity))

	s.Stop(LoopCapture)
	assert.False(t, s.Running(LoopCapture))
	assert.True(t, s.TryStart(LoopCapture), "released guard can be reclaimed")
}

func TestLoopGuard_Concurrent(t *testing.T) {
	s := NewState()

	var wg sync.WaitGroup
	wins := make(chan struct{}, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.TryStart(LoopActivity) {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	assert.Equal(t, 1, count, "exactly one goroutine should win the guard")
}

func TestCounters(t *testing.T) {
	s := NewState()

	s.CountKeyboard()
	s.CountKeyboard()
	s.CountMouse()

	kb, mouse := s.Counters()
	assert.Equal(t, int64(2), kb)
	assert.Equal(t, int64(1), mouse)

	s.ResetCounters()
	kb, mouse = s.Counters()
	assert.Zero(t, kb)
	assert.Zero(t, mouse)
}

func TestMarkActivity_Gap(t *testing.T) {
	s := NewState()
	base := time.Now()
	s.TouchActivity(base)

	gap := s.MarkActivity(base.Add(90 * time.Second))
	assert.Equal(t, 90*time.Second, gap)

	// The marker moved: the next gap measures from the last pulse.
	gap = s.MarkActivity(base.Add(100 * time.Second))
	assert.Equal(t, 10*time.Second, gap)
}

func TestMarkActivity_NonMonotonic(t *testing.T) {
	s := NewState()
	base := time.Now()
	s.TouchActivity(base)

	// A pulse that does not advance the clock reports no gap.
	assert.Zero(t, s.MarkActivity(base))
	assert.Zero(t, s.MarkActivity(base.Add(-time.Minute)))
}

func TestNewState_PrimesActivity(t *testing.T) {
	s := NewState()

	// A pulse right after startup must not read as a huge gap.
	gap := s.MarkActivity(time.Now().Add(2 * time.Second))
	assert.LessOrEqual(t, gap, 3*time.Second)
}
