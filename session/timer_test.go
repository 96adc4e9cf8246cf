package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManualTimer() (*Timer, chan time.Time) {
	ch := make(chan time.Time)
	t := NewTimer()
	t.ticker = func(time.Duration) (<-chan time.Time, func()) { return ch, func() {} }
	return t, ch
}

// tick delivers one tick if a counting goroutine is receiving.
func tick(ch chan time.Time) bool {
	select {
	case ch <- time.Now():
		return true
	case <-time.After(50 * time.Millisecond):
		return false
	}
}

func TestTimer_CountsTicks(t *testing.T) {
	tm, ch := newManualTimer()
	tm.Start()
	defer tm.Reset()

	require.True(t, tick(ch))
	require.True(t, tick(ch))
	require.Eventually(t, func() bool { return tm.Elapsed() == 2 }, time.Second, time.Millisecond)
	assert.True(t, tm.Running())
}

func TestTimer_DoubleStartKeepsSingleCounter(t *testing.T) {
	tm, ch := newManualTimer()
	tm.Start()
	tm.Start()
	defer tm.Reset()

	require.True(t, tick(ch))
	require.Eventually(t, func() bool { return tm.Elapsed() == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, tm.Elapsed())
}

func TestTimer_StopFreezesAndDiscardsLateTicks(t *testing.T) {
	tm, ch := newManualTimer()
	tm.Start()
	require.True(t, tick(ch))
	require.Eventually(t, func() bool { return tm.Elapsed() == 1 }, time.Second, time.Millisecond)

	assert.Equal(t, 1, tm.Stop())
	assert.False(t, tm.Running())
	tick(ch)
	assert.Equal(t, 1, tm.Elapsed())
	assert.Equal(t, 1, tm.Stop())
}

func TestTimer_ResetZeroesAndAllowsRestart(t *testing.T) {
	tm, ch := newManualTimer()
	tm.Start()
	require.True(t, tick(ch))
	require.Eventually(t, func() bool { return tm.Elapsed() == 1 }, time.Second, time.Millisecond)

	tm.Reset()
	assert.Equal(t, 0, tm.Elapsed())
	assert.False(t, tm.Running())

	tm.Start()
	defer tm.Reset()
	require.True(t, tick(ch))
	require.Eventually(t, func() bool { return tm.Elapsed() == 1 }, time.Second, time.Millisecond)
}

func TestTimer_RealTicker(t *testing.T) {
	tm := NewTimer()
	tm.interval = 5 * time.Millisecond
	tm.Start()
	require.Eventually(t, func() bool { return tm.Elapsed() >= 2 }, time.Second, time.Millisecond)
	n := tm.Stop()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, tm.Elapsed())
}
