package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_StartResumesInProgressSession(t *testing.T) {
	m := NewManager(newFakeStore(), time.Minute)
	defer m.Close()
	ctx := context.Background()

	c, route, err := m.Start(ctx, "u1", "m-exam")
	require.NoError(t, err)
	assert.Equal(t, "/f/diagnostic-test/m-exam/q/m1", route)

	_, err = c.ShowQuestion(ctx, "m1")
	require.NoError(t, err)
	_, err = c.Submit(ctx, "m1", str("A"))
	require.NoError(t, err)

	again, route, err := m.Start(ctx, "u1", "m-exam")
	require.NoError(t, err)
	assert.Same(t, c, again)
	assert.Equal(t, "/f/diagnostic-test/m-exam/q/m2", route)

	got, err := m.Get("u1", "m-exam")
	require.NoError(t, err)
	assert.Same(t, c, got)
}

func TestManager_SessionsAreScopedPerUser(t *testing.T) {
	m := NewManager(newFakeStore(), 0)
	defer m.Close()
	ctx := context.Background()

	a, _, err := m.Start(ctx, "u1", "m-exam")
	require.NoError(t, err)
	b, _, err := m.Start(ctx, "u2", "m-exam")
	require.NoError(t, err)
	assert.NotSame(t, a, b)
	assert.Equal(t, 2, m.Len())

	_, err = m.Get("u3", "m-exam")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestManager_AbandonStopsTimer(t *testing.T) {
	m := NewManager(newFakeStore(), 0)
	ctx := context.Background()

	c, _, err := m.Start(ctx, "u1", "m-exam")
	require.NoError(t, err)
	_, err = c.ShowQuestion(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, c.timer.Running())

	assert.True(t, m.Abandon("u1", "m-exam"))
	assert.False(t, c.timer.Running())
	assert.False(t, m.Abandon("u1", "m-exam"))
	assert.Equal(t, 0, m.Len())
}

func TestManager_SweepDropsIdleAndCompleted(t *testing.T) {
	store := newFakeStore()
	m := NewManager(store, 10*time.Minute)
	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	_, _, err := m.Start(ctx, "idle", "m-exam")
	require.NoError(t, err)

	done, _, err := m.Start(ctx, "done", "v-exam")
	require.NoError(t, err)
	for _, id := range []string{"v1", "v2", "v3"} {
		_, err := done.ShowQuestion(ctx, id)
		require.NoError(t, err)
		_, err = done.Submit(ctx, id, nil)
		require.NoError(t, err)
	}

	now = now.Add(5 * time.Minute)
	_, _, err = m.Start(ctx, "fresh", "m-exam")
	require.NoError(t, err)

	now = now.Add(6 * time.Minute)
	assert.Equal(t, 2, m.Sweep())
	assert.Equal(t, 1, m.Len())
	_, err = m.Get("fresh", "m-exam")
	assert.NoError(t, err)
}

func TestManager_StartReplacesCompletedSession(t *testing.T) {
	m := NewManager(newFakeStore(), 0)
	defer m.Close()
	ctx := context.Background()

	c, _, err := m.Start(ctx, "u1", "v-exam")
	require.NoError(t, err)
	for _, id := range []string{"v1", "v2", "v3"} {
		_, err := c.ShowQuestion(ctx, id)
		require.NoError(t, err)
		_, err = c.Submit(ctx, id, nil)
		require.NoError(t, err)
	}
	require.Equal(t, Complete, c.State())

	fresh, route, err := m.Start(ctx, "u1", "v-exam")
	require.NoError(t, err)
	assert.NotSame(t, c, fresh)
	assert.Equal(t, InProgress, fresh.State())
	assert.Equal(t, "/f/diagnostic-test/v-exam/q/v1", route)
}

func TestManager_RunToleratesNonPositiveInterval(t *testing.T) {
	m := NewManager(newFakeStore(), 0)
	for _, interval := range []time.Duration{0, -time.Second} {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			m.Run(ctx, interval)
		}()
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("Run(%v) did not return after cancel", interval)
		}
	}
}
