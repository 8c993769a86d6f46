package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffSequence(t *testing.T) {
	b := NewBackoff(100*time.Millisecond, 10*time.Second)

	assert.Equal(t, 100*time.Millisecond, b.NextDelay())
	assert.Equal(t, 200*time.Millisecond, b.NextDelay())
	assert.Equal(t, 400*time.Millisecond, b.NextDelay())
	assert.Equal(t, 800*time.Millisecond, b.NextDelay())
}

func TestBackoffRespectsMax(t *testing.T) {
	b := NewBackoff(100*time.Millisecond, 500*time.Millisecond)

	assert.Equal(t, 100*time.Millisecond, b.NextDelay())
	assert.Equal(t, 200*time.Millisecond, b.NextDelay())
	assert.Equal(t, 400*time.Millisecond, b.NextDelay())
	assert.Equal(t, 500*time.Millisecond, b.NextDelay())
	assert.Equal(t, 500*time.Millisecond, b.NextDelay())
}

func TestBackoffReset(t *testing.T) {
	b := NewBackoff(100*time.Millisecond, 10*time.Second)
	b.NextDelay()
	b.NextDelay()
	b.NextDelay()
	assert.Equal(t, uint32(3), b.Attempt())

	b.Reset()
	assert.Equal(t, uint32(0), b.Attempt())
	assert.Equal(t, 100*time.Millisecond, b.NextDelay())
}

func TestBackoffNeverOverflowsOrZeroes(t *testing.T) {
	b := NewBackoff(time.Second, time.Hour)
	for i := 0; i < 200; i++ {
		d := b.NextDelay()
		assert.LessOrEqual(t, d, time.Hour)
		assert.Greater(t, d, time.Duration(0))
	}
}

func TestSupervisorNew(t *testing.T) {
	s := New("echo-mcp", 10, time.Second, time.Minute)
	assert.Equal(t, uint32(0), s.RestartCount())
	assert.Equal(t, NotStarted, s.State())
	assert.False(t, s.IsRunning())
	assert.False(t, s.IsPermanentlyFailed())
}

func TestSupervisorSpawnEmptyCommandFails(t *testing.T) {
	s := New("x", 3, 10*time.Millisecond, time.Second)
	err := s.Spawn(context.Background(), "", nil, nil, "")
	require.ErrorIs(t, err, ErrInvalidCommand)
}

func TestSupervisorSpawnInvalidCommandFails(t *testing.T) {
	s := New("x", 3, 10*time.Millisecond, time.Second)
	err := s.Spawn(context.Background(), "/nonexistent/does/not/exist", nil, nil, "")
	require.Error(t, err)
}

func TestSupervisorSpawnAlreadyRunning(t *testing.T) {
	ctx := context.Background()
	s := New("x", 3, 10*time.Millisecond, time.Second)
	require.NoError(t, s.Spawn(ctx, "sleep", []string{"5"}, nil, ""))
	defer s.Terminate(ctx)

	err := s.Spawn(ctx, "echo", []string{"hi"}, nil, "")
	require.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestSupervisorCheckStatusDetectsExit(t *testing.T) {
	ctx := context.Background()
	s := New("x", 3, 10*time.Millisecond, time.Second)
	require.NoError(t, s.Spawn(ctx, "true", nil, nil, ""))

	assert.Eventually(t, func() bool {
		return s.CheckStatus() == Exited
	}, time.Second, 10*time.Millisecond)
	assert.False(t, s.IsRunning())
}

func TestSupervisorTerminate(t *testing.T) {
	ctx := context.Background()
	s := New("x", 3, 10*time.Millisecond, time.Second)
	require.NoError(t, s.Spawn(ctx, "sleep", []string{"30"}, nil, ""))
	require.True(t, s.IsRunning())

	require.NoError(t, s.Terminate(ctx))
	assert.False(t, s.IsRunning())
}

func TestSupervisorTerminateNotRunningIsOk(t *testing.T) {
	s := New("x", 3, 10*time.Millisecond, time.Second)
	require.NoError(t, s.Terminate(context.Background()))
}

func TestSupervisorTakeStdinStdoutOnce(t *testing.T) {
	ctx := context.Background()
	s := New("x", 3, 10*time.Millisecond, time.Second)
	require.NoError(t, s.Spawn(ctx, "cat", nil, nil, ""))
	defer s.Terminate(ctx)

	assert.NotNil(t, s.TakeStdin())
	assert.Nil(t, s.TakeStdin())
	assert.NotNil(t, s.TakeStdout())
	assert.Nil(t, s.TakeStdout())
}

func TestSupervisorRestartIncrementsCount(t *testing.T) {
	ctx := context.Background()
	s := New("x", 5, 10*time.Millisecond, 100*time.Millisecond)
	require.NoError(t, s.Spawn(ctx, "true", nil, nil, ""))

	assert.Eventually(t, func() bool { return s.CheckStatus() == Exited }, time.Second, 10*time.Millisecond)

	require.NoError(t, s.Restart(ctx, "true", nil, nil, ""))
	assert.Equal(t, uint32(1), s.RestartCount())
}

func TestSupervisorMaxRestartsExceeded(t *testing.T) {
	ctx := context.Background()
	s := New("x", 2, 10*time.Millisecond, 50*time.Millisecond)

	for i := 0; i < 2; i++ {
		require.NoError(t, s.Restart(ctx, "true", nil, nil, ""))
		assert.Eventually(t, func() bool { return s.CheckStatus() == Exited }, time.Second, 10*time.Millisecond)
	}
	assert.Equal(t, uint32(2), s.RestartCount())

	err := s.Restart(ctx, "true", nil, nil, "")
	require.ErrorIs(t, err, ErrMaxRestartsExceeded)
	assert.True(t, s.IsPermanentlyFailed())
}

func TestSupervisorLastRestartUpdated(t *testing.T) {
	ctx := context.Background()
	s := New("x", 5, 10*time.Millisecond, 50*time.Millisecond)
	assert.True(t, s.LastRestart().IsZero())

	require.NoError(t, s.Restart(ctx, "true", nil, nil, ""))
	assert.False(t, s.LastRestart().IsZero())
	assert.WithinDuration(t, time.Now(), s.LastRestart(), time.Second)
}

func TestSupervisorResetBackoff(t *testing.T) {
	ctx := context.Background()
	s := New("x", 5, 100*time.Millisecond, 10*time.Second)

	for i := 0; i < 3; i++ {
		_ = s.Restart(ctx, "true", nil, nil, "")
		assert.Eventually(t, func() bool { return s.CheckStatus() == Exited }, time.Second, 10*time.Millisecond)
	}
	assert.Equal(t, uint32(3), s.backoff.Attempt())

	s.ResetBackoff()
	assert.Equal(t, uint32(0), s.backoff.Attempt())
}
