package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClosedAllowsAndStaysClosedBelowThreshold(t *testing.T) {
	b := New(3, 50*time.Millisecond, 1)
	require.NoError(t, b.Allow())
	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, Closed, b.State())
	require.NoError(t, b.Allow())
}

func TestCrossingThresholdOpens(t *testing.T) {
	b := New(3, 50*time.Millisecond, 1)
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	assert.Equal(t, Open, b.State())
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
}

func TestHalfOpenAfterResetWindow(t *testing.T) {
	b := New(1, 20*time.Millisecond, 1)
	b.RecordFailure()
	assert.Equal(t, Open, b.State())

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, b.Allow())
	assert.Equal(t, HalfOpen, b.State())
}

func TestHalfOpenSingleFailureReopens(t *testing.T) {
	b := New(1, 10*time.Millisecond, 2)
	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.Allow())
	assert.Equal(t, HalfOpen, b.State())

	b.RecordFailure()
	assert.Equal(t, Open, b.State())
}

func TestHalfOpenSuccessesCloseAtCap(t *testing.T) {
	b := New(1, 10*time.Millisecond, 2)
	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, b.Allow())
	b.RecordSuccess()
	assert.Equal(t, HalfOpen, b.State())

	require.NoError(t, b.Allow())
	b.RecordSuccess()
	assert.Equal(t, Closed, b.State())
}

func TestHalfOpenCapLimitsInflight(t *testing.T) {
	b := New(1, 10*time.Millisecond, 1)
	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, b.Allow())
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
}

func TestResetForcesClosed(t *testing.T) {
	b := New(1, time.Hour, 1)
	b.RecordFailure()
	assert.Equal(t, Open, b.State())
	b.Reset()
	assert.Equal(t, Closed, b.State())
	require.NoError(t, b.Allow())
}
