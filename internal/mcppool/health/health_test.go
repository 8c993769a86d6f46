package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeTarget struct {
	name        string
	running     bool
	permFailed  bool
	err         error
	checkCalled int
}

func (f *fakeTarget) Name() string { return f.name }
func (f *fakeTarget) CheckHealth() (bool, bool, error) {
	f.checkCalled++
	return f.running, f.permFailed, f.err
}

func TestTickAllHealthyReturnsHealthy(t *testing.T) {
	t1 := &fakeTarget{name: "a", running: true}
	t2 := &fakeTarget{name: "b", running: true}
	m := New(time.Hour, 6, func() []Target { return []Target{t1, t2} }, nil)
	assert.Equal(t, AggregateHealthy, m.Tick())
}

func TestTickRestartedIsDegraded(t *testing.T) {
	t1 := &fakeTarget{name: "a", running: false}
	m := New(time.Hour, 6, func() []Target { return []Target{t1} }, nil)
	assert.Equal(t, AggregateDegraded, m.Tick())
}

func TestTickFailedIsCritical(t *testing.T) {
	t1 := &fakeTarget{name: "a", permFailed: true}
	m := New(time.Hour, 6, func() []Target { return []Target{t1} }, nil)
	assert.Equal(t, AggregateCritical, m.Tick())
}

func TestTickErrorCountsAsCritical(t *testing.T) {
	t1 := &fakeTarget{name: "a", err: errors.New("boom")}
	m := New(time.Hour, 6, func() []Target { return []Target{t1} }, nil)
	assert.Equal(t, AggregateCritical, m.Tick())
}

func TestCleanupRunsEveryNthTick(t *testing.T) {
	calls := 0
	m := New(time.Hour, 3, func() []Target { return nil }, func() int {
		calls++
		return 0
	})
	m.Tick()
	m.Tick()
	assert.Equal(t, 0, calls)
	m.Tick()
	assert.Equal(t, 1, calls)
}

func TestStartStopDrivesTicks(t *testing.T) {
	t1 := &fakeTarget{name: "a", running: true}
	m := New(15*time.Millisecond, 100, func() []Target { return []Target{t1} }, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	assert.Eventually(t, func() bool {
		return t1.checkCalled > 0
	}, time.Second, 5*time.Millisecond)

	m.Stop()
}

func TestRecordFailureThenClearOnRecovery(t *testing.T) {
	t1 := &fakeTarget{name: "a", err: errors.New("boom")}
	m := New(time.Hour, 6, func() []Target { return []Target{t1} }, nil)
	m.Tick()
	m.mu.Lock()
	assert.Equal(t, 1, m.restartFailures["a"])
	m.mu.Unlock()

	t1.err = nil
	t1.running = true
	m.Tick()
	m.mu.Lock()
	_, exists := m.restartFailures["a"]
	m.mu.Unlock()
	assert.False(t, exists)
}
