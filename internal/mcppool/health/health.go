// Package health runs the pool-wide periodic check that restarts dead MCP
// processes and evicts stale sockets.
package health

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asheshgoplani/mcp-socket-pool/internal/logging"
)

var log = logging.ForComponent(logging.CompHealth)

// Status is a single target's health classification for one tick.
type Status int

const (
	Healthy Status = iota
	Restarted
	PermanentlyFailed
)

// Target is anything HealthMonitor can poll and restart — satisfied by
// the root package's Proxy. CheckHealth returns (running, permanentlyFailed).
type Target interface {
	Name() string
	CheckHealth() (running bool, permanentlyFailed bool, err error)
}

// Aggregate is the pool-wide rollup returned after each tick.
type Aggregate int

const (
	AggregateHealthy Aggregate = iota
	AggregateDegraded
	AggregateCritical
)

func (a Aggregate) String() string {
	switch a {
	case AggregateHealthy:
		return "healthy"
	case AggregateDegraded:
		return "degraded"
	default:
		return "critical"
	}
}

// DefaultInterval and DefaultCleanupEveryN match the distilled defaults:
// a 10s health tick, with discovery cleanup run every 6th tick (~60s).
const (
	DefaultInterval      = 10 * time.Second
	DefaultCleanupEveryN = 6
)

// maxTotalRestartFailures caps cumulative log noise from a target that
// keeps failing to restart; past this count, failures for that target
// are coalesced into a single periodic warning instead of one per tick.
const maxTotalRestartFailures = 10

// Monitor periodically polls a set of Targets and triggers SocketDiscovery
// cleanup on a slower cadence.
type Monitor struct {
	interval      time.Duration
	cleanupEveryN int

	targets      func() []Target
	cleanupStale func() int

	tickCount atomic.Int64

	mu              sync.Mutex
	restartFailures map[string]int

	cancel context.CancelFunc
	done   chan struct{}
}

func New(interval time.Duration, cleanupEveryN int, targets func() []Target, cleanupStale func() int) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if cleanupEveryN <= 0 {
		cleanupEveryN = DefaultCleanupEveryN
	}
	return &Monitor{
		interval:        interval,
		cleanupEveryN:   cleanupEveryN,
		targets:         targets,
		cleanupStale:    cleanupStale,
		restartFailures: make(map[string]int),
	}
}

// Start launches the background ticker. Safe to call once.
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.loop(ctx)
	log.Info("health_monitor_started", "interval", m.interval)
}

// Stop cancels the background ticker and waits for it to exit.
func (m *Monitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

// Tick runs one health-check pass synchronously; exported for tests that
// want deterministic control instead of waiting on the ticker.
func (m *Monitor) Tick() Aggregate {
	return m.tick()
}

func (m *Monitor) tick() Aggregate {
	n := m.tickCount.Add(1)

	targets := m.targets()
	healthy, restarted, failed := 0, 0, 0
	for _, t := range targets {
		running, permFailed, err := t.CheckHealth()
		switch {
		case err != nil:
			m.recordFailure(t.Name(), err)
			failed++
		case permFailed:
			failed++
		case running:
			healthy++
			m.clearFailure(t.Name())
		default:
			restarted++
		}
	}

	if m.cleanupStale != nil && int(n)%m.cleanupEveryN == 0 {
		if removed := m.cleanupStale(); removed > 0 {
			log.Info("discovery_cleanup_ran", "removed", removed)
		}
	}

	switch {
	case failed > 0:
		return AggregateCritical
	case restarted > 0:
		return AggregateDegraded
	default:
		return AggregateHealthy
	}
}

func (m *Monitor) recordFailure(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restartFailures[name]++
	count := m.restartFailures[name]
	if count <= maxTotalRestartFailures {
		log.Error("target_restart_failed", "target", name, "error", err, "count", count)
	} else if count%maxTotalRestartFailures == 0 {
		log.Warn("target_restart_failing_repeatedly", "target", name, "count", count)
	}
}

func (m *Monitor) clearFailure(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.restartFailures, name)
}
