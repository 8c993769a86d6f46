// Package mcppool implements the MCP socket pool: a registry of named MCP
// processes, each fronted by a long-lived Unix socket that many client
// sessions can multiplex onto, plus the background health monitor and
// socket-directory housekeeping shared across every registered MCP.
package mcppool

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/asheshgoplani/mcp-socket-pool/internal/logging"
	"github.com/asheshgoplani/mcp-socket-pool/internal/mcppool/discovery"
	"github.com/asheshgoplani/mcp-socket-pool/internal/mcppool/health"
	"github.com/asheshgoplani/mcp-socket-pool/internal/mcppool/relay"
	"github.com/asheshgoplani/mcp-socket-pool/internal/platform"
	"github.com/asheshgoplani/mcp-socket-pool/internal/poolconfig"
)

var poolLog = logging.ForComponent(logging.CompPool)

// MCPSpec is everything needed to register and spawn one MCP.
type MCPSpec struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string
	Cwd     string
}

// Pool is the top-level registry: it owns every Proxy, the shared socket
// directory, and the HealthMonitor that keeps both alive.
type Pool struct {
	mu      sync.RWMutex
	proxies map[string]*Proxy

	cfg       poolconfig.Config
	discovery *discovery.Discovery
	health    *health.Monitor
	watcher   *discovery.Watcher

	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg poolconfig.Config) *Pool {
	p := &Pool{
		proxies:   make(map[string]*Proxy),
		cfg:       cfg,
		discovery: discovery.New(cfg.Pool.SocketDir, cfg.Pool.SocketPrefix),
	}
	p.health = health.New(
		poolconfig.Duration(cfg.Pool.HealthCheckInterval, health.DefaultInterval),
		cfg.Pool.CleanupIntervalCycles,
		p.healthTargets,
		p.discovery.CleanupStale,
	)
	return p
}

func (p *Pool) healthTargets() []health.Target {
	p.mu.RLock()
	defer p.mu.RUnlock()
	targets := make([]health.Target, 0, len(p.proxies))
	for _, proxy := range p.proxies {
		targets = append(targets, proxy)
	}
	return targets
}

// StartBackgroundTasks launches the HealthMonitor and a filesystem watcher
// on the socket directory. Ticks run even with no MCPs registered, since
// the discovery sweep must still happen.
func (p *Pool) StartBackgroundTasks(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.ctx, p.cancel = ctx, cancel
	p.health.Start(ctx)

	watcher, err := discovery.NewWatcher(p.cfg.Pool.SocketDir, func() {
		if n := p.discovery.CleanupStale(); n > 0 {
			poolLog.Info("watcher_triggered_cleanup", "removed", n)
		}
	})
	if err != nil {
		poolLog.Warn("socket_dir_watch_failed", "error", err)
	} else {
		p.watcher = watcher
		p.watcher.Start()
	}

	poolLog.Info("pool_background_tasks_started")
}

// Shutdown stops the health monitor and every registered proxy.
func (p *Pool) Shutdown() error {
	if p.cancel != nil {
		p.cancel()
	}
	p.health.Stop()
	if p.watcher != nil {
		_ = p.watcher.Stop()
	}

	p.mu.RLock()
	names := make([]string, 0, len(p.proxies))
	for name := range p.proxies {
		names = append(names, name)
	}
	p.mu.RUnlock()

	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if err := p.Deregister(name); err != nil {
				poolLog.Warn("deregister_on_shutdown_failed", "mcp", name, "error", err)
			}
		}(name)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
		poolLog.Info("all_proxies_stopped")
	case <-time.After(10 * time.Second):
		poolLog.Warn("shutdown_timeout")
	}
	return nil
}

func (p *Pool) resolveSettings(name string) ProxyConfig {
	pool := p.cfg.Pool
	override, hasOverride := p.cfg.MCPs[name]

	maxClients := pool.MaxClientsPerMCP
	maxPending := pool.MaxPendingRequestsPerClient
	requestTimeout := poolconfig.Duration(pool.RequestTimeout, 300*time.Second)
	if hasOverride {
		if override.MaxClients != nil {
			maxClients = *override.MaxClients
		}
		if override.MaxPending != nil {
			maxPending = *override.MaxPending
		}
		if override.RequestTimeout != "" {
			requestTimeout = poolconfig.Duration(override.RequestTimeout, requestTimeout)
		}
	}

	return ProxyConfig{
		MaxClients:            maxClients,
		MaxPendingPerClient:   maxPending,
		NotificationQueueSize: pool.NotificationQueueSize,
		KeepaliveInterval:     poolconfig.Duration(pool.KeepaliveInterval, 30*time.Second),
		IdleClientTimeout:     poolconfig.Duration(pool.IdleClientTimeout, 60*time.Second),
		RequestTimeout:        requestTimeout,
		MaxRestarts:           uint32(pool.MaxRestarts),
		RestartBackoffBase:    poolconfig.Duration(pool.RestartBackoffBase, 500*time.Millisecond),
		RestartBackoffMax:     poolconfig.Duration(pool.RestartBackoffMax, 30*time.Second),
		BreakerThreshold:      pool.CircuitBreakerThreshold,
		BreakerReset:          poolconfig.Duration(pool.CircuitBreakerReset, 30*time.Second),
		BreakerHalfOpenCap:    pool.CircuitBreakerHalfOpenInflight,
		RelayPortRange:        relay.PortRange{Start: uint16(pool.RelayPortStart), End: uint16(pool.RelayPortEnd)},
	}
}

// Register spawns and starts a new proxy for spec, applying the
// max-clients, max-pending and request-timeout overrides from the
// config's [mcps.<name>] table when one exists for the name. A no-op if
// name is already registered.
func (p *Pool) Register(spec MCPSpec) error {
	p.mu.Lock()
	if _, exists := p.proxies[spec.Name]; exists {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	socketPath := p.discovery.SocketPath(spec.Name)
	cfg := p.resolveSettings(spec.Name)
	proxy := New(spec.Name, spec.Command, spec.Args, spec.Env, spec.Cwd, socketPath, cfg)

	if err := proxy.Start(); err != nil {
		return fmt.Errorf("mcppool: register %s: %w", spec.Name, err)
	}
	if err := p.discovery.WriteLock(spec.Name); err != nil {
		poolLog.Warn("lockfile_write_failed", "mcp", spec.Name, "error", err)
	}

	// On platforms where Unix sockets aren't reliable (WSL1, native
	// Windows), fall back to the TCP relay regardless of the configured
	// setting — clients have no other way to reach the proxy there.
	needsRelay := p.cfg.Pool.GetRelayEnabled() || !platform.SupportsUnixSockets()
	if needsRelay {
		if port, err := proxy.EnableRelay(cfg.RelayPortRange); err != nil {
			poolLog.Warn("relay_enable_failed", "mcp", spec.Name, "error", err)
		} else {
			poolLog.Info("relay_enabled", "mcp", spec.Name, "port", port)
		}
	}

	p.mu.Lock()
	p.proxies[spec.Name] = proxy
	p.mu.Unlock()

	poolLog.Info("mcp_registered", "mcp", spec.Name, "socket", socketPath)
	return nil
}

// Deregister stops and removes name's proxy.
func (p *Pool) Deregister(name string) error {
	p.mu.Lock()
	proxy, exists := p.proxies[name]
	if !exists {
		p.mu.Unlock()
		return fmt.Errorf("mcppool: %s not registered", name)
	}
	delete(p.proxies, name)
	p.mu.Unlock()

	if err := proxy.Stop(); err != nil && err != ErrNotRunning {
		return err
	}
	_ = p.discovery.RemoveLock(name)
	return nil
}

// Inspect returns the admin snapshot for one MCP.
func (p *Pool) Inspect(name string) (Inspection, error) {
	p.mu.RLock()
	proxy, exists := p.proxies[name]
	p.mu.RUnlock()
	if !exists {
		return Inspection{}, fmt.Errorf("mcppool: %s not registered", name)
	}
	return Inspection{
		Name:            name,
		Status:          proxy.Status(),
		ClientCount:     proxy.ClientCount(),
		PendingRequests: proxy.PendingRequests(),
		CircuitState:    proxy.CircuitState(),
		SocketPath:      proxy.SocketPath(),
		RelayPort:       proxy.RelayPort(),
	}, nil
}

// ResetCircuitBreaker forces name's circuit breaker back to Closed.
func (p *Pool) ResetCircuitBreaker(name string) error {
	p.mu.RLock()
	proxy, exists := p.proxies[name]
	p.mu.RUnlock()
	if !exists {
		return fmt.Errorf("mcppool: %s not registered", name)
	}
	proxy.ResetCircuitBreaker()
	return nil
}

// List returns the names of every registered MCP.
func (p *Pool) List() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.proxies))
	for name := range p.proxies {
		names = append(names, name)
	}
	return names
}

// RunningCount returns the number of proxies currently Running.
func (p *Pool) RunningCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, proxy := range p.proxies {
		if proxy.Status() == StatusRunning {
			n++
		}
	}
	return n
}

// DiscoverExistingSockets scans the socket directory for stale leftovers
// from a previous run (e.g. after a crash) and removes them so their
// names are free to register again.
func (p *Pool) DiscoverExistingSockets() int {
	return p.discovery.CleanupStale()
}

// SocketDir returns the pool's shared socket directory, creating it isn't
// this package's job — callers are expected to have provisioned it (see
// cmd/mcp-socket-pool's runServe, which MkdirAlls it) before registering
// any MCP.
func (p *Pool) SocketDir() string {
	return filepath.Clean(p.cfg.Pool.SocketDir)
}
