// Package poolconfig loads and saves the TOML configuration for the MCP
// socket pool: per-MCP overrides plus the pool-wide defaults for queue
// sizes, timeouts, restart backoff, and the circuit breaker.
package poolconfig

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/asheshgoplani/mcp-socket-pool/internal/logging"
)

// Config is the root TOML document: `[pool]` plus a `[mcps.<name>]` table
// per registered MCP allowing per-MCP overrides of the pool defaults.
type Config struct {
	Pool    PoolSettings          `toml:"pool"`
	Logging LoggingSettings       `toml:"logging"`
	MCPs    map[string]MCPOverride `toml:"mcps"`
}

// LoggingSettings configures the structured-logging stack (lumberjack
// rotation, ring buffer, event aggregator) shared by every component.
type LoggingSettings struct {
	LogDir                string `toml:"log_dir"`
	Level                 string `toml:"level"`
	Format                string `toml:"format"`
	MaxSizeMB             int    `toml:"max_size_mb"`
	MaxBackups            int    `toml:"max_backups"`
	MaxAgeDays            int    `toml:"max_age_days"`
	Compress              bool   `toml:"compress"`
	RingBufferSize        int    `toml:"ring_buffer_size"`
	AggregateIntervalSecs int    `toml:"aggregate_interval_secs"`
	PprofEnabled          bool   `toml:"pprof_enabled"`
	Debug                 bool   `toml:"debug"`
}

// PoolSettings are the pool-wide defaults; every duration is specified in
// the TOML file as a Go duration string (e.g. "30s").
type PoolSettings struct {
	SocketDir    string `toml:"socket_dir"`
	SocketPrefix string `toml:"socket_prefix"`

	MaxClientsPerMCP             int `toml:"max_clients_per_mcp"`
	MaxPendingRequestsPerClient  int `toml:"max_pending_requests_per_client"`
	NotificationQueueSize        int `toml:"notification_queue_size"`

	KeepaliveInterval   string `toml:"keepalive_interval"`
	IdleClientTimeout   string `toml:"idle_client_timeout"`
	RequestTimeout      string `toml:"request_timeout"`
	HealthCheckInterval string `toml:"health_check_interval"`

	CleanupIntervalCycles int `toml:"cleanup_interval_cycles"`

	MaxRestarts         int    `toml:"max_restarts"`
	RestartBackoffBase  string `toml:"restart_backoff_base"`
	RestartBackoffMax   string `toml:"restart_backoff_max"`

	CircuitBreakerThreshold      int    `toml:"circuit_breaker_threshold"`
	CircuitBreakerReset          string `toml:"circuit_breaker_reset"`
	CircuitBreakerHalfOpenInflight int  `toml:"circuit_breaker_half_open_inflight"`

	RelayEnabled   *bool `toml:"relay_enabled"`
	RelayPortStart int   `toml:"relay_port_start"`
	RelayPortEnd   int   `toml:"relay_port_end"`
}

// MCPOverride lets an individual MCP override the pool's max clients, max
// pending requests and request timeout, plus specifies how to spawn it.
type MCPOverride struct {
	Command string            `toml:"command"`
	Args    []string          `toml:"args"`
	Env     map[string]string `toml:"env"`
	Cwd     string            `toml:"cwd"`

	MaxClients    *int   `toml:"max_clients"`
	MaxPending    *int   `toml:"max_pending_requests"`
	RequestTimeout string `toml:"request_timeout"`
}

// Default returns the distilled defaults: 30s keepalive, 60s idle timeout,
// 10s health check, 6-cycle discovery cleanup, and the default TCP relay
// port range.
func Default() Config {
	return Config{
		Logging: LoggingSettings{
			LogDir:                defaultLogDir(),
			Level:                 "info",
			Format:                "json",
			MaxSizeMB:             10,
			MaxBackups:            5,
			MaxAgeDays:            10,
			Compress:              true,
			RingBufferSize:        10 * 1024 * 1024,
			AggregateIntervalSecs: 30,
		},
		Pool: PoolSettings{
			SocketDir:                      defaultSocketDir(),
			SocketPrefix:                   "mcp-",
			MaxClientsPerMCP:               100,
			MaxPendingRequestsPerClient:    32,
			NotificationQueueSize:          64,
			KeepaliveInterval:              "30s",
			IdleClientTimeout:              "60s",
			RequestTimeout:                 "300s",
			HealthCheckInterval:            "10s",
			CleanupIntervalCycles:          6,
			MaxRestarts:                    5,
			RestartBackoffBase:             "500ms",
			RestartBackoffMax:              "30s",
			CircuitBreakerThreshold:        3,
			CircuitBreakerReset:            "30s",
			CircuitBreakerHalfOpenInflight: 1,
			RelayPortStart:                 19000,
			RelayPortEnd:                   19999,
		},
		MCPs: make(map[string]MCPOverride),
	}
}

func defaultSocketDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "mcp-socket-pool", "sockets")
	}
	return filepath.Join(home, ".mcp-socket-pool", "sockets")
}

func defaultLogDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "mcp-socket-pool", "logs")
	}
	return filepath.Join(home, ".mcp-socket-pool", "logs")
}

// ToLoggingConfig adapts LoggingSettings to the shape logging.Init expects.
func (l LoggingSettings) ToLoggingConfig() logging.Config {
	return logging.Config{
		LogDir:                l.LogDir,
		Level:                 l.Level,
		Format:                l.Format,
		MaxSizeMB:             l.MaxSizeMB,
		MaxBackups:            l.MaxBackups,
		MaxAgeDays:            l.MaxAgeDays,
		Compress:              l.Compress,
		RingBufferSize:        l.RingBufferSize,
		AggregateIntervalSecs: l.AggregateIntervalSecs,
		PprofEnabled:          l.PprofEnabled,
		Debug:                 l.Debug,
	}
}

// GetRelayEnabled returns whether the TCP relay is enabled in config,
// defaulting to false (Unix sockets only) when unset. It does not look at
// the platform.
func (p PoolSettings) GetRelayEnabled() bool {
	if p.RelayEnabled == nil {
		return false
	}
	return *p.RelayEnabled
}

// Duration parses a PoolSettings duration field, falling back to def on
// empty string or parse failure.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// Load reads and decodes a pool config TOML file, merging onto Default().
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("poolconfig: decode %s: %w", path, err)
	}
	if cfg.MCPs == nil {
		cfg.MCPs = make(map[string]MCPOverride)
	}
	return cfg, nil
}

// Save writes cfg to path using a write-temp-fsync-rename sequence so a
// crash mid-write never corrupts the previous config.
func Save(path string, cfg Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("poolconfig: create dir %s: %w", dir, err)
	}

	var buf bytes.Buffer
	buf.WriteString("# MCP socket pool configuration\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("poolconfig: encode: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("poolconfig: write temp file: %w", err)
	}
	if f, err := os.OpenFile(tmpPath, os.O_RDWR, 0o600); err == nil {
		_ = f.Sync()
		_ = f.Close()
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("poolconfig: finalize save: %w", err)
	}
	return nil
}
