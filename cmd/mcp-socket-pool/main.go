package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/asheshgoplani/mcp-socket-pool/internal/logging"
	"github.com/asheshgoplani/mcp-socket-pool/internal/mcppool"
	"github.com/asheshgoplani/mcp-socket-pool/internal/poolconfig"
)

const Version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printHelp()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version", "--version", "-v":
		fmt.Printf("mcp-socket-pool v%s\n", Version)
	case "help", "--help", "-h":
		printHelp()
	case "serve":
		runServe(os.Args[2:])
	case "mcp-proxy":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: mcp-socket-pool mcp-proxy <socket-path>")
			os.Exit(1)
		}
		runMCPProxy(os.Args[2])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		printHelp()
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Println(`mcp-socket-pool - multiplex MCP clients onto a pool of long-lived MCP processes

Usage:
  mcp-socket-pool serve [-config path]       start the pool daemon
  mcp-socket-pool mcp-proxy <socket-path>    bridge stdin/stdout to a pool socket
  mcp-socket-pool version
  mcp-socket-pool help`)
}

// runServe loads the pool config, registers every configured MCP, and
// blocks until SIGINT/SIGTERM, draining every proxy on the way out.
func runServe(args []string) {
	configPath := defaultConfigPath()
	for i, a := range args {
		if a == "-config" && i+1 < len(args) {
			configPath = args[i+1]
		}
	}

	cfg, err := poolconfig.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mcp-socket-pool: load config: %v\n", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.Pool.SocketDir, 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "mcp-socket-pool: create socket dir: %v\n", err)
		os.Exit(1)
	}

	logging.Init(cfg.Logging.ToLoggingConfig())

	log := logging.ForComponent(logging.CompPool)
	pool := mcppool.New(cfg)

	if removed := pool.DiscoverExistingSockets(); removed > 0 {
		log.Info("startup_cleanup_removed_stale_sockets", "count", removed)
	}

	registered := 0
	for name, mcp := range cfg.MCPs {
		if mcp.Command == "" {
			continue
		}
		spec := mcppool.MCPSpec{Name: name, Command: mcp.Command, Args: mcp.Args, Env: mcp.Env, Cwd: mcp.Cwd}
		if err := pool.Register(spec); err != nil {
			log.Error("register_failed", "mcp", name, "error", err)
			continue
		}
		registered++
	}
	log.Info("pool_serving", "registered", registered, "socket_dir", pool.SocketDir())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	pool.StartBackgroundTasks(ctx)

	<-ctx.Done()
	log.Info("shutdown_signal_received")

	if err := pool.Shutdown(); err != nil {
		log.Error("shutdown_error", "error", err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "mcp-socket-pool.toml"
	}
	return filepath.Join(dir, "mcp-socket-pool", "config.toml")
}

// runMCPProxy bidirectionally bridges stdin/stdout to a pool socket,
// reconnecting with backoff when the socket drops (e.g. across a pool
// restart). This is what a client's .mcp.json entry shells out to so the
// client sees one stable stdio MCP regardless of the pool's own lifecycle.
func runMCPProxy(socketPath string) {
	const (
		initialRetryDelay = 100 * time.Millisecond
		maxRetryDelay     = 5 * time.Second
		dialTimeout       = 2 * time.Second
		maxRetries        = 120
		reconnectPause    = 100 * time.Millisecond
	)

	retryDelay := initialRetryDelay
	retries := 0

	for {
		conn, err := net.DialTimeout("unix", socketPath, dialTimeout)
		if err != nil {
			retries++
			if retries >= maxRetries {
				os.Exit(1)
			}
			time.Sleep(retryDelay)
			if retryDelay < maxRetryDelay {
				retryDelay *= 2
				if retryDelay > maxRetryDelay {
					retryDelay = maxRetryDelay
				}
			}
			continue
		}

		retryDelay = initialRetryDelay
		retries = 0

		done := make(chan struct{}, 2)
		go func() {
			_, _ = io.Copy(conn, os.Stdin)
			done <- struct{}{}
		}()
		go func() {
			_, _ = io.Copy(os.Stdout, conn)
			done <- struct{}{}
		}()

		<-done
		conn.Close()
		time.Sleep(reconnectPause)
	}
}
