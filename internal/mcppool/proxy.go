package mcppool

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/asheshgoplani/mcp-socket-pool/internal/logging"
	"github.com/asheshgoplani/mcp-socket-pool/internal/mcppool/breaker"
	"github.com/asheshgoplani/mcp-socket-pool/internal/mcppool/clients"
	"github.com/asheshgoplani/mcp-socket-pool/internal/mcppool/relay"
	"github.com/asheshgoplani/mcp-socket-pool/internal/mcppool/router"
	"github.com/asheshgoplani/mcp-socket-pool/internal/mcppool/supervisor"
)

var proxyLog = logging.ForComponent(logging.CompProxy)

var (
	ErrAlreadyRunning = errors.New("mcppool: proxy already running")
	ErrNotRunning     = errors.New("mcppool: proxy not running")
)

// ProxyConfig bundles every tunable a Proxy needs; poolconfig.PoolSettings
// (merged with any per-MCP override) is translated into one of these.
type ProxyConfig struct {
	MaxClients            int
	MaxPendingPerClient   int
	NotificationQueueSize int

	KeepaliveInterval time.Duration
	IdleClientTimeout time.Duration
	RequestTimeout    time.Duration

	MaxRestarts        uint32
	RestartBackoffBase time.Duration
	RestartBackoffMax  time.Duration

	BreakerThreshold   int
	BreakerReset       time.Duration
	BreakerHalfOpenCap int

	RelayPortRange relay.PortRange
}

type clientRequest struct {
	clientID  clients.ClientID
	sessionID string
	bytes     []byte
}

// Proxy is one MCP's slice of the pool: a Unix listener multiplexing many
// client sessions onto one child process's stdio, through a
// ProcessSupervisor, ClientManager, RequestRouter and CircuitBreaker.
type Proxy struct {
	name       string
	command    string
	args       []string
	env        map[string]string
	cwd        string
	socketPath string
	cfg        ProxyConfig

	supervisor *supervisor.Supervisor
	clients    *clients.Manager
	router     *router.Router
	breaker    *breaker.Breaker
	relay      *relay.Relay

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	status   ServerStatus
	listener net.Listener
	requests chan clientRequest

	wg sync.WaitGroup
}

func New(name, command string, args []string, env map[string]string, cwd, socketPath string, cfg ProxyConfig) *Proxy {
	return &Proxy{
		name:       name,
		command:    command,
		args:       args,
		env:        env,
		cwd:        cwd,
		socketPath: socketPath,
		cfg:        cfg,
		supervisor: supervisor.New(name, cfg.MaxRestarts, cfg.RestartBackoffBase, cfg.RestartBackoffMax),
		clients:    clients.New(cfg.MaxClients, cfg.MaxPendingPerClient, cfg.NotificationQueueSize, cfg.KeepaliveInterval, cfg.IdleClientTimeout),
		breaker:    breaker.New(cfg.BreakerThreshold, cfg.BreakerReset, cfg.BreakerHalfOpenCap),
		status:     StatusStopped,
	}
}

func (p *Proxy) Name() string { return p.name }

func (p *Proxy) setStatus(s ServerStatus) {
	p.mu.Lock()
	p.status = s
	p.mu.Unlock()
}

func (p *Proxy) Status() ServerStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// Start removes any existing socket file, spawns the child, binds and
// chmods the socket, and launches the accept/writer/reader loops. The
// router is constructed here, not in New, so its sweeper goroutine is
// never started before the caller decides to run the proxy.
func (p *Proxy) Start() error {
	if p.Status() == StatusRunning {
		return ErrAlreadyRunning
	}

	p.ctx, p.cancel = context.WithCancel(context.Background())
	os.Remove(p.socketPath)

	if err := p.supervisor.Spawn(p.ctx, p.command, p.args, p.env, p.cwd); err != nil {
		return fmt.Errorf("mcppool: spawn %s: %w", p.name, err)
	}

	listener, err := net.Listen("unix", p.socketPath)
	if err != nil {
		_ = p.supervisor.Terminate(p.ctx)
		return fmt.Errorf("mcppool: listen %s: %w", p.socketPath, err)
	}
	if err := os.Chmod(p.socketPath, 0o600); err != nil {
		listener.Close()
		_ = p.supervisor.Terminate(p.ctx)
		return fmt.Errorf("mcppool: chmod %s: %w", p.socketPath, err)
	}
	p.listener = listener

	p.router = router.New(p.cfg.RequestTimeout)
	p.router.Start()

	p.requests = make(chan clientRequest, p.cfg.MaxPendingPerClient*p.cfg.MaxClients)
	p.clients.Start(p.ctx)

	p.wg.Add(3)
	go p.acceptLoop()
	go p.writerLoop(p.supervisor.TakeStdin())
	go p.readerLoop(p.supervisor.TakeStdout())

	p.setStatus(StatusRunning)
	proxyLog.Info("proxy_started", "mcp", p.name, "socket", p.socketPath, "pid", p.supervisor.PID())
	return nil
}

// Stop signals shutdown, waits for the three loops, terminates the child,
// shuts down the router, and removes the socket file.
func (p *Proxy) Stop() error {
	if p.Status() != StatusRunning && p.Status() != StatusFailed {
		return ErrNotRunning
	}

	p.cancel()
	if p.listener != nil {
		p.listener.Close()
	}

	done := make(chan struct{})
	go func() { p.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		proxyLog.Warn("proxy_stop_timeout", "mcp", p.name)
	}

	p.clients.Stop()
	_ = p.supervisor.Terminate(context.Background())
	if p.router != nil {
		p.router.Shutdown()
	}
	if p.relay != nil {
		_ = p.relay.Stop()
	}
	os.Remove(p.socketPath)

	p.setStatus(StatusStopped)
	proxyLog.Info("proxy_stopped", "mcp", p.name)
	return nil
}

// CheckHealth polls the supervisor. If the child is dead it records a
// breaker failure and, unless permanently failed, restarts it and
// relaunches the writer/reader loops against the fresh stdio.
func (p *Proxy) CheckHealth() (running bool, permanentlyFailed bool, err error) {
	if p.supervisor.IsRunning() && p.supervisor.CheckStatus() == supervisor.Running {
		return true, false, nil
	}

	p.breaker.RecordFailure()
	if p.supervisor.IsPermanentlyFailed() {
		p.setStatus(StatusPermanentlyFailed)
		return false, true, nil
	}

	proxyLog.Warn("mcp_died_restarting", "mcp", p.name)
	p.setStatus(StatusFailed)
	if err := p.supervisor.Restart(p.ctx, p.command, p.args, p.env, p.cwd); err != nil {
		if p.supervisor.IsPermanentlyFailed() {
			p.setStatus(StatusPermanentlyFailed)
			return false, true, nil
		}
		return false, false, err
	}

	p.wg.Add(2)
	go p.writerLoop(p.supervisor.TakeStdin())
	go p.readerLoop(p.supervisor.TakeStdout())
	p.setStatus(StatusRunning)
	return true, false, nil
}

func (p *Proxy) ClientCount() int { return p.clients.ClientCount() }

func (p *Proxy) PendingRequests() int {
	if p.router == nil {
		return 0
	}
	return p.router.PendingCount()
}

func (p *Proxy) CircuitState() CircuitState {
	switch p.breaker.State() {
	case breaker.Open:
		return CircuitOpen
	case breaker.HalfOpen:
		return CircuitHalfOpen
	default:
		return CircuitClosed
	}
}

func (p *Proxy) ResetCircuitBreaker() { p.breaker.Reset() }

func (p *Proxy) SocketPath() string { return p.socketPath }

// EnableRelay starts a TCP relay bridging to this proxy's Unix socket,
// for container clients that cannot mount the host socket.
func (p *Proxy) EnableRelay(portRange relay.PortRange) (uint16, error) {
	r, err := relay.New(p.socketPath, portRange)
	if err != nil {
		return 0, err
	}
	port, err := r.Start()
	if err != nil {
		return 0, err
	}
	p.relay = r
	return port, nil
}

func (p *Proxy) RelayPort() uint16 {
	if p.relay == nil {
		return 0
	}
	return p.relay.Port()
}

func jsonRPCError(id json.RawMessage, code int, message string, data any) []byte {
	obj := map[string]any{
		"jsonrpc": "2.0",
		"id":      json.RawMessage(id),
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	}
	if data != nil {
		obj["error"].(map[string]any)["data"] = data
	}
	b, _ := json.Marshal(obj)
	return b
}

func extractID(raw []byte) json.RawMessage {
	var obj map[string]json.RawMessage
	if json.Unmarshal(raw, &obj) != nil {
		return json.RawMessage("null")
	}
	if id, ok := obj["id"]; ok {
		return id
	}
	return json.RawMessage("null")
}

// acceptLoop accepts client connections with a 1s deadline so it can
// observe shutdown, spawning one handler goroutine per client.
func (p *Proxy) acceptLoop() {
	defer p.wg.Done()
	clientCounter := 0
	for {
		if ul, ok := p.listener.(*net.UnixListener); ok {
			ul.SetDeadline(time.Now().Add(1 * time.Second))
		}
		conn, err := p.listener.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if p.ctx.Err() != nil {
					return
				}
				continue
			}
			if p.ctx.Err() != nil {
				return
			}
			proxyLog.Warn("accept_error", "mcp", p.name, "error", err)
			return
		}

		sessionID := fmt.Sprintf("%s-client-%d", p.name, clientCounter)
		clientCounter++

		clientID, err := p.clients.AddClient(conn, sessionID)
		if err != nil {
			proxyLog.Warn("client_rejected", "mcp", p.name, "error", err)
			_, _ = conn.Write(jsonRPCError(json.RawMessage("null"), -32002, "client limit reached", nil))
			conn.Write([]byte("\n"))
			conn.Close()
			continue
		}

		logging.Aggregate(logging.CompProxy, "client_connect", slog.String("mcp", p.name), slog.String("client", string(clientID)))
		go p.handleClient(clientID, sessionID, conn)
		go p.writeResponsesToClient(clientID)
	}
}

func (p *Proxy) handleClient(clientID clients.ClientID, sessionID string, conn net.Conn) {
	defer func() {
		p.router.CancelSession(sessionID)
		p.clients.MarkDisconnected(clientID)
		conn.Close()
		logging.Aggregate(logging.CompProxy, "client_disconnect", slog.String("mcp", p.name), slog.String("client", string(clientID)))
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		frame := append([]byte(nil), line...)

		if err := p.breaker.Allow(); err != nil {
			retryAfterMS := time.Until(p.breaker.OpenUntil()).Milliseconds()
			if retryAfterMS < 0 {
				retryAfterMS = 0
			}
			_ = p.clients.QueueResponse(clientID, jsonRPCError(extractID(frame), -32001, "upstream unavailable", map[string]int64{"retry_after_ms": retryAfterMS}))
			continue
		}

		conn2, ok := p.clients.Get(clientID)
		if !ok {
			return
		}
		if err := conn2.IncPending(int32(p.cfg.MaxPendingPerClient)); err != nil {
			_ = p.clients.QueueResponse(clientID, jsonRPCError(extractID(frame), -32000, "backpressure", nil))
			continue
		}

		select {
		case p.requests <- clientRequest{clientID: clientID, sessionID: sessionID, bytes: frame}:
		default:
			conn2.DecPending()
			_ = p.clients.QueueResponse(clientID, jsonRPCError(extractID(frame), -32000, "backpressure", nil))
		}
	}
}

// writeResponsesToClient drains one client's response and notification
// queues onto its socket half. Kept out of the ClientManager lock per the
// shared-resource policy: the writer is taken from the map once and
// written to without holding any manager lock.
func (p *Proxy) writeResponsesToClient(clientID clients.ClientID) {
	conn, ok := p.clients.Get(clientID)
	if !ok {
		return
	}
	for {
		select {
		case <-p.ctx.Done():
			return
		case b, ok := <-conn.Responses():
			if !ok {
				return
			}
			if writeFrame(conn.Conn, b) != nil {
				p.clients.MarkDisconnected(clientID)
				return
			}
		case b, ok := <-conn.Notifications():
			if !ok {
				return
			}
			if writeFrame(conn.Conn, b) != nil {
				p.clients.MarkDisconnected(clientID)
				return
			}
		}
	}
}

func writeFrame(conn net.Conn, b []byte) error {
	if _, err := conn.Write(b); err != nil {
		return err
	}
	_, err := conn.Write([]byte("\n"))
	return err
}

// writerLoop drains the shared request channel and forwards each frame
// to the MCP's stdin, rewriting the id through the router first.
func (p *Proxy) writerLoop(stdin interface{ Write([]byte) (int, error) }) {
	defer p.wg.Done()
	if stdin == nil {
		return
	}
	w := bufio.NewWriter(stdin)
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case req, ok := <-p.requests:
			if !ok {
				return
			}
			out, rewritten, err := p.router.RewriteRequest(req.sessionID, req.bytes)
			if err != nil {
				proxyLog.Warn("request_parse_error", "mcp", p.name, "error", err)
				continue
			}
			_ = rewritten

			if _, err := w.Write(out); err != nil {
				proxyLog.Warn("stdin_write_failed", "mcp", p.name, "error", err)
				return
			}
			if _, err := w.Write([]byte("\n")); err != nil {
				proxyLog.Warn("stdin_write_failed", "mcp", p.name, "error", err)
				return
			}
			if err := w.Flush(); err != nil {
				proxyLog.Warn("stdin_flush_failed", "mcp", p.name, "error", err)
				return
			}
		case <-ticker.C:
		}
	}
}

// readerLoop reads newline-delimited frames from the MCP's stdout,
// restoring ids through the router and routing or broadcasting them.
func (p *Proxy) readerLoop(stdout interface {
	Read([]byte) (int, error)
}) {
	defer p.wg.Done()
	if stdout == nil {
		return
	}
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)

	for scanner.Scan() {
		if p.ctx.Err() != nil {
			return
		}
		line := append([]byte(nil), scanner.Bytes()...)
		if len(line) == 0 {
			continue
		}

		var probe map[string]json.RawMessage
		if json.Unmarshal(line, &probe) != nil {
			proxyLog.Debug("stdout_line_not_json", "mcp", p.name)
			continue
		}
		if _, hasID := probe["id"]; !hasID {
			p.clients.BroadcastNotification(line)
			continue
		}

		sessionID, restored, ok, err := p.router.RestoreResponse(line)
		if err != nil || !ok {
			proxyLog.Debug("response_id_unmapped", "mcp", p.name)
			continue
		}
		p.breaker.RecordSuccess()
		p.routeToSession(sessionID, restored)
	}

	if err := scanner.Err(); err != nil {
		proxyLog.Warn("stdout_scanner_error", "mcp", p.name, "error", err)
	} else {
		proxyLog.Info("stdout_eof", "mcp", p.name)
	}
	p.setStatus(StatusFailed)
}

func (p *Proxy) routeToSession(sessionID string, raw []byte) {
	for _, id := range p.clients.ClientIDs() {
		conn, ok := p.clients.Get(id)
		if !ok || conn.SessionID != sessionID {
			continue
		}
		conn.DecPending()
		_ = p.clients.QueueResponse(id, raw)
		return
	}
}
