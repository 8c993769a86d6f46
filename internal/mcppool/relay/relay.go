// Package relay bridges a TCP listener to a Unix domain socket so
// container clients (which cannot mount the host socket) can reach an
// MCP over TCP, e.g. via `socat TCP:host.docker.internal:PORT STDIO`.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/asheshgoplani/mcp-socket-pool/internal/logging"
)

var log = logging.ForComponent(logging.CompRelay)

// DefaultPortRange is the default TCP port range relays scan for a free
// port, matching the port range containers are told to dial.
var DefaultPortRange = PortRange{Start: 19000, End: 19999}

var (
	ErrInvalidPortRange = errors.New("relay: invalid port range")
	ErrAlreadyRunning   = errors.New("relay: already running")
	ErrNotRunning       = errors.New("relay: not running")
	ErrNoAvailablePort  = errors.New("relay: no available port in range")
)

type PortRange struct {
	Start, End uint16
}

// Relay bridges TCP connections on a dynamically chosen port to a single
// Unix socket path.
type Relay struct {
	socketPath string
	portRange  PortRange

	mu        sync.Mutex
	running   bool
	boundPort atomic.Uint32

	cancel context.CancelFunc
	done   chan struct{}
}

func New(socketPath string, portRange PortRange) (*Relay, error) {
	if portRange.Start > portRange.End {
		return nil, fmt.Errorf("%w: start %d > end %d", ErrInvalidPortRange, portRange.Start, portRange.End)
	}
	return &Relay{socketPath: socketPath, portRange: portRange}, nil
}

// Start binds a port in the configured range (pseudo-random first, then a
// sequential scan) and launches the accept loop in the background,
// returning the bound port.
func (r *Relay) Start() (uint16, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return 0, ErrAlreadyRunning
	}

	listener, err := r.findAvailablePort()
	if err != nil {
		return 0, err
	}
	port := uint16(listener.Addr().(*net.TCPAddr).Port)
	r.boundPort.Store(uint32(port))

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	r.running = true

	log.Info("relay_started", "port", port, "socket", r.socketPath)

	go func() {
		defer close(r.done)
		r.acceptLoop(ctx, listener)
		r.boundPort.Store(0)
		log.Info("relay_accept_loop_ended", "port", port)
	}()

	return port, nil
}

// Stop signals the accept loop to exit and waits (with a timeout) for it
// to finish.
func (r *Relay) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return ErrNotRunning
	}
	cancel := r.cancel
	done := r.done
	r.running = false
	r.mu.Unlock()

	log.Info("relay_stopping", "port", r.Port())
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
	r.boundPort.Store(0)
	log.Info("relay_stopped")
	return nil
}

// Port returns the currently bound port, or 0 if not running.
func (r *Relay) Port() uint16 {
	return uint16(r.boundPort.Load())
}

// IsRunning reports whether the relay's accept loop is active.
func (r *Relay) IsRunning() bool {
	return r.Port() != 0
}

func (r *Relay) findAvailablePort() (*net.TCPListener, error) {
	start, end := r.portRange.Start, r.portRange.End
	rangeSize := int(end-start) + 1

	randomOffset := int(time.Now().UnixNano() % int64(rangeSize))
	randomPort := start + uint16(randomOffset)

	if l, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: int(randomPort)}); err == nil {
		log.Debug("relay_bound_random_port", "port", randomPort)
		return l, nil
	}

	log.Debug("relay_random_port_failed_scanning", "start", start, "end", end)
	for port := start; ; port++ {
		l, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: int(port)})
		if err == nil {
			log.Debug("relay_bound_sequential_port", "port", port)
			return l, nil
		}
		if port == end {
			return nil, fmt.Errorf("%w %d-%d", ErrNoAvailablePort, start, end)
		}
	}
}

func (r *Relay) acceptLoop(ctx context.Context, listener *net.TCPListener) {
	defer listener.Close()
	for {
		if ctx.Err() != nil {
			return
		}
		listener.SetDeadline(time.Now().Add(1 * time.Second))
		conn, err := listener.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			log.Error("relay_accept_error", "error", err)
			continue
		}
		go r.handleConnection(ctx, conn)
	}
}

func (r *Relay) handleConnection(ctx context.Context, tcpConn net.Conn) {
	defer tcpConn.Close()

	unixConn, err := net.Dial("unix", r.socketPath)
	if err != nil {
		log.Warn("relay_socket_connect_failed", "socket", r.socketPath, "error", err)
		return
	}
	defer unixConn.Close()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, _ := errgroup.WithContext(connCtx)
	g.Go(func() error {
		defer unixConnCloseWrite(unixConn)
		_, err := io.Copy(unixConn, tcpConn)
		return err
	})
	g.Go(func() error {
		defer tcpConnCloseWrite(tcpConn)
		_, err := io.Copy(tcpConn, unixConn)
		return err
	})

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		log.Debug("relay_connection_closed_on_shutdown")
	}
}

type closeWriter interface {
	CloseWrite() error
}

func unixConnCloseWrite(c net.Conn) {
	if cw, ok := c.(closeWriter); ok {
		cw.CloseWrite()
	}
}

func tcpConnCloseWrite(c net.Conn) {
	if cw, ok := c.(closeWriter); ok {
		cw.CloseWrite()
	}
}
