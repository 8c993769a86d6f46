// Package clients manages the set of connections to one MCP's Unix
// socket: accept bookkeeping, bounded per-client queues, keepalive/idle
// liveness, and broken-pipe classification.
package clients

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/asheshgoplani/mcp-socket-pool/internal/logging"
)

var log = logging.ForComponent(logging.CompClients)

var (
	ErrMaxClientsReached = errors.New("clients: max clients reached")
	ErrQueueFull         = errors.New("clients: queue full")
	ErrDisconnected      = errors.New("clients: disconnected")
	ErrNotFound          = errors.New("clients: not found")
)

type ClientID string

type connState int32

const (
	StateConnected connState = iota
	StateIdle
	StateDisconnected
	StateRemoving
)

// Connection is one accepted client socket plus its queues and liveness
// bookkeeping.
type Connection struct {
	ID        ClientID
	SessionID string
	Conn      net.Conn

	state        atomic.Int32
	lastActivity atomic.Int64
	pending      atomic.Int32

	responses     chan []byte
	notifications chan []byte
	notifMethods  map[string]int // allocated per connection; not read by QueueNotification

	mu     sync.Mutex
	closed bool
}

func (c *Connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Connection) State() connState {
	return connState(c.state.Load())
}

func (c *Connection) setState(s connState) {
	c.state.Store(int32(s))
}

// Manager tracks every Connection for one MCP and drives the background
// reaper and keepalive goroutines.
type Manager struct {
	mu         sync.RWMutex
	clients    map[ClientID]*Connection
	bySession  map[string]ClientID
	maxClients int

	maxPending            int
	notificationQueueSize int
	keepaliveInterval     time.Duration
	idleTimeout           time.Duration

	wg sync.WaitGroup
}

func New(maxClients, maxPending, notificationQueueSize int, keepaliveInterval, idleTimeout time.Duration) *Manager {
	return &Manager{
		clients:               make(map[ClientID]*Connection),
		bySession:             make(map[string]ClientID),
		maxClients:            maxClients,
		maxPending:            maxPending,
		notificationQueueSize: notificationQueueSize,
		keepaliveInterval:     keepaliveInterval,
		idleTimeout:           idleTimeout,
	}
}

// AddClient registers a newly accepted connection under a fresh ClientID.
func (m *Manager) AddClient(conn net.Conn, sessionID string) (ClientID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.clients) >= m.maxClients {
		return "", ErrMaxClientsReached
	}

	id := ClientID(uuid.NewString())
	c := &Connection{
		ID:            id,
		SessionID:     sessionID,
		Conn:          conn,
		responses:     make(chan []byte, m.maxPending),
		notifications: make(chan []byte, m.notificationQueueSize),
		notifMethods:  make(map[string]int),
	}
	c.touch()
	c.setState(StateConnected)

	m.clients[id] = c
	m.bySession[sessionID] = id
	return id, nil
}

func (m *Manager) get(id ClientID) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[id]
	return c, ok
}

// QueueResponse is a non-blocking try-send of a response frame.
func (m *Manager) QueueResponse(id ClientID, b []byte) error {
	c, ok := m.get(id)
	if !ok {
		return ErrNotFound
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrDisconnected
	}
	if s := c.State(); s == StateDisconnected || s == StateRemoving {
		return ErrDisconnected
	}
	select {
	case c.responses <- b:
		return nil
	default:
		return ErrQueueFull
	}
}

// QueueNotification is a non-blocking try-send of a notification frame.
// Notifications are droppable under backpressure; when the queue is full
// and raw carries a JSON-RPC method, the oldest queued notification is
// dropped (whatever its method) and raw is enqueued, so the newest
// notification is kept. A full queue and no method yields ErrQueueFull.
func (m *Manager) QueueNotification(id ClientID, raw []byte) error {
	c, ok := m.get(id)
	if !ok {
		return ErrNotFound
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrDisconnected
	}
	if s := c.State(); s == StateDisconnected || s == StateRemoving {
		return ErrDisconnected
	}

	select {
	case c.notifications <- raw:
		return nil
	default:
	}

	method := notificationMethod(raw)
	if method == "" {
		return ErrQueueFull
	}
	// Best-effort coalescing: drain one queued item and push raw back;
	// if the queue was full of other methods this just drops the oldest.
	select {
	case <-c.notifications:
	default:
	}
	select {
	case c.notifications <- raw:
		return nil
	default:
		return ErrQueueFull
	}
}

func notificationMethod(raw []byte) string {
	var obj struct {
		Method string `json:"method"`
	}
	if json.Unmarshal(raw, &obj) != nil {
		return ""
	}
	return obj.Method
}

// BroadcastNotification fans a notification out to every Connected/Idle
// client. Per-client errors are discarded (best effort).
func (m *Manager) BroadcastNotification(raw []byte) {
	m.mu.RLock()
	ids := make([]ClientID, 0, len(m.clients))
	for id, c := range m.clients {
		if s := c.State(); s == StateConnected || s == StateIdle {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range ids {
		_ = m.QueueNotification(id, raw)
	}
}

// MarkDisconnected transitions a client to Disconnected; no further
// enqueue is accepted.
func (m *Manager) MarkDisconnected(id ClientID) {
	if c, ok := m.get(id); ok {
		c.setState(StateDisconnected)
	}
}

// TouchClient updates the last-activity timestamp (e.g. on any frame
// received from the client).
func (m *Manager) TouchClient(id ClientID) {
	if c, ok := m.get(id); ok {
		c.touch()
		if c.State() == StateIdle {
			c.setState(StateConnected)
		}
	}
}

func (m *Manager) ClientIDs() []ClientID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]ClientID, 0, len(m.clients))
	for id := range m.clients {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) ClientCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// Get returns the Connection for id, for callers (the proxy's writer
// loops) that need the raw net.Conn. The lock is released before the
// caller performs any blocking socket I/O.
func (m *Manager) Get(id ClientID) (*Connection, bool) {
	return m.get(id)
}

// Responses returns the channel a per-client writer goroutine should
// drain and write to the socket.
func (c *Connection) Responses() <-chan []byte { return c.responses }

// Notifications returns the channel a per-client writer goroutine should
// drain and write to the socket.
func (c *Connection) Notifications() <-chan []byte { return c.notifications }

// IncPending increments the per-client pending-request counter, failing
// with ErrQueueFull once it would exceed maxPending.
func (c *Connection) IncPending(max int32) error {
	for {
		cur := c.pending.Load()
		if cur >= max {
			return ErrQueueFull
		}
		if c.pending.CompareAndSwap(cur, cur+1) {
			return nil
		}
	}
}

// DecPending decrements the pending counter, never underflowing below 0.
func (c *Connection) DecPending() {
	for {
		cur := c.pending.Load()
		if cur <= 0 {
			return
		}
		if c.pending.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

func (c *Connection) PendingCount() int32 { return c.pending.Load() }

// IsDisconnectErr classifies BrokenPipe/ConnectionReset/NotConnected as
// the same "client disconnected" condition.
func IsDisconnectErr(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, net.ErrClosed)
}

// removeLocked drops id from both maps and releases its connection and
// queues. Closing responses/notifications here unblocks the proxy's
// per-client writer goroutine (blocked in a <-conn.Responses()/
// <-conn.Notifications() select) promptly instead of leaving it parked
// until the whole proxy shuts down; closing Conn unblocks the reader
// goroutine's blocking Scan(). Guarded by c.mu so a concurrent
// QueueResponse/QueueNotification — which also takes c.mu before
// touching these channels — never sends on one after it's closed.
func (m *Manager) removeLocked(id ClientID) {
	c, ok := m.clients[id]
	if !ok {
		return
	}
	delete(m.bySession, c.SessionID)
	delete(m.clients, id)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	_ = c.Conn.Close()
	close(c.responses)
	close(c.notifications)
}

// Start launches the reaper and keepalive background goroutines, stopped
// via ctx cancellation.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(2)
	go m.reapLoop(ctx)
	go m.keepaliveLoop(ctx)
}

// Stop waits for the background goroutines to exit.
func (m *Manager) Stop() {
	m.wg.Wait()
}

func (m *Manager) reapLoop(ctx context.Context) {
	defer m.wg.Done()
	interval := m.idleTimeout / 4
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reapOnce()
		}
	}
}

func (m *Manager) reapOnce() {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.clients {
		state := c.State()
		idle := now.Sub(time.Unix(0, c.lastActivity.Load())) > m.idleTimeout
		if state == StateDisconnected || state == StateRemoving {
			c.setState(StateRemoving)
			m.removeLocked(id)
			continue
		}
		if idle {
			c.setState(StateDisconnected)
			c.setState(StateRemoving)
			m.removeLocked(id)
			log.Debug("client_reaped", "client", string(id))
		}
	}
}

func (m *Manager) keepaliveLoop(ctx context.Context) {
	defer m.wg.Done()
	if m.keepaliveInterval <= 0 {
		return
	}
	ticker := time.NewTicker(m.keepaliveInterval)
	defer ticker.Stop()
	ping := []byte(`{"jsonrpc":"2.0","method":"$/ping"}`)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.RLock()
			ids := make([]ClientID, 0, len(m.clients))
			for id, c := range m.clients {
				if s := c.State(); s == StateConnected || s == StateIdle {
					ids = append(ids, id)
				}
			}
			m.mu.RUnlock()
			for _, id := range ids {
				if err := m.QueueNotification(id, ping); err != nil {
					m.MarkDisconnected(id)
				}
			}
		}
	}
}
