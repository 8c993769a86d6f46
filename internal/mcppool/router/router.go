// Package router rewrites JSON-RPC request ids to globally unique proxy
// ids so that independent client sessions using the same id (e.g. both
// starting from 1) never collide in flight to a shared MCP process, and
// restores the original id on the matching response.
package router

import (
	"bytes"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/asheshgoplani/mcp-socket-pool/internal/logging"
)

var log = logging.ForComponent(logging.CompRouter)

// IDKind discriminates the three id shapes JSON-RPC permits.
type IDKind int

const (
	IDNumber IDKind = iota
	IDString
	IDNull
)

// OriginalRequestID preserves the client's id bit-for-bit across the
// rewrite/restore round trip, including the exact lexical form of numbers
// (json.Number avoids normalizing "1" to "1.0" or losing precision).
type OriginalRequestID struct {
	Kind   IDKind
	Number json.Number
	Str    string
}

func originalFromJSON(raw json.RawMessage) (OriginalRequestID, bool) {
	var probe interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&probe); err != nil {
		return OriginalRequestID{}, false
	}
	switch v := probe.(type) {
	case json.Number:
		return OriginalRequestID{Kind: IDNumber, Number: v}, true
	case string:
		return OriginalRequestID{Kind: IDString, Str: v}, true
	case nil:
		return OriginalRequestID{Kind: IDNull}, true
	default:
		return OriginalRequestID{}, false
	}
}

func (o OriginalRequestID) toJSON() json.RawMessage {
	switch o.Kind {
	case IDNumber:
		return json.RawMessage(o.Number.String())
	case IDString:
		b, _ := json.Marshal(o.Str)
		return b
	default:
		return json.RawMessage("null")
	}
}

type mapping struct {
	sessionID  string
	originalID OriginalRequestID
	createdAt  time.Time
	timeout    time.Duration
}

func (m mapping) isExpired() bool {
	return time.Since(m.createdAt) > m.timeout
}

// Router rewrites and restores JSON-RPC ids for one MCP's multiplexed
// clients. Construction (New) and scheduling (Start) are distinct phases,
// since the sweeper goroutine must not be launched before the caller
// decides to run it.
type Router struct {
	mu              sync.RWMutex
	mappings        map[string]mapping
	defaultTimeout  time.Duration
	cleanupInterval time.Duration

	stopOnce sync.Once
	started  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a router with the given default mapping TTL. It performs no
// I/O and starts no goroutines.
func New(defaultTimeout time.Duration) *Router {
	return &Router{
		mappings:        make(map[string]mapping),
		defaultTimeout:  defaultTimeout,
		cleanupInterval: 10 * time.Second,
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
	}
}

// Start launches the background TTL sweeper. Safe to call once.
func (r *Router) Start() {
	r.started = true
	go r.sweepLoop()
}

func (r *Router) sweepLoop() {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			removed := r.CleanupExpired()
			if removed > 0 {
				log.Debug("expired_mappings_swept", "removed", removed)
			}
		}
	}
}

// RewriteRequest parses the JSON-RPC id out of raw. If absent, returns
// rewritten=false and the caller forwards raw unmodified (a notification).
// Otherwise it allocates a fresh proxy id, stores the mapping, and returns
// the request with its id replaced.
func (r *Router) RewriteRequest(sessionID string, raw []byte) (out []byte, rewritten bool, err error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return raw, false, err
	}
	idRaw, hasID := obj["id"]
	if !hasID {
		return raw, false, nil
	}
	original, ok := originalFromJSON(idRaw)
	if !ok {
		return raw, false, nil
	}

	proxyID := uuid.NewString()
	r.mu.Lock()
	r.mappings[proxyID] = mapping{
		sessionID:  sessionID,
		originalID: original,
		createdAt:  time.Now(),
		timeout:    r.defaultTimeout,
	}
	r.mu.Unlock()

	proxyIDJSON, _ := json.Marshal(proxyID)
	obj["id"] = proxyIDJSON
	out, err = json.Marshal(obj)
	if err != nil {
		return raw, false, err
	}
	return out, true, nil
}

// RestoreResponse parses the proxy id out of raw. If a mapping exists, it
// is removed and the response's id is rewritten back to the client's
// original id; ok is true. If no mapping is found (unknown, already
// restored, or expired) ok is false and the caller should drop the frame.
func (r *Router) RestoreResponse(raw []byte) (sessionID string, out []byte, ok bool, err error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", raw, false, err
	}
	idRaw, hasID := obj["id"]
	if !hasID {
		return "", raw, false, nil
	}
	var proxyID string
	if err := json.Unmarshal(idRaw, &proxyID); err != nil {
		return "", raw, false, nil
	}

	r.mu.Lock()
	m, found := r.mappings[proxyID]
	if found {
		delete(r.mappings, proxyID)
	}
	r.mu.Unlock()
	if !found {
		return "", raw, false, nil
	}

	obj["id"] = m.originalID.toJSON()
	out, err = json.Marshal(obj)
	if err != nil {
		return "", raw, false, err
	}
	return m.sessionID, out, true, nil
}

// CancelSession removes all mappings belonging to sessionID (on client
// disconnect) and returns the count removed.
func (r *Router) CancelSession(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for k, m := range r.mappings {
		if m.sessionID == sessionID {
			delete(r.mappings, k)
			removed++
		}
	}
	return removed
}

// CleanupExpired removes mappings past their TTL and returns the count.
func (r *Router) CleanupExpired() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for k, m := range r.mappings {
		if m.isExpired() {
			delete(r.mappings, k)
			removed++
		}
	}
	return removed
}

// PendingCount returns the number of in-flight (unresolved) requests.
func (r *Router) PendingCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.mappings)
}

// HasPendingRequests reports whether sessionID has any mapping outstanding.
func (r *Router) HasPendingRequests(sessionID string) bool {
	return r.PendingForSession(sessionID) > 0
}

// PendingForSession returns the count of in-flight mappings for sessionID.
func (r *Router) PendingForSession(sessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, m := range r.mappings {
		if m.sessionID == sessionID {
			n++
		}
	}
	return n
}

// Shutdown stops the sweeper goroutine. Safe to call multiple times.
func (r *Router) Shutdown() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
	if r.started {
		<-r.doneCh
	}
}
