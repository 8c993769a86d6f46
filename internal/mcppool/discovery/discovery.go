// Package discovery enumerates and garbage-collects the Unix socket and
// lockfile pairs a pool leaves behind in its socket directory.
package discovery

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/asheshgoplani/mcp-socket-pool/internal/logging"
	"github.com/asheshgoplani/mcp-socket-pool/internal/platform"
)

var log = logging.ForComponent(logging.CompDiscovery)

// staleGrace is how long a socket with no lockfile is tolerated before it
// is considered abandoned (e.g. a crash between bind and lockfile write).
const staleGrace = 5 * time.Second

// Entry describes one discovered socket/lockfile pair.
type Entry struct {
	Name       string
	SocketPath string
	LockPath   string
	OwnerPID   int // 0 when no lockfile or unparseable
}

// Discovery scans one socket directory for a given filename prefix.
type Discovery struct {
	dir        string
	prefix     string
	currentPID int
}

func New(dir, prefix string) *Discovery {
	return &Discovery{dir: dir, prefix: prefix, currentPID: os.Getpid()}
}

// List enumerates every "<prefix>*.sock" in dir, ignoring entries that
// can't be read.
func (d *Discovery) List() []Entry {
	pattern := filepath.Join(d.dir, d.prefix+"*.sock")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		log.Warn("socket_scan_failed", "error", err)
		return nil
	}

	entries := make([]Entry, 0, len(matches))
	for _, sockPath := range matches {
		base := filepath.Base(sockPath)
		if !strings.HasPrefix(base, d.prefix) || !strings.HasSuffix(base, ".sock") {
			continue
		}
		name := strings.TrimSuffix(strings.TrimPrefix(base, d.prefix), ".sock")
		lockPath := strings.TrimSuffix(sockPath, ".sock") + ".lock"

		entry := Entry{Name: name, SocketPath: sockPath, LockPath: lockPath}
		if pid, ok := readLockPID(lockPath); ok {
			entry.OwnerPID = pid
		}
		entries = append(entries, entry)
	}
	return entries
}

func readLockPID(lockPath string) (int, bool) {
	b, err := os.ReadFile(lockPath)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// WriteLock records the current process's PID as the owner of name's
// socket, so future discoveries (including in another process) can
// confirm liveness.
func (d *Discovery) WriteLock(name string) error {
	lockPath := filepath.Join(d.dir, d.prefix+name+".lock")
	return os.WriteFile(lockPath, []byte(strconv.Itoa(d.currentPID)), 0o600)
}

// RemoveLock removes name's lockfile, ignoring a missing file.
func (d *Discovery) RemoveLock(name string) error {
	lockPath := filepath.Join(d.dir, d.prefix+name+".lock")
	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func isPIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return err == syscall.EPERM
}

// CleanupStale removes every socket/lockfile pair whose recorded owner PID
// is not the current process and is not alive, or whose lockfile is
// missing and whose socket file is older than the stale grace period. It
// never removes the current process's own socket.
func (d *Discovery) CleanupStale() int {
	removed := 0
	for _, e := range d.List() {
		if e.OwnerPID == d.currentPID {
			continue
		}

		var stale bool
		switch {
		case e.OwnerPID != 0:
			stale = !isPIDAlive(e.OwnerPID)
		default:
			stale = socketOlderThan(e.SocketPath, staleGrace)
		}
		if !stale {
			continue
		}

		if err := os.Remove(e.SocketPath); err != nil && !os.IsNotExist(err) {
			log.Warn("stale_socket_remove_failed", "mcp", e.Name, "error", err)
			continue
		}
		_ = os.Remove(e.LockPath)
		log.Info("stale_socket_removed", "mcp", e.Name)
		removed++
	}
	return removed
}

func socketOlderThan(path string, d time.Duration) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()) > d
}

// Watcher watches the socket directory for external changes — another
// process registering or crashing out from under it — and triggers
// onChange on a short debounce so a full CleanupStale sweep doesn't have
// to wait for the next HealthMonitor tick.
type Watcher struct {
	watcher   *fsnotify.Watcher
	onChange  func()
	debounce  time.Duration
	stopCh    chan struct{}
	mu        sync.Mutex
	lastEvent time.Time
}

// NewWatcher builds a Watcher for dir. Start must be called to begin
// watching.
func NewWatcher(dir string, onChange func()) (*Watcher, error) {
	if warning := platform.CheckFsnotifySupport(dir); warning != "" {
		log.Warn("fsnotify_may_be_unreliable", "dir", dir, "reason", warning)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("discovery: new watcher: %w", err)
	}
	if err := fsWatcher.Add(dir); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("discovery: watch %s: %w", dir, err)
	}
	return &Watcher{
		watcher:  fsWatcher,
		onChange: onChange,
		debounce: 200 * time.Millisecond,
		stopCh:   make(chan struct{}),
	}, nil
}

// Start launches the background watch loop.
func (w *Watcher) Start() {
	go w.watchLoop()
}

// Stop closes the underlying fsnotify watcher and ends the watch loop.
func (w *Watcher) Stop() error {
	close(w.stopCh)
	return w.watcher.Close()
}

func (w *Watcher) watchLoop() {
	var debounceTimer *time.Timer

	for {
		select {
		case <-w.stopCh:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Remove) == 0 {
				continue
			}
			if !strings.HasSuffix(event.Name, ".sock") && !strings.HasSuffix(event.Name, ".lock") {
				continue
			}

			w.mu.Lock()
			w.lastEvent = time.Now()
			w.mu.Unlock()

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(w.debounce, func() {
				w.mu.Lock()
				elapsed := time.Since(w.lastEvent)
				w.mu.Unlock()
				if elapsed >= w.debounce {
					w.onChange()
				}
			})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn("fsnotify_error", "error", err)
		}
	}
}

// SocketPath returns the expected path for a given MCP name.
func (d *Discovery) SocketPath(name string) string {
	return filepath.Join(d.dir, fmt.Sprintf("%s%s.sock", d.prefix, name))
}

// LockPath returns the expected lockfile path for a given MCP name.
func (d *Discovery) LockPath(name string) string {
	return filepath.Join(d.dir, fmt.Sprintf("%s%s.lock", d.prefix, name))
}
