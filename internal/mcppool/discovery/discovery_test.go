package discovery

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte{}, 0o600))
}

func TestListFindsSocketsByPrefix(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "pool-foo.sock"))
	touch(t, filepath.Join(dir, "pool-bar.sock"))
	touch(t, filepath.Join(dir, "unrelated.sock"))

	d := New(dir, "pool-")
	entries := d.List()
	names := map[string]bool{}
	for _, e := range entries {
		names[e.Name] = true
	}
	assert.True(t, names["foo"])
	assert.True(t, names["bar"])
	assert.Len(t, entries, 2)
}

func TestListReadsOwnerPIDFromLock(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "pool-foo.sock"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pool-foo.lock"), []byte("4242"), 0o600))

	d := New(dir, "pool-")
	entries := d.List()
	require.Len(t, entries, 1)
	assert.Equal(t, 4242, entries[0].OwnerPID)
}

func TestCleanupStaleRemovesDeadOwner(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "pool-foo.sock"))
	// PID 1 typically exists (init); use an implausibly large PID instead
	// to represent a dead process deterministically.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pool-foo.lock"), []byte("999999"), 0o600))

	d := New(dir, "pool-")
	removed := d.CleanupStale()
	assert.Equal(t, 1, removed)
	_, err := os.Stat(filepath.Join(dir, "pool-foo.sock"))
	assert.True(t, os.IsNotExist(err))
}

func TestCleanupStaleNeverRemovesOwnPID(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "pool-self.sock"))
	d := New(dir, "pool-")
	require.NoError(t, d.WriteLock("self"))

	removed := d.CleanupStale()
	assert.Equal(t, 0, removed)
	_, err := os.Stat(filepath.Join(dir, "pool-self.sock"))
	assert.NoError(t, err)
}

func TestCleanupStaleGraceOnMissingLock(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "pool-nolock.sock")
	touch(t, sockPath)

	d := New(dir, "pool-")
	// Freshly created, within grace: not removed yet.
	assert.Equal(t, 0, d.CleanupStale())

	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(sockPath, old, old))
	assert.Equal(t, 1, d.CleanupStale())
}

func TestSocketPathAndLockPath(t *testing.T) {
	d := New("/tmp/sockets", "agentdeck-mcp-")
	assert.Equal(t, "/tmp/sockets/agentdeck-mcp-foo.sock", d.SocketPath("foo"))
	assert.Equal(t, "/tmp/sockets/agentdeck-mcp-foo.lock", d.LockPath("foo"))
}

func TestWriteLockThenRemoveLock(t *testing.T) {
	dir := t.TempDir()
	d := New(dir, "pool-")
	require.NoError(t, d.WriteLock("x"))
	_, err := os.Stat(filepath.Join(dir, "pool-x.lock"))
	require.NoError(t, err)

	require.NoError(t, d.RemoveLock("x"))
	_, err = os.Stat(filepath.Join(dir, "pool-x.lock"))
	assert.True(t, os.IsNotExist(err))

	// Removing again is a no-op.
	require.NoError(t, d.RemoveLock("x"))
}

func TestWatcherFiresOnChangeAfterSocketRemoval(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "pool-foo.sock")
	touch(t, sockPath)

	var fired atomic.Bool
	w, err := NewWatcher(dir, func() { fired.Store(true) })
	require.NoError(t, err)
	w.Start()
	defer w.Stop()

	require.NoError(t, os.Remove(sockPath))

	assert.Eventually(t, func() bool { return fired.Load() }, 2*time.Second, 10*time.Millisecond)
}
