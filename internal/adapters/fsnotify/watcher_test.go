package fsnotify

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// fsnotify Watcher Adapter: detect changes to tracked log files
// Expectation: appends, truncation and rotation of a tracked file produce a
// debounced event for its path; other files in the directory are ignored
// =============================================================================

// waitForEvent waits up to timeout for the watcher to deliver a path.
func waitForEvent(ch <-chan string, timeout time.Duration) (string, bool) {
	select {
	case v := <-ch:
		return v, true
	case <-time.After(timeout):
		return "", false
	}
}

// countEvents drains ch until it has been quiet for quiet.
func countEvents(ch <-chan string, quiet time.Duration) int {
	n := 0
	for {
		select {
		case <-ch:
			n++
		case <-time.After(quiet):
			return n
		}
	}
}

func newTestWatcher(t *testing.T, opts Options) *Watcher {
	t.Helper()
	w, err := NewWatcher(opts)
	require.NoError(t, err)
	t.Cleanup(func() { w.Stop() })
	return w
}

func appendTo(t *testing.T, path, s string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(s)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestWatcher_DetectsAppend(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "app.log")
	require.NoError(t, os.WriteFile(logFile, []byte("first\n"), 0644))

	w := newTestWatcher(t, Options{})
	require.NoError(t, w.Add(logFile))
	assert.False(t, w.Polling(logFile))

	appendTo(t, logFile, "second\n")

	path, ok := waitForEvent(w.Events(), 2*time.Second)
	assert.True(t, ok, "expected event for append")
	assert.Equal(t, logFile, path)
}

func TestWatcher_DetectsRotation(t *testing.T) {
	// Unlink-and-recreate is only visible through the parent directory.
	dir := t.TempDir()
	logFile := filepath.Join(dir, "app.log")
	require.NoError(t, os.WriteFile(logFile, []byte("old\n"), 0644))

	w := newTestWatcher(t, Options{})
	require.NoError(t, w.Add(logFile))

	require.NoError(t, os.Rename(logFile, logFile+".1"))
	require.NoError(t, os.WriteFile(logFile, []byte("new\n"), 0644))

	path, ok := waitForEvent(w.Events(), 2*time.Second)
	assert.True(t, ok, "expected event for rotation")
	assert.Equal(t, logFile, path)
}

func TestWatcher_IgnoresUntrackedFiles(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "tracked.log")
	require.NoError(t, os.WriteFile(logFile, nil, 0644))

	w := newTestWatcher(t, Options{})
	require.NoError(t, w.Add(logFile))

	appendTo(t, filepath.Join(dir, "other.log"), "noise\n")
	_, ok := waitForEvent(w.Events(), 300*time.Millisecond)
	assert.False(t, ok, "should not deliver events for untracked files")

	appendTo(t, logFile, "signal\n")
	path, ok := waitForEvent(w.Events(), 2*time.Second)
	assert.True(t, ok)
	assert.Equal(t, logFile, path)
}

func TestWatcher_DebounceCollapsesBurst(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "burst.log")
	require.NoError(t, os.WriteFile(logFile, nil, 0644))

	w := newTestWatcher(t, Options{Debounce: 200 * time.Millisecond})
	require.NoError(t, w.Add(logFile))

	for i := 0; i < 20; i++ {
		appendTo(t, logFile, "line\n")
	}
	lastWrite := time.Now()

	_, ok := waitForEvent(w.Events(), 2*time.Second)
	require.True(t, ok, "burst must still produce an event")
	assert.GreaterOrEqual(t, time.Since(lastWrite), 150*time.Millisecond, "event delivered after the burst")
	assert.Equal(t, 0, countEvents(w.Events(), 400*time.Millisecond), "burst collapses into one event")
}

func TestWatcher_SharedDirectoryRefCount(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.log")
	b := filepath.Join(dir, "b.log")
	require.NoError(t, os.WriteFile(a, nil, 0644))
	require.NoError(t, os.WriteFile(b, nil, 0644))

	w := newTestWatcher(t, Options{})
	require.NoError(t, w.Add(a))
	require.NoError(t, w.Add(b))
	require.NoError(t, w.Add(b), "adding twice is a no-op")
	require.NoError(t, w.Remove(a))

	appendTo(t, a, "gone\n")
	appendTo(t, b, "still here\n")

	path, ok := waitForEvent(w.Events(), 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, b, path)
	assert.Equal(t, 0, countEvents(w.Events(), 300*time.Millisecond))

	require.NoError(t, w.Remove(a), "removing an untracked path is not an error")
}

// =============================================================================
// Polling fallback
// =============================================================================

func TestWatcher_PollsWhenDirectoryCannotBeWatched(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "not-yet")
	logFile := filepath.Join(dir, "late.log")

	w := newTestWatcher(t, Options{PollInterval: 20 * time.Millisecond})
	require.NoError(t, w.Add(logFile))
	assert.True(t, w.Polling(logFile))

	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(logFile, []byte("appeared\n"), 0644))

	path, ok := waitForEvent(w.Events(), 2*time.Second)
	assert.True(t, ok, "polling should notice the new file")
	assert.Equal(t, logFile, path)
}

func TestWatcher_ForcePolling(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "polled.log")
	require.NoError(t, os.WriteFile(logFile, []byte("a\n"), 0644))

	w := newTestWatcher(t, Options{ForcePolling: true, PollInterval: 20 * time.Millisecond})
	require.NoError(t, w.Add(logFile))
	assert.True(t, w.Polling(logFile))

	appendTo(t, logFile, "b\n")
	path, ok := waitForEvent(w.Events(), 2*time.Second)
	assert.True(t, ok)
	assert.Equal(t, logFile, path)
}

func TestWatcher_OverflowRescansEveryPath(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.log")
	b := filepath.Join(dir, "b.log")

	w := newTestWatcher(t, Options{})
	require.NoError(t, w.Add(a))
	require.NoError(t, w.Add(b))

	w.handleError(fsnotify.ErrEventOverflow)

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		p, ok := waitForEvent(w.Events(), 2*time.Second)
		require.True(t, ok)
		got[p] = true
	}
	assert.Equal(t, map[string]bool{a: true, b: true}, got)
	assert.False(t, w.Polling(a), "overflow keeps the fsnotify watch")
}

func TestWatcher_ErrorDegradesToPolling(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "app.log")
	require.NoError(t, os.WriteFile(logFile, nil, 0644))

	w := newTestWatcher(t, Options{PollInterval: 20 * time.Millisecond})
	require.NoError(t, w.Add(logFile))

	w.handleError(errors.New("inotify: broken"))
	assert.True(t, w.Polling(logFile))
	_, ok := waitForEvent(w.Events(), 2*time.Second)
	assert.True(t, ok, "degrading emits a catch-up event")

	appendTo(t, logFile, "after\n")
	path, ok := waitForEvent(w.Events(), 2*time.Second)
	assert.True(t, ok)
	assert.Equal(t, logFile, path)
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestWatcher_StopCleanup(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "app.log")
	require.NoError(t, os.WriteFile(logFile, nil, 0644))

	w, err := NewWatcher(Options{})
	require.NoError(t, err)
	require.NoError(t, w.Add(logFile))
	require.NoError(t, w.Stop())

	appendTo(t, logFile, "after stop\n")
	_, ok := waitForEvent(w.Events(), 200*time.Millisecond)
	assert.False(t, ok, "events delivered after Stop()")

	assert.NoError(t, w.Stop(), "double-stop should be safe")
	assert.Error(t, w.Add(logFile))
}
