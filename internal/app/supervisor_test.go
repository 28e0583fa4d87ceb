package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corey/logglance/internal/adapters/bbolt"
	"github.com/corey/logglance/internal/domain/encoding"
	"github.com/corey/logglance/internal/domain/search"
	"github.com/corey/logglance/internal/ports"
)

// fakeWatcher lets tests deliver change events by hand.
type fakeWatcher struct {
	mu      sync.Mutex
	events  chan string
	added   map[string]bool
	removed []string
}

func newFakeWatcher() *fakeWatcher {
	return &fakeWatcher{events: make(chan string, 16), added: make(map[string]bool)}
}

func (w *fakeWatcher) Add(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.added[path] = true
	return nil
}

func (w *fakeWatcher) Remove(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.added, path)
	w.removed = append(w.removed, path)
	return nil
}

func (w *fakeWatcher) Events() <-chan string { return w.events }
func (w *fakeWatcher) Stop() error           { return nil }

func (w *fakeWatcher) watching(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.added[path]
}

func newTestSupervisor(t *testing.T, store ports.Storage) (*Supervisor, *fakeWatcher) {
	t.Helper()
	return newSupervisorWith(t, store, true)
}

func newSupervisorWith(t *testing.T, store ports.Storage, resume bool) (*Supervisor, *fakeWatcher) {
	t.Helper()
	w := newFakeWatcher()
	cfg := SupervisorConfig{Watcher: w, Workers: 2, Resume: resume, RetryInterval: 20 * time.Millisecond}
	if store != nil {
		cfg.Store = store
	}
	s, err := NewSupervisor(cfg)
	require.NoError(t, err)
	t.Cleanup(s.Shutdown)
	return s, w
}

func newTestStore(t *testing.T) *bbolt.Store {
	t.Helper()
	store, err := bbolt.NewStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func writeLog(t *testing.T, dir, name string, lines ...string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	body := ""
	if len(lines) > 0 {
		body = strings.Join(lines, "\n") + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	canon, err := Canonical(path)
	require.NoError(t, err)
	return canon
}

func appendLog(t *testing.T, path string, lines ...string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(strings.Join(lines, "\n") + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

// waitNotification reads notifications until one of kind for path arrives.
func waitNotification(t *testing.T, ch <-chan ports.Notification, kind ports.Kind, path string) ports.Notification {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case n, ok := <-ch:
			require.True(t, ok, "notifications closed while waiting for %s", kind)
			if n.Kind == kind && n.Path == path {
				return n
			}
		case <-deadline:
			t.Fatalf("no %s notification for %s", kind, path)
		}
	}
}

func waitFileLines(t *testing.T, s *Supervisor, path string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, err := s.Status(path)
		return err == nil && st.Lines == n && st.State == "idle"
	}, 2*time.Second, 5*time.Millisecond)
}

func waitResult(t *testing.T, s *Supervisor, path string, gen uint64, covered int) search.Result {
	t.Helper()
	var res search.Result
	require.Eventually(t, func() bool {
		r, st, err := s.PollResult(path, gen)
		if err != nil || st != search.StatusReady || r.Covered != covered {
			return false
		}
		res = r
		return true
	}, 2*time.Second, 5*time.Millisecond)
	return res
}

// =============================================================================
// Supervisor: tracking files
// Expectation: one Tailer per canonical path
// =============================================================================

func TestSupervisor_OpenIsIdempotent(t *testing.T) {
	s, w := newTestSupervisor(t, nil)
	path := writeLog(t, t.TempDir(), "app.log", "a", "b")

	h1, err := s.Open(context.Background(), path)
	require.NoError(t, err)
	h2, err := s.Open(context.Background(), path)
	require.NoError(t, err)

	assert.Same(t, h1, h2)
	assert.Len(t, s.Files(), 1)
	assert.True(t, w.watching(path))
	waitFileLines(t, s, path, 2)
}

func TestSupervisor_OpenThroughSymlink(t *testing.T) {
	s, _ := newTestSupervisor(t, nil)
	dir := t.TempDir()
	path := writeLog(t, dir, "real.log", "x")
	link := filepath.Join(dir, "current.log")
	require.NoError(t, os.Symlink(path, link))

	h1, err := s.Open(context.Background(), path)
	require.NoError(t, err)
	h2, err := s.Open(context.Background(), link)
	require.NoError(t, err)
	assert.Same(t, h1, h2)
	assert.Equal(t, path, h2.Path)
}

func TestSupervisor_OpenMissingFile(t *testing.T) {
	s, w := newTestSupervisor(t, nil)
	missing := filepath.Join(t.TempDir(), "absent.log")

	_, err := s.Open(context.Background(), missing)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Empty(t, s.Files())
	assert.False(t, w.watching(missing))

	_, err = s.Status(missing)
	assert.ErrorIs(t, err, ErrNotTracked)
}

func TestSupervisor_OpenCancelledContext(t *testing.T) {
	s, _ := newTestSupervisor(t, nil)
	path := writeLog(t, t.TempDir(), "app.log", "a")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Open(ctx, path)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSupervisor_UntrackedCallsFail(t *testing.T) {
	s, _ := newTestSupervisor(t, nil)
	p := filepath.Join(t.TempDir(), "never.log")

	_, err := s.ReadLines(p, 0, 10)
	assert.ErrorIs(t, err, ErrNotTracked)
	_, err = s.SubmitQuery(p, search.Query{Pattern: "x"})
	assert.ErrorIs(t, err, ErrNotTracked)
	_, _, err = s.PollResult(p, 1)
	assert.ErrorIs(t, err, ErrNotTracked)
	assert.ErrorIs(t, s.SetEncoding(p, "UTF-8"), ErrNotTracked)
	assert.ErrorIs(t, s.Redetect(p), ErrNotTracked)
	assert.ErrorIs(t, s.Retry(p), ErrNotTracked)
	assert.ErrorIs(t, s.Close(p), ErrNotTracked)
}

// =============================================================================
// Supervisor: change routing and notifications
// =============================================================================

func TestSupervisor_RoutesWatcherEvents(t *testing.T) {
	s, w := newTestSupervisor(t, nil)
	path := writeLog(t, t.TempDir(), "app.log", "one")
	_, err := s.Open(context.Background(), path)
	require.NoError(t, err)
	waitNotification(t, s.Notifications(), ports.KindGrew, path)

	appendLog(t, path, "two", "three")
	w.events <- path

	n := waitNotification(t, s.Notifications(), ports.KindGrew, path)
	assert.Equal(t, 3, n.Lines)

	lines, err := s.ReadLines(path, 1, 100)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, "two", lines[0].Text)
	assert.Equal(t, 2, lines[1].Number)
}

func TestSupervisor_UntrackedEventsDropped(t *testing.T) {
	s, w := newTestSupervisor(t, nil)
	path := writeLog(t, t.TempDir(), "app.log", "one")
	_, err := s.Open(context.Background(), path)
	require.NoError(t, err)
	waitNotification(t, s.Notifications(), ports.KindGrew, path)

	w.events <- "/not/tracked.log"
	appendLog(t, path, "two")
	w.events <- path
	n := waitNotification(t, s.Notifications(), ports.KindGrew, path)
	assert.Equal(t, 2, n.Lines)
}

func TestSupervisor_ErrorAndRecovery(t *testing.T) {
	s, w := newTestSupervisor(t, nil)
	path := writeLog(t, t.TempDir(), "app.log", "one", "two")
	_, err := s.Open(context.Background(), path)
	require.NoError(t, err)
	waitFileLines(t, s, path, 2)

	require.NoError(t, os.Remove(path))
	w.events <- path
	n := waitNotification(t, s.Notifications(), ports.KindError, path)
	assert.ErrorIs(t, n.Err, os.ErrNotExist)

	st, err := s.Status(path)
	require.NoError(t, err)
	assert.Equal(t, "error", st.State)
	assert.Equal(t, 2, st.Lines)
	assert.Error(t, st.Err)

	require.NoError(t, os.WriteFile(path, []byte("again\n"), 0644))
	require.NoError(t, s.Retry(path))
	waitNotification(t, s.Notifications(), ports.KindRecovered, path)

	lines, err := s.ReadLines(path, 0, 10)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, "again", lines[0].Text)
}

func TestSupervisor_CloseStopsTracking(t *testing.T) {
	s, w := newTestSupervisor(t, nil)
	path := writeLog(t, t.TempDir(), "app.log", "one")
	_, err := s.Open(context.Background(), path)
	require.NoError(t, err)

	require.NoError(t, s.Close(path))
	waitNotification(t, s.Notifications(), ports.KindClosed, path)
	assert.False(t, w.watching(path))
	assert.Empty(t, s.Files())

	_, err = s.ReadLines(path, 0, 1)
	assert.ErrorIs(t, err, ErrNotTracked)

	// Reopening after close creates a fresh handle.
	h, err := s.Open(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, path, h.Path)
}

func TestSupervisor_Shutdown(t *testing.T) {
	s, _ := newTestSupervisor(t, nil)
	path := writeLog(t, t.TempDir(), "app.log", "one")
	_, err := s.Open(context.Background(), path)
	require.NoError(t, err)

	s.Shutdown()
	s.Shutdown()

	_, err = s.Open(context.Background(), path)
	assert.ErrorIs(t, err, ErrShutdown)
	assert.Empty(t, s.Files())

	// The notification channel drains and closes.
	require.Eventually(t, func() bool {
		for {
			select {
			case _, ok := <-s.Notifications():
				if !ok {
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, 5*time.Millisecond)
}

func TestEnqueue_MergesGrowth(t *testing.T) {
	q := enqueue(nil, ports.Notification{Kind: ports.KindGrew, Path: "a", Lines: 1})
	q = enqueue(q, ports.Notification{Kind: ports.KindGrew, Path: "a", Lines: 5})
	require.Len(t, q, 1)
	assert.Equal(t, 5, q[0].Lines)

	q = enqueue(q, ports.Notification{Kind: ports.KindGrew, Path: "b", Lines: 2})
	q = enqueue(q, ports.Notification{Kind: ports.KindReset, Path: "b", Epoch: 1})
	q = enqueue(q, ports.Notification{Kind: ports.KindGrew, Path: "b", Lines: 1, Epoch: 1})
	require.Len(t, q, 4, "growth is never merged across a reset")
}

// =============================================================================
// Supervisor: search
// Expectation: results extend as the file grows, generation stays the same
// =============================================================================

func TestSupervisor_SearchExtendsOnGrowth(t *testing.T) {
	s, w := newTestSupervisor(t, nil)
	path := writeLog(t, t.TempDir(), "app.log", "INFO start", "ERROR disk", "INFO ok")
	_, err := s.Open(context.Background(), path)
	require.NoError(t, err)
	waitFileLines(t, s, path, 3)

	gen, err := s.SubmitQuery(path, search.Query{Pattern: "error"})
	require.NoError(t, err)
	res := waitResult(t, s, path, gen, 3)
	assert.Equal(t, []int{1}, res.Lines)

	appendLog(t, path, "ERROR net", "INFO fine")
	w.events <- path

	res = waitResult(t, s, path, gen, 5)
	assert.Equal(t, gen, res.Generation)
	assert.Equal(t, []int{1, 3}, res.Lines)

	n := waitNotification(t, s.Notifications(), ports.KindSearchUpdated, path)
	assert.Equal(t, gen, n.Generation)

	st, err := s.Status(path)
	require.NoError(t, err)
	assert.Equal(t, gen, st.Generation)
}

func TestSupervisor_InvalidQueryKeepsGeneration(t *testing.T) {
	s, _ := newTestSupervisor(t, nil)
	path := writeLog(t, t.TempDir(), "app.log", "a1", "b2")
	h, err := s.Open(context.Background(), path)
	require.NoError(t, err)
	waitFileLines(t, s, path, 2)

	gen, err := h.Submit(search.Query{Pattern: `\d`, Regex: true})
	require.NoError(t, err)
	waitResult(t, s, path, gen, 2)

	_, err = h.Submit(search.Query{Pattern: `([`, Regex: true})
	var invalid *search.InvalidQueryError
	require.True(t, errors.As(err, &invalid))

	res, st, err := h.Poll(gen)
	require.NoError(t, err)
	assert.Equal(t, search.StatusReady, st)
	assert.Equal(t, []int{0, 1}, res.Lines)
}

func TestSupervisor_SearchRerunsAfterTruncate(t *testing.T) {
	s, w := newTestSupervisor(t, nil)
	path := writeLog(t, t.TempDir(), "app.log", "hit 1", "miss", "hit 2")
	_, err := s.Open(context.Background(), path)
	require.NoError(t, err)
	waitFileLines(t, s, path, 3)

	gen, err := s.SubmitQuery(path, search.Query{Pattern: "hit", CaseSensitive: true})
	require.NoError(t, err)
	waitResult(t, s, path, gen, 3)

	require.NoError(t, os.WriteFile(path, []byte("other hit\n"), 0644))
	w.events <- path

	var latest search.Result
	require.Eventually(t, func() bool {
		st, err := s.Status(path)
		if err != nil || st.Generation <= gen {
			return false
		}
		r, status, _ := s.PollResult(path, st.Generation)
		latest = r
		return status == search.StatusReady && r.Covered == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{0}, latest.Lines)

	_, status, err := s.PollResult(path, gen)
	require.NoError(t, err)
	assert.Equal(t, search.StatusSuperseded, status)
}

// =============================================================================
// Supervisor: persisted state
// Expectation: forced encodings survive reopening, resume skips old lines
// =============================================================================

func TestSupervisor_ForcedEncodingPersists(t *testing.T) {
	store := newTestStore(t)
	dir := t.TempDir()
	path := writeLog(t, dir, "app.log", "café")

	s, _ := newSupervisorWith(t, store, false)
	_, err := s.Open(context.Background(), path)
	require.NoError(t, err)
	waitFileLines(t, s, path, 1)

	assert.ErrorIs(t, s.SetEncoding(path, "klingon"), encoding.ErrUnknownEncoding)
	require.NoError(t, s.SetEncoding(path, "latin1"))

	st, err := s.Status(path)
	require.NoError(t, err)
	assert.True(t, st.Forced)
	assert.Equal(t, "windows-1252", st.Encoding)

	saved, err := store.LoadFileState(path)
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, "windows-1252", saved.ForcedEncoding)
	s.Shutdown()

	s2, _ := newSupervisorWith(t, store, false)
	_, err = s2.Open(context.Background(), path)
	require.NoError(t, err)
	waitFileLines(t, s2, path, 1)
	lines, err := s2.ReadLines(path, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, "cafÃ©", lines[0].Text)

	require.NoError(t, s2.Redetect(path))
	saved, err = store.LoadFileState(path)
	require.NoError(t, err)
	assert.Empty(t, saved.ForcedEncoding)
}

func TestSupervisor_ResumeFromCommittedOffset(t *testing.T) {
	store := newTestStore(t)
	path := writeLog(t, t.TempDir(), "app.log", "old 1", "old 2")

	s, _ := newTestSupervisor(t, store)
	_, err := s.Open(context.Background(), path)
	require.NoError(t, err)
	waitFileLines(t, s, path, 2)
	s.Shutdown()

	appendLog(t, path, "new 1")

	s2, _ := newTestSupervisor(t, store)
	_, err = s2.Open(context.Background(), path)
	require.NoError(t, err)
	waitFileLines(t, s2, path, 1)
	lines, err := s2.ReadLines(path, 0, 10)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, "new 1", lines[0].Text)
	assert.Equal(t, int64(len("old 1\nold 2\n")), lines[0].Offset)
}

func TestSupervisor_ManyFiles(t *testing.T) {
	s, _ := newTestSupervisor(t, nil)
	dir := t.TempDir()
	var paths []string
	for i := 0; i < 6; i++ {
		paths = append(paths, writeLog(t, dir, fmt.Sprintf("f%d.log", i), "x", "y"))
	}
	for _, p := range paths {
		_, err := s.Open(context.Background(), p)
		require.NoError(t, err)
	}
	for _, p := range paths {
		waitFileLines(t, s, p, 2)
	}
	files := s.Files()
	require.Len(t, files, 6)
	for i := 1; i < len(files); i++ {
		assert.Less(t, files[i-1].Path, files[i].Path)
	}
}
