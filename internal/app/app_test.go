package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corey/logglance/internal/config"
	"github.com/corey/logglance/internal/domain/search"
)

func newTestApp(t *testing.T, polling bool) *App {
	t.Helper()
	cfg := config.Default()
	cfg.StateDB = filepath.Join(t.TempDir(), "state", "state.db")
	cfg.Debounce = 10 * time.Millisecond
	cfg.PollInterval = 20 * time.Millisecond
	cfg.Workers = 2
	a, err := New(cfg, Options{ForcePolling: polling})
	require.NoError(t, err)
	return a
}

// =============================================================================
// App: end-to-end follow through the real watcher
// =============================================================================

func TestApp_FollowsAppends(t *testing.T) {
	for _, polling := range []bool{false, true} {
		name := "fsnotify"
		if polling {
			name = "polling"
		}
		t.Run(name, func(t *testing.T) {
			a := newTestApp(t, polling)
			defer a.Stop()

			path := writeLog(t, t.TempDir(), "app.log", "boot", "ERROR once")
			handles, err := a.Start(context.Background(), path)
			require.NoError(t, err)
			require.Len(t, handles, 1)
			h := handles[0]

			gen, err := h.Submit(search.Query{Pattern: "ERROR", CaseSensitive: true})
			require.NoError(t, err)

			appendLog(t, path, "ok", "ERROR twice")
			require.Eventually(t, func() bool {
				res, st, err := h.Poll(gen)
				return err == nil && st == search.StatusReady && len(res.Lines) == 2
			}, 3*time.Second, 10*time.Millisecond)

			st, err := h.Status()
			require.NoError(t, err)
			assert.Equal(t, 4, st.Lines)
			assert.Equal(t, "UTF-8", st.Encoding)
		})
	}
}

func TestApp_FollowsRotation(t *testing.T) {
	a := newTestApp(t, false)
	defer a.Stop()

	path := writeLog(t, t.TempDir(), "app.log", "old 1", "old 2")
	handles, err := a.Start(context.Background(), path)
	require.NoError(t, err)
	h := handles[0]
	require.Eventually(t, func() bool { return h.Index.Len() == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.Rename(path, path+".1"))
	require.NoError(t, os.WriteFile(path, []byte("new 1\n"), 0644))

	require.Eventually(t, func() bool {
		l, err := h.Index.Get(0)
		return err == nil && h.Index.Len() == 1 && l.Text == "new 1"
	}, 3*time.Second, 10*time.Millisecond)
}

func TestApp_StopPersistsState(t *testing.T) {
	a := newTestApp(t, false)
	path := writeLog(t, t.TempDir(), "app.log", "a", "b", "c")
	handles, err := a.Start(context.Background(), path)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return handles[0].Index.Len() == 3 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, a.Supervisor.SetEncoding(path, "ISO-8859-15"))

	states, err := a.States()
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, "ISO-8859-15", states[0].ForcedEncoding)

	require.NoError(t, a.Stop())
	_, err = os.Stat(a.Config.StateDB)
	assert.NoError(t, err)
}

func TestApp_StartReportsFailure(t *testing.T) {
	a := newTestApp(t, true)
	defer a.Stop()

	good := writeLog(t, t.TempDir(), "good.log", "x")
	handles, err := a.Start(context.Background(), good, filepath.Join(t.TempDir(), "missing.log"))
	assert.Error(t, err)
	assert.Len(t, handles, 1)
	assert.Len(t, a.Supervisor.Files(), 1)
}

func TestApp_RejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Workers = 0
	_, err := New(cfg, Options{})
	assert.Error(t, err)
}

func TestApp_WithoutStateDB(t *testing.T) {
	cfg := config.Default()
	cfg.StateDB = ""
	a, err := New(cfg, Options{ForcePolling: true})
	require.NoError(t, err)
	defer a.Stop()
	assert.Nil(t, a.Store)
	states, err := a.States()
	assert.NoError(t, err)
	assert.Empty(t, states)
}
