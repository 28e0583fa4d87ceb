package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/corey/logglance/internal/app"
)

const ingestPoll = 10 * time.Millisecond

// openApp builds an App from the loaded config and opens every path.
// Resume is off: the commands show history, not only what is new.
func openApp(ctx context.Context, stateDB string, polling bool, paths []string) (*app.App, []*app.Handle, error) {
	c := cfg
	c.StateDB = stateDB
	c.Resume = false
	a, err := app.New(c, app.Options{ForcePolling: polling})
	if err != nil {
		return nil, nil, err
	}
	handles, err := a.Start(ctx, paths...)
	if err != nil {
		a.Stop()
		return nil, nil, err
	}
	return a, handles, nil
}

// waitIngested blocks until h has indexed the file as it was when the wait
// began, or the file failed.
func waitIngested(ctx context.Context, h *app.Handle) (app.FileStatus, error) {
	fi, err := os.Stat(h.Path)
	if err != nil {
		return app.FileStatus{}, err
	}
	target := fi.Size()

	ticker := time.NewTicker(ingestPoll)
	defer ticker.Stop()
	for {
		st, err := h.Status()
		if err != nil {
			return st, err
		}
		if st.State == "error" {
			return st, fmt.Errorf("%s: %w", h.Path, st.Err)
		}
		if fi, err := os.Stat(h.Path); err == nil && fi.Size() < target {
			target = fi.Size()
		}
		if st.State == "idle" && st.Size >= target {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-ticker.C:
		}
	}
}
