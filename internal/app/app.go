// Package app wires together the adapters and domain logic.
// It provides lifecycle management for a LogGlance session: create, start,
// stop. The Supervisor is the per-session owner of every tracked file.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/corey/logglance/internal/adapters/bbolt"
	fsw "github.com/corey/logglance/internal/adapters/fsnotify"
	"github.com/corey/logglance/internal/config"
	"github.com/corey/logglance/internal/domain/encoding"
	"github.com/corey/logglance/internal/ports"
)

// App is the top-level container wiring all components together.
type App struct {
	Config     config.Config
	Store      *bbolt.Store // nil when persisted state is disabled
	Watcher    *fsw.Watcher
	Supervisor *Supervisor

	log *slog.Logger
}

// Options holds initialization parameters beyond the loaded config.
type Options struct {
	ForcePolling bool // never use fsnotify
	Logger       *slog.Logger
}

// New creates an App with all dependencies wired. Does not open any file.
func New(cfg config.Config, opts Options) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	var store *bbolt.Store
	if cfg.StateDB != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.StateDB), 0o755); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
		var err error
		if store, err = bbolt.NewStore(cfg.StateDB); err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
	}

	watcher, err := fsw.NewWatcher(fsw.Options{
		Debounce:     cfg.Debounce,
		PollInterval: cfg.PollInterval,
		ForcePolling: opts.ForcePolling,
		Logger:       log,
	})
	if err != nil {
		if store != nil {
			store.Close()
		}
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	scfg := SupervisorConfig{
		Watcher:        watcher,
		Resume:         cfg.Resume,
		Workers:        cfg.Workers,
		Detector:       encoding.NewDetector(cfg.MinConfidence),
		SampleBytes:    cfg.SampleBytes,
		MaxFileBytes:   cfg.MaxFileBytes,
		ReadChunkBytes: cfg.ReadChunkBytes,
		RetryInterval:  cfg.RetryInterval,
		Logger:         log,
	}
	if store != nil {
		scfg.Store = store
	}
	sup, err := NewSupervisor(scfg)
	if err != nil {
		watcher.Stop()
		if store != nil {
			store.Close()
		}
		return nil, err
	}

	return &App{
		Config:     cfg,
		Store:      store,
		Watcher:    watcher,
		Supervisor: sup,
		log:        log,
	}, nil
}

// Start opens every path. On failure the files opened so far stay tracked
// and the first error is returned.
func (a *App) Start(ctx context.Context, paths ...string) ([]*Handle, error) {
	handles := make([]*Handle, 0, len(paths))
	for _, p := range paths {
		h, err := a.Supervisor.Open(ctx, p)
		if err != nil {
			return handles, fmt.Errorf("open %s: %w", p, err)
		}
		handles = append(handles, h)
	}
	return handles, nil
}

// Stop closes every file, persisting its state, and releases the watcher
// and store.
func (a *App) Stop() error {
	a.Supervisor.Shutdown()
	err := a.Watcher.Stop()
	if a.Store != nil {
		if cerr := a.Store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// States lists the persisted state of every file ever opened.
func (a *App) States() ([]*ports.FileState, error) {
	if a.Store == nil {
		return nil, nil
	}
	return a.Store.ListFileStates()
}
