// Package fsnotify implements the ports.Watcher interface using github.com/fsnotify/fsnotify.
// It watches the parent directory of every tracked file, so unlink-and-recreate
// rotation is seen, and debounces bursts of events per file (loggers often
// flush several writes back to back). Paths whose directory cannot be watched
// fall back to periodic polling.
package fsnotify

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Defaults for Options.
const (
	DefaultDebounce     = 50 * time.Millisecond
	DefaultPollInterval = time.Second
)

// Options configures a Watcher.
type Options struct {
	Debounce     time.Duration // trailing quiet period before an event is delivered
	PollInterval time.Duration // stat interval for polled paths
	ForcePolling bool          // poll every path, never use fsnotify
	Logger       *slog.Logger
}

// Watcher implements ports.Watcher using fsnotify.
type Watcher struct {
	fw     *fsnotify.Watcher
	opts   Options
	log    *slog.Logger
	events chan string
	done   chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	stopped bool
	tracked map[string]bool        // path -> watched through its directory
	dirs    map[string]int         // watched directory -> tracked paths in it
	polled  map[string]os.FileInfo // polling fallback, last stat (nil if missing)
	timers  map[string]*time.Timer // pending debounced deliveries
}

// NewWatcher creates a new file watcher.
func NewWatcher(opts Options) (*Watcher, error) {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	w := &Watcher{
		opts:    opts,
		log:     opts.Logger.With(slog.String("component", "watcher")),
		events:  make(chan string, 64),
		done:    make(chan struct{}),
		tracked: make(map[string]bool),
		dirs:    make(map[string]int),
		polled:  make(map[string]os.FileInfo),
		timers:  make(map[string]*time.Timer),
	}
	if !opts.ForcePolling {
		fw, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, err
		}
		w.fw = fw
		w.wg.Add(1)
		go w.run()
	}
	w.wg.Add(1)
	go w.poll()
	return w, nil
}

// Events delivers the path of each changed tracked file. Bursts for one
// path collapse into a single delivery after the burst ends.
func (w *Watcher) Events() <-chan string { return w.events }

// Add starts tracking path, which should be absolute and clean. Tracking a
// path twice is a no-op. If its directory cannot be watched, the path is
// polled instead and Add still succeeds.
func (w *Watcher) Add(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return errors.New("watcher stopped")
	}
	if _, ok := w.tracked[path]; ok {
		return nil
	}
	if _, ok := w.polled[path]; ok {
		return nil
	}

	if w.fw != nil {
		dir := filepath.Dir(path)
		if w.dirs[dir] > 0 {
			w.dirs[dir]++
			w.tracked[path] = true
			return nil
		}
		err := w.fw.Add(dir)
		if err == nil {
			w.dirs[dir] = 1
			w.tracked[path] = true
			return nil
		}
		w.log.Warn("watch failed, polling instead", slog.String("path", path), slog.String("error", err.Error()))
	}
	w.polled[path] = statOrNil(path)
	return nil
}

// Remove stops tracking path. Removing an untracked path is not an error.
func (w *Watcher) Remove(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Stop()
		delete(w.timers, path)
	}
	delete(w.polled, path)
	if !w.tracked[path] {
		return nil
	}
	delete(w.tracked, path)
	dir := filepath.Dir(path)
	w.dirs[dir]--
	if w.dirs[dir] <= 0 {
		delete(w.dirs, dir)
		if err := w.fw.Remove(dir); err != nil && !errors.Is(err, fsnotify.ErrNonExistentWatch) {
			return err
		}
	}
	return nil
}

// Polling reports whether path is on the polling fallback.
func (w *Watcher) Polling(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.polled[path]
	return ok
}

// Stop ends monitoring and releases all resources.
// Safe to call multiple times.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	close(w.done)
	for p, t := range w.timers {
		t.Stop()
		delete(w.timers, p)
	}
	w.mu.Unlock()

	var err error
	if w.fw != nil {
		err = w.fw.Close()
	}
	w.wg.Wait()
	return err
}

func (w *Watcher) run() {
	defer w.wg.Done()
	for {
		select {
		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
				// Chmod alone never changes content.
				continue
			}
			w.mu.Lock()
			if w.tracked[event.Name] {
				w.scheduleLocked(event.Name)
			}
			w.mu.Unlock()

		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.handleError(err)

		case <-w.done:
			return
		}
	}
}

// handleError reacts to a watch error. After a queue overflow events may
// have been lost, so every tracked path is treated as changed. Any other
// error moves every tracked path to polling.
func (w *Watcher) handleError(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if errors.Is(err, fsnotify.ErrEventOverflow) {
		w.log.Warn("event queue overflow, rescanning tracked files", slog.Int("files", len(w.tracked)))
		for p := range w.tracked {
			w.scheduleLocked(p)
		}
		return
	}
	w.log.Warn("watch error, falling back to polling", slog.String("error", err.Error()))
	for p := range w.tracked {
		w.polled[p] = statOrNil(p)
		w.scheduleLocked(p)
	}
	for dir := range w.dirs {
		_ = w.fw.Remove(dir)
	}
	clear(w.tracked)
	clear(w.dirs)
}

func (w *Watcher) poll() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.mu.Lock()
			for p, prev := range w.polled {
				cur := statOrNil(p)
				if changed(prev, cur) {
					w.polled[p] = cur
					w.scheduleLocked(p)
				}
			}
			w.mu.Unlock()
		case <-w.done:
			return
		}
	}
}

// scheduleLocked (re)arms the trailing debounce timer for path.
func (w *Watcher) scheduleLocked(path string) {
	if w.stopped {
		return
	}
	if t, ok := w.timers[path]; ok {
		t.Reset(w.opts.Debounce)
		return
	}
	w.timers[path] = time.AfterFunc(w.opts.Debounce, func() { w.fire(path) })
}

func (w *Watcher) fire(path string) {
	w.mu.Lock()
	delete(w.timers, path)
	_, polled := w.polled[path]
	live := !w.stopped && (w.tracked[path] || polled)
	w.mu.Unlock()
	if !live {
		return
	}
	select {
	case w.events <- path:
	case <-w.done:
	}
}

func statOrNil(path string) os.FileInfo {
	fi, err := os.Stat(path)
	if err != nil {
		return nil
	}
	return fi
}

func changed(prev, cur os.FileInfo) bool {
	switch {
	case prev == nil || cur == nil:
		return (prev == nil) != (cur == nil)
	case prev.Size() != cur.Size(), !prev.ModTime().Equal(cur.ModTime()):
		return true
	default:
		return !os.SameFile(prev, cur)
	}
}
