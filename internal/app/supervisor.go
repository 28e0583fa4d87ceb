package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/corey/logglance/internal/adapters/tailer"
	"github.com/corey/logglance/internal/domain/encoding"
	"github.com/corey/logglance/internal/domain/lineindex"
	"github.com/corey/logglance/internal/domain/search"
	"github.com/corey/logglance/internal/ports"
)

var (
	// ErrNotTracked is returned for paths that were never opened or were closed.
	ErrNotTracked = errors.New("file not tracked")

	// ErrShutdown is returned by Open after Shutdown.
	ErrShutdown = errors.New("supervisor shut down")
)

// SupervisorConfig configures a Supervisor.
type SupervisorConfig struct {
	// Watcher delivers change events for tracked paths. Required.
	Watcher ports.Watcher

	// Store persists per-file state. Nil disables persistence.
	Store ports.Storage

	// Resume starts tailing at the persisted committed offset of a file
	// that has not been replaced since.
	Resume bool

	// Workers bounds concurrent read passes and scan chunks across all files.
	Workers int

	Detector       *encoding.Detector
	SampleBytes    int
	MaxFileBytes   int64
	ReadChunkBytes int
	RetryInterval  time.Duration

	Logger *slog.Logger
}

// Handle is the caller's reference to a tracked file.
type Handle struct {
	Path  string // canonical path
	Index *lineindex.Index

	sup *Supervisor
}

// Status returns the file's current status.
func (h *Handle) Status() (FileStatus, error) { return h.sup.Status(h.Path) }

// Submit starts a query against the file.
func (h *Handle) Submit(q search.Query) (uint64, error) { return h.sup.SubmitQuery(h.Path, q) }

// Poll reports the state of a query generation.
func (h *Handle) Poll(gen uint64) (search.Result, search.Status, error) {
	return h.sup.PollResult(h.Path, gen)
}

// FileStatus is the supervisor's view of one tracked file.
type FileStatus struct {
	Path       string
	State      string
	Encoding   string
	Confidence int
	Source     encoding.Source
	Ambiguous  bool
	Forced     bool
	Size       int64 // bytes consumed
	Start      int64 // first indexed byte
	Lines      int
	Epoch      uint64
	Generation uint64 // current search generation, zero if none
	Err        error
	Stats      tailer.Stats
}

type entry struct {
	handle  *Handle
	tailer  *tailer.Tailer
	session *search.Session
}

// Supervisor owns every tracked file of one application session: their
// Tailers, search sessions and watches. Watcher events and Tailer reports
// are handled on a single dispatch goroutine.
type Supervisor struct {
	cfg     SupervisorConfig
	log     *slog.Logger
	watcher ports.Watcher
	store   ports.Storage
	sem     *semaphore.Weighted
	engine  *search.Engine

	inbox chan ports.Notification
	out   chan ports.Notification
	done  chan struct{}
	wg    sync.WaitGroup

	openMu sync.Mutex // serializes Open so one path gets one Tailer
	mu     sync.RWMutex
	files  map[string]*entry
	closed bool
	once   sync.Once
}

// NewSupervisor creates a Supervisor and starts its dispatch goroutine.
func NewSupervisor(cfg SupervisorConfig) (*Supervisor, error) {
	if cfg.Watcher == nil {
		return nil, fmt.Errorf("watcher required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Detector == nil {
		cfg.Detector = encoding.NewDetector(0)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	sem := semaphore.NewWeighted(int64(cfg.Workers))
	s := &Supervisor{
		cfg:     cfg,
		log:     cfg.Logger.With(slog.String("component", "supervisor")),
		watcher: cfg.Watcher,
		store:   cfg.Store,
		sem:     sem,
		engine:  search.NewEngine(cfg.Workers, sem),
		inbox:   make(chan ports.Notification, 64),
		out:     make(chan ports.Notification, 64),
		done:    make(chan struct{}),
		files:   make(map[string]*entry),
	}
	s.wg.Add(1)
	go s.dispatch()
	return s, nil
}

// Notifications delivers per-file changes in order. Consecutive growth
// reports for one file may be merged. Closed after Shutdown.
func (s *Supervisor) Notifications() <-chan ports.Notification { return s.out }

// Open starts tracking path. Opening a tracked path returns its existing
// Handle. A forced encoding recorded for the file is reapplied.
func (s *Supervisor) Open(ctx context.Context, path string) (*Handle, error) {
	canon, err := Canonical(path)
	if err != nil {
		return nil, err
	}

	s.openMu.Lock()
	defer s.openMu.Unlock()

	s.mu.RLock()
	closed := s.closed
	e := s.files[canon]
	s.mu.RUnlock()
	if closed {
		return nil, ErrShutdown
	}
	if e != nil {
		return e.handle, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	forced, resume := s.loadState(canon)

	idx := lineindex.New()
	h := &Handle{Path: canon, Index: idx, sup: s}
	sess := search.NewSession(s.engine, idx, func(r search.Result) {
		s.post(ports.Notification{
			Kind:       ports.KindSearchUpdated,
			Path:       canon,
			Lines:      r.Covered,
			Epoch:      r.Epoch,
			Generation: r.Generation,
			Matches:    len(r.Lines),
		})
	})
	tl := tailer.New(tailer.Config{
		Path:           canon,
		Index:          idx,
		Detector:       s.cfg.Detector,
		Encoding:       forced,
		Resume:         resume,
		SampleBytes:    s.cfg.SampleBytes,
		MaxFileBytes:   s.cfg.MaxFileBytes,
		ReadChunkBytes: s.cfg.ReadChunkBytes,
		RetryInterval:  s.cfg.RetryInterval,
		Sem:            s.sem,
		OnEvent:        s.post,
		Logger:         s.cfg.Logger,
	})
	if err := tl.Open(); err != nil {
		sess.Close()
		return nil, err
	}
	if err := s.watcher.Add(canon); err != nil {
		tl.Close()
		sess.Close()
		return nil, fmt.Errorf("watch %s: %w", canon, err)
	}

	e = &entry{handle: h, tailer: tl, session: sess}
	s.mu.Lock()
	s.files[canon] = e
	s.mu.Unlock()

	s.persist(e)
	s.log.Info("file opened", slog.String("path", canon), slog.String("encoding", tl.Status().Encoding()))
	return h, nil
}

// Close stops tracking path and persists its state.
func (s *Supervisor) Close(path string) error {
	canon, e, err := s.lookup(path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.files, canon)
	s.mu.Unlock()

	s.closeEntry(e)
	s.post(ports.Notification{Kind: ports.KindClosed, Path: canon, Lines: e.handle.Index.Len()})
	return nil
}

func (s *Supervisor) closeEntry(e *entry) {
	if err := s.watcher.Remove(e.handle.Path); err != nil {
		s.log.Warn("unwatch failed", slog.String("path", e.handle.Path), slog.String("error", err.Error()))
	}
	e.session.Close()
	e.tailer.Close()
	s.persist(e)
}

// Shutdown closes every tracked file and stops the dispatch goroutine.
// Notifications is closed once pending notifications are flushed or
// dropped. Safe to call multiple times.
func (s *Supervisor) Shutdown() {
	s.once.Do(func() {
		s.openMu.Lock()
		s.mu.Lock()
		s.closed = true
		entries := make([]*entry, 0, len(s.files))
		for _, e := range s.files {
			entries = append(entries, e)
		}
		s.files = make(map[string]*entry)
		s.mu.Unlock()
		s.openMu.Unlock()

		for _, e := range entries {
			s.closeEntry(e)
		}
		close(s.done)
		s.wg.Wait()
	})
}

// ReadLines returns lines [from, to) of path, clamped to what is indexed.
func (s *Supervisor) ReadLines(path string, from, to int) ([]lineindex.Line, error) {
	_, e, err := s.lookup(path)
	if err != nil {
		return nil, err
	}
	return e.handle.Index.Range(from, to), nil
}

// SubmitQuery starts q on path and returns its generation.
func (s *Supervisor) SubmitQuery(path string, q search.Query) (uint64, error) {
	_, e, err := s.lookup(path)
	if err != nil {
		return 0, err
	}
	return e.session.Submit(q)
}

// PollResult reports the state of generation gen on path.
func (s *Supervisor) PollResult(path string, gen uint64) (search.Result, search.Status, error) {
	_, e, err := s.lookup(path)
	if err != nil {
		return search.Result{}, search.StatusUnknown, err
	}
	res, st := e.session.Poll(gen)
	return res, st, nil
}

// Status reports the state of path.
func (s *Supervisor) Status(path string) (FileStatus, error) {
	_, e, err := s.lookup(path)
	if err != nil {
		return FileStatus{}, err
	}
	return statusOf(e), nil
}

// Files returns the status of every tracked file, ordered by path.
func (s *Supervisor) Files() []FileStatus {
	s.mu.RLock()
	out := make([]FileStatus, 0, len(s.files))
	for _, e := range s.files {
		out = append(out, statusOf(e))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// SetEncoding re-decodes path with the named encoding and records the
// choice so it survives reopening.
func (s *Supervisor) SetEncoding(path, name string) error {
	_, e, err := s.lookup(path)
	if err != nil {
		return err
	}
	enc, err := encoding.Lookup(name)
	if err != nil {
		return err
	}
	if err := e.tailer.SetEncoding(enc); err != nil {
		return err
	}
	s.persist(e)
	return nil
}

// Redetect drops a forced encoding on path and detects it again.
func (s *Supervisor) Redetect(path string) error {
	_, e, err := s.lookup(path)
	if err != nil {
		return err
	}
	if err := e.tailer.Redetect(); err != nil {
		return err
	}
	s.persist(e)
	return nil
}

// Retry re-reads path now if it is in the error state.
func (s *Supervisor) Retry(path string) error {
	_, e, err := s.lookup(path)
	if err != nil {
		return err
	}
	return e.tailer.Retry()
}

func (s *Supervisor) lookup(path string) (string, *entry, error) {
	canon, err := Canonical(path)
	if err != nil {
		return "", nil, err
	}
	s.mu.RLock()
	e := s.files[canon]
	s.mu.RUnlock()
	if e == nil {
		return canon, nil, fmt.Errorf("%s: %w", canon, ErrNotTracked)
	}
	return canon, e, nil
}

// post hands a notification to the dispatch goroutine.
func (s *Supervisor) post(n ports.Notification) {
	select {
	case s.inbox <- n:
	case <-s.done:
	}
}

// dispatch routes watcher events to Tailers, extends live searches when a
// file changes and forwards notifications. Outgoing notifications queue
// here so that a slow consumer never blocks a Tailer.
func (s *Supervisor) dispatch() {
	defer s.wg.Done()
	defer close(s.out)

	var queue []ports.Notification
	changes := s.watcher.Events()
	for {
		var out chan<- ports.Notification
		var next ports.Notification
		if len(queue) > 0 {
			out = s.out
			next = queue[0]
		}
		select {
		case <-s.done:
			s.flush(queue)
			return
		case path := <-changes:
			s.route(path)
		case n := <-s.inbox:
			s.observe(n)
			queue = enqueue(queue, n)
		case out <- next:
			queue = queue[1:]
		}
	}
}

func (s *Supervisor) route(path string) {
	s.mu.RLock()
	e := s.files[path]
	s.mu.RUnlock()
	if e != nil {
		e.tailer.Notify()
	}
}

func (s *Supervisor) observe(n ports.Notification) {
	switch n.Kind {
	case ports.KindGrew, ports.KindReset:
		s.mu.RLock()
		e := s.files[n.Path]
		s.mu.RUnlock()
		if e != nil {
			e.session.Extend()
		}
	case ports.KindError:
		s.log.Warn("file error", slog.String("path", n.Path), slog.Any("error", n.Err))
	}
}

// flush delivers whatever fits in the outgoing buffer without blocking.
func (s *Supervisor) flush(queue []ports.Notification) {
	for _, n := range queue {
		select {
		case s.out <- n:
		default:
			return
		}
	}
}

// enqueue appends n, folding it into a trailing growth report for the
// same file.
func enqueue(queue []ports.Notification, n ports.Notification) []ports.Notification {
	if last := len(queue) - 1; last >= 0 && n.Kind == ports.KindGrew {
		if p := queue[last]; p.Kind == ports.KindGrew && p.Path == n.Path && p.Epoch == n.Epoch {
			queue[last] = n
			return queue
		}
	}
	return append(queue, n)
}

func (s *Supervisor) loadState(path string) (*encoding.Encoding, *ports.FileState) {
	if s.store == nil {
		return nil, nil
	}
	st, err := s.store.LoadFileState(path)
	if err != nil {
		s.log.Warn("load file state", slog.String("path", path), slog.String("error", err.Error()))
		return nil, nil
	}
	if st == nil {
		return nil, nil
	}
	var forced *encoding.Encoding
	if st.ForcedEncoding != "" {
		if forced, err = encoding.Lookup(st.ForcedEncoding); err != nil {
			s.log.Warn("stored encoding ignored", slog.String("path", path), slog.String("error", err.Error()))
		}
	}
	if !s.cfg.Resume {
		st = nil
	}
	return forced, st
}

func (s *Supervisor) persist(e *entry) {
	if s.store == nil {
		return
	}
	if err := s.store.SaveFileState(e.tailer.FileState()); err != nil {
		s.log.Warn("save file state", slog.String("path", e.handle.Path), slog.String("error", err.Error()))
	}
}

func statusOf(e *entry) FileStatus {
	st := e.tailer.Status()
	return FileStatus{
		Path:       st.Path,
		State:      st.State.String(),
		Encoding:   st.Encoding(),
		Confidence: st.Detection.Confidence,
		Source:     st.Detection.Source,
		Ambiguous:  st.Detection.Ambiguous,
		Forced:     st.Forced,
		Size:       st.Size,
		Start:      st.Start,
		Lines:      st.Lines,
		Epoch:      st.Epoch,
		Generation: e.session.Generation(),
		Err:        st.Err,
		Stats:      st.Stats,
	}
}

// Canonical returns the absolute, symlink-resolved form of path. When
// symlinks cannot be resolved (the file does not exist yet, say), the
// cleaned absolute path is used.
func Canonical(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	return abs, nil
}
