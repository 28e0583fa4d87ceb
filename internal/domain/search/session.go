package search

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/corey/logglance/internal/domain/lineindex"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("search session closed")

// Status is the state of a generation as seen by Poll.
type Status int

const (
	StatusUnknown    Status = iota // generation never submitted
	StatusPending                  // scan still running
	StatusReady                    // Result holds a complete result
	StatusSuperseded               // a newer generation replaced it
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusReady:
		return "ready"
	case StatusSuperseded:
		return "superseded"
	default:
		return "unknown"
	}
}

// Result is a complete match list for one query generation.
type Result struct {
	Generation uint64
	Query      Query
	Lines      []int  // matching line numbers, ascending
	Covered    int    // lines scanned, equal to the index length at scan time
	Epoch      uint64 // index epoch the lines refer to
	Complete   bool
}

// run is the live state of one generation.
type run struct {
	gen      uint64
	compiled *Compiled
	ctx      context.Context
	cancel   context.CancelFunc

	result     *Result // last complete result, nil until the first scan finishes
	terminated int     // terminated lines covered by result; extension resumes here
	busy       bool    // a scan goroutine is running
	dirty      bool    // the index changed while busy
}

// Session serializes the queries of one file. Submitting a query starts a
// new generation and cancels the scan of the previous one.
type Session struct {
	engine   *Engine
	index    *lineindex.Index
	onUpdate func(Result)

	gen atomic.Uint64

	mu      sync.Mutex
	current *run
	latest  *Result
	closed  bool
	wg      sync.WaitGroup
}

// NewSession returns a Session over index. onUpdate, if non-nil, is called
// without locks held each time a generation's result is completed or
// extended.
func NewSession(engine *Engine, index *lineindex.Index, onUpdate func(Result)) *Session {
	return &Session{engine: engine, index: index, onUpdate: onUpdate}
}

// Submit compiles q and starts scanning it as a new generation. An invalid
// query returns *InvalidQueryError and leaves the current generation and
// its results untouched.
func (s *Session) Submit(q Query) (uint64, error) {
	c, err := Compile(q)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	return s.startLocked(c), nil
}

func (s *Session) startLocked(c *Compiled) uint64 {
	if s.current != nil {
		s.current.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{gen: s.gen.Add(1), compiled: c, ctx: ctx, cancel: cancel}
	s.current = r
	s.scanLocked(r)
	return r.gen
}

// Poll reports the state of generation gen.
func (s *Session) Poll(gen uint64) (Result, Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.current
	switch {
	case r == nil || gen == 0 || gen > r.gen:
		return Result{}, StatusUnknown
	case gen < r.gen:
		return Result{}, StatusSuperseded
	case r.result == nil:
		return Result{}, StatusPending
	default:
		return *r.result, StatusReady
	}
}

// Latest returns the newest complete result of any generation.
func (s *Session) Latest() (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil {
		return Result{}, false
	}
	return *s.latest, true
}

// Generation returns the current generation, zero before the first Submit.
func (s *Session) Generation() uint64 { return s.gen.Load() }

// Extend brings the current generation up to date with the index. Only
// lines appended since the last complete result are scanned, plus the
// previously open last line. If the index was truncated since, the query is
// re-run as a new generation.
func (s *Session) Extend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.current == nil {
		return
	}
	r := s.current
	if r.busy {
		r.dirty = true
		return
	}
	if r.result != nil && r.result.Epoch != s.index.Epoch() {
		s.startLocked(r.compiled)
		return
	}
	s.scanLocked(r)
}

// Close cancels any running scan and waits for it to stop.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	if s.current != nil {
		s.current.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Session) scanLocked(r *run) {
	snap := s.index.Snapshot()
	if r.result != nil && r.result.Epoch == snap.Epoch() &&
		r.terminated == snap.Len() && snap.Len() == r.result.Covered {
		return
	}
	r.busy = true
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.scan(r, snap)
	}()
}

func (s *Session) scan(r *run, snap lineindex.Snapshot) {
	// A truncation between the caller's epoch check and the snapshot
	// invalidates the previous result; rescan the whole snapshot.
	prev := r.result
	if prev != nil && prev.Epoch != snap.Epoch() {
		prev = nil
	}
	from := 0
	if prev != nil {
		from = r.terminated
	}
	cancelled := func() bool { return s.gen.Load() != r.gen }
	res := s.engine.Scan(r.ctx, snap, from, r.compiled, cancelled)

	s.mu.Lock()
	r.busy = false
	if s.current != r || !res.Complete {
		s.mu.Unlock()
		return
	}

	var lines []int
	if prev != nil {
		lines = make([]int, 0, len(prev.Lines)+len(res.Lines))
		for _, n := range prev.Lines {
			if n < from {
				lines = append(lines, n)
			}
		}
	}
	lines = append(lines, res.Lines...)

	out := &Result{
		Generation: r.gen,
		Query:      r.compiled.Query(),
		Lines:      lines,
		Covered:    res.Covered,
		Epoch:      snap.Epoch(),
		Complete:   true,
	}
	r.result = out
	r.terminated = snap.Terminated()
	s.latest = out

	if r.dirty && !s.closed {
		r.dirty = false
		if s.index.Epoch() != out.Epoch {
			s.startLocked(r.compiled)
		} else {
			s.scanLocked(r)
		}
	}
	s.mu.Unlock()

	if s.onUpdate != nil {
		s.onUpdate(*out)
	}
}
