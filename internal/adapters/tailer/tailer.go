// Package tailer follows one log file. A Tailer owns the open file handle,
// reads only the bytes appended since its last pass, decodes them and appends
// the resulting lines to the file's LineIndex.
//
// Each Tailer is an actor: change notifications and commands are queued on
// its mailbox and handled one at a time by its own goroutine, so the handle
// and decoder state are never touched concurrently. Rotation is recognized
// by a change of device/inode, truncation by a shrinking size, and in-place
// rewrites by comparing the leading bytes of the indexed region.
package tailer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/corey/logglance/internal/domain/encoding"
	"github.com/corey/logglance/internal/domain/lineindex"
	"github.com/corey/logglance/internal/ports"
)

// ErrClosed is returned by commands sent to a closed Tailer.
var ErrClosed = errors.New("tailer closed")

// Defaults for Config.
const (
	DefaultReadChunkBytes       = 1 << 20
	DefaultMaxFileBytes   int64 = 4 << 30
	DefaultRetryInterval        = 2 * time.Second
)

// headBytes is how much of the start of the indexed region is kept to tell
// a truncated file from a rewritten one.
const headBytes = 4096

// tailSlack is read before the tail window so that the first, partial line
// can be dropped.
const tailSlack = 512

// State is the Tailer's lifecycle state.
type State int

const (
	StateIdle    State = iota // caught up, waiting for a change
	StateReading              // reading and decoding new bytes
	StateError                // the last pass failed; content is kept
	StateClosed               // terminal
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReading:
		return "reading"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config holds parameters for creating a Tailer.
type Config struct {
	// Path is the canonical path of the file. Required.
	Path string

	// Index receives the decoded lines. A new index is created if nil.
	Index *lineindex.Index

	// Detector infers the encoding at open and after resets.
	// Default: encoding.NewDetector(0).
	Detector *encoding.Detector

	// Encoding, if set, is used instead of detection.
	Encoding *encoding.Encoding

	// Resume, if set and still describing the same file, makes the first
	// pass start at its committed offset instead of the start of the file.
	Resume *ports.FileState

	// SampleBytes is the detection sample size. Default: encoding.DefaultSampleBytes.
	SampleBytes int

	// MaxFileBytes bounds how much of a large file is indexed; only the
	// tail is read. Default: 4 GiB.
	MaxFileBytes int64

	// ReadChunkBytes is the size of one read. Default: 1 MiB.
	ReadChunkBytes int

	// RetryInterval throttles automatic retries while in StateError.
	// Default: 2s.
	RetryInterval time.Duration

	// Sem, if set, bounds concurrent read passes across all Tailers.
	Sem *semaphore.Weighted

	// OnEvent is called from the Tailer's goroutine for every grew, reset,
	// error and recovered transition. It must not block for long.
	OnEvent func(ports.Notification)

	Logger *slog.Logger
}

// Stats counts the work a Tailer has done.
type Stats struct {
	BytesIngested int64 // bytes read and decoded
	Passes        int   // read passes that found new bytes
	Resets        int   // truncations, rotations and re-decodes
	LossyLines    int   // lines that needed replacement characters
}

// Status is a point-in-time view of a Tailer.
type Status struct {
	Path      string
	State     State
	Detection encoding.Detection
	Forced    bool  // encoding chosen by the user
	Size      int64 // bytes consumed, i.e. file offset of the next read
	Start     int64 // file offset of the first indexed byte
	Committed int64 // offset just past the last terminated line
	Lines     int
	Epoch     uint64
	Identity  ports.FileIdentity
	Err       error
	Stats     Stats
}

// Encoding returns the name of the encoding in use.
func (s Status) Encoding() string {
	if s.Detection.Encoding == nil {
		return ""
	}
	return s.Detection.Encoding.Name()
}

type opKind int

const (
	opRetry opKind = iota
	opSetEncoding
	opRedetect
)

type command struct {
	op    opKind
	enc   *encoding.Encoding
	reply chan error
}

// Tailer follows one file. Create with New, then call Open.
type Tailer struct {
	cfg      Config
	path     string
	log      *slog.Logger
	index    *lineindex.Index
	detector *encoding.Detector
	retry    *rate.Limiter

	changes   chan struct{}
	cmds      chan command
	done      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	opened    atomic.Bool
	wg        sync.WaitGroup

	// Owned by the loop goroutine once Open returns.
	f          *os.File
	buf        []byte
	dec        *encoding.Decoder
	det        encoding.Detection
	forced     *encoding.Encoding
	ident      ports.FileIdentity
	start      int64
	skipFirst  bool // the tail window starts mid-line
	head       []byte
	state      State
	err        error
	stats      Stats
	reset      string // pending reset reason, set by commands
	retryArmed atomic.Bool

	mu     sync.RWMutex
	status Status
}

// New creates a Tailer. Does not touch the file until Open is called.
func New(cfg Config) *Tailer {
	if cfg.Index == nil {
		cfg.Index = lineindex.New()
	}
	if cfg.Detector == nil {
		cfg.Detector = encoding.NewDetector(0)
	}
	if cfg.SampleBytes <= 0 {
		cfg.SampleBytes = encoding.DefaultSampleBytes
	}
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = DefaultMaxFileBytes
	}
	if cfg.ReadChunkBytes <= 0 {
		cfg.ReadChunkBytes = DefaultReadChunkBytes
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &Tailer{
		cfg:      cfg,
		path:     cfg.Path,
		log:      cfg.Logger.With(slog.String("component", "tailer"), slog.String("path", cfg.Path)),
		index:    cfg.Index,
		detector: cfg.Detector,
		retry:    rate.NewLimiter(rate.Every(cfg.RetryInterval), 1),
		changes:  make(chan struct{}, 1),
		cmds:     make(chan command),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		forced:   cfg.Encoding,
	}
	t.status = Status{Path: cfg.Path, State: StateIdle}
	return t
}

// Index returns the index the Tailer appends to.
func (t *Tailer) Index() *lineindex.Index { return t.index }

// Path returns the file path.
func (t *Tailer) Path() string { return t.path }

// Open opens the file, detects its encoding and starts the Tailer's
// goroutine, which then ingests the file in the background. A file that
// cannot be opened is an error; later failures put the Tailer in StateError.
func (t *Tailer) Open() error {
	if t.opened.Load() {
		return nil
	}
	f, err := os.Open(t.path)
	if err != nil {
		return fmt.Errorf("open %s: %w", t.path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat %s: %w", t.path, err)
	}
	if fi.IsDir() {
		f.Close()
		return fmt.Errorf("open %s: is a directory", t.path)
	}

	t.f = f
	t.buf = make([]byte, t.cfg.ReadChunkBytes)
	t.ident = identityOf(fi)
	t.begin(fi, t.cfg.Resume)
	t.publish()
	t.log.Debug("opened",
		slog.String("encoding", t.det.Encoding.Name()),
		slog.String("source", string(t.det.Source)),
		slog.Int64("start", t.start))

	t.opened.Store(true)
	t.wg.Add(1)
	go t.loop()
	t.Notify()
	return nil
}

// Notify queues a change notification. Notifications arriving while one is
// already queued coalesce; the next pass sees every change made so far.
func (t *Tailer) Notify() {
	select {
	case t.changes <- struct{}{}:
	default:
	}
}

// Retry re-checks the file immediately, bypassing the retry throttle.
// Returns the error of the pass, if any.
func (t *Tailer) Retry() error {
	return t.do(command{op: opRetry})
}

// SetEncoding re-decodes the whole file with enc and keeps using it,
// including after resets.
func (t *Tailer) SetEncoding(enc *encoding.Encoding) error {
	if enc == nil {
		return errors.New("nil encoding")
	}
	return t.do(command{op: opSetEncoding, enc: enc})
}

// Redetect drops a forced encoding, runs detection again and re-decodes
// the whole file.
func (t *Tailer) Redetect() error {
	return t.do(command{op: opRedetect})
}

// Close stops the Tailer and releases the file handle. No further events
// are processed. Safe to call multiple times.
func (t *Tailer) Close() {
	t.closeOnce.Do(func() {
		t.cancel()
		close(t.done)
	})
	t.wg.Wait()
	t.mu.Lock()
	t.status.State = StateClosed
	t.mu.Unlock()
}

// Status returns the current status.
func (t *Tailer) Status() Status {
	t.mu.RLock()
	st := t.status
	t.mu.RUnlock()
	st.Lines = t.index.Len()
	st.Epoch = t.index.Epoch()
	return st
}

// FileState returns the durable state to persist for this file.
func (t *Tailer) FileState() *ports.FileState {
	st := t.Status()
	fs := &ports.FileState{
		Path:             st.Path,
		DetectedEncoding: st.Encoding(),
		Offset:           st.Committed,
		Lines:            st.Lines,
		Identity:         st.Identity,
	}
	if st.Forced {
		fs.ForcedEncoding = st.Encoding()
	}
	return fs
}

func (t *Tailer) do(c command) error {
	if !t.opened.Load() {
		return errors.New("tailer not open")
	}
	c.reply = make(chan error, 1)
	select {
	case t.cmds <- c:
	case <-t.done:
		return ErrClosed
	}
	select {
	case err := <-c.reply:
		return err
	case <-t.done:
		return ErrClosed
	}
}

func (t *Tailer) loop() {
	defer t.wg.Done()
	for {
		select {
		case <-t.done:
			t.shutdown()
			return
		case <-t.changes:
			t.onChange(false)
		case c := <-t.cmds:
			c.reply <- t.handle(c)
		}
	}
}

func (t *Tailer) handle(c command) error {
	switch c.op {
	case opSetEncoding:
		t.forced = c.enc
		t.reset = "encoding set to " + c.enc.Name()
	case opRedetect:
		t.forced = nil
		t.reset = "redetect"
	}
	return t.onChange(true)
}

func (t *Tailer) onChange(explicit bool) error {
	if t.state == StateError && !explicit && !t.retry.Allow() {
		if t.retryArmed.CompareAndSwap(false, true) {
			time.AfterFunc(t.cfg.RetryInterval, func() {
				t.retryArmed.Store(false)
				t.Notify()
			})
		}
		return nil
	}
	return t.check()
}

// check compares the file with what was indexed, handles rotation and
// truncation, then reads whatever is new.
func (t *Tailer) check() error {
	wasError := t.state == StateError

	fi, err := os.Stat(t.path)
	if err != nil {
		return t.fail(fmt.Errorf("stat %s: %w", t.path, err))
	}
	fresh := false
	if t.f == nil {
		if fi, err = t.reopen(); err != nil {
			return t.fail(err)
		}
		fresh = true
	}
	id := identityOf(fi)
	t.state = StateReading
	t.publish()

	switch {
	case t.reset != "":
		reason := t.reset
		t.reset = ""
		t.resetIndex(fi, reason)
	case !id.SameFile(t.ident):
		if !fresh {
			if fi, err = t.reopen(); err != nil {
				return t.fail(err)
			}
			id = identityOf(fi)
		}
		t.resetIndex(fi, "rotated")
	case fi.Size() < t.dec.End():
		t.truncate(fi)
	case !fi.ModTime().Equal(t.ident.ModTime) && !t.headMatches(fi.Size()):
		// Same inode, not shorter, different leading bytes: truncated and
		// rewritten in place (copytruncate, shell redirection).
		t.resetIndex(fi, "rewritten")
	}
	t.ident = id

	if err := t.ingest(); err != nil {
		return t.fail(err)
	}
	if wasError {
		t.state = StateIdle
		t.err = nil
		t.publish()
		t.log.Info("recovered")
		t.emit(ports.KindRecovered, nil)
	}
	return nil
}

func (t *Tailer) reopen() (os.FileInfo, error) {
	if t.f != nil {
		t.f.Close()
		t.f = nil
	}
	f, err := os.Open(t.path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", t.path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %s: %w", t.path, err)
	}
	t.f = f
	return fi, nil
}

// begin detects the encoding and positions the decoder at the first byte to
// index: after a BOM, at a resume offset, or at the start of the tail window.
func (t *Tailer) begin(fi os.FileInfo, resume *ports.FileState) {
	t.detect(fi.Size())
	bom := int64(t.det.BOMLen)
	start := bom
	t.skipFirst = false

	size := fi.Size()
	switch {
	case resume != nil && resume.Offset > bom && resume.Offset <= size && resume.Identity.SameFile(identityOf(fi)):
		start = resume.Offset
	case size-bom > t.cfg.MaxFileBytes:
		if s := size - t.cfg.MaxFileBytes - tailSlack; s > bom {
			unit := int64(t.det.Encoding.UnitWidth())
			start = s - (s-bom)%unit
			t.skipFirst = true
		}
	}
	t.start = start
	t.dec = encoding.NewDecoder(t.det.Encoding, start)
	t.head = t.head[:0]
}

func (t *Tailer) detect(size int64) {
	n := min(int64(t.cfg.SampleBytes), size)
	sample := make([]byte, n)
	read, err := t.f.ReadAt(sample, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		t.log.Warn("detection sample read failed", slog.String("error", err.Error()))
	}
	sample = sample[:read]
	det := t.detector.Detect(sample, int64(read) >= size)

	if t.forced != nil {
		forced := encoding.Forced(t.forced)
		if det.Source == encoding.SourceBOM && det.Encoding == t.forced {
			forced.BOMLen = det.BOMLen
		}
		t.det = forced
		return
	}
	if det.Ambiguous {
		t.log.Info("encoding ambiguous, using fallback",
			slog.String("encoding", det.Encoding.Name()),
			slog.String("best_guess", det.Charset))
	}
	t.det = det
}

// truncate handles a file that shrank without changing identity. If the
// retained head still matches, only the lines past the new end are dropped.
func (t *Tailer) truncate(fi os.FileInfo) {
	size := fi.Size()
	if size <= t.start || t.skipFirst || !t.headMatches(size) {
		t.resetIndex(fi, "truncated")
		return
	}
	n, err := t.index.FindOffset(size)
	if err != nil {
		t.resetIndex(fi, "truncated")
		return
	}
	l, err := t.index.Get(n)
	if err != nil {
		t.resetIndex(fi, "truncated")
		return
	}
	t.index.TruncateTo(n)
	t.dec.Reset(l.Offset)
	if keep := size - t.start; int64(len(t.head)) > keep {
		t.head = t.head[:keep]
	}
	t.stats.Resets++
	t.log.Info("file truncated", slog.Int64("size", size), slog.Int("lines", n))
	t.emit(ports.KindReset, nil)
}

// resetIndex discards the index and starts over from the top of the file.
func (t *Tailer) resetIndex(fi os.FileInfo, reason string) {
	t.log.Info("file reset", slog.String("reason", reason))
	t.index.TruncateTo(0)
	t.stats.Resets++
	t.begin(fi, nil)
	t.emit(ports.KindReset, nil)
}

// headMatches reports whether the file still starts with the bytes that
// were indexed, as far as a file of the given size can.
func (t *Tailer) headMatches(size int64) bool {
	n := min(int64(len(t.head)), size-t.start)
	if n <= 0 {
		return size >= t.start
	}
	got := make([]byte, n)
	if _, err := t.f.ReadAt(got, t.start); err != nil {
		return false
	}
	return bytes.Equal(got, t.head[:n])
}

// ingest reads from the decoder's position to EOF.
func (t *Tailer) ingest() error {
	if t.cfg.Sem != nil {
		if err := t.cfg.Sem.Acquire(t.ctx, 1); err != nil {
			return nil
		}
		defer t.cfg.Sem.Release(1)
	}

	var read int64
	for t.ctx.Err() == nil {
		n, err := t.f.ReadAt(t.buf, t.dec.End())
		if n > 0 {
			read += int64(n)
			if ferr := t.feed(t.buf[:n]); ferr != nil {
				return ferr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("read %s: %w", t.path, err)
		}
	}

	if !t.skipFirst {
		if open, ok := t.dec.Pending(); ok {
			if err := t.index.SetOpen(open); err != nil {
				return fmt.Errorf("index %s: %w", t.path, err)
			}
		}
	}

	t.state = StateIdle
	if read > 0 {
		t.stats.Passes++
		t.stats.BytesIngested += read
		t.captureHead()
	}
	t.publish()
	if read > 0 {
		t.emit(ports.KindGrew, nil)
	}
	return nil
}

func (t *Tailer) feed(p []byte) error {
	lossy := t.dec.Lossy()
	lines := t.dec.Feed(p)
	t.stats.LossyLines += t.dec.Lossy() - lossy

	if t.skipFirst && len(lines) > 0 {
		t.start = lines[0].End()
		lines = lines[1:]
		t.skipFirst = false
	}
	if len(lines) == 0 {
		return nil
	}
	if err := t.index.Append(lines...); err != nil {
		return fmt.Errorf("index %s: %w", t.path, err)
	}
	return nil
}

// captureHead extends the retained head with bytes just ingested, up to
// headBytes.
func (t *Tailer) captureHead() {
	if t.skipFirst || len(t.head) >= headBytes {
		return
	}
	from := t.start + int64(len(t.head))
	end := min(t.start+headBytes, t.dec.End())
	if end <= from {
		return
	}
	b := make([]byte, end-from)
	n, _ := t.f.ReadAt(b, from)
	t.head = append(t.head, b[:n]...)
}

func (t *Tailer) fail(err error) error {
	if t.f != nil {
		t.f.Close()
		t.f = nil
	}
	repeated := t.state == StateError && t.err != nil && t.err.Error() == err.Error()
	t.state = StateError
	t.err = err
	t.publish()
	if !repeated {
		t.log.Warn("read failed", slog.String("error", err.Error()))
		t.emit(ports.KindError, err)
	}
	return err
}

func (t *Tailer) shutdown() {
	if t.f != nil {
		t.f.Close()
		t.f = nil
	}
	t.state = StateClosed
	t.publish()
}

func (t *Tailer) emit(kind ports.Kind, err error) {
	if t.cfg.OnEvent == nil {
		return
	}
	t.cfg.OnEvent(ports.Notification{
		Kind:  kind,
		Path:  t.path,
		Lines: t.index.Len(),
		Epoch: t.index.Epoch(),
		Err:   err,
		Time:  time.Now(),
	})
}

func (t *Tailer) publish() {
	st := Status{
		Path:      t.path,
		State:     t.state,
		Detection: t.det,
		Forced:    t.forced != nil,
		Start:     t.start,
		Identity:  t.ident,
		Err:       t.err,
		Stats:     t.stats,
	}
	if t.dec != nil {
		st.Size = t.dec.End()
		st.Committed = t.dec.Offset()
	}
	t.mu.Lock()
	t.status = st
	t.mu.Unlock()
}
