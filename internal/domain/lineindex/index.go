// Package lineindex holds the decoded lines of one log file.
//
// An Index is append-only with a single writer (the file's tailer) and any
// number of concurrent readers. Terminated lines are immutable and live in a
// slice that is only ever written beyond its published length, so a
// Snapshot can keep reading its prefix without holding a lock. The last line
// may still be growing; it is kept in a separate cell and replaced by
// pointer swap, so a reader sees either the old or the new text, never a mix.
package lineindex

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrOutOfRange is returned for line numbers or offsets outside the index.
	ErrOutOfRange = errors.New("line out of range")

	// ErrNotContiguous is returned when appended lines would break offset
	// ordering or put a terminated line after an open one.
	ErrNotContiguous = errors.New("lines not contiguous")
)

// Line is one decoded line.
type Line struct {
	Number     int    // 0-based, stable for the life of the index epoch
	Offset     int64  // byte offset of the first byte of the line
	Size       int    // raw byte length, terminator included
	Text       string // decoded text without terminator
	Terminated bool   // a newline ended the line when it was decoded
}

// End returns the offset just past the line's raw bytes.
func (l Line) End() int64 { return l.Offset + int64(l.Size) }

// Index is the ordered line sequence for one file. The zero value is ready
// to use.
type Index struct {
	mu    sync.RWMutex
	lines []Line // terminated lines, immutable below len(lines)
	open  *Line  // growing last line, never mutated in place
	epoch uint64 // bumped by TruncateTo
}

// New returns an empty Index.
func New() *Index { return &Index{} }

// Len returns the number of lines, including an open last line.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.lenLocked()
}

func (x *Index) lenLocked() int {
	if x.open != nil {
		return len(x.lines) + 1
	}
	return len(x.lines)
}

// Terminated returns the number of newline-terminated lines.
func (x *Index) Terminated() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.lines)
}

// Epoch returns the truncation counter.
func (x *Index) Epoch() uint64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.epoch
}

// NextOffset returns the offset just past the last terminated line, i.e.
// where the open line (or the next line) starts.
func (x *Index) NextOffset() int64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if n := len(x.lines); n > 0 {
		return x.lines[n-1].End()
	}
	if x.open != nil {
		return x.open.Offset
	}
	return 0
}

// Append adds lines in file order. If the index currently ends with an open
// line, the first appended line must start at the same offset and replaces
// it. Only the final line of a batch may be unterminated. Line numbers are
// assigned by the index.
func (x *Index) Append(lines ...Line) error {
	if len(lines) == 0 {
		return nil
	}
	for i, l := range lines[:len(lines)-1] {
		if !l.Terminated {
			return fmt.Errorf("%w: open line at batch position %d", ErrNotContiguous, i)
		}
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	next := int64(-1)
	if n := len(x.lines); n > 0 {
		next = x.lines[n-1].End()
	}
	if x.open != nil {
		if lines[0].Offset != x.open.Offset {
			return fmt.Errorf("%w: open line at %d replaced by line at %d", ErrNotContiguous, x.open.Offset, lines[0].Offset)
		}
	} else if next >= 0 && lines[0].Offset < next {
		return fmt.Errorf("%w: line at %d overlaps previous line ending at %d", ErrNotContiguous, lines[0].Offset, next)
	}
	for i := 1; i < len(lines); i++ {
		if lines[i].Offset < lines[i-1].End() || lines[i].Offset <= lines[i-1].Offset {
			return fmt.Errorf("%w: offset %d after %d", ErrNotContiguous, lines[i].Offset, lines[i-1].Offset)
		}
	}

	base := len(x.lines)
	last := lines[len(lines)-1]
	complete := lines
	if !last.Terminated {
		complete = lines[:len(lines)-1]
	}
	for i, l := range complete {
		l.Number = base + i
		x.lines = append(x.lines, l)
	}
	if !last.Terminated {
		last.Number = len(x.lines)
		x.open = &last
	} else {
		x.open = nil
	}
	return nil
}

// SetOpen replaces the open last line, or sets one when the index ends on a
// terminated line. Passing a zero-Size line clears it.
func (x *Index) SetOpen(l Line) error {
	if l.Size == 0 {
		x.mu.Lock()
		x.open = nil
		x.mu.Unlock()
		return nil
	}
	l.Terminated = false
	return x.Append(l)
}

// Get returns line n.
func (x *Index) Get(n int) (Line, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if n < 0 || n >= x.lenLocked() {
		return Line{}, fmt.Errorf("%w: %d of %d", ErrOutOfRange, n, x.lenLocked())
	}
	if n < len(x.lines) {
		return x.lines[n], nil
	}
	return *x.open, nil
}

// Range returns lines [from, to), clamped to the index. A viewport past the
// end yields an empty slice.
func (x *Index) Range(from, to int) []Line {
	s := x.Snapshot()
	if from < 0 {
		from = 0
	}
	if to > s.Len() {
		to = s.Len()
	}
	if from >= to {
		return nil
	}
	out := make([]Line, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, s.At(i))
	}
	return out
}

// FindOffset returns the number of the line containing byte offset off: the
// last line starting at or before it. O(log n).
func (x *Index) FindOffset(off int64) (int, error) {
	return x.Snapshot().FindOffset(off)
}

// TruncateTo drops every line numbered n or higher and bumps the epoch.
// The retained prefix is copied so that existing snapshots never observe
// later appends overwriting their memory.
func (x *Index) TruncateTo(n int) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if n < 0 {
		n = 0
	}
	if n < len(x.lines) {
		kept := make([]Line, n, max(n, 1024))
		copy(kept, x.lines[:n])
		x.lines = kept
		x.open = nil
	} else if n == len(x.lines) {
		x.open = nil
	}
	x.epoch++
}

// Snapshot returns an immutable view of the current lines.
func (x *Index) Snapshot() Snapshot {
	x.mu.RLock()
	defer x.mu.RUnlock()
	s := Snapshot{lines: x.lines[:len(x.lines):len(x.lines)], epoch: x.epoch}
	if x.open != nil {
		l := *x.open
		s.open = &l
	}
	return s
}

// Snapshot is a consistent, lock-free view of an Index at one moment.
type Snapshot struct {
	lines []Line
	open  *Line
	epoch uint64
}

// Len returns the number of lines in the snapshot.
func (s Snapshot) Len() int {
	if s.open != nil {
		return len(s.lines) + 1
	}
	return len(s.lines)
}

// Terminated returns the number of terminated lines in the snapshot.
func (s Snapshot) Terminated() int { return len(s.lines) }

// Epoch returns the index epoch the snapshot was taken in.
func (s Snapshot) Epoch() uint64 { return s.epoch }

// At returns line i; i must be below Len.
func (s Snapshot) At(i int) Line {
	if i < len(s.lines) {
		return s.lines[i]
	}
	return *s.open
}

// Text returns the text of line i; i must be below Len.
func (s Snapshot) Text(i int) string {
	if i < len(s.lines) {
		return s.lines[i].Text
	}
	return s.open.Text
}

// FindOffset returns the number of the line containing off.
func (s Snapshot) FindOffset(off int64) (int, error) {
	n := s.Len()
	if n == 0 || off < 0 || off < s.At(0).Offset {
		return 0, fmt.Errorf("%w: offset %d", ErrOutOfRange, off)
	}
	// First line starting after off, minus one.
	i := sort.Search(n, func(i int) bool { return s.At(i).Offset > off })
	return i - 1, nil
}
