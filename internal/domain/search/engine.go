package search

import (
	"context"
	"errors"
	"runtime"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/corey/logglance/internal/domain/lineindex"
)

// checkEvery is how many lines a worker scans between cancellation checks.
const checkEvery = 1024

// DefaultChunkLines is the number of lines handed to one scanning worker.
const DefaultChunkLines = 64 * 1024

var errCancelled = errors.New("scan cancelled")

// ScanResult is the outcome of one Scan.
type ScanResult struct {
	Lines    []int // matching line numbers, ascending
	Covered  int   // lines [from, Covered) were scanned
	Complete bool  // Covered reached the end of the snapshot
}

// Engine runs parallel scans. Workers bounds one scan's goroutines; Sem,
// when set, bounds scan work across the whole process.
type Engine struct {
	Workers    int
	ChunkLines int
	Sem        *semaphore.Weighted
}

// NewEngine returns an Engine using up to workers goroutines per scan.
func NewEngine(workers int, sem *semaphore.Weighted) *Engine {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Engine{Workers: workers, ChunkLines: DefaultChunkLines, Sem: sem}
}

type chunk struct {
	from, to int
	matches  []int
	scanned  int
}

// Scan matches lines [from, snap.Len()) of snap. It stops early when ctx is
// done or cancelled returns true; the result then covers only the contiguous
// prefix of lines that were fully scanned.
func (e *Engine) Scan(ctx context.Context, snap lineindex.Snapshot, from int, c *Compiled, cancelled func() bool) ScanResult {
	end := snap.Len()
	if from < 0 {
		from = 0
	}
	if from >= end {
		return ScanResult{Covered: end, Complete: true}
	}

	size := e.ChunkLines
	if size <= 0 {
		size = DefaultChunkLines
	}
	var chunks []*chunk
	for lo := from; lo < end; lo += size {
		chunks = append(chunks, &chunk{from: lo, to: min(lo+size, end)})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(e.Workers, 1))
	for _, ch := range chunks {
		ch := ch
		g.Go(func() error {
			return e.scanChunk(gctx, snap, ch, c.NewMatcher(), cancelled)
		})
	}
	_ = g.Wait()

	res := ScanResult{Covered: from}
	for _, ch := range chunks {
		res.Lines = append(res.Lines, ch.matches...)
		res.Covered = ch.from + ch.scanned
		if ch.scanned < ch.to-ch.from {
			break
		}
	}
	res.Complete = res.Covered == end
	return res
}

func (e *Engine) scanChunk(ctx context.Context, snap lineindex.Snapshot, ch *chunk, m Matcher, cancelled func() bool) error {
	if e.Sem != nil {
		if err := e.Sem.Acquire(ctx, 1); err != nil {
			return err
		}
		defer e.Sem.Release(1)
	}
	for i := ch.from; i < ch.to; i++ {
		if (i-ch.from)%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			if cancelled != nil && cancelled() {
				return errCancelled
			}
		}
		if m.Match(snap.Text(i)) {
			ch.matches = append(ch.matches, i)
		}
		ch.scanned++
	}
	return nil
}
