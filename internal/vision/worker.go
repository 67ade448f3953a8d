package vision

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Extractor turns an image file into face descriptors ordered by prominence.
// An empty result means no face was found.
type Extractor interface {
	Extract(ctx context.Context, imagePath string) ([][]float32, error)
}

// DefaultTimeout bounds a single extraction.
const DefaultTimeout = 2 * time.Minute

// Pool runs extraction workers over a Queue. Each task is handled entirely by
// one worker; results are published in completion order.
type Pool struct {
	extractor Extractor
	queue     *Queue
	workers   int
	timeout   time.Duration

	processed atomic.Int64
	failed    atomic.Int64
}

// NewPool creates a pool. workers below 1 means a single worker; a zero timeout
// means DefaultTimeout.
func NewPool(extractor Extractor, queue *Queue, workers int, timeout time.Duration) *Pool {
	if workers < 1 {
		workers = 1
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Pool{
		extractor: extractor,
		queue:     queue,
		workers:   workers,
		timeout:   timeout,
	}
}

// Run starts the workers and blocks until ctx is cancelled and all of them exit.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := range p.workers {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			p.work(ctx, n)
		}(i)
	}
	slog.Info("vision workers started", "workers", p.workers, "timeout", p.timeout)
	wg.Wait()
	slog.Info("vision workers stopped", "processed", p.processed.Load(), "failed", p.failed.Load())
}

func (p *Pool) work(ctx context.Context, n int) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-p.queue.tasks:
			r := p.process(ctx, t)
			if !p.queue.publish(ctx, r) {
				slog.Warn("dropping vision result on shutdown", "worker", n, "photo_id", t.PhotoID)
				return
			}
		}
	}
}

// process extracts one task under the pool timeout. A stuck extractor is
// abandoned once the deadline passes.
func (p *Pool) process(ctx context.Context, t Task) Result {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	type outcome struct {
		vectors [][]float32
		err     error
	}
	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		vectors, err := p.extractor.Extract(ctx, t.Path)
		done <- outcome{vectors, err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		out.err = ctx.Err()
	}

	p.processed.Add(1)
	if out.err != nil {
		p.failed.Add(1)
		err := fmt.Errorf("%w: photo %d: %w", ErrExtraction, t.PhotoID, out.err)
		slog.Error("dead letter: extraction failed",
			"photo_id", t.PhotoID,
			"path", t.Path,
			"elapsed", time.Since(start),
			"error", out.err)
		return Result{PhotoID: t.PhotoID, Err: err}
	}

	slog.Debug("extraction finished", "photo_id", t.PhotoID, "faces", len(out.vectors), "elapsed", time.Since(start))
	return Result{PhotoID: t.PhotoID, Vectors: out.vectors}
}

// Processed returns the number of tasks handled so far.
func (p *Pool) Processed() int64 { return p.processed.Load() }

// Failed returns the number of tasks that ended in the dead-letter log.
func (p *Pool) Failed() int64 { return p.failed.Load() }
