// Package vision runs face descriptor extraction off the ingest path: a bounded
// task queue feeds a pool of workers, and results come back on a second queue
// in completion order.
package vision

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrExtraction wraps any failure of the extractor, including timeouts.
	ErrExtraction = errors.New("descriptor extraction failed")

	// ErrQueueClosed is returned by Submit after Close.
	ErrQueueClosed = errors.New("task queue closed")
)

// Task asks for the descriptors of one stored photo.
type Task struct {
	PhotoID int64
	Path    string
}

// Result carries the descriptors of one photo, most prominent face first.
// On failure Vectors is empty and Err wraps ErrExtraction.
type Result struct {
	PhotoID int64
	Vectors [][]float32
	Err     error
}

// Queue connects producers to the worker pool and the pool back to the consumer.
type Queue struct {
	tasks   chan Task
	results chan Result

	closeOnce sync.Once
	closed    chan struct{}
}

// NewQueue creates a queue whose task and result buffers hold size entries each.
func NewQueue(size int) *Queue {
	if size < 0 {
		size = 0
	}
	return &Queue{
		tasks:   make(chan Task, size),
		results: make(chan Result, size),
		closed:  make(chan struct{}),
	}
}

// Submit enqueues a task, blocking only while the buffer is full.
func (q *Queue) Submit(ctx context.Context, t Task) error {
	select {
	case <-q.closed:
		return ErrQueueClosed
	default:
	}

	select {
	case q.tasks <- t:
		return nil
	case <-q.closed:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Results is the stream consumed by the single writer.
func (q *Queue) Results() <-chan Result {
	return q.results
}

// Len returns the number of tasks waiting for a worker.
func (q *Queue) Len() int {
	return len(q.tasks)
}

// Close stops accepting new tasks. Tasks already queued are still processed
// while the pool runs.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.closed) })
}

func (q *Queue) publish(ctx context.Context, r Result) bool {
	select {
	case q.results <- r:
		return true
	case <-ctx.Done():
		return false
	}
}
