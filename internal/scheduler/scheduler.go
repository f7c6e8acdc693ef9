// Package scheduler implements the bounded-concurrency priority task
// queue: five priority levels, a bounded queue, per-level
// timeouts, and bounded retries for Transient failures.
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/eddiefleurent/topstepx-engine/internal/models"
)

// Priority is one of the five scheduling levels, ordered CRITICAL
// (highest) to BACKGROUND (lowest).
type Priority int

const (
	Critical Priority = iota
	High
	Normal
	Low
	Background
)

// Timeout returns the per-level task timeout, with
// Background tasks left unbounded.
func (p Priority) Timeout() time.Duration {
	switch p {
	case Critical:
		return 30 * time.Second
	case High:
		return 60 * time.Second
	case Normal:
		return 120 * time.Second
	case Low:
		return 300 * time.Second
	default:
		return 0
	}
}

// Task is a unit of work submitted to the scheduler.
type Task struct {
	Priority Priority
	Name     string
	Run      func(ctx context.Context) error
}

const (
	maxConcurrency = 20
	maxQueueSize   = 1000
)

var retryDelays = []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}

// item is an internal queue entry: a Task plus its FIFO arrival index
// (tie-break for equal priority) and retry bookkeeping.
type item struct {
	task      Task
	seq       uint64
	attempt   int
	heapIndex int
}

// priorityHeap orders items by Priority then arrival seq, giving a
// stable "higher priority starts before any lower-priority item
// currently waiting; same-priority FIFO" ordering guarantee.
type priorityHeap []*item

func (h priorityHeap) Len() int { return len(h) }
func (h priorityHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority < h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}
func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex, h[j].heapIndex = i, j
}
func (h *priorityHeap) Push(x interface{}) {
	it := x.(*item)
	it.heapIndex = len(*h)
	*h = append(*h, it)
}
func (h *priorityHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Scheduler is a single bounded priority queue drained by a fixed
// pool of worker goroutines.
type Scheduler struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    priorityHeap
	nextSeq  uint64
	closed   bool
	inflight int

	concurrency int
	queueCap    int
}

// New starts a Scheduler with maxConcurrency workers and a bounded
// queue, launching the worker pool immediately.
func New(ctx context.Context) *Scheduler {
	return NewWithLimits(ctx, maxConcurrency, maxQueueSize)
}

// NewWithLimits allows overriding the concurrency/queue caps, used by
// tests and by deployments that size MAX_CONCURRENT_TASKS explicitly.
func NewWithLimits(ctx context.Context, concurrency, queueCap int) *Scheduler {
	if concurrency <= 0 {
		concurrency = maxConcurrency
	}
	if queueCap <= 0 {
		queueCap = maxQueueSize
	}
	s := &Scheduler{concurrency: concurrency, queueCap: queueCap}
	s.cond = sync.NewCond(&s.mu)
	heap.Init(&s.queue)
	for i := 0; i < concurrency; i++ {
		go s.worker(ctx)
	}
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		s.closed = true
		s.cond.Broadcast()
		s.mu.Unlock()
	}()
	return s
}

// Submit enqueues t, returning an error if the queue is at capacity.
func (s *Scheduler) Submit(t Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return models.NewTradeError(models.ErrCancelled, "scheduler is shut down", nil)
	}
	if len(s.queue) >= s.queueCap {
		return models.NewTradeError(models.ErrRateLimited, "scheduler queue full", nil)
	}
	s.nextSeq++
	heap.Push(&s.queue, &item{task: t, seq: s.nextSeq})
	s.cond.Signal()
	return nil
}

func (s *Scheduler) worker(ctx context.Context) {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed && len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		it := heap.Pop(&s.queue).(*item)
		s.inflight++
		s.mu.Unlock()

		s.execute(ctx, it)

		s.mu.Lock()
		s.inflight--
		s.mu.Unlock()
	}
}

func (s *Scheduler) execute(ctx context.Context, it *item) {
	runCtx := ctx
	var cancel context.CancelFunc
	if d := it.task.Priority.Timeout(); d > 0 {
		runCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	err := it.task.Run(runCtx)
	if err == nil {
		return
	}
	if !isTransient(err) || it.attempt >= len(retryDelays) {
		return
	}
	delay := retryDelays[it.attempt]
	it.attempt++
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}
	s.mu.Lock()
	if !s.closed {
		s.nextSeq++
		it.seq = s.nextSeq
		heap.Push(&s.queue, it)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func isTransient(err error) bool {
	return models.KindOf(err) == models.ErrTransient
}

// Pending returns the current queue depth, for metrics.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// String implements fmt.Stringer for log lines.
func (p Priority) String() string {
	switch p {
	case Critical:
		return "CRITICAL"
	case High:
		return "HIGH"
	case Normal:
		return "NORMAL"
	case Low:
		return "LOW"
	case Background:
		return "BACKGROUND"
	default:
		return fmt.Sprintf("Priority(%d)", int(p))
	}
}
