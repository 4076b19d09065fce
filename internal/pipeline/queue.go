// Package pipeline implements the concurrent ingestion pipeline: a priority
// queue feeding a chunk/embed/store worker chain.
package pipeline

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Priority orders ingestion items. Lower values are more urgent.
type Priority int

const (
	PriorityUrgent Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

// Item is one unit of ingestion work.
type Item struct {
	Path     string
	Priority Priority
	Force    bool

	seq int // insertion order, for FIFO tie-break within a priority
}

// heapQueue is a container/heap.Interface over pending items, ordered by
// priority then insertion order.
type heapQueue []*Item

func (h heapQueue) Len() int { return len(h) }
func (h heapQueue) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].seq < h[j].seq
}
func (h heapQueue) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *heapQueue) Push(x any)   { *h = append(*h, x.(*Item)) }
func (h *heapQueue) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Queue is the priority ingestion queue feeding the pipeline workers. A
// path tracked (enqueued or currently being processed) may not be
// enqueued again until MarkComplete is called for it, regardless of the
// force flag — force only travels with the item, it never bypasses dedup.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	heap    heapQueue
	tracked map[string]struct{}
	paused  bool
	nextSeq int
}

// New creates an empty, running queue.
func New() *Queue {
	q := &Queue{tracked: make(map[string]struct{})}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Add enqueues path at the given priority unless it is already tracked.
// Returns true if the item was enqueued.
func (q *Queue) Add(path string, priority Priority, force bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.tracked[path]; ok {
		return false
	}
	q.tracked[path] = struct{}{}
	heap.Push(&q.heap, &Item{Path: path, Priority: priority, Force: force, seq: q.nextSeq})
	q.nextSeq++
	q.cond.Signal()
	return true
}

// Get pops the highest-priority item, blocking up to timeout. Returns
// (nil, false) if the queue is paused or remains empty for the whole
// timeout window — callers must still call MarkComplete(path) once the
// item, success or failure, is done being processed.
func (q *Queue) Get(ctx context.Context, timeout time.Duration) (*Item, bool) {
	deadline := time.Now().Add(timeout)

	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if ctx.Err() != nil {
			return nil, false
		}
		if !q.paused && len(q.heap) > 0 {
			item := heap.Pop(&q.heap).(*Item)
			return item, true
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false
		}

		waitDone := make(chan struct{})
		timer := time.AfterFunc(remaining, func() {
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		})
		go func() {
			<-waitDone
			timer.Stop()
		}()
		q.cond.Wait()
		close(waitDone)

		if time.Now().After(deadline) && (q.paused || len(q.heap) == 0) {
			return nil, false
		}
	}
}

// MarkComplete removes path from the tracked set so it may be re-added.
// Must be called exactly once per successful Add, even on failure.
func (q *Queue) MarkComplete(path string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.tracked, path)
}

// Pause stops Get from returning new items until Resume is called.
func (q *Queue) Pause() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = true
	q.cond.Broadcast()
}

// Resume re-enables Get.
func (q *Queue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = false
	q.cond.Broadcast()
}

// Clear drops all pending items and resets the tracking set.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.heap = nil
	q.tracked = make(map[string]struct{})
	q.cond.Broadcast()
}

// Size returns the number of pending (not yet popped) items.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// IsPaused reports whether the queue is paused.
func (q *Queue) IsPaused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// IsEmpty reports whether there are no pending items.
func (q *Queue) IsEmpty() bool {
	return q.Size() == 0
}
