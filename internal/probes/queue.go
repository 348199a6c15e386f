package probes

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// dueTask is one scheduled probe execution opportunity.
type dueTask struct {
	ProbeID string
	DueAt   time.Time
}

type taskEntry struct {
	task  dueTask
	index int
}

type taskHeap []*taskEntry

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].task.DueAt.Equal(h[j].task.DueAt) {
		return h[i].task.ProbeID < h[j].task.ProbeID
	}
	return h[i].task.DueAt.Before(h[j].task.DueAt)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x interface{}) {
	entry := x.(*taskEntry)
	entry.index = len(*h)
	*h = append(*h, entry)
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	if n == 0 {
		return nil
	}
	entry := old[n-1]
	entry.index = -1
	*h = old[:n-1]
	return entry
}

// taskQueue is a thread-safe min-heap over due probe executions, keyed by
// probe ID so re-scheduling updates in place.
type taskQueue struct {
	mu      sync.Mutex
	entries map[string]*taskEntry
	heap    taskHeap
}

func newTaskQueue() *taskQueue {
	tq := &taskQueue{
		entries: make(map[string]*taskEntry),
		heap:    make(taskHeap, 0),
	}
	heap.Init(&tq.heap)
	return tq
}

// Upsert inserts or updates the task for a probe.
func (q *taskQueue) Upsert(task dueTask) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if entry, ok := q.entries[task.ProbeID]; ok {
		entry.task = task
		heap.Fix(&q.heap, entry.index)
		return
	}
	entry := &taskEntry{task: task}
	heap.Push(&q.heap, entry)
	q.entries[task.ProbeID] = entry
}

// Remove deletes a probe's task if present.
func (q *taskQueue) Remove(probeID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.entries[probeID]
	if !ok {
		return
	}
	heap.Remove(&q.heap, entry.index)
	delete(q.entries, probeID)
}

// WaitNext blocks until a task is due or the context is cancelled.
func (q *taskQueue) WaitNext(ctx context.Context) (dueTask, bool) {
	for {
		select {
		case <-ctx.Done():
			return dueTask{}, false
		default:
		}

		q.mu.Lock()
		if len(q.heap) == 0 {
			q.mu.Unlock()
			select {
			case <-ctx.Done():
				return dueTask{}, false
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}

		entry := q.heap[0]
		delay := time.Until(entry.task.DueAt)
		if delay <= 0 {
			heap.Pop(&q.heap)
			delete(q.entries, entry.task.ProbeID)
			task := entry.task
			q.mu.Unlock()
			return task, true
		}

		q.mu.Unlock()
		if delay > 250*time.Millisecond {
			delay = 250 * time.Millisecond
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return dueTask{}, false
		case <-timer.C:
		}
	}
}

// Size returns the number of queued tasks.
func (q *taskQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}
