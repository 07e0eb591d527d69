package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/reachinbox/scheduler/model"
)

// taskHeap orders pending tasks by ScheduledAt, earliest first.
type taskHeap []*model.Task

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].ScheduledAt.Before(h[j].ScheduledAt) }
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x interface{}) { *h = append(*h, x.(*model.Task)) }
func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[0 : n-1]
	return item
}

// MemoryQueue is an in-process Queue used by the tests: a heap guarded
// by a mutex. main.go does not use it.
type MemoryQueue struct {
	mu    sync.Mutex
	heap  taskHeap
	known map[string]bool // dispatchID -> present, for idempotent enqueue
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		heap:  make(taskHeap, 0),
		known: make(map[string]bool),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, task *model.Task) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.known[task.DispatchID] {
		return false, nil
	}
	cp := *task
	heap.Push(&q.heap, &cp)
	q.known[task.DispatchID] = true
	return true, nil
}

func (q *MemoryQueue) Reserve(ctx context.Context) (*model.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.heap.Len() == 0 {
		return nil, nil
	}
	if q.heap[0].ScheduledAt.After(time.Now()) {
		return nil, nil
	}
	task := heap.Pop(&q.heap).(*model.Task)
	delete(q.known, task.DispatchID)
	cp := *task
	return &cp, nil
}

func (q *MemoryQueue) Ack(ctx context.Context, dispatchID string) error {
	// Reserve already removed the task; nothing left to clean up.
	return nil
}

func (q *MemoryQueue) Reschedule(ctx context.Context, task *model.Task, scheduledAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	task.ScheduledAt = scheduledAt
	cp := *task
	heap.Push(&q.heap, &cp)
	q.known[task.DispatchID] = true
	return nil
}

func (q *MemoryQueue) Fail(ctx context.Context, task *model.Task) (bool, error) {
	if task.Attempt >= MaxAttempts {
		return false, nil
	}
	task.Attempt++
	nextRun := time.Now().Add(BackoffFor(task.Attempt))
	return true, q.Reschedule(ctx, task, nextRun)
}

func (q *MemoryQueue) Depth(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(q.heap.Len()), nil
}
