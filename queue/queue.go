// Package queue implements the durable delayed task queue from
// spec.md §4.2: idempotent enqueue keyed on a deterministic task id,
// reservation-based dequeue, and exponential backoff retry. An
// in-memory, container/heap-backed implementation backs the tests;
// main.go always wires the Redis-backed implementation.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/reachinbox/scheduler/model"
)

// ErrNotDue names the "nothing ready yet" outcome of Reserve. Neither
// MemoryQueue nor RedisQueue returns it: both report "no task due"
// and "queue empty" alike as (nil, nil).
var ErrNotDue = errors.New("queue: no task is due")

// RetryPolicy is the exponential backoff schedule from spec.md §4.2:
// 5s, 25s, 125s, with a maximum of 3 attempts.
var RetryPolicy = []time.Duration{
	5 * time.Second,
	25 * time.Second,
	125 * time.Second,
}

// MaxAttempts is the number of sends attempted before a dispatch is
// marked FAILED for TransportError outcomes.
const MaxAttempts = 3

// BackoffFor returns the delay before attempt (1-indexed) is retried.
// attempt is the attempt number that just failed.
func BackoffFor(attempt int) time.Duration {
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(RetryPolicy) {
		idx = len(RetryPolicy) - 1
	}
	return RetryPolicy[idx]
}

// Queue is the durable delayed task queue contract.
type Queue interface {
	// Enqueue schedules task to become visible at task.ScheduledAt.
	// Enqueuing a task whose TaskID already exists in the queue is a
	// no-op (idempotent enqueue, invariant I4) and returns (false, nil).
	Enqueue(ctx context.Context, task *model.Task) (enqueued bool, err error)

	// Reserve pops one due task, if any, making it invisible to other
	// reservers until Ack, Reschedule or Fail is called for it. Returns
	// (nil, nil) when no task is currently due.
	Reserve(ctx context.Context) (*model.Task, error)

	// Ack permanently removes a reserved task — the dispatch reached a
	// terminal outcome (SENT or FAILED with attempts exhausted).
	Ack(ctx context.Context, dispatchID string) error

	// Reschedule re-enqueues a reserved task to run again at
	// scheduledAt without consuming a retry attempt (used for
	// RATE_LIMITED outcomes, which loop rather than retry per spec §5).
	Reschedule(ctx context.Context, task *model.Task, scheduledAt time.Time) error

	// Fail reschedules a reserved task for retry with an incremented
	// attempt count and backoff delay, or reports exhaustion when
	// task.Attempt has reached MaxAttempts.
	Fail(ctx context.Context, task *model.Task) (willRetry bool, err error)

	// Depth reports the approximate number of tasks waiting (not yet
	// reserved), for the status reporter and queue-depth gauge.
	Depth(ctx context.Context) (int64, error)
}
