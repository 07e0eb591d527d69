package queue

import (
	"context"
	"testing"
	"time"

	"github.com/reachinbox/scheduler/model"
)

func sampleTask(dispatchID string, scheduledAt time.Time) *model.Task {
	return &model.Task{
		DispatchID:     dispatchID,
		CampaignID:     "campaign-1",
		RecipientEmail: "a@example.com",
		Subject:        "hi",
		Body:           "body",
		ScheduledAt:    scheduledAt,
	}
}

func TestMemoryQueueEnqueueIsIdempotent(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	task := sampleTask("d1", time.Now().Add(-time.Second))
	enqueued, err := q.Enqueue(ctx, task)
	if err != nil || !enqueued {
		t.Fatalf("first enqueue: enqueued=%v err=%v", enqueued, err)
	}

	enqueued, err = q.Enqueue(ctx, task)
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if enqueued {
		t.Fatal("expected second enqueue of same dispatch to be a no-op")
	}

	depth, _ := q.Depth(ctx)
	if depth != 1 {
		t.Fatalf("expected depth 1, got %d", depth)
	}
}

func TestMemoryQueueReserveOnlyReturnsDueTasks(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	future := sampleTask("future", time.Now().Add(time.Hour))
	if _, err := q.Enqueue(ctx, future); err != nil {
		t.Fatal(err)
	}

	task, err := q.Reserve(ctx)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if task != nil {
		t.Fatal("expected no task to be due yet")
	}

	due := sampleTask("due", time.Now().Add(-time.Second))
	if _, err := q.Enqueue(ctx, due); err != nil {
		t.Fatal(err)
	}

	task, err = q.Reserve(ctx)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if task == nil || task.DispatchID != "due" {
		t.Fatalf("expected to reserve the due task, got %+v", task)
	}
}

func TestMemoryQueueFailExhaustsAttempts(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	task := sampleTask("d1", time.Now())
	task.Attempt = MaxAttempts

	willRetry, err := q.Fail(ctx, task)
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if willRetry {
		t.Fatal("expected no retry once MaxAttempts reached")
	}
}

func TestMemoryQueueFailReschedulesWithBackoff(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	task := sampleTask("d1", time.Now())
	task.Attempt = 0

	willRetry, err := q.Fail(ctx, task)
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if !willRetry {
		t.Fatal("expected retry to be scheduled")
	}
	if task.Attempt != 1 {
		t.Fatalf("expected attempt to increment to 1, got %d", task.Attempt)
	}

	depth, _ := q.Depth(ctx)
	if depth != 1 {
		t.Fatalf("expected rescheduled task to be back in the queue, depth=%d", depth)
	}
}

func TestBackoffForSchedule(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 5 * time.Second},
		{2, 25 * time.Second},
		{3, 125 * time.Second},
		{99, 125 * time.Second}, // clamps to the last entry
	}
	for _, c := range cases {
		if got := BackoffFor(c.attempt); got != c.want {
			t.Errorf("BackoffFor(%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}
