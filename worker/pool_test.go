package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/reachinbox/scheduler/mail"
	"github.com/reachinbox/scheduler/model"
	"github.com/reachinbox/scheduler/queue"
	"github.com/reachinbox/scheduler/ratelimit"
	"github.com/reachinbox/scheduler/store"
)

type fakeSender struct {
	err   error
	calls int
}

func (f *fakeSender) Send(ctx context.Context, msg mail.Message) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "msg-1", nil
}

func newTestPool(t *testing.T, sender mail.Sender, globalLimit, senderLimit int) (*Pool, store.Store, queue.Queue) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter, err := ratelimit.NewLimiter(context.Background(), client)
	if err != nil {
		t.Fatalf("NewLimiter: %v", err)
	}

	st := store.NewMemoryStore()
	q := queue.NewMemoryQueue()
	pool := New(st, q, limiter, sender, 1, globalLimit, senderLimit, 0)
	return pool, st, q
}

func seedDispatch(t *testing.T, st store.Store, q queue.Queue, id string) *model.Dispatch {
	t.Helper()
	ctx := context.Background()
	d := &model.Dispatch{
		ID:             id,
		CampaignID:     "c1",
		RecipientEmail: "a@example.com",
		Subject:        "hi",
		Body:           "body",
		ScheduledTime:  time.Now().Add(-time.Second),
		Status:         model.DispatchScheduled,
	}
	if err := st.CreateDispatch(ctx, d); err != nil {
		t.Fatalf("CreateDispatch: %v", err)
	}
	task := &model.Task{
		DispatchID:     id,
		CampaignID:     "c1",
		RecipientEmail: "a@example.com",
		Subject:        "hi",
		Body:           "body",
		ScheduledAt:    d.ScheduledTime,
	}
	if _, err := q.Enqueue(ctx, task); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return d
}

func TestProcessSuccessfulSendMarksSent(t *testing.T) {
	sender := &fakeSender{}
	pool, st, q := newTestPool(t, sender, 100, 100)
	seedDispatch(t, st, q, "d1")

	ctx := context.Background()
	task, err := q.Reserve(ctx)
	if err != nil || task == nil {
		t.Fatalf("Reserve: task=%v err=%v", task, err)
	}
	pool.process(ctx, task)

	d, err := st.GetDispatch(ctx, "d1")
	if err != nil {
		t.Fatalf("GetDispatch: %v", err)
	}
	if d.Status != model.DispatchSent {
		t.Fatalf("expected SENT, got %s", d.Status)
	}
	if d.SenderEmail != "msg-1" {
		t.Fatalf("expected messageId to be recorded, got %q", d.SenderEmail)
	}
}

func TestProcessTransportErrorRetriesThenFails(t *testing.T) {
	sender := &fakeSender{err: errors.New("connection refused")}
	pool, st, q := newTestPool(t, sender, 100, 100)
	seedDispatch(t, st, q, "d1")

	ctx := context.Background()

	task, err := q.Reserve(ctx)
	if err != nil || task == nil {
		t.Fatalf("Reserve: task=%v err=%v", task, err)
	}

	// queue.Fail reschedules each retry with a real backoff delay, so
	// rather than wait on that delay, reuse the same task (queue.Fail
	// mutates its Attempt/ScheduledAt in place) and re-invoke process
	// directly for each attempt.
	for i := 0; i <= queue.MaxAttempts; i++ {
		pool.process(ctx, task)
	}

	d, err := st.GetDispatch(ctx, "d1")
	if err != nil {
		t.Fatalf("GetDispatch: %v", err)
	}
	if d.Status != model.DispatchFailed {
		t.Fatalf("expected FAILED after exhausting attempts, got %s", d.Status)
	}
	wantCalls := queue.MaxAttempts + 1
	if sender.calls != wantCalls {
		t.Fatalf("expected %d send attempts, got %d", wantCalls, sender.calls)
	}
}

func TestProcessAttachesSenderAndEnforcesPerSenderLimit(t *testing.T) {
	sender := &fakeSender{}
	// Global ceiling is wide open; the sender ceiling of 0 must be what
	// rejects the send once a sender account is attached.
	pool, st, q := newTestPool(t, sender, 100, 0)
	ms := st.(*store.MemoryStore)
	ms.SeedSenders(&model.SenderAccount{ID: "sender-1", IsActive: true})
	seedDispatch(t, st, q, "d1")

	ctx := context.Background()
	task, err := q.Reserve(ctx)
	if err != nil || task == nil {
		t.Fatalf("Reserve: task=%v err=%v", task, err)
	}
	if task.SenderID != "" {
		t.Fatalf("expected task to start with no sender attached, got %q", task.SenderID)
	}

	pool.process(ctx, task)

	if task.SenderID != "sender-1" {
		t.Fatalf("expected worker to attach the active sender, got %q", task.SenderID)
	}
	d, err := st.GetDispatch(ctx, "d1")
	if err != nil {
		t.Fatalf("GetDispatch: %v", err)
	}
	if d.Status != model.DispatchScheduled {
		t.Fatalf("expected per-sender ceiling to reject the send, got %s", d.Status)
	}
	if sender.calls != 0 {
		t.Fatalf("expected no send attempt once the sender scope rejects, got %d calls", sender.calls)
	}
}

func TestProcessRateLimitedLoopsBackToScheduled(t *testing.T) {
	sender := &fakeSender{}
	// Exhaust the global limit before the send is attempted.
	pool, st, q := newTestPool(t, sender, 0, 100)
	seedDispatch(t, st, q, "d1")

	ctx := context.Background()
	task, err := q.Reserve(ctx)
	if err != nil || task == nil {
		t.Fatalf("Reserve: task=%v err=%v", task, err)
	}
	pool.process(ctx, task)

	d, err := st.GetDispatch(ctx, "d1")
	if err != nil {
		t.Fatalf("GetDispatch: %v", err)
	}
	if d.Status != model.DispatchScheduled {
		t.Fatalf("expected dispatch to loop back to SCHEDULED, got %s", d.Status)
	}
	if sender.calls != 0 {
		t.Fatalf("expected no send attempt when rate limited, got %d calls", sender.calls)
	}
}
