package worker

import (
	"context"
	"testing"
	"time"

	"github.com/reachinbox/scheduler/model"
	"github.com/reachinbox/scheduler/queue"
	"github.com/reachinbox/scheduler/store"
)

func TestSweepOnceRecoversStuckDispatch(t *testing.T) {
	st := store.NewMemoryStore()
	q := queue.NewMemoryQueue()
	ctx := context.Background()

	d := &model.Dispatch{
		ID:             "d1",
		CampaignID:     "c1",
		RecipientEmail: "a@example.com",
		Subject:        "hi",
		Body:           "body",
		Status:         model.DispatchSending,
	}
	if err := st.CreateDispatch(ctx, d); err != nil {
		t.Fatalf("CreateDispatch: %v", err)
	}
	// UpdateDispatch stamps UpdatedAt with the current time; the sleep
	// below then ages the row past the sweeper's 1ms grace period.
	d.Status = model.DispatchSending
	if err := st.UpdateDispatch(ctx, d); err != nil {
		t.Fatalf("UpdateDispatch: %v", err)
	}

	s, err := NewSweeper(st, q, "@every 1h", time.Millisecond)
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}

	time.Sleep(2 * time.Millisecond)
	s.sweepOnce()

	got, err := st.GetDispatch(ctx, "d1")
	if err != nil {
		t.Fatalf("GetDispatch: %v", err)
	}
	if got.Status != model.DispatchScheduled {
		t.Fatalf("expected dispatch to be reset to SCHEDULED, got %s", got.Status)
	}

	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth != 1 {
		t.Fatalf("expected the dispatch to be re-enqueued, depth=%d", depth)
	}
}

func TestSweepOnceIgnoresFreshDispatch(t *testing.T) {
	st := store.NewMemoryStore()
	q := queue.NewMemoryQueue()
	ctx := context.Background()

	d := &model.Dispatch{
		ID:             "d1",
		CampaignID:     "c1",
		RecipientEmail: "a@example.com",
		Status:         model.DispatchSending,
	}
	if err := st.CreateDispatch(ctx, d); err != nil {
		t.Fatalf("CreateDispatch: %v", err)
	}

	s, err := NewSweeper(st, q, "@every 1h", time.Hour)
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}
	s.sweepOnce()

	got, err := st.GetDispatch(ctx, "d1")
	if err != nil {
		t.Fatalf("GetDispatch: %v", err)
	}
	if got.Status != model.DispatchSending {
		t.Fatalf("expected a fresh SENDING dispatch to be left alone, got %s", got.Status)
	}
}
