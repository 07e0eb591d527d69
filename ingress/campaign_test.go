package ingress

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/reachinbox/scheduler/model"
	"github.com/reachinbox/scheduler/queue"
	"github.com/reachinbox/scheduler/store"
)

func newTestScheduler() (*Scheduler, *store.MemoryStore, *queue.MemoryQueue) {
	st := store.NewMemoryStore()
	q := queue.NewMemoryQueue()
	sched := NewScheduler(st, q, Defaults{MinDelayMs: 2000, PerSenderHourlyCap: 50})
	return sched, st, q
}

func TestCreateCampaignHappyPath(t *testing.T) {
	sched, st, q := newTestScheduler()
	ctx := context.Background()

	req := CreateCampaignRequest{
		UserID:          uuid.NewString(),
		Subject:         "hello",
		Body:            "world",
		RecipientEmails: []string{"a@x.io", "b@x.io"},
		StartTime:       time.Now().Add(60 * time.Second),
	}
	delay := int64(2000)
	req.DelayBetweenMs = &delay

	result, err := sched.CreateCampaign(ctx, req)
	if err != nil {
		t.Fatalf("CreateCampaign: %v", err)
	}
	if result.DispatchCount != 2 || result.TotalEmails != 2 || result.Failed != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Campaign.Status != model.CampaignInProgress {
		t.Fatalf("expected campaign IN_PROGRESS, got %s", result.Campaign.Status)
	}

	dispatches, err := st.ListDispatchesByCampaign(ctx, result.Campaign.ID)
	if err != nil {
		t.Fatalf("ListDispatchesByCampaign: %v", err)
	}
	if len(dispatches) != 2 {
		t.Fatalf("expected 2 dispatches, got %d", len(dispatches))
	}

	depth, _ := q.Depth(ctx)
	if depth != 2 {
		t.Fatalf("expected 2 tasks enqueued, got %d", depth)
	}
}

func TestCreateCampaignDeduplicatesRecipients(t *testing.T) {
	sched, _, _ := newTestScheduler()
	ctx := context.Background()

	req := CreateCampaignRequest{
		UserID:          uuid.NewString(),
		Subject:         "hello",
		Body:            "world",
		RecipientEmails: []string{"a@x.io", "a@x.io", "b@x.io"},
		StartTime:       time.Now().Add(time.Minute),
	}

	result, err := sched.CreateCampaign(ctx, req)
	if err != nil {
		t.Fatalf("CreateCampaign: %v", err)
	}
	if result.DispatchCount != 2 || result.TotalEmails != 2 || result.Failed != 0 {
		t.Fatalf("expected dedup to 2 recipients, got %+v", result)
	}
}

func TestCreateCampaignRejectsInvalidRecipient(t *testing.T) {
	sched, _, _ := newTestScheduler()
	ctx := context.Background()

	req := CreateCampaignRequest{
		UserID:          uuid.NewString(),
		Subject:         "hello",
		Body:            "world",
		RecipientEmails: []string{"not-an-email"},
		StartTime:       time.Now().Add(time.Minute),
	}

	_, err := sched.CreateCampaign(ctx, req)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected a ValidationError, got %v", err)
	}
	if _, ok := verr.Fields["recipientEmails"]; !ok {
		t.Fatalf("expected recipientEmails field error, got %+v", verr.Fields)
	}
}

func TestCreateCampaignRejectsOverlongSubject(t *testing.T) {
	sched, _, _ := newTestScheduler()
	ctx := context.Background()

	req := CreateCampaignRequest{
		UserID:          uuid.NewString(),
		Subject:         strings.Repeat("a", 501),
		Body:            "world",
		RecipientEmails: []string{"a@example.com"},
		StartTime:       time.Now().Add(time.Minute),
	}

	_, err := sched.CreateCampaign(ctx, req)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected a ValidationError, got %v", err)
	}
	if _, ok := verr.Fields["subject"]; !ok {
		t.Fatalf("expected subject field error, got %+v", verr.Fields)
	}
}

func TestCreateCampaignRejectsStaleStartTime(t *testing.T) {
	sched, _, _ := newTestScheduler()
	ctx := context.Background()

	req := CreateCampaignRequest{
		UserID:          uuid.NewString(),
		Subject:         "hello",
		Body:            "world",
		RecipientEmails: []string{"a@x.io"},
		StartTime:       time.Now().Add(-5 * time.Minute),
	}

	_, err := sched.CreateCampaign(ctx, req)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected a ValidationError, got %v", err)
	}
	if _, ok := verr.Fields["startTime"]; !ok {
		t.Fatalf("expected startTime field error, got %+v", verr.Fields)
	}
}

// duplicatingStore wraps a MemoryStore and forces every CreateDispatch
// call for a chosen recipient to report ErrDuplicateDispatch, so the
// partial-success path (spec.md §4.3 step 6/error conditions) can be
// exercised without depending on uuid collisions.
type duplicatingStore struct {
	*store.MemoryStore
	duplicateRecipient string
}

func (s *duplicatingStore) CreateDispatch(ctx context.Context, d *model.Dispatch) error {
	if d.RecipientEmail == s.duplicateRecipient {
		return store.ErrDuplicateDispatch
	}
	return s.MemoryStore.CreateDispatch(ctx, d)
}

func TestCreateCampaignSkipsDuplicateAndContinuesBatch(t *testing.T) {
	st := &duplicatingStore{MemoryStore: store.NewMemoryStore(), duplicateRecipient: "a@x.io"}
	q := queue.NewMemoryQueue()
	sched := NewScheduler(st, q, Defaults{MinDelayMs: 2000, PerSenderHourlyCap: 50})
	ctx := context.Background()

	req := CreateCampaignRequest{
		UserID:          uuid.NewString(),
		Subject:         "hello",
		Body:            "world",
		RecipientEmails: []string{"a@x.io", "b@x.io"},
		StartTime:       time.Now().Add(time.Minute),
	}

	result, err := sched.CreateCampaign(ctx, req)
	if err != nil {
		t.Fatalf("CreateCampaign: %v", err)
	}
	if result.DispatchCount != 1 || result.Failed != 1 || result.TotalEmails != 2 {
		t.Fatalf("expected 1 created, 1 failed, got %+v", result)
	}
	if result.Campaign.Status != model.CampaignInProgress {
		t.Fatalf("expected campaign to still transition to IN_PROGRESS, got %s", result.Campaign.Status)
	}
}

func TestCreateCampaignFailsWhenAllRecipientsDuplicate(t *testing.T) {
	st := &duplicatingStore{MemoryStore: store.NewMemoryStore(), duplicateRecipient: "a@x.io"}
	q := queue.NewMemoryQueue()
	sched := NewScheduler(st, q, Defaults{MinDelayMs: 2000, PerSenderHourlyCap: 50})
	ctx := context.Background()

	req := CreateCampaignRequest{
		UserID:          uuid.NewString(),
		Subject:         "hello",
		Body:            "world",
		RecipientEmails: []string{"a@x.io"},
		StartTime:       time.Now().Add(time.Minute),
	}

	_, err := sched.CreateCampaign(ctx, req)
	if !errors.Is(err, ErrNoNewDispatches) {
		t.Fatalf("expected ErrNoNewDispatches, got %v", err)
	}
}
