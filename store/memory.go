package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/reachinbox/scheduler/model"
)

// MemoryStore is an in-memory Store used by the tests; main.go always
// uses PostgresStore. Not safe to use across processes.
type MemoryStore struct {
	mu         sync.Mutex
	campaigns  map[string]*model.Campaign
	dispatches map[string]*model.Dispatch
	// dispatchKeys tracks the (campaign_id, recipient_email) uniqueness
	// invariant the same way a unique index would in Postgres.
	dispatchKeys map[string]string // "<campaignID>:<recipient>" -> dispatchID
	senders      []*model.SenderAccount
	nextSender   int
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		campaigns:    make(map[string]*model.Campaign),
		dispatches:   make(map[string]*model.Dispatch),
		dispatchKeys: make(map[string]string),
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) CreateCampaign(ctx context.Context, c *model.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	now := time.Now()
	cp.CreatedAt, cp.UpdatedAt = now, now
	s.campaigns[c.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateCampaignStatus(ctx context.Context, campaignID string, status model.CampaignStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[campaignID]
	if !ok {
		return ErrNotFound
	}
	c.Status = status
	c.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) GetCampaign(ctx context.Context, campaignID string) (*model.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[campaignID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) ListCampaignsByUser(ctx context.Context, userID string) ([]*model.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Campaign
	for _, c := range s.campaigns {
		if c.UserID == userID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CreateDispatch(ctx context.Context, d *model.Dispatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := d.CampaignID + ":" + d.RecipientEmail
	if _, exists := s.dispatchKeys[key]; exists {
		return ErrDuplicateDispatch
	}
	cp := *d
	now := time.Now()
	cp.CreatedAt, cp.UpdatedAt = now, now
	s.dispatches[d.ID] = &cp
	s.dispatchKeys[key] = d.ID
	return nil
}

func (s *MemoryStore) GetDispatch(ctx context.Context, dispatchID string) (*model.Dispatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dispatches[dispatchID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *MemoryStore) UpdateDispatch(ctx context.Context, d *model.Dispatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dispatches[d.ID]; !ok {
		return ErrNotFound
	}
	cp := *d
	cp.UpdatedAt = time.Now()
	s.dispatches[d.ID] = &cp
	return nil
}

func (s *MemoryStore) ListDispatchesByCampaign(ctx context.Context, campaignID string) ([]*model.Dispatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Dispatch
	for _, d := range s.dispatches {
		if d.CampaignID == campaignID {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledTime.Before(out[j].ScheduledTime) })
	return out, nil
}

func (s *MemoryStore) ListDispatchesByUserAndStatus(ctx context.Context, userID string, statuses []model.DispatchStatus) ([]*model.Dispatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[model.DispatchStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []*model.Dispatch
	for _, d := range s.dispatches {
		c, ok := s.campaigns[d.CampaignID]
		if !ok || c.UserID != userID {
			continue
		}
		if want[d.Status] {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledTime.After(out[j].ScheduledTime) })
	return out, nil
}

func (s *MemoryStore) ListStuckDispatches(ctx context.Context, olderThan time.Time) ([]*model.Dispatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Dispatch
	for _, d := range s.dispatches {
		if d.Status == model.DispatchSending && d.UpdatedAt.Before(olderThan) {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListActiveSenders(ctx context.Context) ([]*model.SenderAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.SenderAccount
	for _, a := range s.senders {
		if a.IsActive {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

// SeedSenders installs the sender pool used by PickActiveSender. Test
// and bootstrap helper only, not part of the Store interface.
func (s *MemoryStore) SeedSenders(accounts ...*model.SenderAccount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.senders = accounts
}

// PickActiveSender round-robins across the active sender pool so a
// single sender account isn't hammered while others sit idle (spec
// supplement: sender account rotation).
func (s *MemoryStore) PickActiveSender(ctx context.Context) (*model.SenderAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var active []*model.SenderAccount
	for _, a := range s.senders {
		if a.IsActive {
			active = append(active, a)
		}
	}
	if len(active) == 0 {
		return nil, ErrNotFound
	}
	a := active[s.nextSender%len(active)]
	s.nextSender++
	cp := *a
	return &cp, nil
}
