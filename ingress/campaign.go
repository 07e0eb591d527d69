// Package ingress implements the Scheduler (ingress) collaborator:
// validating a campaign request, writing the campaign and one
// dispatch row per recipient, and enqueuing one delayed task per
// dispatch.
package ingress

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/reachinbox/scheduler/model"
	"github.com/reachinbox/scheduler/observability"
	"github.com/reachinbox/scheduler/queue"
	"github.com/reachinbox/scheduler/store"
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// maxClockSkew is how far in the past startTime may be before it is
// rejected (spec.md §4.3 step 1).
const maxClockSkew = 60 * time.Second

// ValidationError carries per-field problems for the 400 response
// envelope (spec.md §6/§7). It is never retried.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("ingress: validation failed: %v", e.Fields)
}

func newValidationError(fields map[string]string) *ValidationError {
	return &ValidationError{Fields: fields}
}

// ErrNoNewDispatches is returned when every recipient already has a
// dispatch row in this campaign — the "all recipients duplicates"
// error condition from spec.md §4.3.
var ErrNoNewDispatches = errors.New("ingress: no new dispatches (all recipients already dispatched)")

// CreateCampaignRequest is the decoded POST /api/campaigns body.
type CreateCampaignRequest struct {
	UserID          string   `json:"userId"`
	Subject         string   `json:"subject"`
	Body            string   `json:"body"`
	RecipientEmails []string `json:"recipientEmails"`
	StartTime       time.Time `json:"startTime"`
	DelayBetweenMs  *int64   `json:"delayBetweenMs,omitempty"`
	HourlyLimit     *int     `json:"hourlyLimit,omitempty"`
}

// CreateCampaignResult is the 201 response body.
type CreateCampaignResult struct {
	Campaign      *model.Campaign `json:"campaign"`
	DispatchCount int             `json:"dispatchCount"`
	TotalEmails   int             `json:"totalEmails"`
	Failed        int             `json:"failed"`
}

// Defaults bundles the process-wide configuration createCampaign
// falls back to when the request omits an override.
type Defaults struct {
	MinDelayMs         int64
	PerSenderHourlyCap int
}

// Scheduler is the ingress collaborator: validate, persist, enqueue.
type Scheduler struct {
	store    store.Store
	queue    queue.Queue
	defaults Defaults
}

func NewScheduler(st store.Store, q queue.Queue, defaults Defaults) *Scheduler {
	return &Scheduler{store: st, queue: q, defaults: defaults}
}

// CreateCampaign implements spec.md §4.3 steps 1-9.
func (s *Scheduler) CreateCampaign(ctx context.Context, req CreateCampaignRequest) (*CreateCampaignResult, error) {
	recipients, verr := s.validate(req)
	if verr != nil {
		return nil, verr
	}

	delayBetweenMs := s.defaults.MinDelayMs
	if req.DelayBetweenMs != nil {
		delayBetweenMs = *req.DelayBetweenMs
	}
	hourlyLimit := s.defaults.PerSenderHourlyCap
	if req.HourlyLimit != nil {
		hourlyLimit = *req.HourlyLimit
	}

	campaign := &model.Campaign{
		ID:             uuid.NewString(),
		UserID:         req.UserID,
		Subject:        req.Subject,
		Body:           req.Body,
		StartTime:      req.StartTime,
		DelayBetweenMs: delayBetweenMs,
		HourlyLimit:    hourlyLimit,
		Status:         model.CampaignScheduled,
	}
	if err := s.store.CreateCampaign(ctx, campaign); err != nil {
		return nil, fmt.Errorf("ingress: creating campaign: %w", err)
	}

	now := time.Now()
	baseDelay := campaign.StartTime.Sub(now)
	if baseDelay < 0 {
		baseDelay = 0
	}

	created, failed := 0, 0
	for i, recipient := range recipients {
		delay := baseDelay + time.Duration(int64(i)*delayBetweenMs)*time.Millisecond
		scheduledAt := now.Add(delay)

		dispatch := &model.Dispatch{
			ID:             uuid.NewString(),
			CampaignID:     campaign.ID,
			RecipientEmail: recipient,
			Subject:        campaign.Subject,
			Body:           campaign.Body,
			ScheduledTime:  scheduledAt,
			Status:         model.DispatchScheduled,
		}

		if err := s.store.CreateDispatch(ctx, dispatch); err != nil {
			if errors.Is(err, store.ErrDuplicateDispatch) {
				failed++
				observability.DispatchesSkipped.Inc()
				continue
			}
			// Any other store failure mid-batch is left as-is per
			// spec.md §4.3: rows already inserted remain, the campaign
			// stays IN_PROGRESS, and the caller sees a partial success.
			failed++
			continue
		}

		task := &model.Task{
			DispatchID:     dispatch.ID,
			CampaignID:     campaign.ID,
			RecipientEmail: recipient,
			Subject:        campaign.Subject,
			Body:           campaign.Body,
			ScheduledAt:    scheduledAt,
			HourlyLimit:    hourlyLimit,
		}
		if _, err := s.queue.Enqueue(ctx, task); err != nil {
			failed++
			continue
		}
		created++
	}

	if created == 0 {
		return nil, ErrNoNewDispatches
	}

	if err := s.store.UpdateCampaignStatus(ctx, campaign.ID, model.CampaignInProgress); err != nil {
		return nil, fmt.Errorf("ingress: transitioning campaign to IN_PROGRESS: %w", err)
	}
	campaign.Status = model.CampaignInProgress
	observability.CampaignsCreated.Inc()

	return &CreateCampaignResult{
		Campaign:      campaign,
		DispatchCount: created,
		TotalEmails:   len(recipients),
		Failed:        failed,
	}, nil
}

// validate applies spec.md §4.3 step 1 and returns the deduplicated,
// first-seen-order recipient list (step 2).
func (s *Scheduler) validate(req CreateCampaignRequest) ([]string, *ValidationError) {
	fields := map[string]string{}

	if _, err := uuid.Parse(req.UserID); err != nil {
		fields["userId"] = "must be a UUID"
	}
	if strings.TrimSpace(req.Subject) == "" {
		fields["subject"] = "must not be empty"
	} else if len(req.Subject) > 500 {
		fields["subject"] = "must be at most 500 characters"
	}
	if strings.TrimSpace(req.Body) == "" {
		fields["body"] = "must not be empty"
	}

	seen := make(map[string]bool, len(req.RecipientEmails))
	var recipients []string
	for _, raw := range req.RecipientEmails {
		email := strings.TrimSpace(raw)
		if !emailPattern.MatchString(email) {
			fields["recipientEmails"] = fmt.Sprintf("invalid recipient address: %q", raw)
			continue
		}
		if seen[email] {
			continue
		}
		seen[email] = true
		recipients = append(recipients, email)
	}
	if len(recipients) == 0 && fields["recipientEmails"] == "" {
		fields["recipientEmails"] = "at least one recipient is required"
	}

	if req.StartTime.Before(time.Now().Add(-maxClockSkew)) {
		fields["startTime"] = "must not be more than 60s in the past"
	}

	if len(fields) > 0 {
		return nil, newValidationError(fields)
	}
	return recipients, nil
}
