// Package model holds the domain types shared by the ingress scheduler,
// the delivery worker pool and the store/queue backends.
package model

import "time"

// CampaignStatus is the lifecycle state of a Campaign.
type CampaignStatus string

const (
	CampaignScheduled  CampaignStatus = "SCHEDULED"
	CampaignInProgress CampaignStatus = "IN_PROGRESS"
	CampaignCompleted  CampaignStatus = "COMPLETED"
	CampaignPaused     CampaignStatus = "PAUSED"
	CampaignCancelled  CampaignStatus = "CANCELLED"
)

// Campaign is one subject/body aimed at N recipients with a start time
// and per-email spacing.
type Campaign struct {
	ID             string         `json:"id" db:"id"`
	UserID         string         `json:"user_id" db:"user_id"`
	Subject        string         `json:"subject" db:"subject"`
	Body           string         `json:"body" db:"body"`
	StartTime      time.Time      `json:"start_time" db:"start_time"`
	DelayBetweenMs int64          `json:"delay_between_ms" db:"delay_between_ms"`
	HourlyLimit    int            `json:"hourly_limit" db:"hourly_limit"`
	Status         CampaignStatus `json:"status" db:"status"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at" db:"updated_at"`
}

// DispatchStatus is the tagged state of a Dispatch. Modeled as a sum
// type (not a free-form string) so illegal transitions are caught by
// the worker's state machine rather than by string comparison bugs.
type DispatchStatus string

const (
	DispatchPending     DispatchStatus = "PENDING"
	DispatchScheduled   DispatchStatus = "SCHEDULED"
	DispatchSending     DispatchStatus = "SENDING"
	DispatchSent        DispatchStatus = "SENT"
	DispatchFailed      DispatchStatus = "FAILED"
	DispatchRateLimited DispatchStatus = "RATE_LIMITED"
)

// Dispatch is the record of one email to one recipient within one
// campaign — the unit of state. (campaign_id, recipient_email) is
// unique; the store enforces this.
type Dispatch struct {
	ID             string         `json:"id" db:"id"`
	CampaignID     string         `json:"campaign_id" db:"campaign_id"`
	RecipientEmail string         `json:"recipient_email" db:"recipient_email"`
	Subject        string         `json:"subject" db:"subject"` // denormalized snapshot
	Body           string         `json:"body" db:"body"`       // denormalized snapshot
	ScheduledTime  time.Time      `json:"scheduled_time" db:"scheduled_time"`
	SentTime       *time.Time     `json:"sent_time,omitempty" db:"sent_time"`
	Status         DispatchStatus `json:"status" db:"status"`
	ErrorMessage   string         `json:"error_message,omitempty" db:"error_message"`
	SenderEmail    string         `json:"sender_email,omitempty" db:"sender_email"` // holds the transport messageId once sent
	SenderID       string         `json:"sender_id,omitempty" db:"sender_id"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at" db:"updated_at"`
}

// CanTransitionTo reports whether the dispatch may move from its
// current status to next. RATE_LIMITED is a loop state: it returns to
// SCHEDULED rather than terminating. SENDING may also return to
// SCHEDULED (see below).
func (s DispatchStatus) CanTransitionTo(next DispatchStatus) bool {
	switch s {
	case DispatchPending:
		return next == DispatchScheduled
	case DispatchScheduled:
		return next == DispatchSending
	case DispatchSending:
		switch next {
		case DispatchSent, DispatchFailed, DispatchRateLimited, DispatchScheduled:
			// DispatchScheduled covers a transient TransportError with
			// retry attempts remaining: the dispatch loops back without
			// ever recording a terminal FAILED row for that attempt.
			return true
		}
		return false
	case DispatchRateLimited:
		return next == DispatchScheduled
	case DispatchSent, DispatchFailed:
		return false // terminal for the current run
	}
	return false
}

// SenderAccount is one SMTP identity the worker may send through.
type SenderAccount struct {
	ID       string `json:"id" db:"id"`
	Email    string `json:"email" db:"email"`
	Password string `json:"-" db:"password"`
	SMTPHost string `json:"smtp_host" db:"smtp_host"`
	SMTPPort int    `json:"smtp_port" db:"smtp_port"`
	IsActive bool   `json:"is_active" db:"is_active"`
}

// Task is the queue-side representation of one pending dispatch.
type Task struct {
	DispatchID    string    `json:"dispatch_id"`
	CampaignID    string    `json:"campaign_id"`
	RecipientEmail string   `json:"recipient_email"`
	Subject       string    `json:"subject"`
	Body          string    `json:"body"`
	ScheduledAt   time.Time `json:"scheduled_at"` // originally-scheduled instant
	SenderID      string    `json:"sender_id,omitempty"`
	Attempt       int       `json:"attempt"`
	// HourlyLimit is the campaign's per-sender ceiling override, copied
	// from Campaign.HourlyLimit at enqueue time. Zero means "use the
	// process-wide configured default".
	HourlyLimit int `json:"hourly_limit,omitempty"`
}

// TaskID derives the deterministic queue key for a dispatch. Enqueue
// is idempotent on this key: re-enqueuing the same dispatch is a
// no-op (invariant I4).
func TaskID(dispatchID string) string {
	return "emailTask-" + dispatchID
}
