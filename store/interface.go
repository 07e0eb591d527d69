// Package store persists campaigns, dispatches and sender accounts in
// the relational store (Postgres in production). This is the
// "Relational Store" collaborator of spec.md §2 — distinct from the
// Redis-backed KV used by the rate limiter and task queue.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/reachinbox/scheduler/model"
)

// ErrDuplicateDispatch is returned when a (campaign_id, recipient_email)
// pair already exists. Ingest treats this as an expected, tolerated
// outcome (spec.md §7 DuplicateDispatch), never as a hard failure.
var ErrDuplicateDispatch = errors.New("store: dispatch already exists for campaign and recipient")

// ErrNotFound is returned when a lookup by id finds no row.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence contract the ingress scheduler and the
// delivery worker depend on.
type Store interface {
	// Campaigns
	CreateCampaign(ctx context.Context, c *model.Campaign) error
	UpdateCampaignStatus(ctx context.Context, campaignID string, status model.CampaignStatus) error
	GetCampaign(ctx context.Context, campaignID string) (*model.Campaign, error)
	ListCampaignsByUser(ctx context.Context, userID string) ([]*model.Campaign, error)

	// Dispatches
	// CreateDispatch inserts a dispatch row. It returns
	// ErrDuplicateDispatch (not a generic error) when the
	// (campaign_id, recipient_email) uniqueness invariant is violated,
	// so the ingress scheduler can record the recipient as skipped and
	// continue the batch rather than aborting it.
	CreateDispatch(ctx context.Context, d *model.Dispatch) error
	GetDispatch(ctx context.Context, dispatchID string) (*model.Dispatch, error)
	// UpdateDispatch persists the full row; the worker is the only
	// writer of a dispatch it holds a reserved task for, so a plain
	// overwrite (no optimistic locking) matches the ownership model
	// in spec.md §5.
	UpdateDispatch(ctx context.Context, d *model.Dispatch) error
	ListDispatchesByCampaign(ctx context.Context, campaignID string) ([]*model.Dispatch, error)
	ListDispatchesByUserAndStatus(ctx context.Context, userID string, statuses []model.DispatchStatus) ([]*model.Dispatch, error)
	// ListStuckDispatches returns dispatches in SENDING whose UpdatedAt
	// is older than olderThan — candidates for the stuck-dispatch sweep.
	ListStuckDispatches(ctx context.Context, olderThan time.Time) ([]*model.Dispatch, error)

	// Sender accounts
	ListActiveSenders(ctx context.Context) ([]*model.SenderAccount, error)
	// PickActiveSender returns one active sender account, rotating
	// across the pool so a single account isn't hammered while others
	// sit idle. Returns ErrNotFound when no sender account is active.
	PickActiveSender(ctx context.Context) (*model.SenderAccount, error)

	// Ping is a trivial liveness probe for the status reporter.
	Ping(ctx context.Context) error
}
