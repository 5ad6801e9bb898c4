package repository

import (
	"context"
	"time"
)

// Counters persists inventory slot counters. Only the ledger calls the
// mutating methods.
type Counters interface {
	// GetCounter returns errors.NotFound when the counter does not exist yet.
	GetCounter(ctx context.Context, key SlotKey) (*InventorySlotCounter, error)
	// InsertCounter creates the counter unless it exists; it reports whether a row was inserted.
	InsertCounter(ctx context.Context, c *InventorySlotCounter) (bool, error)
	// SwapCounter writes c when the stored version still equals c.Version and
	// bumps c.Version on success. It reports false when the version moved.
	SwapCounter(ctx context.Context, c *InventorySlotCounter) (bool, error)
	ListCounters(ctx context.Context, episodeID string) ([]*InventorySlotCounter, error)
}

// Reservations persists reservations and their items.
type Reservations interface {
	CreateReservation(ctx context.Context, r *Reservation) error
	GetReservation(ctx context.Context, id string) (*Reservation, error)
	ListReservationsByCampaign(ctx context.Context, campaignID string) ([]*Reservation, error)
	// ListExpiredHeld returns held reservations whose expires_at is before now
	// in (expires_at, id) order, starting strictly after the cursor when one is given.
	ListExpiredHeld(ctx context.Context, now time.Time, after *ExpiredHold, limit int) ([]ExpiredHold, error)
	// TransitionReservation moves the reservation from one status to another
	// and reports false when the stored status was not from.
	TransitionReservation(ctx context.Context, id string, from, to ReservationStatus, reason *string, at time.Time) (bool, error)
	TransitionReservationItem(ctx context.Context, itemID string, from, to ReservationItemStatus, at time.Time) (bool, error)
}

// Campaigns persists the engine view of campaigns and their schedules.
type Campaigns interface {
	CreateCampaign(ctx context.Context, c *Campaign) error
	GetCampaign(ctx context.Context, id string) (*Campaign, error)
	// UpdateCampaignState writes stage, reservation id and approval request id
	// when the stored stage equals expected.
	UpdateCampaignState(ctx context.Context, c *Campaign, expected ProbabilityStage) (bool, error)
	ReplaceSchedule(ctx context.Context, campaignID string, items []*ScheduleItem) error
	ListSchedule(ctx context.Context, campaignID string) ([]*ScheduleItem, error)
}

// CampaignApprovals persists admin rate-card approvals.
type CampaignApprovals interface {
	// CreateApproval fails with errors.ErrCodeConflict when the campaign already
	// has a pending approval.
	CreateApproval(ctx context.Context, a *CampaignApproval) error
	GetApproval(ctx context.Context, id string) (*CampaignApproval, error)
	// GetPendingApproval returns nil when the campaign has no pending approval.
	GetPendingApproval(ctx context.Context, campaignID string) (*CampaignApproval, error)
	// DecideApproval moves a pending approval to status and reports false when
	// it was no longer pending.
	DecideApproval(ctx context.Context, id string, status ApprovalStatus, decidedBy string, reason *string, at time.Time) (bool, error)
}

// TalentApprovals persists talent approval requests.
type TalentApprovals interface {
	// CreateTalentRequest fails with errors.ErrCodeConflict when a pending
	// request already exists for the same campaign, show and placement.
	CreateTalentRequest(ctx context.Context, r *TalentApprovalRequest) error
	GetTalentRequest(ctx context.Context, id string) (*TalentApprovalRequest, error)
	ListTalentRequests(ctx context.Context, campaignID string) ([]*TalentApprovalRequest, error)
	TransitionTalentRequest(ctx context.Context, id string, from, to TalentApprovalStatus, decidedBy string, notes *string, at time.Time) (bool, error)
	// ListStaleTalentRequests returns pending requests created before the cutoff.
	ListStaleTalentRequests(ctx context.Context, before time.Time, limit int) ([]*TalentApprovalRequest, error)
}

// Restrictions persists competitive-exclusivity records.
type Restrictions interface {
	CreateRestriction(ctx context.Context, r *Restriction) error
	// ListRestrictions returns records anchored to the show, to the episode, or
	// declared at network level.
	ListRestrictions(ctx context.Context, showID, episodeID string) ([]*Restriction, error)
}

// History appends and reads the status audit log. There is no update or delete.
type History interface {
	AppendHistory(ctx context.Context, h *StatusHistory) error
	ListHistory(ctx context.Context, entity HistoryEntity, entityID string) ([]*StatusHistory, error)
}

// Store is the transactional persistence boundary of the engine. WithTx runs
// fn in one transaction carried on the context; nested calls join it.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	// Retryable reports driver errors that a fresh transaction may not hit,
	// such as serialization failures, deadlocks or a busy database.
	Retryable(err error) bool

	Counters
	Reservations
	Campaigns
	CampaignApprovals
	TalentApprovals
	Restrictions
	History
}
