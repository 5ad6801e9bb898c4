package service

import (
	"context"
	"time"
)

// OrderGenerator turns a confirmed reservation into a durable, billable order.
// Implementations must be idempotent per reservation id: a retried transaction
// may call it again with the same id.
type OrderGenerator interface {
	CreateOrderFromReservation(ctx context.Context, reservationID string) (orderID string, err error)
}

// Notifier delivers best-effort notifications. Errors are logged by the caller
// and never roll back engine state.
type Notifier interface {
	Notify(ctx context.Context, recipientRole, event string, payload map[string]interface{}) error
}

// SweepLease lets one replica run a sweep cycle at a time. Correctness never
// depends on it; the reservation status precondition is the real guard.
type SweepLease interface {
	TryAcquire(ctx context.Context, ttl time.Duration) (release func(context.Context), acquired bool, err error)
}

// Recipient roles used in notifications.
const (
	RoleSales  = "sales"
	RoleAdmin  = "admin"
	RoleTalent = "talent"
)

// Notification events.
const (
	EventTalentApprovalRequested = "talent_approval_requested"
	EventTalentApprovalDecided   = "talent_approval_decided"
	EventAdminApprovalRequested  = "admin_approval_requested"
	EventAdminApprovalDecided    = "admin_approval_decided"
	EventCampaignBooked          = "campaign_booked"
	EventReservationExpired      = "reservation_expired"
	EventReservationCancelled    = "reservation_cancelled"
)
