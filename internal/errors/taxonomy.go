package errors

import (
	"fmt"
	"strings"
)

// InsufficientInventoryError reports a reserve request that exceeds the
// available capacity of one counter.
type InsufficientInventoryError struct {
	EpisodeID     string
	PlacementType string
	Requested     int
	Available     int
}

func (e *InsufficientInventoryError) Error() string {
	return fmt.Sprintf("insufficient inventory for episode %s (%s): requested %d, available %d",
		e.EpisodeID, e.PlacementType, e.Requested, e.Available)
}

func (e *InsufficientInventoryError) ErrorCode() Code { return ErrCodeInsufficientInventory }

func (e *InsufficientInventoryError) Details() map[string]any {
	return map[string]any{
		"episode_id":     e.EpisodeID,
		"placement_type": e.PlacementType,
		"requested":      e.Requested,
		"available":      e.Available,
	}
}

// ConflictDetectedError reports the competitive-exclusivity rule violated by
// a candidate item.
type ConflictDetectedError struct {
	RuleID        string
	Kind          string
	Level         string
	Category      string
	AdvertiserID  string
	ShowID        string
	EpisodeID     string
	PlacementType string
	Reason        string
}

func (e *ConflictDetectedError) Error() string {
	subject := e.Category
	if subject == "" {
		subject = e.AdvertiserID
	}
	return fmt.Sprintf("placement %s on episode %s conflicts with %s rule %s (%s level, %s)",
		e.PlacementType, e.EpisodeID, e.Kind, e.RuleID, e.Level, subject)
}

func (e *ConflictDetectedError) ErrorCode() Code { return ErrCodeConflictDetected }

func (e *ConflictDetectedError) Details() map[string]any {
	d := map[string]any{
		"rule_id":        e.RuleID,
		"kind":           e.Kind,
		"level":          e.Level,
		"show_id":        e.ShowID,
		"episode_id":     e.EpisodeID,
		"placement_type": e.PlacementType,
	}
	if e.Category != "" {
		d["category"] = e.Category
	}
	if e.AdvertiserID != "" {
		d["advertiser_id"] = e.AdvertiserID
	}
	if e.Reason != "" {
		d["reason"] = e.Reason
	}
	return d
}

// InvalidStateTransitionError reports a transition that is not valid from the
// entity's current stage or status. It is a usage error and never retried.
type InvalidStateTransitionError struct {
	Entity   string
	EntityID string
	From     string
	To       string
	Reason   string
	Blockers []string
}

func (e *InvalidStateTransitionError) Error() string {
	msg := fmt.Sprintf("%s %s cannot move from %s to %s", e.Entity, e.EntityID, e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if len(e.Blockers) > 0 {
		msg += " (" + strings.Join(e.Blockers, ", ") + ")"
	}
	return msg
}

func (e *InvalidStateTransitionError) ErrorCode() Code { return ErrCodeInvalidStateTransition }

func (e *InvalidStateTransitionError) Details() map[string]any {
	d := map[string]any{
		"entity":    e.Entity,
		"entity_id": e.EntityID,
		"from":      e.From,
		"to":        e.To,
	}
	if e.Reason != "" {
		d["reason"] = e.Reason
	}
	if len(e.Blockers) > 0 {
		d["blockers"] = e.Blockers
	}
	return d
}

// ApprovalAlreadyDecidedError is returned when a decision targets an approval
// that is no longer pending.
type ApprovalAlreadyDecidedError struct {
	ApprovalID string
	Kind       string
	Status     string
}

func (e *ApprovalAlreadyDecidedError) Error() string {
	return fmt.Sprintf("%s %s already decided (status: %s)", e.Kind, e.ApprovalID, e.Status)
}

func (e *ApprovalAlreadyDecidedError) ErrorCode() Code { return ErrCodeApprovalAlreadyDecided }

func (e *ApprovalAlreadyDecidedError) Details() map[string]any {
	return map[string]any{
		"approval_id": e.ApprovalID,
		"kind":        e.Kind,
		"status":      e.Status,
	}
}

// ConcurrentModificationError is returned when optimistic retries on ledger
// rows are exhausted. The whole operation should be retried by the caller.
type ConcurrentModificationError struct {
	Resource string
	Attempts int
	Cause    error
}

func (e *ConcurrentModificationError) Error() string {
	return fmt.Sprintf("concurrent modification of %s after %d attempts", e.Resource, e.Attempts)
}

func (e *ConcurrentModificationError) Unwrap() error { return e.Cause }

func (e *ConcurrentModificationError) ErrorCode() Code { return ErrCodeConcurrentModification }

func (e *ConcurrentModificationError) Details() map[string]any {
	return map[string]any{
		"resource": e.Resource,
		"attempts": e.Attempts,
	}
}
