package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pesio-ai/be-ad-reservations/internal/errors"
	"github.com/pesio-ai/be-ad-reservations/internal/repository"
	"github.com/shopspring/decimal"
)

const approvalColumns = `id, campaign_id, reservation_id, status, rate_deviation_pct,
	requested_by, decided_by, decided_at, reason, created_at`

// CreateApproval inserts a campaign approval.
func (s *Store) CreateApproval(ctx context.Context, a *repository.CampaignApproval) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	_, err := s.q(ctx).ExecContext(ctx, `
INSERT INTO campaign_approvals (`+approvalColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		a.ID,
		a.CampaignID,
		a.ReservationID,
		string(a.Status),
		a.RateDeviationPct.String(),
		a.RequestedBy,
		nullString(a.DecidedBy),
		nullMillis(a.DecidedAt),
		nullString(a.Reason),
		toMillis(a.CreatedAt),
	)
	if isUniqueViolation(err) {
		return errors.New(errors.ErrCodeConflict, "campaign already has a pending approval: "+a.CampaignID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create campaign approval")
	}
	return nil
}

// GetApproval retrieves an approval by id.
func (s *Store) GetApproval(ctx context.Context, id string) (*repository.CampaignApproval, error) {
	a, err := scanApproval(s.q(ctx).QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM campaign_approvals WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("campaign_approval", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get campaign approval")
	}
	return a, nil
}

// GetPendingApproval returns the pending approval of a campaign, or nil.
func (s *Store) GetPendingApproval(ctx context.Context, campaignID string) (*repository.CampaignApproval, error) {
	a, err := scanApproval(s.q(ctx).QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM campaign_approvals WHERE campaign_id = ? AND status = 'pending'`, campaignID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get pending approval")
	}
	return a, nil
}

// DecideApproval records a decision on a pending approval.
func (s *Store) DecideApproval(ctx context.Context, id string, status repository.ApprovalStatus, decidedBy string, reason *string, at time.Time) (bool, error) {
	res, err := s.q(ctx).ExecContext(ctx, `
UPDATE campaign_approvals
SET status = ?, decided_by = ?, decided_at = ?, reason = ?
WHERE id = ? AND status = 'pending'
`, string(status), decidedBy, toMillis(at), nullString(reason), id)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to decide campaign approval")
	}
	return affectedOne(res)
}

func scanApproval(row rowScanner) (*repository.CampaignApproval, error) {
	a := &repository.CampaignApproval{}
	var status, deviation string
	var decidedBy, reason sql.NullString
	var decidedAt sql.NullInt64
	var createdAt int64
	if err := row.Scan(
		&a.ID,
		&a.CampaignID,
		&a.ReservationID,
		&status,
		&deviation,
		&a.RequestedBy,
		&decidedBy,
		&decidedAt,
		&reason,
		&createdAt,
	); err != nil {
		return nil, err
	}
	dev, err := decimal.NewFromString(deviation)
	if err != nil {
		return nil, err
	}
	a.Status = repository.ApprovalStatus(status)
	a.RateDeviationPct = dev
	a.DecidedBy = stringPtr(decidedBy)
	a.DecidedAt = timePtr(decidedAt)
	a.Reason = stringPtr(reason)
	a.CreatedAt = fromMillis(createdAt)
	return a, nil
}

const talentColumns = `id, campaign_id, show_id, placement_type, status,
	requested_by, decided_by, decided_at, notes, created_at, updated_at`

// CreateTalentRequest inserts a talent approval request.
func (s *Store) CreateTalentRequest(ctx context.Context, r *repository.TalentApprovalRequest) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.UpdatedAt = r.CreatedAt
	_, err := s.q(ctx).ExecContext(ctx, `
INSERT INTO talent_approval_requests (`+talentColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		r.ID,
		r.CampaignID,
		r.ShowID,
		string(r.PlacementType),
		string(r.Status),
		r.RequestedBy,
		nullString(r.DecidedBy),
		nullMillis(r.DecidedAt),
		nullString(r.Notes),
		toMillis(r.CreatedAt),
		toMillis(r.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return errors.New(errors.ErrCodeConflict, "talent approval already pending for show "+r.ShowID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create talent approval request")
	}
	return nil
}

// GetTalentRequest retrieves a request by id.
func (s *Store) GetTalentRequest(ctx context.Context, id string) (*repository.TalentApprovalRequest, error) {
	r, err := scanTalentRequest(s.q(ctx).QueryRowContext(ctx,
		`SELECT `+talentColumns+` FROM talent_approval_requests WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("talent_approval_request", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get talent approval request")
	}
	return r, nil
}

// ListTalentRequests returns every request of a campaign, oldest first.
func (s *Store) ListTalentRequests(ctx context.Context, campaignID string) ([]*repository.TalentApprovalRequest, error) {
	return s.listTalent(ctx, `
SELECT `+talentColumns+` FROM talent_approval_requests
WHERE campaign_id = ?
ORDER BY created_at, id
`, campaignID)
}

// ListStaleTalentRequests returns pending requests created before the cutoff.
func (s *Store) ListStaleTalentRequests(ctx context.Context, before time.Time, limit int) ([]*repository.TalentApprovalRequest, error) {
	return s.listTalent(ctx, `
SELECT `+talentColumns+` FROM talent_approval_requests
WHERE status = 'PENDING' AND created_at < ?
ORDER BY created_at, id
LIMIT ?
`, toMillis(before), limit)
}

// TransitionTalentRequest moves a request between statuses when the stored
// status still equals from.
func (s *Store) TransitionTalentRequest(ctx context.Context, id string, from, to repository.TalentApprovalStatus, decidedBy string, notes *string, at time.Time) (bool, error) {
	ms := toMillis(at)
	res, err := s.q(ctx).ExecContext(ctx, `
UPDATE talent_approval_requests
SET status = ?, decided_by = ?, decided_at = ?, notes = COALESCE(?, notes), updated_at = ?
WHERE id = ? AND status = ?
`, string(to), decidedBy, ms, nullString(notes), ms, id, string(from))
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to update talent approval request")
	}
	return affectedOne(res)
}

func (s *Store) listTalent(ctx context.Context, query string, args ...any) ([]*repository.TalentApprovalRequest, error) {
	rows, err := s.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list talent approval requests")
	}
	defer rows.Close()

	var out []*repository.TalentApprovalRequest
	for rows.Next() {
		r, err := scanTalentRequest(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan talent approval request")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanTalentRequest(row rowScanner) (*repository.TalentApprovalRequest, error) {
	r := &repository.TalentApprovalRequest{}
	var placement, status string
	var decidedBy, notes sql.NullString
	var decidedAt sql.NullInt64
	var createdAt, updatedAt int64
	if err := row.Scan(
		&r.ID,
		&r.CampaignID,
		&r.ShowID,
		&placement,
		&status,
		&r.RequestedBy,
		&decidedBy,
		&decidedAt,
		&notes,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	r.PlacementType = repository.PlacementType(placement)
	r.Status = repository.TalentApprovalStatus(status)
	r.DecidedBy = stringPtr(decidedBy)
	r.DecidedAt = timePtr(decidedAt)
	r.Notes = stringPtr(notes)
	r.CreatedAt = fromMillis(createdAt)
	r.UpdatedAt = fromMillis(updatedAt)
	return r, nil
}
