package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pesio-ai/be-ad-reservations/internal/database"
	"github.com/pesio-ai/be-ad-reservations/internal/errors"
)

// TalentApprovalRepository manages talent approval requests for human-read
// placements.
type TalentApprovalRepository struct {
	db *database.DB
}

// NewTalentApprovalRepository creates a new TalentApprovalRepository.
func NewTalentApprovalRepository(db *database.DB) *TalentApprovalRepository {
	return &TalentApprovalRepository{db: db}
}

// CreateTalentRequest inserts a request.
func (r *TalentApprovalRepository) CreateTalentRequest(ctx context.Context, req *TalentApprovalRequest) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	query := `
		INSERT INTO talent_approval_requests
		    (id, campaign_id, show_id, placement_type, status,
		     requested_by, decided_by, decided_at, notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8, $9, $10, $10)
	`

	_, err := r.db.Exec(ctx, query,
		req.ID,
		req.CampaignID,
		req.ShowID,
		string(req.PlacementType),
		string(req.Status),
		req.RequestedBy,
		req.DecidedBy,
		req.DecidedAt,
		req.Notes,
		req.CreatedAt,
	)
	if database.IsUniqueViolation(err) {
		return errors.New(errors.ErrCodeConflict, "talent approval already pending for show "+req.ShowID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create talent approval request")
	}
	req.UpdatedAt = req.CreatedAt
	return nil
}

// GetTalentRequest retrieves a request by id.
func (r *TalentApprovalRepository) GetTalentRequest(ctx context.Context, id string) (*TalentApprovalRequest, error) {
	query := `
		SELECT id, campaign_id, show_id, placement_type, status,
		       requested_by, decided_by, decided_at, notes, created_at, updated_at
		FROM talent_approval_requests
		WHERE id = $1
	`

	req, err := scanTalentRequest(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("talent_approval_request", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get talent approval request")
	}
	return req, nil
}

// ListTalentRequests returns every request of a campaign, oldest first.
func (r *TalentApprovalRepository) ListTalentRequests(ctx context.Context, campaignID string) ([]*TalentApprovalRequest, error) {
	query := `
		SELECT id, campaign_id, show_id, placement_type, status,
		       requested_by, decided_by, decided_at, notes, created_at, updated_at
		FROM talent_approval_requests
		WHERE campaign_id = $1
		ORDER BY created_at, id
	`
	return r.list(ctx, query, campaignID)
}

// ListStaleTalentRequests returns pending requests created before the cutoff.
func (r *TalentApprovalRepository) ListStaleTalentRequests(ctx context.Context, before time.Time, limit int) ([]*TalentApprovalRequest, error) {
	query := `
		SELECT id, campaign_id, show_id, placement_type, status,
		       requested_by, decided_by, decided_at, notes, created_at, updated_at
		FROM talent_approval_requests
		WHERE status = 'PENDING' AND created_at < $1
		ORDER BY created_at, id
		LIMIT $2
	`
	return r.list(ctx, query, before, limit)
}

// TransitionTalentRequest moves a request between statuses when the stored
// status still equals from.
func (r *TalentApprovalRepository) TransitionTalentRequest(ctx context.Context, id string, from, to TalentApprovalStatus, decidedBy string, notes *string, at time.Time) (bool, error) {
	query := `
		UPDATE talent_approval_requests
		SET status     = $3,
		    decided_by = $4,
		    decided_at = $5,
		    notes      = COALESCE($6, notes),
		    updated_at = $5
		WHERE id = $1 AND status = $2
	`

	tag, err := r.db.Exec(ctx, query, id, string(from), string(to), decidedBy, at, notes)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to update talent approval request")
	}
	return tag.RowsAffected() == 1, nil
}

func (r *TalentApprovalRepository) list(ctx context.Context, query string, args ...any) ([]*TalentApprovalRequest, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list talent approval requests")
	}
	defer rows.Close()

	var out []*TalentApprovalRequest
	for rows.Next() {
		req, err := scanTalentRequest(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan talent approval request")
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func scanTalentRequest(row rowScanner) (*TalentApprovalRequest, error) {
	req := &TalentApprovalRequest{}
	var placement, status string
	err := row.Scan(
		&req.ID,
		&req.CampaignID,
		&req.ShowID,
		&placement,
		&status,
		&req.RequestedBy,
		&req.DecidedBy,
		&req.DecidedAt,
		&req.Notes,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	req.PlacementType = PlacementType(placement)
	req.Status = TalentApprovalStatus(status)
	return req, nil
}
