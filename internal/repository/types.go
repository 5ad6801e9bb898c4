package repository

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ── Enumerations ─────────────────────────────────────────────────────────────

// PlacementType is the kind of ad slot sold on an episode.
type PlacementType string

const (
	PlacementPreRoll  PlacementType = "pre-roll"
	PlacementMidRoll  PlacementType = "mid-roll"
	PlacementPostRoll PlacementType = "post-roll"
	PlacementHostRead PlacementType = "host-read"
	PlacementEndorsed PlacementType = "endorsed"
)

// PlacementTypes lists every known placement type.
var PlacementTypes = []PlacementType{
	PlacementPreRoll, PlacementMidRoll, PlacementPostRoll, PlacementHostRead, PlacementEndorsed,
}

func (p PlacementType) Valid() bool {
	for _, known := range PlacementTypes {
		if p == known {
			return true
		}
	}
	return false
}

// RequiresHumanRead reports whether talent has to voice or endorse the spot.
func (p PlacementType) RequiresHumanRead() bool {
	return p == PlacementHostRead || p == PlacementEndorsed
}

// ParsePlacementType accepts the canonical form plus underscore spellings.
func ParsePlacementType(s string) (PlacementType, error) {
	p := PlacementType(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-"))
	if !p.Valid() {
		return "", fmt.Errorf("unknown placement type %q", s)
	}
	return p, nil
}

// ReservationStatus is the lifecycle state of a reservation.
type ReservationStatus string

const (
	ReservationHeld      ReservationStatus = "held"
	ReservationConfirmed ReservationStatus = "confirmed"
	ReservationExpired   ReservationStatus = "expired"
	ReservationCancelled ReservationStatus = "cancelled"
	ReservationFailed    ReservationStatus = "failed"
)

func (s ReservationStatus) Valid() bool {
	switch s {
	case ReservationHeld, ReservationConfirmed, ReservationExpired, ReservationCancelled, ReservationFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s ReservationStatus) Terminal() bool {
	return s != ReservationHeld
}

// ReservationItemStatus is the state of one reserved line.
type ReservationItemStatus string

const (
	ItemHeld      ReservationItemStatus = "held"
	ItemConfirmed ReservationItemStatus = "confirmed"
	ItemReleased  ReservationItemStatus = "released"
	ItemBlocked   ReservationItemStatus = "blocked"
)

func (s ReservationItemStatus) Valid() bool {
	switch s {
	case ItemHeld, ItemConfirmed, ItemReleased, ItemBlocked:
		return true
	}
	return false
}

// ProbabilityStage is a campaign's sales-pipeline position.
type ProbabilityStage int

const (
	StageActive      ProbabilityStage = 10
	StageProspecting ProbabilityStage = 35
	StageVerbal      ProbabilityStage = 65
	StagePending     ProbabilityStage = 90
	StageBooked      ProbabilityStage = 100
)

func (s ProbabilityStage) Valid() bool {
	switch s {
	case StageActive, StageProspecting, StageVerbal, StagePending, StageBooked:
		return true
	}
	return false
}

func (s ProbabilityStage) String() string {
	return fmt.Sprintf("%d", int(s))
}

// Label returns the human name of the stage.
func (s ProbabilityStage) Label() string {
	switch s {
	case StageActive:
		return "active"
	case StageProspecting:
		return "prospecting"
	case StageVerbal:
		return "verbal agreement"
	case StagePending:
		return "pending approval"
	case StageBooked:
		return "booked"
	}
	return "unknown"
}

// ApprovalStatus is the state of an admin rate-card approval.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// TalentApprovalStatus is the state of a talent/producer approval request.
type TalentApprovalStatus string

const (
	TalentPending  TalentApprovalStatus = "PENDING"
	TalentApproved TalentApprovalStatus = "APPROVED"
	TalentDenied   TalentApprovalStatus = "DENIED"
	TalentExpired  TalentApprovalStatus = "EXPIRED"
)

// RestrictionKind is the competitive rule a restriction record enforces.
type RestrictionKind string

const (
	RestrictionCategoryExclusive RestrictionKind = "category_exclusive"
	RestrictionCategoryBlocked   RestrictionKind = "category_blocked"
	RestrictionAdvertiserBlocked RestrictionKind = "advertiser_blocked"
)

func (k RestrictionKind) Valid() bool {
	switch k {
	case RestrictionCategoryExclusive, RestrictionCategoryBlocked, RestrictionAdvertiserBlocked:
		return true
	}
	return false
}

// ExclusivityLevel is the scope a restriction applies to.
type ExclusivityLevel string

const (
	LevelNone    ExclusivityLevel = "none"
	LevelEpisode ExclusivityLevel = "episode"
	LevelShow    ExclusivityLevel = "show"
	LevelNetwork ExclusivityLevel = "network"
)

// Breadth orders levels: network > show > episode > none.
func (l ExclusivityLevel) Breadth() int {
	switch l {
	case LevelEpisode:
		return 1
	case LevelShow:
		return 2
	case LevelNetwork:
		return 3
	}
	return 0
}

func (l ExclusivityLevel) Valid() bool {
	switch l {
	case LevelNone, LevelEpisode, LevelShow, LevelNetwork:
		return true
	}
	return false
}

// HistoryEntity identifies which kind of record a history entry belongs to.
type HistoryEntity string

const (
	HistoryReservation HistoryEntity = "reservation"
	HistoryCampaign    HistoryEntity = "campaign"
)

// ── Records ──────────────────────────────────────────────────────────────────

// SlotKey identifies one inventory counter.
type SlotKey struct {
	EpisodeID     string        `json:"episode_id"`
	PlacementType PlacementType `json:"placement_type"`
}

func (k SlotKey) String() string {
	return k.EpisodeID + "/" + string(k.PlacementType)
}

// Less orders keys by episode then placement type.
func (k SlotKey) Less(o SlotKey) bool {
	if k.EpisodeID != o.EpisodeID {
		return k.EpisodeID < o.EpisodeID
	}
	return k.PlacementType < o.PlacementType
}

// ExpiredHold is a held reservation past its deadline. It doubles as the
// keyset cursor when paging through expired holds.
type ExpiredHold struct {
	ID        string
	ExpiresAt time.Time
}

// InventorySlotCounter is the ledger row for one (episode, placement type).
// Available + Reserved + Booked always equals SlotsTotal.
type InventorySlotCounter struct {
	EpisodeID     string        `json:"episode_id"`
	PlacementType PlacementType `json:"placement_type"`
	SlotsTotal    int           `json:"slots_total"`
	Available     int           `json:"available"`
	Reserved      int           `json:"reserved"`
	Booked        int           `json:"booked"`
	UnitPrice     int64         `json:"unit_price"` // rate-card price in cents
	Version       int64         `json:"version"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

func (c *InventorySlotCounter) Key() SlotKey {
	return SlotKey{EpisodeID: c.EpisodeID, PlacementType: c.PlacementType}
}

// Balanced reports whether the counter invariant holds.
func (c *InventorySlotCounter) Balanced() bool {
	return c.Available >= 0 && c.Reserved >= 0 && c.Booked >= 0 &&
		c.Available+c.Reserved+c.Booked == c.SlotsTotal
}

// Reservation is a multi-item hold against the ledger.
type Reservation struct {
	ID                string             `json:"id"`
	CampaignID        string             `json:"campaign_id"`
	Status            ReservationStatus  `json:"status"`
	HoldDurationHours int                `json:"hold_duration_hours"`
	ExpiresAt         time.Time          `json:"expires_at"`
	TotalAmount       int64              `json:"total_amount"` // cents
	Priority          int                `json:"priority"`
	CreatedBy         string             `json:"created_by"`
	ReleaseReason     *string            `json:"release_reason,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
	Items             []*ReservationItem `json:"items,omitempty"`
}

// ReservationItem is one reserved line of a reservation.
type ReservationItem struct {
	ID            string                `json:"id"`
	ReservationID string                `json:"reservation_id"`
	LineNumber    int                   `json:"line_number"`
	ShowID        string                `json:"show_id"`
	EpisodeID     string                `json:"episode_id"`
	PlacementType PlacementType         `json:"placement_type"`
	SpotCount     int                   `json:"spot_count"`
	UnitPrice     int64                 `json:"unit_price"` // negotiated price per spot in cents
	AirDate       time.Time             `json:"air_date"`
	Status        ReservationItemStatus `json:"status"`
	UpdatedAt     time.Time             `json:"updated_at"`
}

func (i *ReservationItem) Key() SlotKey {
	return SlotKey{EpisodeID: i.EpisodeID, PlacementType: i.PlacementType}
}

// Amount is the line total in cents.
func (i *ReservationItem) Amount() int64 {
	return int64(i.SpotCount) * i.UnitPrice
}

// Campaign is the engine's view of an externally owned campaign. Only the
// stage and the two reference ids are written by the engine.
type Campaign struct {
	ID                string           `json:"id"`
	AdvertiserID      string           `json:"advertiser_id"`
	Categories        []string         `json:"categories,omitempty"`
	Stage             ProbabilityStage `json:"stage"`
	ReservationID     *string          `json:"reservation_id,omitempty"`
	ApprovalRequestID *string          `json:"approval_request_id,omitempty"`
	CreatedBy         string           `json:"created_by"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// ScheduleItem is one line of a campaign's pending schedule.
type ScheduleItem struct {
	ID            string        `json:"id"`
	CampaignID    string        `json:"campaign_id"`
	LineNumber    int           `json:"line_number"`
	ShowID        string        `json:"show_id"`
	EpisodeID     string        `json:"episode_id"`
	PlacementType PlacementType `json:"placement_type"`
	SpotCount     int           `json:"spot_count"`
	UnitPrice     int64         `json:"unit_price"` // negotiated price per spot in cents
	AirDate       time.Time     `json:"air_date"`
}

func (i *ScheduleItem) Key() SlotKey {
	return SlotKey{EpisodeID: i.EpisodeID, PlacementType: i.PlacementType}
}

// Valid reports whether the line can be reserved.
func (i *ScheduleItem) Valid() bool {
	return strings.TrimSpace(i.ShowID) != "" &&
		strings.TrimSpace(i.EpisodeID) != "" &&
		i.PlacementType.Valid() &&
		i.SpotCount > 0 &&
		i.UnitPrice >= 0
}

// CampaignApproval is an admin approval request for a rate-card deviation.
type CampaignApproval struct {
	ID               string          `json:"id"`
	CampaignID       string          `json:"campaign_id"`
	ReservationID    string          `json:"reservation_id"`
	Status           ApprovalStatus  `json:"status"`
	RateDeviationPct decimal.Decimal `json:"rate_deviation_pct"`
	RequestedBy      string          `json:"requested_by"`
	DecidedBy        *string         `json:"decided_by,omitempty"`
	DecidedAt        *time.Time      `json:"decided_at,omitempty"`
	Reason           *string         `json:"reason,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// TalentApprovalRequest asks talent or a producer to approve a human-read placement.
type TalentApprovalRequest struct {
	ID            string               `json:"id"`
	CampaignID    string               `json:"campaign_id"`
	ShowID        string               `json:"show_id"`
	PlacementType PlacementType        `json:"placement_type"`
	Status        TalentApprovalStatus `json:"status"`
	RequestedBy   string               `json:"requested_by"`
	DecidedBy     *string              `json:"decided_by,omitempty"`
	DecidedAt     *time.Time           `json:"decided_at,omitempty"`
	Notes         *string              `json:"notes,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

// Restriction is a competitive-exclusivity record anchored to a show or episode.
type Restriction struct {
	ID            string           `json:"id"`
	Kind          RestrictionKind  `json:"kind"`
	Level         ExclusivityLevel `json:"level"`
	ShowID        *string          `json:"show_id,omitempty"`
	EpisodeID     *string          `json:"episode_id,omitempty"`
	Category      *string          `json:"category,omitempty"`
	AdvertiserID  *string          `json:"advertiser_id,omitempty"`
	EffectiveFrom *time.Time       `json:"effective_from,omitempty"`
	EffectiveTo   *time.Time       `json:"effective_to,omitempty"`
	Reason        *string          `json:"reason,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
}

// StatusHistory is one immutable audit record.
type StatusHistory struct {
	ID         string                 `json:"id"`
	EntityType HistoryEntity          `json:"entity_type"`
	EntityID   string                 `json:"entity_id"`
	FromStatus string                 `json:"from_status"`
	ToStatus   string                 `json:"to_status"`
	Reason     string                 `json:"reason"`
	Actor      string                 `json:"actor"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	OccurredAt time.Time              `json:"occurred_at"`
}
