/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, so engine
  types can change without breaking the booking system or the member app.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Members:
    MemberDTO, TierDTO, ProgressDTO, RegisterMemberRequest

  Stays:
    RecordStayRequest, StayResultDTO, LedgerEventDTO

  Benefits:
    BenefitTypeDTO, BenefitInstanceDTO, IssueBenefitsRequest,
    AssignBenefitRequest, SupplyDTO

  Admin:
    DiscrepancyDTO, ReconciliationResponse

  Scenarios:
    ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Validation is done in handlers and the engine, not in DTOs. DTOs are
  pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// MEMBERS
// =============================================================================

// RegisterMemberRequest creates an account at the floor tier.
type RegisterMemberRequest struct {
	ID string `json:"id"`
}

// TierDTO describes one tier of the ladder.
type TierDTO struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Rank       int      `json:"rank"`
	MinNights  int64    `json:"min_nights"`
	Multiplier string   `json:"multiplier"`
	Color      string   `json:"color,omitempty"`
	Benefits   []string `json:"benefits,omitempty"`
}

// ProgressDTO is the member-facing view of the way to the next tier.
type ProgressDTO struct {
	NextTier     *TierDTO `json:"next_tier,omitempty"`
	NightsToNext int64    `json:"nights_to_next"`
	Percent      int      `json:"percent"`
}

// MemberDTO represents a member account in API responses.
type MemberDTO struct {
	ID              string      `json:"id"`
	Points          int64       `json:"points"`
	Nights          int64       `json:"nights"`
	Tier            TierDTO     `json:"tier"`
	Progress        ProgressDTO `json:"progress"`
	TierUpdatedAt   string      `json:"tier_updated_at"`
	PointsUpdatedAt string      `json:"points_updated_at,omitempty"`
	CreatedAt       string      `json:"created_at"`
}

// TiersResponse is the tier configuration.
type TiersResponse struct {
	Version string    `json:"version"`
	Tiers   []TierDTO `json:"tiers"`
}

// =============================================================================
// STAYS AND LEDGER
// =============================================================================

// RecordStayRequest is one stay or points adjustment from the booking system.
type RecordStayRequest struct {
	NightsDelta int64  `json:"nights_delta"`
	PointsDelta int64  `json:"points_delta"`
	ExternalRef string `json:"external_ref"`
	Source      string `json:"source,omitempty"`
	Reason      string `json:"reason,omitempty"`

	// ApplyMultiplier scales points by the member's tier multiplier.
	ApplyMultiplier bool `json:"apply_multiplier,omitempty"`

	// AllowUnreferenced accepts a request without external_ref. Admin
	// corrections only; such requests are not idempotent.
	AllowUnreferenced bool `json:"allow_unreferenced,omitempty"`
}

// StayResultDTO is the outcome of a RecordStay call.
type StayResultDTO struct {
	MemberID    string  `json:"member_id"`
	EventID     string  `json:"event_id"`
	Nights      int64   `json:"nights"`
	Points      int64   `json:"points"`
	Tier        TierDTO `json:"tier"`
	TierChanged bool    `json:"tier_changed"`
	Replayed    bool    `json:"replayed"`
}

// LedgerEventDTO is one ledger entry.
type LedgerEventDTO struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	NightsDelta int64  `json:"nights_delta"`
	PointsDelta int64  `json:"points_delta"`
	ExternalRef string `json:"external_ref,omitempty"`
	PriorTier   string `json:"prior_tier,omitempty"`
	NewTier     string `json:"new_tier,omitempty"`
	NightsAfter int64  `json:"nights_after"`
	PointsAfter int64  `json:"points_after"`
	Source      string `json:"source,omitempty"`
	Reason      string `json:"reason,omitempty"`
	At          string `json:"at"`
}

// =============================================================================
// BENEFITS
// =============================================================================

// BenefitTypeDTO is a benefit catalog entry. Also the create request body.
type BenefitTypeDTO struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	AllowMultiple bool     `json:"allow_multiple"`
	EligibleTiers []string `json:"eligible_tiers,omitempty"`
	CreatedAt     string   `json:"created_at,omitempty"`
}

// IssueBenefitsRequest creates new available instances of a type.
type IssueBenefitsRequest struct {
	Count     int     `json:"count"`
	ExpiresAt *string `json:"expires_at,omitempty"` // RFC 3339
}

// IssueBenefitsResponse lists the created instance ids.
type IssueBenefitsResponse struct {
	BenefitTypeID string   `json:"benefit_type_id"`
	InstanceIDs   []string `json:"instance_ids"`
}

// AssignBenefitRequest assigns one instance of the path's type to a member.
type AssignBenefitRequest struct {
	MemberID   string `json:"member_id"`
	AssignedBy string `json:"assigned_by,omitempty"`
	Note       string `json:"note,omitempty"`
}

// AssignBenefitResponse carries the assigned instance id.
type AssignBenefitResponse struct {
	InstanceID string `json:"instance_id"`
}

// EligibilityDTO answers whether a member could claim a benefit type now.
type EligibilityDTO struct {
	MemberID      string `json:"member_id"`
	BenefitTypeID string `json:"benefit_type_id"`
	Eligible      bool   `json:"eligible"`
	Tier          string `json:"tier"`
	Available     int    `json:"available"`
	HeldInstance  string `json:"held_instance,omitempty"`
	Code          string `json:"code,omitempty"`
	Message       string `json:"message,omitempty"`
}

func toEligibilityDTO(e loyalty.Eligibility) EligibilityDTO {
	dto := EligibilityDTO{
		MemberID:      string(e.MemberID),
		BenefitTypeID: string(e.TypeID),
		Eligible:      e.Eligible(),
		Tier:          string(e.Tier),
		Available:     e.Available,
		HeldInstance:  string(e.HeldInstance),
	}
	if e.Denied != nil {
		_, dto.Code, dto.Message = engineError(e.Denied)
	}
	return dto
}

// BenefitInstanceDTO is one redeemable unit.
type BenefitInstanceDTO struct {
	ID             string  `json:"id"`
	BenefitTypeID  string  `json:"benefit_type_id"`
	MemberID       string  `json:"member_id,omitempty"`
	Status         string  `json:"status"`
	RedemptionCode string  `json:"redemption_code"`
	IssuedAt       string  `json:"issued_at"`
	AssignedAt     *string `json:"assigned_at,omitempty"`
	AssignedBy     string  `json:"assigned_by,omitempty"`
	Note           string  `json:"note,omitempty"`
	ExpiresAt      *string `json:"expires_at,omitempty"`
	TerminalAt     *string `json:"terminal_at,omitempty"`
}

// SupplyDTO is the remaining supply of a type.
type SupplyDTO struct {
	BenefitTypeID string `json:"benefit_type_id"`
	Available     int    `json:"available"`
}

// =============================================================================
// ADMIN
// =============================================================================

// DiscrepancyDTO is one member whose totals disagree with their ledger.
type DiscrepancyDTO struct {
	MemberID     string `json:"member_id"`
	Nights       int64  `json:"nights"`
	LedgerNights int64  `json:"ledger_nights"`
	Points       int64  `json:"points"`
	LedgerPoints int64  `json:"ledger_points"`
	TierID       string `json:"tier_id"`
	ExpectedTier string `json:"expected_tier"`
}

// ReconciliationResponse is the result of an audit run.
type ReconciliationResponse struct {
	Consistent    bool             `json:"consistent"`
	Discrepancies []DiscrepancyDTO `json:"discrepancies"`
	RanAt         string           `json:"ran_at"`
}

// =============================================================================
// SCENARIOS AND ERRORS
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest selects a scenario to load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func toTierDTO(t loyalty.TierDefinition, policy *loyalty.TierPolicy) TierDTO {
	return TierDTO{
		ID:         string(t.ID),
		Name:       t.Name,
		Rank:       t.Rank,
		MinNights:  t.MinNights,
		Multiplier: policy.Multiplier(t.ID).String(),
		Color:      t.Color,
		Benefits:   t.Benefits,
	}
}

func toMemberDTO(v loyalty.MemberView, policy *loyalty.TierPolicy) MemberDTO {
	dto := MemberDTO{
		ID:              string(v.Member.ID),
		Points:          v.Member.Points,
		Nights:          v.Member.Nights,
		Tier:            toTierDTO(v.Tier, policy),
		TierUpdatedAt:   formatTime(v.Member.TierUpdatedAt),
		PointsUpdatedAt: formatTime(v.Member.PointsUpdatedAt),
		CreatedAt:       formatTime(v.Member.CreatedAt),
		Progress: ProgressDTO{
			NightsToNext: v.Progress.NightsToNext,
			Percent:      v.Progress.Percent,
		},
	}
	if v.Progress.Next != nil {
		next := toTierDTO(*v.Progress.Next, policy)
		dto.Progress.NextTier = &next
	}
	return dto
}

func toStayResultDTO(r loyalty.StayResult, policy *loyalty.TierPolicy) StayResultDTO {
	return StayResultDTO{
		MemberID:    string(r.MemberID),
		EventID:     string(r.EventID),
		Nights:      r.Nights,
		Points:      r.Points,
		Tier:        toTierDTO(r.Tier, policy),
		TierChanged: r.TierChanged,
		Replayed:    r.Replayed,
	}
}

func toLedgerEventDTO(e loyalty.LedgerEvent) LedgerEventDTO {
	return LedgerEventDTO{
		ID:          string(e.ID),
		Kind:        string(e.Kind),
		NightsDelta: e.NightsDelta,
		PointsDelta: e.PointsDelta,
		ExternalRef: e.ExternalRef,
		PriorTier:   string(e.PriorTier),
		NewTier:     string(e.NewTier),
		NightsAfter: e.NightsAfter,
		PointsAfter: e.PointsAfter,
		Source:      e.Source,
		Reason:      e.Reason,
		At:          formatTime(e.At),
	}
}

func toBenefitTypeDTO(bt loyalty.BenefitType) BenefitTypeDTO {
	dto := BenefitTypeDTO{
		ID:            string(bt.ID),
		Name:          bt.Name,
		AllowMultiple: bt.AllowMultiple,
		CreatedAt:     formatTime(bt.CreatedAt),
	}
	for _, t := range bt.EligibleTiers {
		dto.EligibleTiers = append(dto.EligibleTiers, string(t))
	}
	return dto
}

func (dto BenefitTypeDTO) toBenefitType() loyalty.BenefitType {
	bt := loyalty.BenefitType{
		ID:            loyalty.BenefitTypeID(dto.ID),
		Name:          dto.Name,
		AllowMultiple: dto.AllowMultiple,
	}
	for _, t := range dto.EligibleTiers {
		bt.EligibleTiers = append(bt.EligibleTiers, loyalty.TierID(t))
	}
	return bt
}

func toBenefitInstanceDTO(bi loyalty.BenefitInstance) BenefitInstanceDTO {
	return BenefitInstanceDTO{
		ID:             string(bi.ID),
		BenefitTypeID:  string(bi.TypeID),
		MemberID:       string(bi.MemberID),
		Status:         string(bi.Status),
		RedemptionCode: bi.RedemptionCode,
		IssuedAt:       formatTime(bi.IssuedAt),
		AssignedAt:     formatTimePtr(bi.AssignedAt),
		AssignedBy:     bi.AssignedBy,
		Note:           bi.Note,
		ExpiresAt:      formatTimePtr(bi.ExpiresAt),
		TerminalAt:     formatTimePtr(bi.TerminalAt),
	}
}
