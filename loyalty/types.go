/*
Package loyalty provides the loyalty ledger and benefit-assignment engine.

PURPOSE:
  Records stay and points events against a member account, keeps the
  running totals (points, nights) in step with an append-only event log,
  recomputes the member's tier from nights, and hands out scarce benefit
  instances (coupons) without ever double-assigning one.

KEY CONCEPTS IN THIS FILE (types.go):
  - Member: The aggregate (running points + nights + current tier)
  - LedgerEvent: An immutable audit record of one accounting action
  - BenefitType / BenefitInstance: Coupon catalog entry and one redeemable unit
  - Typed identifiers so member, tier and benefit IDs are never mixed up

DESIGN PRINCIPLES:
  1. Immutability: Ledger events are never modified or deleted
  2. Single writer: Only the Processor mutates a Member aggregate
  3. Nights drive tiers: Points never change a tier on their own
  4. Store-enforced invariants: Uniqueness lives in the store, not in
     an application-level "does it exist?" check

USAGE:
  policy := loyalty.DefaultTierPolicy()
  proc := loyalty.NewProcessor(store, policy)
  res, err := proc.RecordStay(ctx, loyalty.StayInput{
      MemberID:    "m-123",
      NightsDelta: 2,
      PointsDelta: 20,
      ExternalRef: "booking-991",
  })

SEE ALSO:
  - tier.go: Tier policy (pure)
  - processor.go: Stay/points processing
  - assignment.go: Benefit assignment
  - store.go: Persistence interfaces
*/
package loyalty

import (
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type MemberID string
type EventID string
type TierID string
type BenefitTypeID string
type BenefitInstanceID string

// =============================================================================
// MEMBER ACCOUNT - Running totals + current tier
// =============================================================================

// Member is the loyalty aggregate for one member.
//
// INVARIANT: TierID == policy.Resolve(Nights).ID for the policy the
// Processor runs with. Nobody but the Processor writes TierID.
type Member struct {
	ID     MemberID
	Points int64
	Nights int64
	TierID TierID

	TierUpdatedAt   time.Time
	PointsUpdatedAt time.Time
	CreatedAt       time.Time

	// Retired members keep their history but are no longer credited.
	Retired bool
}

// =============================================================================
// LEDGER EVENT - Immutable audit record
// =============================================================================

type EventKind string

const (
	EventStayRecorded     EventKind = "stay_recorded"
	EventPointsAdjustment EventKind = "points_adjustment"
	EventTierChanged      EventKind = "tier_changed"
)

// CountsTowardTotals reports whether the event's deltas are part of the
// member's running totals. tier_changed events carry no deltas.
func (k EventKind) CountsTowardTotals() bool {
	return k == EventStayRecorded || k == EventPointsAdjustment
}

// LedgerEvent is one entry of the append-only ledger.
type LedgerEvent struct {
	ID          EventID
	MemberID    MemberID
	Kind        EventKind
	NightsDelta int64
	PointsDelta int64

	// ExternalRef is the caller's idempotency key (booking id, payment id).
	// Unique per member when present.
	ExternalRef string
	At          time.Time

	// Only set on tier_changed events.
	PriorTier TierID
	NewTier   TierID

	// Result of the call that produced this event, kept so a retried call
	// with the same ExternalRef can return it without recomputing.
	NightsAfter int64
	PointsAfter int64
	TierAfter   TierID
	TierChanged bool

	Source string // "booking", "admin", "migration", ...
	Reason string
}

// =============================================================================
// BENEFITS - Coupon catalog and individual instances
// =============================================================================

// BenefitType is a kind of benefit that can be issued in instances.
type BenefitType struct {
	ID   BenefitTypeID
	Name string

	// AllowMultiple lets a member hold several active instances at once.
	// When false (the default) the store enforces one active hold per member.
	AllowMultiple bool

	// EligibleTiers restricts assignment to members in one of these tiers.
	// Empty means every tier is eligible.
	EligibleTiers []TierID

	CreatedAt time.Time
}

// IsEligible reports whether a member in tier can receive this benefit.
func (bt BenefitType) IsEligible(tier TierID) bool {
	if len(bt.EligibleTiers) == 0 {
		return true
	}
	for _, t := range bt.EligibleTiers {
		if t == tier {
			return true
		}
	}
	return false
}

type BenefitStatus string

const (
	BenefitAvailable BenefitStatus = "available"
	BenefitAssigned  BenefitStatus = "assigned"
	BenefitRedeemed  BenefitStatus = "redeemed"
	BenefitExpired   BenefitStatus = "expired"
	BenefitRevoked   BenefitStatus = "revoked"
)

// IsActive reports whether an instance in this status counts as a hold.
func (s BenefitStatus) IsActive() bool { return s == BenefitAssigned }

// IsTerminal reports whether no further transition is allowed.
func (s BenefitStatus) IsTerminal() bool {
	return s == BenefitRedeemed || s == BenefitExpired || s == BenefitRevoked
}

// BenefitInstance is one redeemable unit of a benefit type.
type BenefitInstance struct {
	ID             BenefitInstanceID
	TypeID         BenefitTypeID
	MemberID       MemberID // empty until assigned
	Status         BenefitStatus
	RedemptionCode string

	IssuedAt   time.Time
	AssignedAt *time.Time
	AssignedBy string
	Note       string
	ExpiresAt  *time.Time
	TerminalAt *time.Time
}

// BenefitFilter narrows BenefitInstances queries. Zero values match all.
type BenefitFilter struct {
	MemberID MemberID
	TypeID   BenefitTypeID
	Statuses []BenefitStatus
}

// Matches reports whether bi passes the filter.
func (f BenefitFilter) Matches(bi BenefitInstance) bool {
	if f.MemberID != "" && bi.MemberID != f.MemberID {
		return false
	}
	if f.TypeID != "" && bi.TypeID != f.TypeID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if bi.Status == s {
			return true
		}
	}
	return false
}

// EventPage selects a window of a member's ledger, newest first.
type EventPage struct {
	Limit  int
	Offset int
}

// DefaultEventPageLimit is used when a page has no limit set.
const DefaultEventPageLimit = 50

// Normalize fills in defaults and clamps negative values.
func (p EventPage) Normalize() EventPage {
	if p.Limit <= 0 {
		p.Limit = DefaultEventPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}
