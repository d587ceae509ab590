/*
store.go - Persistence interface for the ledger, members and benefits

PURPOSE:
  Defines the boundary between the engine and the database. Every write
  the engine performs goes through Store.WithTx, so one logical operation
  is exactly one commit (or none).

KEY INTERFACES:
  Store: Transaction entry point plus point-in-time reads
  Tx:    Operations available inside one transaction

APPEND-ONLY CONTRACT:
  Ledger events have AppendEvent and nothing else. There is no update
  or delete for events. Members are updated in place, but only from
  inside a transaction that also appends the event explaining the change.

STORE-ENFORCED INVARIANTS:
  - UNIQUE(member_id, external_ref) on ledger events -> ErrDuplicateReference
  - UNIQUE(member_id, benefit_type_id) over active, exclusive instances
    -> ErrAlreadyAssigned from ClaimBenefit

ERROR CONTRACT:
  Implementations must translate contention (busy, locked, serialization
  failure) into ErrTransientConflict and connectivity loss into
  ErrStoreUnavailable. Everything else is a logical error.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: Production SQLite
  - loyalty/store/memory.go: In-memory for tests and dev

SEE ALSO:
  - processor.go, assignment.go: The only callers of WithTx
*/
package loyalty

import (
	"context"
	"time"
)

// =============================================================================
// STORE
// =============================================================================

// Store is the Ledger Store.
type Store interface {
	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(Tx) error) error

	// Member returns the committed aggregate. No transaction needed.
	Member(ctx context.Context, id MemberID) (Member, error)

	// Events returns a member's ledger, newest first.
	Events(ctx context.Context, id MemberID, page EventPage) ([]LedgerEvent, error)

	// MemberIDs lists every member (used by the reconciliation audit).
	MemberIDs(ctx context.Context) ([]MemberID, error)

	BenefitType(ctx context.Context, id BenefitTypeID) (BenefitType, error)
	BenefitTypes(ctx context.Context) ([]BenefitType, error)
	BenefitInstances(ctx context.Context, filter BenefitFilter) ([]BenefitInstance, error)

	// Supply counts available instances of a type. Derived from status.
	Supply(ctx context.Context, id BenefitTypeID) (int, error)

	Ping(ctx context.Context) error
}

// Tx is the set of operations available inside Store.WithTx.
type Tx interface {
	// CreateMember inserts a new account. ErrMemberExists on conflict.
	CreateMember(ctx context.Context, m Member) error

	// LoadMember reads the aggregate for update. ErrMemberNotFound if absent.
	LoadMember(ctx context.Context, id MemberID) (Member, error)

	// SaveMember writes the running totals and tier.
	SaveMember(ctx context.Context, m Member) error

	// AppendEvent persists an event. ErrDuplicateReference if the
	// (member, external ref) pair is already taken.
	AppendEvent(ctx context.Context, e LedgerEvent) error

	// LoadEvents returns the member's full ledger in commit order.
	LoadEvents(ctx context.Context, id MemberID) ([]LedgerEvent, error)

	// FindEventByRef returns the stay/points event carrying ref, or nil.
	FindEventByRef(ctx context.Context, id MemberID, ref string) (*LedgerEvent, error)

	SaveBenefitType(ctx context.Context, bt BenefitType) error
	LoadBenefitType(ctx context.Context, id BenefitTypeID) (BenefitType, error)

	// IssueBenefits inserts new available instances.
	IssueBenefits(ctx context.Context, instances []BenefitInstance) error

	// ActiveHold returns the member's active instance of an exclusive type, or nil.
	ActiveHold(ctx context.Context, member MemberID, typeID BenefitTypeID) (*BenefitInstance, error)

	// ClaimBenefit moves one available instance of claim.TypeID to assigned
	// in a single conditional write. Returns ErrNoBenefitAvailable when none
	// is left and ErrAlreadyAssigned when the uniqueness index rejects it.
	ClaimBenefit(ctx context.Context, claim BenefitClaim) (BenefitInstance, error)

	// LoadBenefit reads one instance. ErrBenefitNotFound if absent.
	LoadBenefit(ctx context.Context, id BenefitInstanceID) (BenefitInstance, error)

	// TransitionBenefit moves an instance from one status to another.
	// Returns ErrInvalidTransition if it is no longer in from.
	TransitionBenefit(ctx context.Context, id BenefitInstanceID, from, to BenefitStatus, at time.Time) error
}

// BenefitClaim describes one assignment attempt.
type BenefitClaim struct {
	TypeID     BenefitTypeID
	MemberID   MemberID
	Exclusive  bool
	AssignedBy string
	Note       string
	At         time.Time
}
