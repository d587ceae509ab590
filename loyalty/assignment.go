/*
assignment.go - Benefit (coupon) assignment and lifecycle

PURPOSE:
  Hands a scarce benefit instance to a member. The failure mode this file
  exists to prevent is the check-then-insert race: two concurrent requests
  both see "member holds none" and both insert, leaving the member with
  two active holds of a one-per-member benefit.

HOW THE RACE IS CLOSED:
  1. Everything runs in one store transaction (Store.WithTx)
  2. The instance is claimed with a single conditional write:
       UPDATE ... SET status='assigned', member_id=?
       WHERE id = (SELECT id ... WHERE status='available' LIMIT 1)
  3. The store carries a partial UNIQUE index over
       (member_id, benefit_type_id) WHERE status='assigned' AND exclusive
     so a second active hold cannot be committed even if step 1's read
     were stale. The index violation surfaces as ErrAlreadyAssigned.

  The in-transaction ActiveHold lookup only exists to report *which*
  instance blocked the request; the index is the guard.

LIFECYCLE:
  available -> assigned -> redeemed
                        -> expired
                        -> revoked
  available -> revoked | expired
  Terminal statuses never change again. Instances are never deleted.

SUPPLY:
  Supply is COUNT(status='available'). There is no separate counter to
  decrement, so there is no second thing to race on.

RETRIES:
  Transient conflicts are retried. ErrAlreadyAssigned is the correct
  outcome of a lost race and is returned as-is, never retried.

SEE ALSO:
  - store.go: ClaimBenefit, ActiveHold, TransitionBenefit
  - store/sqlite/sqlite.go: idx_benefit_instances_active_hold
*/
package loyalty

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// AssignInput is one assignment request.
type AssignInput struct {
	BenefitTypeID BenefitTypeID
	MemberID      MemberID
	AssignedBy    string
	Note          string
}

// BenefitAssigner assigns and transitions benefit instances.
type BenefitAssigner struct {
	store  Store
	policy *TierPolicy
	opts   options
}

// NewBenefitAssigner creates an assigner. The tier policy is used for tier
// eligibility checks on restricted benefit types.
func NewBenefitAssigner(store Store, policy *TierPolicy, opts ...Option) *BenefitAssigner {
	return &BenefitAssigner{
		store:  store,
		policy: policy,
		opts:   buildOptions(opts),
	}
}

// =============================================================================
// ASSIGN
// =============================================================================

// Assign claims one available instance of the type for the member and
// returns its id.
func (a *BenefitAssigner) Assign(ctx context.Context, in AssignInput) (BenefitInstanceID, error) {
	start := a.opts.now()
	log := a.opts.log.WithFields(logrus.Fields{
		"member_id":       in.MemberID,
		"benefit_type_id": in.BenefitTypeID,
		"assigned_by":     in.AssignedBy,
	})

	inst, err := withRetry(ctx, a.opts.retry, a.opts.obs, "assign_benefit", func() (BenefitInstance, error) {
		return a.assignOnce(ctx, in)
	})
	a.opts.obs.ObserveOperation("assign_benefit", a.opts.now().Sub(start), OutcomeOf(err))

	switch {
	case err == nil:
		log.WithField("instance_id", inst.ID).Info("benefit assigned")
	case IsRejection(err) || IsNotFound(err):
		log.WithError(err).Warn("benefit assignment rejected")
	default:
		log.WithError(err).Error("benefit assignment failed")
	}
	if err != nil {
		return "", err
	}
	return inst.ID, nil
}

func (a *BenefitAssigner) assignOnce(ctx context.Context, in AssignInput) (BenefitInstance, error) {
	var inst BenefitInstance
	err := a.store.WithTx(ctx, func(tx Tx) error {
		m, err := tx.LoadMember(ctx, in.MemberID)
		if err != nil {
			return err
		}
		bt, err := tx.LoadBenefitType(ctx, in.BenefitTypeID)
		if err != nil {
			return err
		}
		if !bt.IsEligible(m.TierID) {
			return fmt.Errorf("%w: %s is %s", ErrNotEligible, m.ID, m.TierID)
		}

		if !bt.AllowMultiple {
			held, err := tx.ActiveHold(ctx, m.ID, bt.ID)
			if err != nil {
				return err
			}
			if held != nil {
				return &AlreadyAssignedError{MemberID: m.ID, TypeID: bt.ID, HeldInstance: held.ID}
			}
		}

		inst, err = tx.ClaimBenefit(ctx, BenefitClaim{
			TypeID:     bt.ID,
			MemberID:   m.ID,
			Exclusive:  !bt.AllowMultiple,
			AssignedBy: in.AssignedBy,
			Note:       in.Note,
			At:         a.opts.now().UTC(),
		})
		if errors.Is(err, ErrAlreadyAssigned) {
			var aae *AlreadyAssignedError
			if errors.As(err, &aae) {
				return err
			}
			return &AlreadyAssignedError{MemberID: m.ID, TypeID: bt.ID}
		}
		return err
	})
	return inst, err
}

// Eligibility is a read-only answer to "could this member claim this type
// right now". Denied is nil when an Assign would succeed, otherwise it is
// the rejection Assign would return.
type Eligibility struct {
	MemberID     MemberID
	TypeID       BenefitTypeID
	Tier         TierID
	HeldInstance BenefitInstanceID
	Available    int
	Denied       error
}

func (e Eligibility) Eligible() bool { return e.Denied == nil }

// Eligible checks tier restriction, an existing hold and unexpired supply
// without claiming anything. A concurrent Assign may still win the last
// instance; only Assign is authoritative.
func (a *BenefitAssigner) Eligible(ctx context.Context, member MemberID, typeID BenefitTypeID) (Eligibility, error) {
	out := Eligibility{MemberID: member, TypeID: typeID}
	var bt BenefitType
	err := a.store.WithTx(ctx, func(tx Tx) error {
		m, err := tx.LoadMember(ctx, member)
		if err != nil {
			return err
		}
		if bt, err = tx.LoadBenefitType(ctx, typeID); err != nil {
			return err
		}
		out.Tier = m.TierID
		if bt.AllowMultiple {
			return nil
		}
		held, err := tx.ActiveHold(ctx, m.ID, bt.ID)
		if err != nil {
			return err
		}
		if held != nil {
			out.HeldInstance = held.ID
		}
		return nil
	})
	if err != nil {
		return Eligibility{}, err
	}

	available, err := a.store.BenefitInstances(ctx, BenefitFilter{
		TypeID:   typeID,
		Statuses: []BenefitStatus{BenefitAvailable},
	})
	if err != nil {
		return Eligibility{}, err
	}
	now := a.opts.now()
	for _, bi := range available {
		if bi.ExpiresAt == nil || bi.ExpiresAt.After(now) {
			out.Available++
		}
	}

	switch {
	case !bt.IsEligible(out.Tier):
		out.Denied = fmt.Errorf("%w: %s is %s", ErrNotEligible, member, out.Tier)
	case out.HeldInstance != "":
		out.Denied = &AlreadyAssignedError{MemberID: member, TypeID: typeID, HeldInstance: out.HeldInstance}
	case out.Available == 0:
		out.Denied = ErrNoBenefitAvailable
	}
	return out, nil
}

// =============================================================================
// ISSUANCE - Admin tooling
// =============================================================================

// CreateBenefitType registers (or updates) a benefit type.
func (a *BenefitAssigner) CreateBenefitType(ctx context.Context, bt BenefitType) (BenefitType, error) {
	if bt.ID == "" {
		return BenefitType{}, fmt.Errorf("%w: benefit type id is required", ErrInvalidInput)
	}
	if bt.Name == "" {
		bt.Name = string(bt.ID)
	}
	for _, t := range bt.EligibleTiers {
		if _, ok := a.policy.Lookup(t); !ok {
			return BenefitType{}, fmt.Errorf("%w: unknown tier %q", ErrInvalidInput, t)
		}
	}
	if bt.CreatedAt.IsZero() {
		bt.CreatedAt = a.opts.now().UTC()
	}
	_, err := withRetry(ctx, a.opts.retry, a.opts.obs, "create_benefit_type", func() (struct{}, error) {
		return struct{}{}, a.store.WithTx(ctx, func(tx Tx) error {
			return tx.SaveBenefitType(ctx, bt)
		})
	})
	if err != nil {
		return BenefitType{}, err
	}
	return bt, nil
}

// MaxIssueBatch caps how many instances one Issue call creates.
const MaxIssueBatch = 10000

// Issue creates count new available instances of a type.
func (a *BenefitAssigner) Issue(ctx context.Context, typeID BenefitTypeID, count int, expiresAt *time.Time) ([]BenefitInstanceID, error) {
	if count <= 0 || count > MaxIssueBatch {
		return nil, fmt.Errorf("%w: issue count must be between 1 and %d, got %d", ErrInvalidInput, MaxIssueBatch, count)
	}
	now := a.opts.now().UTC()
	instances := make([]BenefitInstance, count)
	ids := make([]BenefitInstanceID, count)
	for i := range instances {
		id := a.opts.newID()
		ids[i] = BenefitInstanceID(id)
		instances[i] = BenefitInstance{
			ID:             BenefitInstanceID(id),
			TypeID:         typeID,
			Status:         BenefitAvailable,
			RedemptionCode: redemptionCode(typeID, id),
			IssuedAt:       now,
			ExpiresAt:      expiresAt,
		}
	}

	_, err := withRetry(ctx, a.opts.retry, a.opts.obs, "issue_benefits", func() (struct{}, error) {
		return struct{}{}, a.store.WithTx(ctx, func(tx Tx) error {
			if _, err := tx.LoadBenefitType(ctx, typeID); err != nil {
				return err
			}
			return tx.IssueBenefits(ctx, instances)
		})
	})
	if err != nil {
		return nil, err
	}
	a.opts.log.WithFields(logrus.Fields{"benefit_type_id": typeID, "count": count}).Info("benefits issued")
	return ids, nil
}

// redemptionCode builds a human-typable code: BEN-<TYPE>-<first id block>.
func redemptionCode(typeID BenefitTypeID, id string) string {
	block := id
	if i := strings.IndexByte(id, '-'); i > 0 {
		block = id[:i]
	}
	return strings.ToUpper(fmt.Sprintf("BEN-%s-%s", typeID, block))
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// Redeem marks an assigned instance as used. Expired instances are refused.
func (a *BenefitAssigner) Redeem(ctx context.Context, id BenefitInstanceID) (BenefitInstance, error) {
	return a.transition(ctx, "redeem_benefit", id, func(bi BenefitInstance, now time.Time) (BenefitStatus, error) {
		if bi.Status != BenefitAssigned {
			return "", fmt.Errorf("%w: cannot redeem a %s benefit", ErrInvalidTransition, bi.Status)
		}
		if bi.ExpiresAt != nil && bi.ExpiresAt.Before(now) {
			return "", fmt.Errorf("%w: benefit expired at %s", ErrInvalidTransition, bi.ExpiresAt.Format(time.RFC3339))
		}
		return BenefitRedeemed, nil
	})
}

// Revoke withdraws an available or assigned instance.
func (a *BenefitAssigner) Revoke(ctx context.Context, id BenefitInstanceID) (BenefitInstance, error) {
	return a.transition(ctx, "revoke_benefit", id, func(bi BenefitInstance, _ time.Time) (BenefitStatus, error) {
		if bi.Status.IsTerminal() {
			return "", fmt.Errorf("%w: benefit is already %s", ErrInvalidTransition, bi.Status)
		}
		return BenefitRevoked, nil
	})
}

func (a *BenefitAssigner) transition(
	ctx context.Context,
	op string,
	id BenefitInstanceID,
	next func(BenefitInstance, time.Time) (BenefitStatus, error),
) (BenefitInstance, error) {
	start := a.opts.now()
	inst, err := withRetry(ctx, a.opts.retry, a.opts.obs, op, func() (BenefitInstance, error) {
		var out BenefitInstance
		err := a.store.WithTx(ctx, func(tx Tx) error {
			bi, err := tx.LoadBenefit(ctx, id)
			if err != nil {
				return err
			}
			now := a.opts.now().UTC()
			to, err := next(bi, now)
			if err != nil {
				return err
			}
			if err := tx.TransitionBenefit(ctx, id, bi.Status, to, now); err != nil {
				return err
			}
			bi.Status = to
			bi.TerminalAt = &now
			out = bi
			return nil
		})
		return out, err
	})
	a.opts.obs.ObserveOperation(op, a.opts.now().Sub(start), OutcomeOf(err))
	if err != nil {
		return BenefitInstance{}, err
	}
	a.opts.log.WithFields(logrus.Fields{"instance_id": id, "status": inst.Status}).Info("benefit status changed")
	return inst, nil
}

// ExpireDue moves every non-terminal instance whose expiry has passed to
// expired and returns how many were moved.
func (a *BenefitAssigner) ExpireDue(ctx context.Context) (int, error) {
	candidates, err := a.store.BenefitInstances(ctx, BenefitFilter{
		Statuses: []BenefitStatus{BenefitAvailable, BenefitAssigned},
	})
	if err != nil {
		return 0, err
	}

	now := a.opts.now().UTC()
	var due []BenefitInstance
	for _, bi := range candidates {
		if bi.ExpiresAt != nil && bi.ExpiresAt.Before(now) {
			due = append(due, bi)
		}
	}
	if len(due) == 0 {
		return 0, nil
	}

	return withRetry(ctx, a.opts.retry, a.opts.obs, "expire_benefits", func() (int, error) {
		expired := 0
		err := a.store.WithTx(ctx, func(tx Tx) error {
			expired = 0
			for _, bi := range due {
				err := tx.TransitionBenefit(ctx, bi.ID, bi.Status, BenefitExpired, now)
				if errors.Is(err, ErrInvalidTransition) {
					continue // redeemed or revoked since the scan
				}
				if err != nil {
					return err
				}
				expired++
			}
			return nil
		})
		return expired, err
	})
}

// =============================================================================
// READS
// =============================================================================

// Supply returns the number of available instances of a type.
func (a *BenefitAssigner) Supply(ctx context.Context, typeID BenefitTypeID) (int, error) {
	if _, err := a.store.BenefitType(ctx, typeID); err != nil {
		return 0, err
	}
	return a.store.Supply(ctx, typeID)
}

// Holdings returns a member's instances; activeOnly limits it to assigned ones.
func (a *BenefitAssigner) Holdings(ctx context.Context, member MemberID, activeOnly bool) ([]BenefitInstance, error) {
	if _, err := a.store.Member(ctx, member); err != nil {
		return nil, err
	}
	filter := BenefitFilter{MemberID: member}
	if activeOnly {
		filter.Statuses = []BenefitStatus{BenefitAssigned}
	}
	return a.store.BenefitInstances(ctx, filter)
}
