/*
processor.go - Stay/points processing

PURPOSE:
  The single writer of Member aggregates. One RecordStay call is one
  store transaction that:
    (a) appends a stay_recorded / points_adjustment event
    (b) updates the running nights and points
    (c) resolves the tier from the new nights total
    (d) if the tier moved, updates it and appends a tier_changed event

  The transaction boundary is the unit of atomicity: either all of
  (a)-(d) commit or none of them do.

IDEMPOTENCY:
  With an ExternalRef, the IdempotencyGuard lookup runs inside the same
  transaction. A retry returns the stored result (Replayed=true) and
  commits nothing new.

CONFLICTS:
  ErrTransientConflict and ErrDuplicateReference are retried with
  exponential backoff (retry.go). Business rejections are returned
  immediately.

EXAMPLE:
  res, err := proc.RecordStay(ctx, StayInput{
      MemberID: "m-1", NightsDelta: 1, PointsDelta: 10, ExternalRef: "bk-1",
  })
  // res.Tier.Name == "Silver", res.TierChanged == true

SEE ALSO:
  - tier.go: Resolve
  - idempotency.go: Lookup
*/
package loyalty

import (
	"context"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
)

// StayInput is one "stay recorded" or "points earned" request.
type StayInput struct {
	MemberID    MemberID
	NightsDelta int64
	PointsDelta int64

	// ExternalRef is the booking / payment id. Mandatory in production.
	ExternalRef string

	Source string
	Reason string

	// ApplyMultiplier scales a positive PointsDelta by the member's tier
	// multiplier as it stood before this stay.
	ApplyMultiplier bool
}

// StayResult is what RecordStay computed. Replayed results come from the ledger.
type StayResult struct {
	MemberID    MemberID
	EventID     EventID
	Nights      int64
	Points      int64
	Tier        TierDefinition
	TierChanged bool
	Replayed    bool
}

// Processor applies stay and points events to member accounts.
type Processor struct {
	store  Store
	policy *TierPolicy
	guard  IdempotencyGuard
	opts   options
}

// NewProcessor creates a processor bound to a store and an immutable tier policy.
func NewProcessor(store Store, policy *TierPolicy, opts ...Option) *Processor {
	return &Processor{
		store:  store,
		policy: policy,
		opts:   buildOptions(opts),
	}
}

// Policy returns the tier policy the processor evaluates against.
func (p *Processor) Policy() *TierPolicy { return p.policy }

// =============================================================================
// REGISTRATION
// =============================================================================

// RegisterMember creates an empty account at the floor tier.
func (p *Processor) RegisterMember(ctx context.Context, id MemberID) (Member, error) {
	if id == "" {
		return Member{}, fmt.Errorf("%w: member id is required", ErrInvalidInput)
	}
	now := p.opts.now().UTC()
	m := Member{
		ID:            id,
		TierID:        p.policy.Floor().ID,
		TierUpdatedAt: now,
		CreatedAt:     now,
	}
	_, err := withRetry(ctx, p.opts.retry, p.opts.obs, "register_member", func() (struct{}, error) {
		return struct{}{}, p.store.WithTx(ctx, func(tx Tx) error {
			return tx.CreateMember(ctx, m)
		})
	})
	if err != nil {
		return Member{}, err
	}
	p.opts.log.WithField("member_id", id).Info("member registered")
	return m, nil
}

// =============================================================================
// RECORD STAY
// =============================================================================

// RecordStay applies one stay/points event. See the file comment for the contract.
func (p *Processor) RecordStay(ctx context.Context, in StayInput) (StayResult, error) {
	start := p.opts.now()
	log := p.opts.log.WithFields(logrus.Fields{
		"member_id":    in.MemberID,
		"nights_delta": in.NightsDelta,
		"points_delta": in.PointsDelta,
		"external_ref": in.ExternalRef,
	})

	res, err := p.recordStay(ctx, in)

	outcome := OutcomeOf(err)
	if err == nil && res.Replayed {
		outcome = OutcomeReplayed
	}
	p.opts.obs.ObserveOperation("record_stay", p.opts.now().Sub(start), outcome)

	switch {
	case err == nil && res.Replayed:
		log.Info("stay replayed from ledger")
	case err == nil:
		log.WithFields(logrus.Fields{
			"nights": res.Nights,
			"points": res.Points,
			"tier":   res.Tier.ID,
		}).Info("stay recorded")
	case IsRejection(err) || IsNotFound(err):
		log.WithError(err).Warn("stay rejected")
	default:
		log.WithError(err).Error("stay failed")
	}
	return res, err
}

func (p *Processor) recordStay(ctx context.Context, in StayInput) (StayResult, error) {
	ref, ok := p.guard.Normalize(in.ExternalRef)
	if !ok {
		return StayResult{}, &InvalidAdjustmentError{
			MemberID: in.MemberID, PointsDelta: in.PointsDelta, NightsDelta: in.NightsDelta,
			Reason: "external reference too long",
		}
	}
	in.ExternalRef = ref

	if in.NightsDelta < 0 {
		return StayResult{}, &InvalidAdjustmentError{
			MemberID: in.MemberID, PointsDelta: in.PointsDelta, NightsDelta: in.NightsDelta,
			Reason: "nights delta must not be negative",
		}
	}
	if in.NightsDelta == 0 && in.PointsDelta == 0 {
		return StayResult{}, &InvalidAdjustmentError{
			MemberID: in.MemberID, Reason: "adjustment changes nothing",
		}
	}

	return withRetry(ctx, p.opts.retry, p.opts.obs, "record_stay", func() (StayResult, error) {
		return p.recordOnce(ctx, in)
	})
}

// recordOnce is one transaction attempt.
func (p *Processor) recordOnce(ctx context.Context, in StayInput) (StayResult, error) {
	var (
		res        StayResult
		tierChange *[2]TierID
	)

	err := p.store.WithTx(ctx, func(tx Tx) error {
		prev, err := p.guard.Lookup(ctx, tx, in.MemberID, in.ExternalRef)
		if err != nil {
			return err
		}
		if prev != nil {
			res = p.replay(*prev)
			return nil
		}

		m, err := tx.LoadMember(ctx, in.MemberID)
		if err != nil {
			return err
		}
		if m.Retired {
			return &InvalidAdjustmentError{
				MemberID: m.ID, CurrentPoints: m.Points, PointsDelta: in.PointsDelta,
				NightsDelta: in.NightsDelta, Reason: "member is retired",
			}
		}

		pointsDelta := in.PointsDelta
		if in.ApplyMultiplier {
			pointsDelta = p.currentTier(m).ApplyMultiplier(pointsDelta)
		}

		if in.NightsDelta > math.MaxInt64-m.Nights {
			return &InvalidAdjustmentError{
				MemberID: m.ID, CurrentPoints: m.Points, PointsDelta: pointsDelta,
				NightsDelta: in.NightsDelta, Reason: "nights total would overflow",
			}
		}
		if pointsDelta > 0 && pointsDelta > math.MaxInt64-m.Points {
			return &InvalidAdjustmentError{
				MemberID: m.ID, CurrentPoints: m.Points, PointsDelta: pointsDelta,
				NightsDelta: in.NightsDelta, Reason: "points total would overflow",
			}
		}

		newPoints := m.Points + pointsDelta
		if newPoints < 0 {
			return &InvalidAdjustmentError{
				MemberID: m.ID, CurrentPoints: m.Points, PointsDelta: pointsDelta,
				NightsDelta: in.NightsDelta, Reason: "points would go negative",
			}
		}
		newNights := m.Nights + in.NightsDelta

		prior := m.TierID
		tier := p.policy.Resolve(newNights)
		changed := tier.ID != prior
		now := p.opts.now().UTC()

		kind := EventPointsAdjustment
		if in.NightsDelta > 0 {
			kind = EventStayRecorded
		}
		ev := LedgerEvent{
			ID:          EventID(p.opts.newID()),
			MemberID:    m.ID,
			Kind:        kind,
			NightsDelta: in.NightsDelta,
			PointsDelta: pointsDelta,
			ExternalRef: in.ExternalRef,
			At:          now,
			NightsAfter: newNights,
			PointsAfter: newPoints,
			TierAfter:   tier.ID,
			TierChanged: changed,
			Source:      in.Source,
			Reason:      in.Reason,
		}
		if err := tx.AppendEvent(ctx, ev); err != nil {
			return err
		}

		m.Nights = newNights
		m.Points = newPoints
		if pointsDelta != 0 {
			m.PointsUpdatedAt = now
		}
		if changed {
			m.TierID = tier.ID
			m.TierUpdatedAt = now
		}
		if err := tx.SaveMember(ctx, m); err != nil {
			return err
		}

		if changed {
			err := tx.AppendEvent(ctx, LedgerEvent{
				ID:          EventID(p.opts.newID()),
				MemberID:    m.ID,
				Kind:        EventTierChanged,
				At:          now,
				PriorTier:   prior,
				NewTier:     tier.ID,
				NightsAfter: newNights,
				PointsAfter: newPoints,
				TierAfter:   tier.ID,
				TierChanged: true,
				Source:      in.Source,
				Reason:      "nights threshold crossed",
			})
			if err != nil {
				return err
			}
			tierChange = &[2]TierID{prior, tier.ID}
		}

		res = StayResult{
			MemberID:    m.ID,
			EventID:     ev.ID,
			Nights:      newNights,
			Points:      newPoints,
			Tier:        tier,
			TierChanged: changed,
		}
		return nil
	})
	if err != nil {
		return StayResult{}, err
	}

	// only after commit
	if tierChange != nil {
		p.opts.obs.ObserveTierChange(tierChange[0], tierChange[1])
		p.opts.log.WithFields(logrus.Fields{
			"member_id": res.MemberID,
			"from":      tierChange[0],
			"to":        tierChange[1],
		}).Info("tier changed")
	}
	return res, nil
}

func (p *Processor) replay(ev LedgerEvent) StayResult {
	tier, ok := p.policy.Lookup(ev.TierAfter)
	if !ok {
		tier = p.policy.Resolve(ev.NightsAfter)
	}
	return StayResult{
		MemberID:    ev.MemberID,
		EventID:     ev.ID,
		Nights:      ev.NightsAfter,
		Points:      ev.PointsAfter,
		Tier:        tier,
		TierChanged: ev.TierChanged,
		Replayed:    true,
	}
}

func (p *Processor) currentTier(m Member) TierDefinition {
	if t, ok := p.policy.Lookup(m.TierID); ok {
		return t
	}
	return p.policy.Resolve(m.Nights)
}

// =============================================================================
// READ PATH
// =============================================================================

// MemberView is the member-facing, point-in-time read of an account.
type MemberView struct {
	Member   Member
	Tier     TierDefinition
	Progress TierProgress
}

// Member returns the committed aggregate with its tier definition.
func (p *Processor) Member(ctx context.Context, id MemberID) (MemberView, error) {
	m, err := p.store.Member(ctx, id)
	if err != nil {
		return MemberView{}, err
	}
	return MemberView{
		Member:   m,
		Tier:     p.currentTier(m),
		Progress: p.policy.Progress(m.Nights),
	}, nil
}

// History returns a page of the member's ledger, newest first.
func (p *Processor) History(ctx context.Context, id MemberID, page EventPage) ([]LedgerEvent, error) {
	if _, err := p.store.Member(ctx, id); err != nil {
		return nil, err
	}
	return p.store.Events(ctx, id, page.Normalize())
}
