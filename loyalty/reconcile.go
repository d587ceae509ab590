package loyalty

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Discrepancy is a member whose running totals disagree with the sum of
// their ledger, or whose tier disagrees with the policy.
type Discrepancy struct {
	MemberID     MemberID
	Nights       int64
	LedgerNights int64
	Points       int64
	LedgerPoints int64
	TierID       TierID
	ExpectedTier TierID
}

func (d Discrepancy) String() string {
	return fmt.Sprintf("%s: nights %d (ledger %d), points %d (ledger %d), tier %s (expected %s)",
		d.MemberID, d.Nights, d.LedgerNights, d.Points, d.LedgerPoints, d.TierID, d.ExpectedTier)
}

// Auditor re-derives member totals from the ledger. It only reads.
type Auditor struct {
	store  Store
	policy *TierPolicy
	opts   options
}

func NewAuditor(store Store, policy *TierPolicy, opts ...Option) *Auditor {
	return &Auditor{store: store, policy: policy, opts: buildOptions(opts)}
}

// Audit checks one member. It returns nil when the member is consistent.
// Member row and ledger are read in the same transaction so a concurrent
// RecordStay cannot produce a false positive.
func (a *Auditor) Audit(ctx context.Context, id MemberID) (*Discrepancy, error) {
	var d *Discrepancy
	err := a.store.WithTx(ctx, func(tx Tx) error {
		m, err := tx.LoadMember(ctx, id)
		if err != nil {
			return err
		}
		events, err := tx.LoadEvents(ctx, id)
		if err != nil {
			return err
		}

		var nights, points int64
		for _, e := range events {
			if !e.Kind.CountsTowardTotals() {
				continue
			}
			nights += e.NightsDelta
			points += e.PointsDelta
		}
		expected := a.policy.Resolve(m.Nights).ID
		if nights != m.Nights || points != m.Points || expected != m.TierID {
			d = &Discrepancy{
				MemberID:     m.ID,
				Nights:       m.Nights,
				LedgerNights: nights,
				Points:       m.Points,
				LedgerPoints: points,
				TierID:       m.TierID,
				ExpectedTier: expected,
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// AuditAll checks every member and returns the inconsistent ones.
func (a *Auditor) AuditAll(ctx context.Context) ([]Discrepancy, error) {
	ids, err := a.store.MemberIDs(ctx)
	if err != nil {
		return nil, err
	}
	var out []Discrepancy
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		d, err := a.Audit(ctx, id)
		if err != nil {
			return out, fmt.Errorf("audit %s: %w", id, err)
		}
		if d != nil {
			a.opts.log.WithFields(logrus.Fields{
				"member_id":     d.MemberID,
				"nights":        d.Nights,
				"ledger_nights": d.LedgerNights,
				"points":        d.Points,
				"ledger_points": d.LedgerPoints,
			}).Error("ledger discrepancy")
			out = append(out, *d)
		}
	}
	a.opts.log.WithFields(logrus.Fields{"members": len(ids), "discrepancies": len(out)}).Info("reconciliation finished")
	return out, nil
}
