/*
tier.go - Tier policy: nights total -> tier definition

PURPOSE:
  Maps a running nights total to the tier a member belongs to. Pure: no
  I/O, no clock, no globals. The policy is an immutable value built once
  at startup (see factory/tiers.go) and passed into the Processor.

RULES:
  - Tiers are ordered by Rank; MinNights strictly increases with Rank
  - A floor tier with MinNights == 0 always exists
  - Resolve(n) = the highest-rank tier whose MinNights <= n
  - Only nights matter. Points never move a member between tiers.

MONOTONICITY:
  Because thresholds increase with rank, n1 < n2 implies
  Resolve(n1).Rank <= Resolve(n2).Rank.

DEFAULT LADDER:
  New Member  0+ nights  x1.00
  Silver      1+ nights  x1.25
  Gold       10+ nights  x1.50
  Platinum   20+ nights  x2.00

SEE ALSO:
  - processor.go: Calls Resolve after applying a stay
  - factory/tiers.go: Builds a policy from YAML
*/
package loyalty

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/shopspring/decimal"
)

// TierDefinition is one rung of the tier ladder.
type TierDefinition struct {
	ID        TierID
	Name      string
	Rank      int
	MinNights int64
	Benefits  []string
	Color     string

	// PointsMultiplier scales stay points earned while in this tier.
	PointsMultiplier decimal.Decimal
}

// ApplyMultiplier scales base points by the tier multiplier, rounding down.
// Negative or zero base points are returned unchanged. Results beyond
// int64 saturate at math.MaxInt64.
func (t TierDefinition) ApplyMultiplier(base int64) int64 {
	if base <= 0 || t.PointsMultiplier.IsZero() {
		return base
	}
	scaled := decimal.NewFromInt(base).Mul(t.PointsMultiplier).Floor()
	if scaled.GreaterThan(maxPoints) {
		return math.MaxInt64
	}
	return scaled.IntPart()
}

var (
	maxPoints = decimal.NewFromInt(math.MaxInt64)
	hundred   = decimal.NewFromInt(100)
)

// TierPolicy is an immutable, versioned tier ladder.
type TierPolicy struct {
	version string
	tiers   []TierDefinition // sorted by Rank ascending
	byID    map[TierID]int
}

// NewTierPolicy validates defs and returns a policy.
func NewTierPolicy(version string, defs []TierDefinition) (*TierPolicy, error) {
	if len(defs) == 0 {
		return nil, errors.New("tier policy: at least one tier is required")
	}

	tiers := make([]TierDefinition, len(defs))
	copy(tiers, defs)
	sort.SliceStable(tiers, func(i, j int) bool { return tiers[i].Rank < tiers[j].Rank })

	if tiers[0].MinNights != 0 {
		return nil, fmt.Errorf("tier policy: floor tier %q must start at 0 nights, got %d", tiers[0].ID, tiers[0].MinNights)
	}

	byID := make(map[TierID]int, len(tiers))
	for i, t := range tiers {
		if t.ID == "" {
			return nil, fmt.Errorf("tier policy: tier at rank %d has no id", t.Rank)
		}
		if _, dup := byID[t.ID]; dup {
			return nil, fmt.Errorf("tier policy: duplicate tier id %q", t.ID)
		}
		if i > 0 {
			prev := tiers[i-1]
			if t.Rank == prev.Rank {
				return nil, fmt.Errorf("tier policy: tiers %q and %q share rank %d", prev.ID, t.ID, t.Rank)
			}
			if t.MinNights <= prev.MinNights {
				return nil, fmt.Errorf("tier policy: threshold of %q (%d) must exceed %q (%d)",
					t.ID, t.MinNights, prev.ID, prev.MinNights)
			}
		}
		if t.PointsMultiplier.IsNegative() {
			return nil, fmt.Errorf("tier policy: tier %q has a negative multiplier", t.ID)
		}
		if t.Benefits != nil {
			t.Benefits = append([]string(nil), t.Benefits...)
			tiers[i] = t
		}
		byID[t.ID] = i
	}

	return &TierPolicy{version: version, tiers: tiers, byID: byID}, nil
}

// DefaultTierPolicy returns the built-in ladder.
func DefaultTierPolicy() *TierPolicy {
	p, err := NewTierPolicy("default-v1", []TierDefinition{
		{ID: "new_member", Name: "New Member", Rank: 1, MinNights: 0, Color: "#CD7F32",
			Benefits: []string{"Member rates", "Birthday room decoration"}, PointsMultiplier: decimal.NewFromInt(1)},
		{ID: "silver", Name: "Silver", Rank: 2, MinNights: 1, Color: "#C0C0C0",
			Benefits: []string{"10% off beverages", "Bonus points"}, PointsMultiplier: decimal.RequireFromString("1.25")},
		{ID: "gold", Name: "Gold", Rank: 3, MinNights: 10, Color: "#D4AF37",
			Benefits: []string{"Free room upgrade", "Bonus points"}, PointsMultiplier: decimal.RequireFromString("1.5")},
		{ID: "platinum", Name: "Platinum", Rank: 4, MinNights: 20, Color: "#6B7280",
			Benefits: []string{"Top-tier member discount"}, PointsMultiplier: decimal.NewFromInt(2)},
	})
	if err != nil {
		panic(err)
	}
	return p
}

// Version identifies the configuration the policy was built from.
func (p *TierPolicy) Version() string { return p.version }

// Tiers returns the ladder in rank order.
func (p *TierPolicy) Tiers() []TierDefinition {
	out := make([]TierDefinition, len(p.tiers))
	copy(out, p.tiers)
	return out
}

// Floor returns the lowest tier.
func (p *TierPolicy) Floor() TierDefinition { return p.tiers[0] }

// Resolve returns the tier for a nights total. Negative totals resolve to the floor.
func (p *TierPolicy) Resolve(nights int64) TierDefinition {
	// first tier whose threshold is above nights; the one before it wins
	i := sort.Search(len(p.tiers), func(i int) bool { return p.tiers[i].MinNights > nights })
	if i == 0 {
		return p.tiers[0]
	}
	return p.tiers[i-1]
}

// Lookup returns the definition for id.
func (p *TierPolicy) Lookup(id TierID) (TierDefinition, bool) {
	i, ok := p.byID[id]
	if !ok {
		return TierDefinition{}, false
	}
	return p.tiers[i], true
}

// Multiplier returns the points multiplier of a tier, or 1 for an unknown id.
func (p *TierPolicy) Multiplier(id TierID) decimal.Decimal {
	t, ok := p.Lookup(id)
	if !ok || t.PointsMultiplier.IsZero() {
		return decimal.NewFromInt(1)
	}
	return t.PointsMultiplier
}

// TierProgress describes how far a member is from the next tier.
type TierProgress struct {
	Current      TierDefinition
	Next         *TierDefinition // nil at the top tier
	NightsToNext int64
	Percent      int // 0-100 through the current band
}

// Progress computes the member-facing progression view for a nights total.
func (p *TierPolicy) Progress(nights int64) TierProgress {
	cur := p.Resolve(nights)
	idx := p.byID[cur.ID]
	if idx == len(p.tiers)-1 {
		return TierProgress{Current: cur, Percent: 100}
	}

	next := p.tiers[idx+1]
	band := next.MinNights - cur.MinNights
	into := nights - cur.MinNights
	if into < 0 {
		into = 0
	}
	return TierProgress{
		Current:      cur,
		Next:         &next,
		NightsToNext: next.MinNights - max(nights, 0),
		Percent:      int(decimal.NewFromInt(into).Mul(hundred).Div(decimal.NewFromInt(band)).IntPart()),
	}
}
