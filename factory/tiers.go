/*
Package factory provides YAML to Go tier-policy conversion.

PURPOSE:
  Converts a tier ladder (and an optional benefit catalog) written in YAML
  into an immutable loyalty.TierPolicy. Thresholds and multipliers change
  without code changes, and every loaded policy carries a version so the
  ledger can be audited against the configuration that produced it.

  YAML is a superset of JSON, so the same loader accepts JSON documents.

YAML SCHEMA:
  version: "2025-01"
  tiers:
    - id: new_member
      name: New Member
      rank: 1
      min_nights: 0
      multiplier: "1.0"
      color: "#CD7F32"
      benefits: ["Member rates"]
    - id: silver
      name: Silver
      rank: 2
      min_nights: 1
      multiplier: "1.25"
  benefits:
    - id: free_breakfast
      name: Free breakfast
      allow_multiple: false
      eligible_tiers: [gold, platinum]

KEY FEATURES:
  - Validates structure (floor tier, strictly increasing thresholds)
  - Rank defaults to list position when omitted
  - Multipliers parsed as decimals, never floats
  - Benefit tier restrictions checked against the ladder

USAGE:
  cfg, err := factory.LoadTiers("tiers.yaml")
  proc := loyalty.NewProcessor(store, cfg.Policy)

SEE ALSO:
  - loyalty/tier.go: TierPolicy and its invariants
*/
package factory

import (
	"errors"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// YAML SCHEMA TYPES
// =============================================================================

// TierFileYAML is the document root.
type TierFileYAML struct {
	Version  string            `yaml:"version"`
	Tiers    []TierYAML        `yaml:"tiers"`
	Benefits []BenefitTypeYAML `yaml:"benefits,omitempty"`
}

// TierYAML is one rung of the ladder.
type TierYAML struct {
	ID         string   `yaml:"id"`
	Name       string   `yaml:"name"`
	Rank       int      `yaml:"rank,omitempty"` // defaults to position (1-based)
	MinNights  int64    `yaml:"min_nights"`
	Multiplier string   `yaml:"multiplier,omitempty"` // decimal, defaults to "1"
	Color      string   `yaml:"color,omitempty"`
	Benefits   []string `yaml:"benefits,omitempty"`
}

// BenefitTypeYAML is a catalog entry created at startup.
type BenefitTypeYAML struct {
	ID            string   `yaml:"id"`
	Name          string   `yaml:"name"`
	AllowMultiple bool     `yaml:"allow_multiple,omitempty"`
	EligibleTiers []string `yaml:"eligible_tiers,omitempty"`
}

// TierConfig is the parsed, validated result.
type TierConfig struct {
	Policy       *loyalty.TierPolicy
	BenefitTypes []loyalty.BenefitType
}

// =============================================================================
// PARSING
// =============================================================================

// LoadTiers reads and parses a tier file.
func LoadTiers(path string) (*TierConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading tier file %s: %w", path, err)
	}
	return ParseTiers(data)
}

// ParseTiers parses a YAML (or JSON) tier document.
func ParseTiers(data []byte) (*TierConfig, error) {
	var doc TierFileYAML
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing tier file: %w", err)
	}
	return doc.Build()
}

// Build converts the document into a policy and catalog.
func (doc TierFileYAML) Build() (*TierConfig, error) {
	if doc.Version == "" {
		return nil, errors.New("tier file: version is required")
	}
	if len(doc.Tiers) == 0 {
		return nil, errors.New("tier file: no tiers defined")
	}

	defs := make([]loyalty.TierDefinition, len(doc.Tiers))
	for i, t := range doc.Tiers {
		def, err := t.toDefinition(i)
		if err != nil {
			return nil, err
		}
		defs[i] = def
	}

	policy, err := loyalty.NewTierPolicy(doc.Version, defs)
	if err != nil {
		return nil, err
	}

	types := make([]loyalty.BenefitType, 0, len(doc.Benefits))
	seen := make(map[string]bool, len(doc.Benefits))
	for _, b := range doc.Benefits {
		if b.ID == "" {
			return nil, errors.New("tier file: benefit id is required")
		}
		if seen[b.ID] {
			return nil, fmt.Errorf("tier file: duplicate benefit %q", b.ID)
		}
		seen[b.ID] = true

		bt := loyalty.BenefitType{
			ID:            loyalty.BenefitTypeID(b.ID),
			Name:          b.Name,
			AllowMultiple: b.AllowMultiple,
		}
		if bt.Name == "" {
			bt.Name = b.ID
		}
		for _, tier := range b.EligibleTiers {
			if _, ok := policy.Lookup(loyalty.TierID(tier)); !ok {
				return nil, fmt.Errorf("tier file: benefit %q references unknown tier %q", b.ID, tier)
			}
			bt.EligibleTiers = append(bt.EligibleTiers, loyalty.TierID(tier))
		}
		types = append(types, bt)
	}

	return &TierConfig{Policy: policy, BenefitTypes: types}, nil
}

func (t TierYAML) toDefinition(pos int) (loyalty.TierDefinition, error) {
	if t.ID == "" {
		return loyalty.TierDefinition{}, fmt.Errorf("tier file: tier #%d has no id", pos+1)
	}
	if t.MinNights < 0 {
		return loyalty.TierDefinition{}, fmt.Errorf("tier %q: min_nights must not be negative", t.ID)
	}

	mult := decimal.NewFromInt(1)
	if t.Multiplier != "" {
		m, err := decimal.NewFromString(t.Multiplier)
		if err != nil {
			return loyalty.TierDefinition{}, fmt.Errorf("tier %q: invalid multiplier %q: %w", t.ID, t.Multiplier, err)
		}
		mult = m
	}

	rank := t.Rank
	if rank == 0 {
		rank = pos + 1
	}
	name := t.Name
	if name == "" {
		name = t.ID
	}

	return loyalty.TierDefinition{
		ID:               loyalty.TierID(t.ID),
		Name:             name,
		Rank:             rank,
		MinNights:        t.MinNights,
		Benefits:         t.Benefits,
		Color:            t.Color,
		PointsMultiplier: mult,
	}, nil
}

// =============================================================================
// EXPORT
// =============================================================================

// ToYAML renders a policy back into the file format. Used by GET /api/tiers
// and to write a starter file.
func ToYAML(policy *loyalty.TierPolicy, benefits []loyalty.BenefitType) TierFileYAML {
	doc := TierFileYAML{Version: policy.Version()}
	for _, t := range policy.Tiers() {
		doc.Tiers = append(doc.Tiers, TierYAML{
			ID:         string(t.ID),
			Name:       t.Name,
			Rank:       t.Rank,
			MinNights:  t.MinNights,
			Multiplier: policy.Multiplier(t.ID).String(),
			Color:      t.Color,
			Benefits:   t.Benefits,
		})
	}
	for _, b := range benefits {
		by := BenefitTypeYAML{ID: string(b.ID), Name: b.Name, AllowMultiple: b.AllowMultiple}
		for _, tier := range b.EligibleTiers {
			by.EligibleTiers = append(by.EligibleTiers, string(tier))
		}
		doc.Benefits = append(doc.Benefits, by)
	}
	return doc
}

// Marshal encodes the document as YAML.
func (doc TierFileYAML) Marshal() ([]byte, error) {
	return yaml.Marshal(doc)
}
