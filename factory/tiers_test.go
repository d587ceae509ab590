package factory_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/factory"
	"github.com/warp/loyalty-engine/loyalty"
)

const ladderYAML = `
version: "2025-01"
tiers:
  - id: member
    name: Member
    min_nights: 0
  - id: silver
    name: Silver
    min_nights: 5
    multiplier: "1.25"
    benefits: ["Late checkout"]
  - id: gold
    name: Gold
    min_nights: 25
    multiplier: "1.5"
    color: "#D4AF37"
benefits:
  - id: free_breakfast
    name: Free breakfast
    eligible_tiers: [gold]
  - id: welcome_drink
    allow_multiple: true
`

func TestParseTiers_YAML(t *testing.T) {
	cfg, err := factory.ParseTiers([]byte(ladderYAML))
	require.NoError(t, err)

	p := cfg.Policy
	assert.Equal(t, "2025-01", p.Version())
	assert.Equal(t, loyalty.TierID("member"), p.Resolve(4).ID)
	assert.Equal(t, loyalty.TierID("silver"), p.Resolve(5).ID)
	assert.Equal(t, loyalty.TierID("gold"), p.Resolve(25).ID)

	silver, ok := p.Lookup("silver")
	require.True(t, ok)
	assert.Equal(t, 2, silver.Rank, "rank defaults to position")
	assert.Equal(t, int64(125), silver.ApplyMultiplier(100))
	assert.Equal(t, []string{"Late checkout"}, silver.Benefits)

	require.Len(t, cfg.BenefitTypes, 2)
	assert.Equal(t, loyalty.BenefitTypeID("free_breakfast"), cfg.BenefitTypes[0].ID)
	assert.Equal(t, []loyalty.TierID{"gold"}, cfg.BenefitTypes[0].EligibleTiers)
	assert.Equal(t, "welcome_drink", cfg.BenefitTypes[1].Name, "name defaults to id")
	assert.True(t, cfg.BenefitTypes[1].AllowMultiple)
}

func TestParseTiers_JSON(t *testing.T) {
	cfg, err := factory.ParseTiers([]byte(`{
		"version": "json-1",
		"tiers": [
			{"id": "base", "min_nights": 0},
			{"id": "vip", "min_nights": 3, "multiplier": "2"}
		]
	}`))
	require.NoError(t, err)
	assert.Equal(t, loyalty.TierID("vip"), cfg.Policy.Resolve(3).ID)
	assert.Empty(t, cfg.BenefitTypes)
}

func TestParseTiers_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not yaml", "tiers: [unterminated"},
		{"no version", "tiers: [{id: a, min_nights: 0}]"},
		{"no tiers", "version: v1"},
		{"no floor", "version: v1\ntiers: [{id: a, min_nights: 2}]"},
		{"decreasing thresholds", "version: v1\ntiers: [{id: a, min_nights: 0}, {id: b, min_nights: 10}, {id: c, min_nights: 5}]"},
		{"bad multiplier", "version: v1\ntiers: [{id: a, min_nights: 0, multiplier: lots}]"},
		{"tier without id", "version: v1\ntiers: [{min_nights: 0}]"},
		{"negative nights", "version: v1\ntiers: [{id: a, min_nights: -1}]"},
		{"benefit unknown tier", "version: v1\ntiers: [{id: a, min_nights: 0}]\nbenefits: [{id: x, eligible_tiers: [z]}]"},
		{"duplicate benefit", "version: v1\ntiers: [{id: a, min_nights: 0}]\nbenefits: [{id: x}, {id: x}]"},
		{"benefit without id", "version: v1\ntiers: [{id: a, min_nights: 0}]\nbenefits: [{name: x}]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := factory.ParseTiers([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadTiers_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(ladderYAML), 0o644))

	cfg, err := factory.LoadTiers(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Policy.Tiers(), 3)

	_, err = factory.LoadTiers(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestToYAML_RebuildsSamePolicy(t *testing.T) {
	// GIVEN: The default ladder exported to YAML
	// THEN:  Parsing the export resolves every nights total the same way
	policy := loyalty.DefaultTierPolicy()
	benefits := []loyalty.BenefitType{{ID: "lounge", Name: "Lounge", EligibleTiers: []loyalty.TierID{"platinum"}}}

	data, err := factory.ToYAML(policy, benefits).Marshal()
	require.NoError(t, err)

	cfg, err := factory.ParseTiers(data)
	require.NoError(t, err)
	assert.Equal(t, policy.Version(), cfg.Policy.Version())
	for n := int64(0); n <= 30; n++ {
		assert.Equal(t, policy.Resolve(n).ID, cfg.Policy.Resolve(n).ID, "nights=%d", n)
	}
	gold, _ := cfg.Policy.Lookup("gold")
	assert.Equal(t, int64(150), gold.ApplyMultiplier(100))
	assert.Equal(t, benefits[0].EligibleTiers, cfg.BenefitTypes[0].EligibleTiers)
}
