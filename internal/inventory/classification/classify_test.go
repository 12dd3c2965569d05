package classification_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medflow/stockflow-backend/internal/inventory/classification"
	"github.com/medflow/stockflow-backend/internal/inventory/domain"
	"github.com/medflow/stockflow-backend/pkg/errors"
)

func cost(v int64) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: decimal.NewFromInt(v), Valid: true}
}

func valueOnly() classification.Config {
	cfg := classification.DefaultConfig()
	cfg.ValueWeight, cfg.VolumeWeight, cfg.FrequencyWeight = 1, 0, 0
	return cfg
}

func categories(snaps []domain.Snapshot) map[string]domain.Category {
	out := make(map[string]domain.Category, len(snaps))
	for _, s := range snaps {
		out[s.ItemID] = s.Category
	}
	return out
}

func TestClassify_Cutoffs(t *testing.T) {
	stats := []classification.ItemStats{
		{ItemID: "e", UnitCost: cost(1), Quantity: 3, Transactions: 1},
		{ItemID: "a", UnitCost: cost(1), Quantity: 55, Transactions: 1},
		{ItemID: "c", UnitCost: cost(1), Quantity: 8, Transactions: 1},
		{ItemID: "b", UnitCost: cost(1), Quantity: 30, Transactions: 1},
		{ItemID: "d", UnitCost: cost(1), Quantity: 4, Transactions: 1},
	}

	snaps := classification.Classify(stats, valueOnly())
	require.Len(t, snaps, 5)

	ids := make([]string, len(snaps))
	for i, s := range snaps {
		ids[i] = s.ItemID
	}
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, ids)

	// b takes the cumulative share from 55% to 85% and is still A
	assert.Equal(t, map[string]domain.Category{
		"a": domain.CategoryA,
		"b": domain.CategoryA,
		"c": domain.CategoryB,
		"d": domain.CategoryB,
		"e": domain.CategoryC,
	}, categories(snaps))
	assert.InDelta(t, 0.55, snaps[0].ValueScore, 1e-9)
	assert.InDelta(t, 0.55, snaps[0].CompositeScore, 1e-9)
}

func TestClassify_ValueShareAgainstTotal(t *testing.T) {
	// gloves: 1,000 units at 10 against a window total of 100,000
	gloves := classification.ItemStats{ItemID: "gloves", UnitCost: cost(10), Quantity: 1000, Transactions: 1}

	tests := []struct {
		name   string
		others []classification.ItemStats
		want   domain.Category
	}{
		{
			name: "even spread",
			others: []classification.ItemStats{
				{ItemID: "item-1", UnitCost: cost(10), Quantity: 1000, Transactions: 1},
				{ItemID: "item-2", UnitCost: cost(10), Quantity: 1000, Transactions: 1},
				{ItemID: "item-3", UnitCost: cost(10), Quantity: 1000, Transactions: 1},
				{ItemID: "item-4", UnitCost: cost(10), Quantity: 1000, Transactions: 1},
				{ItemID: "item-5", UnitCost: cost(10), Quantity: 1000, Transactions: 1},
				{ItemID: "item-6", UnitCost: cost(10), Quantity: 1000, Transactions: 1},
				{ItemID: "item-7", UnitCost: cost(10), Quantity: 1000, Transactions: 1},
				{ItemID: "item-8", UnitCost: cost(10), Quantity: 1000, Transactions: 1},
				{ItemID: "item-9", UnitCost: cost(10), Quantity: 1000, Transactions: 1},
			},
			want: domain.CategoryA,
		},
		{
			name: "behind a 70% item",
			others: []classification.ItemStats{
				{ItemID: "bandage", UnitCost: cost(70), Quantity: 1000, Transactions: 1},
				{ItemID: "pads", UnitCost: cost(10), Quantity: 1000, Transactions: 1},
				{ItemID: "tape", UnitCost: cost(10), Quantity: 1000, Transactions: 1},
			},
			want: domain.CategoryA,
		},
		{
			name: "behind 90% of the value",
			others: []classification.ItemStats{
				{ItemID: "bandage", UnitCost: cost(50), Quantity: 1000, Transactions: 1},
				{ItemID: "catheter", UnitCost: cost(40), Quantity: 1000, Transactions: 1},
			},
			want: domain.CategoryB,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stats := append([]classification.ItemStats{gloves}, tt.others...)

			var got domain.Snapshot
			for _, s := range classification.Classify(stats, valueOnly()) {
				if s.ItemID == "gloves" {
					got = s
				}
			}
			assert.InDelta(t, 0.10, got.ValueScore, 1e-9)
			assert.InDelta(t, 0.10, got.CompositeScore, 1e-9)
			assert.Equal(t, tt.want, got.Category)
		})
	}
}

func TestClassify_ScoresBlendWeights(t *testing.T) {
	stats := []classification.ItemStats{
		{ItemID: "gauze", UnitCost: cost(3), Quantity: 10, Transactions: 1},
		{ItemID: "mask", UnitCost: cost(1), Quantity: 30, Transactions: 3},
	}

	snaps := classification.Classify(stats, classification.DefaultConfig())
	byID := map[string]domain.Snapshot{}
	for _, s := range snaps {
		byID[s.ItemID] = s
	}

	gauze := byID["gauze"]
	assert.InDelta(t, 0.5, gauze.ValueScore, 1e-9)
	assert.InDelta(t, 0.25, gauze.VolumeScore, 1e-9)
	assert.InDelta(t, 0.25, gauze.FrequencyScore, 1e-9)
	assert.InDelta(t, 1.0/3, gauze.CompositeScore, 1e-9)

	mask := byID["mask"]
	assert.InDelta(t, 0.5, mask.ValueScore, 1e-9)
	assert.InDelta(t, 0.75, mask.VolumeScore, 1e-9)
	assert.InDelta(t, 2.0/3, mask.CompositeScore, 1e-9)
	assert.Equal(t, "mask", snaps[0].ItemID)
}

func TestClassify_TiesBreakByItemID(t *testing.T) {
	stats := []classification.ItemStats{
		{ItemID: "zeta", UnitCost: cost(1), Quantity: 10, Transactions: 2},
		{ItemID: "alpha", UnitCost: cost(1), Quantity: 10, Transactions: 2},
		{ItemID: "mid", UnitCost: cost(1), Quantity: 10, Transactions: 2},
	}

	snaps := classification.Classify(stats, classification.DefaultConfig())
	assert.Equal(t, "alpha", snaps[0].ItemID)
	assert.Equal(t, "mid", snaps[1].ItemID)
	assert.Equal(t, "zeta", snaps[2].ItemID)
}

func TestClassify_AllZeroIsC(t *testing.T) {
	stats := []classification.ItemStats{
		{ItemID: "a", UnitCost: cost(5)},
		{ItemID: "b"},
	}

	for _, s := range classification.Classify(stats, classification.DefaultConfig()) {
		assert.Equal(t, domain.CategoryC, s.Category, s.ItemID)
		assert.Zero(t, s.CompositeScore)
	}
}

func TestClassify_UnusedItemIsC(t *testing.T) {
	stats := []classification.ItemStats{
		{ItemID: "busy", UnitCost: cost(1), Quantity: 10, Transactions: 4},
		{ItemID: "idle", UnitCost: cost(100)},
	}

	got := categories(classification.Classify(stats, classification.DefaultConfig()))
	assert.Equal(t, domain.CategoryA, got["busy"])
	assert.Equal(t, domain.CategoryC, got["idle"])
}

func TestClassify_MissingCostContributesNoValue(t *testing.T) {
	stats := []classification.ItemStats{
		{ItemID: "costed", UnitCost: cost(2), Quantity: 5, Transactions: 1},
		{ItemID: "uncosted", Quantity: 5, Transactions: 1},
	}

	for _, s := range classification.Classify(stats, classification.DefaultConfig()) {
		if s.ItemID == "uncosted" {
			assert.Zero(t, s.ValueScore)
			assert.InDelta(t, 0.5, s.VolumeScore, 1e-9)
		} else {
			assert.InDelta(t, 1.0, s.ValueScore, 1e-9)
		}
	}
}

func TestClassify_Deterministic(t *testing.T) {
	stats := []classification.ItemStats{
		{ItemID: "a", UnitCost: cost(4), Quantity: 12, Transactions: 3},
		{ItemID: "b", UnitCost: cost(1), Quantity: 40, Transactions: 9},
		{ItemID: "c", UnitCost: cost(9), Quantity: 2, Transactions: 2},
		{ItemID: "d", UnitCost: cost(1), Quantity: 1, Transactions: 1},
	}
	reversed := make([]classification.ItemStats, len(stats))
	for i := range stats {
		reversed[len(stats)-1-i] = stats[i]
	}

	cfg := classification.DefaultConfig()
	assert.Equal(t, classification.Classify(stats, cfg), classification.Classify(reversed, cfg))
}

func TestClassify_EveryItemGetsOneCategory(t *testing.T) {
	var stats []classification.ItemStats
	for i := int64(1); i <= 20; i++ {
		stats = append(stats, classification.ItemStats{
			ItemID:       string(rune('a' + i)),
			UnitCost:     cost(i),
			Quantity:     i * i,
			Transactions: i,
		})
	}

	snaps := classification.Classify(stats, classification.DefaultConfig())
	require.Len(t, snaps, len(stats))
	seen := map[string]bool{}
	for _, s := range snaps {
		assert.False(t, seen[s.ItemID])
		seen[s.ItemID] = true
		assert.True(t, s.Category.Valid())
	}
	assert.Equal(t, domain.CategoryA, snaps[0].Category)
	assert.Equal(t, domain.CategoryC, snaps[len(snaps)-1].Category)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*classification.Config)
		field  string
	}{
		{"weight above one", func(c *classification.Config) { c.ValueWeight = 1.5 }, "value_weight"},
		{"negative weight", func(c *classification.Config) { c.VolumeWeight = -0.1 }, "volume_weight"},
		{"weights not summing to one", func(c *classification.Config) { c.FrequencyWeight = 0.5 }, "weights"},
		{"cutoffs inverted", func(c *classification.Config) { c.CutoffA, c.CutoffB = 0.95, 0.8 }, "cutoffs"},
		{"cutoff b above one", func(c *classification.Config) { c.CutoffB = 1.2 }, "cutoffs"},
		{"zero cutoff a", func(c *classification.Config) { c.CutoffA = 0 }, "cutoffs"},
		{"zero window", func(c *classification.Config) { c.Window = 0 }, "window"},
		{"zero full interval", func(c *classification.Config) { c.FullRecomputeInterval = 0 }, "full_recompute_interval"},
		{"zero freshness", func(c *classification.Config) { c.FreshnessBound = 0 }, "freshness_bound"},
		{"zero lock ttl", func(c *classification.Config) { c.LockTTL = 0 }, "lock_ttl"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := classification.DefaultConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrConfiguration))

			var appErr *errors.AppError
			require.True(t, errors.As(err, &appErr))
			assert.Contains(t, appErr.Details, tt.field)
		})
	}

	assert.NoError(t, classification.DefaultConfig().Validate())
}
