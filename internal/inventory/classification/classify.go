// Package classification ranks catalog items into ABC tiers by a weighted
// blend of consumption value, volume and frequency over a trailing window.
package classification

import (
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/medflow/stockflow-backend/internal/inventory/domain"
	"github.com/medflow/stockflow-backend/pkg/config"
)

const weightTolerance = 1e-6

// Config tunes scoring and the recompute schedule
type Config struct {
	Window          time.Duration
	ValueWeight     float64
	VolumeWeight    float64
	FrequencyWeight float64
	// CutoffA and CutoffB are cumulative composite shares
	CutoffA               float64
	CutoffB               float64
	MinRecomputeInterval  time.Duration
	FullRecomputeInterval time.Duration
	FreshnessBound        time.Duration
	LockTTL               time.Duration
}

// DefaultConfig returns the standard 80/95 split with equal weights
func DefaultConfig() Config {
	return Config{
		Window:                365 * 24 * time.Hour,
		ValueWeight:           1.0 / 3,
		VolumeWeight:          1.0 / 3,
		FrequencyWeight:       1.0 / 3,
		CutoffA:               0.80,
		CutoffB:               0.95,
		MinRecomputeInterval:  30 * time.Second,
		FullRecomputeInterval: time.Hour,
		FreshnessBound:        2 * time.Hour,
		LockTTL:               5 * time.Minute,
	}
}

// FromSettings builds an engine config from the loaded service config
func FromSettings(c config.ClassificationConfig, lockTTL time.Duration) Config {
	return Config{
		Window:                c.Window,
		ValueWeight:           c.ValueWeight,
		VolumeWeight:          c.VolumeWeight,
		FrequencyWeight:       c.FrequencyWeight,
		CutoffA:               c.CutoffA,
		CutoffB:               c.CutoffB,
		MinRecomputeInterval:  c.MinRecomputeInterval,
		FullRecomputeInterval: c.FullRecomputeInterval,
		FreshnessBound:        c.FreshnessBound,
		LockTTL:               lockTTL,
	}
}

// Validate rejects weights and cutoffs that cannot partition a catalog
func (c Config) Validate() error {
	details := make(map[string]string)

	weights := map[string]float64{
		"value_weight":     c.ValueWeight,
		"volume_weight":    c.VolumeWeight,
		"frequency_weight": c.FrequencyWeight,
	}
	for name, w := range weights {
		if w < 0 || w > 1 || math.IsNaN(w) {
			details[name] = "must be between 0 and 1"
		}
	}
	if sum := c.ValueWeight + c.VolumeWeight + c.FrequencyWeight; math.Abs(sum-1) > weightTolerance {
		details["weights"] = "must sum to 1, got " + strconv.FormatFloat(sum, 'f', 4, 64)
	}
	if !(c.CutoffA > 0 && c.CutoffA < c.CutoffB && c.CutoffB <= 1) {
		details["cutoffs"] = "require 0 < cutoff_a < cutoff_b <= 1"
	}
	if c.Window <= 0 {
		details["window"] = "must be positive"
	}
	if c.MinRecomputeInterval < 0 {
		details["min_recompute_interval"] = "must not be negative"
	}
	if c.FullRecomputeInterval <= 0 {
		details["full_recompute_interval"] = "must be positive"
	}
	if c.FreshnessBound <= 0 {
		details["freshness_bound"] = "must be positive"
	}
	if c.LockTTL <= 0 {
		details["lock_ttl"] = "must be positive"
	}

	if len(details) > 0 {
		return domain.ConfigurationError(details)
	}
	return nil
}

// ItemStats are one item's window figures
type ItemStats struct {
	ItemID string
	// UnitCost is null when no cost is known; the item then contributes no value
	UnitCost decimal.NullDecimal
	// Quantity is the total issued quantity in the window
	Quantity int64
	// Transactions is the number of issue operations in the window
	Transactions int64
}

// Classify scores and tiers every item. The result is ordered by rank:
// composite descending, ties by item id. The same input always yields the
// same output.
func Classify(stats []ItemStats, cfg Config) []domain.Snapshot {
	totalValue := decimal.Zero
	var totalQty, totalTxn int64
	values := make([]decimal.Decimal, len(stats))

	for i, s := range stats {
		if s.UnitCost.Valid {
			values[i] = s.UnitCost.Decimal.Mul(decimal.NewFromInt(s.Quantity))
		}
		totalValue = totalValue.Add(values[i])
		totalQty += s.Quantity
		totalTxn += s.Transactions
	}

	out := make([]domain.Snapshot, len(stats))
	totalComposite := 0.0
	for i, s := range stats {
		snap := domain.Snapshot{ItemID: s.ItemID}
		if totalValue.IsPositive() {
			snap.ValueScore = values[i].Div(totalValue).InexactFloat64()
		}
		if totalQty > 0 {
			snap.VolumeScore = float64(s.Quantity) / float64(totalQty)
		}
		if totalTxn > 0 {
			snap.FrequencyScore = float64(s.Transactions) / float64(totalTxn)
		}
		snap.CompositeScore = cfg.ValueWeight*snap.ValueScore +
			cfg.VolumeWeight*snap.VolumeScore +
			cfg.FrequencyWeight*snap.FrequencyScore
		totalComposite += snap.CompositeScore
		out[i] = snap
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CompositeScore != out[j].CompositeScore {
			return out[i].CompositeScore > out[j].CompositeScore
		}
		return out[i].ItemID < out[j].ItemID
	})

	cumulative := 0.0
	for i := range out {
		out[i].Category = domain.CategoryC
		if totalComposite <= 0 || out[i].CompositeScore <= 0 {
			continue
		}
		// the item that crosses a cutoff still belongs to the tier below it
		before := cumulative / totalComposite
		switch {
		case before < cfg.CutoffA:
			out[i].Category = domain.CategoryA
		case before < cfg.CutoffB:
			out[i].Category = domain.CategoryB
		}
		cumulative += out[i].CompositeScore
	}

	return out
}
