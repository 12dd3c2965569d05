// Package reorder derives safety stock and reorder points per stock point
// from recent issue history and raises advisories when a balance falls to
// its reorder point.
package reorder

import (
	"math"
	"time"

	"github.com/medflow/stockflow-backend/internal/inventory/domain"
	"github.com/medflow/stockflow-backend/pkg/config"
)

const day = 24 * time.Hour

// Config tunes the reorder math and advisory cooldown
type Config struct {
	Window              time.Duration
	ServiceLevel        float64
	DefaultLeadTimeDays float64
	// Cooldown is measured in logical time, the commit timestamps driving evaluation
	Cooldown        time.Duration
	RefreshInterval time.Duration
}

// DefaultConfig returns a 90 day window at a 95% service level
func DefaultConfig() Config {
	return Config{
		Window:              90 * day,
		ServiceLevel:        0.95,
		DefaultLeadTimeDays: 7,
		Cooldown:            day,
		RefreshInterval:     time.Hour,
	}
}

// FromSettings builds an engine config from the loaded service config
func FromSettings(c config.ReorderConfig) Config {
	return Config{
		Window:              c.Window,
		ServiceLevel:        c.ServiceLevel,
		DefaultLeadTimeDays: c.DefaultLeadTimeDays,
		Cooldown:            c.Cooldown,
		RefreshInterval:     c.RefreshInterval,
	}
}

// Validate rejects settings the math cannot use
func (c Config) Validate() error {
	details := make(map[string]string)
	if !(c.ServiceLevel > 0 && c.ServiceLevel < 1) {
		details["service_level"] = "must be strictly between 0 and 1"
	}
	if c.Window < day {
		details["window"] = "must be at least one day"
	}
	if c.DefaultLeadTimeDays <= 0 {
		details["default_lead_time_days"] = "must be positive"
	}
	if c.Cooldown < 0 {
		details["cooldown"] = "must not be negative"
	}
	if c.RefreshInterval <= 0 {
		details["refresh_interval"] = "must be positive"
	}
	if len(details) > 0 {
		return domain.ConfigurationError(details)
	}
	return nil
}

// Days is the number of daily buckets in the window
func (c Config) Days() int {
	return int((c.Window + day - 1) / day)
}

// Z is the standard normal quantile for a service level
func Z(serviceLevel float64) float64 {
	return math.Sqrt2 * math.Erfinv(2*serviceLevel-1)
}

// DailyUsage buckets issued quantities into days ending at end. Days with
// no issues are zero; operations outside the window are ignored.
func DailyUsage(ops []domain.StockOperation, end time.Time, days int) []float64 {
	series := make([]float64, days)
	start := end.Add(-time.Duration(days) * day)
	for _, op := range ops {
		if op.Type != domain.OpIssue || op.OccurredAt.Before(start) || op.OccurredAt.After(end) {
			continue
		}
		i := int(op.OccurredAt.Sub(start) / day)
		if i >= days {
			i = days - 1
		}
		q := op.Delta
		if q < 0 {
			q = -q
		}
		series[i] += float64(q)
	}
	return series
}

// Levels are one stock point's derived reorder figures
type Levels struct {
	AverageDailyUsage float64 `json:"average_daily_usage"`
	DemandStdDev      float64 `json:"demand_std_dev"`
	LeadTimeDays      float64 `json:"lead_time_days"`
	SafetyStock       float64 `json:"safety_stock"`
	ReorderPoint      float64 `json:"reorder_point"`
}

// ComputeLevels applies safety_stock = z*sigma*sqrt(L) and
// reorder_point = avg*L + safety_stock to a daily usage series
func ComputeLevels(series []float64, leadTimeDays, z float64) Levels {
	lv := Levels{LeadTimeDays: leadTimeDays}
	if len(series) == 0 {
		return lv
	}

	var sum float64
	for _, v := range series {
		sum += v
	}
	mean := sum / float64(len(series))

	var sq float64
	for _, v := range series {
		sq += (v - mean) * (v - mean)
	}

	lv.AverageDailyUsage = mean
	lv.DemandStdDev = math.Sqrt(sq / float64(len(series)))
	lv.SafetyStock = z * lv.DemandStdDev * math.Sqrt(leadTimeDays)
	lv.ReorderPoint = mean*leadTimeDays + lv.SafetyStock
	return lv
}
