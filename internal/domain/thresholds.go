package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Thresholds holds every tunable limit used by the canonical rules.
// A value is passed to rule constructors; rules never read shared state.
type Thresholds struct {
	// Amount thresholds
	MaxBatchAmount             decimal.Decimal `json:"maxBatchAmount" yaml:"max_batch_amount"`
	MaxWorkRequestAmount       decimal.Decimal `json:"maxWorkRequestAmount" yaml:"max_work_request_amount"`
	MaxWeeklyWorkRequestAmount decimal.Decimal `json:"maxWeeklyWorkRequestAmount" yaml:"max_weekly_work_request_amount"`
	MaxPricePerUnit            decimal.Decimal `json:"maxPricePerUnit" yaml:"max_price_per_unit"`

	// Consistency
	MaxLineItemsPerWorkRequest int `json:"maxLineItemsPerWorkRequest" yaml:"max_line_items_per_work_request"`

	// Date logic
	WeekendRecordLimit int `json:"weekendRecordLimit" yaml:"weekend_record_limit"`

	// Quantity and pricing
	MaxQuantity      decimal.Decimal `json:"maxQuantity" yaml:"max_quantity"`
	UnitPriceCeiling decimal.Decimal `json:"unitPriceCeiling" yaml:"unit_price_ceiling"`
	UnitPriceFloor   decimal.Decimal `json:"unitPriceFloor" yaml:"unit_price_floor"`

	// Pattern detection
	RoundNumberRatio     float64 `json:"roundNumberRatio" yaml:"round_number_ratio"`
	RoundNumberMinSample int     `json:"roundNumberMinSample" yaml:"round_number_min_sample"`

	// Foreman concentration, shares in percent of batch revenue
	ForemanCriticalShare float64 `json:"foremanCriticalShare" yaml:"foreman_critical_share"`
	ForemanWarningShare  float64 `json:"foremanWarningShare" yaml:"foreman_warning_share"`
	WorkloadMultiplier   float64 `json:"workloadMultiplier" yaml:"workload_multiplier"`
	WorkloadFloor        int     `json:"workloadFloor" yaml:"workload_floor"`
	UnknownForeman       string  `json:"unknownForeman" yaml:"unknown_foreman"`

	// ExtremeOutlierMultiplier is carried for configuration compatibility.
	// No rule reads it yet.
	ExtremeOutlierMultiplier float64 `json:"extremeOutlierMultiplier" yaml:"extreme_outlier_multiplier"`
}

// DefaultThresholds returns the production defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxBatchAmount:             decimal.NewFromInt(1_000_000),
		MaxWorkRequestAmount:       decimal.NewFromInt(250_000),
		MaxWeeklyWorkRequestAmount: decimal.NewFromInt(50_000),
		MaxPricePerUnit:            decimal.NewFromInt(10_000),
		MaxLineItemsPerWorkRequest: 50,
		WeekendRecordLimit:         10,
		MaxQuantity:                decimal.NewFromInt(1_000),
		UnitPriceCeiling:           decimal.NewFromInt(50_000),
		UnitPriceFloor:             decimal.RequireFromString("0.50"),
		RoundNumberRatio:           0.30,
		RoundNumberMinSample:       0,
		ForemanCriticalShare:       60,
		ForemanWarningShare:        40,
		WorkloadMultiplier:         5,
		WorkloadFloor:              100,
		UnknownForeman:             "Unknown",
		ExtremeOutlierMultiplier:   15,
	}
}

// ErrInvalidThresholds is returned by Validate.
var ErrInvalidThresholds = errors.New("invalid thresholds")

// Validate rejects threshold sets no rule can work with.
func (t Thresholds) Validate() error {
	money := map[string]decimal.Decimal{
		"maxBatchAmount":             t.MaxBatchAmount,
		"maxWorkRequestAmount":       t.MaxWorkRequestAmount,
		"maxWeeklyWorkRequestAmount": t.MaxWeeklyWorkRequestAmount,
		"maxPricePerUnit":            t.MaxPricePerUnit,
		"maxQuantity":                t.MaxQuantity,
		"unitPriceCeiling":           t.UnitPriceCeiling,
		"unitPriceFloor":             t.UnitPriceFloor,
	}
	for name, v := range money {
		if v.IsNegative() {
			return fmt.Errorf("%w: %s must not be negative", ErrInvalidThresholds, name)
		}
	}
	if t.UnitPriceFloor.GreaterThan(t.UnitPriceCeiling) {
		return fmt.Errorf("%w: unitPriceFloor above unitPriceCeiling", ErrInvalidThresholds)
	}
	if t.MaxLineItemsPerWorkRequest <= 0 || t.WeekendRecordLimit < 0 || t.WorkloadFloor < 0 || t.RoundNumberMinSample < 0 {
		return fmt.Errorf("%w: counts must be positive", ErrInvalidThresholds)
	}
	if t.RoundNumberRatio <= 0 || t.RoundNumberRatio > 1 {
		return fmt.Errorf("%w: roundNumberRatio must be in (0, 1]", ErrInvalidThresholds)
	}
	if t.ForemanWarningShare <= 0 || t.ForemanWarningShare > t.ForemanCriticalShare || t.ForemanCriticalShare > 100 {
		return fmt.Errorf("%w: foreman shares must satisfy 0 < warning <= critical <= 100", ErrInvalidThresholds)
	}
	if t.WorkloadMultiplier <= 0 {
		return fmt.Errorf("%w: workloadMultiplier must be positive", ErrInvalidThresholds)
	}
	return nil
}
