// Package rules implements the batch validation engine: a fixed, ordered
// set of independent anomaly detectors whose findings are merged into one
// report with a bounded risk score.
package rules

import (
	"time"

	"github.com/opensource-finance/billguard/internal/domain"
)

// Rule inspects a whole batch and reports what it found.
//
// Implementations must not keep state between calls or mutate their inputs:
// one Rule value is shared by every concurrent Validate call. A returned
// error (or a panic) is contained by the Engine and turned into a single
// critical violation.
type Rule interface {
	Name() string
	Evaluate(records []domain.Record, vctx domain.ValidationContext) (domain.RuleFinding, error)
}

// Canonical rule names, also used as business_metrics keys.
const (
	NameAmountThresholds     = "amount_thresholds"
	NameConsistencyCheck     = "consistency_check"
	NameDateLogic            = "date_logic"
	NameQuantityPricing      = "quantity_pricing"
	NamePatternDetection     = "pattern_detection"
	NameForemanConcentration = "foreman_concentration"
	NameDuplicateDetection   = "duplicate_detection"
)

// Risk points contributed per finding.
const (
	riskNegativeAmount      = 30.0
	riskBatchTotal          = 40.0
	riskWorkRequestTotal    = 25.0
	riskWeeklyTotal         = 10.0
	riskPricePerUnit        = 3.0
	riskMixedForemen        = 3.0
	riskMixedCustomers      = 10.0
	riskOversizedRequest    = 2.0
	riskFutureDate          = 8.0
	riskWeekendDate         = 1.0
	riskWeekendVolume       = 5.0
	riskHighQuantity        = 2.0
	riskUnitPriceCeiling    = 8.0
	riskUnitPriceFloor      = 1.0
	riskRoundNumberBias     = 4.0
	riskRepeatedSignature   = 3.0
	riskForemanCritical     = 10.0
	riskForemanWarning      = 5.0
	riskWorkloadConcentrate = 3.0
	riskDuplicateLine       = 5.0
)

// CanonicalRules returns the seven built-in rules in execution order.
// now is the clock used for future-date checks; nil means time.Now.
func CanonicalRules(t domain.Thresholds, now func() time.Time) []Rule {
	return []Rule{
		NewAmountThresholds(t),
		NewConsistencyCheck(t),
		NewDateLogic(t, now),
		NewQuantityPricing(t),
		NewPatternDetection(t),
		NewForemanConcentration(t),
		NewDuplicateDetection(),
	}
}
