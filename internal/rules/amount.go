package rules

import (
	"strings"

	"github.com/opensource-finance/billguard/internal/domain"
	"github.com/shopspring/decimal"
)

// AmountThresholds checks money totals against the configured ceilings.
type AmountThresholds struct {
	t domain.Thresholds
}

// NewAmountThresholds creates the amount rule.
func NewAmountThresholds(t domain.Thresholds) *AmountThresholds {
	return &AmountThresholds{t: t}
}

// Name implements Rule.
func (r *AmountThresholds) Name() string { return NameAmountThresholds }

// Evaluate implements Rule.
func (r *AmountThresholds) Evaluate(records []domain.Record, vctx domain.ValidationContext) (domain.RuleFinding, error) {
	f := domain.NewRuleFinding()

	total := decimal.Zero
	byRequest := newOrderedGroups[decimal.Decimal]()
	var negatives, unparsed, highPerUnit int

	for i, rec := range records {
		l := parseLine(rec)
		if !l.priceOK {
			if strings.TrimSpace(rec.TotalPrice) != "" {
				unparsed++
				f.Warn(0, "row %d: could not parse total price %q", i+1, rec.TotalPrice)
			}
			continue
		}

		total = total.Add(l.price)
		if wr := strings.TrimSpace(rec.WorkRequestID); wr != "" {
			sum := byRequest.slot(wr)
			*sum = sum.Add(l.price)
		}

		if l.price.IsNegative() {
			negatives++
			f.Critical(riskNegativeAmount, "row %d: negative amount %s on work request %s",
				i+1, money(l.price), label(rec.WorkRequestID))
		}

		// Zero or unreadable quantities have no meaningful per-unit price.
		if unit, ok := l.unitPrice(); ok && unit.GreaterThan(r.t.MaxPricePerUnit) {
			highPerUnit++
			f.Warn(riskPricePerUnit, "row %d: price per unit %s exceeds %s (work request %s)",
				i+1, money(unit), money(r.t.MaxPricePerUnit), label(rec.WorkRequestID))
		}
	}

	if total.GreaterThan(r.t.MaxBatchAmount) {
		f.Critical(riskBatchTotal, "batch total %s exceeds daily limit %s",
			money(total), money(r.t.MaxBatchAmount))
	}

	var overCeiling, overWeekly int
	for _, wr := range byRequest.keys {
		sum := *byRequest.vals[wr]
		if sum.GreaterThan(r.t.MaxWorkRequestAmount) {
			overCeiling++
			f.Critical(riskWorkRequestTotal, "work request %s total %s exceeds limit %s",
				wr, money(sum), money(r.t.MaxWorkRequestAmount))
		}
		if vctx.IsSingleWeek && sum.GreaterThan(r.t.MaxWeeklyWorkRequestAmount) {
			overWeekly++
			f.Warn(riskWeeklyTotal, "work request %s weekly total %s exceeds weekly limit %s",
				wr, money(sum), money(r.t.MaxWeeklyWorkRequestAmount))
		}
	}

	f.Metrics["total_amount"] = total.InexactFloat64()
	f.Metrics["line_items"] = len(records)
	f.Metrics["work_requests"] = byRequest.size()
	f.Metrics["negative_amounts"] = negatives
	f.Metrics["unparsed_prices"] = unparsed
	f.Metrics["work_requests_over_limit"] = overCeiling
	f.Metrics["work_requests_over_weekly_limit"] = overWeekly
	f.Metrics["high_price_per_unit"] = highPerUnit
	return f, nil
}
