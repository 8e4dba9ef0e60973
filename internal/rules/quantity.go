package rules

import (
	"github.com/opensource-finance/billguard/internal/domain"
	"github.com/shopspring/decimal"
)

// QuantityPricing recomputes unit prices and checks them against the
// configured band, along with the raw quantity.
type QuantityPricing struct {
	maxQty  decimal.Decimal
	ceiling decimal.Decimal
	floor   decimal.Decimal
}

// NewQuantityPricing creates the quantity/pricing rule.
func NewQuantityPricing(t domain.Thresholds) *QuantityPricing {
	return &QuantityPricing{
		maxQty:  t.MaxQuantity,
		ceiling: t.UnitPriceCeiling,
		floor:   t.UnitPriceFloor,
	}
}

// Name implements Rule.
func (r *QuantityPricing) Name() string { return NameQuantityPricing }

// Evaluate implements Rule.
func (r *QuantityPricing) Evaluate(records []domain.Record, _ domain.ValidationContext) (domain.RuleFinding, error) {
	f := domain.NewRuleFinding()

	var priced, highQty, highUnit, lowUnit int
	maxUnit := decimal.Zero
	for i, rec := range records {
		l := parseLine(rec)

		if l.qtyOK && l.qty.GreaterThan(r.maxQty) {
			highQty++
			f.Warn(riskHighQuantity, "row %d: quantity %s exceeds %s (unit %s)",
				i+1, l.qty, r.maxQty, label(rec.UnitCode))
		}

		unit, ok := l.unitPrice()
		if !ok {
			continue
		}
		priced++
		if unit.GreaterThan(maxUnit) {
			maxUnit = unit
		}

		switch {
		case unit.GreaterThan(r.ceiling):
			highUnit++
			f.Critical(riskUnitPriceCeiling, "row %d: unit price %s exceeds ceiling %s (unit %s)",
				i+1, money(unit), money(r.ceiling), label(rec.UnitCode))
		case unit.IsPositive() && unit.LessThan(r.floor):
			lowUnit++
			f.Warn(riskUnitPriceFloor, "row %d: unit price %s below floor %s (unit %s)",
				i+1, money(unit), money(r.floor), label(rec.UnitCode))
		}
	}

	f.Metrics["priced_lines"] = priced
	f.Metrics["high_quantity"] = highQty
	f.Metrics["high_unit_price"] = highUnit
	f.Metrics["low_unit_price"] = lowUnit
	f.Metrics["max_unit_price"] = maxUnit.InexactFloat64()
	return f, nil
}
