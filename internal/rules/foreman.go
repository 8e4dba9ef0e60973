package rules

import (
	"strings"

	"github.com/opensource-finance/billguard/internal/domain"
	"github.com/shopspring/decimal"
)

// ForemanConcentration flags batches where one foreman accounts for an
// outsized share of revenue or line items.
type ForemanConcentration struct {
	t domain.Thresholds
}

// NewForemanConcentration creates the concentration rule.
func NewForemanConcentration(t domain.Thresholds) *ForemanConcentration {
	return &ForemanConcentration{t: t}
}

// Name implements Rule.
func (r *ForemanConcentration) Name() string { return NameForemanConcentration }

type foremanLoad struct {
	revenue decimal.Decimal
	items   int
}

// Evaluate implements Rule.
func (r *ForemanConcentration) Evaluate(records []domain.Record, _ domain.ValidationContext) (domain.RuleFinding, error) {
	f := domain.NewRuleFinding()

	total := decimal.Zero
	loads := newOrderedGroups[foremanLoad]()
	for _, rec := range records {
		l := parseLine(rec)
		if l.priceOK {
			total = total.Add(l.price)
		}

		name := strings.TrimSpace(rec.Foreman)
		if name == "" || strings.EqualFold(name, r.t.UnknownForeman) {
			continue
		}
		load := loads.slot(name)
		load.items++
		if l.priceOK {
			load.revenue = load.revenue.Add(l.price)
		}
	}

	f.Metrics["total_revenue"] = total.InexactFloat64()
	f.Metrics["foremen"] = loads.size()

	if loads.size() == 0 {
		f.Metrics["per_foreman"] = map[string]any{}
		return f, nil
	}

	items := 0
	for _, name := range loads.keys {
		items += loads.vals[name].items
	}
	mean := float64(items) / float64(loads.size())
	critical := decimal.NewFromFloat(r.t.ForemanCriticalShare)
	warning := decimal.NewFromFloat(r.t.ForemanWarningShare)

	perForeman := make(map[string]any, loads.size())
	for _, name := range loads.keys {
		load := loads.vals[name]
		share := percent(load.revenue, total)

		// Shares are undefined for a batch without positive revenue.
		switch {
		case !total.IsPositive():
		case share.GreaterThanOrEqual(critical):
			f.Critical(riskForemanCritical, "fraud alert: foreman %s holds %s%% of batch revenue (%s of %s)",
				name, share.StringFixed(1), money(load.revenue), money(total))
		case share.GreaterThanOrEqual(warning):
			f.Warn(riskForemanWarning, "foreman %s holds %s%% of batch revenue (%s of %s)",
				name, share.StringFixed(1), money(load.revenue), money(total))
		}

		if float64(load.items) > r.t.WorkloadMultiplier*mean && load.items > r.t.WorkloadFloor {
			f.Warn(riskWorkloadConcentrate, "foreman %s has %d line items, over %.0fx the mean of %.1f",
				name, load.items, r.t.WorkloadMultiplier, mean)
		}

		perForeman[name] = map[string]any{
			"revenue":       load.revenue.InexactFloat64(),
			"items":         load.items,
			"revenue_share": share.InexactFloat64(),
		}
	}

	f.Metrics["mean_items"] = mean
	f.Metrics["per_foreman"] = perForeman
	return f, nil
}
