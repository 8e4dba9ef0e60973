package rules

import (
	"strings"

	"github.com/opensource-finance/billguard/internal/domain"
)

// ConsistencyCheck flags work requests whose line items disagree on who did
// the work or who is billed.
type ConsistencyCheck struct {
	maxItems int
}

// NewConsistencyCheck creates the consistency rule.
func NewConsistencyCheck(t domain.Thresholds) *ConsistencyCheck {
	return &ConsistencyCheck{maxItems: t.MaxLineItemsPerWorkRequest}
}

// Name implements Rule.
func (r *ConsistencyCheck) Name() string { return NameConsistencyCheck }

type requestShape struct {
	foremen   map[string]struct{}
	customers map[string]struct{}
	items     int
}

// Evaluate implements Rule.
func (r *ConsistencyCheck) Evaluate(records []domain.Record, _ domain.ValidationContext) (domain.RuleFinding, error) {
	f := domain.NewRuleFinding()

	groups := newOrderedGroups[requestShape]()
	missingID := 0
	for _, rec := range records {
		wr := strings.TrimSpace(rec.WorkRequestID)
		if wr == "" {
			missingID++
			continue
		}
		g := groups.slot(wr)
		if g.foremen == nil {
			g.foremen = make(map[string]struct{})
			g.customers = make(map[string]struct{})
		}
		g.items++
		if v := strings.TrimSpace(rec.Foreman); v != "" {
			g.foremen[v] = struct{}{}
		}
		if v := strings.TrimSpace(rec.Customer); v != "" {
			g.customers[v] = struct{}{}
		}
	}

	var mixedForemen, mixedCustomers, oversized int
	for _, wr := range groups.keys {
		g := groups.vals[wr]
		if len(g.foremen) > 1 {
			mixedForemen++
			f.Warn(riskMixedForemen, "work request %s has %d foremen: %s",
				wr, len(g.foremen), strings.Join(sortedKeys(g.foremen), ", "))
		}
		if len(g.customers) > 1 {
			mixedCustomers++
			f.Critical(riskMixedCustomers, "work request %s is billed to %d customers: %s",
				wr, len(g.customers), strings.Join(sortedKeys(g.customers), ", "))
		}
		if g.items > r.maxItems {
			oversized++
			f.Warn(riskOversizedRequest, "work request %s has %d line items (limit %d)",
				wr, g.items, r.maxItems)
		}
	}

	f.Metrics["work_requests"] = groups.size()
	f.Metrics["missing_work_request_id"] = missingID
	f.Metrics["multi_foreman_requests"] = mixedForemen
	f.Metrics["multi_customer_requests"] = mixedCustomers
	f.Metrics["oversized_requests"] = oversized
	return f, nil
}
