package rules

import (
	"strings"

	"github.com/opensource-finance/billguard/internal/domain"
)

// DuplicateDetection flags line items that were billed more than once.
type DuplicateDetection struct{}

// NewDuplicateDetection creates the duplicate rule.
func NewDuplicateDetection() *DuplicateDetection {
	return &DuplicateDetection{}
}

// Name implements Rule.
func (r *DuplicateDetection) Name() string { return NameDuplicateDetection }

// Evaluate implements Rule.
func (r *DuplicateDetection) Evaluate(records []domain.Record, _ domain.ValidationContext) (domain.RuleFinding, error) {
	f := domain.NewRuleFinding()

	firstSeen := make(map[signature]int, len(records))
	groups := make(map[signature]struct{})
	duplicates := 0
	for i, rec := range records {
		sig := lineSignature(rec, parseLine(rec))
		sig.pole = strings.TrimSpace(rec.PoleID)

		first, ok := firstSeen[sig]
		if !ok {
			firstSeen[sig] = i + 1
			continue
		}
		duplicates++
		groups[sig] = struct{}{}
		f.Critical(riskDuplicateLine, "row %d duplicates row %d (work request %s, unit %s, pole %s)",
			i+1, first, label(rec.WorkRequestID), label(rec.UnitCode), label(rec.PoleID))
	}

	f.Metrics["records_checked"] = len(records)
	f.Metrics["unique_signatures"] = len(firstSeen)
	f.Metrics["duplicate_lines"] = duplicates
	f.Metrics["duplicate_groups"] = len(groups)
	return f, nil
}
