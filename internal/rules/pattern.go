package rules

import (
	"github.com/opensource-finance/billguard/internal/domain"
	"github.com/shopspring/decimal"
)

var ten = decimal.NewFromInt(10)

// PatternDetection looks for billing patterns that suggest fabricated
// lines: a bias toward round amounts and repeated line signatures.
type PatternDetection struct {
	ratio     float64
	minSample int
}

// NewPatternDetection creates the pattern rule.
func NewPatternDetection(t domain.Thresholds) *PatternDetection {
	return &PatternDetection{ratio: t.RoundNumberRatio, minSample: t.RoundNumberMinSample}
}

// Name implements Rule.
func (r *PatternDetection) Name() string { return NamePatternDetection }

// Evaluate implements Rule.
func (r *PatternDetection) Evaluate(records []domain.Record, _ domain.ValidationContext) (domain.RuleFinding, error) {
	f := domain.NewRuleFinding()

	var positive, round, repeats int
	seen := make(map[signature]int, len(records))
	for i, rec := range records {
		l := parseLine(rec)
		if l.priceOK && l.price.IsPositive() {
			positive++
			if l.price.Mod(ten).IsZero() {
				round++
			}
		}

		sig := lineSignature(rec, l)
		if first, ok := seen[sig]; ok {
			repeats++
			f.Warn(riskRepeatedSignature, "row %d: repeats billing pattern of row %d (work request %s, unit %s)",
				i+1, first, label(rec.WorkRequestID), label(rec.UnitCode))
			continue
		}
		seen[sig] = i + 1
	}

	ratio := 0.0
	if positive > 0 {
		ratio = float64(round) / float64(positive)
	}
	// minSample is zero unless an operator opts out of judging tiny batches.
	if positive >= r.minSample && ratio > r.ratio {
		f.Warn(riskRoundNumberBias, "round-number bias: %d of %d amounts (%.1f%%) are multiples of 10",
			round, positive, ratio*100)
	}

	f.Metrics["positive_amounts"] = positive
	f.Metrics["round_amounts"] = round
	f.Metrics["round_number_ratio"] = ratio
	f.Metrics["repeated_signatures"] = repeats
	f.Metrics["distinct_signatures"] = len(seen)
	return f, nil
}
