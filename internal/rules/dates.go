package rules

import (
	"strings"
	"time"

	"github.com/opensource-finance/billguard/internal/domain"
	"github.com/opensource-finance/billguard/internal/fieldparse"
)

// DateLogic checks snapshot dates for future-dated and weekend work.
type DateLogic struct {
	weekendLimit int
	now          func() time.Time
}

// NewDateLogic creates the date rule. A nil clock means time.Now.
func NewDateLogic(t domain.Thresholds, now func() time.Time) *DateLogic {
	if now == nil {
		now = time.Now
	}
	return &DateLogic{weekendLimit: t.WeekendRecordLimit, now: now}
}

// Name implements Rule.
func (r *DateLogic) Name() string { return NameDateLogic }

// Evaluate implements Rule.
func (r *DateLogic) Evaluate(records []domain.Record, _ domain.ValidationContext) (domain.RuleFinding, error) {
	f := domain.NewRuleFinding()
	now := r.now()

	var dated, unparsed, future, weekend int
	for i, rec := range records {
		day, ok := fieldparse.ParseDate(rec.SnapshotDate)
		if !ok {
			if strings.TrimSpace(rec.SnapshotDate) != "" {
				unparsed++
				f.Warn(0, "row %d: could not parse snapshot date %q", i+1, rec.SnapshotDate)
			}
			continue
		}
		dated++

		if day.After(now) {
			future++
			f.Critical(riskFutureDate, "row %d: future work dated %s on work request %s",
				i+1, day.Format(time.DateOnly), label(rec.WorkRequestID))
		}
		if wd := day.Weekday(); wd == time.Saturday || wd == time.Sunday {
			weekend++
			f.Warn(riskWeekendDate, "row %d: work dated on a %s (%s)",
				i+1, wd, day.Format(time.DateOnly))
		}
	}

	if weekend > r.weekendLimit {
		f.Warn(riskWeekendVolume, "%d weekend-dated records exceed limit of %d", weekend, r.weekendLimit)
	}

	f.Metrics["dated_records"] = dated
	f.Metrics["unparsed_dates"] = unparsed
	f.Metrics["future_dates"] = future
	f.Metrics["weekend_dates"] = weekend
	return f, nil
}
