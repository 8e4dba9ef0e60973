package rules

import (
	"context"
	"reflect"
	"strconv"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/opensource-finance/billguard/internal/domain"
)

var (
	foremen   = []any{"Alice", "Bob", "Carol", "Unknown", ""}
	customers = []any{"Acme", "Beta Power", ""}
	dates     = []any{"2025-08-12", "2025-08-16", "2025-08-17", "2025-09-30", "08/15/2025", "garbage", ""}
)

// genRecord mixes well-formed and malformed cells.
func genRecord() gopter.Gen {
	return gopter.CombineGens(
		gen.IntRange(0, 6),
		gen.OneGenOf(
			gen.Int64Range(-50_000, 2_000_000).Map(func(v int64) string { return strconv.FormatInt(v, 10) }),
			gen.Float64Range(-100, 100_000).Map(func(v float64) string { return strconv.FormatFloat(v, 'f', 2, 64) }),
			gen.AnyString(),
		),
		gen.OneGenOf(
			gen.IntRange(0, 2000).Map(func(v int) string { return strconv.Itoa(v) }),
			gen.AlphaString(),
		),
		gen.OneConstOf(foremen...),
		gen.OneConstOf(customers...),
		gen.OneConstOf(dates...),
	).Map(func(v []any) domain.Record {
		return domain.Record{
			WorkRequestID: "WR" + strconv.Itoa(v[0].(int)),
			TotalPrice:    v[1].(string),
			Quantity:      v[2].(string),
			UnitCode:      "U1",
			Foreman:       v[3].(string),
			Customer:      v[4].(string),
			SnapshotDate:  v[5].(string),
		}
	})
}

func propertyEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := NewEngine(CanonicalRules(domain.DefaultThresholds(), fixedNow))
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	return engine
}

func TestReportInvariants(t *testing.T) {
	engine := propertyEngine(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("risk score stays in [0, 100]", prop.ForAll(
		func(records []domain.Record, singleWeek bool) bool {
			report, err := engine.Validate(context.Background(), records, domain.ValidationContext{IsSingleWeek: singleWeek})
			if err != nil {
				return false
			}
			return report.RiskScore >= 0 && report.RiskScore <= domain.MaxRiskScore
		},
		gen.SliceOf(genRecord()),
		gen.Bool(),
	))

	properties.Property("valid exactly when there are no criticals", prop.ForAll(
		func(records []domain.Record) bool {
			report, err := engine.Validate(context.Background(), records, domain.ValidationContext{})
			if err != nil {
				return false
			}
			return report.IsValid == (len(report.CriticalViolations) == 0)
		},
		gen.SliceOf(genRecord()),
	))

	properties.Property("validate is idempotent", prop.ForAll(
		func(records []domain.Record) bool {
			vctx := domain.ValidationContext{IsSingleWeek: true}
			first, err1 := engine.Validate(context.Background(), records, vctx)
			second, err2 := engine.Validate(context.Background(), records, vctx)
			return err1 == nil && err2 == nil && reflect.DeepEqual(first, second)
		},
		gen.SliceOf(genRecord()),
	))

	properties.Property("record order does not change risk", prop.ForAll(
		func(records []domain.Record) bool {
			reversed := make([]domain.Record, len(records))
			for i, r := range records {
				reversed[len(records)-1-i] = r
			}
			a, _ := engine.Validate(context.Background(), records, domain.ValidationContext{})
			b, _ := engine.Validate(context.Background(), reversed, domain.ValidationContext{})
			return a.RiskScore == b.RiskScore &&
				len(a.CriticalViolations) == len(b.CriticalViolations) &&
				len(a.Warnings) == len(b.Warnings)
		},
		gen.SliceOf(genRecord()),
	))

	properties.TestingRun(t)
}
