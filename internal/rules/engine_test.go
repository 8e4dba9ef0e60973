package rules

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/billguard/internal/domain"
)

// stubRule returns a fixed finding, or fails in the configured way.
type stubRule struct {
	name    string
	delta   float64
	crit    []string
	panics  bool
	failure error
}

func (s *stubRule) Name() string { return s.name }

func (s *stubRule) Evaluate([]domain.Record, domain.ValidationContext) (domain.RuleFinding, error) {
	if s.panics {
		panic("kaboom")
	}
	if s.failure != nil {
		return domain.RuleFinding{}, s.failure
	}
	return domain.RuleFinding{CriticalViolations: s.crit, RiskScoreDelta: s.delta}, nil
}

// sampleBatch is a four-crew week where no foreman holds 40% of revenue.
func sampleBatch() []domain.Record {
	first := rec("WR1", "$455.25", "5")
	dup := rec("WR2", "250.50", "4")
	dup.PoleID = "P-7"
	dup.Foreman = "Bob"
	weekend := rec("WR3", "402.75", "3")
	weekend.SnapshotDate = "2025-08-16"
	weekend.Foreman = "Carol"
	bogus := rec("WR4", "bogus", "1")
	bogus.Foreman = "Dave"
	return []domain.Record{first, dup, dup, weekend, bogus}
}

func TestNewEngineRejectsMalformedRuleLists(t *testing.T) {
	if _, err := NewEngine(nil); !errors.Is(err, ErrNoRules) {
		t.Errorf("expected ErrNoRules, got %v", err)
	}
	if _, err := NewEngine([]Rule{NewDuplicateDetection(), nil}); !errors.Is(err, ErrNilRule) {
		t.Errorf("expected ErrNilRule, got %v", err)
	}
	if _, err := NewEngine([]Rule{NewDuplicateDetection(), NewDuplicateDetection()}); !errors.Is(err, ErrDuplicateRule) {
		t.Errorf("expected ErrDuplicateRule, got %v", err)
	}
}

func TestDefaultEngineRuleOrder(t *testing.T) {
	engine, err := NewDefaultEngine(domain.DefaultThresholds(), nil)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	want := []string{
		NameAmountThresholds,
		NameConsistencyCheck,
		NameDateLogic,
		NameQuantityPricing,
		NamePatternDetection,
		NameForemanConcentration,
		NameDuplicateDetection,
	}
	if got := engine.RuleNames(); !reflect.DeepEqual(got, want) {
		t.Errorf("rule order = %v, want %v", got, want)
	}
}

func TestValidateEmptyBatch(t *testing.T) {
	engine, _ := NewEngine(CanonicalRules(domain.DefaultThresholds(), fixedNow))

	report, err := engine.Validate(context.Background(), nil, domain.ValidationContext{})
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if !report.IsValid || report.RiskScore != 0 {
		t.Errorf("expected clean report, got valid=%v score=%v", report.IsValid, report.RiskScore)
	}
	if report.CriticalViolations == nil || report.Warnings == nil {
		t.Error("expected non-nil finding lists")
	}
	if len(report.BusinessMetrics) != 7 {
		t.Errorf("expected metrics for 7 rules, got %d", len(report.BusinessMetrics))
	}
}

func TestValidateMergesInRuleOrder(t *testing.T) {
	engine, _ := NewEngine([]Rule{
		&stubRule{name: "first", crit: []string{"a1", "a2"}, delta: 5},
		&stubRule{name: "second", crit: []string{"b1"}, delta: 7},
	})

	report, _ := engine.Validate(context.Background(), nil, domain.ValidationContext{})
	if want := []string{"a1", "a2", "b1"}; !reflect.DeepEqual(report.CriticalViolations, want) {
		t.Errorf("criticals = %v, want %v", report.CriticalViolations, want)
	}
	if report.RiskScore != 12 {
		t.Errorf("expected score 12, got %v", report.RiskScore)
	}
	if report.IsValid {
		t.Error("expected invalid report")
	}
	if _, ok := report.BusinessMetrics["second"]; !ok {
		t.Error("expected metrics stored under rule name")
	}
}

func TestValidateClampsOnce(t *testing.T) {
	engine, _ := NewEngine([]Rule{
		&stubRule{name: "big", delta: 80},
		&stubRule{name: "bigger", delta: 80},
		&stubRule{name: "negative", delta: -500},
	})

	report, _ := engine.Validate(context.Background(), nil, domain.ValidationContext{})
	if report.RiskScore != 100 {
		t.Errorf("expected score clamped to 100, got %v", report.RiskScore)
	}
	if !report.IsValid {
		t.Error("warnings-only report should be valid")
	}
}

func TestRuleIsolation(t *testing.T) {
	engine, err := NewEngine([]Rule{
		&stubRule{name: "boom", panics: true},
		&stubRule{name: "broken", failure: errors.New("lookup table missing")},
		NewDuplicateDetection(),
	})
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	a := rec("WR1", "10", "1")
	report, err := engine.Validate(context.Background(), []domain.Record{a, a}, domain.ValidationContext{})
	if err != nil {
		t.Fatalf("validate must not fail on rule errors: %v", err)
	}

	want := []string{
		"rule boom failed: panic: kaboom",
		"rule broken failed: lookup table missing",
	}
	if len(report.CriticalViolations) != 3 {
		t.Fatalf("expected 3 criticals, got %v", report.CriticalViolations)
	}
	for i, msg := range want {
		if report.CriticalViolations[i] != msg {
			t.Errorf("critical[%d] = %q, want %q", i, report.CriticalViolations[i], msg)
		}
	}
	if !strings.Contains(report.CriticalViolations[2], "row 2 duplicates row 1") {
		t.Errorf("expected duplicate finding after failures, got %q", report.CriticalViolations[2])
	}
	if report.RiskScore != 5 {
		t.Errorf("failed rules must not add risk, got score %v", report.RiskScore)
	}
	if report.BusinessMetrics["boom"]["failed"] != 1 {
		t.Errorf("expected failure metric, got %v", report.BusinessMetrics["boom"])
	}
}

func TestValidateIsIdempotent(t *testing.T) {
	engine, _ := NewEngine(CanonicalRules(domain.DefaultThresholds(), fixedNow))
	records := sampleBatch()
	vctx := domain.ValidationContext{IsSingleWeek: true, WeekEndingLabel: "081725"}

	first, _ := engine.Validate(context.Background(), records, vctx)
	second, _ := engine.Validate(context.Background(), records, vctx)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("reports differ:\n%+v\n%+v", first, second)
	}
	if !reflect.DeepEqual(records, sampleBatch()) {
		t.Error("validate mutated its input")
	}
}

func TestValidateConcurrentCalls(t *testing.T) {
	engine, _ := NewEngine(CanonicalRules(domain.DefaultThresholds(), fixedNow))
	want, _ := engine.Validate(context.Background(), sampleBatch(), domain.ValidationContext{})

	var wg sync.WaitGroup
	errs := make(chan string, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := engine.Validate(context.Background(), sampleBatch(), domain.ValidationContext{})
			if err != nil || !reflect.DeepEqual(got, want) {
				errs <- "concurrent report differs"
			}
		}()
	}
	wg.Wait()
	close(errs)
	for msg := range errs {
		t.Error(msg)
	}
}

type recordingObserver struct {
	mu        sync.Mutex
	started   []string
	completed []string
	failed    []string
	batches   int
}

func (r *recordingObserver) RuleStarted(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, name)
}

func (r *recordingObserver) RuleCompleted(name string, _ domain.RuleFinding, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, name)
}

func (r *recordingObserver) RuleFailed(name string, _ error, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, name)
}

func (r *recordingObserver) BatchCompleted(*domain.ValidationReport, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches++
}

func TestObserverHooks(t *testing.T) {
	obs := &recordingObserver{}
	engine, _ := NewEngine([]Rule{
		&stubRule{name: "ok"},
		&stubRule{name: "boom", panics: true},
	}, WithObserver(Observers{obs, NewLogObserver(nil)}))

	if _, err := engine.Validate(context.Background(), nil, domain.ValidationContext{}); err != nil {
		t.Fatalf("validate failed: %v", err)
	}

	if !reflect.DeepEqual(obs.started, []string{"ok", "boom"}) {
		t.Errorf("started = %v", obs.started)
	}
	if !reflect.DeepEqual(obs.completed, []string{"ok"}) {
		t.Errorf("completed = %v", obs.completed)
	}
	if !reflect.DeepEqual(obs.failed, []string{"boom"}) {
		t.Errorf("failed = %v", obs.failed)
	}
	if obs.batches != 1 {
		t.Errorf("expected 1 batch callback, got %d", obs.batches)
	}
}

func TestEngineScenarioFromSheet(t *testing.T) {
	engine, _ := NewEngine(CanonicalRules(domain.DefaultThresholds(), fixedNow))

	report, _ := engine.Validate(context.Background(), sampleBatch(), domain.ValidationContext{IsSingleWeek: true})

	// Only the duplicated WR2 line is critical. The Saturday line, the
	// unparsable price and the repeated pattern are warnings.
	if len(report.CriticalViolations) != 1 {
		t.Errorf("expected one critical, got %v", report.CriticalViolations)
	}
	if len(report.Warnings) != 3 {
		t.Errorf("expected three warnings, got %v", report.Warnings)
	}
	// duplicate 5 + repeat 3 + weekend 1
	if report.RiskScore != 9 {
		t.Errorf("expected score 9, got %v", report.RiskScore)
	}
	if report.IsValid {
		t.Error("expected invalid report")
	}
	if got := report.CriticalCount(); got != 1 {
		t.Errorf("CriticalCount = %d", got)
	}
}
