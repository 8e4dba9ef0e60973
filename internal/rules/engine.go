package rules

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/opensource-finance/billguard/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("billguard-rules")

var (
	// ErrNoRules is returned when an engine is built without rules.
	ErrNoRules = errors.New("rule list is empty")
	// ErrNilRule is returned when the rule list contains a nil entry.
	ErrNilRule = errors.New("rule list contains a nil rule")
	// ErrDuplicateRule is returned when two rules share a name.
	ErrDuplicateRule = errors.New("duplicate rule name")
)

// Engine runs an ordered, fixed list of rules over a batch and merges
// their findings into one report. An Engine holds no per-call state and is
// safe for concurrent use as long as its rules are.
type Engine struct {
	rules    []Rule
	observer Observer
	version  string
}

// Option configures an Engine.
type Option func(*Engine)

// WithObserver attaches an instrumentation hook to the engine.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observer = o
		}
	}
}

// WithVersion labels the engine configuration. Runs produced by engines
// with different versions never share a cache entry.
func WithVersion(v string) Option {
	return func(e *Engine) {
		e.version = v
	}
}

// NewEngine creates an engine over rules, which run in the given order.
func NewEngine(rules []Rule, opts ...Option) (*Engine, error) {
	if len(rules) == 0 {
		return nil, ErrNoRules
	}

	seen := make(map[string]struct{}, len(rules))
	for i, r := range rules {
		if r == nil {
			return nil, fmt.Errorf("%w at position %d", ErrNilRule, i)
		}
		if _, ok := seen[r.Name()]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateRule, r.Name())
		}
		seen[r.Name()] = struct{}{}
	}

	e := &Engine{
		rules:    append([]Rule(nil), rules...),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// NewDefaultEngine creates an engine over the canonical rules followed by
// any extra rules.
func NewDefaultEngine(t domain.Thresholds, extra []Rule, opts ...Option) (*Engine, error) {
	rules := CanonicalRules(t, nil)
	rules = append(rules, extra...)
	return NewEngine(rules, opts...)
}

// RuleNames returns the rule names in execution order.
func (e *Engine) RuleNames() []string {
	names := make([]string, len(e.rules))
	for i, r := range e.rules {
		names[i] = r.Name()
	}
	return names
}

// Version returns the configuration label set with WithVersion.
func (e *Engine) Version() string {
	return e.version
}

// RulesCount returns the number of rules the engine runs.
func (e *Engine) RulesCount() int {
	return len(e.rules)
}

// Validate runs every rule over records. Rule errors and panics become
// critical violations on the report; Validate itself only fails on a nil
// engine. ctx carries tracing only, there is no cancellation inside a run.
func (e *Engine) Validate(ctx context.Context, records []domain.Record, vctx domain.ValidationContext) (*domain.ValidationReport, error) {
	if e == nil || len(e.rules) == 0 {
		return nil, ErrNoRules
	}

	ctx, span := tracer.Start(ctx, "rules.Validate",
		trace.WithAttributes(
			attribute.Int("billguard.records", len(records)),
			attribute.Int("billguard.rules", len(e.rules)),
		),
	)
	defer span.End()

	start := time.Now()
	report := &domain.ValidationReport{
		CriticalViolations: []string{},
		Warnings:           []string{},
		BusinessMetrics:    make(map[string]map[string]any, len(e.rules)),
	}

	sum := 0.0
	for _, rule := range e.rules {
		finding := e.runRule(ctx, rule, records, vctx)

		report.CriticalViolations = append(report.CriticalViolations, finding.CriticalViolations...)
		report.Warnings = append(report.Warnings, finding.Warnings...)
		report.BusinessMetrics[rule.Name()] = finding.Metrics
		sum += finding.RiskScoreDelta
	}

	report.RiskScore = clampScore(sum)
	report.IsValid = len(report.CriticalViolations) == 0

	span.SetAttributes(
		attribute.Float64("billguard.risk_score", report.RiskScore),
		attribute.Int("billguard.critical", len(report.CriticalViolations)),
		attribute.Int("billguard.warnings", len(report.Warnings)),
	)
	e.observer.BatchCompleted(report, time.Since(start))
	return report, nil
}

// runRule evaluates one rule, converting any failure into a finding.
func (e *Engine) runRule(ctx context.Context, rule Rule, records []domain.Record, vctx domain.ValidationContext) (finding domain.RuleFinding) {
	name := rule.Name()
	_, span := tracer.Start(ctx, "rules."+name)
	defer span.End()

	e.observer.RuleStarted(name)
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			finding = e.failed(span, name, fmt.Errorf("panic: %v", r), time.Since(start))
		}
	}()

	f, err := rule.Evaluate(records, vctx)
	if err != nil {
		return e.failed(span, name, err, time.Since(start))
	}

	f = normalize(f)
	span.SetAttributes(attribute.Float64("billguard.risk_delta", f.RiskScoreDelta))
	e.observer.RuleCompleted(name, f, time.Since(start))
	return f
}

func (e *Engine) failed(span trace.Span, name string, cause error, elapsed time.Duration) domain.RuleFinding {
	span.RecordError(cause)
	span.SetStatus(codes.Error, cause.Error())
	e.observer.RuleFailed(name, cause, elapsed)

	f := domain.NewRuleFinding()
	f.CriticalViolations = append(f.CriticalViolations, fmt.Sprintf("rule %s failed: %v", name, cause))
	f.Metrics["failed"] = 1
	return f
}

// normalize fills nil collections and drops deltas that are not
// non-negative numbers.
func normalize(f domain.RuleFinding) domain.RuleFinding {
	if f.CriticalViolations == nil {
		f.CriticalViolations = []string{}
	}
	if f.Warnings == nil {
		f.Warnings = []string{}
	}
	if f.Metrics == nil {
		f.Metrics = map[string]any{}
	}
	if math.IsNaN(f.RiskScoreDelta) || f.RiskScoreDelta < 0 {
		f.RiskScoreDelta = 0
	}
	return f
}

func clampScore(sum float64) float64 {
	switch {
	case math.IsNaN(sum), sum < 0:
		return 0
	case sum > domain.MaxRiskScore:
		return domain.MaxRiskScore
	default:
		return sum
	}
}
