package rules

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/billguard/internal/domain"
	"github.com/opensource-finance/billguard/internal/fieldparse"
)

// ExpressionPrefix is prepended to expression rule ids to form rule names.
const ExpressionPrefix = "expression:"

// expressionCostLimit bounds the work a single record evaluation may do.
const expressionCostLimit = 1_000_000

// ErrInvalidExpression wraps compile and type-check failures.
var ErrInvalidExpression = errors.New("invalid expression")

// ExpressionCompiler compiles tenant expression rules against the record
// and batch variables. It is safe for concurrent use.
type ExpressionCompiler struct {
	env *cel.Env
}

// NewExpressionCompiler creates the CEL environment.
func NewExpressionCompiler() (*ExpressionCompiler, error) {
	env, err := cel.NewEnv(
		cel.Variable("record", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("batch", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &ExpressionCompiler{env: env}, nil
}

// Check compiles an expression rule without keeping the program.
func (c *ExpressionCompiler) Check(cfg *domain.ExpressionRule) error {
	_, err := c.Compile(cfg)
	return err
}

// Compile turns an expression rule into a Rule.
func (c *ExpressionCompiler) Compile(cfg *domain.ExpressionRule) (*ExpressionRule, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: rule config is required", ErrInvalidExpression)
	}
	if strings.TrimSpace(cfg.ID) == "" {
		return nil, fmt.Errorf("%w: rule id is required", ErrInvalidExpression)
	}
	switch cfg.Severity {
	case domain.SeverityCritical, domain.SeverityWarning:
	default:
		return nil, fmt.Errorf("%w: rule %s: unknown severity %q", ErrInvalidExpression, cfg.ID, cfg.Severity)
	}
	if cfg.RiskDelta < 0 {
		return nil, fmt.Errorf("%w: rule %s: risk delta must not be negative", ErrInvalidExpression, cfg.ID)
	}

	ast, issues := c.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: rule %s: %v", ErrInvalidExpression, cfg.ID, issues.Err())
	}

	// record fields are dyn, so `record.flag` checks as dyn and is
	// resolved at evaluation time.
	out := ast.OutputType()
	if out != cel.BoolType && out != cel.DynType {
		return nil, fmt.Errorf("%w: rule %s: expression must return bool, got %s", ErrInvalidExpression, cfg.ID, out)
	}

	prg, err := c.env.Program(ast, cel.CostLimit(expressionCostLimit))
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	copied := *cfg
	return &ExpressionRule{cfg: &copied, prg: prg}, nil
}

// ExpressionRule is a compiled tenant rule. Every record for which the
// expression yields true is reported with the configured severity.
type ExpressionRule struct {
	cfg *domain.ExpressionRule
	prg cel.Program
}

// Name implements Rule.
func (r *ExpressionRule) Name() string { return ExpressionPrefix + r.cfg.ID }

// Config returns the rule definition the program was compiled from.
func (r *ExpressionRule) Config() domain.ExpressionRule { return *r.cfg }

// Evaluate implements Rule. Per-record evaluation errors are summarized in a
// single warning instead of failing the rule.
func (r *ExpressionRule) Evaluate(records []domain.Record, vctx domain.ValidationContext) (domain.RuleFinding, error) {
	f := domain.NewRuleFinding()

	message := r.cfg.Message
	if message == "" {
		message = r.cfg.Name
	}
	if message == "" {
		message = "matched expression rule " + r.cfg.ID
	}

	batch := batchVars(records, vctx)
	var matched, failed int
	var firstErr error
	for i, rec := range records {
		out, _, err := r.prg.Eval(map[string]any{
			"record": recordVars(i, rec),
			"batch":  batch,
		})
		if err == nil {
			if _, ok := out.(types.Bool); !ok {
				err = fmt.Errorf("expression returned %s, want bool", out.Type().TypeName())
			}
		}
		if err != nil {
			failed++
			if firstErr == nil {
				firstErr = fmt.Errorf("row %d: %w", i+1, err)
			}
			continue
		}
		if out != types.True {
			continue
		}

		matched++
		switch r.cfg.Severity {
		case domain.SeverityCritical:
			f.Critical(r.cfg.RiskDelta, "row %d: %s", i+1, message)
		default:
			f.Warn(r.cfg.RiskDelta, "row %d: %s", i+1, message)
		}
	}

	if failed > 0 {
		f.Warn(0, "expression rule %s could not evaluate %d records: %v", r.cfg.ID, failed, firstErr)
	}

	f.Metrics["records_matched"] = matched
	f.Metrics["evaluation_errors"] = failed
	return f, nil
}

func recordVars(i int, rec domain.Record) map[string]any {
	l := parseLine(rec)
	unit, unitOK := l.unitPrice()

	vars := map[string]any{
		"row":                 int64(i + 1),
		"work_request_id":     strings.TrimSpace(rec.WorkRequestID),
		"total_price":         l.price.InexactFloat64(),
		"has_total_price":     l.priceOK,
		"quantity":            l.qty.InexactFloat64(),
		"has_quantity":        l.qtyOK,
		"unit_price":          unit.InexactFloat64(),
		"has_unit_price":      unitOK,
		"unit_code":           strings.TrimSpace(rec.UnitCode),
		"foreman":             strings.TrimSpace(rec.Foreman),
		"customer":            strings.TrimSpace(rec.Customer),
		"job_number":          strings.TrimSpace(rec.JobNumber),
		"pole_id":             strings.TrimSpace(rec.PoleID),
		"snapshot_date":       "",
		"week_reference_date": "",
		"weekday":             "",
		"extensions":          stringMap(rec.Extensions),
	}
	if day, ok := fieldparse.ParseDate(rec.SnapshotDate); ok {
		vars["snapshot_date"] = day.Format("2006-01-02")
		vars["weekday"] = day.Weekday().String()
	}
	if day, ok := fieldparse.ParseDate(rec.WeekReferenceDate); ok {
		vars["week_reference_date"] = day.Format("2006-01-02")
	}
	return vars
}

func batchVars(records []domain.Record, vctx domain.ValidationContext) map[string]any {
	return map[string]any{
		"record_count":      int64(len(records)),
		"is_single_week":    vctx.IsSingleWeek,
		"week_ending_label": vctx.WeekEndingLabel,
		"extensions":        stringMap(vctx.Extensions),
	}
}

func stringMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
