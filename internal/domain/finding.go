package domain

import "fmt"

// MaxRiskScore is the upper bound of a batch risk score.
const MaxRiskScore = 100.0

// RuleFinding is the output of one rule over one batch.
type RuleFinding struct {
	CriticalViolations []string       `json:"critical_violations"`
	Warnings           []string       `json:"warnings"`
	Metrics            map[string]any `json:"metrics"`
	RiskScoreDelta     float64        `json:"risk_score_delta"`
}

// NewRuleFinding returns an empty finding with non-nil collections.
func NewRuleFinding() RuleFinding {
	return RuleFinding{
		CriticalViolations: []string{},
		Warnings:           []string{},
		Metrics:            map[string]any{},
	}
}

// Critical records a critical violation worth delta risk points.
func (f *RuleFinding) Critical(delta float64, format string, args ...any) {
	f.CriticalViolations = append(f.CriticalViolations, fmt.Sprintf(format, args...))
	f.RiskScoreDelta += delta
}

// Warn records a warning worth delta risk points.
func (f *RuleFinding) Warn(delta float64, format string, args ...any) {
	f.Warnings = append(f.Warnings, fmt.Sprintf(format, args...))
	f.RiskScoreDelta += delta
}

// ValidationReport is the aggregate result of validating one batch.
// IsValid is true exactly when CriticalViolations is empty.
type ValidationReport struct {
	IsValid            bool                      `json:"is_valid"`
	CriticalViolations []string                  `json:"critical_violations"`
	Warnings           []string                  `json:"warnings"`
	BusinessMetrics    map[string]map[string]any `json:"business_metrics"`
	RiskScore          float64                   `json:"risk_score"`
}

// CriticalCount returns the number of critical violations.
func (r *ValidationReport) CriticalCount() int {
	if r == nil {
		return 0
	}
	return len(r.CriticalViolations)
}
