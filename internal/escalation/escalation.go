// Package escalation turns a validation report into an alerting decision.
//
// The tier table is a contract with the notification layer: the CRITICAL
// condition is checked first, so a score of exactly 50 with no critical
// violations is CRITICAL.
package escalation

import (
	"time"

	"github.com/opensource-finance/billguard/internal/domain"
)

// Tier boundaries. Scores are inclusive lower bounds.
const (
	CriticalScore = 50.0
	HighScore     = 25.0
	MediumScore   = 10.0

	// CriticalViolationCount is the violation count that escalates to
	// CRITICAL regardless of score.
	CriticalViolationCount = 3
)

// MaxAlertViolations caps how many violation messages an alert carries.
const MaxAlertViolations = 20

// ClassifyScore maps a risk score and critical-violation count to a decision.
func ClassifyScore(score float64, criticalCount int) domain.EscalationDecision {
	switch {
	case score >= CriticalScore || criticalCount >= CriticalViolationCount:
		return domain.EscalationDecision{Tier: domain.TierCritical, RequiresImmediateAlert: true}
	case score >= HighScore || criticalCount >= 1:
		return domain.EscalationDecision{Tier: domain.TierHigh, RequiresReview: true}
	case score >= MediumScore:
		return domain.EscalationDecision{Tier: domain.TierMedium}
	default:
		return domain.EscalationDecision{Tier: domain.TierLow}
	}
}

// Classify derives the decision for a report. A missing report is treated
// as the worst case.
func Classify(report *domain.ValidationReport) domain.EscalationDecision {
	if report == nil {
		return domain.EscalationDecision{Tier: domain.TierCritical, RequiresImmediateAlert: true}
	}
	return ClassifyScore(report.RiskScore, len(report.CriticalViolations))
}

// Route returns the bus topic a decision is announced on. MEDIUM and LOW are
// logged only and return ok=false.
func Route(d domain.EscalationDecision) (topic string, ok bool) {
	switch {
	case d.RequiresImmediateAlert:
		return domain.TopicAlertImmediate, true
	case d.RequiresReview:
		return domain.TopicAlertReview, true
	default:
		return "", false
	}
}

// Alert is the payload published on the alert topics.
type Alert struct {
	RunID              string      `json:"runId"`
	TenantID           string      `json:"tenantId"`
	BatchID            string      `json:"batchId"`
	WeekEndingLabel    string      `json:"weekEndingLabel,omitempty"`
	Tier               domain.Tier `json:"tier"`
	RiskScore          float64     `json:"riskScore"`
	CriticalViolations []string    `json:"criticalViolations"`
	Truncated          int         `json:"truncated,omitempty"`
	WarningCount       int         `json:"warningCount"`
	RaisedAt           time.Time   `json:"raisedAt"`
}

// NewAlert builds the alert payload for a run.
func NewAlert(run *domain.ValidationRun) Alert {
	violations := run.Report.CriticalViolations
	truncated := 0
	if len(violations) > MaxAlertViolations {
		truncated = len(violations) - MaxAlertViolations
		violations = violations[:MaxAlertViolations]
	}

	return Alert{
		RunID:              run.ID,
		TenantID:           run.TenantID,
		BatchID:            run.BatchID,
		WeekEndingLabel:    run.WeekEndingLabel,
		Tier:               run.Decision.Tier,
		RiskScore:          run.Report.RiskScore,
		CriticalViolations: append([]string{}, violations...),
		Truncated:          truncated,
		WarningCount:       len(run.Report.Warnings),
		RaisedAt:           time.Now().UTC(),
	}
}
