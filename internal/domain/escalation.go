package domain

// Tier is the escalation class of a validated batch.
type Tier string

const (
	TierCritical Tier = "CRITICAL"
	TierHigh     Tier = "HIGH"
	TierMedium   Tier = "MEDIUM"
	TierLow      Tier = "LOW"
)

// EscalationDecision tells the notification layer what to do with a report.
// It is derived from the report and never stored on its own.
type EscalationDecision struct {
	Tier                   Tier `json:"tier"`
	RequiresImmediateAlert bool `json:"requires_immediate_alert"`
	RequiresReview         bool `json:"requires_review"`
}
