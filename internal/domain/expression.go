package domain

import "time"

// Severity is how an expression rule match is reported.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
)

// ExpressionRule is a tenant-defined CEL check evaluated against every record.
// The expression sees `record` (parsed cells) and `batch` (context) and must
// return bool; true means the record matches and is reported.
type ExpressionRule struct {
	ID          string   `json:"id"`
	TenantID    string   `json:"tenantId,omitempty"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Expression  string   `json:"expression"`
	Severity    Severity `json:"severity"`
	RiskDelta   float64  `json:"riskDelta"`
	Message     string   `json:"message"`
	Enabled     bool     `json:"enabled"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}
