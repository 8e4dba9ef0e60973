package domain

import "time"

// ValidationRun is one validate call as persisted, cached and published.
// The report inside stays exactly what the engine produced.
type ValidationRun struct {
	ID              string             `json:"id"`
	TenantID        string             `json:"tenantId"`
	BatchID         string             `json:"batchId"`
	WeekEndingLabel string             `json:"weekEndingLabel"`
	RecordCount     int                `json:"recordCount"`
	Fingerprint     string             `json:"fingerprint"`
	Report          ValidationReport   `json:"report"`
	Decision        EscalationDecision `json:"decision"`
	CreatedAt       time.Time          `json:"createdAt"`
	Metadata        RunMetadata        `json:"metadata"`
}

// RunMetadata contains processing information.
type RunMetadata struct {
	TraceID       string `json:"traceId,omitempty"`
	ValidateMs    int64  `json:"validateMs"`
	TotalMs       int64  `json:"totalMs"`
	RulesRun      int    `json:"rulesRun"`
	CacheHit      bool   `json:"cacheHit"`
	EngineVersion string `json:"engineVersion"`

	// ReusedRunID names the run whose report was reused for this batch.
	ReusedRunID string `json:"reusedRunId,omitempty"`
}

// Batch is a submitted set of records awaiting validation.
type Batch struct {
	BatchID string            `json:"batchId"`
	Context ValidationContext `json:"context"`
	Records []Record          `json:"records"`
}
