// Package domain defines the core interfaces and types for billguard.
package domain

// Record is one billing line item as delivered by the source sheet.
// Cells keep the raw text the source produced; rules parse them through
// fieldparse, so a malformed cell degrades to a sentinel instead of failing
// the batch. Records are read-only inputs: nothing in the engine mutates them.
type Record struct {
	WorkRequestID     string `json:"work_request_id"`
	TotalPrice        string `json:"total_price"`
	Quantity          string `json:"quantity"`
	UnitCode          string `json:"unit_code"`
	Foreman           string `json:"foreman"`
	Customer          string `json:"customer"`
	JobNumber         string `json:"job_number"`
	PoleID            string `json:"pole_id,omitempty"`
	SnapshotDate      string `json:"snapshot_date,omitempty"`
	WeekReferenceDate string `json:"week_reference_date,omitempty"`

	// Extensions carries extra source columns a caller wants exposed to
	// expression rules. Values stay untyped text, like the other cells.
	Extensions map[string]string `json:"extensions,omitempty"`
}

// ValidationContext is the per-run metadata supplied alongside a batch.
type ValidationContext struct {
	IsSingleWeek    bool              `json:"is_single_week"`
	WeekEndingLabel string            `json:"week_ending_label"`
	Extensions      map[string]string `json:"extensions,omitempty"`
}
