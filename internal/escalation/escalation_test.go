package escalation

import (
	"fmt"
	"testing"

	"github.com/opensource-finance/billguard/internal/domain"
)

func TestClassifyScoreBoundaries(t *testing.T) {
	tests := []struct {
		score float64
		crit  int
		want  domain.Tier
	}{
		{0, 0, domain.TierLow},
		{9.9, 0, domain.TierLow},
		{10, 0, domain.TierMedium},
		{24.9, 0, domain.TierMedium},
		{25, 0, domain.TierHigh},
		{49.9, 0, domain.TierHigh},
		{50, 0, domain.TierCritical},
		{100, 0, domain.TierCritical},
		{0, 1, domain.TierHigh},
		{9.9, 2, domain.TierHigh},
		{0, 3, domain.TierCritical},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("score=%v/crit=%d", tt.score, tt.crit), func(t *testing.T) {
			got := ClassifyScore(tt.score, tt.crit)
			if got.Tier != tt.want {
				t.Errorf("tier = %s, want %s", got.Tier, tt.want)
			}
			if got.RequiresImmediateAlert != (tt.want == domain.TierCritical) {
				t.Errorf("immediate alert = %v for %s", got.RequiresImmediateAlert, tt.want)
			}
			if got.RequiresReview != (tt.want == domain.TierHigh) {
				t.Errorf("review = %v for %s", got.RequiresReview, tt.want)
			}
		})
	}
}

func TestClassifyReport(t *testing.T) {
	if got := Classify(nil); got.Tier != domain.TierCritical || !got.RequiresImmediateAlert {
		t.Errorf("nil report should be CRITICAL, got %+v", got)
	}

	report := &domain.ValidationReport{
		RiskScore:          12,
		CriticalViolations: []string{"a"},
	}
	if got := Classify(report); got.Tier != domain.TierHigh {
		t.Errorf("expected HIGH, got %s", got.Tier)
	}
}

func TestRoute(t *testing.T) {
	tests := []struct {
		tier      domain.Tier
		wantTopic string
		wantOK    bool
	}{
		{domain.TierCritical, domain.TopicAlertImmediate, true},
		{domain.TierHigh, domain.TopicAlertReview, true},
		{domain.TierMedium, "", false},
		{domain.TierLow, "", false},
	}

	scores := map[domain.Tier]float64{
		domain.TierCritical: 75,
		domain.TierHigh:     30,
		domain.TierMedium:   15,
		domain.TierLow:      0,
	}
	for _, tt := range tests {
		t.Run(string(tt.tier), func(t *testing.T) {
			topic, ok := Route(ClassifyScore(scores[tt.tier], 0))
			if topic != tt.wantTopic || ok != tt.wantOK {
				t.Errorf("Route = (%q, %v), want (%q, %v)", topic, ok, tt.wantTopic, tt.wantOK)
			}
		})
	}
}

func TestNewAlertTruncates(t *testing.T) {
	var violations []string
	for i := 0; i < MaxAlertViolations+5; i++ {
		violations = append(violations, fmt.Sprintf("violation %d", i))
	}
	run := &domain.ValidationRun{
		ID:       "run-1",
		TenantID: "t1",
		BatchID:  "b1",
		Report: domain.ValidationReport{
			RiskScore:          100,
			CriticalViolations: violations,
			Warnings:           []string{"w"},
		},
		Decision: ClassifyScore(100, len(violations)),
	}

	alert := NewAlert(run)
	if len(alert.CriticalViolations) != MaxAlertViolations || alert.Truncated != 5 {
		t.Errorf("expected %d violations and 5 truncated, got %d and %d",
			MaxAlertViolations, len(alert.CriticalViolations), alert.Truncated)
	}
	if alert.Tier != domain.TierCritical || alert.WarningCount != 1 {
		t.Errorf("unexpected alert %+v", alert)
	}
}
