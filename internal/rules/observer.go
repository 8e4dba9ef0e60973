package rules

import (
	"log/slog"
	"time"

	"github.com/opensource-finance/billguard/internal/domain"
)

// Observer receives instrumentation callbacks from an Engine. Calls happen
// synchronously on the validating goroutine, so implementations must be
// quick and safe for concurrent use.
type Observer interface {
	RuleStarted(name string)
	RuleCompleted(name string, finding domain.RuleFinding, elapsed time.Duration)
	RuleFailed(name string, err error, elapsed time.Duration)
	BatchCompleted(report *domain.ValidationReport, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) RuleStarted(string)                                      {}
func (nopObserver) RuleCompleted(string, domain.RuleFinding, time.Duration) {}
func (nopObserver) RuleFailed(string, error, time.Duration)                 {}
func (nopObserver) BatchCompleted(*domain.ValidationReport, time.Duration)  {}

// Observers fans callbacks out to several observers in order.
type Observers []Observer

func (o Observers) RuleStarted(name string) {
	for _, obs := range o {
		obs.RuleStarted(name)
	}
}

func (o Observers) RuleCompleted(name string, finding domain.RuleFinding, elapsed time.Duration) {
	for _, obs := range o {
		obs.RuleCompleted(name, finding, elapsed)
	}
}

func (o Observers) RuleFailed(name string, err error, elapsed time.Duration) {
	for _, obs := range o {
		obs.RuleFailed(name, err, elapsed)
	}
}

func (o Observers) BatchCompleted(report *domain.ValidationReport, elapsed time.Duration) {
	for _, obs := range o {
		obs.BatchCompleted(report, elapsed)
	}
}

// LogObserver writes engine events to a structured logger.
type LogObserver struct {
	logger *slog.Logger
}

// NewLogObserver creates a LogObserver. A nil logger means slog.Default().
func NewLogObserver(logger *slog.Logger) *LogObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogObserver{logger: logger}
}

func (l *LogObserver) RuleStarted(name string) {
	l.logger.Debug("rule started", "rule", name)
}

func (l *LogObserver) RuleCompleted(name string, finding domain.RuleFinding, elapsed time.Duration) {
	l.logger.Debug("rule completed",
		"rule", name,
		"critical", len(finding.CriticalViolations),
		"warnings", len(finding.Warnings),
		"risk_delta", finding.RiskScoreDelta,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

func (l *LogObserver) RuleFailed(name string, err error, elapsed time.Duration) {
	l.logger.Error("rule failed",
		"rule", name,
		"error", err,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

func (l *LogObserver) BatchCompleted(report *domain.ValidationReport, elapsed time.Duration) {
	l.logger.Info("batch validated",
		"is_valid", report.IsValid,
		"risk_score", report.RiskScore,
		"critical", len(report.CriticalViolations),
		"warnings", len(report.Warnings),
		"elapsed_ms", elapsed.Milliseconds(),
	)
}
