// Package metrics exposes billguard's Prometheus instrumentation.
package metrics

import (
	"strconv"
	"time"

	"github.com/opensource-finance/billguard/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "billguard"

// Collector records engine, pipeline and HTTP metrics. It implements
// rules.Observer so it can be attached to every engine.
type Collector struct {
	ruleRuns      *prometheus.CounterVec
	ruleDuration  *prometheus.HistogramVec
	ruleFindings  *prometheus.CounterVec
	ruleRisk      *prometheus.HistogramVec
	batchDuration prometheus.Histogram
	batchRisk     prometheus.Histogram
	batches       *prometheus.CounterVec
	escalations   *prometheus.CounterVec
	cacheLookups  *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
}

// NewCollector creates the collector and registers it with reg. A nil reg
// means prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		ruleRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_runs_total",
			Help:      "Rule evaluations by rule and outcome.",
		}, []string{"rule", "outcome"}),
		ruleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rule_duration_seconds",
			Help:      "Time spent in a single rule evaluation.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, []string{"rule"}),
		ruleFindings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_findings_total",
			Help:      "Findings emitted by rule and severity.",
		}, []string{"rule", "severity"}),
		ruleRisk: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rule_risk_delta",
			Help:      "Risk score contribution per rule evaluation.",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100},
		}, []string{"rule"}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_validation_seconds",
			Help:      "Wall time of a full engine run.",
			Buckets:   prometheus.DefBuckets,
		}),
		batchRisk: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_risk_score",
			Help:      "Final clamped risk score per batch.",
			Buckets:   []float64{0, 10, 25, 50, 75, 100},
		}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Validated batches by validity.",
		}, []string{"valid"}),
		escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Escalation decisions by tier.",
		}, []string{"tier"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_cache_lookups_total",
			Help:      "Validation run cache lookups by result.",
		}, []string{"result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	reg.MustRegister(
		c.ruleRuns, c.ruleDuration, c.ruleFindings, c.ruleRisk,
		c.batchDuration, c.batchRisk, c.batches,
		c.escalations, c.cacheLookups,
		c.httpRequests, c.httpDuration,
	)
	return c
}

// RuleStarted implements rules.Observer.
func (c *Collector) RuleStarted(string) {}

// RuleCompleted implements rules.Observer.
func (c *Collector) RuleCompleted(name string, finding domain.RuleFinding, elapsed time.Duration) {
	c.ruleRuns.WithLabelValues(name, "ok").Inc()
	c.ruleDuration.WithLabelValues(name).Observe(elapsed.Seconds())
	c.ruleFindings.WithLabelValues(name, "critical").Add(float64(len(finding.CriticalViolations)))
	c.ruleFindings.WithLabelValues(name, "warning").Add(float64(len(finding.Warnings)))
	c.ruleRisk.WithLabelValues(name).Observe(finding.RiskScoreDelta)
}

// RuleFailed implements rules.Observer.
func (c *Collector) RuleFailed(name string, _ error, elapsed time.Duration) {
	c.ruleRuns.WithLabelValues(name, "failed").Inc()
	c.ruleDuration.WithLabelValues(name).Observe(elapsed.Seconds())
	c.ruleFindings.WithLabelValues(name, "critical").Inc()
}

// BatchCompleted implements rules.Observer.
func (c *Collector) BatchCompleted(report *domain.ValidationReport, elapsed time.Duration) {
	c.batchDuration.Observe(elapsed.Seconds())
	c.batchRisk.Observe(report.RiskScore)
	c.batches.WithLabelValues(strconv.FormatBool(report.IsValid)).Inc()
}

// ObserveDecision counts an escalation decision.
func (c *Collector) ObserveDecision(d domain.EscalationDecision) {
	c.escalations.WithLabelValues(string(d.Tier)).Inc()
}

// ObserveCacheLookup counts a run cache hit or miss.
func (c *Collector) ObserveCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.cacheLookups.WithLabelValues(result).Inc()
}

// ObserveHTTP records one served request. route is the matched pattern,
// not the raw path, to keep label cardinality bounded.
func (c *Collector) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
