// Package pipeline runs a submitted batch through validation, escalation,
// persistence and notification. The HTTP API and the async worker share it.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/billguard/internal/domain"
	"github.com/opensource-finance/billguard/internal/escalation"
	"github.com/opensource-finance/billguard/internal/metrics"
	"github.com/opensource-finance/billguard/internal/rules"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("billguard-pipeline")

var (
	// ErrMissingTenant is returned when Run is called without a tenant.
	ErrMissingTenant = errors.New("tenant ID is required")
	// ErrNilBatch is returned when Run is called without a batch.
	ErrNilBatch = errors.New("batch is required")
)

// DefaultRunTTL is used when Deps.RunTTL is zero.
const DefaultRunTTL = 24 * time.Hour

// Deps are the collaborators of a Service. Every field but Manager may be
// nil, which disables that stage.
type Deps struct {
	Manager    *rules.Manager
	Repository domain.Repository
	Cache      domain.Cache
	Bus        domain.EventBus
	Metrics    *metrics.Collector
	Logger     *slog.Logger
	RunTTL     time.Duration

	// Now is the clock used for run timestamps and fingerprint days.
	Now func() time.Time
}

// Service validates batches for any tenant.
type Service struct {
	manager *rules.Manager
	repo    domain.Repository
	cache   domain.Cache
	bus     domain.EventBus
	metrics *metrics.Collector
	logger  *slog.Logger
	runTTL  time.Duration
	now     func() time.Time
}

// New creates a pipeline service.
func New(deps Deps) (*Service, error) {
	if deps.Manager == nil {
		return nil, fmt.Errorf("pipeline requires a rule manager")
	}
	s := &Service{
		manager: deps.Manager,
		repo:    deps.Repository,
		cache:   deps.Cache,
		bus:     deps.Bus,
		metrics: deps.Metrics,
		logger:  deps.Logger,
		runTTL:  deps.RunTTL,
		now:     deps.Now,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.runTTL <= 0 {
		s.runTTL = DefaultRunTTL
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// Run validates one batch for a tenant.
//
// An identical batch seen earlier the same UTC day under the same engine
// configuration is answered from cache without re-validating. A resubmission
// under the cached batch ID gets the cached run back; any other batch ID gets
// a new run carrying the cached report, which is stored and published like a
// fresh one. Persistence,
// cache and publish failures are logged; only engine and input errors are
// returned.
func (s *Service) Run(ctx context.Context, tenantID string, batch *domain.Batch) (*domain.ValidationRun, error) {
	if tenantID == "" {
		return nil, ErrMissingTenant
	}
	if batch == nil {
		return nil, ErrNilBatch
	}

	ctx, span := tracer.Start(ctx, "pipeline.Run")
	defer span.End()

	start := s.now()
	engine, err := s.manager.Engine(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load rule engine: %w", err)
	}

	fingerprint, err := Fingerprint(batch, engine.Version(), start)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("billguard.tenant_id", tenantID),
		attribute.String("billguard.fingerprint", fingerprint),
	)

	if cached := s.lookup(ctx, tenantID, fingerprint); cached != nil {
		if batch.BatchID == "" || batch.BatchID == cached.BatchID {
			return cached, nil
		}
		return s.relabel(ctx, cached, batch.BatchID, start, span), nil
	}

	validateStart := time.Now()
	report, err := engine.Validate(ctx, batch.Records, batch.Context)
	if err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	validateMs := time.Since(validateStart).Milliseconds()

	decision := escalation.Classify(report)
	if s.metrics != nil {
		s.metrics.ObserveDecision(decision)
	}

	run := &domain.ValidationRun{
		ID:              uuid.New().String(),
		TenantID:        tenantID,
		BatchID:         batch.BatchID,
		WeekEndingLabel: batch.Context.WeekEndingLabel,
		RecordCount:     len(batch.Records),
		Fingerprint:     fingerprint,
		Report:          *report,
		Decision:        decision,
		CreatedAt:       start.UTC(),
		Metadata: domain.RunMetadata{
			ValidateMs:    validateMs,
			RulesRun:      engine.RulesCount(),
			EngineVersion: engine.Version(),
		},
	}
	if run.BatchID == "" {
		run.BatchID = run.ID
	}
	if sc := span.SpanContext(); sc.HasTraceID() {
		run.Metadata.TraceID = sc.TraceID().String()
	}
	run.Metadata.TotalMs = s.now().Sub(start).Milliseconds()

	s.save(ctx, run)
	s.remember(ctx, run)
	s.publish(ctx, run)

	s.logger.Info("batch validated",
		"tenant_id", tenantID,
		"batch_id", run.BatchID,
		"run_id", run.ID,
		"records", run.RecordCount,
		"risk_score", report.RiskScore,
		"tier", decision.Tier,
		"critical", len(report.CriticalViolations),
		"warnings", len(report.Warnings),
		"duration_ms", run.Metadata.TotalMs,
	)
	return run, nil
}

func (s *Service) lookup(ctx context.Context, tenantID, fingerprint string) *domain.ValidationRun {
	if s.cache == nil {
		return nil
	}
	run, err := s.cache.GetRun(ctx, tenantID, fingerprint)
	if err != nil {
		s.logger.Warn("run cache lookup failed",
			"tenant_id", tenantID,
			"error", err,
		)
		run = nil
	}
	if s.metrics != nil {
		s.metrics.ObserveCacheLookup(run != nil)
	}
	if run == nil {
		return nil
	}

	run.Metadata.CacheHit = true
	s.logger.Debug("run served from cache",
		"tenant_id", tenantID,
		"run_id", run.ID,
	)
	return run
}

// relabel issues a run for batchID from a cached run of identical content.
// The cache keeps pointing at the original run.
func (s *Service) relabel(ctx context.Context, cached *domain.ValidationRun, batchID string, start time.Time, span trace.Span) *domain.ValidationRun {
	run := *cached
	run.ID = uuid.New().String()
	run.BatchID = batchID
	run.CreatedAt = start.UTC()
	run.Metadata.ReusedRunID = cached.ID
	run.Metadata.ValidateMs = 0
	run.Metadata.TraceID = ""
	if sc := span.SpanContext(); sc.HasTraceID() {
		run.Metadata.TraceID = sc.TraceID().String()
	}
	run.Metadata.TotalMs = s.now().Sub(start).Milliseconds()

	s.save(ctx, &run)
	s.publish(ctx, &run)

	s.logger.Info("batch validated from cache",
		"tenant_id", run.TenantID,
		"batch_id", run.BatchID,
		"run_id", run.ID,
		"reused_run_id", cached.ID,
		"tier", run.Decision.Tier,
	)
	return &run
}

func (s *Service) save(ctx context.Context, run *domain.ValidationRun) {
	if s.repo == nil {
		return
	}
	if err := s.repo.SaveRun(ctx, run.TenantID, run); err != nil {
		s.logger.Error("failed to save run",
			"tenant_id", run.TenantID,
			"run_id", run.ID,
			"error", err,
		)
	}
}

func (s *Service) remember(ctx context.Context, run *domain.ValidationRun) {
	if s.cache != nil {
		if err := s.cache.SetRun(ctx, run.TenantID, run, s.runTTL); err != nil {
			s.logger.Warn("failed to cache run",
				"tenant_id", run.TenantID,
				"run_id", run.ID,
				"error", err,
			)
		}
	}
}

func (s *Service) publish(ctx context.Context, run *domain.ValidationRun) {
	if s.bus == nil {
		return
	}

	payload, err := json.Marshal(run)
	if err == nil {
		err = s.bus.Publish(ctx, run.TenantID, domain.TopicValidationCompleted, payload)
	}
	if err != nil {
		s.logger.Error("failed to publish run",
			"tenant_id", run.TenantID,
			"run_id", run.ID,
			"error", err,
		)
	}

	topic, ok := escalation.Route(run.Decision)
	if !ok {
		return
	}
	alert, err := json.Marshal(escalation.NewAlert(run))
	if err == nil {
		err = s.bus.Publish(ctx, run.TenantID, topic, alert)
	}
	if err != nil {
		s.logger.Error("failed to publish alert",
			"tenant_id", run.TenantID,
			"run_id", run.ID,
			"topic", topic,
			"error", err,
		)
		return
	}
	s.logger.Warn("alert raised",
		"tenant_id", run.TenantID,
		"run_id", run.ID,
		"tier", run.Decision.Tier,
		"topic", topic,
	)
}

// Fingerprint identifies a batch for caching. It covers the records, the
// context, the engine version and the UTC day of at, since date checks
// depend on the current day. The batch ID is left out.
func Fingerprint(batch *domain.Batch, engineVersion string, at time.Time) (string, error) {
	data, err := json.Marshal(struct {
		Day     string                   `json:"day"`
		Version string                   `json:"version"`
		Context domain.ValidationContext `json:"context"`
		Records []domain.Record          `json:"records"`
	}{
		Day:     at.UTC().Format("2006-01-02"),
		Version: engineVersion,
		Context: batch.Context,
		Records: batch.Records,
	})
	if err != nil {
		return "", fmt.Errorf("failed to fingerprint batch: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
