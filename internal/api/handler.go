package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/billguard/internal/cache"
	"github.com/opensource-finance/billguard/internal/domain"
	"github.com/opensource-finance/billguard/internal/pipeline"
	"github.com/opensource-finance/billguard/internal/repository"
	"github.com/opensource-finance/billguard/internal/rules"
)

// maxBatchBytes caps a POST /validate body.
const maxBatchBytes = 32 << 20

// Handler holds dependencies for API handlers.
type Handler struct {
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	manager  *rules.Manager
	pipeline *pipeline.Service
	version  string
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{
		repo:     deps.Repository,
		cache:    deps.Cache,
		bus:      deps.Bus,
		manager:  deps.Manager,
		pipeline: deps.Pipeline,
		version:  deps.Version,
	}
}

// ValidateRequest is the request body for POST /validate.
type ValidateRequest = domain.Batch

// Validate handles POST /validate requests.
func (h *Handler) Validate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if h.pipeline == nil {
		writeError(w, http.StatusServiceUnavailable, "validation pipeline not available")
		return
	}

	var req ValidateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBatchBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	run, err := h.pipeline.Run(ctx, tenantID, &req)
	if err != nil {
		slog.Error("batch validation failed",
			"tenant_id", tenantID,
			"batch_id", req.BatchID,
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "batch validation failed")
		return
	}

	writeJSON(w, http.StatusOK, run)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	checks := map[string]string{}

	check := func(name string, ping func() error) {
		if err := ping(); err != nil {
			status = "degraded"
			checks[name] = err.Error()
			return
		}
		checks[name] = "ok"
	}
	if h.repo != nil {
		check("repository", func() error { return h.repo.Ping(r.Context()) })
	}
	if h.cache != nil {
		check("cache", func() error { return h.cache.Ping(r.Context()) })
	}
	if h.bus != nil {
		check("bus", func() error { return h.bus.Ping(r.Context()) })
	}

	body := map[string]any{
		"status":  status,
		"version": h.version,
		"checks":  checks,
	}
	if s, ok := h.cache.(interface{ Stats() cache.LRUStats }); ok {
		body["cache"] = s.Stats()
	}
	writeJSON(w, http.StatusOK, body)
}

// Ready reports whether the server can validate batches. It fails while
// the repository is unreachable.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.pipeline == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"ready": "false"})
		return
	}
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"ready": "false",
				"error": err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// GetRun retrieves a validation run by ID.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	runID := chi.URLParam(r, "id")

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	run, err := h.repo.GetRun(ctx, tenantID, runID)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		slog.Error("failed to get run", "id", runID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}

	writeJSON(w, http.StatusOK, run)
}

// ListRuns returns the tenant's most recent runs, newest first.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	limit := repository.DefaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	runs, err := h.repo.ListRuns(ctx, tenantID, limit)
	if err != nil {
		slog.Error("failed to list runs", "tenant_id", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"runs":  runs,
		"count": len(runs),
	})
}

// GetThresholds returns the thresholds in effect for the tenant.
func (h *Handler) GetThresholds(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	t, err := h.manager.Thresholds(ctx, tenantID)
	if err != nil {
		slog.Error("failed to load thresholds", "tenant_id", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load thresholds")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// PutThresholds stores tenant thresholds and rebuilds the tenant's engine.
// Fields absent from the body keep their current value.
func (h *Handler) PutThresholds(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	t, err := h.manager.Thresholds(ctx, tenantID)
	if err != nil {
		slog.Error("failed to load thresholds", "tenant_id", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load thresholds")
		return
	}
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if err := t.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.repo.SaveThresholds(ctx, tenantID, &t); err != nil {
		slog.Error("failed to save thresholds", "tenant_id", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save thresholds")
		return
	}
	if !h.reload(w, r, tenantID) {
		return
	}

	slog.Info("thresholds updated", "tenant_id", tenantID)
	writeJSON(w, http.StatusOK, t)
}

// ListExpressionRules returns every stored expression rule of the tenant.
func (h *Handler) ListExpressionRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	list, err := h.repo.ListExpressionRules(ctx, tenantID)
	if err != nil {
		slog.Error("failed to list expression rules", "tenant_id", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list expression rules")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"rules": list,
		"count": len(list),
	})
}

// CreateExpressionRule compiles, stores and activates an expression rule.
// Saving an existing id replaces that rule.
func (h *Handler) CreateExpressionRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	var cfg domain.ExpressionRule
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if cfg.ID == "" || cfg.Expression == "" {
		writeError(w, http.StatusBadRequest, "id and expression are required")
		return
	}
	if cfg.Name == "" {
		cfg.Name = cfg.ID
	}
	cfg.TenantID = tenantID

	if err := h.manager.Compiler().Check(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.repo.SaveExpressionRule(ctx, tenantID, &cfg); err != nil {
		slog.Error("failed to save expression rule", "id", cfg.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save expression rule")
		return
	}
	if !h.reload(w, r, tenantID) {
		return
	}

	slog.Info("expression rule saved",
		"tenant_id", tenantID,
		"rule_id", cfg.ID,
		"enabled", cfg.Enabled,
	)
	writeJSON(w, http.StatusCreated, cfg)
}

// DeleteExpressionRule removes an expression rule and rebuilds the engine.
func (h *Handler) DeleteExpressionRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	ruleID := chi.URLParam(r, "id")

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	err := h.repo.DeleteExpressionRule(ctx, tenantID, ruleID)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "expression rule not found")
		return
	}
	if err != nil {
		slog.Error("failed to delete expression rule", "id", ruleID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete expression rule")
		return
	}
	if !h.reload(w, r, tenantID) {
		return
	}

	slog.Info("expression rule deleted", "tenant_id", tenantID, "rule_id", ruleID)
	w.WriteHeader(http.StatusNoContent)
}

// ReloadExpressionRules rebuilds the tenant's engine from storage.
func (h *Handler) ReloadExpressionRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	engine, err := h.manager.Reload(ctx, tenantID)
	if err != nil {
		slog.Error("failed to reload rules", "tenant_id", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to reload rules: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message":    "rules reloaded successfully",
		"rules":      engine.RuleNames(),
		"count":      engine.RulesCount(),
		"version":    engine.Version(),
		"purgedRuns": h.purgeRuns(r, tenantID),
	})
}

// reload rebuilds the tenant engine after a config write and reports
// failure to the client. It returns false when a response was written.
func (h *Handler) reload(w http.ResponseWriter, r *http.Request, tenantID string) bool {
	if _, err := h.manager.Reload(r.Context(), tenantID); err != nil {
		slog.Error("failed to reload rules", "tenant_id", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "saved, but rule reload failed: "+err.Error())
		return false
	}
	h.purgeRuns(r, tenantID)
	return true
}

// purgeRuns drops runs cached under the tenant's previous engine. Their
// fingerprints carry the old engine version and can never hit again.
// A failed purge only costs memory until the entries expire.
func (h *Handler) purgeRuns(r *http.Request, tenantID string) int {
	if h.cache == nil {
		return 0
	}
	n, err := h.cache.PurgeRuns(r.Context(), tenantID)
	if err != nil {
		slog.Warn("failed to purge cached runs", "tenant_id", tenantID, "error", err)
		return 0
	}
	if n > 0 {
		slog.Info("purged cached runs", "tenant_id", tenantID, "count", n)
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
