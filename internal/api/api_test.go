package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/opensource-finance/billguard/internal/bus"
	"github.com/opensource-finance/billguard/internal/cache"
	"github.com/opensource-finance/billguard/internal/domain"
	"github.com/opensource-finance/billguard/internal/metrics"
	"github.com/opensource-finance/billguard/internal/pipeline"
	"github.com/opensource-finance/billguard/internal/repository"
	"github.com/opensource-finance/billguard/internal/rules"
	"github.com/prometheus/client_golang/prometheus"
)

const testTenant = "tenant-001"

// createTestServer wires a server over a temp SQLite database, an LRU
// cache and a channel bus.
func createTestServer(t *testing.T) *Server {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "api.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	manager, err := rules.NewManager(repo, domain.DefaultThresholds(), nil, rules.WithObserver(collector))
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	lru := cache.NewLRUCache(100, 0)
	svc, err := pipeline.New(pipeline.Deps{
		Manager:    manager,
		Repository: repo,
		Cache:      lru,
		Bus:        eventBus,
		Metrics:    collector,
	})
	if err != nil {
		t.Fatalf("failed to create pipeline: %v", err)
	}

	cfg := domain.ServerConfig{Host: "localhost", Port: 8080, ReadTimeout: 30, WriteTimeout: 30}
	return NewServer(cfg, Deps{
		Repository: repo,
		Cache:      lru,
		Bus:        eventBus,
		Manager:    manager,
		Pipeline:   svc,
		Metrics:    collector,
		Gatherer:   reg,
		Version:    "test-v1",
	})
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(TenantIDHeader, testTenant)

	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to decode %q: %v", rr.Body.String(), err)
	}
	return v
}

// batchOf builds a single-work-request batch whose crew was not recorded.
func batchOf(prices ...string) domain.Batch {
	b := domain.Batch{BatchID: "batch-1", Context: domain.ValidationContext{WeekEndingLabel: "081725"}}
	for _, p := range prices {
		b.Records = append(b.Records, domain.Record{
			WorkRequestID: "WR1",
			TotalPrice:    p,
			Quantity:      "1",
			UnitCode:      "U1",
			Foreman:       "Unknown",
			Customer:      "Acme",
			SnapshotDate:  "2025-08-12",
		})
	}
	return b
}

// cachedEntries reads the run cache size from /health.
func cachedEntries(t *testing.T, s *Server) int {
	t.Helper()
	body := decode[struct {
		Cache cache.LRUStats `json:"cache"`
	}](t, do(t, s, http.MethodGet, "/health", nil))
	return body.Cache.Entries
}

func TestValidateEndpoint(t *testing.T) {
	server := createTestServer(t)

	t.Run("CleanBatch", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/validate", batchOf("101.25"))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		run := decode[domain.ValidationRun](t, rr)
		if !run.Report.IsValid || run.Decision.Tier != domain.TierLow {
			t.Errorf("expected a valid LOW run, got %+v", run)
		}
		if run.TenantID != testTenant || run.BatchID != "batch-1" || run.ID == "" {
			t.Errorf("unexpected run header: %+v", run)
		}
		if rr.Header().Get(TraceIDHeader) == "" {
			t.Error("expected trace id header")
		}
	})

	t.Run("NegativeAmountIsHigh", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/validate", batchOf("-5"))
		run := decode[domain.ValidationRun](t, rr)
		if run.Report.IsValid || run.Decision.Tier != domain.TierHigh || !run.Decision.RequiresReview {
			t.Errorf("expected an invalid HIGH run, got %+v", run.Decision)
		}
	})

	t.Run("MissingTenant", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/validate", strings.NewReader("{}"))
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
		if body := decode[map[string]string](t, rr); body["error"] == "" {
			t.Error("expected JSON error body")
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/validate", strings.NewReader("{records:"))
		req.Header.Set(TenantIDHeader, testTenant)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestRunEndpoints(t *testing.T) {
	server := createTestServer(t)

	first := decode[domain.ValidationRun](t, do(t, server, http.MethodPost, "/validate", batchOf("101.25")))
	do(t, server, http.MethodPost, "/validate", batchOf("202.50"))

	t.Run("GetRun", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/runs/"+first.ID, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		if got := decode[domain.ValidationRun](t, rr); got.ID != first.ID {
			t.Errorf("expected run %s, got %s", first.ID, got.ID)
		}
	})

	t.Run("GetRunNotFound", func(t *testing.T) {
		if rr := do(t, server, http.MethodGet, "/runs/does-not-exist", nil); rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("OtherTenantCannotRead", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/runs/"+first.ID, nil)
		req.Header.Set(TenantIDHeader, "tenant-999")
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("ListRuns", func(t *testing.T) {
		body := decode[struct {
			Runs  []domain.ValidationRun `json:"runs"`
			Count int                    `json:"count"`
		}](t, do(t, server, http.MethodGet, "/runs?limit=1", nil))
		if body.Count != 1 || len(body.Runs) != 1 {
			t.Errorf("expected 1 run, got %d", body.Count)
		}

		if rr := do(t, server, http.MethodGet, "/runs?limit=abc", nil); rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400 for bad limit, got %d", rr.Code)
		}
	})
}

func TestThresholdEndpoints(t *testing.T) {
	server := createTestServer(t)

	rr := do(t, server, http.MethodGet, "/thresholds", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	got := decode[domain.Thresholds](t, rr)
	if !got.MaxBatchAmount.Equal(domain.DefaultThresholds().MaxBatchAmount) {
		t.Errorf("expected default batch ceiling, got %s", got.MaxBatchAmount)
	}

	// Before the change a 150.25 batch is clean; the result is now cached.
	before := decode[domain.ValidationRun](t, do(t, server, http.MethodPost, "/validate", batchOf("150.25")))
	if !before.Report.IsValid {
		t.Fatalf("expected clean batch, got %v", before.Report.CriticalViolations)
	}

	if n := cachedEntries(t, server); n != 1 {
		t.Fatalf("expected one cached run, got %d", n)
	}

	rr = do(t, server, http.MethodPut, "/thresholds", map[string]any{"maxBatchAmount": "100"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if n := cachedEntries(t, server); n != 0 {
		t.Errorf("expected the threshold change to purge cached runs, %d left", n)
	}
	updated := decode[domain.Thresholds](t, rr)
	if updated.MaxBatchAmount.String() != "100" || updated.MaxQuantity.IsZero() {
		t.Errorf("expected a partial update over current values, got %+v", updated)
	}

	after := decode[domain.ValidationRun](t, do(t, server, http.MethodPost, "/validate", batchOf("150.25")))
	if after.Report.IsValid || after.Metadata.CacheHit {
		t.Errorf("expected the new ceiling to apply without a stale cache hit, got %+v", after.Metadata)
	}

	rr = do(t, server, http.MethodPut, "/thresholds", map[string]any{"roundNumberRatio": 2})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 for invalid thresholds, got %d", rr.Code)
	}
}

func TestExpressionRuleEndpoints(t *testing.T) {
	server := createTestServer(t)

	t.Run("RejectsBadExpression", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/expression-rules", domain.ExpressionRule{
			ID: "bad", Expression: "record.quantity +", Severity: domain.SeverityWarning, Enabled: true,
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("Lifecycle", func(t *testing.T) {
		rule := domain.ExpressionRule{
			ID:         "u1-watch",
			Expression: `record.unit_code == "U1"`,
			Severity:   domain.SeverityWarning,
			RiskDelta:  2,
			Message:    "unit U1 is on the watch list",
			Enabled:    true,
		}
		rr := do(t, server, http.MethodPost, "/expression-rules", rule)
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}

		list := decode[struct {
			Count int `json:"count"`
		}](t, do(t, server, http.MethodGet, "/expression-rules", nil))
		if list.Count != 1 {
			t.Errorf("expected 1 rule, got %d", list.Count)
		}

		run := decode[domain.ValidationRun](t, do(t, server, http.MethodPost, "/validate", batchOf("101.25")))
		found := false
		for _, w := range run.Report.Warnings {
			if w == "row 1: unit U1 is on the watch list" {
				found = true
			}
		}
		if !found || run.Report.RiskScore != 2 {
			t.Errorf("expected the expression rule to fire, got %v (score %v)", run.Report.Warnings, run.Report.RiskScore)
		}
		if _, ok := run.Report.BusinessMetrics[rules.ExpressionPrefix+"u1-watch"]; !ok {
			t.Error("expected metrics for the expression rule")
		}

		if rr := do(t, server, http.MethodDelete, "/expression-rules/u1-watch", nil); rr.Code != http.StatusNoContent {
			t.Errorf("expected status 204, got %d", rr.Code)
		}
		if rr := do(t, server, http.MethodDelete, "/expression-rules/u1-watch", nil); rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404 on second delete, got %d", rr.Code)
		}

		reload := decode[struct {
			Count int `json:"count"`
		}](t, do(t, server, http.MethodPost, "/expression-rules/reload", nil))
		if reload.Count != 7 {
			t.Errorf("expected 7 canonical rules after delete, got %d", reload.Count)
		}
	})
}

func TestOperationalEndpoints(t *testing.T) {
	server := createTestServer(t)

	t.Run("Health", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		body := decode[map[string]any](t, rr)
		if body["status"] != "healthy" || body["version"] != "test-v1" {
			t.Errorf("unexpected health body: %v", body)
		}
	})

	t.Run("Ready", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ready", nil)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})

	t.Run("Metrics", func(t *testing.T) {
		do(t, server, http.MethodPost, "/validate", batchOf("101.25"))

		req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		body := rr.Body.String()
		for _, want := range []string{
			`billguard_http_requests_total{method="POST",route="/validate",status="200"} 1`,
			"billguard_batches_total",
			"billguard_rule_runs_total",
		} {
			if !strings.Contains(body, want) {
				t.Errorf("metrics output missing %q", want)
			}
		}
	})

	t.Run("CORSPreflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/validate", nil)
		req.Header.Set("Origin", "https://ops.example.com")
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusNoContent {
			t.Errorf("expected status 204, got %d", rr.Code)
		}
		if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://ops.example.com" {
			t.Errorf("unexpected allow origin %q", got)
		}
	})
}
